package tier

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/memsync/internal/core"
)

func newMockWarm(t *testing.T) (*PostgresWarm, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresWarmFromDB(sqlx.NewDb(db, "postgres"), 5*time.Second), mock
}

func TestCondSetRendering(t *testing.T) {
	var c condSet
	c.addf("domain = ?", "trading")
	c.addf("importance >= ?", 5.0)
	c.addf("(expires_at IS NULL OR expires_at > now())")

	assert.Equal(t, " WHERE domain = $1 AND importance >= $2 AND (expires_at IS NULL OR expires_at > now())", c.where())
	assert.Equal(t, "$3", c.nextArg(100))
	assert.Equal(t, []interface{}{"trading", 5.0, 100}, c.args)
}

func TestCondSetEmpty(t *testing.T) {
	var c condSet
	assert.Equal(t, "", c.where())
	assert.Equal(t, "$1", c.nextArg(10))
}

func TestMarkAppliedIdempotency(t *testing.T) {
	warm, mock := newMockWarm(t)
	ctx := context.Background()

	insert := regexp.QuoteMeta(`INSERT INTO sync_applied`)

	mock.ExpectExec(insert).WithArgs("env-1").WillReturnResult(sqlmock.NewResult(0, 1))
	applied, err := warm.MarkApplied(ctx, "env-1")
	require.NoError(t, err)
	assert.True(t, applied)

	mock.ExpectExec(insert).WithArgs("env-1").WillReturnResult(sqlmock.NewResult(0, 0))
	applied, err = warm.MarkApplied(ctx, "env-1")
	require.NoError(t, err)
	assert.False(t, applied)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueDepth(t *testing.T) {
	warm, mock := newMockWarm(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM sync_queue WHERE peer_id = $1`)).
		WithArgs("peer-b").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := warm.QueueDepth(context.Background(), "peer-b")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteQueueNoopOnEmpty(t *testing.T) {
	warm, mock := newMockWarm(t)

	// No expectation registered: an issued statement would fail the test.
	require.NoError(t, warm.DeleteQueue(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryEntriesExcludesExpired(t *testing.T) {
	warm, mock := newMockWarm(t)

	mock.ExpectQuery(`SELECT .+ FROM memories m WHERE \(m\.expires_at IS NULL OR m\.expires_at > now\(\)\) AND m\.domain = \$1 ORDER BY m\.created_at DESC`).
		WithArgs("trading", 100, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := warm.QueryEntries(context.Background(), core.MemoryFilter{Domain: "trading"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryEventsClampsOversizedLimit(t *testing.T) {
	warm, mock := newMockWarm(t)

	// A limit above the cap shrinks to the cap, not the default page size.
	mock.ExpectQuery(`SELECT .+ FROM learning_events WHERE domain = \$1 ORDER BY ts DESC`).
		WithArgs("trading", maxEventQueryLimit, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := warm.QueryEvents(context.Background(), core.EventFilter{Domain: "trading", Limit: 5000})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntryUnknownID(t *testing.T) {
	warm, mock := newMockWarm(t)

	mock.ExpectQuery(`SELECT .+ FROM memories`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	entry, err := warm.GetEntry(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package syncer

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentfleet/memsync/internal/core"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 25 * time.Second
	identifyWait   = 10 * time.Second
	maxMessageSize = 1 << 20
)

// identifyFrame is the mandatory first frame on every connection, in either
// direction. Envelopes arriving before it are protocol errors.
type identifyFrame struct {
	Kind      string             `json:"kind"` // always "identify"
	ServiceID string             `json:"service_id"`
	Domains   []string           `json:"domains,omitempty"`
	Kinds     []core.PayloadKind `json:"kinds,omitempty"`
}

// conn wraps a websocket with a write lock; gorilla permits one concurrent
// writer only.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *conn) close() {
	c.ws.Close()
}

// dialPeer opens a websocket to the peer endpoint and performs the identify
// handshake: we announce ourselves, the peer answers with its own identity.
func dialPeer(ctx context.Context, endpoint, serviceID string) (*conn, *identifyFrame, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial %s: %v", core.ErrTransport, endpoint, err)
	}
	ws.SetReadLimit(maxMessageSize)

	c := &conn{ws: ws}
	if err := c.writeJSON(identifyFrame{Kind: "identify", ServiceID: serviceID}); err != nil {
		c.close()
		return nil, nil, fmt.Errorf("%w: identify send: %v", core.ErrTransport, err)
	}

	ws.SetReadDeadline(time.Now().Add(identifyWait))
	var remote identifyFrame
	if err := ws.ReadJSON(&remote); err != nil || remote.Kind != "identify" || remote.ServiceID == "" {
		c.close()
		return nil, nil, fmt.Errorf("%w: peer did not identify", core.ErrTransport)
	}
	armKeepalive(ws)
	return c, &remote, nil
}

// armKeepalive sets the post-handshake read deadline and the control frame
// handlers. Either direction of ping/pong traffic refreshes the deadline;
// only the dialing side originates pings, so the accept side must treat an
// incoming ping as liveness too, not just its own pong replies.
func armKeepalive(ws *websocket.Conn) {
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// acceptPeer upgrades an inbound HTTP request, waits for the remote
// identify frame and answers with ours.
func acceptPeer(w http.ResponseWriter, r *http.Request, serviceID string) (*conn, *identifyFrame, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: upgrade: %v", core.ErrTransport, err)
	}
	ws.SetReadLimit(maxMessageSize)

	ws.SetReadDeadline(time.Now().Add(identifyWait))
	var remote identifyFrame
	if err := ws.ReadJSON(&remote); err != nil || remote.Kind != "identify" || remote.ServiceID == "" {
		ws.Close()
		return nil, nil, fmt.Errorf("%w: peer did not identify", core.ErrTransport)
	}

	c := &conn{ws: ws}
	if err := c.writeJSON(identifyFrame{Kind: "identify", ServiceID: serviceID}); err != nil {
		c.close()
		return nil, nil, fmt.Errorf("%w: identify send: %v", core.ErrTransport, err)
	}
	armKeepalive(ws)
	return c, &remote, nil
}

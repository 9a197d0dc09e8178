package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/internal/wire"
)

// writeTimeout bounds a single frame write to a browser client. A client
// that cannot drain frames this long is considered gone.
const writeTimeout = 10 * time.Second

var _ session.Client = (*wsClient)(nil)

// wsClient adapts a browser WebSocket connection to the session.Client
// interface. Writes are serialised with a mutex because the session emits
// from its loop while tool goroutines emit image notifications.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn}
}

func (c *wsClient) Send(ctx context.Context, ev wire.ServerEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, ev)
}

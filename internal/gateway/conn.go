package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Jatin5120/vantum-backend/pkg/protocol"
)

// writeTimeout bounds one outbound frame write. A client that stops reading
// for this long is considered gone.
const writeTimeout = 10 * time.Second

// Conn wraps one client websocket. Frame writes are serialised: the three
// engines and the dispatcher all write concurrently, and interleaved
// messages would corrupt the stream.
type Conn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex
}

func newConn(id string, ws *websocket.Conn) *Conn {
	return &Conn{id: id, ws: ws}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// WriteFrame encodes and delivers one frame to the client.
func (c *Conn) WriteFrame(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gateway: write %s: %w", f.EventType, err)
	}
	return nil
}

// close terminates the websocket with the given status.
func (c *Conn) close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
}

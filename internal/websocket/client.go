// Package websocket pushes job progress events to a WebSocket peer.
package websocket

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Peers only send control frames
	maxMessageSize = 512
)

// NewUpgrader accepts connections from allowedOrigins. "*" or a request
// without an Origin header (non-browser clients) is always accepted.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	anyOrigin := slices.Contains(allowedOrigins, "*")
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return anyOrigin || origin == "" || slices.Contains(allowedOrigins, origin)
		},
	}
}

// Client is one connected subscriber of a job's events
type Client struct {
	conn   *websocket.Conn
	jobID  string
	logger *zap.Logger
}

// NewClient wraps an upgraded connection
func NewClient(conn *websocket.Conn, jobID string, logger *zap.Logger) *Client {
	return &Client{
		conn:   conn,
		jobID:  jobID,
		logger: logging.OrNop(logger).Named("ws").With(zap.String("job_id", jobID)),
	}
}

// Serve writes events until the channel closes, the peer goes away or ctx
// ends. The connection is closed on return.
func (c *Client) Serve(ctx context.Context, events <-chan jobs.ProgressEvent) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.readPump(cancel)
	c.writePump(ctx, events)
}

// readPump only watches for the peer closing and keeps the read deadline
// moving with pongs.
func (c *Client) readPump(cancel context.CancelFunc) {
	defer cancel()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context, events <-chan jobs.ProgressEvent) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-events:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("websocket write failed", zap.Int64("seq", ev.Seq), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

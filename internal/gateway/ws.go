package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/treble-chat/voice/internal/config"
	"github.com/treble-chat/voice/internal/domain"
	"github.com/treble-chat/voice/internal/identity"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn is the transport endpoint for one signaling connection. The adapter
// owns it and closes it when either pump exits.
type wsConn struct {
	conn         *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		conn:         conn,
		send:         make(chan []byte, 64),
		writeTimeout: writeTimeout,
	}
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close marks the connection dead and closes the socket. The send channel is
// left open: the broadcast router may still hold this Sender and call TrySend
// from another connection's goroutine until UnsubscribeAll runs.
func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.conn.Close()
}

// WSHandler upgrades signaling connections and runs their pumps.
type WSHandler struct {
	ctl      *Controller
	resolver identity.Resolver
	cfg      *config.Signaling
}

func NewWSHandler(ctl *Controller, resolver identity.Resolver, cfg *config.Signaling) *WSHandler {
	return &WSHandler{ctl: ctl, resolver: resolver, cfg: cfg}
}

func (h *WSHandler) token(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	if t, ok := sessions.Default(c).Get("token").(string); ok {
		return t
	}
	return ""
}

// HandleSignal resolves identity once, at upgrade time. Cleanup later keys on
// the raw connection handle only, so an expired credential at disconnect time
// cannot strand a session row.
func (h *WSHandler) HandleSignal(ctx context.Context, c *gin.Context) {
	userID, err := h.resolver.Resolve(h.token(c))
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Str("module", "gateway").Err(err).Msg("ws upgrade failed")
		return
	}
	ws.SetReadLimit(h.cfg.ReadLimit)

	conn := newWSConn(ws, h.cfg.WriteTimeout)
	cl := &client{
		connID: domain.ConnectionID(uuid.NewString()),
		userID: userID,
		send:   conn,
	}
	log.Info().Str("module", "gateway").Str("conn", string(cl.connID)).
		Str("user", string(userID)).Msg("signaling connection established")

	connCtx, cancel := context.WithCancel(ctx)
	go h.writePump(connCtx, cancel, conn)
	go h.readPump(connCtx, cancel, conn, cl)
}

func (h *WSHandler) writePump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) readPump(ctx context.Context, cancel context.CancelFunc, c *wsConn, cl *client) {
	defer func() {
		cancel()
		h.ctl.onDisconnect(cl)
		c.Close()
		log.Info().Str("module", "gateway").Str("conn", string(cl.connID)).Msg("signaling connection closed")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			h.ctl.handleMessage(ctx, cl, data)
		}
	}
}

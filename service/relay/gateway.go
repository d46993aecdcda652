package relay

import (
	"context"
	"net/http"
	"time"

	"ChatRelay/logger"
	midsec "ChatRelay/middleware/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	readLimit     = 1 << 20 // 1MB
	writeDeadline = 5 * time.Second
)

// Gateway accepts upgraded connections and runs one Session per connection
// to completion. Identity comes from the auth middleware; the gateway never
// negotiates it over the wire.
type Gateway struct {
	dial    BackplaneDialer
	guard   Guard
	limiter RateLimiter
}

func NewGateway(dial BackplaneDialer, guard Guard, limiter RateLimiter) *Gateway {
	return &Gateway{dial: dial, guard: guard, limiter: limiter}
}

// HandleWS is the upgrade endpoint. Reachable only behind the auth
// middleware.
func (g *Gateway) HandleWS(c *gin.Context) {
	userID, ok := midsec.UserID(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("gateway: upgrade user=%d: %v", userID, err)
		return
	}
	conn.SetReadLimit(readLimit)

	// The session outlives the HTTP request; its lifetime is the socket's.
	ctx := context.Background()

	bp, err := g.dial(ctx, UserChannel(userID))
	if err != nil {
		logger.Errorf("gateway: backplane dial user=%d: %v", userID, err)
		closeWith(conn, websocket.CloseInternalServerErr, "backplane unavailable")
		return
	}

	sess := NewSession(userID, &wsConn{conn: conn}, bp, g.guard, g.limiter)
	logger.Infof("gateway: session start user=%d", userID)
	if err := sess.Run(ctx); err != nil {
		logger.Infof("gateway: session end user=%d: %v", userID, err)
		return
	}
	logger.Infof("gateway: session end user=%d", userID)
}

// closeWith sends a close frame with a reason before dropping the socket, so
// clients see why the relay never came up.
func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
	_ = conn.Close()
}

// wsConn adapts a gorilla connection to the session's Conn. Reads skip
// non-text frames; writes carry a deadline so a stalled client cannot wedge
// the loop.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

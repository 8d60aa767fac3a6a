package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleylabs/parley/internal/auth"
)

const (
	authDeadline   = 10 * time.Second
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser wallets connect cross-origin; auth happens in the first frame.
	CheckOrigin: func(*http.Request) bool { return true },
}

// authFramePayload is the first frame every relay connection must send.
type authFramePayload struct {
	Signature   string   `json:"signature"`
	Message     string   `json:"message"`
	Rules       []string `json:"rules"`
	Timestamp   int64    `json:"timestamp"`
	WalletToken string   `json:"walletToken"`
}

// handleRelay upgrades the connection, authenticates the first frame
// against the path address, and pumps frames between the socket and the
// signaling session.
func (h *httpHandler) handleRelay(c *gin.Context) {
	address := c.Param("address")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(authDeadline)); err != nil {
		return
	}

	_, firstFrame, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var authFrame authFramePayload
	if err := json.Unmarshal(firstFrame, &authFrame); err != nil {
		closeWithPolicyViolation(conn, "invalid auth frame")
		return
	}

	session, err := h.signaling.Subscribe(context.Background(), address,
		authFrame.Signature, authFrame.Message, authFrame.Rules, authFrame.Timestamp, authFrame.WalletToken)
	if err != nil {
		h.logger.Info("relay auth rejected",
			zap.String("address", address), zap.Error(err))
		closeWithPolicyViolation(conn, authCloseReason(err))
		return
	}
	defer session.Close()

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.writePump(conn, session)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		session.HandleMessage(c.Request.Context(), frame)
	}
}

// writePump moves session traffic to the socket and keeps the connection
// alive with pings. It owns all writes after the handshake.
func (h *httpHandler) writePump(conn *websocket.Conn, session sessionConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case frame := <-session.Outbound():
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-session.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// sessionConn is the slice of a signaling session the write pump needs.
type sessionConn interface {
	Outbound() <-chan []byte
	Done() <-chan struct{}
}

func closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
}

func authCloseReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrAuthExpired):
		return "signature expired"
	case errors.Is(err, auth.ErrUnauthorized):
		return "connection type not authorized"
	case errors.Is(err, auth.ErrInvalidMessage):
		return "invalid challenge"
	default:
		return "unauthorized"
	}
}

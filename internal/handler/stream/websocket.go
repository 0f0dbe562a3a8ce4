package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	chatmodel "github.com/zhouzirui/hearth/backend/internal/model/chat"
	chatService "github.com/zhouzirui/hearth/backend/internal/service/chat"
)

const (
	authWait   = 10 * time.Second
	readWait   = 60 * time.Second
	writeWait  = 10 * time.Second
	pingPeriod = 54 * time.Second
	maxFrame   = 64 << 10
)

type inboundMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Text  string `json:"text,omitempty"`
}

type connectedMessage struct {
	Event          string              `json:"event"`
	ConversationID string              `json:"conversationId"`
	ExpiresAt      time.Time           `json:"expiresAt"`
	Messages       []chatmodel.Message `json:"messages"`
}

var errUnexpectedFrame = errors.New("expected an auth frame")

type wsEmitter struct {
	conn *websocket.Conn
}

func (e wsEmitter) emit(resp StreamResponse) error {
	return writeJSON(e.conn, resp)
}

func writeJSON(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

// handleWebSocket 处理WebSocket连接。首帧必须是 {"type":"auth","token":...}，
// 之后每个 {"type":"message","text":...} 帧触发一轮对话。
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrame)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	baseID := chimw.GetReqID(r.Context())
	if baseID == "" {
		baseID = uuid.NewString()
	}

	token, err := h.authenticate(ctx, conn)
	if err != nil {
		h.logger.Info("ws_auth_failed", zap.String("request_id", baseID), zap.Error(err))
		_ = writeJSON(conn, StreamResponse{Event: EventError, Error: string(chatService.KindUnauthorized)})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(writeWait))
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	// Frames are read on their own goroutine so a close or EOF during a turn
	// cancels ctx and with it the in-flight inference.
	frames := make(chan inboundMessage, 4)
	go h.readLoop(ctx, cancel, conn, baseID, frames)
	go h.pingLoop(ctx, cancel, conn)

	for turn := 1; ; turn++ {
		var msg inboundMessage
		select {
		case <-ctx.Done():
			return
		case m, ok := <-frames:
			if !ok {
				return
			}
			msg = m
		}

		if msg.Type != "message" {
			if err := writeJSON(conn, StreamResponse{Event: EventError, Error: string(chatService.KindInvalidRequest)}); err != nil {
				return
			}
			continue
		}

		requestID := fmt.Sprintf("%s-%d", baseID, turn)
		out := wsEmitter{conn: conn}
		if err := h.runTurn(ctx, requestID, token, msg.Text, nil, out); err != nil {
			if ctx.Err() != nil {
				h.logger.Info("ws_turn_abandoned", zap.String("request_id", requestID))
				return
			}
			if werr := out.emit(StreamResponse{Event: EventError, Error: string(chatService.KindOf(err))}); werr != nil {
				return
			}
		}
	}
}

// readLoop forwards inbound frames and cancels the connection context once
// the peer goes away.
func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, requestID string, frames chan<- inboundMessage) {
	defer cancel()
	defer close(frames)

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Info("ws_read_failed", zap.String("request_id", requestID), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		select {
		case frames <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// authenticate waits for the auth frame and checks the token by loading the
// conversation, which is sent back as the connected event.
func (h *Handler) authenticate(ctx context.Context, conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(authWait))

	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", err
	}
	token := strings.TrimSpace(msg.Token)
	if msg.Type != "auth" || token == "" {
		return "", errUnexpectedFrame
	}

	transcript, err := h.chatSvc.History(ctx, token)
	if err != nil {
		return "", err
	}
	if err := writeJSON(conn, connectedMessage{
		Event:          "connected",
		ConversationID: transcript.ConversationID,
		ExpiresAt:      transcript.ExpiresAt,
		Messages:       transcript.Messages,
	}); err != nil {
		return "", err
	}
	return token, nil
}

func (h *Handler) pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				cancel()
				return
			}
		}
	}
}

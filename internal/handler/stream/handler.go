package stream

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	chathandler "github.com/zhouzirui/hearth/backend/internal/handler/chat"
	"github.com/zhouzirui/hearth/backend/internal/middleware"
	chatService "github.com/zhouzirui/hearth/backend/internal/service/chat"
	"github.com/zhouzirui/hearth/backend/internal/service/prompt"
	"github.com/zhouzirui/hearth/backend/pkg/utils"
)

// Handler streams chat answers over Server-Sent Events and WebSocket.
type Handler struct {
	chatSvc   *chatService.Service
	streaming bool
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

// New creates a stream handler. With streaming disabled the answer is
// delivered as a single message event once it is complete.
func New(chatSvc *chatService.Service, streaming bool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chatSvc:   chatSvc,
		streaming: streaming,
		logger:    logger.Named("stream"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes registers the streaming chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(middleware.RequireToken).Post("/chat/stream", h.handleSSE)
	r.Get("/chat/ws", h.handleWebSocket)
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Event          string           `json:"event"`
	ConversationID string           `json:"conversationId,omitempty"`
	Content        string           `json:"content,omitempty"`
	UserSeq        int64            `json:"userSeq,omitempty"`
	AssistantSeq   int64            `json:"assistantSeq,omitempty"`
	Warnings       []prompt.Warning `json:"warnings,omitempty"`
	Finished       bool             `json:"finished,omitempty"`
	Error          string           `json:"error,omitempty"`
}

const (
	EventStart   = "start"
	EventDelta   = "delta"
	EventMessage = "message"
	EventEnd     = "end"
	EventError   = "error"
)

// emitter delivers stream events over one transport.
type emitter interface {
	emit(StreamResponse) error
}

// runTurn drives one chat turn and reports it through out. begin is called
// once before the first event. It returns the turn error when no event had
// been sent yet, so the caller can still answer with a plain error response.
func (h *Handler) runTurn(ctx context.Context, requestID, token, content string, begin func(), out emitter) error {
	started := false
	open := func() error {
		if started {
			return nil
		}
		started = true
		if begin != nil {
			begin()
		}
		return out.emit(StreamResponse{Event: EventStart})
	}

	var onFragment chatService.FragmentFunc
	if h.streaming {
		onFragment = func(fragment string) error {
			if err := open(); err != nil {
				return err
			}
			return out.emit(StreamResponse{Event: EventDelta, Content: fragment})
		}
	}

	res, err := h.chatSvc.Handle(ctx, chatService.Request{
		RequestID: requestID,
		Token:     token,
		Content:   content,
		Stream:    h.streaming,
	}, onFragment)
	if err != nil {
		if !started {
			return err
		}
		_ = out.emit(StreamResponse{Event: EventError, Error: string(chatService.KindOf(err))})
		return nil
	}

	if err := open(); err != nil {
		return nil
	}
	if err := out.emit(StreamResponse{
		Event:          EventMessage,
		ConversationID: res.ConversationID,
		Content:        res.AssistantMessage.Content,
		UserSeq:        res.UserMessage.Seq,
		AssistantSeq:   res.AssistantMessage.Seq,
		Warnings:       res.Warnings,
	}); err != nil {
		return nil
	}
	_ = out.emit(StreamResponse{Event: EventEnd, ConversationID: res.ConversationID, Finished: true})
	return nil
}

type sseEmitter struct {
	sse *utils.SSEWriter
}

func (e sseEmitter) emit(resp StreamResponse) error {
	return e.sse.Event(resp.Event, resp)
}

// handleSSE streams one turn. Failures before the first event are plain JSON
// errors; later failures arrive as an error event.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	var payload chathandler.MessageRequest
	if err := chathandler.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondErrorMessage(w, http.StatusBadRequest, string(chatService.KindInvalidRequest), "invalid request body")
		return
	}

	sse, err := utils.NewSSEWriter(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, string(chatService.KindInternal))
		return
	}

	if err := h.runTurn(r.Context(), chimw.GetReqID(r.Context()), middleware.Token(r.Context()), payload.Message, sse.Start, sseEmitter{sse: sse}); err != nil {
		chathandler.RespondError(w, err)
	}
}

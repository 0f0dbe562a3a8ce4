package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/hearth/backend/internal/middleware"
	chatmodel "github.com/zhouzirui/hearth/backend/internal/model/chat"
	chatService "github.com/zhouzirui/hearth/backend/internal/service/chat"
	"github.com/zhouzirui/hearth/backend/internal/service/prompt"
	"github.com/zhouzirui/hearth/backend/pkg/utils"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleLogin)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken)
		r.Get("/conversation", h.handleConversation)
		r.Post("/chat", h.handleChat)
	})
}

type loginRequest struct {
	Username  string `json:"username"`
	PersonaID string `json:"personaId"`
}

type loginResponse struct {
	Token          string    `json:"token"`
	ConversationID string    `json:"conversationId"`
	PersonaID      string    `json:"personaId,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Resumed        bool      `json:"resumed"`
}

type conversationResponse struct {
	ConversationID string              `json:"conversationId"`
	UserID         string              `json:"userId"`
	ExpiresAt      time.Time           `json:"expiresAt"`
	Messages       []chatmodel.Message `json:"messages"`
}

// MessageRequest is the body of a chat turn.
type MessageRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	ConversationID string           `json:"conversationId"`
	Reply          string           `json:"reply"`
	UserSeq        int64            `json:"userSeq"`
	AssistantSeq   int64            `json:"assistantSeq"`
	Warnings       []prompt.Warning `json:"warnings,omitempty"`
}

// handleLogin 恢复或创建用户的会话并签发令牌
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload loginRequest
	if err := DecodeJSON(w, r, &payload); err != nil {
		utils.RespondErrorMessage(w, http.StatusBadRequest, string(chatService.KindInvalidRequest), "invalid request body")
		return
	}

	login, err := h.chatSvc.Login(r.Context(), payload.Username, payload.PersonaID)
	if err != nil {
		RespondError(w, err)
		return
	}

	status := http.StatusCreated
	if login.Resumed {
		status = http.StatusOK
	}
	utils.RespondJSON(w, status, loginResponse{
		Token:          login.Token,
		ConversationID: login.Conversation.ID,
		PersonaID:      login.Conversation.PersonaID,
		ExpiresAt:      login.Session.ExpiresAt,
		Resumed:        login.Resumed,
	})
}

// handleConversation 返回会话历史（不含系统消息）
func (h *Handler) handleConversation(w http.ResponseWriter, r *http.Request) {
	transcript, err := h.chatSvc.History(r.Context(), middleware.Token(r.Context()))
	if err != nil {
		RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, conversationResponse{
		ConversationID: transcript.ConversationID,
		UserID:         transcript.UserID,
		ExpiresAt:      transcript.ExpiresAt,
		Messages:       transcript.Messages,
	})
}

// handleChat 处理一轮对话并返回完整回复
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload MessageRequest
	if err := DecodeJSON(w, r, &payload); err != nil {
		utils.RespondErrorMessage(w, http.StatusBadRequest, string(chatService.KindInvalidRequest), "invalid request body")
		return
	}

	res, err := h.chatSvc.Handle(r.Context(), chatService.Request{
		RequestID: chimw.GetReqID(r.Context()),
		Token:     middleware.Token(r.Context()),
		Content:   payload.Message,
	}, nil)
	if err != nil {
		RespondError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, chatResponse{
		ConversationID: res.ConversationID,
		Reply:          res.AssistantMessage.Content,
		UserSeq:        res.UserMessage.Seq,
		AssistantSeq:   res.AssistantMessage.Seq,
		Warnings:       res.Warnings,
	})
}

// DecodeJSON reads a bounded JSON body into dst.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

// RespondError writes a failed turn as {"error": kind}. Every authentication
// failure produces the same body so callers cannot tell them apart.
func RespondError(w http.ResponseWriter, err error) {
	kind := chatService.KindOf(err)
	var te *chatService.TurnError
	if kind == chatService.KindInvalidRequest && errors.As(err, &te) {
		utils.RespondErrorMessage(w, kind.HTTPStatus(), string(kind), te.Err.Error())
		return
	}
	utils.RespondError(w, kind.HTTPStatus(), string(kind))
}

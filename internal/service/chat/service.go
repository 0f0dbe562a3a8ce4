package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	chatmodel "github.com/zhouzirui/hearth/backend/internal/model/chat"
	"github.com/zhouzirui/hearth/backend/internal/model/persona"
	"github.com/zhouzirui/hearth/backend/internal/service/ai"
	"github.com/zhouzirui/hearth/backend/internal/service/prompt"
	"github.com/zhouzirui/hearth/backend/internal/session"
)

// MaxMessageLength bounds a single user message, in runes.
const MaxMessageLength = 16000

// TokenCodec issues and verifies conversation tokens.
type TokenCodec interface {
	Issue(userID, conversationID string) (string, session.Session, error)
	Verify(token string) (session.Session, error)
}

// Completer runs one inference call.
type Completer interface {
	Complete(ctx context.Context, pc prompt.Context, streaming bool) (*ai.Answer, error)
}

// Options wires a Service.
type Options struct {
	Codec     TokenCodec
	Store     chatmodel.Store
	Inference Completer
	Personas  persona.Store
	// ContextBudget is the prompt size limit in runes; <= 0 disables truncation.
	ContextBudget int
	// SystemMessage and OpeningMessage seed conversations opened without a persona.
	SystemMessage  string
	OpeningMessage string
	Metrics        *Metrics
	Logger         *zap.Logger
}

// Service coordinates a chat turn: verify the token, load history, build the
// prompt, run inference and persist the exchange. It holds no per-request
// state and is safe for concurrent use.
type Service struct {
	codec     TokenCodec
	store     chatmodel.Store
	inference Completer
	personas  persona.Store
	budget    int
	system    string
	opening   string
	locks     *keyedMutex
	metrics   *Metrics
	logger    *zap.Logger
}

// NewService builds the orchestrator.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	personas := opts.Personas
	if personas == nil {
		personas = persona.NewMemoryStore(nil)
	}
	return &Service{
		codec:     opts.Codec,
		store:     opts.Store,
		inference: opts.Inference,
		personas:  personas,
		budget:    opts.ContextBudget,
		system:    opts.SystemMessage,
		opening:   opts.OpeningMessage,
		locks:     newKeyedMutex(),
		metrics:   metrics,
		logger:    logger.Named("chat"),
	}
}

// Request is one user turn.
type Request struct {
	// RequestID correlates logs; a random id is used when empty. It is not
	// used as a storage idempotency key.
	RequestID string
	Token     string
	Content   string
	Stream    bool
}

// Result is a completed turn.
type Result struct {
	ConversationID   string
	UserMessage      chatmodel.Message
	AssistantMessage chatmodel.Message
	Warnings         []prompt.Warning
	Dropped          int
}

// FragmentFunc receives answer fragments as they arrive. Returning an error
// abandons the turn.
type FragmentFunc func(fragment string) error

// Handle runs a turn through the state machine. Errors are *TurnError; use
// KindOf to classify them. Nothing is persisted unless inference completed.
func (s *Service) Handle(ctx context.Context, req Request, onFragment FragmentFunc) (res *Result, err error) {
	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	t := newTurn(id, s.logger)
	defer func() {
		outcome := StateCompleted.String()
		if err != nil {
			outcome = string(KindOf(err))
			s.logTurnError(t, err)
		}
		s.metrics.observeTurn(outcome, req.Stream, time.Since(t.started))
	}()

	sess, err := s.codec.Verify(req.Token)
	if err != nil {
		return nil, t.fail(KindUnauthorized, err)
	}
	t.logger = t.logger.With(zap.String("conversation_id", sess.ConversationID))

	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, t.fail(KindInvalidRequest, ErrEmptyMessage)
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return nil, t.fail(KindInvalidRequest, ErrMessageTooLong)
	}

	t.enter(StateLoadingHistory)
	history, err := s.store.ListMessages(ctx, sess.ConversationID)
	if err != nil {
		return nil, t.fail(s.storeKind(ctx, err), err)
	}

	t.enter(StateBuildingPrompt)
	var nextSeq int64 = 1
	if n := len(history); n > 0 {
		nextSeq = history[n-1].Seq + 1
	}
	pending := chatmodel.Message{
		ConversationID: sess.ConversationID,
		Role:           chatmodel.RoleUser,
		Content:        content,
		Seq:            nextSeq,
	}
	pc := prompt.Build(append(history, pending), s.budget)
	if pc.Truncated() {
		s.metrics.truncations.Inc()
	}
	t.logger.Debug("prompt_built",
		zap.Int("messages", len(pc.Messages)),
		zap.Int("dropped", pc.Dropped),
		zap.Int("size", pc.Size))

	t.enter(StateAwaitingInference)
	reply, err := s.infer(ctx, t, pc, req.Stream, onFragment)
	if err != nil {
		return nil, err
	}

	t.enter(StatePersisting)
	userMsg, botMsg, err := s.persist(ctx, t, sess.ConversationID, content, reply)
	if err != nil {
		return nil, err
	}

	t.enter(StateCompleted)
	t.logger.Info("turn_completed",
		zap.Int64("user_seq", userMsg.Seq),
		zap.Int64("assistant_seq", botMsg.Seq),
		zap.Int("reply_runes", utf8.RuneCountInString(reply)),
		zap.Duration("elapsed", time.Since(t.started)))

	return &Result{
		ConversationID:   sess.ConversationID,
		UserMessage:      userMsg,
		AssistantMessage: botMsg,
		Warnings:         pc.Warnings,
		Dropped:          pc.Dropped,
	}, nil
}

func (s *Service) infer(ctx context.Context, t *turn, pc prompt.Context, streaming bool, onFragment FragmentFunc) (string, error) {
	started := time.Now()
	answer, err := s.inference.Complete(ctx, pc, streaming)
	if err != nil {
		return "", t.fail(classify(err), err)
	}
	defer answer.Close()
	s.metrics.firstFragment.Observe(time.Since(started).Seconds())

	var buf strings.Builder
	for {
		fragment, err := answer.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", t.fail(classify(err), err)
		}
		buf.WriteString(fragment)
		if onFragment != nil {
			if err := onFragment(fragment); err != nil {
				return "", t.fail(KindCancelled, err)
			}
		}
	}
	// A caller that went away during the last fragment never saw the end of
	// the answer, so the turn is dropped like any other interruption.
	if err := ctx.Err(); err != nil {
		return "", t.fail(KindCancelled, err)
	}

	reply := buf.String()
	if strings.TrimSpace(reply) == "" {
		return "", t.fail(KindInferenceUpstream, ErrEmptyCompletion)
	}
	return reply, nil
}

// persist appends the user message and then the answer. It ignores caller
// cancellation: once inference completed the turn is written in full or the
// failure is reported.
func (s *Service) persist(ctx context.Context, t *turn, conversationID, content, reply string) (chatmodel.Message, chatmodel.Message, error) {
	ctx = context.WithoutCancel(ctx)

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	userMsg := chatmodel.NewMessage{
		ConversationID: conversationID,
		Role:           chatmodel.RoleUser,
		Content:        content,
		RequestID:      t.key + ":user",
	}
	userSeq, err := s.appendWithRetry(ctx, t, userMsg)
	if err != nil {
		return chatmodel.Message{}, chatmodel.Message{}, t.fail(KindStoreUnavailable, err)
	}

	botMsg := chatmodel.NewMessage{
		ConversationID: conversationID,
		Role:           chatmodel.RoleAssistant,
		Content:        reply,
		RequestID:      t.key + ":assistant",
	}
	botSeq, err := s.appendWithRetry(ctx, t, botMsg)
	if err != nil {
		t.logger.Warn("assistant_append_failed_user_kept", zap.Int64("user_seq", userSeq))
		return chatmodel.Message{}, chatmodel.Message{}, t.fail(KindStoreUnavailable, err)
	}

	userOut, botOut := s.readBack(ctx, t, conversationID, userMsg, userSeq, botMsg, botSeq)
	return userOut, botOut, nil
}

// readBack returns the two rows as the store recorded them, including the id
// and timestamp it assigned. The turn is already durable, so a failed read
// falls back to the appended values with the local clock.
func (s *Service) readBack(ctx context.Context, t *turn, conversationID string, userMsg chatmodel.NewMessage, userSeq int64, botMsg chatmodel.NewMessage, botSeq int64) (chatmodel.Message, chatmodel.Message) {
	now := time.Now().UTC()
	userOut, botOut := stored(userMsg, userSeq, now), stored(botMsg, botSeq, now)

	history, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		t.logger.Warn("read_back_failed", zap.Error(err))
		return userOut, botOut
	}
	for i := len(history) - 1; i >= 0; i-- {
		switch history[i].Seq {
		case userSeq:
			userOut = history[i]
		case botSeq:
			botOut = history[i]
		}
		if history[i].Seq < userSeq {
			break
		}
	}
	return userOut, botOut
}

// appendWithRetry repeats a failed append once under the same request id, so
// an append that actually landed is not written twice.
func (s *Service) appendWithRetry(ctx context.Context, t *turn, msg chatmodel.NewMessage) (int64, error) {
	seq, err := s.store.AppendMessage(ctx, msg)
	if err == nil || !errors.Is(err, chatmodel.ErrStoreUnavailable) {
		return seq, err
	}
	s.metrics.storeRetries.Inc()
	t.logger.Warn("append_retry", zap.String("role", string(msg.Role)), zap.Error(err))
	return s.store.AppendMessage(ctx, msg)
}

func stored(msg chatmodel.NewMessage, seq int64, at time.Time) chatmodel.Message {
	return chatmodel.Message{
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Seq:            seq,
		CreatedAt:      at,
	}
}

// storeKind maps a read failure. A token naming a conversation that no longer
// exists is treated like any other invalid token.
func (s *Service) storeKind(ctx context.Context, err error) Kind {
	switch {
	case errors.Is(err, chatmodel.ErrConversationNotFound):
		return KindUnauthorized
	case ctx.Err() != nil:
		return KindCancelled
	default:
		return KindStoreUnavailable
	}
}

func (s *Service) logTurnError(t *turn, err error) {
	var te *TurnError
	if !errors.As(err, &te) {
		return
	}
	fields := []zap.Field{
		zap.String("kind", string(te.Kind)),
		zap.Stringer("state", te.State),
		zap.Duration("elapsed", time.Since(t.started)),
	}
	switch te.Kind {
	case KindUnauthorized:
		// The verification error never includes token contents.
		t.logger.Info("turn_unauthorized", append(fields, zap.Error(te.Err))...)
	case KindCancelled, KindInvalidRequest:
		t.logger.Info("turn_aborted", append(fields, zap.Error(te.Err))...)
	default:
		t.logger.Error("turn_failed", append(fields, zap.Error(te.Err))...)
	}
}

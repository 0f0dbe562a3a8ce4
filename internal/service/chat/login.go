package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	chatmodel "github.com/zhouzirui/hearth/backend/internal/model/chat"
	"github.com/zhouzirui/hearth/backend/internal/model/persona"
	"github.com/zhouzirui/hearth/backend/internal/session"
)

// MaxUsernameLength bounds login names, in runes.
const MaxUsernameLength = 64

// Login is the outcome of opening or resuming a conversation.
type Login struct {
	Token        string
	Session      session.Session
	Conversation chatmodel.Conversation
	// Resumed is true when the user already had a conversation.
	Resumed bool
}

// Login resumes the user's conversation, or creates one seeded with the
// persona's system prompt and opening line, and issues a token for it.
func (s *Service) Login(ctx context.Context, username, personaID string) (*Login, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, &TurnError{State: StateAuthenticating, Kind: KindInvalidRequest, Err: ErrUsernameRequired}
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return nil, &TurnError{State: StateAuthenticating, Kind: KindInvalidRequest, Err: ErrUsernameTooLong}
	}

	conv, resumed, err := s.openConversation(ctx, username, strings.TrimSpace(personaID))
	if err != nil {
		kind := classify(err)
		if kind == KindInternal {
			kind = KindStoreUnavailable
		}
		return nil, &TurnError{State: StateLoadingHistory, Kind: kind, Err: err}
	}

	token, sess, err := s.codec.Issue(username, conv.ID)
	if err != nil {
		return nil, &TurnError{State: StateAuthenticating, Kind: KindInternal, Err: err}
	}

	s.logger.Info("conversation_opened",
		zap.String("conversation_id", conv.ID),
		zap.Bool("resumed", resumed),
		zap.Time("expires_at", sess.ExpiresAt))
	return &Login{Token: token, Session: sess, Conversation: conv, Resumed: resumed}, nil
}

func (s *Service) openConversation(ctx context.Context, owner, personaID string) (chatmodel.Conversation, bool, error) {
	conv, err := s.store.FindConversationByOwner(ctx, owner)
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, chatmodel.ErrConversationNotFound) {
		return chatmodel.Conversation{}, false, err
	}

	seed, err := s.seed(personaID)
	if err != nil {
		return chatmodel.Conversation{}, false, err
	}

	conv, err = s.store.CreateConversation(ctx, chatmodel.NewConversation{
		OwnerID:   owner,
		PersonaID: personaID,
		Seed:      seed,
	})
	if errors.Is(err, chatmodel.ErrConversationExists) {
		// Lost a race with a concurrent login for the same user.
		conv, err = s.store.FindConversationByOwner(ctx, owner)
		return conv, err == nil, err
	}
	return conv, false, err
}

func (s *Service) seed(personaID string) ([]chatmodel.NewMessage, error) {
	system, opening := s.system, s.opening
	if personaID != "" {
		p, ok := s.personas.FindByID(personaID)
		if !ok {
			return nil, ErrUnknownPersona
		}
		system, opening = persona.SystemPrompt(p), p.OpeningLine
	}

	var seed []chatmodel.NewMessage
	if system != "" {
		seed = append(seed, chatmodel.NewMessage{Role: chatmodel.RoleSystem, Content: system})
	}
	if opening != "" {
		seed = append(seed, chatmodel.NewMessage{Role: chatmodel.RoleAssistant, Content: opening})
	}
	return seed, nil
}

// Transcript is the caller-visible history of a conversation.
type Transcript struct {
	ConversationID string
	UserID         string
	ExpiresAt      time.Time
	Messages       []chatmodel.Message
}

// History verifies the token and returns the conversation without its
// system messages.
func (s *Service) History(ctx context.Context, token string) (*Transcript, error) {
	sess, err := s.codec.Verify(token)
	if err != nil {
		return nil, &TurnError{State: StateAuthenticating, Kind: KindUnauthorized, Err: err}
	}

	history, err := s.store.ListMessages(ctx, sess.ConversationID)
	if err != nil {
		return nil, &TurnError{State: StateLoadingHistory, Kind: s.storeKind(ctx, err), Err: err}
	}

	visible := make([]chatmodel.Message, 0, len(history))
	for _, m := range history {
		if m.Role != chatmodel.RoleSystem {
			visible = append(visible, m)
		}
	}
	return &Transcript{
		ConversationID: sess.ConversationID,
		UserID:         sess.UserID,
		ExpiresAt:      sess.ExpiresAt,
		Messages:       visible,
	}, nil
}

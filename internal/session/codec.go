// Package session issues and verifies self-contained conversation tokens.
//
// A token is base64url(payload) "." base64url(HMAC-SHA256(secret, payload part)).
// Nothing is stored server-side: any instance configured with the same secret
// can verify any token.
package session

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MinSecretLength is the shortest signing secret NewCodec accepts.
const MinSecretLength = 16

var (
	ErrInvalidSignature = errors.New("session: invalid signature")
	ErrExpired          = errors.New("session: token expired")
)

// Session identifies a user/conversation pair carried by a token.
type Session struct {
	ID             string    `json:"jti"`
	UserID         string    `json:"uid"`
	ConversationID string    `json:"cid"`
	IssuedAt       time.Time `json:"-"`
	ExpiresAt      time.Time `json:"-"`
}

type payload struct {
	ID             string `json:"jti"`
	UserID         string `json:"uid"`
	ConversationID string `json:"cid"`
	IssuedAt       int64  `json:"iat"`
	ExpiresAt      int64  `json:"exp"`
}

// Codec signs and verifies tokens with a single secret. It is safe for
// concurrent use; its state is read-only after construction.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option customises a Codec.
type Option func(*Codec)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec builds a codec for the given secret and token lifetime.
func NewCodec(secret string, ttl time.Duration, opts ...Option) (*Codec, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes", MinSecretLength)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", ttl)
	}

	c := &Codec{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the configured token lifetime.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Issue creates a token for userID bound to conversationID.
func (c *Codec) Issue(userID, conversationID string) (string, Session, error) {
	if userID == "" || conversationID == "" {
		return "", Session{}, errors.New("session: user id and conversation id are required")
	}

	// Second precision keeps the payload compact; expiry comparisons use the same unit.
	issued := c.now().UTC().Truncate(time.Second)
	p := payload{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		IssuedAt:       issued.Unix(),
		ExpiresAt:      issued.Add(c.ttl).Unix(),
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return "", Session{}, fmt.Errorf("session: encode payload: %w", err)
	}

	body := base64.RawURLEncoding.EncodeToString(raw)
	token := body + "." + base64.RawURLEncoding.EncodeToString(c.sign(body))
	return token, p.session(), nil
}

// Verify checks the token signature and then its expiry.
func (c *Codec) Verify(token string) (Session, error) {
	body, sig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || body == "" || sig == "" {
		return Session{}, fmt.Errorf("%w: malformed token", ErrInvalidSignature)
	}

	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return Session{}, fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	if !hmac.Equal(got, c.sign(body)) {
		return Session{}, ErrInvalidSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Session{}, fmt.Errorf("%w: malformed payload", ErrInvalidSignature)
	}

	var p payload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Session{}, fmt.Errorf("%w: malformed payload", ErrInvalidSignature)
	}
	if p.UserID == "" || p.ConversationID == "" || p.ExpiresAt == 0 {
		return Session{}, fmt.Errorf("%w: incomplete payload", ErrInvalidSignature)
	}

	if c.now().UTC().Unix() > p.ExpiresAt {
		return Session{}, ErrExpired
	}
	return p.session(), nil
}

func (c *Codec) sign(body string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(body))
	return mac.Sum(nil)
}

func (p payload) session() Session {
	return Session{
		ID:             p.ID,
		UserID:         p.UserID,
		ConversationID: p.ConversationID,
		IssuedAt:       time.Unix(p.IssuedAt, 0).UTC(),
		ExpiresAt:      time.Unix(p.ExpiresAt, 0).UTC(),
	}
}

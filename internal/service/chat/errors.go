package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	chatmodel "github.com/zhouzirui/hearth/backend/internal/model/chat"
	"github.com/zhouzirui/hearth/backend/internal/service/ai"
	"github.com/zhouzirui/hearth/backend/internal/session"
)

var (
	ErrEmptyMessage     = errors.New("message is required")
	ErrMessageTooLong   = errors.New("message is too long")
	ErrUsernameRequired = errors.New("username is required")
	ErrUsernameTooLong  = errors.New("username is too long")
	ErrUnknownPersona   = errors.New("unknown persona")
	// ErrEmptyCompletion is raised when the model finished without any text.
	ErrEmptyCompletion = errors.New("model returned an empty answer")
)

// Kind is the caller-visible category of a failed request.
type Kind string

const (
	KindUnauthorized      Kind = "unauthorized"
	KindInvalidRequest    Kind = "invalid_request"
	KindStoreUnavailable  Kind = "store_unavailable"
	KindInferenceTimeout  Kind = "inference_timeout"
	KindInferenceUpstream Kind = "inference_upstream"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

// HTTPStatus maps a kind onto the response status used by the HTTP layer.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindStoreUnavailable, KindInferenceTimeout, KindInferenceUpstream:
		return http.StatusServiceUnavailable
	case KindCancelled:
		// nginx's "client closed request"; never actually seen by the client.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// TurnError records where a request stopped and why.
type TurnError struct {
	State State
	Kind  Kind
	Err   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.State, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

// KindOf classifies any error returned by Service.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, session.ErrInvalidSignature), errors.Is(err, session.ErrExpired):
		return KindUnauthorized
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMessageTooLong),
		errors.Is(err, ErrUsernameRequired), errors.Is(err, ErrUsernameTooLong),
		errors.Is(err, ErrUnknownPersona):
		return KindInvalidRequest
	case errors.Is(err, ai.ErrTimeout):
		return KindInferenceTimeout
	case errors.Is(err, ai.ErrUpstream), errors.Is(err, ErrEmptyCompletion):
		return KindInferenceUpstream
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, chatmodel.ErrStoreUnavailable):
		return KindStoreUnavailable
	default:
		return KindInternal
	}
}

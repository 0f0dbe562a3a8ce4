package chat

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is a step of the per-request turn state machine.
type State int

const (
	StateAuthenticating State = iota
	StateLoadingHistory
	StateBuildingPrompt
	StateAwaitingInference
	StatePersisting
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateLoadingHistory:
		return "loading_history"
	case StateBuildingPrompt:
		return "building_prompt"
	case StateAwaitingInference:
		return "awaiting_inference"
	case StatePersisting:
		return "persisting"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// turn tracks one request through the state machine.
type turn struct {
	id string
	// key prefixes the idempotency keys of the turn's appends.
	key     string
	state   State
	started time.Time
	logger  *zap.Logger
}

func newTurn(id string, logger *zap.Logger) *turn {
	t := &turn{id: id, key: uuid.NewString(), state: StateAuthenticating, started: time.Now(), logger: logger.With(zap.String("request_id", id))}
	t.logger.Debug("turn_state", zap.Stringer("state", t.state))
	return t
}

func (t *turn) enter(next State) {
	t.logger.Debug("turn_state", zap.Stringer("from", t.state), zap.Stringer("state", next))
	t.state = next
}

// fail moves the turn to Errored and wraps err with the state it failed in.
func (t *turn) fail(kind Kind, err error) error {
	failed := t.state
	t.enter(StateErrored)
	return &TurnError{State: failed, Kind: kind, Err: err}
}

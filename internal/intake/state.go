package intake

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State string

const (
	StateReceived     State = "RECEIVED"
	StatePlanning     State = "PLANNING"
	StateFallback     State = "FALLBACK"
	StatePlanReady    State = "PLAN_READY"
	StatePersisting   State = "PERSISTING"
	StateInvalidating State = "INVALIDATING"
	StatePublishing   State = "PUBLISHING"
	StateComplete     State = "COMPLETE"
	StateAborted      State = "ABORTED"
)

var transitions = map[State][]State{
	StateReceived:     {StatePlanning},
	StatePlanning:     {StatePlanReady, StateFallback},
	StateFallback:     {StatePlanReady},
	StatePlanReady:    {StatePersisting},
	StatePersisting:   {StateInvalidating, StateAborted},
	StateInvalidating: {StatePublishing, StateAborted},
	StatePublishing:   {StateComplete},
}

// CanTransition reports whether the workflow may move from one state to the
// other.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// run tracks one intake through the state machine. Each request owns its
// run; nothing is shared across requests.
type run struct {
	ID     uuid.UUID
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	history []State
}

func newRun(patientID uuid.UUID, logger *zap.Logger) *run {
	id := uuid.New()
	return &run{
		ID:      id,
		logger:  logger.With(zap.String("intake_id", id.String()), zap.String("patient_id", patientID.String())),
		state:   StateReceived,
		history: []State{StateReceived},
	}
}

func (r *run) advance(to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !CanTransition(r.state, to) {
		panic(fmt.Sprintf("intake: illegal transition %s -> %s", r.state, to))
	}
	r.logger.Debug("intake state", zap.String("from", string(r.state)), zap.String("to", string(to)))
	r.state = to
	r.history = append(r.history, to)
}

func (r *run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *run) History() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.history...)
}

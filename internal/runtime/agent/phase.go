package agent

import (
	"context"
	"errors"
	"sync"
)

// ErrPhase is returned when an operation is invoked out of lifecycle order.
var ErrPhase = errors.New("agent: operation not allowed in current phase")

// Phase is the agent's position in the install → activate → serve lifecycle.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseInstalling
	PhaseInstalled
	PhaseActivating
	PhaseActivated
	// PhaseRedundant marks an agent that failed to install or was superseded.
	PhaseRedundant
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseInstalling:
		return "installing"
	case PhaseInstalled:
		return "installed"
	case PhaseActivating:
		return "activating"
	case PhaseActivated:
		return "activated"
	case PhaseRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// tracker counts outstanding background work. Unlike sync.WaitGroup it
// tolerates new work arriving while someone is waiting.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
}

func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

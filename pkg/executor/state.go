package executor

import (
	"context"

	"github.com/cuemby/fedimint-client/pkg/database"
	"github.com/cuemby/fedimint-client/pkg/types"
)

// Transition is one (await, apply) pair a state offers, per spec.md
// §4.D. Several transitions race; the first Await to produce a value
// wins and its Apply runs against the winning value.
type Transition struct {
	// Await suspends until a result is available. ctx is cancelled for
	// every losing transition as soon as one Await returns.
	Await func(ctx context.Context) (any, error)

	// Apply runs inside the executor's autocommit transaction for this
	// transition. It must be pure relative to (state, result, tx): the
	// executor may re-run it from scratch after a crash. Returning an
	// error is treated as a fatal invariant violation: a transition's
	// Apply is expected to always succeed given a valid result, with
	// failure modes (insufficient funds, rejection) encoded as terminal
	// successor states instead.
	Apply func(ctx context.Context, tx *database.Transaction, result any) ([]State, error)
}

// State is the interface every module-defined state-machine state must
// satisfy so the executor can drive it without knowing the module's
// concrete type. A terminal state (IsTerminal() == true) has no
// transitions and is moved to the inactive set once persisted.
type State interface {
	OperationID() types.OperationID
	ModuleInstanceID() types.ModuleInstanceID
	IsTerminal() bool
	Transitions() []Transition
	Marshal() ([]byte, error)
}

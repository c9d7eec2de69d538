// Package executor implements spec.md §4.D: the state-machine executor
// that drives every active state to a terminal variant exactly once,
// crash-safe. It is an await-driven state machine rather than a
// fixed-poll-interval reconciliation loop: one goroutine pool driving
// independent units of work against a shared store, with crash recovery
// implemented as "re-list and resume" rather than replaying a log.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/fedimint-client/pkg/database"
	"github.com/cuemby/fedimint-client/pkg/log"
	"github.com/cuemby/fedimint-client/pkg/metrics"
	"github.com/cuemby/fedimint-client/pkg/notifier"
	"github.com/cuemby/fedimint-client/pkg/registry"
	"github.com/cuemby/fedimint-client/pkg/types"
)

// Executor owns the active/inactive state sets and the goroutine driving
// each active state. Construct with New; call Run once to start driving
// persisted state and recovering whatever was active at last commit.
type Executor struct {
	db       *database.Database
	registry *registry.Registry
	notifier *notifier.Notifier

	wg sync.WaitGroup
}

// New returns an Executor bound to db, reg, and notif. None of db/reg/
// notif are copied; the executor expects to outlive neither.
func New(db *database.Database, reg *registry.Registry, notif *notifier.Notifier) *Executor {
	return &Executor{
		db:       db,
		registry: reg,
		notifier: notif,
	}
}

// AddStateMachinesDbtx validates and inserts states into the active set
// within the caller's transaction. Every state must belong to a
// registered module (decoder present); if any state fails validation
// the whole batch is rejected by returning an error, which aborts the
// enclosing Autocommit closure and therefore the whole batch atomically.
// On success it returns the handles needed to call Start once the
// caller's transaction has committed.
func (e *Executor) AddStateMachinesDbtx(tx *database.Transaction, states []State) ([]Handle, error) {
	view := tx.WithModulePrefix(executorInstanceID)
	handles := make([]Handle, 0, len(states))
	for _, s := range states {
		if _, err := e.registry.Get(s.ModuleInstanceID()); err != nil {
			return nil, err
		}
		id, err := newStateID()
		if err != nil {
			return nil, err
		}
		data, err := encodeState(s)
		if err != nil {
			return nil, err
		}
		kind := string(moduleKindOf(e.registry, s.ModuleInstanceID()))
		if s.IsTerminal() {
			if err := view.Put(inactiveKey(id), data); err != nil {
				return nil, err
			}
			metrics.InactiveStatesTotal.WithLabelValues(kind).Inc()
		} else {
			if err := view.Put(activeKey(id), data); err != nil {
				return nil, err
			}
			handles = append(handles, Handle{id: id})
			metrics.ActiveStatesTotal.WithLabelValues(kind).Inc()
		}
	}
	return handles, nil
}

// Handle identifies a newly-inserted active state so the caller can
// start driving it once its transaction has committed. The zero Handle
// is not valid.
type Handle struct{ id stateID }

// GetActiveStates returns every active state for which keep returns
// true. Pass nil to retrieve all active states regardless of module.
func (e *Executor) GetActiveStates(keep func(State) bool) ([]State, error) {
	return database.View(e.db, func(tx *database.Transaction) ([]State, error) {
		view := tx.WithModulePrefix(executorInstanceID)
		var out []State
		err := view.Range([]byte{prefixActive}, func(_, value []byte) error {
			st, err := decodeState(e.registry, value)
			if err != nil {
				return err
			}
			if keep == nil || keep(st) {
				out = append(out, st)
			}
			return nil
		})
		return out, err
	})
}

// Subscribe returns a subscription to every state transition the
// executor applies for opID, per spec.md §4.G.
func (e *Executor) Subscribe(opID types.OperationID) *notifier.Subscription {
	return e.notifier.Subscribe(opID)
}

// Run recovers every state that was active at last commit and drives it
// to completion, then blocks driving newly-started states until ctx is
// cancelled. It returns ctx.Err() once every in-flight transition has
// wound down.
func (e *Executor) Run(ctx context.Context) error {
	ids, err := e.listActiveStateIDs()
	if err != nil {
		return fmt.Errorf("executor: recover active states: %w", err)
	}
	log.WithComponent("executor").Info().Int("count", len(ids)).Msg("recovering active states")
	for _, id := range ids {
		e.spawn(ctx, id)
	}
	<-ctx.Done()
	e.wg.Wait()
	return ctx.Err()
}

// Start begins driving the states behind handles. Call this only after
// the transaction that produced them (via AddStateMachinesDbtx) has
// committed: states are driven from what is actually persisted, not
// from the caller's in-memory copy.
func (e *Executor) Start(ctx context.Context, handles []Handle) {
	for _, h := range handles {
		e.spawn(ctx, h.id)
	}
}

func (e *Executor) listActiveStateIDs() ([]stateID, error) {
	return database.View(e.db, func(tx *database.Transaction) ([]stateID, error) {
		view := tx.WithModulePrefix(executorInstanceID)
		var ids []stateID
		err := view.Range([]byte{prefixActive}, func(suffix, _ []byte) error {
			var id stateID
			copy(id[:], suffix[1:])
			ids = append(ids, id)
			return nil
		})
		return ids, err
	})
}

func (e *Executor) spawn(ctx context.Context, id stateID) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.driveState(ctx, id)
	}()
}

func moduleKindOf(reg *registry.Registry, instanceID types.ModuleInstanceID) types.ModuleKind {
	m, err := reg.Get(instanceID)
	if err != nil {
		return "unknown"
	}
	return m.Kind()
}

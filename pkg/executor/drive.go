package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/fedimint-client/pkg/database"
	"github.com/cuemby/fedimint-client/pkg/log"
	"github.com/cuemby/fedimint-client/pkg/metrics"
)

// errStateGone signals that the state this goroutine owns was removed
// from the active set by the time its transition tried to apply. The
// only expected cause is a concurrent executor instance racing recovery
// after a restart; the goroutine simply stops.
var errStateGone = errors.New("executor: state no longer active")

type raceResult struct {
	value any
	err   error
}

// driveState totally orders the transitions of one state: race its
// Awaits, apply the winner inside one autocommit transaction, persist
// and notify the successors, then continue with the first successor in
// this goroutine and spawn a fresh goroutine for each further active
// successor. It runs until the state reaches a terminal variant,
// the context is cancelled, or the state is found already gone.
func (e *Executor) driveState(ctx context.Context, id stateID) {
	for {
		st, err := e.loadActive(id)
		if err != nil {
			if errors.Is(err, errStateGone) {
				return
			}
			log.WithComponent("executor").Error().Err(err).Msg("load active state")
			panic(fmt.Sprintf("executor: failed to load active state: %v", err))
		}

		transitions := st.Transitions()
		if len(transitions) == 0 {
			modInst := uint16(st.ModuleInstanceID())
			log.With(log.Fields{
				Component:      "executor",
				ModuleInstance: &modInst,
				OperationID:    st.OperationID().ShortString(),
			}).Warn().Msg("active state has no transitions")
			return
		}

		winner, ok := e.raceTransitions(ctx, transitions)
		if !ok {
			// Context cancelled: shutdown requested.
			return
		}

		kind := string(moduleKindOf(e.registry, st.ModuleInstanceID()))
		successors, err := e.applyWinner(ctx, id, kind, transitions[winner.idx], winner.result)
		if err != nil {
			if errors.Is(err, errStateGone) {
				return
			}
			panic(fmt.Sprintf("executor: apply failed: %v", err))
		}

		metrics.TransitionsAppliedTotal.WithLabelValues(kind).Inc()
		metrics.ActiveStatesTotal.WithLabelValues(kind).Dec()

		for _, succ := range successors {
			e.notifier.Notify(succ.state.OperationID(), succ.state, succ.state.IsTerminal())
		}

		// Exactly one of the successors (if any) continues this
		// goroutine's line of execution; the rest get their own.
		if len(successors) == 0 {
			return
		}
		next := successors[0]
		for _, extra := range successors[1:] {
			if !extra.state.IsTerminal() {
				e.spawn(ctx, extra.id)
			}
		}
		if next.state.IsTerminal() {
			return
		}
		id = next.id
	}
}

func (e *Executor) loadActive(id stateID) (State, error) {
	return database.View(e.db, func(tx *database.Transaction) (State, error) {
		view := tx.WithModulePrefix(executorInstanceID)
		data, ok, err := view.Get(activeKey(id))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errStateGone
		}
		return decodeState(e.registry, data)
	})
}

type winningTransition struct {
	idx    int
	result any
}

// raceTransitions runs every transition's Await concurrently and
// returns the first to complete. Losers' contexts are cancelled
// immediately. ok is false only when ctx itself was cancelled first.
func (e *Executor) raceTransitions(ctx context.Context, transitions []Transition) (winningTransition, bool) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan struct {
		idx int
		raceResult
	}, len(transitions))

	for i, t := range transitions {
		go func(i int, await func(context.Context) (any, error)) {
			v, err := await(raceCtx)
			select {
			case results <- struct {
				idx int
				raceResult
			}{i, raceResult{value: v, err: err}}:
			case <-raceCtx.Done():
			}
		}(i, t.Await)
	}

	select {
	case r := <-results:
		return winningTransition{idx: r.idx, result: raceResultValue(r.raceResult)}, true
	case <-ctx.Done():
		return winningTransition{}, false
	}
}

// raceResultValue folds an await error into the winning value the way
// apply expects it: per spec.md §4.D, an await error is the winning
// value, not a separate failure channel; the module's apply decides
// retry vs. give-up.
func raceResultValue(r raceResult) any {
	if r.err != nil {
		return r.err
	}
	return r.value
}

type persistedSuccessor struct {
	id    stateID
	state State
}

// applyWinner runs the winning transition's Apply in one autocommit
// transaction: re-read the state to guard against concurrent removal,
// remove it from active, and persist its successors into active or
// inactive depending on IsTerminal.
func (e *Executor) applyWinner(ctx context.Context, id stateID, kind string, t Transition, result any) ([]persistedSuccessor, error) {
	timer := metrics.NewTimer()
	successors, err := database.Autocommit(ctx, e.db, func(tx *database.Transaction) ([]persistedSuccessor, error) {
		view := tx.WithModulePrefix(executorInstanceID)
		_, ok, err := view.Get(activeKey(id))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errStateGone
		}

		successorStates, err := t.Apply(ctx, tx, result)
		if err != nil {
			return nil, fmt.Errorf("transition apply: %w", err)
		}

		if err := view.Delete(activeKey(id)); err != nil {
			return nil, err
		}

		out := make([]persistedSuccessor, 0, len(successorStates))
		for _, s := range successorStates {
			succID, err := newStateID()
			if err != nil {
				return nil, err
			}
			data, err := encodeState(s)
			if err != nil {
				return nil, err
			}
			if err := view.Put(keyFor(succID, s.IsTerminal()), data); err != nil {
				return nil, err
			}
			succKind := string(moduleKindOf(e.registry, s.ModuleInstanceID()))
			if s.IsTerminal() {
				metrics.InactiveStatesTotal.WithLabelValues(succKind).Inc()
			} else {
				metrics.ActiveStatesTotal.WithLabelValues(succKind).Inc()
			}
			out = append(out, persistedSuccessor{id: succID, state: s})
		}
		return out, nil
	})
	timer.ObserveDurationVec(metrics.TransitionDuration, kind)
	if err != nil {
		if errors.Is(err, errStateGone) {
			return nil, errStateGone
		}
		return nil, err
	}
	return successors, nil
}

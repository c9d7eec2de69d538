package dummy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/fedimint-client/pkg/database"
	"github.com/cuemby/fedimint-client/pkg/executor"
	"github.com/cuemby/fedimint-client/pkg/registry"
	"github.com/cuemby/fedimint-client/pkg/transport"
	"github.com/cuemby/fedimint-client/pkg/types"
)

type stateKind string

const (
	stateCreated  stateKind = "created"
	stateAwaiting stateKind = "awaiting_confirmation"
	stateSuccess  stateKind = "success"
	stateFailed   stateKind = "failed"
)

var errConfirmationTimedOut = errors.New("dummy: confirmation timed out")

// wireState is the JSON-serialized form of State: every field a
// transition needs to decide its next step, and nothing that can't
// round-trip through storage.
type wireState struct {
	Kind     stateKind
	Op       types.OperationID
	Instance types.ModuleInstanceID
	Amount   types.Amount
	Account  string
	OutPoint types.OutPoint
	Reason   string
}

// State is this module's one state-machine type, a Created ->
// AwaitingConfirmation -> {Success, Failed} chain tracking one payment
// output. federation is attached by stateCodec on decode, never
// serialized: it is how this module reaches outside itself to confirm a
// submission, not part of the state's own data.
type State struct {
	wireState
	federation transport.Federation
}

func newCreatedState(instance types.ModuleInstanceID, opID types.OperationID, amount types.Amount, account string, outPoint types.OutPoint, federation transport.Federation) *State {
	return &State{
		wireState: wireState{
			Kind:     stateCreated,
			Op:       opID,
			Instance: instance,
			Amount:   amount,
			Account:  account,
			OutPoint: outPoint,
		},
		federation: federation,
	}
}

func (s *State) OperationID() types.OperationID          { return s.Op }
func (s *State) ModuleInstanceID() types.ModuleInstanceID { return s.Instance }
func (s *State) IsTerminal() bool                         { return s.Kind == stateSuccess || s.Kind == stateFailed }
func (s *State) Marshal() ([]byte, error)                 { return json.Marshal(s.wireState) }

// Transitions implements the three-state chain. Created advances
// unconditionally to AwaitingConfirmation; AwaitingConfirmation races
// the federation's confirmation against a timeout, landing on Success or
// Failed depending on which side wins and what it reports.
func (s *State) Transitions() []executor.Transition {
	switch s.Kind {
	case stateCreated:
		return []executor.Transition{{
			Await: func(ctx context.Context) (any, error) { return nil, nil },
			Apply: func(ctx context.Context, tx *database.Transaction, result any) ([]executor.State, error) {
				next := s.withKind(stateAwaiting)
				return []executor.State{next}, nil
			},
		}}
	case stateAwaiting:
		return []executor.Transition{
			{
				Await: func(ctx context.Context) (any, error) {
					return s.federation.AwaitOutPoint(ctx, s.OutPoint)
				},
				Apply: s.applyConfirmation,
			},
			{
				Await: func(ctx context.Context) (any, error) {
					select {
					case <-time.After(confirmationTimeout):
						return nil, errConfirmationTimedOut
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				},
				Apply: s.applyTimeout,
			},
		}
	default:
		return nil
	}
}

func (s *State) withKind(kind stateKind) *State {
	next := *s
	next.Kind = kind
	return &next
}

func (s *State) withFailure(reason string) *State {
	next := s.withKind(stateFailed)
	next.Reason = reason
	return next
}

func (s *State) applyConfirmation(ctx context.Context, tx *database.Transaction, result any) ([]executor.State, error) {
	if err, ok := result.(error); ok {
		return []executor.State{s.withFailure(err.Error())}, nil
	}
	payload, ok := result.([]byte)
	if !ok {
		return nil, fmt.Errorf("dummy: unexpected confirmation result type %T", result)
	}
	var oc outcome
	if err := json.Unmarshal(payload, &oc); err != nil {
		return []executor.State{s.withFailure(fmt.Sprintf("decode outcome: %v", err))}, nil
	}
	if oc.Status != "finalized" {
		return []executor.State{s.withFailure(oc.Status)}, nil
	}
	return []executor.State{s.withKind(stateSuccess)}, nil
}

func (s *State) applyTimeout(ctx context.Context, tx *database.Transaction, result any) ([]executor.State, error) {
	err, _ := result.(error)
	reason := "confirmation timed out"
	if err != nil {
		reason = err.Error()
	}
	return []executor.State{s.withFailure(reason)}, nil
}

// stateCodec decodes a wireState and reattaches the federation handle a
// rehydrated State needs to build its own transitions, since that
// dependency cannot round-trip through JSON.
type stateCodec struct {
	federation transport.Federation
}

func (c stateCodec) Marshal(s *State) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s.wireState)
}

func (c stateCodec) Unmarshal(data []byte) (*State, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &State{wireState: w, federation: c.federation}, nil
}

var _ registry.Codec[*State] = stateCodec{}

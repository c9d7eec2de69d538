// Package txbuilder implements spec.md §4.E: transaction assembly and
// primary-module fee balancing, finalize-and-submit, and idempotent
// submission keyed by operation id. It is grounded on
// original_source/fedimint-client/src/transaction/mod.rs for the
// balancing algorithm, expressed with this module's
// registry/executor/oplog primitives instead of Rust futures.
package txbuilder

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/fedimint-client/pkg/database"
	"github.com/cuemby/fedimint-client/pkg/executor"
	"github.com/cuemby/fedimint-client/pkg/fmerrors"
	"github.com/cuemby/fedimint-client/pkg/log"
	"github.com/cuemby/fedimint-client/pkg/metrics"
	"github.com/cuemby/fedimint-client/pkg/oplog"
	"github.com/cuemby/fedimint-client/pkg/registry"
	"github.com/cuemby/fedimint-client/pkg/transport"
	"github.com/cuemby/fedimint-client/pkg/types"
)

// StateGenerator produces the seed state machines a client input or
// output needs once its final position (txid, index) in the submitted
// transaction is known.
type StateGenerator func(txID types.TransactionID, index uint64) ([]executor.State, error)

// ClientInput is one module's contribution to the inputs side of a
// transaction, already signed-for (key material is the module's
// concern, not the builder's).
type ClientInput struct {
	ModuleInstanceID types.ModuleInstanceID
	Amount           types.Amount
	Fee              types.Amount
	Payload          []byte
	StateMachines    StateGenerator
}

// ClientOutput is one module's contribution to the outputs side.
type ClientOutput struct {
	ModuleInstanceID types.ModuleInstanceID
	Amount           types.Amount
	Fee              types.Amount
	Payload          []byte
	StateMachines    StateGenerator
}

// Builder accumulates inputs and outputs across modules before
// finalization. It performs no fee calculation itself: fees are
// module-derived and carried on each ClientInput/ClientOutput.
type Builder struct {
	inputs  []ClientInput
	outputs []ClientOutput
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// AddInput appends one module's input contribution.
func (b *Builder) AddInput(in ClientInput) *Builder {
	b.inputs = append(b.inputs, in)
	return b
}

// AddOutput appends one module's output contribution.
func (b *Builder) AddOutput(out ClientOutput) *Builder {
	b.outputs = append(b.outputs, out)
	return b
}

func (b *Builder) inputSum() types.Amount {
	var sum types.Amount
	for _, in := range b.inputs {
		sum = sum.Add(in.Amount).Add(in.Fee)
	}
	return sum
}

func (b *Builder) outputSum() types.Amount {
	var sum types.Amount
	for _, out := range b.outputs {
		sum = sum.Add(out.Amount).Add(out.Fee)
	}
	return sum
}

// Service ties the builder to the runtime components needed to finalize
// and submit a transaction: the registry (to find the primary module),
// the executor (to seed state machines), the operation log (for
// idempotency), and the federation transport.
type Service struct {
	db                *database.Database
	registry          *registry.Registry
	executor          *executor.Executor
	federation        transport.Federation
	primaryInstanceID types.ModuleInstanceID
}

// New returns a Service whose finalize calls treat primaryInstanceID as
// the fee-balancing module.
func New(db *database.Database, reg *registry.Registry, exec *executor.Executor, federation transport.Federation, primaryInstanceID types.ModuleInstanceID) *Service {
	return &Service{db: db, registry: reg, executor: exec, federation: federation, primaryInstanceID: primaryInstanceID}
}

// FinalizeAndSubmitTransaction runs the full §4.E algorithm: balance the
// transaction via the primary module, compute its txid, seed state
// machines for every caller-supplied input/output, and persist the
// operation-log entry plus seed states in one database transaction,
// then submit to the federation outside that transaction, since
// submission is not something a failed commit should be able to roll
// back.
//
// The primary module's own balancing contribution is not threaded
// through a StateGenerator: this client treats that contribution as
// settled by the primary module's internal balance bookkeeping (a
// dbtx write performed inside CreateFinalInputsAndOutputs itself), not
// as a tracked state machine. A module whose balancing needs its own
// state machine should track it internally rather than relying on the
// builder.
func (s *Service) FinalizeAndSubmitTransaction(ctx context.Context, opID types.OperationID, typeTag string, meta []byte, builder *Builder) (types.TransactionID, []types.OutPoint, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TransactionBuildDuration)

	if exists, err := database.View(s.db, func(tx *database.Transaction) (bool, error) {
		return oplog.Exists(tx, opID)
	}); err != nil {
		return types.TransactionID{}, nil, err
	} else if exists {
		metrics.TransactionsSubmittedTotal.WithLabelValues("duplicate").Inc()
		return types.TransactionID{}, nil, fmerrors.ErrOperationExists
	}

	primary, err := s.registry.Get(s.primaryInstanceID)
	if err != nil {
		return types.TransactionID{}, nil, err
	}
	if !primary.SupportsBeingPrimary() {
		return types.TransactionID{}, nil, fmt.Errorf("txbuilder: module %d does not support being primary", s.primaryInstanceID)
	}

	inSum := builder.inputSum()
	outSum := builder.outputSum()

	type finalized struct {
		txn     types.Transaction
		handles []executor.Handle
	}

	result, err := database.Autocommit(ctx, s.db, func(tx *database.Transaction) (finalized, error) {
		primaryIns, primaryOuts, err := primary.CreateFinalInputsAndOutputs(ctx, tx, opID, inSum, outSum)
		if err != nil {
			return finalized{}, err
		}

		dynIns := make([]types.DynInput, 0, len(builder.inputs)+len(primaryIns))
		gens := make([]StateGenerator, 0, len(builder.inputs)+len(builder.outputs))
		for _, in := range builder.inputs {
			dynIns = append(dynIns, types.DynInput{ModuleInstanceID: in.ModuleInstanceID, Payload: in.Payload})
			gens = append(gens, in.StateMachines)
		}
		dynIns = append(dynIns, primaryIns...)

		dynOuts := make([]types.DynOutput, 0, len(builder.outputs)+len(primaryOuts))
		for _, out := range builder.outputs {
			dynOuts = append(dynOuts, types.DynOutput{ModuleInstanceID: out.ModuleInstanceID, Payload: out.Payload})
			gens = append(gens, out.StateMachines)
		}
		dynOuts = append(dynOuts, primaryOuts...)

		txn := types.Transaction{Inputs: dynIns, Outputs: dynOuts}
		txID := txn.ComputeTxID()

		seedStates, err := generateSeedStates(txID, builder, gens)
		if err != nil {
			return finalized{}, err
		}

		if err := oplog.AddEntryDbtx(tx, opID, primary.Kind(), typeTag, meta, time.Now()); err != nil {
			return finalized{}, err
		}
		handles, err := s.executor.AddStateMachinesDbtx(tx, seedStates)
		if err != nil {
			return finalized{}, err
		}

		return finalized{txn: txn, handles: handles}, nil
	})
	if err != nil {
		metrics.TransactionsSubmittedTotal.WithLabelValues("rejected").Inc()
		return types.TransactionID{}, nil, err
	}

	txn := result.txn
	txID := txn.ComputeTxID()

	if err := s.federation.SubmitTransaction(ctx, txn); err != nil {
		metrics.TransactionsSubmittedTotal.WithLabelValues("rejected").Inc()
		return types.TransactionID{}, nil, err
	}

	s.executor.Start(ctx, result.handles)

	outPoints := make([]types.OutPoint, len(txn.Outputs))
	for i := range txn.Outputs {
		outPoints[i] = types.OutPoint{TxID: txID, Index: uint64(i)}
	}

	metrics.TransactionsSubmittedTotal.WithLabelValues("accepted").Inc()
	log.With(log.Fields{Component: "txbuilder", TxID: txID.String(), OperationID: opID.ShortString()}).Info().Msg("transaction submitted")
	return txID, outPoints, nil
}

// generateSeedStates invokes each caller-supplied item's StateGenerator
// with its final position within its own array (txn.Inputs or
// txn.Outputs). Because primary-contributed items are always appended
// after the caller-supplied ones (see above), a caller output at
// builder.outputs[i] always lands at txn.Outputs[i], the same index an
// OutPoint referencing it will carry, and likewise for inputs.
func generateSeedStates(txID types.TransactionID, builder *Builder, generators []StateGenerator) ([]executor.State, error) {
	var states []executor.State
	for i := range builder.inputs {
		if gen := generators[i]; gen != nil {
			s, err := gen(txID, uint64(i))
			if err != nil {
				return nil, fmt.Errorf("txbuilder: input %d state generator: %w", i, err)
			}
			states = append(states, s...)
		}
	}
	offset := len(builder.inputs)
	for i := range builder.outputs {
		if gen := generators[offset+i]; gen != nil {
			s, err := gen(txID, uint64(i))
			if err != nil {
				return nil, fmt.Errorf("txbuilder: output %d state generator: %w", i, err)
			}
			states = append(states, s...)
		}
	}
	return states, nil
}

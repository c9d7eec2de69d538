// Package registry implements spec.md §4.A: per-instance typed↔dyn
// module erasure. Each module declares its own Input/Output/State/Backup
// algebras as Go type parameters; the registry stores a type-erased
// DynModule per instance id so the executor, transaction builder, and
// client facade can dispatch without knowing any concrete module's
// types at compile time. It is grounded on the ClientModule/DynClientModule
// split documented in original_source/fedimint-client/src/module/mod.rs,
// expressed with Go generics instead of Rust trait objects.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/fedimint-client/pkg/database"
	"github.com/cuemby/fedimint-client/pkg/fmerrors"
	"github.com/cuemby/fedimint-client/pkg/types"
)

// Codec marshals one module-defined algebra to and from wire bytes.
// JSONCodec is the default; a module may supply its own for a tighter
// wire format.
type Codec[T any] interface {
	Marshal(T) ([]byte, error)
	Unmarshal([]byte) (T, error)
}

// TypedModule is the algebra a module author implements directly: every
// method operates on the module's own concrete In/Out/St/Bak types.
type TypedModule[In, Out, St, Bak any] interface {
	Kind() types.ModuleKind

	// InputFee and OutputFee return (fee, false) to signal an
	// unrecognized future variant; self-authored transactions never hit
	// the false case.
	InputFee(in In) (types.Amount, bool)
	OutputFee(out Out) (types.Amount, bool)

	SupportsBeingPrimary() bool

	// CreateFinalInputsAndOutputs performs primary-module fee-balancing:
	// given the sum of non-primary inputs and outputs already in the
	// transaction, it returns the additional inputs/outputs needed to
	// balance it (see §4.E).
	CreateFinalInputsAndOutputs(ctx context.Context, tx *database.Transaction, opID types.OperationID, inputsSum, outputsSum types.Amount) ([]In, []Out, error)

	// AwaitPrimaryModuleOutput blocks until the primary module has
	// credited the balance from outPoint.
	AwaitPrimaryModuleOutput(ctx context.Context, opID types.OperationID, outPoint types.OutPoint) (types.Amount, error)

	GetBalance(tx *database.Transaction) (types.Amount, error)
	SubscribeBalanceChanges() <-chan struct{}

	Backup(tx *database.Transaction) (Bak, error)
	Leave(ctx context.Context) error
}

// DynModule is the type-erased handle stored in the registry. Every
// method takes and returns wire bytes or spec-level types only; no
// module-specific Go type ever appears in this interface.
type DynModule interface {
	InstanceID() types.ModuleInstanceID
	Kind() types.ModuleKind

	DecodeInput(payload []byte) (any, error)
	DecodeOutput(payload []byte) (any, error)
	DecodeState(payload []byte) (any, error)
	DecodeBackup(payload []byte) (any, error)

	InputFee(payload []byte) (types.Amount, bool, error)
	OutputFee(payload []byte) (types.Amount, bool, error)

	SupportsBeingPrimary() bool

	CreateFinalInputsAndOutputs(ctx context.Context, tx *database.Transaction, opID types.OperationID, inputsSum, outputsSum types.Amount) ([]types.DynInput, []types.DynOutput, error)
	AwaitPrimaryModuleOutput(ctx context.Context, opID types.OperationID, outPoint types.OutPoint) (types.Amount, error)

	GetBalance(tx *database.Transaction) (types.Amount, error)
	SubscribeBalanceChanges() <-chan struct{}

	Backup(tx *database.Transaction) ([]byte, error)
	Leave(ctx context.Context) error
}

// handle is the generic DynModule implementation wrapping one
// TypedModule. It is unexported: the only way back to the typed view is
// Downcast/MustDowncast, which type-assert the handle against the
// caller's In/Out/St/Bak type parameters.
type handle[In, Out, St, Bak any] struct {
	instanceID types.ModuleInstanceID
	typed      TypedModule[In, Out, St, Bak]
	inCodec    Codec[In]
	outCodec   Codec[Out]
	stCodec    Codec[St]
	bakCodec   Codec[Bak]
}

// NewHandle wraps a TypedModule into a DynModule under instanceID, using
// JSON codecs for all four algebras. Use NewHandleWithCodecs to supply
// tighter wire formats.
func NewHandle[In, Out, St, Bak any](instanceID types.ModuleInstanceID, typed TypedModule[In, Out, St, Bak]) DynModule {
	return NewHandleWithCodecs[In, Out, St, Bak](instanceID, typed, JSONCodec[In]{}, JSONCodec[Out]{}, JSONCodec[St]{}, JSONCodec[Bak]{})
}

// NewHandleWithCodecs is NewHandle with explicit codecs.
func NewHandleWithCodecs[In, Out, St, Bak any](instanceID types.ModuleInstanceID, typed TypedModule[In, Out, St, Bak], inCodec Codec[In], outCodec Codec[Out], stCodec Codec[St], bakCodec Codec[Bak]) DynModule {
	return &handle[In, Out, St, Bak]{
		instanceID: instanceID,
		typed:      typed,
		inCodec:    inCodec,
		outCodec:   outCodec,
		stCodec:    stCodec,
		bakCodec:   bakCodec,
	}
}

func (h *handle[In, Out, St, Bak]) InstanceID() types.ModuleInstanceID { return h.instanceID }
func (h *handle[In, Out, St, Bak]) Kind() types.ModuleKind             { return h.typed.Kind() }

func (h *handle[In, Out, St, Bak]) DecodeInput(payload []byte) (any, error) {
	return h.inCodec.Unmarshal(payload)
}

func (h *handle[In, Out, St, Bak]) DecodeOutput(payload []byte) (any, error) {
	return h.outCodec.Unmarshal(payload)
}

func (h *handle[In, Out, St, Bak]) DecodeState(payload []byte) (any, error) {
	return h.stCodec.Unmarshal(payload)
}

func (h *handle[In, Out, St, Bak]) DecodeBackup(payload []byte) (any, error) {
	return h.bakCodec.Unmarshal(payload)
}

func (h *handle[In, Out, St, Bak]) InputFee(payload []byte) (types.Amount, bool, error) {
	in, err := h.inCodec.Unmarshal(payload)
	if err != nil {
		return 0, false, err
	}
	fee, ok := h.typed.InputFee(in)
	return fee, ok, nil
}

func (h *handle[In, Out, St, Bak]) OutputFee(payload []byte) (types.Amount, bool, error) {
	out, err := h.outCodec.Unmarshal(payload)
	if err != nil {
		return 0, false, err
	}
	fee, ok := h.typed.OutputFee(out)
	return fee, ok, nil
}

func (h *handle[In, Out, St, Bak]) SupportsBeingPrimary() bool { return h.typed.SupportsBeingPrimary() }

func (h *handle[In, Out, St, Bak]) CreateFinalInputsAndOutputs(ctx context.Context, tx *database.Transaction, opID types.OperationID, inputsSum, outputsSum types.Amount) ([]types.DynInput, []types.DynOutput, error) {
	ins, outs, err := h.typed.CreateFinalInputsAndOutputs(ctx, tx, opID, inputsSum, outputsSum)
	if err != nil {
		return nil, nil, err
	}
	dynIns := make([]types.DynInput, 0, len(ins))
	for _, in := range ins {
		payload, err := h.inCodec.Marshal(in)
		if err != nil {
			return nil, nil, err
		}
		dynIns = append(dynIns, types.DynInput{ModuleInstanceID: h.instanceID, Payload: payload})
	}
	dynOuts := make([]types.DynOutput, 0, len(outs))
	for _, out := range outs {
		payload, err := h.outCodec.Marshal(out)
		if err != nil {
			return nil, nil, err
		}
		dynOuts = append(dynOuts, types.DynOutput{ModuleInstanceID: h.instanceID, Payload: payload})
	}
	return dynIns, dynOuts, nil
}

func (h *handle[In, Out, St, Bak]) AwaitPrimaryModuleOutput(ctx context.Context, opID types.OperationID, outPoint types.OutPoint) (types.Amount, error) {
	return h.typed.AwaitPrimaryModuleOutput(ctx, opID, outPoint)
}

func (h *handle[In, Out, St, Bak]) GetBalance(tx *database.Transaction) (types.Amount, error) {
	return h.typed.GetBalance(tx)
}

func (h *handle[In, Out, St, Bak]) SubscribeBalanceChanges() <-chan struct{} {
	return h.typed.SubscribeBalanceChanges()
}

func (h *handle[In, Out, St, Bak]) Backup(tx *database.Transaction) ([]byte, error) {
	bak, err := h.typed.Backup(tx)
	if err != nil {
		return nil, err
	}
	return h.bakCodec.Marshal(bak)
}

func (h *handle[In, Out, St, Bak]) Leave(ctx context.Context) error { return h.typed.Leave(ctx) }

// Downcast recovers the concrete TypedModule behind a DynModule. It
// returns ok=false rather than panicking when the type parameters don't
// match the handle stored at m's instance id; callers that know by
// construction which module owns an instance id (the module's own
// generated code) should use MustDowncast instead.
func Downcast[In, Out, St, Bak any](m DynModule) (TypedModule[In, Out, St, Bak], bool) {
	h, ok := m.(*handle[In, Out, St, Bak])
	if !ok {
		return nil, false
	}
	return h.typed, true
}

// MustDowncast panics if m is not the erasure of a TypedModule[In, Out,
// St, Bak]. Per the erasure contract (spec.md §4.A), this can only fire
// on a programming error: the registry guarantees one handle per
// instance id, so a module dispatching to its own instance id can never
// observe a mismatch.
func MustDowncast[In, Out, St, Bak any](m DynModule) TypedModule[In, Out, St, Bak] {
	typed, ok := Downcast[In, Out, St, Bak](m)
	if !ok {
		panic(fmt.Sprintf("registry: instance %d is not the expected module type", m.InstanceID()))
	}
	return typed
}

// Registry holds every module instance active in a federation
// membership, keyed by instance id. Duplicate instance ids are
// rejected; two instances sharing a kind are allowed.
type Registry struct {
	mu      sync.RWMutex
	modules map[types.ModuleInstanceID]DynModule
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{modules: make(map[types.ModuleInstanceID]DynModule)}
}

// Register adds module under its own instance id. It fails if that
// instance id is already registered.
func (r *Registry) Register(module DynModule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := module.InstanceID()
	if _, exists := r.modules[id]; exists {
		return fmt.Errorf("registry: instance %d already registered", id)
	}
	r.modules[id] = module
	return nil
}

// Get returns the module registered under instanceID.
func (r *Registry) Get(instanceID types.ModuleInstanceID) (DynModule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[instanceID]
	if !ok {
		return nil, fmerrors.ModuleNotFound(uint16(instanceID))
	}
	return m, nil
}

// ByKind returns every registered instance of the given kind, in
// ascending instance-id order.
func (r *Registry) ByKind(kind types.ModuleKind) []DynModule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []DynModule
	for _, m := range r.modules {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	sortByInstanceID(out)
	return out
}

// All returns every registered module, in ascending instance-id order.
func (r *Registry) All() []DynModule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DynModule, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sortByInstanceID(out)
	return out
}

func sortByInstanceID(modules []DynModule) {
	for i := 1; i < len(modules); i++ {
		for j := i; j > 0 && modules[j].InstanceID() < modules[j-1].InstanceID(); j-- {
			modules[j], modules[j-1] = modules[j-1], modules[j]
		}
	}
}

package registry_test

import (
	"context"
	"testing"

	"github.com/cuemby/fedimint-client/pkg/database"
	"github.com/cuemby/fedimint-client/pkg/fmerrors"
	"github.com/cuemby/fedimint-client/pkg/registry"
	"github.com/cuemby/fedimint-client/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIn struct{ Amount int64 }
type fakeOut struct{ Amount int64 }
type fakeState struct{ Step string }
type fakeBackup struct{ Note string }

type fakeModule struct {
	kind      types.ModuleKind
	isPrimary bool
}

func (m *fakeModule) Kind() types.ModuleKind { return m.kind }

func (m *fakeModule) InputFee(in fakeIn) (types.Amount, bool) { return types.Amount(1), true }

func (m *fakeModule) OutputFee(out fakeOut) (types.Amount, bool) { return types.Amount(1), true }

func (m *fakeModule) SupportsBeingPrimary() bool { return m.isPrimary }

func (m *fakeModule) CreateFinalInputsAndOutputs(ctx context.Context, tx *database.Transaction, opID types.OperationID, inputsSum, outputsSum types.Amount) ([]fakeIn, []fakeOut, error) {
	return nil, nil, nil
}

func (m *fakeModule) AwaitPrimaryModuleOutput(ctx context.Context, opID types.OperationID, outPoint types.OutPoint) (types.Amount, error) {
	return 0, nil
}

func (m *fakeModule) GetBalance(tx *database.Transaction) (types.Amount, error) { return 0, nil }

func (m *fakeModule) SubscribeBalanceChanges() <-chan struct{} {
	ch := make(chan struct{})
	return ch
}

func (m *fakeModule) Backup(tx *database.Transaction) (fakeBackup, error) {
	return fakeBackup{Note: "ok"}, nil
}

func (m *fakeModule) Leave(ctx context.Context) error { return nil }

var _ registry.TypedModule[fakeIn, fakeOut, fakeState, fakeBackup] = (*fakeModule)(nil)

func TestRegisterAndGetRoundTrips(t *testing.T) {
	r := registry.New()
	typed := &fakeModule{kind: "dummy"}
	handle := registry.NewHandle[fakeIn, fakeOut, fakeState, fakeBackup](1, typed)

	require.NoError(t, r.Register(handle))

	got, err := r.Get(1)
	require.NoError(t, err)
	assert.Equal(t, types.ModuleKind("dummy"), got.Kind())
}

func TestRegisterRejectsDuplicateInstanceID(t *testing.T) {
	r := registry.New()
	first := registry.NewHandle[fakeIn, fakeOut, fakeState, fakeBackup](1, &fakeModule{kind: "dummy"})
	second := registry.NewHandle[fakeIn, fakeOut, fakeState, fakeBackup](1, &fakeModule{kind: "lightning"})

	require.NoError(t, r.Register(first))
	err := r.Register(second)
	require.Error(t, err)
}

func TestTwoInstancesMaySharedKind(t *testing.T) {
	r := registry.New()
	a := registry.NewHandle[fakeIn, fakeOut, fakeState, fakeBackup](1, &fakeModule{kind: "dummy"})
	b := registry.NewHandle[fakeIn, fakeOut, fakeState, fakeBackup](2, &fakeModule{kind: "dummy"})

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	assert.Len(t, r.ByKind("dummy"), 2)
}

func TestGetUnknownInstanceReturnsModuleNotFound(t *testing.T) {
	r := registry.New()
	_, err := r.Get(99)
	require.ErrorIs(t, err, fmerrors.ErrModuleNotFound)
}

func TestDowncastRoundTripsTypedValue(t *testing.T) {
	typed := &fakeModule{kind: "dummy", isPrimary: true}
	h := registry.NewHandle[fakeIn, fakeOut, fakeState, fakeBackup](1, typed)

	got, ok := registry.Downcast[fakeIn, fakeOut, fakeState, fakeBackup](h)
	require.True(t, ok)
	assert.True(t, got.SupportsBeingPrimary())
}

func TestDowncastWithWrongTypeParametersFails(t *testing.T) {
	h := registry.NewHandle[fakeIn, fakeOut, fakeState, fakeBackup](1, &fakeModule{kind: "dummy"})
	_, ok := registry.Downcast[fakeOut, fakeIn, fakeState, fakeBackup](h)
	assert.False(t, ok)
}

func TestDynModuleFeeMethodsRoundTripThroughCodec(t *testing.T) {
	typed := &fakeModule{kind: "dummy"}
	h := registry.NewHandle[fakeIn, fakeOut, fakeState, fakeBackup](1, typed)

	payload, err := registry.JSONCodec[fakeIn]{}.Marshal(fakeIn{Amount: 42})
	require.NoError(t, err)

	fee, ok, err := h.InputFee(payload)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.Amount(1), fee)
}

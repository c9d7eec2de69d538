package clientctx_test

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/cuemby/fedimint-client/internal/weakref"
	"github.com/cuemby/fedimint-client/pkg/clientctx"
	"github.com/cuemby/fedimint-client/pkg/database"
	"github.com/cuemby/fedimint-client/pkg/executor"
	"github.com/cuemby/fedimint-client/pkg/fmerrors"
	"github.com/cuemby/fedimint-client/pkg/registry"
	"github.com/cuemby/fedimint-client/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInstanceID = types.ModuleInstanceID(7)
const testKind = types.ModuleKind("dummy")

type testModule struct{}

func (testModule) Kind() types.ModuleKind                        { return testKind }
func (testModule) InputFee(any) (types.Amount, bool)              { return 0, true }
func (testModule) OutputFee(any) (types.Amount, bool)             { return 0, true }
func (testModule) SupportsBeingPrimary() bool                     { return false }
func (testModule) CreateFinalInputsAndOutputs(ctx context.Context, tx *database.Transaction, opID types.OperationID, in, out types.Amount) ([]any, []any, error) {
	return nil, nil, nil
}
func (testModule) AwaitPrimaryModuleOutput(ctx context.Context, opID types.OperationID, op types.OutPoint) (types.Amount, error) {
	return 0, nil
}
func (testModule) GetBalance(tx *database.Transaction) (types.Amount, error) { return 0, nil }
func (testModule) SubscribeBalanceChanges() <-chan struct{}                  { return make(chan struct{}) }
func (testModule) Backup(tx *database.Transaction) (any, error)              { return nil, nil }
func (testModule) Leave(ctx context.Context) error                          { return nil }

var _ registry.TypedModule[any, any, any, any] = testModule{}

type testState struct {
	OpID types.OperationID
}

func (s *testState) OperationID() types.OperationID          { return s.OpID }
func (s *testState) ModuleInstanceID() types.ModuleInstanceID { return testInstanceID }
func (s *testState) IsTerminal() bool                         { return true }
func (s *testState) Transitions() []executor.Transition       { return nil }
func (s *testState) Marshal() ([]byte, error)                 { return []byte("{}"), nil }

type passthroughDynModule struct {
	registry.DynModule
}

func (m *passthroughDynModule) DecodeState(payload []byte) (any, error) {
	return &testState{}, nil
}

type noopFederation struct{}

func (noopFederation) SubmitTransaction(ctx context.Context, tx types.Transaction) error { return nil }
func (noopFederation) AwaitOutPoint(ctx context.Context, op types.OutPoint) ([]byte, error) {
	return nil, nil
}
func (noopFederation) Query(ctx context.Context, instanceID types.ModuleInstanceID, req []byte) ([]byte, error) {
	return nil, nil
}

func randomOpID(t *testing.T) types.OperationID {
	t.Helper()
	var seed [32]byte
	_, err := rand.Read(seed[:])
	require.NoError(t, err)
	return types.RandomOperationID(seed)
}

func newTestClient(t *testing.T) *clientctx.Client {
	t.Helper()
	db, err := database.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New()
	handle := registry.NewHandle[any, any, any, any](testInstanceID, testModule{})
	require.NoError(t, reg.Register(&passthroughDynModule{DynModule: handle}))

	invite := types.InviteCode{URL: "ws://guardian", GuardianID: 0, FederationID: "fed1"}
	configs := map[types.ModuleInstanceID][]byte{testInstanceID: []byte(`{"fee_bps":0}`)}
	return clientctx.NewClient(db, reg, noopFederation{}, testInstanceID, invite, configs)
}

func TestManualOperationStartIsIdempotent(t *testing.T) {
	client := newTestClient(t)
	ctx := clientctx.NewContext[testModule](client, testInstanceID)

	opID := randomOpID(t)
	err := ctx.ManualOperationStart(context.Background(), opID, "pay", nil, []executor.State{&testState{OpID: opID}})
	require.NoError(t, err)

	err = ctx.ManualOperationStart(context.Background(), opID, "pay", nil, []executor.State{&testState{OpID: opID}})
	assert.ErrorIs(t, err, fmerrors.ErrOperationExists)

	exists, err := ctx.OperationExists(opID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestGetConfigAndInviteCodeRoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx := clientctx.NewContext[testModule](client, testInstanceID)

	cfg, err := ctx.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"fee_bps":0}`), cfg)

	invite, err := ctx.GetInviteCode()
	require.NoError(t, err)
	assert.Equal(t, "fed1", invite.FederationID)
}

func TestContextFailsCleanlyAfterShutdown(t *testing.T) {
	client := newTestClient(t)
	ctx := clientctx.NewContext[testModule](client, testInstanceID)

	client.Shutdown()

	_, err := ctx.GetInviteCode()
	assert.ErrorIs(t, err, weakref.ErrInvalidated)
}

func TestModuleAutocommitWritesUnderOwnPrefix(t *testing.T) {
	client := newTestClient(t)
	ctx := clientctx.NewContext[testModule](client, testInstanceID)

	_, err := clientctx.ModuleAutocommit(context.Background(), ctx, func(v *database.ModuleView) (struct{}, error) {
		return struct{}{}, v.Put([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)

	got, err := clientctx.ModuleAutocommit(context.Background(), ctx, func(v *database.ModuleView) ([]byte, error) {
		val, _, err := v.Get([]byte("k"))
		return val, err
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

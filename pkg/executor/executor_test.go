package executor_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/fedimint-client/pkg/database"
	"github.com/cuemby/fedimint-client/pkg/executor"
	"github.com/cuemby/fedimint-client/pkg/notifier"
	"github.com/cuemby/fedimint-client/pkg/registry"
	"github.com/cuemby/fedimint-client/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInstanceID = types.ModuleInstanceID(1)
const testKind = types.ModuleKind("test")

// testState is a minimal two-step state machine: waitingStep races two
// awaits (fast and slow); the loser must be cancelled. doneStep is
// terminal.
type testState struct {
	OpID types.OperationID
	Step string // "waiting" or "done"
	Via  string // which await produced this state, once done
}

func (s *testState) OperationID() types.OperationID             { return s.OpID }
func (s *testState) ModuleInstanceID() types.ModuleInstanceID    { return testInstanceID }
func (s *testState) IsTerminal() bool                            { return s.Step == "done" }
func (s *testState) Marshal() ([]byte, error)                    { return json.Marshal(s) }

func (s *testState) Transitions() []executor.Transition {
	if s.IsTerminal() {
		return nil
	}
	return []executor.Transition{
		{
			Await: func(ctx context.Context) (any, error) {
				select {
				case <-time.After(10 * time.Millisecond):
					return "fast", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
			Apply: func(ctx context.Context, tx *database.Transaction, result any) ([]executor.State, error) {
				return []executor.State{&testState{OpID: s.OpID, Step: "done", Via: result.(string)}}, nil
			},
		},
		{
			Await: func(ctx context.Context) (any, error) {
				select {
				case <-time.After(time.Hour):
					return "slow", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
			Apply: func(ctx context.Context, tx *database.Transaction, result any) ([]executor.State, error) {
				return []executor.State{&testState{OpID: s.OpID, Step: "done", Via: "slow"}}, nil
			},
		},
	}
}

type testModule struct{}

func (testModule) Kind() types.ModuleKind { return testKind }
func (testModule) InputFee(in any) (types.Amount, bool) { return 0, true }
func (testModule) OutputFee(out any) (types.Amount, bool) { return 0, true }
func (testModule) SupportsBeingPrimary() bool { return false }
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

// testDynModule wraps testModule so DecodeState reconstructs *testState
// directly, bypassing the generic JSON handle since testState carries
// behavior (Transitions) that a plain registry.Codec round trip can't
// reattach from an `any` payload.
type testDynModule struct {
	registry.DynModule
}

func newTestRegistry() *registry.Registry {
	r := registry.New()
	handle := registry.NewHandle[any, any, any, any](testInstanceID, testModule{})
	_ = r.Register(&testDynModule{DynModule: handle})
	return r
}

func (m *testDynModule) DecodeState(payload []byte) (any, error) {
	var s testState
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func randomOpID(t *testing.T) types.OperationID {
	t.Helper()
	var seed [32]byte
	_, err := rand.Read(seed[:])
	require.NoError(t, err)
	return types.RandomOperationID(seed)
}

func openTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestRacingTransitionsOnlyFastestApplies exercises spec.md §8 scenario
// 5: of two racing awaits, only the faster one's apply should run.
func TestRacingTransitionsOnlyFastestApplies(t *testing.T) {
	db := openTestDB(t)
	reg := newTestRegistry()
	notif := notifier.New()
	exec := executor.New(db, reg, notif)

	opID := randomOpID(t)
	sub := notif.Subscribe(opID)
	defer sub.Close()

	handles, err := database.Autocommit(context.Background(), db, func(tx *database.Transaction) ([]executor.Handle, error) {
		return exec.AddStateMachinesDbtx(tx, []executor.State{&testState{OpID: opID, Step: "waiting"}})
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec.Start(ctx, handles)

	select {
	case ev := <-sub.Events:
		st := ev.State.(*testState)
		assert.Equal(t, "fast", st.Via)
		assert.True(t, ev.Terminal)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transition")
	}
}

// TestCrashRecoveryResumesActiveState exercises spec.md §8 scenario 4: a
// state inserted into active but never driven (simulating a crash
// before the first executor ever ran) is picked up by Run on a fresh
// Executor sharing the same database.
func TestCrashRecoveryResumesActiveState(t *testing.T) {
	db := openTestDB(t)
	reg := newTestRegistry()
	notif := notifier.New()

	opID := randomOpID(t)
	bootstrapExec := executor.New(db, reg, notifier.New())
	_, err := database.Autocommit(context.Background(), db, func(tx *database.Transaction) ([]executor.Handle, error) {
		return bootstrapExec.AddStateMachinesDbtx(tx, []executor.State{&testState{OpID: opID, Step: "waiting"}})
	})
	require.NoError(t, err)

	recovered := executor.New(db, reg, notif)
	sub := notif.Subscribe(opID)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recovered.Run(ctx)

	select {
	case ev := <-sub.Events:
		assert.True(t, ev.Terminal)
	case <-time.After(2 * time.Second):
		t.Fatal("recovered executor never drove the pre-existing active state")
	}
}

func TestGetActiveStatesFiltersByPredicate(t *testing.T) {
	db := openTestDB(t)
	reg := newTestRegistry()
	exec := executor.New(db, reg, notifier.New())

	op1 := randomOpID(t)
	op2 := randomOpID(t)
	_, err := database.Autocommit(context.Background(), db, func(tx *database.Transaction) ([]executor.Handle, error) {
		return exec.AddStateMachinesDbtx(tx, []executor.State{
			&testState{OpID: op1, Step: "waiting"},
			&testState{OpID: op2, Step: "waiting"},
		})
	})
	require.NoError(t, err)

	all, err := exec.GetActiveStates(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	matchingOp1, err := exec.GetActiveStates(func(s executor.State) bool {
		return s.OperationID() == op1
	})
	require.NoError(t, err)
	assert.Len(t, matchingOp1, 1)
}

package fedsim_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/fedimint-client/internal/fedsim"
	"github.com/cuemby/fedimint-client/pkg/transport"
	"github.com/cuemby/fedimint-client/pkg/types"
	"github.com/stretchr/testify/require"
)

func newFederation(t *testing.T) *fedsim.Federation {
	t.Helper()
	f, err := fedsim.New("node1", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Shutdown() })
	return f
}

func TestSubmittedTransactionOutputsBecomeAwaitable(t *testing.T) {
	f := newFederation(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx := types.Transaction{
		Outputs: []types.DynOutput{
			{ModuleInstanceID: 1, Payload: []byte("alice's change")},
		},
	}
	require.NoError(t, f.SubmitTransaction(ctx, tx))

	txID := tx.ComputeTxID()
	payload, err := f.AwaitOutPoint(ctx, types.OutPoint{TxID: txID, Index: 0})
	require.NoError(t, err)
	require.NotEmpty(t, payload)
}

func TestAwaitOutPointRespectsContextCancellation(t *testing.T) {
	f := newFederation(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.AwaitOutPoint(ctx, types.OutPoint{TxID: types.TransactionID{}, Index: 0})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueryIsAnUnimplementedNoOp(t *testing.T) {
	f := newFederation(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.Query(ctx, types.ModuleInstanceID(1), nil)
	require.ErrorIs(t, err, transport.ErrNotFound)
}

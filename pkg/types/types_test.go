package types_test

import (
	"testing"

	"github.com/cuemby/fedimint-client/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationIDFromHashIsDeterministic(t *testing.T) {
	a := types.NewOperationIDFromHash([]byte("contract-42"))
	b := types.NewOperationIDFromHash([]byte("contract-42"))
	assert.Equal(t, a, b)
	assert.Len(t, a.ShortString(), 8)
}

func TestOperationIDRoundTrip(t *testing.T) {
	id := types.NewOperationIDFromHash([]byte("round-trip"))
	parsed, err := types.ParseOperationID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestTransactionIDIsDeterministicOverSameInputsOutputs(t *testing.T) {
	tx1 := &types.Transaction{
		Inputs:  []types.DynInput{{ModuleInstanceID: 1, Payload: []byte{1, 2, 3}}},
		Outputs: []types.DynOutput{{ModuleInstanceID: 2, Payload: []byte{4, 5}}},
	}
	tx2 := &types.Transaction{
		Inputs:  []types.DynInput{{ModuleInstanceID: 1, Payload: []byte{1, 2, 3}}},
		Outputs: []types.DynOutput{{ModuleInstanceID: 2, Payload: []byte{4, 5}}},
	}
	assert.Equal(t, tx1.ComputeTxID(), tx2.ComputeTxID())

	tx3 := &types.Transaction{
		Inputs:  []types.DynInput{{ModuleInstanceID: 1, Payload: []byte{1, 2, 4}}},
		Outputs: []types.DynOutput{{ModuleInstanceID: 2, Payload: []byte{4, 5}}},
	}
	assert.NotEqual(t, tx1.ComputeTxID(), tx3.ComputeTxID())
}

func TestInviteCodeRoundTrip(t *testing.T) {
	code := types.InviteCode{
		URL:          "wss://guardian.example.com",
		GuardianID:   3,
		FederationID: "fed1abc",
		APISecret:    "s3cr3t",
	}
	parsed, err := types.ParseInviteCode(code.Encode())
	require.NoError(t, err)
	assert.Equal(t, code, parsed)
}

func TestInviteCodeRoundTripWithoutSecret(t *testing.T) {
	code := types.InviteCode{URL: "wss://g.example.com", GuardianID: 0, FederationID: "fed1"}
	parsed, err := types.ParseInviteCode(code.Encode())
	require.NoError(t, err)
	assert.Equal(t, code, parsed)
}

func TestParseInviteCodeRejectsTooFewFields(t *testing.T) {
	_, err := types.ParseInviteCode("only:two")
	assert.Error(t, err)
}

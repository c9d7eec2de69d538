package executor

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/cuemby/fedimint-client/pkg/database"
	"github.com/cuemby/fedimint-client/pkg/fmerrors"
	"github.com/cuemby/fedimint-client/pkg/registry"
	"github.com/cuemby/fedimint-client/pkg/types"
)

// executorInstanceID is the reserved bbolt key prefix under which the
// executor stores the active and inactive sets, distinct from any real
// module's instance id space, and from pkg/oplog's own reserved prefix.
const executorInstanceID = types.ModuleInstanceID(0xFFFE)

const (
	prefixActive   = byte(0x01)
	prefixInactive = byte(0x02)
)

// stateID identifies one state-machine occurrence, independent of its
// content, so that two states with identical payloads can coexist and
// so that crash recovery can tell exactly which rows were active at
// last commit.
type stateID [16]byte

func newStateID() (stateID, error) {
	var id stateID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("executor: generate state id: %w", err)
	}
	return id, nil
}

type storedState struct {
	ModuleInstanceID types.ModuleInstanceID `json:"module_instance_id"`
	OperationID      types.OperationID      `json:"operation_id"`
	Payload          []byte                 `json:"payload"`
}

func activeKey(id stateID) []byte {
	key := make([]byte, 0, 1+len(id))
	key = append(key, prefixActive)
	return append(key, id[:]...)
}

func inactiveKey(id stateID) []byte {
	key := make([]byte, 0, 1+len(id))
	key = append(key, prefixInactive)
	return append(key, id[:]...)
}

func keyFor(id stateID, terminal bool) []byte {
	if terminal {
		return inactiveKey(id)
	}
	return activeKey(id)
}

func encodeState(s State) ([]byte, error) {
	payload, err := s.Marshal()
	if err != nil {
		return nil, fmt.Errorf("executor: marshal state: %w", err)
	}
	stored := storedState{
		ModuleInstanceID: s.ModuleInstanceID(),
		OperationID:      s.OperationID(),
		Payload:          payload,
	}
	return json.Marshal(stored)
}

// decodeState reconstructs a State from its persisted bytes by asking
// the module registered under the stored instance id to decode the
// payload. A registry miss or a decode result that doesn't implement
// State is StateInvariantViolated: the executor only ever persists
// states it could encode from a registered module in the first place.
func decodeState(reg *registry.Registry, data []byte) (State, error) {
	var stored storedState
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("executor: unmarshal stored state: %w", err)
	}
	mod, err := reg.Get(stored.ModuleInstanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: stored state names module %d: %w", fmerrors.ErrStateInvariantViolated, stored.ModuleInstanceID, err)
	}
	decoded, err := mod.DecodeState(stored.Payload)
	if err != nil {
		return nil, fmt.Errorf("executor: decode state payload: %w", err)
	}
	st, ok := decoded.(State)
	if !ok {
		return nil, fmt.Errorf("%w: module %d decoded a state that does not implement executor.State", fmerrors.ErrStateInvariantViolated, stored.ModuleInstanceID)
	}
	return st, nil
}

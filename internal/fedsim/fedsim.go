// Package fedsim is a single-process federation test double implementing
// pkg/transport.Federation on top of a one-node hashicorp/raft group.
// It exists so tests and local demos can exercise transaction submission
// and outcome polling against something that actually replicates a
// decision through a consensus log, without running the real Fedimint
// guardian protocol (threshold cryptography and BFT agreement are out
// of scope here, same as the rest of this module). It is grounded on
// pkg/manager.NewManager/Bootstrap's raft wiring and pkg/manager/fsm.go's
// Apply/Snapshot/Restore shape, adapted from cluster commands to
// transaction commands.
package fedsim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/fedimint-client/pkg/fmerrors"
	"github.com/cuemby/fedimint-client/pkg/log"
	"github.com/cuemby/fedimint-client/pkg/transport"
	"github.com/cuemby/fedimint-client/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Federation is a one-node raft group standing in for a real guardian
// federation. Every call that would normally cross the network instead
// goes through the raft log of this single node.
type Federation struct {
	raft *raft.Raft
	fsm  *fsm
}

// New bootstraps a fresh single-node raft cluster rooted at dataDir and
// returns a Federation backed by it. It blocks until the node has
// elected itself leader, which for a single-server configuration
// happens within one election timeout.
func New(nodeID, dataDir string) (*Federation, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("fedsim: create data dir: %w", err)
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(nodeID)
	config.HeartbeatTimeout = 200 * time.Millisecond
	config.ElectionTimeout = 200 * time.Millisecond
	config.LeaderLeaseTimeout = 100 * time.Millisecond
	config.CommitTimeout = 20 * time.Millisecond

	addr, transportLayer := raft.NewInmemTransport("")

	snapshotStore, err := raft.NewFileSnapshotStore(dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("fedsim: snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("fedsim: log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("fedsim: stable store: %w", err)
	}

	machine := newFSM()

	r, err := raft.NewRaft(config, machine, logStore, stableStore, snapshotStore, transportLayer)
	if err != nil {
		return nil, fmt.Errorf("fedsim: new raft: %w", err)
	}

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: addr}},
	})
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("fedsim: bootstrap cluster: %w", err)
	}

	f := &Federation{raft: r, fsm: machine}
	if err := f.awaitLeadership(10 * time.Second); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Federation) awaitLeadership(timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if f.raft.State() == raft.Leader {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return fmt.Errorf("fedsim: node never became leader within %s", timeout)
		}
	}
}

// Shutdown stops the underlying raft node.
func (f *Federation) Shutdown() error {
	return f.raft.Shutdown().Error()
}

var _ transport.Federation = (*Federation)(nil)

type command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// SubmitTransaction replicates tx through the raft log. If the FSM fails
// to apply the committed command, the transaction is reported as
// *fmerrors.TransactionRejected; a failure of the raft apply itself is
// returned as a plain error. This simulator never rejects a structurally
// valid transaction on its own initiative, since it implements no fee or
// signature policy of its own.
func (f *Federation) SubmitTransaction(ctx context.Context, tx types.Transaction) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("fedsim: encode transaction: %w", err)
	}
	cmd, err := json.Marshal(command{Op: "submit_tx", Data: payload})
	if err != nil {
		return fmt.Errorf("fedsim: encode command: %w", err)
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	future := f.raft.Apply(cmd, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("fedsim: apply transaction: %w", err)
	}
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return &fmerrors.TransactionRejected{Reason: applyErr.Error()}
	}
	log.WithComponent("fedsim").Debug().Msg("transaction committed to raft log")
	return nil
}

// AwaitOutPoint polls the FSM's finalized-output table until outPoint
// appears or ctx is cancelled. Because this simulator finalizes every
// output synchronously when its transaction is applied, in practice the
// first poll already succeeds; the loop exists so callers don't have to
// special-case a single-process backend.
func (f *Federation) AwaitOutPoint(ctx context.Context, outPoint types.OutPoint) ([]byte, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if payload, ok := f.fsm.lookupOutput(outPoint); ok {
			return payload, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Query has no module-specific handlers registered in this simulator:
// every instance id returns transport.ErrNotFound. A module that needs
// query support in tests should be exercised against a purpose-built
// transport.Federation fake instead.
func (f *Federation) Query(ctx context.Context, instanceID types.ModuleInstanceID, request []byte) ([]byte, error) {
	return nil, transport.ErrNotFound
}

// fsm is the raft.FSM applying committed transactions. It tracks every
// transaction it has seen and synthesizes a trivial "finalized" outcome
// payload for each of that transaction's outputs, since this simulator
// has no module-specific output-processing logic of its own.
type fsm struct {
	mu      sync.Mutex
	outputs map[string][]byte
}

func newFSM() *fsm {
	return &fsm{outputs: make(map[string][]byte)}
}

func outputKey(outPoint types.OutPoint) string {
	return fmt.Sprintf("%s:%d", outPoint.TxID, outPoint.Index)
}

func (f *fsm) lookupOutput(outPoint types.OutPoint) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.outputs[outputKey(outPoint)]
	return payload, ok
}

type outcome struct {
	Status string `json:"status"`
}

func (f *fsm) Apply(entry *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("fedsim: unmarshal command: %w", err)
	}
	if cmd.Op != "submit_tx" {
		return fmt.Errorf("fedsim: unknown command %q", cmd.Op)
	}

	var tx types.Transaction
	if err := json.Unmarshal(cmd.Data, &tx); err != nil {
		return fmt.Errorf("fedsim: unmarshal transaction: %w", err)
	}

	payload, err := json.Marshal(outcome{Status: "finalized"})
	if err != nil {
		return fmt.Errorf("fedsim: marshal outcome: %w", err)
	}

	txID := tx.ComputeTxID()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range tx.Outputs {
		f.outputs[outputKey(types.OutPoint{TxID: txID, Index: uint64(i)})] = payload
	}
	return nil
}

// snapshot is the on-disk form of fsm.outputs.
type snapshot struct {
	Outputs map[string][]byte
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make(map[string][]byte, len(f.outputs))
	for k, v := range f.outputs {
		copied[k] = v
	}
	return &snapshot{Outputs: copied}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("fedsim: decode snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = snap.Outputs
	return nil
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *snapshot) Release() {}

// Package database implements the transactional, per-module-isolated
// key-value store abstraction of spec.md §4.B, backed by
// go.etcd.io/bbolt: one process-local file, one bucket holding every
// key, module isolation enforced by key-prefix discipline rather than a
// fixed per-entity-kind bucket layout, since this store has to hold
// arbitrarily many module-defined entity kinds.
package database

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cuemby/fedimint-client/pkg/fmerrors"
	"github.com/cuemby/fedimint-client/pkg/log"
	"github.com/cuemby/fedimint-client/pkg/metrics"
	"github.com/cuemby/fedimint-client/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var rootBucket = []byte("fedimint")

// ErrRetryable is returned by an Autocommit closure to request that the
// whole closure be re-run against a fresh transaction. This is the only
// condition Autocommit treats as "optimistic-concurrency failure"; see
// DESIGN.md for why bbolt's single-writer model makes genuine
// lost-update conflicts impossible within one process, and why the
// retry loop is kept anyway.
var ErrRetryable = errors.New("database: retryable conflict")

// Database is the top-level handle. One Database backs one client.
type Database struct {
	db *bolt.DB
}

// Open creates or opens the bbolt-backed store at dataDir/client.db.
func Open(dataDir string) (*Database, error) {
	path := filepath.Join(dataDir, "client.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create root bucket: %w", err)
	}
	return &Database{db: db}, nil
}

// Close releases the underlying file handle.
func (d *Database) Close() error {
	return d.db.Close()
}

// Transaction is a single ordered key-range transaction. Reads observe
// a consistent snapshot; writes are visible to subsequent reads within
// the same Transaction (invariant of bbolt's *bolt.Tx, carried through
// unchanged).
type Transaction struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
}

// WithModulePrefix returns a view of this transaction restricted to keys
// belonging to one module instance. Every key written or read through
// the returned ModuleView is prefixed with the instance id; attempts to
// reach outside that prefix fail ensure_isolated (see isolation.go).
func (t *Transaction) WithModulePrefix(instanceID types.ModuleInstanceID) *ModuleView {
	return &ModuleView{tx: t, instanceID: instanceID, prefix: modulePrefix(instanceID)}
}

func modulePrefix(id types.ModuleInstanceID) []byte {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, uint16(id))
	return p
}

// AutocommitOptions tunes retry behavior. The zero value retries
// unboundedly, matching the spec's stated default.
type AutocommitOptions struct {
	// MaxAttempts caps retries; 0 means unbounded.
	MaxAttempts int
}

// Autocommit runs f to completion against a fresh Transaction each
// attempt, committing on success. If f returns ErrRetryable (wrapped or
// bare), a new Transaction is opened and f is re-run. Any other error
// from f is returned unchanged, wrapped as *fmerrors.ClosureError so
// callers can tell a closure-level failure from a storage-level one.
//
// This implements the single surface chosen for the spec's open
// question about module_autocommit vs module_autocommit_2 (see
// DESIGN.md): CommitFailed is the only thing this function ever treats
// as fatal, and it is returned, not panicked: callers driving the
// executor's own transition application are expected to panic on it
// themselves, per spec.md §7, since for them it is a programming-error
// signal; the same primitive is safe to call from modules that want the
// error returned to the user.
func Autocommit[T any](ctx context.Context, d *Database, f func(*Transaction) (T, error), opts ...AutocommitOptions) (T, error) {
	var zero T
	var maxAttempts int
	if len(opts) > 0 {
		maxAttempts = opts[0].MaxAttempts
	}

	attempts := 0
	var lastErr error
	for {
		attempts++
		timer := metrics.NewTimer()
		var result T
		var closureErr error
		commitErr := d.db.Update(func(btx *bolt.Tx) error {
			b := btx.Bucket(rootBucket)
			txn := &Transaction{tx: btx, bucket: b}
			result, closureErr = f(txn)
			if closureErr != nil {
				// Returning an error here aborts the bbolt transaction
				// (no partial writes survive), mirroring "closure
				// errors are propagated unchanged" for writes attempted
				// before the error.
				return closureErr
			}
			return nil
		})
		timer.ObserveDuration(metrics.DBTransactionDuration)

		if commitErr == nil {
			return result, nil
		}

		if errors.Is(commitErr, ErrRetryable) {
			lastErr = commitErr
			metrics.DBCommitRetriesTotal.Inc()
			if maxAttempts > 0 && attempts >= maxAttempts {
				metrics.DBCommitFailuresTotal.Inc()
				return zero, &fmerrors.CommitFailed{Attempts: attempts, Last: lastErr}
			}
			log.WithComponent("database").Debug().Int("attempt", attempts).Msg("autocommit retrying after conflict")
			continue
		}

		// A commit that failed without a closure error is a storage-level
		// failure, not a ClosureError.
		if closureErr == nil {
			return zero, fmt.Errorf("database: commit: %w", commitErr)
		}

		// Any other closure error is returned transparently.
		return zero, &fmerrors.ClosureError{Err: closureErr}
	}
}

// View runs a read-only closure against a snapshot transaction.
func View[T any](d *Database, f func(*Transaction) (T, error)) (T, error) {
	var zero T
	var result T
	var closureErr error
	err := d.db.View(func(btx *bolt.Tx) error {
		b := btx.Bucket(rootBucket)
		txn := &Transaction{tx: btx, bucket: b}
		result, closureErr = f(txn)
		return nil
	})
	if err != nil {
		return zero, fmt.Errorf("database view: %w", err)
	}
	if closureErr != nil {
		return zero, &fmerrors.ClosureError{Err: closureErr}
	}
	return result, nil
}

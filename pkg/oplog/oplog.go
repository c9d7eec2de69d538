// Package oplog implements the append-only operation log of spec.md
// §4.C: one row per user-visible operation, keyed by operation id.
// Each row records its module kind, so a query with the wrong kind
// returns OperationKindMismatch instead of silently matching. Listing by
// kind uses dedicated kind-index keys (prefix 0x02) rather than a linear
// scan, since operation logs are expected to grow large.
package oplog

import (
	"encoding/json"
	"time"

	"github.com/cuemby/fedimint-client/pkg/database"
	"github.com/cuemby/fedimint-client/pkg/fmerrors"
	"github.com/cuemby/fedimint-client/pkg/metrics"
	"github.com/cuemby/fedimint-client/pkg/types"
)

// moduleInstanceID is the reserved instance id the operation log uses
// for its own bbolt key prefix, distinct from any real module's id
// space (real instance ids are assigned at federation init and are
// opaque to this package).
const moduleInstanceID = types.ModuleInstanceID(0xFFFF)

const (
	prefixEntry = byte(0x01)
	prefixKind  = byte(0x02)
)

type storedEntry struct {
	ModuleKind string    `json:"module_kind"`
	TypeTag    string    `json:"type_tag"`
	Meta       []byte    `json:"meta"`
	CreatedAt  time.Time `json:"created_at"`
}

// AddEntryDbtx writes one operation log entry within the caller's
// transaction. It fails with fmerrors.ErrOperationExists if an entry for
// this operation id already exists: the log is write-once per op id.
func AddEntryDbtx(tx *database.Transaction, opID types.OperationID, kind types.ModuleKind, typeTag string, meta []byte, now time.Time) error {
	view := tx.WithModulePrefix(moduleInstanceID)

	entryKey := entryKey(opID)
	if _, ok, err := view.Get(entryKey); err != nil {
		return err
	} else if ok {
		return fmerrors.ErrOperationExists
	}

	stored := storedEntry{ModuleKind: string(kind), TypeTag: typeTag, Meta: meta, CreatedAt: now}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := view.Put(entryKey, data); err != nil {
		return err
	}
	if err := view.Put(kindIndexKey(kind, opID), nil); err != nil {
		return err
	}
	metrics.OperationLogEntriesTotal.WithLabelValues(string(kind)).Inc()
	return nil
}

// Exists reports whether an entry for opID has ever been written. This
// is the idempotency gate used by manual_operation_start and by
// content-addressed send/receive flows.
func Exists(tx *database.Transaction, opID types.OperationID) (bool, error) {
	view := tx.WithModulePrefix(moduleInstanceID)
	_, ok, err := view.Get(entryKey(opID))
	return ok, err
}

// Get reads back one entry, verifying it belongs to expectedKind if
// expectedKind is non-empty. A mismatch returns OperationKindMismatch
// rather than silently returning the wrong module's data.
func Get(tx *database.Transaction, opID types.OperationID, expectedKind types.ModuleKind) (types.OperationLogEntry, error) {
	view := tx.WithModulePrefix(moduleInstanceID)
	data, ok, err := view.Get(entryKey(opID))
	if err != nil {
		return types.OperationLogEntry{}, err
	}
	if !ok {
		return types.OperationLogEntry{}, fmerrors.OperationNotFound(opID.String())
	}
	var stored storedEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return types.OperationLogEntry{}, err
	}
	if expectedKind != "" && types.ModuleKind(stored.ModuleKind) != expectedKind {
		return types.OperationLogEntry{}, fmerrors.OperationKindMismatch(opID.String(), string(expectedKind), stored.ModuleKind)
	}
	return types.OperationLogEntry{
		OperationID: opID,
		ModuleKind:  types.ModuleKind(stored.ModuleKind),
		TypeTag:     stored.TypeTag,
		Meta:        stored.Meta,
		CreatedAt:   stored.CreatedAt,
	}, nil
}

// ListByKind returns every operation id logged under kind, in the order
// bbolt's cursor yields them (lexicographic over the index key, which
// embeds the operation id after the kind).
func ListByKind(tx *database.Transaction, kind types.ModuleKind) ([]types.OperationID, error) {
	view := tx.WithModulePrefix(moduleInstanceID)
	prefix := append([]byte{prefixKind}, []byte(kind)...)
	prefix = append(prefix, 0x00)

	var ids []types.OperationID
	err := view.Range(prefix, func(suffix, _ []byte) error {
		idBytes := suffix[len(prefix):]
		var id types.OperationID
		copy(id[:], idBytes)
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

func entryKey(opID types.OperationID) []byte {
	key := make([]byte, 0, 1+len(opID))
	key = append(key, prefixEntry)
	key = append(key, opID[:]...)
	return key
}

func kindIndexKey(kind types.ModuleKind, opID types.OperationID) []byte {
	key := make([]byte, 0, 1+len(kind)+1+len(opID))
	key = append(key, prefixKind)
	key = append(key, []byte(kind)...)
	key = append(key, 0x00)
	key = append(key, opID[:]...)
	return key
}

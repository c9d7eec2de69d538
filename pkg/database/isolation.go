package database

import (
	"bytes"
	"fmt"

	"github.com/cuemby/fedimint-client/pkg/types"
)

// ModuleView restricts a Transaction to the key range owned by one
// module instance. This is the ensure_isolated property of spec.md
// §4.B: every operation here either touches only keys under prefix, or
// returns an error.
type ModuleView struct {
	tx         *Transaction
	instanceID types.ModuleInstanceID
	prefix     []byte
}

// ensureIsolated verifies a fully-qualified key falls under this view's
// module prefix. Every Get, Put, Delete, and Range on the view calls it
// before touching the underlying bucket (spec.md §8 invariant 6).
func (v *ModuleView) ensureIsolated(key []byte) error {
	if !bytes.HasPrefix(key, v.prefix) {
		return fmt.Errorf("database: key %x escapes module %d prefix %x", key, v.instanceID, v.prefix)
	}
	return nil
}

func (v *ModuleView) fullKey(suffix []byte) []byte {
	key := make([]byte, 0, len(v.prefix)+len(suffix))
	key = append(key, v.prefix...)
	key = append(key, suffix...)
	return key
}

// Get reads the value stored under suffix within this module's prefix.
// The returned slice is a copy; bbolt's own slice is only valid for the
// lifetime of the transaction.
func (v *ModuleView) Get(suffix []byte) ([]byte, bool, error) {
	key := v.fullKey(suffix)
	if err := v.ensureIsolated(key); err != nil {
		return nil, false, err
	}
	val := v.tx.bucket.Get(key)
	if val == nil {
		return nil, false, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

// Put writes value under suffix within this module's prefix.
func (v *ModuleView) Put(suffix, value []byte) error {
	key := v.fullKey(suffix)
	if err := v.ensureIsolated(key); err != nil {
		return err
	}
	return v.tx.bucket.Put(key, value)
}

// Delete removes the value stored under suffix.
func (v *ModuleView) Delete(suffix []byte) error {
	key := v.fullKey(suffix)
	if err := v.ensureIsolated(key); err != nil {
		return err
	}
	return v.tx.bucket.Delete(key)
}

// RangeFunc is called once per matching key/value pair during Range. The
// slices are only valid for the duration of the call.
type RangeFunc func(suffix, value []byte) error

// Range iterates every key under this module's prefix whose suffix
// starts with suffixPrefix, in ascending key order (bbolt cursors are
// naturally ordered, giving the "ordered key-range transactions" of
// spec.md §4.B).
func (v *ModuleView) Range(suffixPrefix []byte, fn RangeFunc) error {
	searchPrefix := v.fullKey(suffixPrefix)
	c := v.tx.bucket.Cursor()
	for k, val := c.Seek(searchPrefix); k != nil && bytes.HasPrefix(k, searchPrefix); k, val = c.Next() {
		if err := v.ensureIsolated(k); err != nil {
			return err
		}
		suffix := k[len(v.prefix):]
		suffixCopy := make([]byte, len(suffix))
		copy(suffixCopy, suffix)
		valCopy := make([]byte, len(val))
		copy(valCopy, val)
		if err := fn(suffixCopy, valCopy); err != nil {
			return err
		}
	}
	return nil
}

// InstanceID returns the module instance id this view is scoped to.
func (v *ModuleView) InstanceID() types.ModuleInstanceID { return v.instanceID }

// Package types holds the wire- and storage-level data model shared by
// every other package in this module: module identity, amounts,
// operation ids, outpoints, transactions, and invite codes. It is a
// dependency-free leaf that every other package imports.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ModuleInstanceID is a 16-bit identifier scoped to one federation; it
// maps to exactly one (kind, decoder, typed module) triple and is
// immutable after federation init.
type ModuleInstanceID uint16

func (id ModuleInstanceID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ModuleKind is a short ASCII tag such as "mint", "ln", "wallet".
// Distinct module instances may share a kind.
type ModuleKind string

// Amount is a quantity of millisatoshi. Arithmetic is explicit and
// integer-only rather than via floats.
type Amount int64

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return a + b }

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount { return a - b }

func (a Amount) String() string {
	return strconv.FormatInt(int64(a), 10) + "msat"
}

// OperationID is a 256-bit opaque handle chosen by the module that
// originates an operation; it serves as the idempotency key for every
// user-visible operation.
type OperationID [32]byte

// NewOperationIDFromHash derives a content-addressed operation id from
// arbitrary domain-unique bytes (e.g. a contract id), making retries of
// the same logical operation naturally idempotent.
func NewOperationIDFromHash(seed []byte) OperationID {
	return OperationID(sha256.Sum256(seed))
}

// RandomOperationID requires an external source of randomness; it is a
// thin typed wrapper so call sites never hand-roll the byte-slicing.
func RandomOperationID(random [32]byte) OperationID {
	return OperationID(random)
}

func (id OperationID) String() string { return hex.EncodeToString(id[:]) }

// ShortString returns the first 8 hex digits, matching the federation's
// fmt_short convention for compact logs.
func (id OperationID) ShortString() string {
	s := id.String()
	if len(s) < 8 {
		return s
	}
	return s[:8]
}

// ParseOperationID decodes a hex-encoded operation id.
func ParseOperationID(s string) (OperationID, error) {
	var id OperationID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse operation id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("parse operation id: expected %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// TransactionID identifies a submitted transaction. The exact hash
// function is a federation protocol constant; this module computes it
// deterministically over the canonical (inputs, outputs) encoding.
type TransactionID [32]byte

func (id TransactionID) String() string { return hex.EncodeToString(id[:]) }

// OutPoint identifies one output of one transaction.
type OutPoint struct {
	TxID  TransactionID
	Index uint64
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Index)
}

// DynInput is the type-erased wire form of one module input: the
// instance id selecting its decoder, plus the module-opaque payload
// bytes. The enclosing transaction encoding (length-prefixing, framing)
// is a federation protocol detail out of scope here; DynInput only
// carries what this module needs to dispatch and decode.
type DynInput struct {
	ModuleInstanceID ModuleInstanceID
	Payload          []byte
}

// DynOutput is the output-side counterpart of DynInput.
type DynOutput struct {
	ModuleInstanceID ModuleInstanceID
	Payload          []byte
}

// Transaction is (inputs[], outputs[], aggregate signature). A
// transaction is balanced iff the sum of input amounts and fees equals
// the sum of output amounts and fees (spec.md §3).
type Transaction struct {
	Inputs    []DynInput
	Outputs   []DynOutput
	Signature []byte
}

// CanonicalBytes returns the deterministic encoding over which the
// transaction id is computed: length-prefixed module instance id plus
// payload, per input then per output. This is a module-internal
// convenience, not the federation's binding wire format.
func (t *Transaction) CanonicalBytes() []byte {
	var buf []byte
	putUint16 := func(v uint16) {
		buf = append(buf, byte(v>>8), byte(v))
	}
	putUint32 := func(v uint32) {
		buf = append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	putUint16(uint16(len(t.Inputs)))
	for _, in := range t.Inputs {
		putUint16(uint16(in.ModuleInstanceID))
		putUint32(uint32(len(in.Payload)))
		buf = append(buf, in.Payload...)
	}
	putUint16(uint16(len(t.Outputs)))
	for _, out := range t.Outputs {
		putUint16(uint16(out.ModuleInstanceID))
		putUint32(uint32(len(out.Payload)))
		buf = append(buf, out.Payload...)
	}
	return buf
}

// ComputeTxID hashes the canonical encoding with SHA-256.
func (t *Transaction) ComputeTxID() TransactionID {
	return TransactionID(sha256.Sum256(t.CanonicalBytes()))
}

// OperationLogEntry is an append-only record of a user-visible
// operation (spec.md §3). Entries are never mutated after creation.
type OperationLogEntry struct {
	OperationID OperationID
	ModuleKind  ModuleKind
	TypeTag     string
	Meta        []byte
	CreatedAt   time.Time
}

// InviteCode grants a client enough information to fetch a federation's
// config: the connection URL of the guardian that issued the invite,
// that guardian's id, the federation id, and an optional API secret.
type InviteCode struct {
	URL          string
	GuardianID   uint16
	FederationID string
	APISecret    string
}

// Encode prints the invite code as a single compact token: colon-joined
// fields with the optional secret last. The URL is query-escaped so the
// colons of its scheme and port do not split it.
func (c InviteCode) Encode() string {
	fields := []string{url.QueryEscape(c.URL), strconv.FormatUint(uint64(c.GuardianID), 10), c.FederationID}
	if c.APISecret != "" {
		fields = append(fields, c.APISecret)
	}
	return strings.Join(fields, ":")
}

// ParseInviteCode parses the token produced by Encode.
func ParseInviteCode(token string) (InviteCode, error) {
	parts := strings.Split(token, ":")
	if len(parts) < 3 {
		return InviteCode{}, errors.New("invite code: expected at least url:guardian_id:federation_id")
	}
	guardianID, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return InviteCode{}, fmt.Errorf("invite code: bad guardian id: %w", err)
	}
	rawURL, err := url.QueryUnescape(parts[0])
	if err != nil {
		return InviteCode{}, fmt.Errorf("invite code: bad url: %w", err)
	}
	code := InviteCode{
		URL:          rawURL,
		GuardianID:   uint16(guardianID),
		FederationID: parts[2],
	}
	if len(parts) > 3 {
		code.APISecret = parts[3]
	}
	return code, nil
}

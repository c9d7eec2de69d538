// Package transport declares the federation transport interface
// consumed (never implemented) by this module, per spec.md §6. The
// only first-party implementation in this repo is internal/fedsim, a
// single-process test double; a production client would plug in a
// networked implementation without this package changing.
package transport

import (
	"context"
	"errors"

	"github.com/cuemby/fedimint-client/pkg/types"
)

// Typed errors a Federation response may carry, per spec.md §6.
var (
	ErrNotFound    = errors.New("federation: not found")
	ErrBadRequest  = errors.New("federation: bad request")
	ErrServerError = errors.New("federation: server error")
)

// Federation is the request-response interface over which signed
// transactions are submitted, outpoints are polled for output outcomes,
// and module-specific queries are issued.
type Federation interface {
	// SubmitTransaction sends a fully signed, balanced transaction to
	// the federation. A rejection surfaces as *fmerrors.TransactionRejected.
	SubmitTransaction(ctx context.Context, tx types.Transaction) error

	// AwaitOutPoint blocks until the federation has finalized the given
	// output, returning the module-specific outcome payload it attaches.
	AwaitOutPoint(ctx context.Context, outPoint types.OutPoint) ([]byte, error)

	// Query issues a module-specific read (e.g. contract expiration) to
	// the instance identified by instanceID.
	Query(ctx context.Context, instanceID types.ModuleInstanceID, request []byte) ([]byte, error)
}

// Package clientctx implements the per-module facade (ClientContext<M>)
// that a module's typed code calls into, plus the top-level Client that
// owns every runtime component and is the strong side of the weak
// back-reference a Context borrows. Construction builds every
// sub-component first and wires cross-references last.
package clientctx

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/fedimint-client/internal/weakref"
	"github.com/cuemby/fedimint-client/pkg/database"
	"github.com/cuemby/fedimint-client/pkg/executor"
	"github.com/cuemby/fedimint-client/pkg/fmerrors"
	"github.com/cuemby/fedimint-client/pkg/notifier"
	"github.com/cuemby/fedimint-client/pkg/oplog"
	"github.com/cuemby/fedimint-client/pkg/registry"
	"github.com/cuemby/fedimint-client/pkg/transport"
	"github.com/cuemby/fedimint-client/pkg/txbuilder"
	"github.com/cuemby/fedimint-client/pkg/types"
)

// Client owns every long-lived runtime component for one federation
// membership. It is the strong side of the back-reference every
// Context[M] holds weakly; Shutdown invalidates that reference so a
// Context used after shutdown fails cleanly instead of touching a
// half-torn-down Client.
type Client struct {
	db         *database.Database
	registry   *registry.Registry
	executor   *executor.Executor
	notifier   *notifier.Notifier
	txbuilder  *txbuilder.Service
	federation transport.Federation

	invite  types.InviteCode
	configs map[types.ModuleInstanceID][]byte

	backref *weakref.Cell[Client]
}

// NewClient wires the runtime components together: registry and
// database are caller-supplied (modules must already be registered),
// the executor and notifier are constructed fresh, and the transaction
// builder is bound to primaryInstanceID. The back-reference cell is set
// once, here, and never again.
func NewClient(db *database.Database, reg *registry.Registry, federation transport.Federation, primaryInstanceID types.ModuleInstanceID, invite types.InviteCode, configs map[types.ModuleInstanceID][]byte) *Client {
	notif := notifier.New()
	exec := executor.New(db, reg, notif)
	txb := txbuilder.New(db, reg, exec, federation, primaryInstanceID)

	c := &Client{
		db:         db,
		registry:   reg,
		executor:   exec,
		notifier:   notif,
		txbuilder:  txb,
		federation: federation,
		invite:     invite,
		configs:    configs,
	}
	c.backref = weakref.New[Client]()
	c.backref.Set(c)
	return c
}

// Run recovers and drives every active state until ctx is cancelled.
// Call it once, typically in its own goroutine.
func (c *Client) Run(ctx context.Context) error {
	return c.executor.Run(ctx)
}

// Shutdown invalidates the back-reference every Context[M] holds. Any
// in-flight Context call that already upgraded the reference completes
// normally; any call made afterward fails with weakref.ErrInvalidated
// instead of touching a Client that may be mid-teardown.
func (c *Client) Shutdown() {
	c.backref.Invalidate()
}

// Close releases the underlying database handle. Call after Shutdown.
func (c *Client) Close() error {
	return c.db.Close()
}

// Ping verifies the underlying database is still readable, for use by
// pkg/opsrv's readiness check.
func (c *Client) Ping() error {
	_, err := database.View(c.db, func(tx *database.Transaction) (struct{}, error) {
		return struct{}{}, nil
	})
	return err
}

// ActiveStateCount reports how many state machines the executor
// currently has in flight, for pkg/opsrv's readiness diagnostics.
func (c *Client) ActiveStateCount() (int, error) {
	states, err := c.executor.GetActiveStates(func(executor.State) bool { return true })
	if err != nil {
		return 0, err
	}
	return len(states), nil
}

// Context is the typed per-module facade a module's own code calls
// into. It never stores a strong pointer to Client: every method
// upgrades the weak back-reference for the duration of that single
// call, per spec.md §9.
type Context[M any] struct {
	client     *weakref.Cell[Client]
	instanceID types.ModuleInstanceID
}

// NewContext returns the facade for the module registered at
// instanceID. c's backref is shared, not copied: invalidating c
// invalidates every Context built from it.
func NewContext[M any](c *Client, instanceID types.ModuleInstanceID) *Context[M] {
	return &Context[M]{client: c.backref, instanceID: instanceID}
}

func (ctx *Context[M]) upgrade() (*Client, error) {
	return ctx.client.Get()
}

// MakeDynInput tags a module-encoded input payload with this module's
// instance id.
func (ctx *Context[M]) MakeDynInput(payload []byte) types.DynInput {
	return types.DynInput{ModuleInstanceID: ctx.instanceID, Payload: payload}
}

// MakeDynOutput tags a module-encoded output payload with this module's
// instance id.
func (ctx *Context[M]) MakeDynOutput(payload []byte) types.DynOutput {
	return types.DynOutput{ModuleInstanceID: ctx.instanceID, Payload: payload}
}

// ModuleAutocommit runs f against a view of the database restricted to
// this module's key prefix, retrying on ErrRetryable exactly as
// database.Autocommit does.
func ModuleAutocommit[M, T any](ctx context.Context, mc *Context[M], f func(*database.ModuleView) (T, error)) (T, error) {
	var zero T
	cli, err := mc.upgrade()
	if err != nil {
		return zero, err
	}
	return database.Autocommit(ctx, cli.db, func(tx *database.Transaction) (T, error) {
		return f(tx.WithModulePrefix(mc.instanceID))
	})
}

// ManualOperationStart writes an operation-log entry and seeds the given
// states in one transaction, without building or submitting a
// transaction. It is idempotent in opID: a repeat call returns
// fmerrors.ErrOperationExists and leaves state unchanged.
func (ctx *Context[M]) ManualOperationStart(c context.Context, opID types.OperationID, typeTag string, meta []byte, seedStates []executor.State) error {
	cli, err := ctx.upgrade()
	if err != nil {
		return err
	}
	mod, err := cli.registry.Get(ctx.instanceID)
	if err != nil {
		return err
	}
	handles, err := database.Autocommit(c, cli.db, func(tx *database.Transaction) ([]executor.Handle, error) {
		if err := oplog.AddEntryDbtx(tx, opID, mod.Kind(), typeTag, meta, time.Now()); err != nil {
			return nil, err
		}
		return cli.executor.AddStateMachinesDbtx(tx, seedStates)
	})
	if err != nil {
		return err
	}
	cli.executor.Start(c, handles)
	return nil
}

// FinalizeAndSubmitTransaction delegates to the client's transaction
// builder, per spec.md §4.E.
func (ctx *Context[M]) FinalizeAndSubmitTransaction(c context.Context, opID types.OperationID, typeTag string, meta []byte, builder *txbuilder.Builder) (types.TransactionID, []types.OutPoint, error) {
	cli, err := ctx.upgrade()
	if err != nil {
		return types.TransactionID{}, nil, err
	}
	return cli.txbuilder.FinalizeAndSubmitTransaction(c, opID, typeTag, meta, builder)
}

// GetOwnActiveStates returns every active state belonging to this
// module instance.
func (ctx *Context[M]) GetOwnActiveStates() ([]executor.State, error) {
	cli, err := ctx.upgrade()
	if err != nil {
		return nil, err
	}
	return cli.executor.GetActiveStates(func(s executor.State) bool {
		return s.ModuleInstanceID() == ctx.instanceID
	})
}

// OperationExists reports whether an operation-log entry exists for
// opID, regardless of which module logged it.
func (ctx *Context[M]) OperationExists(opID types.OperationID) (bool, error) {
	cli, err := ctx.upgrade()
	if err != nil {
		return false, err
	}
	return database.View(cli.db, func(tx *database.Transaction) (bool, error) {
		return oplog.Exists(tx, opID)
	})
}

// GlobalDB returns the shared database handle. Modules should prefer
// ModuleAutocommit for isolated access; GlobalDB exists for the rare
// cross-module read a module author has explicitly reasoned about.
func (ctx *Context[M]) GlobalDB() (*database.Database, error) {
	cli, err := ctx.upgrade()
	if err != nil {
		return nil, err
	}
	return cli.db, nil
}

// Subscribe returns a notifier subscription for opID.
func (ctx *Context[M]) Subscribe(opID types.OperationID) (*notifier.Subscription, error) {
	cli, err := ctx.upgrade()
	if err != nil {
		return nil, err
	}
	return cli.notifier.Subscribe(opID), nil
}

// GetConfig returns the raw configuration bytes this module was
// initialized with.
func (ctx *Context[M]) GetConfig() ([]byte, error) {
	cli, err := ctx.upgrade()
	if err != nil {
		return nil, err
	}
	cfg, ok := cli.configs[ctx.instanceID]
	if !ok {
		return nil, fmt.Errorf("clientctx: no config for module instance %d: %w", ctx.instanceID, fmerrors.ErrModuleNotFound)
	}
	return cfg, nil
}

// GetInviteCode returns the federation invite code the client was
// constructed with.
func (ctx *Context[M]) GetInviteCode() (types.InviteCode, error) {
	cli, err := ctx.upgrade()
	if err != nil {
		return types.InviteCode{}, err
	}
	return cli.invite, nil
}

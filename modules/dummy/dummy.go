// Package dummy is a minimal demonstration module grounded on
// original_source/modules/fedimint-dummy-client. It supports being the
// primary module (fee balancing against an internal funds counter) and
// exercises the full client stack end to end: SendMoney builds and
// submits a balanced transaction through pkg/txbuilder, seeding a
// three-state machine (Created -> AwaitingConfirmation ->
// {Success,Failed}) that pkg/executor drives to completion by racing a
// federation-confirmation await against a timeout.
package dummy

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/fedimint-client/pkg/clientctx"
	"github.com/cuemby/fedimint-client/pkg/database"
	"github.com/cuemby/fedimint-client/pkg/executor"
	"github.com/cuemby/fedimint-client/pkg/fmerrors"
	"github.com/cuemby/fedimint-client/pkg/registry"
	"github.com/cuemby/fedimint-client/pkg/transport"
	"github.com/cuemby/fedimint-client/pkg/txbuilder"
	"github.com/cuemby/fedimint-client/pkg/types"
)

// Kind identifies this module's instances in the registry and oplog.
const Kind types.ModuleKind = "dummy"

// internalAccount names the module's own funds, as opposed to money
// owed to an external account. There is no real key-ownership scheme
// here (spec.md's cryptographic non-goals), just a label.
const internalAccount = "federation"

// confirmationTimeout bounds how long AwaitingConfirmation waits on the
// federation before giving up and moving to Failed.
const confirmationTimeout = 30 * time.Second

// Input is consumed from an account's balance.
type Input struct {
	Amount  types.Amount
	Account string
}

// Output credits an account's balance.
type Output struct {
	Amount  types.Amount
	Account string
}

// Backup is the module's exported recovery state: just its own balance,
// since this module tracks no per-output secrets.
type Backup struct {
	Balance types.Amount
}

type outcome struct {
	Status string `json:"status"`
}

// Module implements registry.TypedModule[Input, Output, *State, Backup].
type Module struct {
	instanceID types.ModuleInstanceID
	db         *database.Database
	federation transport.Federation
}

// New returns a Module for instanceID. db and federation are shared with
// the rest of the client; Module keeps only the references it needs
// directly (balance reads/writes and awaiting its own submissions), not
// a clientctx.Context: this module builds transactions through
// pkg/txbuilder directly via the helper methods below, which do take a
// *clientctx.Context[*Module] so that finalize-and-submit goes through
// the client's idempotency and executor wiring.
func New(instanceID types.ModuleInstanceID, db *database.Database, federation transport.Federation) *Module {
	return &Module{instanceID: instanceID, db: db, federation: federation}
}

// Register wraps m in a registry.DynModule handle, using a custom state
// codec so that states rehydrated from storage (after a crash) get
// m.federation wired back in before their transitions are evaluated.
func Register(reg *registry.Registry, m *Module) error {
	handle := registry.NewHandleWithCodecs[Input, Output, *State, Backup](
		m.instanceID, m,
		registry.JSONCodec[Input]{},
		registry.JSONCodec[Output]{},
		stateCodec{federation: m.federation},
		registry.JSONCodec[Backup]{},
	)
	return reg.Register(handle)
}

var _ registry.TypedModule[Input, Output, *State, Backup] = (*Module)(nil)

func (m *Module) Kind() types.ModuleKind { return Kind }

func (m *Module) InputFee(Input) (types.Amount, bool)   { return 0, true }
func (m *Module) OutputFee(Output) (types.Amount, bool) { return 0, true }

func (m *Module) SupportsBeingPrimary() bool { return true }

// CreateFinalInputsAndOutputs performs primary-module fee balancing
// against the module's own funds counter, per the Ordering match in
// original_source/modules/fedimint-dummy-client/src/lib.rs: short
// transactions pull from the module's balance, long transactions return
// the surplus as change. The balance write happens in tx, the caller's
// transaction, so it commits atomically with everything else
// pkg/txbuilder.FinalizeAndSubmitTransaction writes.
func (m *Module) CreateFinalInputsAndOutputs(ctx context.Context, tx *database.Transaction, opID types.OperationID, inSum, outSum types.Amount) ([]Input, []Output, error) {
	view := tx.WithModulePrefix(m.instanceID)
	balance, err := readBalance(view)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case inSum < outSum:
		missing := outSum.Sub(inSum)
		if balance < missing {
			return nil, nil, fmerrors.InsufficientFunds(int64(missing.Sub(balance)))
		}
		if err := writeBalance(view, balance.Sub(missing)); err != nil {
			return nil, nil, err
		}
		return []Input{{Amount: missing, Account: internalAccount}}, nil, nil
	case inSum > outSum:
		change := inSum.Sub(outSum)
		if err := writeBalance(view, balance.Add(change)); err != nil {
			return nil, nil, err
		}
		if err := writeCredit(view, opID, change); err != nil {
			return nil, nil, err
		}
		return nil, []Output{{Amount: change, Account: internalAccount}}, nil
	default:
		return nil, nil, nil
	}
}

// AwaitPrimaryModuleOutput waits for the federation to finalize
// outPoint, then returns the amount this module credited its own
// balance for that operation. The credit itself already happened
// synchronously inside CreateFinalInputsAndOutputs, recorded under
// opID; this only confirms the transaction was not rejected and looks
// that recorded amount back up.
func (m *Module) AwaitPrimaryModuleOutput(ctx context.Context, opID types.OperationID, outPoint types.OutPoint) (types.Amount, error) {
	payload, err := m.federation.AwaitOutPoint(ctx, outPoint)
	if err != nil {
		return 0, err
	}
	var oc outcome
	if err := json.Unmarshal(payload, &oc); err != nil {
		return 0, fmt.Errorf("dummy: decode outcome: %w", err)
	}
	if oc.Status != "finalized" {
		return 0, fmt.Errorf("dummy: output %s not finalized: %s", outPoint, oc.Status)
	}
	return database.View(m.db, func(tx *database.Transaction) (types.Amount, error) {
		return readCredit(tx.WithModulePrefix(m.instanceID), opID)
	})
}

func (m *Module) GetBalance(tx *database.Transaction) (types.Amount, error) {
	return readBalance(tx.WithModulePrefix(m.instanceID))
}

// SubscribeBalanceChanges has no dedicated signal in this module: a
// caller that needs balance-change notification should re-read
// GetBalance after any operation it knows touched this module. The
// returned channel is never written to or closed; per spec.md this
// capability is optional and an always-quiet channel is a documented
// no-op, not a resource leak, since it is never selected on unbuffered
// in this module's own code.
func (m *Module) SubscribeBalanceChanges() <-chan struct{} {
	return make(chan struct{})
}

func (m *Module) Backup(tx *database.Transaction) (Backup, error) {
	balance, err := readBalance(tx.WithModulePrefix(m.instanceID))
	if err != nil {
		return Backup{}, err
	}
	return Backup{Balance: balance}, nil
}

func (m *Module) Leave(ctx context.Context) error { return nil }

// SendMoney builds a transaction with one Output paying account, lets
// the primary balancing pull the funds from this module's own balance
// (this module is always primary when it submits its own transactions
// in the demos and tests that exercise it), and submits it through cc.
// It returns the operation id and the OutPoint carrying the payment so
// the caller can track or await it.
func SendMoney(ctx context.Context, cc *clientctx.Context[*Module], m *Module, account string, amount types.Amount) (types.OperationID, types.OutPoint, error) {
	opID, err := randomOperationID()
	if err != nil {
		return types.OperationID{}, types.OutPoint{}, err
	}

	payload, err := json.Marshal(Output{Amount: amount, Account: account})
	if err != nil {
		return types.OperationID{}, types.OutPoint{}, fmt.Errorf("dummy: encode output: %w", err)
	}

	builder := txbuilder.NewBuilder().AddOutput(txbuilder.ClientOutput{
		ModuleInstanceID: m.instanceID,
		Amount:           amount,
		Payload:          payload,
		StateMachines: func(txID types.TransactionID, index uint64) ([]executor.State, error) {
			outPoint := types.OutPoint{TxID: txID, Index: index}
			return []executor.State{newCreatedState(m.instanceID, opID, amount, account, outPoint, m.federation)}, nil
		},
	})

	_, outPoints, err := cc.FinalizeAndSubmitTransaction(ctx, opID, "send_money", nil, builder)
	if err != nil {
		return types.OperationID{}, types.OutPoint{}, err
	}
	return opID, outPoints[0], nil
}

// PrintMoney deposits amount into m's own balance by claiming it from a
// fixed test-faucet account that no real federation would recognize as
// valid; it exists only so tests and local demos can fund a wallet
// without a running mint. CreateFinalInputsAndOutputs sees inSum >
// outSum for this transaction and returns the matching change output
// crediting m's balance, exactly as it would for genuine change from an
// overfunded payment. Grounded on
// original_source/modules/fedimint-dummy-client's print_money/
// broken_fed_key_pair test faucet, simplified since this core has no
// signature scheme to forge or validate.
func PrintMoney(ctx context.Context, cc *clientctx.Context[*Module], m *Module, amount types.Amount) (types.OperationID, types.OutPoint, error) {
	opID, err := randomOperationID()
	if err != nil {
		return types.OperationID{}, types.OutPoint{}, err
	}

	payload, err := json.Marshal(Input{Amount: amount, Account: "test-faucet"})
	if err != nil {
		return types.OperationID{}, types.OutPoint{}, fmt.Errorf("dummy: encode input: %w", err)
	}

	builder := txbuilder.NewBuilder().AddInput(txbuilder.ClientInput{
		ModuleInstanceID: m.instanceID,
		Amount:           amount,
		Payload:          payload,
	})

	_, outPoints, err := cc.FinalizeAndSubmitTransaction(ctx, opID, "print_money", nil, builder)
	if err != nil {
		return types.OperationID{}, types.OutPoint{}, err
	}
	return opID, outPoints[0], nil
}

func randomOperationID() (types.OperationID, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return types.OperationID{}, fmt.Errorf("dummy: generate operation id: %w", err)
	}
	return types.RandomOperationID(seed), nil
}

var balanceKey = []byte("balance")

func readBalance(view *database.ModuleView) (types.Amount, error) {
	data, ok, err := view.Get(balanceKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var balance types.Amount
	if err := json.Unmarshal(data, &balance); err != nil {
		return 0, fmt.Errorf("dummy: decode balance: %w", err)
	}
	return balance, nil
}

func writeBalance(view *database.ModuleView, balance types.Amount) error {
	data, err := json.Marshal(balance)
	if err != nil {
		return fmt.Errorf("dummy: encode balance: %w", err)
	}
	return view.Put(balanceKey, data)
}

func creditKey(opID types.OperationID) []byte {
	return append([]byte("credit:"), opID[:]...)
}

func writeCredit(view *database.ModuleView, opID types.OperationID, amount types.Amount) error {
	data, err := json.Marshal(amount)
	if err != nil {
		return fmt.Errorf("dummy: encode credit: %w", err)
	}
	return view.Put(creditKey(opID), data)
}

func readCredit(view *database.ModuleView, opID types.OperationID) (types.Amount, error) {
	data, ok, err := view.Get(creditKey(opID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var amount types.Amount
	if err := json.Unmarshal(data, &amount); err != nil {
		return 0, fmt.Errorf("dummy: decode credit: %w", err)
	}
	return amount, nil
}

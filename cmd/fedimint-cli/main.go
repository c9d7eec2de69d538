// Command fedimint-cli is a cobra command tree for exercising a
// fedimint-client wallet against a local, single-process demonstration
// federation (internal/fedsim): a root command with persistent
// --log-level/--log-json/--config flags and one subcommand per wallet
// operation.
//
// Each invocation of this binary wipes the manifest's dataDir/fedsim
// directory and bootstraps its own throwaway federation there: the
// wallet's own balance and operation log persist across runs (in the
// bbolt file under the manifest's dataDir), but "federation-side" transaction finality
// is only ever demonstrated within a single command's lifetime. This
// is a demo CLI for the module runtime, not a real federation client.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/fedimint-client/internal/fedsim"
	"github.com/cuemby/fedimint-client/modules/dummy"
	"github.com/cuemby/fedimint-client/pkg/clientctx"
	"github.com/cuemby/fedimint-client/pkg/config"
	"github.com/cuemby/fedimint-client/pkg/database"
	"github.com/cuemby/fedimint-client/pkg/log"
	"github.com/cuemby/fedimint-client/pkg/registry"
	"github.com/cuemby/fedimint-client/pkg/types"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fedimint-cli",
	Short: "Demonstration wallet CLI for the fedimint-client module runtime",
	Long: `fedimint-cli drives a clientctx.Client against a local, single-process
demonstration federation, exercising the module runtime end to end:
transaction building, primary-module fee balancing, and the executor's
state-machine transitions.`,
	Version: "dev",
}

const dummyInstanceID = types.ModuleInstanceID(1)

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "client.yaml", "Path to the client manifest")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(balanceCmd, sendCmd, receiveCmd, awaitTxCmd, inviteCodeCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// wallet bundles the runtime a subcommand needs; Close tears it all
// down in construction-reverse order.
type wallet struct {
	client *clientctx.Client
	module *dummy.Module
	ctx    *clientctx.Context[*dummy.Module]
	fed    *fedsim.Federation
	cancel context.CancelFunc
}

func openWallet(cmd *cobra.Command) (*wallet, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	fedDir := cfg.DataDir + "/fedsim"
	if err := os.RemoveAll(fedDir); err != nil {
		return nil, fmt.Errorf("reset demonstration federation: %w", err)
	}
	fed, err := fedsim.New(cfg.NodeID, fedDir)
	if err != nil {
		return nil, fmt.Errorf("start demonstration federation: %w", err)
	}

	db, err := database.Open(cfg.DataDir + "/db")
	if err != nil {
		_ = fed.Shutdown()
		return nil, fmt.Errorf("open database: %w", err)
	}

	reg := registry.New()
	m := dummy.New(dummyInstanceID, db, fed)
	if err := dummy.Register(reg, m); err != nil {
		db.Close()
		_ = fed.Shutdown()
		return nil, fmt.Errorf("register dummy module: %w", err)
	}

	configs, err := cfg.ModuleConfigs()
	if err != nil {
		db.Close()
		_ = fed.Shutdown()
		return nil, fmt.Errorf("encode module configs: %w", err)
	}

	client := clientctx.NewClient(db, reg, fed, dummyInstanceID, cfg.InviteCode(), configs)
	runCtx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := client.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Errorf("executor run loop exited", err)
		}
	}()

	return &wallet{
		client: client,
		module: m,
		ctx:    clientctx.NewContext[*dummy.Module](client, dummyInstanceID),
		fed:    fed,
		cancel: cancel,
	}, nil
}

func (w *wallet) Close() {
	w.cancel()
	w.client.Shutdown()
	_ = w.client.Close()
	_ = w.fed.Shutdown()
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the dummy module's current balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWallet(cmd)
		if err != nil {
			return err
		}
		defer w.Close()

		db, err := w.ctx.GlobalDB()
		if err != nil {
			return fmt.Errorf("wallet unavailable: %w", err)
		}
		balance, err := database.View(db, func(tx *database.Transaction) (types.Amount, error) {
			return w.module.GetBalance(tx)
		})
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}

		fmt.Printf("Balance: %s\n", balance)
		return nil
	},
}

var receiveCmd = &cobra.Command{
	Use:   "receive AMOUNT",
	Short: "Credit the wallet from the demonstration test faucet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[0])
		if err != nil {
			return err
		}

		w, err := openWallet(cmd)
		if err != nil {
			return err
		}
		defer w.Close()

		ctx, cancelOp := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelOp()

		opID, outPoint, err := dummy.PrintMoney(ctx, w.ctx, w.module, amount)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		fmt.Printf("Operation: %s\n", opID)
		fmt.Printf("Out point: %s\n", outPoint)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send ACCOUNT AMOUNT",
	Short: "Pay amount to account and print the operation id and out point",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		account := args[0]
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}

		w, err := openWallet(cmd)
		if err != nil {
			return err
		}
		defer w.Close()

		ctx, cancelOp := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelOp()

		opID, outPoint, err := dummy.SendMoney(ctx, w.ctx, w.module, account, amount)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}

		fmt.Printf("Operation: %s\n", opID)
		fmt.Printf("Out point: %s\n", outPoint)
		return nil
	},
}

var awaitTxCmd = &cobra.Command{
	Use:   "await-tx TXID INDEX",
	Short: "Block until the federation finalizes one output of a transaction",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		outPoint, err := parseOutPoint(args[0], args[1])
		if err != nil {
			return err
		}

		w, err := openWallet(cmd)
		if err != nil {
			return err
		}
		defer w.Close()

		ctx, cancelOp := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelOp()

		payload, err := w.fed.AwaitOutPoint(ctx, outPoint)
		if err != nil {
			return fmt.Errorf("await-tx: %w", err)
		}

		fmt.Printf("Finalized: %s\n", string(payload))
		return nil
	},
}

var inviteCodeCmd = &cobra.Command{
	Use:   "invite-code",
	Short: "Print this wallet's configured federation invite code",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		fmt.Println(cfg.InviteCode().Encode())
		return nil
	},
}

func parseAmount(s string) (types.Amount, error) {
	var msat int64
	if _, err := fmt.Sscanf(s, "%d", &msat); err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return types.Amount(msat), nil
}

func parseOutPoint(txID, index string) (types.OutPoint, error) {
	raw, err := hex.DecodeString(txID)
	if err != nil || len(raw) != 32 {
		return types.OutPoint{}, fmt.Errorf("invalid transaction id %q", txID)
	}
	var id types.TransactionID
	copy(id[:], raw)

	var idx uint64
	if _, err := fmt.Sscanf(index, "%d", &idx); err != nil {
		return types.OutPoint{}, fmt.Errorf("invalid output index %q: %w", index, err)
	}
	return types.OutPoint{TxID: id, Index: idx}, nil
}

// iotchain is the chain-core CLI: initialise a data directory from a chain
// spec and import RLP-encoded block files into it.
package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/spf13/cobra"

	"github.com/sunlidong/iotchain/config"
	"github.com/sunlidong/iotchain/consensus"
	"github.com/sunlidong/iotchain/executor"
	"github.com/sunlidong/iotchain/storage"
	"github.com/sunlidong/iotchain/types"
)

var (
	Version = "dev"
	Commit  = "none"
)

func main() {
	var (
		dataDir   string
		chainSpec string
		verbosity string
	)

	rootCmd := &cobra.Command{
		Use:   "iotchain",
		Short: "iotchain block import core",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := log.LevelInfo
			if verbosity == "debug" {
				level = log.LevelDebug
			}
			log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, true)))
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&dataDir, "datadir", "iotchain-data", "chain database directory")
	rootCmd.PersistentFlags().StringVar(&chainSpec, "chainspec", "", "chain spec JSON file")
	rootCmd.PersistentFlags().StringVar(&verbosity, "verbosity", "info", "log level (info, debug)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("iotchain %s (%s)\n", Version, Commit)
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the genesis block of a chain spec into the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, history, err := openChain(chainSpec, dataDir)
			if err != nil {
				return err
			}
			defer history.DB().Close()

			genesis, err := executor.SetupGenesis(cfg, history)
			if err != nil {
				return err
			}
			fmt.Printf("genesis %s (state root %s)\n", genesis.Hash(), genesis.Header.StateRoot)
			return nil
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <blocks.rlp>",
		Short: "Import an RLP-encoded block file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, history, err := openChain(chainSpec, dataDir)
			if err != nil {
				return err
			}
			defer history.DB().Close()

			if _, err := executor.SetupGenesis(cfg, history); err != nil {
				return err
			}
			cons, err := consensus.New(cfg)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var blocks []*types.Block
			if err := rlp.DecodeBytes(data, &blocks); err != nil {
				return fmt.Errorf("decode block file: %w", err)
			}

			exec := executor.New(cfg, history, cons)
			imported := exec.ImportBlocks(blocks)
			fmt.Printf("imported %d of %d blocks\n", len(imported), len(blocks))

			best, err := history.GetBestBlock()
			if err != nil {
				return err
			}
			fmt.Printf("best block %d (%s)\n", best.Number(), best.Hash())
			return nil
		},
	}

	rootCmd.AddCommand(versionCmd, initCmd, importCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openChain(chainSpec, dataDir string) (*config.ChainConfig, *storage.History, error) {
	if chainSpec == "" {
		return nil, nil, fmt.Errorf("--chainspec is required")
	}
	cfg, err := config.LoadChainConfig(chainSpec)
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.NewLevelDBStore(dataDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, storage.NewHistory(db), nil
}

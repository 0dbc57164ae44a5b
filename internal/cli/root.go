// Package cli implements the sshmgr command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
	"github.com/ebowwa/mcp-ssh-manager/internal/database"
	"github.com/ebowwa/mcp-ssh-manager/internal/fleet"
	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
)

var (
	jsonOutput    bool
	inventoryFlag string
	dataFlag      string
	logLevelFlag  string
	autoAccept    bool
)

// fleetOptions is handed to fleet.New. Tests inject an in-memory database
// and inventory here.
var fleetOptions fleet.Options

var rootCmd = &cobra.Command{
	Use:   "sshmgr",
	Short: "Manage SSH connections to a fleet of servers",
	Long: `sshmgr keeps pooled SSH connections to the servers of an inventory
and runs commands, interactive sessions, tunnels and file transfers over them.

Settings come from SSHMGR_* environment variables; the flags below override
the most common ones. "sshmgr serve" exposes everything over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(); err != nil {
			return err
		}
		if inventoryFlag != "" {
			config.Cfg.Inventory = inventoryFlag
		}
		if dataFlag != "" {
			config.Cfg.DataPath = dataFlag
		}
		if logLevelFlag != "" {
			config.Cfg.LogLevel = logLevelFlag
		}
		if cmd.Flags().Changed("accept-new-hosts") {
			config.Cfg.AutoAcceptUnknownHosts = autoAccept
		}
		return logging.Init(logging.Config{
			Level:    config.Cfg.LogLevel,
			Format:   config.Cfg.LogFormat,
			FilePath: config.Cfg.LogPath,
			Output:   cmd.ErrOrStderr(),
		})
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")
	rootCmd.PersistentFlags().StringVar(&inventoryFlag, "inventory", "", "inventory file (overrides SSHMGR_INVENTORY)")
	rootCmd.PersistentFlags().StringVar(&dataFlag, "data", "", "data directory (overrides SSHMGR_DATA_PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "trace, debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&autoAccept, "accept-new-hosts", false, "trust host keys of servers seen for the first time")
}

// Execute runs the root command. main exits non-zero when it returns an
// error.
func Execute() error {
	return rootCmd.Execute()
}

// openDB returns the injected database or opens the configured one.
func openDB() (*gorm.DB, func(), error) {
	if fleetOptions.DB != nil {
		return fleetOptions.DB, func() {}, nil
	}
	if err := database.Init(config.Cfg.DatabasePath()); err != nil {
		return nil, nil, err
	}
	return database.DB, func() { database.Close() }, nil
}

// openFleet wires a fleet for one command. The returned cleanup closes every
// connection and the database.
func openFleet() (*fleet.Fleet, func(), error) {
	db, closeDB, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	opts := fleetOptions
	opts.DB = db
	f, err := fleet.New(config.Cfg, opts)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return f, func() {
		if err := f.Close(); err != nil {
			logging.Component("cli").Warn().Err(err).Msg("fleet shutdown")
		}
		closeDB()
	}, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

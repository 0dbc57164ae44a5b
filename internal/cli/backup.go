package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ebowwa/mcp-ssh-manager/internal/backup"
)

var fullRestore bool

func init() {
	rootCmd.AddCommand(backupCmd, restoreCmd)
	restoreCmd.Flags().BoolVar(&fullRestore, "full", false, "replace trusted keys and groups instead of merging")
}

var backupCmd = &cobra.Command{
	Use:   "backup [output-file]",
	Short: "Write trusted host keys and groups to a compressed JSON backup",
	Long: `Write trusted host keys and group definitions to a Zstandard-compressed
JSON file. Without an argument the file is named
sshmgr-backup-YYYY-MM-DD.json.zst. The suffix .zst is appended when missing.

Audit and command history are not included.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output := fmt.Sprintf("sshmgr-backup-%s.json.zst", time.Now().Format("2006-01-02"))
		if len(args) == 1 {
			output = args[0]
			if !strings.HasSuffix(output, ".zst") {
				output += ".zst"
			}
		}

		db, closeDB, err := openDB()
		if err != nil {
			return err
		}
		defer closeDB()

		data, err := backup.Export(cmd.Context(), db)
		if err != nil {
			return err
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("create backup file: %w", err)
		}
		if err := backup.Write(data, file); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("close backup file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %s\n", output, data.Summary())
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-file.zst>",
	Short: "Restore trusted host keys and groups from a backup",
	Long: `Restore trusted host keys and group definitions from a file written by
"sshmgr backup".

By default backup rows are merged into the current database, overwriting
rows with the same key. --full wipes both tables first.

Run restore while "sshmgr serve" is stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open backup file: %w", err)
		}
		defer file.Close()
		data, err := backup.Read(file)
		if err != nil {
			return err
		}

		db, closeDB, err := openDB()
		if err != nil {
			return err
		}
		defer closeDB()

		if err := backup.Restore(cmd.Context(), db, data, backup.RestoreOptions{Full: fullRestore}); err != nil {
			return err
		}
		mode := "merged"
		if fullRestore {
			mode = "replaced"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mode, data.Summary())
		return nil
	},
}

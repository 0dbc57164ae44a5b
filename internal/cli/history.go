package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
	"github.com/ebowwa/mcp-ssh-manager/internal/database"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshaudit"
)

var (
	historyLimit int

	auditServer string
	auditType   string
	auditSince  time.Duration
	auditLimit  int
	auditOffset int
	purgeDays   int
)

func init() {
	rootCmd.AddCommand(historyCmd, auditCmd)
	auditCmd.AddCommand(auditPurgeCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of entries")

	auditCmd.Flags().StringVar(&auditServer, "server", "", "only entries for this server")
	auditCmd.Flags().StringVar(&auditType, "type", "", "only entries of this event type")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "only entries newer than this, e.g. 24h")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "page size (max 1000)")
	auditCmd.Flags().IntVar(&auditOffset, "offset", 0, "entries to skip")
	auditPurgeCmd.Flags().IntVar(&purgeDays, "days", 0, "age in days (defaults to SSHMGR_AUDIT_RETENTION_DAYS)")
}

var historyCmd = &cobra.Command{
	Use:   "history [server]",
	Short: "Show recently run commands",
	Long: `Show recently run commands, newest first. Commands sent to interactive
sessions are included and tagged with their session ID.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server := ""
		if len(args) == 1 {
			server = args[0]
		}
		db, closeDB, err := openDB()
		if err != nil {
			return err
		}
		defer closeDB()

		entries, err := database.RecentCommands(db, server, historyLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), entries)
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			exit := strconv.Itoa(e.ExitCode)
			if e.Error != "" {
				exit = "error"
			}
			rows = append(rows, []string{
				formatTime(e.CreatedAt),
				e.Server,
				exit,
				(time.Duration(e.DurationMs) * time.Millisecond).String(),
				truncate(e.Command, 60),
			})
		}
		return writeTable(cmd.OutOrStdout(), []string{"TIME", "SERVER", "EXIT", "DURATION", "COMMAND"}, rows)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, closeDB, err := openDB()
		if err != nil {
			return err
		}
		defer closeDB()

		opts := sshaudit.QueryOptions{
			Server:    auditServer,
			EventType: auditType,
			Limit:     auditLimit,
			Offset:    auditOffset,
		}
		if auditSince > 0 {
			since := time.Now().Add(-auditSince)
			opts.Since = &since
		}
		res, err := sshaudit.NewAuditor(db, config.Cfg.AuditRetentionDays).Query(opts)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), res)
		}
		rows := make([][]string, 0, len(res.Entries))
		for _, e := range res.Entries {
			rows = append(rows, []string{formatTime(e.CreatedAt), e.Server, e.EventType, truncate(e.Details, 70)})
		}
		if err := writeTable(cmd.OutOrStdout(), []string{"TIME", "SERVER", "EVENT", "DETAILS"}, rows); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d entries\n", len(res.Entries), res.Total)
		return nil
	},
}

var auditPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete audit entries past the retention period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, closeDB, err := openDB()
		if err != nil {
			return err
		}
		defer closeDB()

		n, err := sshaudit.NewAuditor(db, config.Cfg.AuditRetentionDays).PurgeOlderThan(purgeDays)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d audit entries\n", n)
		return nil
	},
}

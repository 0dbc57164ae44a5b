package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ebowwa/mcp-ssh-manager/internal/sshlogs"
)

var (
	logsLines  int
	logsFollow bool
)

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", sshlogs.DefaultLines, "lines of history to print")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing new lines until interrupted")
}

var logsCmd = &cobra.Command{
	Use:   "logs <server> [file]",
	Short: "Print or follow a log file on a server",
	Long: `Print the end of a log file on a server, or follow it with -f.

Without a file, the well-known system logs present on the server are
listed.`,
	Example: `  sshmgr logs web1
  sshmgr logs web1 /var/log/nginx/error.log -n 50 -f`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			files, err := f.Logs.Available(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, files)
			}
			for _, file := range files {
				fmt.Fprintln(out, file)
			}
			return nil
		}

		ch, err := f.Logs.Stream(ctx, args[0], args[1], sshlogs.Options{Lines: logsLines, Follow: logsFollow})
		if err != nil {
			return err
		}
		for line := range ch {
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

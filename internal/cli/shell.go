package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var shellTimeout time.Duration

func init() {
	rootCmd.AddCommand(shellCmd)
	shellCmd.Flags().DurationVar(&shellTimeout, "timeout", 0, "per-command timeout (defaults to SSHMGR_COMMAND_TIMEOUT)")
}

var shellCmd = &cobra.Command{
	Use:   "shell <server>",
	Short: "Open a persistent shell session on a server",
	Long: `Open a persistent shell session and send it one command per input line.

Working directory and exported variables carry over between commands. A
command that times out leaves the session usable. Enter "exit" or end the
input to close the session.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		s, err := f.Sessions.Start(ctx, args[0], "")
		if err != nil {
			return err
		}
		defer f.Sessions.Close(s.ID)

		out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
		in := bufio.NewScanner(cmd.InOrStdin())
		for {
			fmt.Fprintf(out, "%s:%s$ ", s.Server, s.Cwd())
			if !in.Scan() {
				fmt.Fprintln(out)
				return in.Err()
			}
			line := strings.TrimSpace(in.Text())
			switch line {
			case "":
				continue
			case "exit", "logout":
				return nil
			}

			res, err := f.Sessions.Send(ctx, s.ID, line, shellTimeout)
			if err != nil {
				printPartial(out, errOut, err)
				fmt.Fprintf(errOut, "sshmgr: %v\n", err)
				if s.Closed() {
					return err
				}
				continue
			}
			io.WriteString(out, res.Stdout)
			io.WriteString(errOut, res.Stderr)
			if !res.Success() {
				fmt.Fprintf(errOut, "[exit %d]\n", res.ExitCode)
			}
		}
	},
}

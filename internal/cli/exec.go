package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshexec"
)

var (
	execCwd     string
	execTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringVar(&execCwd, "cwd", "", "working directory (defaults to the profile's default_dir)")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "command timeout (defaults to SSHMGR_COMMAND_TIMEOUT)")
}

// ExitError carries the exit status of a remote command that ran but failed.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// ExitCode maps an error returned by Execute to a process exit status.
func ExitCode(err error) int {
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	switch fleeterr.KindOf(err) {
	case fleeterr.KindTimeout:
		return 124
	case fleeterr.KindNotFound:
		return 127
	}
	return 1
}

var execCmd = &cobra.Command{
	Use:   "exec <server> -- <command>...",
	Short: "Run a command on one server",
	Long: `Run a command on one server and print its output.

The remote exit status becomes sshmgr's exit status. A command that runs
past its timeout exits 124.`,
	Example: `  sshmgr exec web1 -- uptime
  sshmgr exec web1 --cwd /srv/app --timeout 30s -- git pull`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()

		command := strings.Join(args[1:], " ")
		res, err := f.Exec(cmd.Context(), args[0], command, sshexec.Options{Dir: execCwd, Timeout: execTimeout})
		if err != nil {
			printPartial(cmd.OutOrStdout(), cmd.ErrOrStderr(), err)
			return err
		}
		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
		} else {
			io.WriteString(cmd.OutOrStdout(), res.Stdout)
			io.WriteString(cmd.ErrOrStderr(), res.Stderr)
		}
		if !res.Success() {
			return &ExitError{Code: res.ExitCode}
		}
		return nil
	},
}

// printPartial writes whatever output a failed command produced before it
// was cut off.
func printPartial(stdout, stderr io.Writer, err error) {
	var ferr *fleeterr.Error
	if !errors.As(err, &ferr) {
		return
	}
	stdout.Write(ferr.Stdout)
	stderr.Write(ferr.Stderr)
}

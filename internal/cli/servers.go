package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(testCmd)
}

var serversCmd = &cobra.Command{
	Use:     "servers",
	Aliases: []string{"ls"},
	Short:   "List inventory servers",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()

		servers := f.Servers()
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), servers)
		}
		rows := make([][]string, 0, len(servers))
		for _, s := range servers {
			rows = append(rows, []string{
				s.Name,
				s.User + "@" + s.Host + ":" + strconv.Itoa(s.Port),
				strings.Join(s.Tags, ","),
				truncate(s.Description, 40),
			})
		}
		return writeTable(cmd.OutOrStdout(), []string{"NAME", "ADDRESS", "TAGS", "DESCRIPTION"}, rows)
	},
}

var testCmd = &cobra.Command{
	Use:   "test <server>",
	Short: "Connect to a server and run a liveness probe",
	Long: `Connect to a server and run a liveness probe.

The host key presented by the server is checked against the trust store.
Unknown hosts are rejected unless --accept-new-hosts is given or the key was
recorded with "sshmgr trust scan --record".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()

		res := f.TestConnection(cmd.Context(), args[0])
		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
		} else if res.OK {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok in %s (host key %s)\n", res.Server, res.Latency.Round(time.Millisecond), res.HostKey)
		}
		if !res.OK {
			return fmt.Errorf("%s: %s (%s)", res.Server, res.Error, res.Kind)
		}
		return nil
	},
}

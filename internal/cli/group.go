package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ebowwa/mcp-ssh-manager/internal/orchestrator"
)

var (
	groupStrategy    string
	groupDelay       time.Duration
	groupStopOnError bool
	groupCwd         string
	groupTimeout     time.Duration
)

func init() {
	rootCmd.AddCommand(groupCmd)
	groupCmd.AddCommand(groupListCmd, groupShowCmd, groupSaveCmd, groupDeleteCmd, groupExecCmd)

	for _, c := range []*cobra.Command{groupSaveCmd, groupExecCmd} {
		c.Flags().StringVar(&groupStrategy, "strategy", "", "parallel, sequential or rolling")
		c.Flags().DurationVar(&groupDelay, "delay", 0, "pause between hosts for the rolling strategy")
		c.Flags().BoolVar(&groupStopOnError, "stop-on-error", false, "skip remaining hosts after the first failure")
	}
	groupExecCmd.Flags().StringVar(&groupCwd, "cwd", "", "working directory on every host")
	groupExecCmd.Flags().DurationVar(&groupTimeout, "timeout", 0, "per-host command timeout")
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage server groups and run commands on them",
	Long: `Manage server groups and run commands on them.

The group "all" always contains every inventory server and cannot be
changed.`,
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()

		groups, err := f.Groups.Groups()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), groups)
		}
		rows := make([][]string, 0, len(groups))
		for _, g := range groups {
			rows = append(rows, []string{
				g.Name,
				string(g.Strategy),
				strconv.Itoa(len(g.Members)),
				truncate(strings.Join(g.Members, ","), 60),
			})
		}
		return writeTable(cmd.OutOrStdout(), []string{"GROUP", "STRATEGY", "SIZE", "MEMBERS"}, rows)
	},
}

var groupShowCmd = &cobra.Command{
	Use:   "show <group>",
	Short: "Show one group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()

		g, err := f.Groups.Group(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), g)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "name:          %s\n", g.Name)
		fmt.Fprintf(out, "strategy:      %s\n", g.Strategy)
		fmt.Fprintf(out, "delay:         %s\n", g.Delay)
		fmt.Fprintf(out, "stop on error: %s\n", formatYesNo(g.StopOnError))
		fmt.Fprintf(out, "members:       %s\n", strings.Join(g.Members, " "))
		return nil
	},
}

var groupSaveCmd = &cobra.Command{
	Use:   "save <group> <server>...",
	Short: "Create or replace a group",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy := orchestrator.Parallel
		if groupStrategy != "" {
			s, err := orchestrator.ParseStrategy(groupStrategy)
			if err != nil {
				return err
			}
			strategy = s
		}
		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()

		def := orchestrator.Definition{
			Name:        args[0],
			Members:     args[1:],
			Strategy:    strategy,
			Delay:       groupDelay,
			StopOnError: groupStopOnError,
		}
		if err := f.Groups.SaveGroup(def); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved group %s (%d members)\n", def.Name, len(def.Members))
		return nil
	},
}

var groupDeleteCmd = &cobra.Command{
	Use:   "delete <group>",
	Short: "Delete a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := f.Groups.DeleteGroup(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted group %s\n", args[0])
		return nil
	},
}

var groupExecCmd = &cobra.Command{
	Use:   "exec <group> -- <command>...",
	Short: "Run a command on every member of a group",
	Long: `Run a command on every member of a group.

Flags left unset fall back to the group's stored strategy, delay and
stop-on-error setting. sshmgr exits non-zero when any host failed or was
skipped.`,
	Example: `  sshmgr group exec web -- systemctl reload nginx
  sshmgr group exec all --strategy rolling --delay 10s -- apt-get -y upgrade`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var strategy orchestrator.Strategy
		if groupStrategy != "" {
			s, err := orchestrator.ParseStrategy(groupStrategy)
			if err != nil {
				return err
			}
			strategy = s
		}
		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := f.ExecGroup(cmd.Context(), args[0], strings.Join(args[1:], " "), orchestrator.Options{
			Strategy:    strategy,
			Delay:       groupDelay,
			StopOnError: groupStopOnError,
			Dir:         groupCwd,
			Timeout:     groupTimeout,
		})
		if res == nil {
			return err
		}
		if jsonOutput {
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
		} else {
			printGroupResult(cmd.OutOrStdout(), res)
		}
		if err != nil {
			return errors.New(res.Summary())
		}
		return nil
	},
}

func printGroupResult(out io.Writer, res *orchestrator.GroupResult) {
	for _, h := range res.Hosts {
		line := fmt.Sprintf("[%s] %s", h.Server, h.Status)
		if h.Result != nil {
			line += fmt.Sprintf(" exit=%d", h.Result.ExitCode)
		}
		if h.Duration > 0 {
			line += " " + h.Duration.Round(time.Millisecond).String()
		}
		if h.Error != "" {
			line += ": " + h.Error
		}
		fmt.Fprintln(out, line)
		if h.Result == nil {
			continue
		}
		for _, text := range []string{h.Result.Stdout, h.Result.Stderr} {
			text = strings.TrimRight(text, "\n")
			if text == "" {
				continue
			}
			for _, l := range strings.Split(text, "\n") {
				fmt.Fprintf(out, "    %s\n", l)
			}
		}
	}
	fmt.Fprintln(out, res.Summary())
}

package cli

import (
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ebowwa/mcp-ssh-manager/internal/sshtunnel"
)

func init() {
	rootCmd.AddCommand(tunnelCmd)
}

var tunnelCmd = &cobra.Command{
	Use:   "tunnel <server> <local|remote|dynamic> <forward>",
	Short: "Hold a supervised tunnel open in the foreground",
	Long: `Hold a supervised tunnel open until interrupted.

The forward uses ssh(1) syntax:

  local, remote   [bind_host:]bind_port:target_host:target_port
  dynamic         [bind_host:]bind_port

A dropped connection is re-established with backoff. Health changes are
printed as they happen.`,
	Example: `  sshmgr tunnel db1 local 15432:localhost:5432
  sshmgr tunnel bastion dynamic 127.0.0.1:1080`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := sshtunnel.ParseKind(args[1])
		if err != nil {
			return err
		}
		spec, err := parseForward(kind, args[2])
		if err != nil {
			return err
		}

		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()

		out := cmd.OutOrStdout()
		f.Tunnels.OnEvent(func(ev sshtunnel.Event) {
			if ev.Type == sshtunnel.EventHealth {
				fmt.Fprintf(out, "tunnel %s: %s %s\n", ev.TunnelID, ev.Health, ev.Reason)
			}
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		t, err := f.Tunnels.Open(ctx, args[0], kind, spec)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s tunnel %s via %s listening on %s\n", kind, t.ID, args[0], t.Addr())

		select {
		case <-ctx.Done():
			f.Tunnels.Close(t.ID)
		case <-t.Done():
		}
		info := t.Info()
		fmt.Fprintf(out, "tunnel %s %s: %d connections, %d bytes in, %d bytes out\n",
			t.ID, info.Health, info.Stats.Connections, info.Stats.BytesIn, info.Stats.BytesOut)
		if info.Health == sshtunnel.HealthDead {
			return fmt.Errorf("tunnel died: %s", info.LastError)
		}
		return nil
	},
}

// parseForward reads "[bind_host:]bind_port[:target_host:target_port]".
// Bracketed IPv6 hosts are accepted.
func parseForward(kind sshtunnel.Kind, s string) (sshtunnel.Spec, error) {
	parts := splitForward(s)
	var spec sshtunnel.Spec
	want := 3
	if kind == sshtunnel.KindDynamic {
		want = 1
	}
	switch len(parts) {
	case want:
	case want + 1:
		spec.BindHost, parts = parts[0], parts[1:]
	default:
		return spec, fmt.Errorf("malformed %s forward %q", kind, s)
	}

	port, err := strconv.Atoi(parts[0])
	if err != nil {
		return spec, fmt.Errorf("bad bind port in %q", s)
	}
	spec.BindPort = port
	if kind == sshtunnel.KindDynamic {
		return spec, nil
	}
	spec.TargetHost = parts[1]
	if spec.TargetPort, err = strconv.Atoi(parts[2]); err != nil {
		return spec, fmt.Errorf("bad target port in %q", s)
	}
	return spec, nil
}

func splitForward(s string) []string {
	var parts []string
	for s != "" {
		if strings.HasPrefix(s, "[") {
			end := strings.Index(s, "]")
			if end < 0 {
				return append(parts, s)
			}
			parts = append(parts, s[1:end])
			s = strings.TrimPrefix(s[end+1:], ":")
			continue
		}
		i := strings.Index(s, ":")
		if i < 0 {
			return append(parts, s)
		}
		parts = append(parts, s[:i])
		s = s[i+1:]
	}
	return parts
}

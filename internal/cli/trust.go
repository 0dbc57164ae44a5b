package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	trustPort   int
	trustRecord bool
)

func init() {
	rootCmd.AddCommand(trustCmd)
	trustCmd.AddCommand(trustListCmd, trustScanCmd, trustForgetCmd, trustImportCmd)

	trustScanCmd.Flags().IntVarP(&trustPort, "port", "p", 22, "SSH port")
	trustScanCmd.Flags().BoolVar(&trustRecord, "record", false, "trust the scanned keys if the host is unknown")
	trustForgetCmd.Flags().IntVarP(&trustPort, "port", "p", 22, "SSH port")
}

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Inspect and manage trusted host keys",
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trusted host keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()

		records, err := f.Trust.List()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), records)
		}
		var rows [][]string
		for _, r := range records {
			for _, fp := range r.Fingerprints {
				rows = append(rows, []string{r.Host, strconv.Itoa(r.Port), fp.Algorithm, fp.Digest})
			}
		}
		return writeTable(cmd.OutOrStdout(), []string{"HOST", "PORT", "ALGORITHM", "FINGERPRINT"}, rows)
	},
}

var trustScanCmd = &cobra.Command{
	Use:   "scan <host>",
	Short: "Read a host's keys and compare them with the trust store",
	Long: `Read the host keys a server presents and compare them with the trust store.

With --record, the keys of a host that has never been seen are trusted. A
host whose keys changed is never re-recorded; run "sshmgr trust forget"
first if the change is expected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := f.ScanHost(cmd.Context(), args[0], trustPort, trustRecord)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), res)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s:%d %s", res.Host, res.Port, res.Status)
		if res.Recorded {
			fmt.Fprint(out, " (recorded)")
		}
		fmt.Fprintln(out)
		for _, fp := range res.Fingerprints {
			fmt.Fprintf(out, "  %s\n", fp)
		}
		return nil
	},
}

var trustForgetCmd = &cobra.Command{
	Use:   "forget <host>",
	Short: "Remove every trusted key of a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := f.Trust.Forget(args[0], trustPort); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "forgot %s:%d\n", args[0], trustPort)
		return nil
	},
}

var trustImportCmd = &cobra.Command{
	Use:   "import <known_hosts>",
	Short: "Trust the keys listed in an OpenSSH known_hosts file",
	Long: `Trust the keys listed in an OpenSSH known_hosts file.

Hashed entries and revoked or certificate authority markers are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, cleanup, err := openFleet()
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := f.ImportKnownHosts(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d keys from %s\n", n, args[0])
		return nil
	},
}

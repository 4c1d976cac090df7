package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/sarchlab/vmshadow/monitoring"
	"github.com/spf13/cobra"
)

var domainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "List the domains of a running sandbox.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		list, err := newClient(serverAddr).domains()
		if err != nil {
			return err
		}

		printDomains(cmd.OutOrStdout(), list)

		return nil
	},
}

var blowCmd = &cobra.Command{
	Use:   "blow",
	Short: "Throw away the shadow tables of one or every domain.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		domain, _ := cmd.Flags().GetInt("domain")

		if err := newClient(serverAddr).blow(domain); err != nil {
			return err
		}

		if domain > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Blew the tables of domain %d\n", domain)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Blew the tables of every domain")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(domainsCmd)
	rootCmd.AddCommand(blowCmd)

	blowCmd.Flags().Int("domain", 0, "Only blow the tables of this domain")
}

func printDomains(out io.Writer, list []monitoring.DomainSummary) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "ID\tENABLED\tVCPUS\tOOS\tPOOL MB\tTOTAL\tFREE\tIN USE\tP2M\tSHADOWS\tSTATE")

	for _, d := range list {
		state := "running"
		if d.Crashed {
			state = "crashed: " + d.CrashReason
		}

		fmt.Fprintf(w, "%d\t%t\t%d\t%t\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			d.ID, d.Enabled, d.VCPUs, d.OOSActive, d.AllocationMB,
			d.Pool.Total, d.Pool.Free, d.Pool.InUse, d.Pool.P2M,
			formatShadows(d.Shadows), state)
	}

	w.Flush()
}

func formatShadows(counts map[string]int) string {
	if len(counts) == 0 {
		return "-"
	}

	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}

	sort.Strings(kinds)

	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}

	return strings.Join(parts, ",")
}

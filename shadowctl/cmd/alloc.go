package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var allocCmd = &cobra.Command{
	Use:   "alloc",
	Short: "Read or change the shadow pool size of a domain.",
}

var allocGetCmd = &cobra.Command{
	Use:   "get DOMAIN",
	Short: "Print the shadow pool size of a domain in MB.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid domain %q", args[0])
		}

		mb, err := newClient(serverAddr).allocation(domain)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", mb)

		return nil
	},
}

var allocSetCmd = &cobra.Command{
	Use:   "set DOMAIN MB",
	Short: "Resize the shadow pool of a domain.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid domain %q", args[0])
		}

		mb, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid size %q", args[1])
		}

		c := newClient(serverAddr)
		c.retryFor, _ = cmd.Flags().GetDuration("timeout")

		got, err := c.setAllocation(domain, mb)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", got)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(allocCmd)
	allocCmd.AddCommand(allocGetCmd)
	allocCmd.AddCommand(allocSetCmd)

	allocSetCmd.Flags().Duration("timeout", defaultRetryFor,
		"Give up when the resize has not completed by then")
}

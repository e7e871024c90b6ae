package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hamed0406/regionwatch/internal/domain"
)

func newResultsCmd(newClient func() *client) *cobra.Command {
	var (
		region string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "results <target-id>",
		Short: "Show recent check results for a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := newClient().Results(cmd.Context(), domain.TargetID(args[0]), region, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "ObservedAt\tRegion\tStatus\tCode\tMS\tReason")
			for _, r := range rs {
				fmt.Fprintf(out, "%s\t%s\t%s\t%d\t%d\t%s\n",
					r.ObservedAt.Format("2006-01-02T15:04:05Z07:00"), r.RegionID, r.Status, r.StatusCode, r.ResponseTimeMS, r.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&region, "region", "r", "", "Only results from this region")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum rows")
	return cmd
}

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// normalizeInput lets operators type a bare host name.
func normalizeInput(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	return raw
}

func newTargetsCmd(newClient func() *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Manage monitored targets",
	}

	add := &cobra.Command{
		Use:   "add [url]",
		Short: "Add a target; prompts when no URL is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 1 {
				raw = args[0]
			} else {
				fmt.Fprint(cmd.OutOrStdout(), "Enter a site URL to monitor (e.g., https://example.com): ")
				line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				raw = line
			}
			raw = normalizeInput(raw)
			if raw == "" {
				return fmt.Errorf("no URL given")
			}
			res, err := newClient().AddTarget(cmd.Context(), raw)
			if err != nil {
				return err
			}
			if res.Created {
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s); first check queued as %s.\n", res.Target.URL, res.Target.ID, res.EntryID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Already monitored: %s (%s).\n", res.Target.URL, res.Target.ID)
			}
			return nil
		},
	}

	var output string
	list := &cobra.Command{
		Use:   "list",
		Short: "List targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := newClient().ListTargets(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch strings.ToLower(output) {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(ts)
			default:
				fmt.Fprintln(out, "ID\tURL\tCreatedAt")
				for _, t := range ts {
					fmt.Fprintf(out, "%s\t%s\t%s\n", t.ID, t.URL, t.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
				}
				return nil
			}
		},
	}
	list.Flags().StringVarP(&output, "output", "o", "tsv", "Output format: tsv or json")

	cmd.AddCommand(add, list)
	return cmd
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hamed0406/regionwatch/internal/domain"
)

// seedFile is the YAML layout accepted by `regionwatch seed`:
//
//	regions:
//	  - id: us-east
//	    name: US-East
//	targets:
//	  - https://example.com
type seedFile struct {
	Regions []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"regions"`
	Targets []string `yaml:"targets"`
}

func parseSeed(b []byte) (seedFile, error) {
	var f seedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("parse seed file: %w", err)
	}
	for i, r := range f.Regions {
		if strings.TrimSpace(r.ID) == "" {
			return f, fmt.Errorf("parse seed file: region %d has no id", i)
		}
	}
	return f, nil
}

func newSeedCmd(newClient func() *client) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register regions and targets from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			f, err := parseSeed(b)
			if err != nil {
				return err
			}
			c := newClient()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			for _, r := range f.Regions {
				if err := c.AddRegion(ctx, domain.Region{ID: domain.RegionID(r.ID), Name: r.Name}); err != nil {
					return err
				}
				fmt.Fprintf(out, "region %s ok\n", r.ID)
			}
			for _, u := range f.Targets {
				res, err := c.AddTarget(ctx, normalizeInput(u))
				if err != nil {
					return err
				}
				state := "exists"
				if res.Created {
					state = "added"
				}
				fmt.Fprintf(out, "target %s %s (%s)\n", res.Target.URL, state, res.Target.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "seed.yaml", "Seed file")
	return cmd
}

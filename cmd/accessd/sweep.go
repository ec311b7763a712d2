package main

import (
	"accessd/internal/sweeper"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewSweepCommand creates the sweep command, which runs one expiry pass
// against the data directory and exits.
func NewSweepCommand(opts *RootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired resources and job results once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			comps, err := openComponents(cfg, nil, nil)
			if err != nil {
				return err
			}
			defer comps.Close()

			s := sweeper.New(sweeper.Config{
				ResourceLifespan: cfg.ResourceLifespan,
				JobLifespan:      cfg.JobLifespan,
				JobDir:           cfg.JobDir(),
			}, comps.store, comps.service, nil)
			res := s.Sweep(cmd.Context())

			out := cmd.OutOrStdout()
			if asJSON {
				if err := json.NewEncoder(out).Encode(res); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "resources: %d\njobs: %d\norphans: %d\nfailures: %d\n",
					res.Resources, res.Jobs, res.Orphans, res.Failures)
			}
			if res.Failures > 0 {
				return fmt.Errorf("sweep finished with %d failures", res.Failures)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")

	return cmd
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/syncbox/internal/config"
	"github.com/kimhsiao/syncbox/internal/logging"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired cache entries and report storage usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logging.Init(os.Stderr, logging.LevelWarn)

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		removed, err := st.SweepExpired(time.Now().Unix())
		if err != nil {
			return err
		}
		usage, err := st.EstimateUsage()
		if err != nil {
			return err
		}

		fmt.Printf("removed %d expired entries\n", removed)
		fmt.Printf("usage: %d / %d bytes (%.1f%%)\n", usage.Used, usage.Quota, usage.Ratio()*100)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted queue and conflict backlog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logging.Init(os.Stderr, logging.LevelWarn)

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		mutations, err := st.ListMutations()
		if err != nil {
			return err
		}
		conflicts, err := st.ListConflicts()
		if err != nil {
			return err
		}

		fmt.Printf("queued mutations: %d\n", len(mutations))
		for _, m := range mutations {
			fmt.Printf("  %s %s %s/%s status=%s attempt=%d\n",
				m.ID, m.Kind, m.Collection, m.Key, m.Status, m.Attempt)
		}
		unresolved := 0
		for _, c := range conflicts {
			if !c.Resolved {
				unresolved++
			}
		}
		fmt.Printf("unresolved conflicts: %d\n", unresolved)
		return nil
	},
}

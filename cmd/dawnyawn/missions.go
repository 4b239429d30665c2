package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/dawnyawn/internal/archive"
	"github.com/jkaninda/dawnyawn/internal/config"
)

var (
	missionsConfigPath string
	missionsLimit      int
)

var missionsCmd = &cobra.Command{
	Use:   "missions",
	Short: "List archived missions",
	RunE:  runMissions,
}

func init() {
	missionsCmd.Flags().StringVar(&missionsConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	missionsCmd.Flags().IntVar(&missionsLimit, "limit", 20, "maximum number of missions to list")
}

func runMissions(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig(missionsConfigPath)
	if err != nil {
		return err
	}
	ws, err := initWorkspace(cfg)
	if err != nil {
		return err
	}

	store, err := archive.Open(ws.ArchivePath(), logger)
	if err != nil {
		return err
	}

	records, err := store.ListMissions(context.Background(), missionsLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no archived missions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tOUTCOME\tSTEPS\tGOAL")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			r.CreatedAt.Local().Format(time.DateTime),
			r.Outcome,
			r.Steps,
			truncateGoal(r.Goal),
		)
	}
	return w.Flush()
}

func truncateGoal(goal string) string {
	if len(goal) <= 80 {
		return goal
	}
	return goal[:80] + "..."
}

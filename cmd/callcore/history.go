package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/callcore/internal/journal"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <appointment>",
	Short: "Show the journal of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Journal.Enabled {
			return fmt.Errorf("journal is disabled (set journal.enabled)")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		store, err := journal.NewPostgresStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.Recent(ctx, args[0], historyLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no entries")
			return nil
		}

		// oldest first reads like a log
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			fmt.Printf("%s  %-9s %s  [%s]\n",
				e.At.Local().Format("15:04:05.000"), e.Kind, e.Summary, strings.Join(e.Tags, ","))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of entries")
}

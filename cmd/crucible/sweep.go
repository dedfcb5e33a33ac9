package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one sweep pass: release expired reservations and purge expired responses",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sc, err := initShared(cfg, newLogger(cfg.LogLevel))
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		sw, err := newSweeper(sc)
		if err != nil {
			return err
		}
		res, err := sw.RunOnce(context.Background())
		fmt.Printf("reservations released: %d\nresponses purged: %d\n", res.Reservations, res.Responses)
		return err
	},
}

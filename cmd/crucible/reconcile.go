package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/crucible/internal/domain"
)

var (
	reconcileExperiment string
	reconcileAgent      string
)

// errDrift is returned when any counter disagrees with the ledger, so the
// process exits non-zero.
var errDrift = errors.New("ledger drift detected")

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare cached balances with the ledger and print any drift",
	RunE:  runReconcile,
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileExperiment, "experiment", "", "experiment ID to reconcile (required)")
	reconcileCmd.Flags().StringVar(&reconcileAgent, "agent", "", "also reconcile this agent")
	_ = reconcileCmd.MarkFlagRequired("experiment")
}

func runReconcile(_ *cobra.Command, _ []string) error {
	expID, err := uuid.Parse(reconcileExperiment)
	if err != nil {
		return fmt.Errorf("invalid --experiment: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, newLogger(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx := context.Background()
	e, err := sc.Experiments.Get(ctx, expID)
	if err != nil {
		return err
	}
	scope := domain.Scope{TeamID: e.TeamID}.ForExperiment(e.ID)
	if reconcileAgent != "" {
		agentID, err := uuid.Parse(reconcileAgent)
		if err != nil {
			return fmt.Errorf("invalid --agent: %w", err)
		}
		scope = scope.ForAgent(agentID)
	}

	checks, err := sc.Ledger.Reconcile(ctx, scope)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID\tCOUNTER\tLEDGER\tDRIFT")
	drift := false
	for _, c := range checks {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", c.Kind, c.ID, c.Counter, c.Ledger, c.Drift)
		if !c.OK() {
			drift = true
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if drift {
		return errDrift
	}
	return nil
}

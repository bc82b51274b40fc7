package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/qvopt/internal/job"
	"github.com/copyleftdev/qvopt/internal/store"
	"github.com/copyleftdev/qvopt/internal/task"
)

var noSave bool

var runCmd = &cobra.Command{
	Use:   "run <job.toml>",
	Short: "Run one optimization job and print its result",
	Long: `Runs the job described by a TOML or JSON file to completion and writes
the result record as JSON. The record is also saved when DB_DSN is set.
Interrupting the command cancels the optimizer.`,
	Args: cobra.ExactArgs(1),
	RunE: runJob,
}

func init() {
	runCmd.Flags().BoolVar(&noSave, "no-save", false, "Do not save the result even when DB_DSN is set")
	rootCmd.AddCommand(runCmd)
}

func runJob(cmd *cobra.Command, args []string) error {
	spec, err := job.Load(args[0])
	if err != nil {
		return err
	}

	zl := zapLogger()
	rt, err := newRuntime(zl)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, _, err := spec.Start(ctx, task.NewRunner(zl, nil), rt)
	if err != nil {
		return err
	}
	logger.Info("Job started", map[string]interface{}{
		"job":       spec.Name,
		"task_id":   h.ID(),
		"optimizer": spec.Optimizer.Name,
	})

	b, runErr := h.Sync()
	rec := store.NewRecord(spec.Name, h, b, runErr)

	if cfg.Database.DSN != "" && !noSave {
		results, err := store.Open(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer results.Close()
		if err := results.Save(ctx, rec); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("job %s %s: %w", spec.Name, rec.Status, runErr)
	}
	return nil
}

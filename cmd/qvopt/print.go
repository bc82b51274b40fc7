package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/qvopt/internal/backend"
	"github.com/copyleftdev/qvopt/internal/job"
	"github.com/copyleftdev/qvopt/internal/objective"
	"github.com/copyleftdev/qvopt/internal/observable"
	"github.com/copyleftdev/qvopt/internal/optimization"
	"github.com/copyleftdev/qvopt/internal/transform"
)

var measure bool

var printCmd = &cobra.Command{
	Use:   "print <job.toml>",
	Short: "Print a job's kernel bound to its initial parameters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := job.Load(args[0])
		if err != nil {
			return err
		}
		zl := zapLogger()
		rt, err := newRuntime(zl)
		if err != nil {
			return err
		}
		j, err := spec.Build(rt, zl)
		if err != nil {
			return err
		}
		a, err := j.Args()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if measure {
			prog, err := j.Runtime.MeasureAll(j.Kernel, a)
			if err != nil {
				return err
			}
			fmt.Fprint(out, prog.Listing())
		} else if err := j.Runtime.Print(out, j.Kernel, a); err != nil {
			return err
		}

		n, err := j.Runtime.NInstructions(j.Kernel, a)
		if err != nil {
			return err
		}
		depth, err := j.Runtime.Depth(j.Kernel, a)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# instructions: %d, depth: %d, parameters: %d\n", n, depth, j.Dim())
		fmt.Fprintf(out, "# observable: %s\n", j.Observable)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered backends, observables, transforms, objectives and optimizers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, row := range []struct {
			kind  string
			names []string
		}{
			{"backends", backend.Names()},
			{"observables", observable.Kinds()},
			{"transforms", transform.Names()},
			{"objectives", objective.Names()},
			{"optimizers", optimization.Names()},
		} {
			fmt.Fprintf(out, "%-12s %s\n", row.kind, strings.Join(row.names, " "))
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "qvopt", version)
	},
}

func init() {
	printCmd.Flags().BoolVar(&measure, "measure", false, "Append a Z measurement of every qubit")
	rootCmd.AddCommand(printCmd, listCmd, versionCmd)
}

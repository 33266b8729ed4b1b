package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"maskbrowser/internal/rpa"
)

func newTaskCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Export and import automation tasks",
	}
	cmd.AddCommand(newTaskExportCmd(opts), newTaskImportCmd(opts))
	return cmd
}

func newTaskExportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <id>",
		Short: "Print a task from tasks.json in the external format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib := rpa.NewLibrary(opts.tasksPath())
			if err := lib.Load(); err != nil {
				return err
			}
			task, found := lib.Get(args[0])
			if !found {
				return fmt.Errorf("%w: %s", rpa.ErrTaskNotFound, args[0])
			}
			data, err := rpa.Export(task)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

func newTaskImportCmd(opts *rootOptions) *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Migrate a task file to the canonical format and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			task, err := rpa.Import(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if save {
				lib := rpa.NewLibrary(opts.tasksPath())
				if err := lib.Load(); err != nil {
					return err
				}
				if err := lib.Put(task); err != nil {
					return err
				}
			}
			data, err := rpa.Export(task)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "Also store the task in tasks.json")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"speaker-id/internal/centroids"
	"speaker-id/internal/match"
)

type opener func(ctx context.Context) (*centroids.Store, func() error, error)

// list / validate flags
var (
	listSorted bool
	listStaged bool
	jsonOutput bool
)

func newRootCmd(open opener) *cobra.Command {
	listSorted, listStaged, jsonOutput = false, false, false

	rootCmd := &cobra.Command{
		Use:          "centroidctl",
		Short:        "Inspect and maintain the enrolled-speaker database",
		Long:         `Operate on the centroid blobs (CURRENT, STAGED, BACKUP) of the storage backend configured through the environment.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List enrolled speakers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(ctx context.Context, store *centroids.Store) error {
				snap, _, err := load(ctx, store, listStaged)
				if err != nil {
					return err
				}
				names := snap.Names(listSorted)
				if jsonOutput {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"speakers": names})
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
	listCmd.Flags().BoolVar(&listSorted, "sorted", false, "sort names alphabetically")
	listCmd.Flags().BoolVar(&listStaged, "staged", false, "read STAGED instead of CURRENT")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check every stored vector for dimension and unit norm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(ctx context.Context, store *centroids.Store) error {
				_, report, err := load(ctx, store, listStaged)
				if err != nil {
					return err
				}
				if jsonOutput {
					if err := json.NewEncoder(cmd.OutOrStdout()).Encode(report); err != nil {
						return err
					}
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "entries: %d\n", report.Entries)
					for _, is := range report.Issues {
						fmt.Fprintf(cmd.OutOrStdout(), "INVALID %s (%s): %s\n", is.Speaker, is.Kind, is.Detail)
					}
				}
				return report.Err()
			})
		},
	}
	validateCmd.Flags().BoolVar(&listStaged, "staged", false, "validate STAGED instead of CURRENT")

	swapCmd := &cobra.Command{
		Use:   "swap",
		Short: "Promote STAGED to CURRENT, keeping the old CURRENT as BACKUP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(ctx context.Context, store *centroids.Store) error {
				if err := store.Swap(ctx); err != nil {
					return fmt.Errorf("swap failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "STAGED promoted to CURRENT")
				return nil
			})
		},
	}

	restoreCmd := &cobra.Command{
		Use:   "restore",
		Short: "Copy BACKUP over CURRENT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(ctx context.Context, store *centroids.Store) error {
				if err := store.Restore(ctx); err != nil {
					return fmt.Errorf("restore failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "BACKUP restored as CURRENT")
				return nil
			})
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete a speaker (stage and swap)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withStore(cmd, open, func(ctx context.Context, store *centroids.Store) error {
				snap, _, err := store.Load(ctx)
				if err != nil {
					return err
				}
				next, ok := snap.Without(name)
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is not enrolled, nothing to do\n", name)
					return nil
				}
				if _, err := store.Stage(ctx, next); err != nil {
					return fmt.Errorf("stage failed: %w", err)
				}
				if err := store.Swap(ctx); err != nil {
					return fmt.Errorf("swap failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s (%d speakers left); reload running servers\n", name, next.Len())
				return nil
			})
		},
	}

	matrixCmd := &cobra.Command{
		Use:   "matrix",
		Short: "Print the pairwise distance between all enrolled speakers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, open, func(ctx context.Context, store *centroids.Store) error {
				snap, _, err := store.Load(ctx)
				if err != nil {
					return err
				}
				return printMatrix(cmd.OutOrStdout(), snap.Entries())
			})
		},
	}

	rootCmd.AddCommand(listCmd, validateCmd, swapCmd, restoreCmd, removeCmd, matrixCmd)
	return rootCmd
}

func withStore(cmd *cobra.Command, open opener, fn func(context.Context, *centroids.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, closeFn, err := open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, store)
}

func load(ctx context.Context, store *centroids.Store, staged bool) (*centroids.Snapshot, centroids.Report, error) {
	if staged {
		return store.LoadStaged(ctx)
	}
	return store.Load(ctx)
}

func printMatrix(out io.Writer, entries []centroids.Entry) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprint(tw, "\t")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t", e.Name)
	}
	fmt.Fprintln(tw)
	for _, row := range entries {
		fmt.Fprintf(tw, "%s\t", row.Name)
		for _, col := range entries {
			d, err := match.Distance(row.Vector, col.Vector)
			if err != nil {
				return fmt.Errorf("%s vs %s: %w", row.Name, col.Name, err)
			}
			fmt.Fprintf(tw, "%.3f\t", d)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

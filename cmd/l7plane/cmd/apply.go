package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/solatis/l7plane/internal/core/api"
	"github.com/solatis/l7plane/internal/fixture"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create the listeners and entities of a fixture file on a running server",
	RunE:  runApply,
}

func init() {
	rootCmd.AddCommand(applyCmd)
	applyCmd.Flags().StringP("file", "f", "", "fixture file (required)")
	applyCmd.Flags().String("addr", "localhost:50051", "server address")
	applyCmd.Flags().Duration("timeout", 30*time.Second, "overall timeout")
	applyCmd.MarkFlagRequired("file")
}

func runApply(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	f, err := fixture.LoadFromFile(file)
	if err != nil {
		return fmt.Errorf("loading fixture: %w", err)
	}
	conn, err := dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sum, err := f.Apply(ctx, fixture.ClientTarget(api.NewClient(conn)))
	fmt.Fprintf(cmd.OutOrStdout(), "listeners created: %d, existing: %d, entities created: %d\n",
		sum.Listeners, sum.ExistingListener, sum.Entities)
	return err
}

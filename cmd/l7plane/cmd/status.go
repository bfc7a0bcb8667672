package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/solatis/l7plane/internal/core/api"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a listener's plan status from a running server",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("listener", "", "listener id (required)")
	statusCmd.Flags().String("addr", "localhost:50051", "server address")
	statusCmd.Flags().Bool("recompile", false, "request a recompile before reading the status")
	statusCmd.Flags().Duration("timeout", 10*time.Second, "request timeout")
	statusCmd.MarkFlagRequired("listener")
}

func runStatus(cmd *cobra.Command, args []string) error {
	listener, _ := cmd.Flags().GetString("listener")
	addr, _ := cmd.Flags().GetString("addr")
	recompile, _ := cmd.Flags().GetBool("recompile")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	conn, err := dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	client := api.NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if recompile {
		if err := client.RequestRecompile(ctx, listener); err != nil {
			return fmt.Errorf("request recompile: %w", err)
		}
	}
	resp, err := client.GetPlanStatus(ctx, listener)
	if err != nil {
		return err
	}
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

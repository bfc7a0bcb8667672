package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/solatis/l7plane/internal/core/config"
	"github.com/solatis/l7plane/internal/core/db"
	"github.com/solatis/l7plane/internal/core/logging"
	"github.com/solatis/l7plane/internal/store/sqlstore"
	"github.com/solatis/l7plane/internal/types"
)

// Version is the release version printed by `l7plane version`.
const Version = "0.1.0"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "l7plane",
	Short: "L7 listener policy control plane",
	Long: `l7plane stores conditions, ACLs and rules per listener, compiles them
into an ordered plan and dispatches the plan to the data plane.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("l7plane v%s\n", Version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file path")
	pf.String("database-url", "", "database connection URL (sqlite://path or postgres://...)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "json", "log format (json, text)")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// setup loads configuration with cmd's flags bound and builds the logger.
func setup(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig(configFile, cmd.Flags())
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

// openStore opens the configured database, optionally migrating it first,
// and verifies the schema before handing it to the store.
func openStore(cfg *config.Config, migrate bool) (*sqlstore.Store, error) {
	conn, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := db.MigrateUp(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	schema, err := db.CurrentSchema(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s, err := sqlstore.New(conn, schema)
	if err != nil {
		conn.Close()
		if errors.Is(err, types.ErrSchemaMismatch) {
			return nil, fmt.Errorf("%w - run 'l7plane migrate up' first", err)
		}
		return nil, err
	}
	return s, nil
}

// dial connects to a running server without transport security.
func dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

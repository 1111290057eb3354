package main

import (
	"context"
	"os"

	"atlas/internal/config"
	"atlas/internal/storage"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfg    config.Config
	logger *zap.Logger
	dbh    *storage.Handle
)

var rootCmd = &cobra.Command{
	Use:           "atlasctl",
	Short:         "Operate the atlas extraction platform",
	Long:          "Administrative commands for the feature catalogue, object storage, database migrations and ground-truth scoring.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load(".env")
		c, err := config.Load()
		if err != nil {
			return err
		}
		cfg = c
		l, err := config.NewLogger(cfg)
		if err != nil {
			return err
		}
		logger = l
		dbh = storage.NewHandle(cfg.PostgresURL)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if dbh != nil {
			dbh.Close()
		}
		_ = zap.L().Sync()
	},
}

func openDB(ctx context.Context) (*storage.DB, error) {
	db, err := dbh.Get(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "connect postgres")
	}
	return db, nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		if err := db.Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("schema applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		zap.L().Error("atlasctl failed", zap.Error(err))
		os.Stderr.WriteString("error: " + err.Error() + "\n")
		os.Exit(1)
	}
}

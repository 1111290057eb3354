package main

import (
	"fmt"
	"time"

	"atlas/internal/objectstore"
	"atlas/internal/staging"
	"atlas/internal/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	pruneDryRun bool
	sweepMaxAge time.Duration
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Object storage and staging maintenance",
}

var storagePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stored papers that no paper row references",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		referenced, err := storage.NewPaperRepo(db).StorageKeys(ctx)
		if err != nil {
			return err
		}
		store, err := objectstore.NewS3Store(ctx, cfg)
		if err != nil {
			return err
		}
		orphans, err := objectstore.Prune(ctx, store, referenced, pruneDryRun, logger)
		if err != nil {
			return err
		}
		verb := "deleted"
		if pruneDryRun {
			verb = "would delete"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d orphaned object(s)\n", verb, len(orphans))
		return nil
	},
}

var stagingSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove staged uploads older than --max-age",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := staging.New(cfg.StagingDir)
		if err != nil {
			return err
		}
		maxAge := sweepMaxAge
		if maxAge <= 0 {
			maxAge = cfg.StagingMaxAge
		}
		removed, err := dir.Sweep(maxAge, time.Now())
		if err != nil {
			return err
		}
		logger.Info("staging swept", zap.String("dir", dir.Root()), zap.Int("removed", len(removed)))
		return nil
	},
}

func init() {
	storagePruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "list orphans without deleting")
	stagingSweepCmd.Flags().DurationVar(&sweepMaxAge, "max-age", 0, "age threshold (default from ATLAS_STAGING_MAX_AGE)")
	storageCmd.AddCommand(storagePruneCmd, stagingSweepCmd)
	rootCmd.AddCommand(storageCmd)
}

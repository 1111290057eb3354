package main

import (
	"fmt"
	"os"
	"sort"

	"atlas/internal/providers"
	"atlas/internal/registry"
	"atlas/internal/scoring"
	"atlas/internal/staging"
	"atlas/internal/storage"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	scoreProject string
	scoreOut     string
)

var scoreCmd = &cobra.Command{
	Use:   "score <truth.csv>",
	Short: "Score a ground-truth sheet and store per-feature quality",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "open sheet")
		}
		defer f.Close()

		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		reg := registry.New(storage.NewFeatureRepo(db), storage.NewProjectRepo(db), logger)
		if err := reg.Load(ctx); err != nil {
			return err
		}

		var judge scoring.Judge = scoring.ExactJudge{}
		if cfg.AnthropicAPIKey != "" {
			judge = scoring.NewAnthropicJudge(providers.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL), cfg.JudgeModel)
		}
		engine := scoring.NewEngine(judge, scoring.EngineOptions{
			Concurrency: cfg.JudgeConcurrency,
			RPS:         cfg.JudgeRPS,
			Logger:      logger,
		})
		rep, err := scoring.NewService(engine, reg, storage.NewQualityRepo(db), logger).ScoreProject(ctx, scoreProject, f)
		if err != nil {
			return err
		}

		ids := make([]string, 0, len(rep.Aggregate))
		for id := range rep.Aggregate {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if s := rep.Aggregate[id]; s != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %.4f\n", id, *s)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s n/a\n", id)
			}
		}

		if scoreOut != "" {
			if err := staging.WriteJSONAtomic(scoreOut, rep); err != nil {
				return err
			}
			logger.Info("score report written", zap.String("path", scoreOut))
		}
		return nil
	},
}

func init() {
	scoreCmd.Flags().StringVar(&scoreProject, "project", "", "project id the scores belong to")
	scoreCmd.Flags().StringVarP(&scoreOut, "out", "o", "", "write the full report as JSON")
	_ = scoreCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(scoreCmd)
}

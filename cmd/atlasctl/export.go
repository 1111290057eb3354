package main

import (
	"encoding/json"
	"io"
	"os"
	"sort"

	"atlas/internal/schema"
	"atlas/internal/scoring"
	"atlas/internal/storage"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	exportProject string
	exportOut     string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a project's latest results as flat CSV rows",
	Long: "Each nested array element becomes one row with its parent fields repeated. " +
		"The columns line up with the prediction half of a scoring sheet.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		outputs, err := storage.NewResultRepo(db).LatestOutputs(ctx, exportProject)
		if err != nil {
			return err
		}
		paperIDs := make([]string, 0, len(outputs))
		for id := range outputs {
			paperIDs = append(paperIDs, id)
		}
		sort.Strings(paperIDs)

		var rows []map[string]string
		for _, id := range paperIDs {
			var doc map[string]any
			if err := json.Unmarshal(outputs[id], &doc); err != nil {
				logger.Warn("skipping unreadable output", zap.String("paper_id", id), zap.Error(err))
				continue
			}
			for _, row := range schema.Flatten(doc) {
				row["paper_id"] = id
				rows = append(rows, row)
			}
		}

		var w io.Writer = cmd.OutOrStdout()
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return eris.Wrap(err, "create export file")
			}
			defer f.Close()
			w = f
		}
		if err := scoring.WriteTable(w, []string{"paper_id"}, rows); err != nil {
			return err
		}
		logger.Info("results exported",
			zap.String("project_id", exportProject),
			zap.Int("papers", len(paperIDs)),
			zap.Int("rows", len(rows)))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportProject, "project", "", "project whose latest results are exported")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	_ = exportCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(exportCmd)
}

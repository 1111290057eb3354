package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"atlas/internal/registry"
	"atlas/internal/storage"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	featureOwner string
	featureInput registry.CreateInput
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Manage the feature catalogue",
}

var featuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered features",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		rows, err := storage.NewFeatureRepo(db).ListAll(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tDESCRIPTION")
		for _, f := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", f.ID, f.Kind, f.Description)
		}
		return tw.Flush()
	},
}

var featuresSeedCmd = &cobra.Command{
	Use:   "seed <catalogue.yaml>",
	Short: "Upsert every feature in a YAML catalogue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "open catalogue")
		}
		defer f.Close()
		defs, err := registry.LoadCatalogue(f, featureOwner)
		if err != nil {
			return err
		}
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		repo := storage.NewFeatureRepo(db)
		for _, d := range defs {
			if err := repo.Upsert(cmd.Context(), d.Model()); err != nil {
				return err
			}
		}
		logger.Info("catalogue seeded", zap.String("file", args[0]), zap.Int("features", len(defs)))
		return nil
	},
}

var featuresAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a single feature",
	RunE: func(cmd *cobra.Command, args []string) error {
		featureInput.OwnerID = featureOwner
		d, err := registry.NewDefinition(featureInput)
		if err != nil {
			return err
		}
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		if err := storage.NewFeatureRepo(db).Upsert(cmd.Context(), d.Model()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), d.ID)
		return nil
	},
}

var featuresRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a feature no project selects",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		return storage.NewFeatureRepo(db).Delete(cmd.Context(), args[0])
	},
}

func init() {
	featuresCmd.PersistentFlags().StringVar(&featureOwner, "owner", "", "owner id recorded on new features")

	featuresAddCmd.Flags().StringVar(&featureInput.Name, "name", "", "feature name")
	featuresAddCmd.Flags().StringVar(&featureInput.Type, "type", "text", "text, number, integer, boolean, enum or parent")
	featuresAddCmd.Flags().StringVar(&featureInput.Parent, "parent", "", "dotted parent path")
	featuresAddCmd.Flags().StringVar(&featureInput.Description, "description", "", "instruction shown to the model")
	featuresAddCmd.Flags().StringSliceVar(&featureInput.Options, "option", nil, "enum option (repeatable)")
	_ = featuresAddCmd.MarkFlagRequired("name")

	featuresCmd.AddCommand(featuresListCmd, featuresSeedCmd, featuresAddCmd, featuresRemoveCmd)
	rootCmd.AddCommand(featuresCmd)
}

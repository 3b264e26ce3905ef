package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/wisdom-cli/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the raw, filtered and wisdom tiers to CSV and XLSX files",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.Export.Dir
		}

		a, err := openApp(ctx, "")
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		files, err := export.All(ctx, a.store, dir)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, files)
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load a raw tier CSV so its items can be filtered again",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("csv")

		a, err := openApp(ctx, "")
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		f, err := os.Open(path)
		if err != nil {
			return eris.Wrapf(err, "open %s", path)
		}
		defer f.Close() //nolint:errcheck

		items, err := export.ReadRawCSV(f)
		if err != nil {
			return err
		}
		added, err := a.pipeline.Import(ctx, items)
		if err != nil {
			return err
		}

		zap.L().Info("import complete",
			zap.String("csv", path),
			zap.Int("rows", len(items)),
			zap.Int("added", added),
		)
		return printJSON(os.Stdout, map[string]int{"rows": len(items), "added": added})
	},
}

func init() {
	exportCmd.Flags().String("dir", "", "output directory (default export.dir)")

	importCmd.Flags().String("csv", "", "path to a raw tier CSV file (required)")
	_ = importCmd.MarkFlagRequired("csv")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show item counts per pipeline stage and dedup state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, "")
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		counts, _ := a.pipeline.Status()
		fingerprints, seen := a.index.Stats()

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, map[string]any{
				"stages":       counts,
				"fingerprints": fingerprints,
				"seen":         seen,
			})
		}
		formatStatus(os.Stdout, counts, fingerprints, seen)
		return nil
	},
}

var stageColors = map[model.Stage]*color.Color{
	model.StageRaw:             color.New(color.FgCyan),
	model.StageFiltered:        color.New(color.FgYellow),
	model.StageWisdom:          color.New(color.FgGreen, color.Bold),
	model.StageRejected:        color.New(color.FgHiBlack),
	model.StageTransformFailed: color.New(color.FgRed),
}

// formatStatus writes the stage table followed by dedup totals.
func formatStatus(w io.Writer, counts []pipeline.StageCount, fingerprints int, seen map[string]int) {
	header := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s\n", header("Pipeline stages"))

	total, pending := 0, 0
	for _, c := range counts {
		total += c.Count
		if !c.Stage.Terminal() {
			pending += c.Count
		}
		paint := stageColors[c.Stage]
		if paint == nil {
			paint = color.New(color.Reset)
		}
		fmt.Fprintf(w, "  %-18s %s\n", c.Stage, paint.Sprintf("%6d", c.Count))
	}
	fmt.Fprintf(w, "  %-18s %6d\n", "total", total)
	fmt.Fprintf(w, "  %-18s %6d\n", "pending", pending)

	fmt.Fprintf(w, "\n%s\n", header("Dedup index"))
	fmt.Fprintf(w, "  %-18s %6d\n", "fingerprints", fingerprints)
	platforms := make([]string, 0, len(seen))
	for p := range seen {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	for _, p := range platforms {
		fmt.Fprintf(w, "  %-18s %6d\n", "seen "+p, seen[p])
	}
}

func init() {
	statusCmd.Flags().Bool("json", false, "print machine-readable output")
	rootCmd.AddCommand(statusCmd)
}

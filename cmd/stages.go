package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/pipeline"
)

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Fetch new items from every enabled source into the raw tier",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, "harvest")
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		rep, err := a.pipeline.Harvest(ctx)
		if err != nil && !eris.Is(err, pipeline.ErrNoInput) {
			return err
		}
		if perr := printJSON(os.Stdout, rep); perr != nil {
			return perr
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "harvest interrupted")
		}
		if rep.TaskFailed > 0 {
			return eris.Wrapf(ErrPartial, "%d harvest task(s) failed", rep.TaskFailed)
		}
		return nil
	},
}

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Score and filter every raw item",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, "filter")
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		rep, err := a.pipeline.Filter(ctx)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, rep)
	},
}

var transformCmd = &cobra.Command{
	Use:   "transform",
	Short: "Turn filtered items into wisdom records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		retryFailed, _ := cmd.Flags().GetBool("retry-failed")

		a, err := openApp(ctx, "transform")
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		res, err := a.pipeline.Transform(ctx, retryFailed)
		if err != nil {
			return err
		}
		if err := printJSON(os.Stdout, res); err != nil {
			return err
		}
		if res.Failed > 0 {
			return eris.Wrapf(ErrPartial, "%d item(s) failed transformation", res.Failed)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run harvest, filter and transform in sequence",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, "run")
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		sum, err := a.pipeline.Run(ctx)
		if perr := printJSON(os.Stdout, sum); perr != nil && err == nil {
			err = perr
		}
		if err != nil {
			return err
		}
		return summaryError(sum)
	},
}

// summaryError turns failure counts in a run summary into ErrPartial.
func summaryError(sum model.RunSummary) error {
	if sum.TaskFailed > 0 || sum.TransformFailed > 0 {
		return eris.Wrapf(ErrPartial, "%d task(s) and %d item(s) failed", sum.TaskFailed, sum.TransformFailed)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "write output")
}

func init() {
	transformCmd.Flags().Bool("retry-failed", false, "re-attempt items in transform_failed instead of filtered ones")

	rootCmd.AddCommand(harvestCmd)
	rootCmd.AddCommand(filterCmd)
	rootCmd.AddCommand(transformCmd)
	rootCmd.AddCommand(runCmd)
}

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/wisdom-cli/internal/taxonomy"
)

var taxonomyCmd = &cobra.Command{
	Use:   "taxonomy",
	Short: "Print the active keyword taxonomy and its version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tax, err := cfg.Taxonomy()
		if err != nil {
			return err
		}
		versionOnly, _ := cmd.Flags().GetBool("version-only")
		return writeTaxonomy(os.Stdout, tax, versionOnly)
	},
}

func writeTaxonomy(w io.Writer, tax *taxonomy.Taxonomy, versionOnly bool) error {
	if versionOnly {
		_, err := fmt.Fprintln(w, tax.Version())
		return err
	}
	out, err := tax.Marshal()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# version: %s\n", tax.Version()); err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func init() {
	taxonomyCmd.Flags().Bool("version-only", false, "print only the taxonomy version")
	rootCmd.AddCommand(taxonomyCmd)
}

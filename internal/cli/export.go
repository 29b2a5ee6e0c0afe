package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every tier as JSON or YAML",
		Long:  "Export memories, snapshots and meta-snapshots. Filter by category with -c.",
		Run:   runExport,
	}

	cmd.Flags().StringP("category", "c", "", "Filter by category")
	cmd.Flags().String("format", "json", "Output format: json or yaml")
	cmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	category, _ := cmd.Flags().GetString("category")
	format, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	dump, err := s.ExportAll(cmd.Context(), category)
	if err != nil {
		exitErr("export", err)
	}

	var w io.Writer = cmd.OutOrStdout()
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			exitErr("export", err)
		}
		defer f.Close()
		w = f
	}
	if err := dump.Encode(w, format); err != nil {
		exitErr("export", err)
	}
}

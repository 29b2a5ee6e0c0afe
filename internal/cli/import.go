package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import records from an export",
		Long: "Import records from JSON or YAML (file or stdin). Expects the format produced by export. " +
			"Records whose id already exists are skipped.",
		Args: cobra.MaximumNArgs(1),
		Run:  runImport,
	}

	cmd.Flags().String("format", "", "Input format: json or yaml (default: from file extension, else json)")

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	format, _ := cmd.Flags().GetString("format")

	var r io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			exitErr("import", err)
		}
		defer f.Close()
		r = f
		if format == "" {
			format = strings.TrimPrefix(filepath.Ext(args[0]), ".")
		}
	}

	dump, err := store.DecodeDump(r, format)
	if err != nil {
		exitErr("parse dump", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	res, err := s.Import(cmd.Context(), dump)
	if err != nil {
		exitErr("import", err)
	}
	fmt.Printf(`{"ok":true,"imported":%d,"skipped":%d}`+"\n", res.Imported, res.Skipped)
}

package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
)

func init() {
	catCmd := &cobra.Command{
		Use:   "categories",
		Short: "List categories with record counts per tier",
		Run:   runCategories,
	}
	catCmd.Flags().String("kind", "", "Only this kind: memory, snapshot, meta")

	RootCmd.AddCommand(catCmd)
}

func runCategories(cmd *cobra.Command, args []string) {
	kindStr, _ := cmd.Flags().GetString("kind")
	var kind model.Kind
	if kindStr != "" {
		k, err := model.ParseKind(kindStr)
		if err != nil {
			exitErr("categories", err)
		}
		kind = k
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	stats, err := s.Stats(cmd.Context())
	if err != nil {
		exitErr("categories", err)
	}

	rows := []store.CategoryStats{}
	for _, c := range stats.Categories {
		if kind == "" || c.Kind == kind {
			rows = append(rows, c)
		}
	}
	printJSON(rows)
}

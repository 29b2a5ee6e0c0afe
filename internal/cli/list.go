package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List index entries",
		Run:   runList,
	}

	cmd.Flags().String("kind", "memory", "Kind: memory, snapshot, meta")
	cmd.Flags().StringP("category", "c", "", "Filter by category")
	cmd.Flags().Bool("pending", false, "Only records not yet summarized into a higher tier")
	cmd.Flags().Bool("recent", false, "Newest first")
	cmd.Flags().IntP("limit", "l", 20, "Max results (0 for all)")
	cmd.Flags().Bool("ids-only", false, "Only output ids")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	kindStr, _ := cmd.Flags().GetString("kind")
	category, _ := cmd.Flags().GetString("category")
	pending, _ := cmd.Flags().GetBool("pending")
	recent, _ := cmd.Flags().GetBool("recent")
	limit, _ := cmd.Flags().GetInt("limit")
	idsOnly, _ := cmd.Flags().GetBool("ids-only")

	kind, err := model.ParseKind(kindStr)
	if err != nil {
		exitErr("list", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	entries, err := s.Entries(cmd.Context(), kind, store.ListOptions{
		Category: category,
		Pending:  pending,
		Recent:   recent,
		Limit:    limit,
	})
	if err != nil {
		exitErr("list", err)
	}

	if idsOnly {
		for _, e := range entries {
			fmt.Println(e.ID)
		}
		return
	}
	if entries == nil {
		entries = []model.IndexEntry{}
	}
	printJSON(entries)
}

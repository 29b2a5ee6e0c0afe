package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a memory, snapshot or meta-snapshot by id",
		Long:  "Fetch a record by id. The kind is inferred from the id prefix unless --kind is given.",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	cmd.Flags().String("kind", "", "Kind: memory, snapshot, meta")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	id := args[0]
	kindStr, _ := cmd.Flags().GetString("kind")

	kind, ok := model.KindOf(id)
	if kindStr != "" {
		k, err := model.ParseKind(kindStr)
		if err != nil {
			exitErr("get", err)
		}
		kind, ok = k, true
	}
	if !ok {
		exitErr("get", &model.ValidationError{Field: "id", Reason: fmt.Sprintf("cannot infer kind of %q", id)})
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	rec, found, err := s.Load(cmd.Context(), kind, id)
	if err != nil {
		exitErr("get", err)
	}
	if !found {
		exitErr("get", fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound))
	}
	printJSON(rec)
}

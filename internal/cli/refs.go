package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "refs <id>",
		Short: "Show what a record summarizes and what summarizes it",
		Long:  "Show outgoing refs (flagging dangling targets) and incoming refs of a record.",
		Args:  cobra.ExactArgs(1),
		Run:   runRefs,
	}

	RootCmd.AddCommand(cmd)
}

func runRefs(cmd *cobra.Command, args []string) {
	id := args[0]

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	out, err := s.Refs(cmd.Context(), id)
	if err != nil {
		exitErr("refs", err)
	}
	in, err := s.Referrers(cmd.Context(), id)
	if err != nil {
		exitErr("refs", err)
	}
	if out == nil {
		out = []store.Ref{}
	}
	if in == nil {
		in = []store.Ref{}
	}
	printJSON(map[string]any{"id": id, "refs": out, "referrers": in})
}

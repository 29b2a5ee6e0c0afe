package cli

import (
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/retrieval"
)

func init() {
	cmd := &cobra.Command{
		Use:   "retrieve [query]",
		Short: "Find the memories relevant to a query",
		Long: "Score every candidate memory by semantic relevance, recency and context match, " +
			"and return those above the configured minimum score, best first.",
		Args: cobra.MinimumNArgs(1),
		Run:  runRetrieve,
	}

	cmd.Flags().StringP("user", "u", "", "User id of the asking user")
	cmd.Flags().StringP("session", "s", "", "Current session id")
	cmd.Flags().IntP("top-k", "k", 0, "Max results (default from config)")
	cmd.Flags().String("history", "", "JSON file of prior turns [{is_user, content, timestamp}], - for stdin")
	cmd.Flags().Bool("snapshots", false, "Also list matching snapshots and meta-snapshots")

	RootCmd.AddCommand(cmd)
}

func runRetrieve(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	session, _ := cmd.Flags().GetString("session")
	topK, _ := cmd.Flags().GetInt("top-k")
	historyPath, _ := cmd.Flags().GetString("history")
	snapshots, _ := cmd.Flags().GetBool("snapshots")

	history, err := readHistory(historyPath)
	if err != nil {
		exitErr("history", err)
	}

	a := mustOpenApp()
	defer a.Close()

	resp, err := a.engine.Retrieve(cmd.Context(), retrieval.Request{
		CurrentQuery:     strings.Join(args, " "),
		History:          history,
		Timestamp:        a.manager.Now(),
		UserID:           user,
		SessionID:        session,
		TopK:             topK,
		IncludeSnapshots: snapshots,
	})
	if err != nil {
		exitErr("retrieve", err)
	}
	printJSON(resp)
}

func readHistory(path string) ([]retrieval.HistoryEntry, error) {
	if path == "" {
		return nil, nil
	}
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var history []retrieval.HistoryEntry
	if err := json.NewDecoder(r).Decode(&history); err != nil {
		return nil, &model.ValidationError{Field: "history", Reason: err.Error()}
	}
	return history, nil
}

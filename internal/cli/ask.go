package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/retrieval"
	"github.com/rcliao/tiered-memory/internal/snapshot"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question using relevant memories, then remember the exchange",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAsk,
	}

	cmd.Flags().StringP("user", "u", "", "User id")
	cmd.Flags().StringP("session", "s", "", "Session id (default: random uuid)")
	cmd.Flags().StringP("category", "c", "", "Category hint for the stored exchange")
	cmd.Flags().Bool("no-store", false, "Do not store the exchange")

	RootCmd.AddCommand(cmd)
}

// AskResult is the output of ask.
type AskResult struct {
	Answer string              `json:"answer"`
	Used   []retrieval.Result  `json:"used_memories"`
	Stored *snapshot.AddResult `json:"stored,omitempty"`
}

func runAsk(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	session, _ := cmd.Flags().GetString("session")
	category, _ := cmd.Flags().GetString("category")
	noStore, _ := cmd.Flags().GetBool("no-store")
	if session == "" {
		session = uuid.NewString()
	}

	a := mustOpenApp()
	defer a.Close()
	if a.llm == nil {
		exitErr("ask", fmt.Errorf("no llm provider configured (set llm.provider or TIERMEM_LLM_PROVIDER)"))
	}

	res, err := ask(cmd.Context(), a, strings.Join(args, " "), user, session, category, !noStore)
	if err != nil {
		exitErr("ask", err)
	}
	printJSON(res)
}

func ask(ctx context.Context, a *app, question, user, session, category string, remember bool) (*AskResult, error) {
	resp, err := a.engine.Retrieve(ctx, retrieval.Request{
		CurrentQuery: question,
		Timestamp:    a.manager.Now(),
		UserID:       user,
		SessionID:    session,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	var memories []*model.BaseMemory
	for _, r := range resp.RelevantMemories {
		m, found, err := a.store.GetMemory(ctx, r.MemoryID)
		if err != nil {
			return nil, err
		}
		if found {
			memories = append(memories, m)
		}
	}

	answer, err := a.llm.Complete(ctx, askPrompt(question, memories))
	if err != nil {
		return nil, &model.GenerationError{Op: "ask", Err: err}
	}
	answer = strings.TrimSpace(answer)

	out := &AskResult{Answer: answer, Used: resp.RelevantMemories}
	if out.Used == nil {
		out.Used = []retrieval.Result{}
	}
	if !remember {
		return out, nil
	}

	mctx, err := buildContext(user, session, category, "", "")
	if err != nil {
		return nil, err
	}
	out.Stored, err = a.manager.AddMemory(ctx, "User: "+question+"\nAssistant: "+answer, mctx)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func askPrompt(question string, memories []*model.BaseMemory) string {
	var b strings.Builder
	b.WriteString("You are an assistant with long-term memory of earlier conversations.\n")
	if len(memories) == 0 {
		b.WriteString("No earlier conversation is relevant.\n")
	} else {
		b.WriteString("Relevant earlier conversation turns, most relevant first:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "\n[%s]\n%s\n", m.Timestamp, strings.TrimSpace(m.Content))
		}
	}
	b.WriteString("\nAnswer the question concisely. Use the earlier turns only when they help.\n")
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "add [content]",
		Short: "Store a conversation turn as a base memory",
		Long: "Store a base memory. Content can be a positional arg or piped via stdin. " +
			"A snapshot is created when the memory's category reaches the trigger count or interval.",
		Run: runAdd,
	}

	cmd.Flags().StringP("user", "u", "", "User id")
	cmd.Flags().StringP("session", "s", "", "Session id (default: random uuid)")
	cmd.Flags().StringP("category", "c", "", "Category hint")
	cmd.Flags().String("context", "", "JSON object merged into other_context")
	cmd.Flags().String("api-call", "", "JSON api_call object {name, request, response, error}")

	RootCmd.AddCommand(cmd)
}

func runAdd(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	session, _ := cmd.Flags().GetString("session")
	category, _ := cmd.Flags().GetString("category")
	other, _ := cmd.Flags().GetString("context")
	apiCall, _ := cmd.Flags().GetString("api-call")

	content, err := readContent(args)
	if err != nil {
		exitErr("read stdin", err)
	}
	if strings.TrimSpace(content) == "" {
		exitErr("add", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	mctx, err := buildContext(user, session, category, other, apiCall)
	if err != nil {
		exitErr("add", err)
	}

	a := mustOpenApp()
	defer a.Close()

	res, err := a.manager.AddMemory(cmd.Context(), strings.TrimSpace(content), mctx)
	if err != nil {
		exitErr("add", err)
	}
	printJSON(res)
}

// readContent joins positional args, falling back to piped stdin.
func readContent(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	stat, _ := os.Stdin.Stat()
	if stat != nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return "", nil
}

func buildContext(user, session, category, other, apiCall string) (model.MemoryContext, error) {
	mctx := model.MemoryContext{UserID: user, SessionID: session}
	if mctx.SessionID == "" {
		mctx.SessionID = uuid.NewString()
	}
	if other != "" {
		if err := json.Unmarshal([]byte(other), &mctx.OtherContext); err != nil {
			return mctx, &model.ValidationError{Field: "context", Reason: err.Error()}
		}
	}
	if category != "" {
		if mctx.OtherContext == nil {
			mctx.OtherContext = map[string]any{}
		}
		mctx.OtherContext["category"] = category
	}
	if apiCall != "" {
		mctx.APICall = &model.APICall{}
		if err := json.Unmarshal([]byte(apiCall), mctx.APICall); err != nil {
			return mctx, &model.ValidationError{Field: "api_call", Reason: err.Error()}
		}
	}
	return mctx, nil
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete base memories older than the retention window",
		Long: "Delete base memories older than --days. Snapshots are kept; " +
			"their refs to deleted memories become dangling.",
		Run: runCleanup,
	}
	cleanupCmd.Flags().Int("days", 0, "Retention in days (default from config)")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every record of every tier",
		Run:   runClear,
	}
	clearCmd.Flags().Bool("yes", false, "Confirm deletion (irreversible)")

	RootCmd.AddCommand(cleanupCmd, clearCmd)
}

func runCleanup(cmd *cobra.Command, args []string) {
	days, _ := cmd.Flags().GetInt("days")
	if !cmd.Flags().Changed("days") {
		days = cfg.Maintenance.RetentionDays
	}

	a := mustOpenApp()
	defer a.Close()

	removed, err := a.maint.CleanupOldMemories(cmd.Context(), days)
	if err != nil {
		exitErr("cleanup", err)
	}
	printJSON(map[string]any{"removed": removed, "count": len(removed)})
}

func runClear(cmd *cobra.Command, args []string) {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		exitErr("clear", fmt.Errorf("refusing to delete everything without --yes"))
	}

	a := mustOpenApp()
	defer a.Close()

	if err := a.maint.ClearAll(cmd.Context()); err != nil {
		exitErr("clear", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"db":%q}`+"\n", getDBPath())
}

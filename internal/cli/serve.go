package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/api"
	"github.com/rcliao/tiered-memory/internal/maintenance"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run periodic maintenance",
		Long: "Serve the JSON API. A background worker deletes memories past the retention window " +
			"and clusters snapshots into meta-snapshots every maintenance interval.",
		Run: runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (default from config)")
	cmd.Flags().Bool("no-maintenance", false, "Disable the background maintenance worker")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("addr")
	noMaint, _ := cmd.Flags().GetBool("no-maintenance")
	if addr == "" {
		addr = cfg.Server.Addr
	}

	a := mustOpenApp()
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !noMaint {
		w := maintenance.NewWorker(a.maint, a.manager, maintenance.WorkerConfig{
			Interval:      cfg.Maintenance.Interval,
			RetentionDays: cfg.Maintenance.RetentionDays,
		})
		w.Start()
		defer w.Stop()
	}

	srv := api.New(a.store, a.manager, a.engine, a.maint, logger)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		exitErr("serve", err)
	}
}

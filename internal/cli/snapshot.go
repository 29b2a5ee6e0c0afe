package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/tiered-memory/internal/model"
)

func init() {
	snapCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Snapshot and meta-snapshot management",
	}

	createCmd := &cobra.Command{
		Use:   "create <memory-id>...",
		Short: "Summarize base memories into a snapshot",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSnapshotCreate,
	}
	createCmd.Flags().StringP("category", "c", "", "Category (default: chosen by the generator)")
	createCmd.Flags().Float64("importance", 0, "Importance in [0,1] (default: chosen by the generator)")

	metaCmd := &cobra.Command{
		Use:   "meta <snapshot-id>...",
		Short: "Cluster snapshots into a meta-snapshot",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSnapshotMeta,
	}
	metaCmd.Flags().StringP("category", "c", "", "Category (default: most common snapshot category)")
	metaCmd.Flags().String("description", "", "Description (default: generated)")

	findCmd := &cobra.Command{
		Use:   "find <category>",
		Short: "List snapshots or meta-snapshots in a category",
		Args:  cobra.ExactArgs(1),
		Run:   runSnapshotFind,
	}
	findCmd.Flags().String("kind", "snapshot", "Kind: memory, snapshot, meta")

	clusterCmd := &cobra.Command{
		Use:   "cluster",
		Short: "Fold unclustered snapshots into meta-snapshots per category",
		Run:   runSnapshotCluster,
	}
	clusterCmd.Flags().Bool("force", false, "Cluster categories below the meta cluster size")

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "Show pending base memories per group",
		Run:   runSnapshotPending,
	}

	snapCmd.AddCommand(createCmd, metaCmd, findCmd, clusterCmd, pendingCmd)
	RootCmd.AddCommand(snapCmd)
}

func runSnapshotCreate(cmd *cobra.Command, args []string) {
	category, _ := cmd.Flags().GetString("category")
	var importance *float64
	if cmd.Flags().Changed("importance") {
		v, _ := cmd.Flags().GetFloat64("importance")
		importance = &v
	}

	a := mustOpenApp()
	defer a.Close()

	snap, err := a.manager.CreateSnapshot(cmd.Context(), args, category, importance)
	if err != nil {
		exitErr("create snapshot", err)
	}
	printJSON(snap)
}

func runSnapshotMeta(cmd *cobra.Command, args []string) {
	category, _ := cmd.Flags().GetString("category")
	description, _ := cmd.Flags().GetString("description")

	a := mustOpenApp()
	defer a.Close()

	res, err := a.manager.CreateMetaSnapshot(cmd.Context(), args, category, description)
	if err != nil {
		exitErr("create meta-snapshot", err)
	}
	printJSON(res)
}

func runSnapshotFind(cmd *cobra.Command, args []string) {
	kindStr, _ := cmd.Flags().GetString("kind")
	kind, err := model.ParseKind(kindStr)
	if err != nil {
		exitErr("find", err)
	}

	a := mustOpenApp()
	defer a.Close()

	recs, err := a.manager.FindByCategory(cmd.Context(), kind, args[0])
	if err != nil {
		exitErr("find", err)
	}
	if recs == nil {
		recs = []model.Record{}
	}
	printJSON(recs)
}

func runSnapshotCluster(cmd *cobra.Command, args []string) {
	force, _ := cmd.Flags().GetBool("force")

	a := mustOpenApp()
	defer a.Close()

	res, err := a.manager.ClusterSnapshots(cmd.Context(), force)
	if err != nil {
		exitErr("cluster", err)
	}
	printJSON(map[string]any{"created": len(res), "meta_snapshots": res})
}

func runSnapshotPending(cmd *cobra.Command, args []string) {
	a := mustOpenApp()
	defer a.Close()

	memories, err := a.manager.Pending(cmd.Context())
	if err != nil {
		exitErr("pending", err)
	}
	snapshots, err := a.store.PendingCounts(cmd.Context(), model.KindSnapshot)
	if err != nil {
		exitErr("pending", err)
	}
	printJSON(map[string]any{
		"memories":              memories,
		"unclustered_snapshots": snapshots,
		"trigger_count":         a.manager.Config().TriggerCount,
		"meta_cluster_size":     a.manager.Config().MetaClusterSize,
	})
}

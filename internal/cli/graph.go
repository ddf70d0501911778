package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/machPoint/pm-net/internal/graph"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Read and edit the work graph",
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage nodes",
}

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Manage edges",
}

var nodeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a node",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		flags := cmd.Flags()
		nodeType, _ := flags.GetString("type")
		title, _ := flags.GetString("title")
		desc, _ := flags.GetString("description")
		status, _ := flags.GetString("status")
		id, _ := flags.GetString("id")
		by, _ := flags.GetString("by")
		rawMeta, _ := flags.GetStringArray("meta")

		meta, err := parseKeyValues(rawMeta)
		if err != nil {
			return err
		}
		n, err := a.graph.CreateNode(cmd.Context(), graph.NodeInput{
			ID:          id,
			NodeType:    nodeType,
			Title:       title,
			Description: desc,
			Status:      status,
			Metadata:    meta,
			CreatedBy:   by,
		})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), n)
	}),
}

var nodeGetCmd = &cobra.Command{
	Use:   "get <node-id>",
	Short: "Show a node, or its version history with --history",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		history, _ := cmd.Flags().GetBool("history")
		deleted, _ := cmd.Flags().GetBool("include-deleted")
		if history {
			records, err := a.graph.GetNodeHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), records)
		}
		n, err := a.graph.GetNode(cmd.Context(), args[0], graph.GetOptions{IncludeDeleted: deleted})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), n)
	}),
}

var nodeUpdateCmd = &cobra.Command{
	Use:   "update <node-id>",
	Short: "Update a node's fields (metadata keys are merged)",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		flags := cmd.Flags()
		var upd graph.NodeUpdate
		if flags.Changed("title") {
			v, _ := flags.GetString("title")
			upd.Title = &v
		}
		if flags.Changed("description") {
			v, _ := flags.GetString("description")
			upd.Description = &v
		}
		if flags.Changed("status") {
			v, _ := flags.GetString("status")
			upd.Status = &v
		}
		rawMeta, _ := flags.GetStringArray("meta")
		meta, err := parseKeyValues(rawMeta)
		if err != nil {
			return err
		}
		upd.Metadata = meta
		by, _ := flags.GetString("by")

		n, err := a.graph.UpdateNode(cmd.Context(), args[0], upd, by)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), n)
	}),
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		flags := cmd.Flags()
		types, _ := flags.GetStringSlice("type")
		statuses, _ := flags.GetStringSlice("status")
		by, _ := flags.GetString("created-by")
		contains, _ := flags.GetString("contains")
		deleted, _ := flags.GetBool("include-deleted")
		limit, _ := flags.GetInt("limit")
		offset, _ := flags.GetInt("offset")
		rawMeta, _ := flags.GetStringArray("meta")
		meta, err := parseKeyValues(rawMeta)
		if err != nil {
			return err
		}

		nodes, err := a.graph.ListNodes(cmd.Context(), graph.NodeFilter{
			Types:          types,
			Statuses:       statuses,
			CreatedBy:      by,
			TitleContains:  contains,
			Metadata:       meta,
			IncludeDeleted: deleted,
			Limit:          limit,
			Offset:         offset,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(nodes) == 0 {
			fmt.Fprintln(out, "No nodes.")
			return nil
		}
		for _, n := range nodes {
			fmt.Fprintf(out, "%s  %-16s  %-10s  %s\n", n.ID, n.NodeType, n.Status, n.Title)
		}
		return nil
	}),
}

var nodeDeleteCmd = &cobra.Command{
	Use:   "delete <node-id>",
	Short: "Soft-delete a node and its edges",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		if err := a.graph.DeleteNode(cmd.Context(), args[0], by); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted node %s\n", args[0])
		return nil
	}),
}

var edgeCreateCmd = &cobra.Command{
	Use:   "create <source-id> <edge-type> <target-id>",
	Short: "Create an edge",
	Args:  cobra.ExactArgs(3),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		flags := cmd.Flags()
		by, _ := flags.GetString("by")
		bidi, _ := flags.GetBool("bidirectional")
		rawMeta, _ := flags.GetStringArray("meta")
		meta, err := parseKeyValues(rawMeta)
		if err != nil {
			return err
		}

		in := graph.EdgeInput{
			SourceID:  args[0],
			EdgeType:  args[1],
			TargetID:  args[2],
			Metadata:  meta,
			CreatedBy: by,
		}
		if flags.Changed("weight") {
			w, _ := flags.GetFloat64("weight")
			in.Weight = &w
		}
		if bidi {
			in.Directionality = graph.Bidirectional
		}

		e, err := a.graph.CreateEdge(cmd.Context(), in)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), e)
	}),
}

var edgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List edges, optionally around one node",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		flags := cmd.Flags()
		nodeID, _ := flags.GetString("node")
		dir, _ := flags.GetString("direction")
		types, _ := flags.GetStringSlice("type")
		deleted, _ := flags.GetBool("include-deleted")
		limit, _ := flags.GetInt("limit")

		direction, err := parseDirection(dir)
		if err != nil {
			return err
		}
		edges, err := a.graph.ListEdges(cmd.Context(), graph.EdgeFilter{
			NodeID:         nodeID,
			Direction:      direction,
			Types:          types,
			IncludeDeleted: deleted,
			Limit:          limit,
		})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), edges)
	}),
}

var edgeDeleteCmd = &cobra.Command{
	Use:   "delete <edge-id>",
	Short: "Soft-delete an edge",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		if err := a.graph.DeleteEdge(cmd.Context(), args[0], by); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted edge %s\n", args[0])
		return nil
	}),
}

var traverseCmd = &cobra.Command{
	Use:   "traverse <start-id>",
	Short: "Breadth-first traversal from a node",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		flags := cmd.Flags()
		dir, _ := flags.GetString("direction")
		edgeTypes, _ := flags.GetStringSlice("edge-type")
		nodeTypes, _ := flags.GetStringSlice("node-type")
		depth, _ := flags.GetInt("depth")
		paths, _ := flags.GetBool("paths")

		direction, err := parseDirection(dir)
		if err != nil {
			return err
		}
		sub, err := a.graph.Traverse(cmd.Context(), graph.TraverseOptions{
			Start:        args[0],
			Direction:    direction,
			EdgeTypes:    edgeTypes,
			NodeTypes:    nodeTypes,
			MaxDepth:     depth,
			IncludePaths: paths,
		})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), sub)
	}),
}

var pathCmd = &cobra.Command{
	Use:   "path <from-id> <to-id>",
	Short: "Shortest path between two nodes",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")
		p, err := a.graph.FindPath(cmd.Context(), args[0], args[1], depth)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), p)
	}),
}

var impactCmd = &cobra.Command{
	Use:   "impact <node-id>...",
	Short: "Nodes affected by a change to the given nodes",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		depth, _ := cmd.Flags().GetInt("depth")
		if len(args) == 1 {
			sub, err := a.graph.FindImpact(cmd.Context(), args[0], depth)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), sub)
		}
		return writeJSON(cmd.OutOrStdout(), a.graph.BatchImpact(cmd.Context(), args, depth))
	}),
}

func parseDirection(s string) (graph.Direction, error) {
	switch d := graph.Direction(s); d {
	case "", graph.Outgoing, graph.Incoming, graph.Both:
		return d, nil
	default:
		return "", fmt.Errorf("invalid direction %q (expected outgoing, incoming or both)", s)
	}
}

func init() {
	nodeCreateCmd.Flags().String("type", "", "Node type (required)")
	nodeCreateCmd.Flags().String("title", "", "Title (required)")
	nodeCreateCmd.Flags().String("description", "", "Description")
	nodeCreateCmd.Flags().String("status", "", "Status (default active)")
	nodeCreateCmd.Flags().String("id", "", "Explicit id (generated when empty)")
	nodeCreateCmd.Flags().String("by", "cli", "Actor recorded as creator")
	nodeCreateCmd.Flags().StringArray("meta", nil, "Metadata key=value, repeatable")
	_ = nodeCreateCmd.MarkFlagRequired("type")
	_ = nodeCreateCmd.MarkFlagRequired("title")

	nodeGetCmd.Flags().Bool("history", false, "Show version history instead")
	nodeGetCmd.Flags().Bool("include-deleted", false, "Return soft-deleted nodes too")

	nodeUpdateCmd.Flags().String("title", "", "New title")
	nodeUpdateCmd.Flags().String("description", "", "New description")
	nodeUpdateCmd.Flags().String("status", "", "New status")
	nodeUpdateCmd.Flags().StringArray("meta", nil, "Metadata key=value to merge (key=null removes), repeatable")
	nodeUpdateCmd.Flags().String("by", "cli", "Actor recorded on the history row")

	nodeListCmd.Flags().StringSlice("type", nil, "Filter by node type")
	nodeListCmd.Flags().StringSlice("status", nil, "Filter by status")
	nodeListCmd.Flags().String("created-by", "", "Filter by creator")
	nodeListCmd.Flags().String("contains", "", "Filter by title substring")
	nodeListCmd.Flags().StringArray("meta", nil, "Filter by metadata key=value, repeatable")
	nodeListCmd.Flags().Bool("include-deleted", false, "Include soft-deleted nodes")
	nodeListCmd.Flags().Int("limit", 0, "Maximum number of nodes")
	nodeListCmd.Flags().Int("offset", 0, "Nodes to skip")

	nodeDeleteCmd.Flags().String("by", "cli", "Actor recorded on the history row")

	edgeCreateCmd.Flags().Float64("weight", 1.0, "Weight between 0 and 1")
	edgeCreateCmd.Flags().Bool("bidirectional", false, "Make the edge traversable both ways")
	edgeCreateCmd.Flags().StringArray("meta", nil, "Metadata key=value, repeatable")
	edgeCreateCmd.Flags().String("by", "cli", "Actor recorded as creator")

	edgeListCmd.Flags().String("node", "", "Only edges touching this node")
	edgeListCmd.Flags().String("direction", "", "outgoing, incoming or both")
	edgeListCmd.Flags().StringSlice("type", nil, "Filter by edge type")
	edgeListCmd.Flags().Bool("include-deleted", false, "Include soft-deleted edges")
	edgeListCmd.Flags().Int("limit", 0, "Maximum number of edges")

	edgeDeleteCmd.Flags().String("by", "cli", "Actor recorded on the history row")

	traverseCmd.Flags().String("direction", "", "outgoing, incoming or both (default outgoing)")
	traverseCmd.Flags().StringSlice("edge-type", nil, "Only follow these edge types")
	traverseCmd.Flags().StringSlice("node-type", nil, "Only return these node types")
	traverseCmd.Flags().Int("depth", 0, "Maximum depth (0 uses the default)")
	traverseCmd.Flags().Bool("paths", false, "Include the path to each node")

	pathCmd.Flags().Int("depth", 0, "Maximum hops (0 uses the default)")
	impactCmd.Flags().Int("depth", 0, "Maximum depth (0 uses the default)")

	nodeCmd.AddCommand(nodeCreateCmd, nodeGetCmd, nodeUpdateCmd, nodeListCmd, nodeDeleteCmd)
	edgeCmd.AddCommand(edgeCreateCmd, edgeListCmd, edgeDeleteCmd)
	graphCmd.AddCommand(nodeCmd, edgeCmd, traverseCmd, pathCmd, impactCmd)
}

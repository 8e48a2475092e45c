package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MythologIQ/hearthlink/internal/memory"
)

var (
	memPersona       string
	memUser          string
	memTypes         []string
	memLimit         int
	memMinSimilarity float64
	memKeywords      []string
	memHybrid        bool

	pruneDryRun bool
	prunePolicy string
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and maintain the semantic memory store",
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory statistics for a persona/user scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "memory_stats")
		defer span.End()

		c, closeAll, err := buildCore(ctx)
		if err != nil {
			return err
		}
		defer closeAll()

		stats, err := c.Memory().Statistics(ctx, memory.OwnerScope{PersonaID: memPersona, UserID: memUser})
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Retrieve memories by semantic or hybrid similarity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "memory_search")
		defer span.End()

		c, closeAll, err := buildCore(ctx)
		if err != nil {
			return err
		}
		defer closeAll()

		scope := memory.OwnerScope{PersonaID: memPersona, UserID: memUser}
		var results []memory.SearchResult
		if memHybrid {
			results = c.Memory().HybridRetrieve(ctx, args[0], memKeywords, scope,
				memTypes, memLimit, 0.3, 0.7)
		} else {
			results = c.Memory().SemanticRetrieve(ctx, args[0], scope,
				memTypes, memLimit, memMinSimilarity)
		}

		for _, r := range results {
			fmt.Printf("%.4f  %-10s  %s  %s\n",
				r.Score, r.Slice.MemoryType, r.Slice.SliceID, r.Slice.Content)
		}
		if len(results) == 0 {
			fmt.Fprintln(os.Stderr, "no matching memories")
		}
		return nil
	},
}

var memoryPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune and archive old conversations per a retention policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "memory_prune")
		defer span.End()

		c, closeAll, err := buildCore(ctx)
		if err != nil {
			return err
		}
		defer closeAll()

		report, err := c.Pruner().Prune(ctx, prunePolicy, pruneDryRun)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	memoryCmd.PersistentFlags().StringVar(&memPersona, "persona", "", "persona scope")
	memoryCmd.PersistentFlags().StringVar(&memUser, "user", "", "user scope")

	memorySearchCmd.Flags().StringSliceVar(&memTypes, "types", nil, "memory types to include (episodic, semantic, procedural, working)")
	memorySearchCmd.Flags().IntVar(&memLimit, "limit", 10, "maximum results")
	memorySearchCmd.Flags().Float64Var(&memMinSimilarity, "min-similarity", 0.1, "minimum cosine similarity")
	memorySearchCmd.Flags().StringSliceVar(&memKeywords, "keywords", nil, "query keywords for hybrid search")
	memorySearchCmd.Flags().BoolVar(&memHybrid, "hybrid", false, "blend keyword overlap with semantic similarity")

	memoryPruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "report without deleting")
	memoryPruneCmd.Flags().StringVar(&prunePolicy, "policy", "moderate", "retention policy (aggressive, moderate, conservative)")

	memoryCmd.AddCommand(memoryStatsCmd)
	memoryCmd.AddCommand(memorySearchCmd)
	memoryCmd.AddCommand(memoryPruneCmd)
	rootCmd.AddCommand(memoryCmd)
}

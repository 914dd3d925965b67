package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperjump/tansaku/internal/cli"
	"github.com/hyperjump/tansaku/internal/models"
	"github.com/hyperjump/tansaku/internal/threshold"
)

// queryFlags are the flags that shape a models.SearchQuery.
type queryFlags struct {
	vector        string
	k             int
	pruning       int
	metric        string
	multiFactor   bool
	minScore      float64
	autoThreshold bool
	rerank        bool
	collection    string
}

func (f *queryFlags) register(cmd *cobra.Command, full bool) {
	fs := cmd.Flags()
	fs.StringVar(&f.vector, "vector", "", "query vector as a JSON array or comma separated floats")
	fs.IntVarP(&f.k, "limit", "k", 0, "number of results (0 uses the configured default)")
	fs.IntVar(&f.pruning, "pruning", 0, "pruning factor: index nodes searched per level")
	fs.StringVar(&f.metric, "metric", "", "similarity metric override (cosine, euclidean, manhattan, dot_product)")
	fs.StringVar(&f.collection, "collection", "", "restrict results to a collection")
	fs.BoolVar(&f.multiFactor, "multi-factor", false, "rank with the weighted factor set")
	if !full {
		return
	}
	fs.Float64Var(&f.minScore, "min-score", 0, "drop results whose relevance is below this")
	fs.BoolVar(&f.autoThreshold, "auto-threshold", false, "calibrate a cutoff from the candidate scores")
	fs.BoolVar(&f.rerank, "rerank", false, "apply recency, source and popularity boosts")
}

// buildSearchQuery joins positional args into the query text.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func (f *queryFlags) query(args []string) (*models.SearchQuery, error) {
	vec, err := cli.ParseVector(f.vector)
	if err != nil {
		return nil, err
	}
	q := &models.SearchQuery{
		Text:          buildSearchQuery(args),
		Vector:        vec,
		K:             f.k,
		PruningFactor: f.pruning,
		Metric:        f.metric,
		MultiFactor:   f.multiFactor,
		MinScore:      f.minScore,
		AutoThreshold: f.autoThreshold,
		Rerank:        f.rerank,
		Collection:    f.collection,
	}
	if q.Text == "" && len(q.Vector) == 0 {
		return nil, fmt.Errorf("a query text or --vector is required")
	}
	return q, nil
}

func newIndexCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "index [file]",
		Short: "Insert or replace documents read as JSON lines (stdin when file is omitted or -)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", args[0], err)
				}
				defer f.Close()
				in = f
			}
			docs, err := cli.ReadDocuments(in)
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				return fmt.Errorf("no documents to index")
			}

			engine, done, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			results, err := engine.InsertBatch(cmd.Context(), docs)
			if err != nil {
				return err
			}
			return cli.WriteJSON(cmd.OutOrStdout(), cli.SummarizeBatch(results))
		},
	}
}

func newSearchCmd(a *app) *cobra.Command {
	var (
		qf     queryFlags
		format string
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search by text or by --vector",
		RunE: func(cmd *cobra.Command, args []string) error {
			outFormat, err := cli.ParseOutputFormat(format)
			if err != nil {
				return err
			}
			q, err := qf.query(args)
			if err != nil {
				return err
			}
			engine, done, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			resp, err := engine.Search(cmd.Context(), q)
			if err != nil {
				return err
			}
			return cli.WriteSearchResults(cmd.OutOrStdout(), resp, outFormat)
		},
	}
	qf.register(cmd, true)
	cmd.Flags().StringVar(&format, "format", string(cli.OutputText), "output format: text or json")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a stored document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, done, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			doc, err := engine.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return cli.WriteJSON(cmd.OutOrStdout(), doc)
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Remove documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, done, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			for _, id := range args {
				if err := engine.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("failed to delete %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			}
			return nil
		},
	}
}

func newRebuildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the vector index from storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, done, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if err := engine.Rebuild(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Index rebuilt")
			return nil
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print storage and index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, done, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			stats, err := engine.Statistics(cmd.Context())
			if err != nil {
				return err
			}
			return cli.WriteJSON(cmd.OutOrStdout(), stats)
		},
	}
}

// calibration is the output of the calibrate command.
type calibration struct {
	Method       string                     `json:"method,omitempty"`
	Threshold    float64                    `json:"threshold"`
	Levels       []threshold.ThresholdLevel `json:"levels"`
	Optimization *threshold.Optimization    `json:"optimization,omitempty"`
}

func newCalibrateCmd(a *app) *cobra.Command {
	var (
		qf       queryFlags
		method   string
		relevant []string
		optimize string
		lo, hi   float64
		steps    int
	)
	cmd := &cobra.Command{
		Use:   "calibrate [query]",
		Short: "Suggest similarity thresholds for a query, optionally tuned against relevant ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := qf.query(args)
			if err != nil {
				return err
			}
			var m threshold.Method
			if method != "" {
				if m, err = threshold.ParseMethod(method); err != nil {
					return err
				}
			}
			var om threshold.OptimizeMetric
			if optimize != "" {
				if om, err = threshold.ParseOptimizeMetric(optimize); err != nil {
					return err
				}
			}

			engine, done, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			ctx := cmd.Context()
			cutoff, err := engine.CalibrateThreshold(ctx, q, m, threshold.Params{})
			if err != nil {
				return err
			}
			levels, err := engine.RecommendThresholds(ctx, q)
			if err != nil {
				return err
			}
			out := calibration{Method: string(m), Threshold: cutoff, Levels: levels}
			if len(relevant) > 0 {
				pairs, err := engine.LabeledPairs(ctx, q, relevant)
				if err != nil {
					return err
				}
				if out.Optimization, err = engine.OptimizeThreshold(pairs, om, lo, hi, steps); err != nil {
					return err
				}
			}
			return cli.WriteJSON(cmd.OutOrStdout(), out)
		},
	}
	qf.register(cmd, false)
	fs := cmd.Flags()
	fs.StringVar(&method, "method", "", "percentile, mean, mean_stddev, elbow, otsu or adaptive (default from config)")
	fs.StringSliceVar(&relevant, "relevant", nil, "ids known to be relevant; enables threshold optimization")
	fs.StringVar(&optimize, "optimize", "", "metric to optimize: f1, precision, recall or accuracy")
	fs.Float64Var(&lo, "lo", 0, "lowest threshold evaluated")
	fs.Float64Var(&hi, "hi", 1, "highest threshold evaluated")
	fs.IntVar(&steps, "steps", 0, "thresholds evaluated (0 uses the configured default)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tansaku version %s\n", version)
		},
	}
}

// Command quiver is a thin command-line caller of the engine: create
// collections, insert vectors, search, and inspect statistics against a
// local data directory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quiverdb/quiver"
	"github.com/quiverdb/quiver/pkg/config"
)

var (
	dataDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "quiver",
	Short: "Embeddable vector database engine",
	Long:  `quiver manages collections of vectors with HNSW indexing, quantization, and hybrid BM25 retrieval.`,
}

func openStore() (*quiver.Store, error) {
	cfg := config.LoadFromEnv()
	cfg.Storage.DataDir = dataDir
	if verbose {
		cfg.Log.Level = "DEBUG"
	}

	store, err := quiver.Open(quiver.WithConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	for _, warning := range store.RecoveryWarnings() {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}
	return store, nil
}

var createCmd = &cobra.Command{
	Use:   "create <collection>",
	Short: "Create a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dimension, _ := cmd.Flags().GetInt("dim")
		metric, _ := cmd.Flags().GetString("metric")
		hybrid, _ := cmd.Flags().GetBool("hybrid")
		quantized, _ := cmd.Flags().GetString("quantization")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		cfg := quiver.DefaultCollectionConfig(dimension)
		cfg.Metric = quiver.Metric(metric)
		cfg.Hybrid = hybrid
		if quantized != "" {
			cfg.Quantization.Enabled = true
			cfg.Quantization.Type = quantized
		}

		if _, err := store.CreateCollection(context.Background(), args[0], cfg); err != nil {
			return err
		}

		fmt.Printf("collection %s created (dim=%d metric=%s)\n", args[0], dimension, metric)
		return nil
	},
}

var insertCmd = &cobra.Command{
	Use:   "insert <collection> <id>",
	Short: "Insert or upsert one vector",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		payloadStr, _ := cmd.Flags().GetString("payload")
		upsert, _ := cmd.Flags().GetBool("upsert")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		var payload map[string]interface{}
		if payloadStr != "" {
			if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
				return fmt.Errorf("parse payload: %w", err)
			}
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		record := quiver.VectorRecord{ID: args[1], Vector: vector, Payload: payload}
		ctx := context.Background()
		if upsert {
			err = store.Upsert(ctx, args[0], record)
		} else {
			err = store.Insert(ctx, args[0], record)
		}
		if err != nil {
			return err
		}

		if err := store.ForceSave(args[0]); err != nil {
			return err
		}

		fmt.Printf("inserted %s into %s\n", args[1], args[0])
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <collection>",
	Short: "Dense k-NN search",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		k, _ := cmd.Flags().GetInt("k")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		resp, err := store.Search(context.Background(), args[0], vector, k)
		if err != nil {
			return err
		}

		printResults(resp)
		return nil
	},
}

var hybridCmd = &cobra.Command{
	Use:   "hybrid <collection>",
	Short: "Hybrid dense+sparse search with RRF fusion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		text, _ := cmd.Flags().GetString("text")
		k, _ := cmd.Flags().GetInt("k")
		alpha, _ := cmd.Flags().GetFloat64("alpha")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		results, err := store.HybridSearch(context.Background(), args[0], vector, strings.Fields(text), k, alpha)
		if err != nil {
			return err
		}

		for i, r := range results {
			fmt.Printf("%2d. %-24s rrf=%.5f dense=%.4f sparse=%.4f\n",
				i+1, r.ID, r.Score, r.DenseScore, r.SparseScore)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <collection> <id>...",
	Short: "Delete vectors by id",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Delete(context.Background(), args[0], args[1:]...); err != nil {
			return err
		}
		fmt.Printf("deleted %d ids from %s\n", len(args)-1, args[0])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <collection>",
	Short: "Show collection statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		info, err := store.GetCollectionInfo(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("collection:     %s\n", info.Stats.Name)
		fmt.Printf("dimension:      %d\n", info.Config.Dimension)
		fmt.Printf("metric:         %s\n", info.Config.Metric)
		fmt.Printf("live:           %d\n", info.Stats.Live)
		fmt.Printf("tombstoned:     %d\n", info.Stats.Tombstoned)
		fmt.Printf("rebuild needed: %v\n", info.Stats.RebuildNeeded)
		fmt.Printf("last seq:       %d\n", info.Stats.LastSeq)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List collections",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		for _, name := range store.ListCollections() {
			fmt.Println(name)
		}
		return nil
	},
}

var trainCmd = &cobra.Command{
	Use:   "train <collection>",
	Short: "Train the collection's quantizer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		samples, _ := cmd.Flags().GetInt("samples")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.TrainQuantizer(args[0], samples); err != nil {
			return err
		}
		fmt.Printf("quantizer trained for %s\n", args[0])
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact <collection>",
	Short: "Rebuild the index and snapshot the collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Rebuild(args[0]); err != nil {
			return err
		}
		if err := store.ForceSave(args[0]); err != nil {
			return err
		}

		stats, err := store.Stats(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("compacted %s: live=%d tombstoned=%d\n", args[0], stats.Live, stats.Tombstoned)
		return nil
	},
}

func parseVector(s string) ([]float32, error) {
	if s == "" {
		return nil, fmt.Errorf("missing --vector")
	}

	parts := strings.Split(s, ",")
	vector := make([]float32, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %q: %w", part, err)
		}
		vector = append(vector, float32(f))
	}
	return vector, nil
}

func printResults(resp *quiver.SearchResponse) {
	for i, r := range resp.Results {
		line := fmt.Sprintf("%2d. %-24s score=%.5f", i+1, r.ID, r.Score)
		if r.Payload != nil {
			if data, err := json.Marshal(r.Payload); err == nil {
				line += " " + string(data)
			}
		}
		fmt.Println(line)
	}
	if resp.Truncated {
		fmt.Println("(truncated by deadline)")
	}
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "./data", "data directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	createCmd.Flags().Int("dim", 0, "vector dimension (required)")
	createCmd.Flags().String("metric", "cosine", "distance metric: cosine, euclidean, dot")
	createCmd.Flags().Bool("hybrid", false, "enable the sparse BM25 index")
	createCmd.Flags().String("quantization", "", "enable quantization: scalar, product, binary")
	createCmd.MarkFlagRequired("dim")

	insertCmd.Flags().String("vector", "", "comma-separated vector components")
	insertCmd.Flags().String("payload", "", "JSON payload")
	insertCmd.Flags().Bool("upsert", false, "replace an existing id")

	searchCmd.Flags().String("vector", "", "comma-separated query vector")
	searchCmd.Flags().Int("k", 10, "number of results")

	hybridCmd.Flags().String("vector", "", "comma-separated query vector")
	hybridCmd.Flags().String("text", "", "sparse query terms")
	hybridCmd.Flags().Int("k", 10, "number of results")
	hybridCmd.Flags().Float64("alpha", 0.5, "dense list weight")

	trainCmd.Flags().Int("samples", 0, "training sample size (0 = all live vectors)")

	rootCmd.AddCommand(createCmd, insertCmd, searchCmd, hybridCmd, deleteCmd, statsCmd, listCmd, trainCmd, compactCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

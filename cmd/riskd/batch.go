package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/riskengine/internal/config"
	"github.com/mbd888/riskengine/internal/dedup"
	"github.com/mbd888/riskengine/internal/engine"
	"github.com/mbd888/riskengine/internal/fraud"
	"github.com/mbd888/riskengine/internal/logging"
	"github.com/mbd888/riskengine/internal/profile"
	"github.com/mbd888/riskengine/internal/server"
)

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [file]",
		Short: "Score transactions from a JSON or NDJSON file (- for stdin)",
		Long: `Scores every transaction in the input and writes the results as JSON.

The input is a JSON array of transactions, an object with a "transactions"
array, or one transaction per line. Profiles and velocity windows live in
memory for the duration of the run, so transactions later in the file see
the history built by earlier ones.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			// Results own stdout.
			logger := logging.NewWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

			in, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = in.Close() }()

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer func() { _ = f.Close() }()
				out = f
			}

			summary, err := runBatch(cmd.Context(), cfg, in, out, logger)
			if err != nil {
				return err
			}
			logger.Info("batch complete",
				"processed", summary.Processed,
				"failed", summary.Failed,
				"fraud", summary.FraudCount,
			)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "Write results to this file instead of stdout")
	return cmd
}

func openInput(cmd *cobra.Command, name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}

// runBatch scores the transactions read from in on an engine backed by
// memory stores, max_batch_size at a time, and writes one BatchResponse
// covering the whole input to out.
func runBatch(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, logger *slog.Logger) (engine.BatchSummary, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return engine.BatchSummary{}, fmt.Errorf("read input: %w", err)
	}
	txs, err := decodeTransactions(data)
	if err != nil {
		return engine.BatchSummary{}, err
	}

	scorer, err := newScorer(cfg, logger)
	if err != nil {
		return engine.BatchSummary{}, err
	}
	eng := engine.New(
		profile.NewMemoryStore(cfg.MarkerRetention),
		dedup.NewMemoryLedger(cfg.DedupLease, cfg.DedupRetention),
		scorer, cfg.Runtime,
		engine.WithLogger(logger),
		engine.WithPool(engine.NewPool(cfg.Workers)),
		engine.WithStoreTimeout(cfg.StoreTimeout),
		engine.WithMaxBatchSize(cfg.MaxBatchSize),
		engine.WithClockSkew(cfg.MaxClockSkew),
	)

	size := cfg.MaxBatchSize
	if size <= 0 {
		size = engine.DefaultMaxBatchSize
	}
	resp := server.BatchResponse{Results: make([]server.BatchItemResponse, 0, len(txs))}
	var scoreSum float64
	for start := 0; start < len(txs); start += size {
		end := min(start+size, len(txs))
		batch, err := eng.ScoreBatch(ctx, txs[start:end])
		if err != nil {
			return engine.BatchSummary{}, fmt.Errorf("score transactions %d-%d: %w", start, end-1, err)
		}
		resp.Results = append(resp.Results, server.BatchItems(batch.Items, start)...)

		s := batch.Summary
		resp.Summary.Processed += s.Processed
		resp.Summary.Failed += s.Failed
		resp.Summary.FraudCount += s.FraudCount
		resp.Summary.TotalLatencyMs += s.TotalLatencyMs
		scoreSum += s.AverageScore * float64(s.Processed)
		logger.Debug("batch chunk scored", "from", start, "to", end-1, "failed", s.Failed)
	}
	if resp.Summary.Processed > 0 {
		resp.Summary.AverageScore = scoreSum / float64(resp.Summary.Processed)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return engine.BatchSummary{}, fmt.Errorf("write results: %w", err)
	}
	return resp.Summary, nil
}

// decodeTransactions accepts a JSON array, a {"transactions": [...]}
// document, or newline-delimited JSON objects.
func decodeTransactions(data []byte) ([]fraud.Transaction, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("input holds no transactions")
	}

	if data[0] == '[' {
		var txs []fraud.Transaction
		if err := json.Unmarshal(data, &txs); err != nil {
			return nil, fmt.Errorf("decode transaction array: %w", err)
		}
		return txs, nil
	}

	var doc struct {
		Transactions []fraud.Transaction `json:"transactions"`
	}
	if err := json.Unmarshal(data, &doc); err == nil && doc.Transactions != nil {
		return doc.Transactions, nil
	}

	var txs []fraud.Transaction
	dec := json.NewDecoder(bytes.NewReader(data))
	for n := 1; ; n++ {
		var tx fraud.Transaction
		err := dec.Decode(&tx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode transaction %d: %w", n, err)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

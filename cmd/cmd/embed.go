// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/antflydb/clipper"
	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// consistencyThreshold is the minimum cosine similarity between embeddings
// of the same image loaded from a path and from bytes.
const consistencyThreshold = 0.999

const sampleValues = 8

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Embed images and captions and compare them",
	Long: `Compute embeddings for images and captions, print their dimensions and
first values, and the image-caption cosine similarity matrix.

Each image is embedded from its path and from its raw bytes; the two must agree.

Examples:
  clipper embed --images cat.jpg,dog.png --sequences "a cat,a dog"
  clipper embed --cpu --model ./clip-vit-base-patch32 --sequences "a red car"
  clipper embed --json --images cat.jpg`,
	RunE: runEmbed,
}

func init() {
	rootCmd.AddCommand(embedCmd)

	embedCmd.Flags().StringSlice("images", nil, "comma-separated image paths")
	embedCmd.Flags().StringSlice("sequences", nil, "comma-separated captions")
	embedCmd.Flags().String("model", "", "local model directory (default: download --model-id)")
	embedCmd.Flags().String("tokenizer", "", "local tokenizer.json (default: the model's)")
	embedCmd.Flags().Bool("json", false, "print the full report as JSON")
}

// reportEmbedder is the part of clipper.Embedder the report needs.
type reportEmbedder interface {
	ImageEmbedding(ctx context.Context, path string) ([]float32, error)
	ImageEmbeddingFromBytes(ctx context.Context, data []byte) ([]float32, error)
	TextEmbedding(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

type embedResult struct {
	Input     string    `json:"input"`
	Embedding []float32 `json:"embedding"`
}

type consistencyResult struct {
	Image      string  `json:"image"`
	L1Diff     float64 `json:"l1_diff"`
	Cosine     float32 `json:"cosine"`
	Consistent bool    `json:"consistent"`
}

type embedReport struct {
	Model       string              `json:"model"`
	Device      string              `json:"device"`
	Dimension   int                 `json:"dimension"`
	Images      []embedResult       `json:"images,omitempty"`
	Texts       []embedResult       `json:"texts,omitempty"`
	Similarity  [][]float32         `json:"similarity,omitempty"`
	Consistency []consistencyResult `json:"consistency,omitempty"`
}

var errInconsistent = errors.New("path and bytes embeddings disagree")

func runEmbed(cmd *cobra.Command, args []string) error {
	images, _ := cmd.Flags().GetStringSlice("images")
	sequences, _ := cmd.Flags().GetStringSlice("sequences")
	modelPath, _ := cmd.Flags().GetString("model")
	tokenizerPath, _ := cmd.Flags().GetString("tokenizer")
	asJSON, _ := cmd.Flags().GetBool("json")
	if len(images) == 0 && len(sequences) == 0 {
		return errors.New("nothing to embed: pass --images and/or --sequences")
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	opts, err := embedderOptions(logger)
	if err != nil {
		return err
	}
	opts.ModelPath = modelPath
	opts.TokenizerPath = tokenizerPath

	e, err := clipper.New(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	report, err := buildReport(ctx, e, images, sequences)
	if report != nil {
		report.Model = e.Model()
		report.Device = e.Device().String()
		if asJSON {
			enc := gojson.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(report); encErr != nil {
				return encErr
			}
		} else {
			printReport(cmd.OutOrStdout(), report)
		}
	}
	if err != nil {
		logger.Error("Embedding failed", zap.Error(err))
	}
	return err
}

// buildReport embeds every input. An image whose path and bytes embeddings
// disagree makes the report fail with errInconsistent after it is complete.
func buildReport(ctx context.Context, e reportEmbedder, images, texts []string) (*embedReport, error) {
	report := &embedReport{Dimension: e.Dimension()}
	inconsistent := 0

	for _, path := range images {
		fromPath, err := e.ImageEmbedding(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("embedding image %s: %w", path, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading image %s: %w", path, err)
		}
		fromBytes, err := e.ImageEmbeddingFromBytes(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("embedding image bytes %s: %w", path, err)
		}

		check := consistencyResult{
			Image:  path,
			L1Diff: l1Diff(fromPath, fromBytes),
			Cosine: clipper.CosineSimilarity(fromPath, fromBytes),
		}
		check.Consistent = check.Cosine > consistencyThreshold
		if !check.Consistent {
			inconsistent++
		}
		report.Consistency = append(report.Consistency, check)
		report.Images = append(report.Images, embedResult{Input: path, Embedding: fromPath})
	}

	for _, text := range texts {
		vec, err := e.TextEmbedding(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %q: %w", text, err)
		}
		report.Texts = append(report.Texts, embedResult{Input: text, Embedding: vec})
	}

	if len(report.Images) > 0 && len(report.Texts) > 0 {
		report.Similarity = clipper.SimilarityMatrix(vectors(report.Images), vectors(report.Texts))
	}
	if inconsistent > 0 {
		return report, fmt.Errorf("%w for %d image(s)", errInconsistent, inconsistent)
	}
	return report, nil
}

func printReport(w io.Writer, r *embedReport) {
	fmt.Fprintf(w, "Model: %s\nDevice: %s\nDimension: %d\n", r.Model, r.Device, r.Dimension)

	for _, res := range r.Images {
		fmt.Fprintf(w, "\nImage: %s\n  Embedding length: %d\n  First values: %s\n",
			res.Input, len(res.Embedding), formatSample(res.Embedding))
	}
	for _, res := range r.Texts {
		fmt.Fprintf(w, "\nText: %q\n  Embedding length: %d\n  First values: %s\n",
			res.Input, len(res.Embedding), formatSample(res.Embedding))
	}

	if len(r.Similarity) > 0 {
		fmt.Fprintln(w, "\nCosine similarity (image x text):")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprint(tw, "\t")
		for _, t := range r.Texts {
			fmt.Fprintf(tw, "%q\t", t.Input)
		}
		fmt.Fprintln(tw)
		for i, row := range r.Similarity {
			fmt.Fprintf(tw, "%s\t", r.Images[i].Input)
			for _, v := range row {
				fmt.Fprintf(tw, "%.4f\t", v)
			}
			fmt.Fprintln(tw)
		}
		_ = tw.Flush()
	}

	if len(r.Consistency) > 0 {
		fmt.Fprintln(w, "\nConsistency (path vs bytes):")
		for _, c := range r.Consistency {
			status := "ok"
			if !c.Consistent {
				status = "MISMATCH"
			}
			fmt.Fprintf(w, "  %s: cosine %.6f, L1 %.6f %s\n", c.Image, c.Cosine, c.L1Diff, status)
		}
	}
}

func formatSample(v []float32) string {
	return fmt.Sprintf("%.4f", v[:min(sampleValues, len(v))])
}

func vectors(results []embedResult) [][]float32 {
	out := make([][]float32, len(results))
	for i, r := range results {
		out[i] = r.Embedding
	}
	return out
}

func l1Diff(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		sum += math.Abs(float64(a[i] - b[i]))
	}
	return sum
}

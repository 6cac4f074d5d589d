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
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/antflydb/clipper"
	"github.com/antflydb/clipper/lib/modelregistry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var pullCmd = &cobra.Command{
	Use:   "pull [owner/name[@revision]]",
	Short: "Download CLIP model files into the hub cache",
	Long: `Download the ONNX towers, tokenizer and configuration of a CLIP model so
later runs need no network access.

Examples:
  # Pull the default model
  clipper pull

  # Pull a specific revision
  clipper pull Xenova/clip-vit-base-patch32@main

  # Also copy the files into ./models/Xenova/clip-vit-base-patch32 for --model
  clipper pull --dest ./models`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().String("dest", "", "also copy the files into this directory")
	pullCmd.Flags().Duration("timeout", modelregistry.DefaultDownloadTimeout, "per-file download timeout")
}

func runPull(cmd *cobra.Command, args []string) error {
	dest, _ := cmd.Flags().GetString("dest")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ref := modelregistry.DefaultModelRef()
	if s := viper.GetString("model"); s != "" {
		parsed, err := modelregistry.ParseModelRef(s)
		if err != nil {
			return err
		}
		ref = parsed
	}
	if len(args) == 1 {
		parsed, err := modelregistry.ParseModelRef(args[0])
		if err != nil {
			return err
		}
		ref = parsed
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	out := cmd.OutOrStdout()
	opts := []modelregistry.HFResolverOption{
		modelregistry.WithCacheDir(viper.GetString("cache_dir")),
		modelregistry.WithTimeout(timeout),
		modelregistry.WithLogger(logger),
		modelregistry.WithProgressHandler(func(downloaded, total int64, filename string) {
			fmt.Fprintf(out, "  %s: %s\n", filename, formatBytes(downloaded))
		}),
		modelregistry.WithDownloadObserver(func(ref modelregistry.ModelRef, file string, _ time.Duration, err error) {
			clipper.RecordArtifactDownload(ref.RepoID(), file, err)
		}),
	}
	if token := viper.GetString("hf_token"); token != "" {
		opts = append(opts, modelregistry.WithHFToken(token))
	}
	resolver := modelregistry.NewHuggingFaceResolver(opts...)

	fmt.Fprintf(out, "Pulling %s into %s\n", ref, resolver.CacheDir())
	start := time.Now()
	dir, err := resolver.Pull(ctx, ref, modelregistry.RequiredFiles, modelregistry.OptionalFiles, dest)
	if err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	fmt.Fprintf(out, "Done in %s. Model directory: %s\n", time.Since(start).Round(time.Millisecond), dir)
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

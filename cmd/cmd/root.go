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

// Package cmd implements the clipper command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/antflydb/clipper"
	"github.com/antflydb/clipper/lib/modelregistry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is set by main.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "clipper",
	Short: "CLIP image and text embeddings",
	Long: `clipper computes 512-dimensional CLIP embeddings for images and text.

Models are downloaded from the HuggingFace Hub on first use and cached in the
hub cache (HF_HUB_CACHE, HF_HOME/hub or ~/.cache/huggingface/hub).

Configuration is read from flags, CLIPPER_* environment variables and an
optional config file (~/.clipper/config.yaml).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.clipper/config.yaml)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-style", "", "log style (terminal, json, logfmt)")
	pf.String("model-id", modelregistry.DefaultModelRef().String(), "HuggingFace model as owner/name[@revision]")
	pf.String("cache-dir", "", "HuggingFace hub cache directory")
	pf.String("device", "auto", "compute device (auto, cpu, cuda, metal)")
	pf.Bool("cpu", false, "force CPU execution")
	pf.String("hf-token", "", "HuggingFace API token for gated models (or use HF_TOKEN env var)")

	mustBindPFlag("log.level", pf.Lookup("log-level"))
	mustBindPFlag("log.style", pf.Lookup("log-style"))
	mustBindPFlag("model", pf.Lookup("model-id"))
	mustBindPFlag("cache_dir", pf.Lookup("cache-dir"))
	mustBindPFlag("device", pf.Lookup("device"))
	mustBindPFlag("cpu", pf.Lookup("cpu"))
	mustBindPFlag("hf_token", pf.Lookup("hf-token"))
	if err := viper.BindEnv("hf_token", "CLIPPER_HF_TOKEN", "HF_TOKEN"); err != nil {
		panic(err)
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initConfig() error {
	viper.SetEnvPrefix("CLIPPER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".clipper"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

func newLogger() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}

// embedderOptions builds facade options from configuration.
func embedderOptions(logger *zap.Logger) (clipper.Options, error) {
	opts := clipper.Options{
		UseCPU:   viper.GetBool("cpu"),
		Device:   viper.GetString("device"),
		CacheDir: viper.GetString("cache_dir"),
		HFToken:  viper.GetString("hf_token"),
		Logger:   logger,
	}
	if s := viper.GetString("model"); s != "" {
		ref, err := modelregistry.ParseModelRef(s)
		if err != nil {
			return opts, err
		}
		opts.Model = ref
	}
	return opts, nil
}

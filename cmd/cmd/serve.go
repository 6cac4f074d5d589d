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
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/clipper"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve embeddings over HTTP",
	Long: `Load the model once and serve embeddings over HTTP.

Endpoints:
  POST /v1/embed   {"input": [{"text": "a cat"}, {"image": "<base64 or data URI>"}]}
  GET  /v1/info    model, device and accepted MIME types

Health and Prometheus metrics are served on --health-port.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "API server port")
	serveCmd.Flags().Int("health-port", 4200, "health/metrics server port")
	serveCmd.Flags().Duration("cache-ttl", clipper.DefaultCacheTTL, "embedding cache TTL")
	serveCmd.Flags().String("model", "", "local model directory (default: download --model-id)")
	serveCmd.Flags().String("tokenizer", "", "local tokenizer.json (default: the model's)")
	mustBindPFlag("serve.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("health_port", serveCmd.Flags().Lookup("health-port"))
	mustBindPFlag("cache.ttl", serveCmd.Flags().Lookup("cache-ttl"))
	mustBindPFlag("model_path", serveCmd.Flags().Lookup("model"))
	mustBindPFlag("tokenizer_path", serveCmd.Flags().Lookup("tokenizer"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	ready := &atomic.Bool{}
	healthserver.Start(logger, viper.GetInt("health_port"), ready.Load)

	opts, err := embedderOptions(logger)
	if err != nil {
		return err
	}
	opts.ModelPath = viper.GetString("model_path")
	opts.TokenizerPath = viper.GetString("tokenizer_path")

	e, err := clipper.New(ctx, opts)
	if err != nil {
		return err
	}
	cached := clipper.NewCachedEmbedder(clipper.NewMultimodalEmbedder(e), e.Model(),
		clipper.WithCacheTTL(viper.GetDuration("cache.ttl")),
		clipper.WithCacheLogger(logger.Named("cache")))
	defer func() { _ = cached.Close() }()

	api := newEmbedServer(cached, e.Model(), e.Device().String(), e.Dimension(), logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("serve.port")),
		Handler:           api.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		logger.Info("Serving embeddings", zap.String("addr", srv.Addr), zap.String("model", e.Model()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
		close(errC)
	}()
	ready.Store(true)

	select {
	case <-ctx.Done():
	case err := <-errC:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
	}

	ready.Store(false)
	logger.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

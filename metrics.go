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

package clipper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	embeddingRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "clipper",
			Name:      "embedding_request_ops_total",
			Help:      "The total number of embedding requests.",
		},
		[]string{"modality", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "clipper",
			Name:      "request_duration_seconds",
			Help:      "Time taken to compute one embedding.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"modality", "device"},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "clipper",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to construct an embedder, including downloads.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"device", "status"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "clipper",
			Name:      "cache_hits_total",
			Help:      "Total number of embedding cache hits.",
		},
		[]string{"model"},
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "clipper",
			Name:      "cache_misses_total",
			Help:      "Total number of embedding cache misses.",
		},
		[]string{"model"},
	)

	artifactDownloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "clipper",
			Name:      "artifact_downloads_total",
			Help:      "Total number of model artifact downloads.",
		},
		[]string{"repo", "file", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		embeddingRequestOps,
		requestDuration,
		modelLoadDuration,
		cacheHits,
		cacheMisses,
		artifactDownloads,
	)
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordEmbeddingRequest records one embedding call.
func RecordEmbeddingRequest(modality, device string, elapsed time.Duration, err error) {
	embeddingRequestOps.WithLabelValues(modality, statusLabel(err)).Inc()
	if err == nil {
		requestDuration.WithLabelValues(modality, device).Observe(elapsed.Seconds())
	}
}

// RecordModelLoad records how long construction took.
func RecordModelLoad(device string, elapsed time.Duration, err error) {
	modelLoadDuration.WithLabelValues(device, statusLabel(err)).Observe(elapsed.Seconds())
}

// RecordCacheHit records an embedding cache hit.
func RecordCacheHit(model string) {
	cacheHits.WithLabelValues(model).Inc()
}

// RecordCacheMiss records an embedding cache miss.
func RecordCacheMiss(model string) {
	cacheMisses.WithLabelValues(model).Inc()
}

// RecordArtifactDownload records one finished artifact fetch.
func RecordArtifactDownload(repo, file string, err error) {
	artifactDownloads.WithLabelValues(repo, file, statusLabel(err)).Inc()
}

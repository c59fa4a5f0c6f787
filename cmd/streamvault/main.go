// Copyright 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/novatechflow/streamvault/pkg/cache"
	"github.com/novatechflow/streamvault/pkg/metadata"
	"github.com/novatechflow/streamvault/pkg/objectstore"
	"github.com/novatechflow/streamvault/pkg/storage"
	"github.com/novatechflow/streamvault/pkg/wal"
)

const (
	defaultMetricsAddr    = ":9641"
	defaultWALCapacity    = 2 << 30
	defaultCacheSize      = 1 << 30
	defaultBlockCacheSize = 512 << 20
)

func main() {
	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()

	store, err := buildOperator(ctx, logger)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(1)
	}

	streams, objects, cleanup, err := buildMetadata(ctx, logger)
	if err != nil {
		logger.Error("metadata store init failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	namespace := envOrDefault("STREAMVAULT_NAMESPACE", "default")
	deltaWAL := wal.NewMemoryWAL(int64(parseEnvInt("STREAMVAULT_WAL_CAPACITY", defaultWALCapacity)), false)
	blockCache := cache.NewObjectBlockCache(objects, store, namespace,
		parseEnvInt("STREAMVAULT_BLOCK_CACHE_SIZE", defaultBlockCacheSize), logger)

	engine := storage.New(storage.Config{
		Namespace:          namespace,
		WALCacheSize:       int64(parseEnvInt("STREAMVAULT_WAL_CACHE_SIZE", defaultCacheSize)),
		WALUploadThreshold: int64(parseEnvInt("STREAMVAULT_WAL_UPLOAD_THRESHOLD", defaultCacheSize/4)),
		MaxStreamsPerBlock: parseEnvInt("STREAMVAULT_MAX_STREAMS_PER_BLOCK", 10000),
		Logger:             logger,
		Registry:           registry,
	}, deltaWAL, streams, objects, blockCache, store)

	if err := engine.Startup(ctx); err != nil {
		logger.Error("storage startup failed", "error", err)
		os.Exit(1)
	}

	metricsAddr := envOrDefault("STREAMVAULT_METRICS_ADDR", defaultMetricsAddr)
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsHandler(registry)}
	go func() {
		logger.Info("metrics listening", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.ForceUpload(drainCtx, cache.MatchAllStreams); err != nil {
		logger.Warn("drain force upload failed", "error", err)
	}
	if err := engine.Shutdown(drainCtx); err != nil {
		logger.Warn("storage shutdown failed", "error", err)
	}
	shutdownCtx, cancelSrv := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSrv()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("bye")
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func buildOperator(ctx context.Context, logger *slog.Logger) (objectstore.Operator, error) {
	bucket := os.Getenv("STREAMVAULT_S3_BUCKET")
	if bucket == "" {
		logger.Warn("STREAMVAULT_S3_BUCKET not set, using in-memory object store")
		return objectstore.NewMemoryOperator(), nil
	}
	return objectstore.NewS3Operator(ctx, objectstore.S3Config{
		Bucket:          bucket,
		Region:          os.Getenv("STREAMVAULT_S3_REGION"),
		AccessKeyID:     os.Getenv("STREAMVAULT_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("STREAMVAULT_S3_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("STREAMVAULT_S3_SESSION_TOKEN"),
		Endpoint:        os.Getenv("STREAMVAULT_S3_ENDPOINT"),
		ForcePathStyle:  parseEnvBool("STREAMVAULT_S3_PATH_STYLE", false),
		KMSKeyARN:       os.Getenv("STREAMVAULT_S3_KMS_ARN"),
	})
}

func buildMetadata(ctx context.Context, logger *slog.Logger) (metadata.StreamManager, metadata.ObjectManager, func(), error) {
	endpoints := strings.TrimSpace(os.Getenv("STREAMVAULT_ETCD_ENDPOINTS"))
	if endpoints == "" {
		logger.Warn("STREAMVAULT_ETCD_ENDPOINTS not set, using in-memory metadata")
		mem := metadata.NewMemoryManagers()
		return mem, mem, func() {}, nil
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
		Context:     ctx,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	etcdStore := metadata.NewEtcdStore(client, logger)
	return etcdStore, etcdStore, func() { _ = client.Close() }, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("STREAMVAULT_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
	return slog.New(handler).With("component", "streamvault")
}

func parseEnvInt(name string, fallback int) int {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDefault(name, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		return val
	}
	return fallback
}

func parseEnvBool(name string, fallback bool) bool {
	if val := strings.TrimSpace(os.Getenv(name)); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

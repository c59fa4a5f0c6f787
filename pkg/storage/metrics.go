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

package storage

import "github.com/prometheus/client_golang/prometheus"

type storageMetrics struct {
	appendSeconds      prometheus.Histogram
	appendBackoffTotal prometheus.Counter
	cacheFullTotal     prometheus.Counter
	readSeconds        prometheus.Histogram
	readAccessTotal    *prometheus.CounterVec
	uploadStageSeconds *prometheus.HistogramVec
	uploadBytesTotal   prometheus.Counter
	inflightUploads    prometheus.Gauge
	confirmOffset      prometheus.Gauge
}

func newStorageMetrics(reg prometheus.Registerer) *storageMetrics {
	m := &storageMetrics{
		appendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamvault_append_duration_seconds",
			Help:    "Latency from append acceptance to durable acknowledgement.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		appendBackoffTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamvault_append_backoff_total",
			Help: "Appends parked on the backoff queue.",
		}),
		cacheFullTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamvault_append_cache_full_total",
			Help: "Append attempts parked for backoff because the log cache was over capacity.",
		}),
		readSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamvault_read_duration_seconds",
			Help:    "Latency of range reads.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		readAccessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamvault_read_access_total",
			Help: "Reads by serving tier.",
		}, []string{"access"}),
		uploadStageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamvault_upload_stage_duration_seconds",
			Help:    "Latency of upload pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"stage"}),
		uploadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamvault_upload_bytes_total",
			Help: "Bytes written to the object store by delta WAL uploads.",
		}),
		inflightUploads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamvault_inflight_upload_tasks",
			Help: "Delta WAL upload tasks between archive and commit.",
		}),
		confirmOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamvault_wal_confirm_offset",
			Help: "Highest WAL offset below which every record is durable.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.appendSeconds, m.appendBackoffTotal, m.cacheFullTotal,
			m.readSeconds, m.readAccessTotal,
			m.uploadStageSeconds, m.uploadBytesTotal, m.inflightUploads,
			m.confirmOffset,
		)
	}
	return m
}

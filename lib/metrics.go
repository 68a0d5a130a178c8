package lib

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/* This file implements dev-ops telemetry for the node in the form of prometheus metrics */

const metricsPattern = "/metrics"

// Metrics represents a server that exposes Prometheus metrics
type Metrics struct {
	server *http.Server  // the http prometheus server
	config MetricsConfig // the configuration
	log    LoggerI       // the logger

	AgreementMetrics // per block agreement telemetry
	BroadcastMetrics // reliable broadcast telemetry
	FinalizeMetrics  // fragment download telemetry
}

// AgreementMetrics represents the telemetry for the bft module
type AgreementMetrics struct {
	CommittedHeight  prometheus.Gauge     // last committed block id
	AgreementRounds  prometheus.Histogram // rounds needed by an instance to decide
	EmptyBlocks      prometheus.Counter   // blocks decided as the empty sentinel
	DeferredMessages prometheus.Gauge     // messages held for future blocks
	DroppedMessages  prometheus.Counter   // messages dropped as too old
	BlockTime        prometheus.Histogram // time from agreement start to commit
}

// BroadcastMetrics represents the telemetry for the p2p module
type BroadcastMetrics struct {
	DelayedSends     *prometheus.GaugeVec // queued delayed sends per destination
	DroppedDelayed   prometheus.Counter   // delayed sends dropped on overflow
	BroadcastStalled prometheus.Gauge     // 1 while a broadcast is below quorum past the stall threshold
	RejectedMessages prometheus.Counter   // inbound envelopes failing decode or signature checks
}

// FinalizeMetrics represents the telemetry for the finalize module
type FinalizeMetrics struct {
	FragmentDownloads prometheus.Counter   // blocks reconstructed from fragments
	RejectedFragments prometheus.Counter   // fragments rejected as inconsistent
	DownloadTime      prometheus.Histogram // time to reconstruct a block from fragments
}

// NewMetricsServer() creates a new telemetry server
func NewMetricsServer(config MetricsConfig, log LoggerI) *Metrics {
	mux := http.NewServeMux()
	mux.Handle(metricsPattern, promhttp.Handler())
	return &Metrics{
		server: &http.Server{Addr: config.PrometheusAddress, Handler: mux},
		config: config,
		log:    log,
		AgreementMetrics: AgreementMetrics{
			CommittedHeight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "consensus_committed_height",
				Help: "Last committed block id",
			}),
			AgreementRounds: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "consensus_agreement_rounds",
				Help:    "Rounds needed by a binary agreement to decide",
				Buckets: prometheus.LinearBuckets(0, 1, 10),
			}),
			EmptyBlocks: promauto.NewCounter(prometheus.CounterOpts{
				Name: "consensus_empty_blocks",
				Help: "Blocks decided as the empty block",
			}),
			DeferredMessages: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "consensus_deferred_messages",
				Help: "Inbound messages deferred for future blocks",
			}),
			DroppedMessages: promauto.NewCounter(prometheus.CounterOpts{
				Name: "consensus_dropped_messages",
				Help: "Inbound messages dropped as older than the retention window",
			}),
			BlockTime: promauto.NewHistogram(prometheus.HistogramOpts{
				Name: "consensus_block_time",
				Help: "Seconds from agreement start to commit",
			}),
		},
		BroadcastMetrics: BroadcastMetrics{
			DelayedSends: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "p2p_delayed_sends",
				Help: "Queued delayed sends per destination slot",
			}, []string{"slot"}),
			DroppedDelayed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "p2p_dropped_delayed_sends",
				Help: "Delayed sends dropped because the destination queue was full",
			}),
			BroadcastStalled: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "p2p_broadcast_stalled",
				Help: "1 while a broadcast cannot reach quorum",
			}),
			RejectedMessages: promauto.NewCounter(prometheus.CounterOpts{
				Name: "p2p_rejected_messages",
				Help: "Inbound envelopes rejected by decode or signature checks",
			}),
		},
		FinalizeMetrics: FinalizeMetrics{
			FragmentDownloads: promauto.NewCounter(prometheus.CounterOpts{
				Name: "finalize_fragment_downloads",
				Help: "Blocks reconstructed from fragments",
			}),
			RejectedFragments: promauto.NewCounter(prometheus.CounterOpts{
				Name: "finalize_rejected_fragments",
				Help: "Fragments rejected as inconsistent",
			}),
			DownloadTime: promauto.NewHistogram(prometheus.HistogramOpts{
				Name: "finalize_download_time",
				Help: "Seconds to reconstruct a block from fragments",
			}),
		},
	}
}

// Start() starts the telemetry server
func (m *Metrics) Start() {
	if m == nil || !m.config.Enabled {
		return
	}
	go func() {
		m.log.Infof("Starting metrics server on %s", m.config.PrometheusAddress)
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Errorf("Metrics server failed with err: %s", err.Error())
		}
	}()
}

// Stop() gracefully stops the telemetry server
func (m *Metrics) Stop() {
	if m == nil || !m.config.Enabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.server.Shutdown(ctx); err != nil {
		m.log.Errorf("Metrics server shutdown failed with err: %s", err.Error())
	}
}

// UpdateCommit() records a committed block
func (m *Metrics) UpdateCommit(id BlockId, empty bool, started time.Time) {
	if m == nil {
		return
	}
	m.CommittedHeight.Set(float64(id))
	if empty {
		m.EmptyBlocks.Inc()
	}
	if !started.IsZero() {
		m.BlockTime.Observe(time.Since(started).Seconds())
	}
}

// UpdateDecision() records the round an instance decided in
func (m *Metrics) UpdateDecision(round uint64) {
	if m == nil {
		return
	}
	m.AgreementRounds.Observe(float64(round))
}

// UpdateDeferred() records the deferred queue size and newly dropped messages
func (m *Metrics) UpdateDeferred(size int, dropped int) {
	if m == nil {
		return
	}
	m.DeferredMessages.Set(float64(size))
	if dropped > 0 {
		m.DroppedMessages.Add(float64(dropped))
	}
}

// UpdateDelayedSends() records the delayed send queue length for a destination
func (m *Metrics) UpdateDelayedSends(slot string, size int, dropped bool) {
	if m == nil {
		return
	}
	m.DelayedSends.WithLabelValues(slot).Set(float64(size))
	if dropped {
		m.DroppedDelayed.Inc()
	}
}

// UpdateBroadcastStalled() raises or clears the stall flag
func (m *Metrics) UpdateBroadcastStalled(stalled bool) {
	if m == nil {
		return
	}
	if stalled {
		m.BroadcastStalled.Set(1)
		return
	}
	m.BroadcastStalled.Set(0)
}

// UpdateRejectedMessage() counts an inbound envelope that failed validation
func (m *Metrics) UpdateRejectedMessage() {
	if m == nil {
		return
	}
	m.RejectedMessages.Inc()
}

// UpdateFragmentDownload() records a block reconstruction and its rejected fragments
func (m *Metrics) UpdateFragmentDownload(started time.Time, rejected int) {
	if m == nil {
		return
	}
	m.FragmentDownloads.Inc()
	m.RejectedFragments.Add(float64(rejected))
	m.DownloadTime.Observe(time.Since(started).Seconds())
}

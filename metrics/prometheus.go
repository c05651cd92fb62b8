// Package metrics provides Prometheus metrics for rounds, payloads and
// agent behaviours.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "autonomy"

// Metrics holds all Prometheus metrics of one agent.
type Metrics struct {
	// Consensus adapter
	roundsTotal      *prometheus.CounterVec   // round, event 별 종료된 라운드 수
	roundDuration    *prometheus.HistogramVec // 블록 시간 기준 라운드 소요 시간
	roundHeight      prometheus.Gauge         // 현재 라운드 높이
	periodCount      prometheus.Gauge         // 현재 period
	blockHeight      prometheus.Gauge         // 마지막 커밋 블록 높이
	payloadsAccepted *prometheus.CounterVec   // tx_type 별 수락된 payload
	payloadsRejected *prometheus.CounterVec   // reason 별 거부된 payload

	// Behaviours
	behaviourTicks    *prometheus.CounterVec // round 별 tick
	payloadsSubmitted *prometheus.CounterVec // tx_type 별 제출
	fetchAttempts     *prometheus.CounterVec // source, result 별 외부 조회
	fallbacksTotal    *prometheus.CounterVec // source 별 fallback 사용
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// leaves them unregistered, which is what tests use.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Metrics{}

	m.roundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rounds_total",
		Help:      "Total number of rounds ended, by round and end event",
	}, []string{"round", "event"})

	m.roundDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "round_duration_seconds",
		Help:      "Block time elapsed between the start and the end of a round",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
	}, []string{"round"})

	m.roundHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "round_height",
		Help:      "Number of rounds entered since genesis",
	})

	m.periodCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "period_count",
		Help:      "Current period",
	})

	m.blockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "block_height",
		Help:      "Last committed block height",
	})

	m.payloadsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payloads_accepted_total",
		Help:      "Payloads accepted by the active round, by type",
	}, []string{"tx_type"})

	m.payloadsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payloads_rejected_total",
		Help:      "Payloads dropped by the adapter, by reason",
	}, []string{"reason"})

	m.behaviourTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "behaviour_ticks_total",
		Help:      "Scheduler ticks, by active round",
	}, []string{"round"})

	m.payloadsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payloads_submitted_total",
		Help:      "Payload transactions submitted by this agent, by type and result",
	}, []string{"tx_type", "result"})

	m.fetchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_attempts_total",
		Help:      "External fetch attempts, by source and result",
	}, []string{"source", "result"})

	m.fallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fallbacks_total",
		Help:      "Times an acquisition fell back after exhausting its retries",
	}, []string{"source"})

	if reg != nil {
		reg.MustRegister(
			m.roundsTotal,
			m.roundDuration,
			m.roundHeight,
			m.periodCount,
			m.blockHeight,
			m.payloadsAccepted,
			m.payloadsRejected,
			m.behaviourTicks,
			m.payloadsSubmitted,
			m.fetchAttempts,
			m.fallbacksTotal,
		)
	}

	return m
}

// RoundEnded records the end of a round.
func (m *Metrics) RoundEnded(round, event string, duration time.Duration) {
	m.roundsTotal.WithLabelValues(round, event).Inc()
	m.roundDuration.WithLabelValues(round).Observe(duration.Seconds())
}

// SetRoundHeight sets the current round height.
func (m *Metrics) SetRoundHeight(height int64) {
	m.roundHeight.Set(float64(height))
}

// SetPeriodCount sets the current period.
func (m *Metrics) SetPeriodCount(period int64) {
	m.periodCount.Set(float64(period))
}

// SetBlockHeight sets the last committed block height.
func (m *Metrics) SetBlockHeight(height int64) {
	m.blockHeight.Set(float64(height))
}

// PayloadAccepted counts an accepted payload.
func (m *Metrics) PayloadAccepted(txType string) {
	m.payloadsAccepted.WithLabelValues(txType).Inc()
}

// PayloadRejected counts a dropped payload.
func (m *Metrics) PayloadRejected(reason string) {
	m.payloadsRejected.WithLabelValues(reason).Inc()
}

// BehaviourTick counts a scheduler tick.
func (m *Metrics) BehaviourTick(round string) {
	m.behaviourTicks.WithLabelValues(round).Inc()
}

// PayloadSubmitted counts a submitted payload transaction.
func (m *Metrics) PayloadSubmitted(txType string, err error) {
	m.payloadsSubmitted.WithLabelValues(txType, result(err)).Inc()
}

// FetchAttempt counts one attempt against an external source.
func (m *Metrics) FetchAttempt(source string, err error) {
	m.fetchAttempts.WithLabelValues(source, result(err)).Inc()
}

// Fallback counts a switch to the fallback source.
func (m *Metrics) Fallback(source string) {
	m.fallbacksTotal.WithLabelValues(source).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Server provides 프로메테우스 매트릭을 위한 HTTP 서버를 제공
type Server struct {
	addr     string
	server   *http.Server
	listener net.Listener
	logger   log.Logger
}

// NewServer creates a metrics HTTP server exposing gatherer on /metrics.
func NewServer(addr string, gatherer prometheus.Gatherer, logger log.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("module", "metrics"),
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.logger.Info("metrics server started", "addr", listener.Addr().String())

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Package metrics exposes commentary engine activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nlaroche/glazebot/pkg/commentary"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	registry *prometheus.Registry

	// Pipeline metrics
	PipelineRuns   *prometheus.CounterVec
	BlocksSelected *prometheus.CounterVec
	Silences       prometheus.Counter
	Aborts         prometheus.Counter

	// Inference metrics
	LLMErrors   *prometheus.CounterVec
	TokensTotal *prometheus.CounterVec

	// Speech metrics
	TTSErrors     prometheus.Counter
	TTSStageTime  *prometheus.HistogramVec
	TTSAudioBytes *prometheus.CounterVec

	// Background loops
	ContextTicks      *prometheus.CounterVec
	MemoriesExtracted *prometheus.CounterVec
	FrameErrors       prometheus.Counter

	EngineRunning prometheus.Gauge

	mu     sync.Mutex
	unsubs []func()
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "glazebot"
	}

	registry := prometheus.NewRegistry()

	pipelineRuns := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Total number of completed pipeline runs",
		},
		[]string{"trigger"},
	)

	blocksSelected := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_selected_total",
			Help:      "Timed commentary blocks picked by the scheduler",
		},
		[]string{"block_type"},
	)

	silences := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "silences_total",
		Help:      "Runs that produced nothing to say",
	})

	aborts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aborts_total",
		Help:      "Runs cancelled before completion",
	})

	llmErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_errors_total",
			Help:      "Inference failures by HTTP status (0 for transport errors)",
		},
		[]string{"status"},
	)

	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens processed",
		},
		[]string{"source", "direction"},
	)

	ttsErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tts_errors_total",
		Help:      "Speech synthesis or playback failures",
	})

	ttsStageTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tts_stage_duration_seconds",
			Help:      "Latency of each stage of a spoken line",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode", "stage"},
	)

	ttsAudioBytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_audio_bytes_total",
			Help:      "Encoded audio bytes played",
		},
		[]string{"mode"},
	)

	contextTicks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_ticks_total",
			Help:      "Scene description ticks by outcome",
		},
		[]string{"outcome"},
	)

	memoriesExtracted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_extracted_total",
			Help:      "Memories stored per persona",
		},
		[]string{"persona_id"},
	)

	frameErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frame_errors_total",
		Help:      "Screen capture failures during commentary",
	})

	engineRunning := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "engine_running",
		Help:      "1 while the commentary engine is running",
	})

	registry.MustRegister(
		pipelineRuns,
		blocksSelected,
		silences,
		aborts,
		llmErrors,
		tokensTotal,
		ttsErrors,
		ttsStageTime,
		ttsAudioBytes,
		contextTicks,
		memoriesExtracted,
		frameErrors,
		engineRunning,
	)

	return &Metrics{
		registry:          registry,
		PipelineRuns:      pipelineRuns,
		BlocksSelected:    blocksSelected,
		Silences:          silences,
		Aborts:            aborts,
		LLMErrors:         llmErrors,
		TokensTotal:       tokensTotal,
		TTSErrors:         ttsErrors,
		TTSStageTime:      ttsStageTime,
		TTSAudioBytes:     ttsAudioBytes,
		ContextTicks:      contextTicks,
		MemoriesExtracted: memoriesExtracted,
		FrameErrors:       frameErrors,
		EngineRunning:     engineRunning,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Attach subscribes the metrics to bus events until Detach is called.
func (m *Metrics) Attach(bus *commentary.Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubs = append(m.unsubs,
		commentary.Subscribe(bus, func(*commentary.EngineStartedEvent) { m.EngineRunning.Set(1) }),
		commentary.Subscribe(bus, func(*commentary.EngineStoppedEvent) { m.EngineRunning.Set(0) }),
		commentary.Subscribe(bus, func(e *commentary.BlockSelectedEvent) {
			m.BlocksSelected.WithLabelValues(string(e.BlockType)).Inc()
		}),
		commentary.Subscribe(bus, func(e *commentary.PipelineEndEvent) {
			m.PipelineRuns.WithLabelValues(string(e.Trigger)).Inc()
		}),
		commentary.Subscribe(bus, func(*commentary.SilenceEvent) { m.Silences.Inc() }),
		commentary.Subscribe(bus, func(*commentary.AbortEvent) { m.Aborts.Inc() }),
		commentary.Subscribe(bus, func(*commentary.FrameErrorEvent) { m.FrameErrors.Inc() }),
		commentary.Subscribe(bus, func(e *commentary.LLMErrorEvent) {
			m.LLMErrors.WithLabelValues(strconv.Itoa(e.Status)).Inc()
		}),
		commentary.Subscribe(bus, func(e *commentary.LLMEndEvent) { m.RecordTokens("commentary", e.Usage) }),
		commentary.Subscribe(bus, func(*commentary.TTSErrorEvent) { m.TTSErrors.Inc() }),
		commentary.Subscribe(bus, func(e *commentary.ContextEndEvent) {
			m.ContextTicks.WithLabelValues("ok").Inc()
			m.RecordTokens("context", e.Usage)
		}),
		commentary.Subscribe(bus, func(*commentary.ContextErrorEvent) { m.ContextTicks.WithLabelValues("error").Inc() }),
		commentary.Subscribe(bus, func(*commentary.ContextSkippedEvent) { m.ContextTicks.WithLabelValues("skipped").Inc() }),
		commentary.Subscribe(bus, func(e *commentary.MemoryExtractedEvent) {
			m.MemoriesExtracted.WithLabelValues(e.PersonaID).Add(float64(e.Count))
		}),
	)
}

// Detach removes every bus subscription made by Attach.
func (m *Metrics) Detach() {
	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

// RecordTokens records token usage.
func (m *Metrics) RecordTokens(source string, usage *commentary.Usage) {
	if usage == nil {
		return
	}
	if usage.InputTokens > 0 {
		m.TokensTotal.WithLabelValues(source, "input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		m.TokensTotal.WithLabelValues(source, "output").Add(float64(usage.OutputTokens))
	}
}

// RecordTtsTiming records the stage latencies of one spoken line. It matches
// the DebugLogger timing sink signature.
func (m *Metrics) RecordTtsTiming(t commentary.TtsTiming) {
	mode := string(t.Mode)
	m.TTSStageTime.WithLabelValues(mode, "llm").Observe(t.LLMDuration.Seconds())
	m.TTSStageTime.WithLabelValues(mode, "request").Observe(t.RequestDuration.Seconds())
	m.TTSStageTime.WithLabelValues(mode, "transfer").Observe(t.TransferDuration.Seconds())
	m.TTSStageTime.WithLabelValues(mode, "first_audio").Observe(t.FirstAudio.Seconds())
	m.TTSStageTime.WithLabelValues(mode, "playback").Observe(t.Playback.Seconds())
	m.TTSStageTime.WithLabelValues(mode, "total").Observe(t.Total.Seconds())
	if t.AudioSize > 0 {
		m.TTSAudioBytes.WithLabelValues(mode).Add(float64(t.AudioSize))
	}
}

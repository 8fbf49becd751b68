package commentary

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TtsTiming is the latency breakdown of one spoken line.
type TtsTiming struct {
	RequestID        string
	Persona          string
	Mode             TtsMode
	Trigger          Trigger
	LLMDuration      time.Duration // llm-start to tts-start
	RequestDuration  time.Duration // TTS time to first byte
	TransferDuration time.Duration // first byte to first audio
	FirstAudio       time.Duration
	Playback         time.Duration // first audio to done
	Total            time.Duration
	AudioSize        int
}

// DebugLogger turns bus events into structured logs. It is the only place
// pipeline stages are logged.
type DebugLogger struct {
	logger *slog.Logger
	now    func() time.Time
	sink   func(TtsTiming)

	mu      sync.Mutex
	timings map[string]*requestTiming
	unsubs  []func()
}

type requestTiming struct {
	start    time.Time
	llmStart time.Time
	ttsStart time.Time
	trigger  Trigger
}

// DebugLoggerOption configures a DebugLogger.
type DebugLoggerOption func(*DebugLogger)

// WithTimingSink receives the timing chain of every completed TTS playback.
func WithTimingSink(fn func(TtsTiming)) DebugLoggerOption {
	return func(d *DebugLogger) { d.sink = fn }
}

// WithDebugClock overrides the time source.
func WithDebugClock(now func() time.Time) DebugLoggerOption {
	return func(d *DebugLogger) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDebugLogger(logger *slog.Logger, opts ...DebugLoggerOption) *DebugLogger {
	if logger == nil {
		logger = slog.Default()
	}
	d := &DebugLogger{
		logger:  logger,
		now:     time.Now,
		timings: make(map[string]*requestTiming),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Attach subscribes to bus. Call Detach to unsubscribe.
func (d *DebugLogger) Attach(bus *Bus) {
	d.unsubs = append(d.unsubs,
		Subscribe(bus, func(*EngineStartedEvent) { d.logger.Info("commentary engine started") }),
		Subscribe(bus, func(*EngineStoppedEvent) { d.logger.Info("commentary engine stopped") }),
		Subscribe(bus, func(*EnginePausedEvent) { d.logger.Info("commentary engine paused") }),
		Subscribe(bus, func(*EngineResumedEvent) { d.logger.Info("commentary engine resumed") }),
		Subscribe(bus, func(e *StateChangeEvent) {
			d.logger.Debug("engine state", "from", e.From, "to", e.To)
		}),
		Subscribe(bus, func(e *BlockSelectedEvent) {
			d.logger.Debug("block selected", "block_type", e.BlockType, "persona", e.Persona, "participants", e.Participants)
		}),
		Subscribe(bus, d.onStart),
		Subscribe(bus, func(e *FrameEvent) {
			d.logger.Debug("frame", "request_id", e.RequestID, "size", e.Size, "width", e.Width, "height", e.Height)
		}),
		Subscribe(bus, func(e *FrameErrorEvent) {
			d.logger.Error("frame capture failed", "step", "grab_frame", "request_id", e.RequestID, "error", e.Error)
		}),
		Subscribe(bus, d.onLLMStart),
		Subscribe(bus, func(e *LLMEndEvent) {
			attrs := []any{"request_id", e.RequestID, "persona", e.Persona, "text", e.Text}
			if e.Usage != nil {
				attrs = append(attrs, "input_tokens", e.Usage.InputTokens, "output_tokens", e.Usage.OutputTokens)
			}
			d.logger.Debug("llm response", attrs...)
		}),
		Subscribe(bus, func(e *LLMErrorEvent) {
			msg := e.Error
			if e.Status != 0 {
				msg = fmt.Sprintf("HTTP %d: %s", e.Status, e.Error)
			}
			d.logger.Error("llm request failed", "step", "generate-commentary", "request_id", e.RequestID, "status", e.Status, "error", msg)
		}),
		Subscribe(bus, func(e *AbortEvent) {
			d.logger.Info("pipeline aborted", "request_id", e.RequestID, "reason", e.Reason)
		}),
		Subscribe(bus, d.onTTSStart),
		Subscribe(bus, d.onTTSEnd),
		Subscribe(bus, func(e *TTSErrorEvent) {
			d.logger.Error("tts failed", "step", "tts", "request_id", e.RequestID, "error", e.Error)
		}),
		Subscribe(bus, d.onEnd),
		Subscribe(bus, func(e *ContextStartEvent) {
			d.logger.Debug("context request", "scene_history_length", e.SceneHistoryLength, "detected_game", e.DetectedGame, "game_search_on_cooldown", e.GameSearchOnCooldown)
		}),
		Subscribe(bus, func(e *ContextEndEvent) {
			d.logger.Debug("context response", "description", e.Description, "game_name", e.GameName)
		}),
		Subscribe(bus, func(e *ContextErrorEvent) {
			d.logger.Error("context tick failed", "step", "context", "error", e.Error)
		}),
		Subscribe(bus, func(e *ContextSkippedEvent) {
			d.logger.Info("context tick skipped", "reason", e.Reason)
		}),
		Subscribe(bus, func(e *MemoryExtractedEvent) {
			d.logger.Info("memories stored", "persona_id", e.PersonaID, "count", e.Count)
		}),
		Subscribe(bus, func(e *MemoryExtractionErrorEvent) {
			d.logger.Error("memory extraction failed", "step", "memory-extraction", "error", e.Error)
		}),
		Subscribe(bus, func(e *SystemMessageEvent) {
			d.logger.Warn("system message", "text", e.Text)
		}),
	)
}

// Detach unsubscribes from the bus and forgets pending timings.
func (d *DebugLogger) Detach() {
	for _, fn := range d.unsubs {
		fn()
	}
	d.unsubs = nil
	d.mu.Lock()
	d.timings = make(map[string]*requestTiming)
	d.mu.Unlock()
}

// pending returns the number of runs being timed.
func (d *DebugLogger) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timings)
}

func (d *DebugLogger) onStart(e *PipelineStartEvent) {
	d.mu.Lock()
	d.timings[e.RequestID] = &requestTiming{start: d.now(), trigger: e.Trigger}
	d.mu.Unlock()
}

func (d *DebugLogger) onLLMStart(e *LLMStartEvent) {
	d.mu.Lock()
	if t, ok := d.timings[e.RequestID]; ok {
		t.llmStart = d.now()
	}
	d.mu.Unlock()
	d.logger.Debug("llm request", "request_id", e.RequestID, "persona", e.Persona, "history_length", e.HistoryLength, "player_text", e.PlayerText)
}

func (d *DebugLogger) onTTSStart(e *TTSStartEvent) {
	d.mu.Lock()
	if t, ok := d.timings[e.RequestID]; ok {
		t.ttsStart = d.now()
	}
	d.mu.Unlock()
	d.logger.Debug("tts request", "request_id", e.RequestID, "persona", e.Persona, "voice_id", e.VoiceID, "text_length", e.TextLength, "mode", e.Mode)
}

func (d *DebugLogger) onTTSEnd(e *TTSEndEvent) {
	d.logger.Debug("tts response",
		"request_id", e.RequestID,
		"persona", e.Persona,
		"mode", e.Mode,
		"ttfb_ms", e.TTFBMs,
		"first_audio_ms", e.FirstAudioMs,
		"total_ms", e.TotalMs,
		"audio_size", e.AudioSize,
	)

	d.mu.Lock()
	t, ok := d.timings[e.RequestID]
	var timing TtsTiming
	if ok {
		timing = TtsTiming{
			RequestID:        e.RequestID,
			Persona:          e.Persona,
			Mode:             e.Mode,
			Trigger:          t.trigger,
			RequestDuration:  ms(e.TTFBMs),
			TransferDuration: ms(max(e.FirstAudioMs-e.TTFBMs, 0)),
			FirstAudio:       ms(e.FirstAudioMs),
			Playback:         ms(max(e.TotalMs-e.FirstAudioMs, 0)),
			Total:            ms(e.TotalMs),
			AudioSize:        e.AudioSize,
		}
		if !t.llmStart.IsZero() && !t.ttsStart.IsZero() {
			timing.LLMDuration = t.ttsStart.Sub(t.llmStart)
		}
	}
	d.mu.Unlock()

	if ok && d.sink != nil {
		d.sink(timing)
	}
}

func (d *DebugLogger) onEnd(e *PipelineEndEvent) {
	d.mu.Lock()
	t, ok := d.timings[e.RequestID]
	delete(d.timings, e.RequestID)
	d.mu.Unlock()
	if ok {
		d.logger.Debug("pipeline finished", "request_id", e.RequestID, "trigger", e.Trigger, "duration", d.now().Sub(t.start))
	}
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

package commentary

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Event is the interface for all engine events.
type Event interface {
	// EventType returns the event name used for routing and serialization.
	EventType() string
}

// EngineStartedEvent is emitted when the engine starts.
type EngineStartedEvent struct{}

func (e *EngineStartedEvent) EventType() string { return "engine:started" }

// EngineStoppedEvent is emitted when the engine stops.
type EngineStoppedEvent struct{}

func (e *EngineStoppedEvent) EventType() string { return "engine:stopped" }

// EnginePausedEvent is emitted when timed commentary is paused.
type EnginePausedEvent struct{}

func (e *EnginePausedEvent) EventType() string { return "engine:paused" }

// EngineResumedEvent is emitted when timed commentary resumes.
type EngineResumedEvent struct{}

func (e *EngineResumedEvent) EventType() string { return "engine:resumed" }

// StateChangeEvent is emitted when the engine state changes.
type StateChangeEvent struct {
	From EngineState `json:"from"`
	To   EngineState `json:"to"`
}

func (e *StateChangeEvent) EventType() string { return "state-change" }

// BlockSelectedEvent is emitted after the scheduler picks a block.
type BlockSelectedEvent struct {
	RequestID    string    `json:"request_id"`
	BlockType    BlockType `json:"block_type"`
	Persona      string    `json:"persona"`
	Participants []string  `json:"participants,omitempty"`
}

func (e *BlockSelectedEvent) EventType() string { return "pipeline:block-selected" }

// PipelineStartEvent opens every pipeline run.
type PipelineStartEvent struct {
	RequestID  string  `json:"request_id"`
	Trigger    Trigger `json:"trigger"`
	Persona    string  `json:"persona"`
	PlayerText string  `json:"player_text,omitempty"`
}

func (e *PipelineStartEvent) EventType() string { return "pipeline:start" }

// FrameEvent is emitted after a frame is captured for a run.
type FrameEvent struct {
	RequestID string `json:"request_id"`
	Size      int    `json:"size"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

func (e *FrameEvent) EventType() string { return "pipeline:frame" }

// FrameErrorEvent is emitted when frame capture fails.
type FrameErrorEvent struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

func (e *FrameErrorEvent) EventType() string { return "pipeline:frame-error" }

// LLMStartEvent is emitted before the inference call.
type LLMStartEvent struct {
	RequestID     string `json:"request_id"`
	Persona       string `json:"persona"`
	HistoryLength int    `json:"history_length"`
	PlayerText    string `json:"player_text,omitempty"`
}

func (e *LLMStartEvent) EventType() string { return "pipeline:llm-start" }

// LLMEndEvent is emitted after a successful inference call.
type LLMEndEvent struct {
	RequestID string            `json:"request_id"`
	Persona   string            `json:"persona"`
	Text      string            `json:"text"`
	Usage     *Usage            `json:"usage,omitempty"`
	Visuals   []json.RawMessage `json:"visuals,omitempty"`
}

func (e *LLMEndEvent) EventType() string { return "pipeline:llm-end" }

// LLMErrorEvent is emitted when inference fails. Status is the HTTP status
// when the endpoint answered.
type LLMErrorEvent struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
	Status    int    `json:"status,omitempty"`
}

func (e *LLMErrorEvent) EventType() string { return "pipeline:llm-error" }

// SilenceEvent is emitted when a run produces nothing to say.
type SilenceEvent struct {
	RequestID string `json:"request_id"`
}

func (e *SilenceEvent) EventType() string { return "pipeline:silence" }

// AbortEvent is emitted when a run is cancelled.
type AbortEvent struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

func (e *AbortEvent) EventType() string { return "pipeline:abort" }

// TTSStartEvent is emitted before speech synthesis is requested.
type TTSStartEvent struct {
	RequestID  string  `json:"request_id"`
	Persona    string  `json:"persona"`
	VoiceID    string  `json:"voice_id"`
	TextLength int     `json:"text_length"`
	Mode       TtsMode `json:"mode"`
}

func (e *TTSStartEvent) EventType() string { return "pipeline:tts-start" }

// TTSEndEvent is emitted after playback completes.
type TTSEndEvent struct {
	RequestID    string  `json:"request_id"`
	Persona      string  `json:"persona"`
	Mode         TtsMode `json:"mode"`
	TTFBMs       int64   `json:"ttfb_ms"`
	FirstAudioMs int64   `json:"first_audio_ms"`
	TotalMs      int64   `json:"total_ms"`
	AudioSize    int     `json:"audio_size"`
}

func (e *TTSEndEvent) EventType() string { return "pipeline:tts-end" }

// TTSErrorEvent is emitted when synthesis or playback fails.
type TTSErrorEvent struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

func (e *TTSErrorEvent) EventType() string { return "pipeline:tts-error" }

// PipelineEndEvent closes every pipeline run, exactly once.
type PipelineEndEvent struct {
	RequestID string  `json:"request_id"`
	Trigger   Trigger `json:"trigger"`
}

func (e *PipelineEndEvent) EventType() string { return "pipeline:end" }

// ContextStartEvent is emitted when a scene description is requested.
type ContextStartEvent struct {
	SceneHistoryLength   int    `json:"scene_history_length"`
	DetectedGame         string `json:"detected_game,omitempty"`
	GameSearchOnCooldown bool   `json:"game_search_on_cooldown"`
}

func (e *ContextStartEvent) EventType() string { return "context:start" }

// ContextEndEvent is emitted with a new scene description.
type ContextEndEvent struct {
	Description string `json:"description"`
	GameName    string `json:"game_name,omitempty"`
	Usage       *Usage `json:"usage,omitempty"`
}

func (e *ContextEndEvent) EventType() string { return "context:end" }

// ContextErrorEvent is emitted when a context tick fails.
type ContextErrorEvent struct {
	Error string `json:"error"`
}

func (e *ContextErrorEvent) EventType() string { return "context:error" }

// ContextSkippedEvent is emitted when a context tick is skipped.
type ContextSkippedEvent struct {
	Reason string `json:"reason"`
}

func (e *ContextSkippedEvent) EventType() string { return "context:skipped" }

// MemoryExtractedEvent is emitted after memories are stored for a persona.
type MemoryExtractedEvent struct {
	PersonaID string `json:"persona_id"`
	Count     int    `json:"count"`
}

func (e *MemoryExtractedEvent) EventType() string { return "memory:extracted" }

// MemoryExtractionErrorEvent is emitted when memory extraction fails.
type MemoryExtractionErrorEvent struct {
	Error string `json:"error"`
}

func (e *MemoryExtractionErrorEvent) EventType() string { return "memory:extraction-error" }

// ChatMessageEvent adds a line to the chat log.
type ChatMessageEvent struct {
	ID            string `json:"id"`
	PersonaID     string `json:"persona_id,omitempty"`
	Name          string `json:"name"`
	Rarity        string `json:"rarity,omitempty"`
	Text          string `json:"text"`
	Time          string `json:"time"`
	Timestamp     string `json:"timestamp"`
	VoiceID       string `json:"voice_id,omitempty"`
	Image         string `json:"image,omitempty"`
	IsUserMessage bool   `json:"is_user_message,omitempty"`
}

func (e *ChatMessageEvent) EventType() string { return "chat-message" }

// OverlayShowEvent shows a speech bubble.
type OverlayShowEvent struct {
	BubbleID string            `json:"bubble_id"`
	Name     string            `json:"name"`
	Rarity   string            `json:"rarity,omitempty"`
	Text     string            `json:"text"`
	Image    string            `json:"image,omitempty"`
	Visuals  []json.RawMessage `json:"visuals,omitempty"`
}

func (e *OverlayShowEvent) EventType() string { return "overlay-show" }

// OverlayDismissEvent hides a speech bubble.
type OverlayDismissEvent struct {
	BubbleID string `json:"bubble_id"`
}

func (e *OverlayDismissEvent) EventType() string { return "overlay-dismiss" }

// SystemMessageEvent carries a user-visible notice.
type SystemMessageEvent struct {
	Text string `json:"text"`
}

func (e *SystemMessageEvent) EventType() string { return "system-message" }

type subscription struct {
	id uint64
	fn func(Event)
}

// Bus is a synchronous, typed publish/subscribe hub. Handlers run in the
// emitter's goroutine in subscription order; handlers subscribed with OnAny
// run after the typed ones. A panicking handler is logged and skipped.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]subscription
	any      []subscription
	logger   *slog.Logger
}

// NewBus creates an empty bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]subscription),
		logger:   logger,
	}
}

// Subscribe registers fn for events of type E and returns an idempotent
// unsubscribe function.
func Subscribe[E Event](b *Bus, fn func(E)) func() {
	var zero E
	return b.On(zero.EventType(), func(ev Event) {
		if typed, ok := ev.(E); ok {
			fn(typed)
		}
	})
}

// On registers fn for the named event type.
func (b *Bus) On(name string, fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.handlers[name] = without(b.handlers[name], id)
			if len(b.handlers[name]) == 0 {
				delete(b.handlers, name)
			}
		})
	}
}

// OnAny registers fn for every event.
func (b *Bus) OnAny(fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.any = append(b.any, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.any = without(b.any, id)
		})
	}
}

// Emit delivers ev to its subscribers.
func (b *Bus) Emit(ev Event) {
	if ev == nil {
		return
	}
	name := ev.EventType()

	b.mu.RLock()
	typed := b.handlers[name]
	all := b.any
	b.mu.RUnlock()

	for _, sub := range typed {
		b.dispatch(name, sub.fn, ev)
	}
	for _, sub := range all {
		b.dispatch(name, sub.fn, ev)
	}
}

// Clear removes every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.handlers = make(map[string][]subscription)
	b.any = nil
	b.mu.Unlock()
}

func (b *Bus) dispatch(name string, fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", name, "panic", fmt.Sprint(r))
		}
	}()
	fn(ev)
}

// without returns a fresh slice so snapshots held by Emit stay valid.
func without(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

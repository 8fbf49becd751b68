package commentary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nlaroche/glazebot/pkg/capture"
)

// EngineState is the engine's coarse activity state.
type EngineState string

const (
	StateIdle       EngineState = "idle"
	StateProcessing EngineState = "processing"
	StateStopped    EngineState = "stopped"
)

const screenCaptureFailed = "Failed to capture screen, is the share source still active?"

// EngineConfig configures the timed commentary loop.
type EngineConfig struct {
	PollInterval         time.Duration // delay between timed ticks
	MaxBackoff           time.Duration // cap on the error backoff delay
	CommentaryGap        time.Duration // minimum quiet time after a persona spoke
	MultiLineHold        time.Duration // extra quiet time after a multi-persona exchange
	MaxParticipants      int
	MemoryLimit          int
	MemoryInterval       time.Duration // 0 disables periodic memory extraction
	EnableVisuals        bool
	ErrorNoticeThreshold int // consecutive failures before a system-message
}

// DefaultEngineConfig returns the default engine settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PollInterval:         2 * time.Second,
		MaxBackoff:           60 * time.Second,
		CommentaryGap:        30 * time.Second,
		MultiLineHold:        15 * time.Second,
		MaxParticipants:      2,
		MemoryLimit:          10,
		MemoryInterval:       10 * time.Minute,
		EnableVisuals:        true,
		ErrorNoticeThreshold: 3,
	}
}

// EngineDeps are the collaborators of an Engine. ContextLoop, Memories and
// Extractor are optional.
type EngineDeps struct {
	Bus         *Bus
	History     *History
	Scheduler   *Scheduler
	Pipeline    *Pipeline
	Grabber     capture.Grabber
	ContextLoop *ContextLoop
	Memories    MemoryStore
	Extractor   *MemoryExtractor
	Logger      *slog.Logger
	Rand        *rand.Rand
}

// Engine drives timed commentary and dispatches user messages.
type Engine struct {
	bus         *Bus
	history     *History
	scheduler   *Scheduler
	pipeline    *Pipeline
	grabber     capture.Grabber
	contextLoop *ContextLoop
	memories    MemoryStore
	extractor   *MemoryExtractor
	logger      *slog.Logger
	cfg         EngineConfig
	now         func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	mu                sync.Mutex
	state             EngineState
	running           bool
	paused            bool
	sourceID          string
	roster            []Persona
	queue             []string
	cycleCancel       context.CancelFunc
	loopCancel        context.CancelFunc
	baseCtx           context.Context
	lastSpoke         time.Time
	consecutiveErrors int
	spoke             map[string]struct{}
	timedID           string
	timedErr          string

	wake        chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
}

func NewEngine(deps EngineDeps, cfg EngineConfig) *Engine {
	def := DefaultEngineConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxParticipants < 2 {
		cfg.MaxParticipants = def.MaxParticipants
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = def.MemoryLimit
	}
	if cfg.ErrorNoticeThreshold <= 0 {
		cfg.ErrorNoticeThreshold = def.ErrorNoticeThreshold
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	e := &Engine{
		bus:         deps.Bus,
		history:     deps.History,
		scheduler:   deps.Scheduler,
		pipeline:    deps.Pipeline,
		grabber:     deps.Grabber,
		contextLoop: deps.ContextLoop,
		memories:    deps.Memories,
		extractor:   deps.Extractor,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
		rng:         rng,
		state:       StateIdle,
		spoke:       make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
	}
	e.unsubscribe = Subscribe(e.bus, e.onLLMError)
	return e
}

// Start begins timed commentary on sourceID. Calling Start on a running
// engine does nothing.
func (e *Engine) Start(ctx context.Context, sourceID string, roster []Persona) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.paused = false
	e.sourceID = sourceID
	e.roster = append([]Persona(nil), roster...)
	e.queue = nil
	e.lastSpoke = time.Time{}
	e.consecutiveErrors = 0
	e.spoke = make(map[string]struct{})
	e.loopCancel = cancel
	e.baseCtx = ctx
	e.mu.Unlock()

	e.history.Clear()
	e.transition(StateIdle)
	e.bus.Emit(&EngineStartedEvent{})

	if e.contextLoop != nil {
		e.contextLoop.Start(loopCtx, sourceID)
	}

	e.wg.Add(1)
	go e.loop(loopCtx)

	if e.extractor != nil && e.cfg.MemoryInterval > 0 {
		e.wg.Add(1)
		go e.extractLoop(loopCtx)
	}
}

// Stop cancels the pending tick and any run in flight. Memories for the
// personas that spoke are extracted in the background.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.paused = false
	e.queue = nil
	cancel := e.loopCancel
	e.loopCancel = nil
	base := e.baseCtx
	personas := e.spokenPersonasLocked()
	e.mu.Unlock()

	cancel()
	if e.contextLoop != nil {
		e.contextLoop.Stop()
	}
	e.transition(StateStopped)
	e.bus.Emit(&EngineStoppedEvent{})

	if e.extractor != nil && len(personas) > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.extract(context.WithoutCancel(base), personas)
		}()
	}
}

// Close stops the engine and waits for background work to finish.
func (e *Engine) Close() {
	e.Stop()
	e.wg.Wait()
	e.unsubscribe()
}

// Pause suspends timed commentary. Queued user messages wait for Resume.
func (e *Engine) Pause() {
	e.mu.Lock()
	if !e.running || e.paused {
		e.mu.Unlock()
		return
	}
	e.paused = true
	e.mu.Unlock()

	if e.contextLoop != nil {
		e.contextLoop.Pause()
	}
	e.bus.Emit(&EnginePausedEvent{})
}

func (e *Engine) Resume() {
	e.mu.Lock()
	if !e.running || !e.paused {
		e.mu.Unlock()
		return
	}
	e.paused = false
	pending := len(e.queue) > 0
	e.mu.Unlock()

	if e.contextLoop != nil {
		e.contextLoop.Resume()
	}
	e.bus.Emit(&EngineResumedEvent{})
	if pending {
		e.signal()
	}
}

// UpdateRoster replaces the active personas from the next decision on.
func (e *Engine) UpdateRoster(roster []Persona) {
	e.mu.Lock()
	e.roster = append([]Persona(nil), roster...)
	e.mu.Unlock()
}

// Roster returns the active personas.
func (e *Engine) Roster() []Persona {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Persona(nil), e.roster...)
}

// State returns the current engine state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// QueueUserMessage queues a typed message, interrupting any timed cycle in
// flight. Messages are answered in arrival order.
func (e *Engine) QueueUserMessage(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	e.mu.Lock()
	e.queue = append(e.queue, text)
	cancel := e.cycleCancel
	running := e.running
	e.mu.Unlock()

	now := e.now()
	e.bus.Emit(&ChatMessageEvent{
		ID:            ulid.Make().String(),
		Name:          "You",
		Text:          text,
		Time:          now.Format("15:04"),
		Timestamp:     now.UTC().Format(time.RFC3339),
		IsUserMessage: true,
	})

	if cancel != nil {
		cancel()
	}
	if running {
		e.signal()
	}
}

// SendDirectMessage answers text without audio or overlay. It works whether
// or not the engine is running.
func (e *Engine) SendDirectMessage(ctx context.Context, text string, roster []Persona) (PipelineResult, error) {
	text = strings.TrimSpace(text)
	if text == "" || len(roster) == 0 {
		return PipelineResult{}, nil
	}
	persona, ok := MatchPersonaByName(text, roster)
	if !ok {
		persona = e.randomPersona(roster)
	}
	return e.pipeline.Process(ctx, MessageRequest{
		ID:         newRequestID(),
		Persona:    persona,
		Trigger:    TriggerDirect,
		PlayerText: text,
	})
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	timer := time.NewTimer(e.cfg.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-e.wake:
		}
		e.processNext(ctx)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(e.nextDelay())
	}
}

func (e *Engine) nextDelay() time.Duration {
	e.mu.Lock()
	n := e.consecutiveErrors
	e.mu.Unlock()
	if n <= 0 {
		return e.cfg.PollInterval
	}
	d := e.cfg.PollInterval
	for i := 0; i < n && d < e.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, e.cfg.MaxBackoff)
}

func (e *Engine) processNext(ctx context.Context) {
	e.mu.Lock()
	runnable := e.running && !e.paused
	empty := len(e.roster) == 0
	pending := len(e.queue) > 0
	e.mu.Unlock()

	if !runnable || empty {
		return
	}
	if pending {
		e.drainUserMessages(ctx)
		return
	}
	e.timedCycle(ctx)
}

func (e *Engine) drainUserMessages(ctx context.Context) {
	for ctx.Err() == nil {
		e.mu.Lock()
		if len(e.queue) == 0 || e.paused || !e.running {
			e.mu.Unlock()
			return
		}
		text := e.queue[0]
		e.queue = e.queue[1:]
		roster := append([]Persona(nil), e.roster...)
		e.mu.Unlock()

		if len(roster) == 0 {
			return
		}
		e.processUserMessage(ctx, text, roster)
	}
}

func (e *Engine) processUserMessage(ctx context.Context, text string, roster []Persona) {
	e.transition(StateProcessing)
	defer e.transition(StateIdle)

	persona, ok := MatchPersonaByName(text, roster)
	if !ok {
		persona = e.randomPersona(roster)
	}
	id := newRequestID()

	frame, err := e.grabFrame(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.bus.Emit(&FrameErrorEvent{RequestID: id, Error: err.Error()})
		e.bus.Emit(&SystemMessageEvent{Text: screenCaptureFailed})
		return
	}

	_, err = e.pipeline.Process(ctx, MessageRequest{
		ID:            id,
		Persona:       persona,
		Trigger:       TriggerUser,
		Frame:         frame,
		PlayerText:    text,
		SceneContext:  e.sceneContext(),
		GameHint:      e.detectedGame(),
		EnableVisuals: e.cfg.EnableVisuals,
	})
	if err != nil && ctx.Err() == nil {
		e.logger.Warn("user message failed", "request_id", id, "error", err)
	}

	e.mu.Lock()
	e.lastSpoke = e.now()
	e.mu.Unlock()
}

func (e *Engine) timedCycle(ctx context.Context) {
	e.mu.Lock()
	if !e.lastSpoke.IsZero() && e.now().Sub(e.lastSpoke) < e.cfg.CommentaryGap {
		e.mu.Unlock()
		return
	}
	roster := append([]Persona(nil), e.roster...)
	cycleCtx, cancel := context.WithCancel(ctx)
	e.cycleCancel = cancel
	e.mu.Unlock()

	e.transition(StateProcessing)
	defer func() {
		cancel()
		e.mu.Lock()
		e.cycleCancel = nil
		e.timedID = ""
		e.timedErr = ""
		e.mu.Unlock()
		e.transition(StateIdle)
	}()

	block, ok := e.scheduler.PickBlock(roster, e.history.All())
	if !ok {
		return
	}
	participants := make([]string, len(block.Participants))
	for i, p := range block.Participants {
		participants[i] = p.Name
	}
	e.bus.Emit(&BlockSelectedEvent{BlockType: block.Type, Persona: block.Primary.Name, Participants: participants})

	if block.Type == BlockSilence {
		e.bus.Emit(&SilenceEvent{})
		return
	}

	id := newRequestID()
	frame, err := e.grabFrame(cycleCtx, id)
	if err != nil {
		if cycleCtx.Err() != nil {
			return
		}
		e.bus.Emit(&FrameErrorEvent{RequestID: id, Error: err.Error()})
		e.settle(err.Error(), true)
		return
	}

	prompt, _ := e.scheduler.Prompt(block.Type)
	req := MessageRequest{
		ID:            id,
		Persona:       block.Primary,
		Trigger:       TriggerTimed,
		Frame:         frame,
		SceneContext:  e.sceneContext(),
		GameHint:      e.detectedGame(),
		BlockType:     block.Type,
		BlockPrompt:   prompt,
		Memories:      e.loadMemories(cycleCtx, block.Primary.ID),
		EnableVisuals: e.cfg.EnableVisuals,
	}

	e.mu.Lock()
	e.timedID = id
	e.mu.Unlock()

	if block.Type.IsMulti() && len(block.Participants) >= 2 {
		req.Participants = block.Participants[:min(len(block.Participants), e.cfg.MaxParticipants)]
		res, err := e.pipeline.ProcessMulti(cycleCtx, req)
		if cycleCtx.Err() != nil {
			return
		}
		if len(res.Lines) > 0 {
			e.mu.Lock()
			e.lastSpoke = e.now().Add(e.cfg.MultiLineHold)
			for _, l := range res.Lines {
				e.spoke[l.PersonaID] = struct{}{}
			}
			e.mu.Unlock()
		}
		e.settleRun(err)
		return
	}

	res, err := e.pipeline.Process(cycleCtx, req)
	if cycleCtx.Err() != nil {
		return
	}
	if res.Text != "" {
		e.mu.Lock()
		e.lastSpoke = e.now()
		e.spoke[block.Primary.ID] = struct{}{}
		e.mu.Unlock()
	}
	e.settleRun(err)
}

// onLLMError records inference failures of the timed cycle in flight.
func (e *Engine) onLLMError(ev *LLMErrorEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timedID != "" && ev.RequestID == e.timedID {
		e.timedErr = ev.Error
	}
}

func (e *Engine) settleRun(err error) {
	e.mu.Lock()
	msg := e.timedErr
	e.mu.Unlock()
	if err != nil {
		e.logger.Warn("commentary cycle failed", "error", err)
		msg = err.Error()
	}
	e.settle(msg, msg != "")
}

func (e *Engine) settle(msg string, failed bool) {
	e.mu.Lock()
	if !failed {
		e.consecutiveErrors = 0
		e.mu.Unlock()
		return
	}
	e.consecutiveErrors++
	n := e.consecutiveErrors
	e.mu.Unlock()

	if n >= e.cfg.ErrorNoticeThreshold {
		e.bus.Emit(&SystemMessageEvent{Text: fmt.Sprintf("Commentary error (%d in a row): %s", n, msg)})
	}
}

func (e *Engine) grabFrame(ctx context.Context, requestID string) (*Frame, error) {
	if e.grabber == nil {
		return nil, errors.New("no frame grabber configured")
	}
	e.mu.Lock()
	source := e.sourceID
	e.mu.Unlock()

	f, err := e.grabber.Grab(ctx, source)
	if err != nil {
		return nil, err
	}
	if e.contextLoop != nil {
		e.contextLoop.NotifyFrameGrab()
	}
	frame := &Frame{B64: f.Base64(), Width: f.Width, Height: f.Height}
	e.bus.Emit(&FrameEvent{RequestID: requestID, Size: len(frame.B64), Width: frame.Width, Height: frame.Height})
	return frame, nil
}

func (e *Engine) sceneContext() *SceneContext {
	if e.contextLoop == nil {
		return nil
	}
	return e.contextLoop.SceneContext()
}

func (e *Engine) detectedGame() string {
	if e.contextLoop == nil {
		return ""
	}
	return e.contextLoop.DetectedGame()
}

func (e *Engine) loadMemories(ctx context.Context, personaID string) []Memory {
	if e.memories == nil {
		return nil
	}
	ms, err := e.memories.Recall(ctx, personaID, e.cfg.MemoryLimit)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("load memories failed", "persona_id", personaID, "error", err)
		}
		return nil
	}
	return ms
}

func (e *Engine) extractLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.MemoryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			personas := e.spokenPersonasLocked()
			e.mu.Unlock()
			e.extract(ctx, personas)
		}
	}
}

func (e *Engine) extract(ctx context.Context, personas []Persona) {
	if len(personas) == 0 {
		return
	}
	if _, err := e.extractor.Extract(ctx, personas); err != nil && ctx.Err() == nil {
		e.logger.Warn("memory extraction failed", "error", err)
	}
}

func (e *Engine) spokenPersonasLocked() []Persona {
	var out []Persona
	for _, p := range e.roster {
		if _, ok := e.spoke[p.ID]; ok {
			out = append(out, p)
		}
	}
	return out
}

// transition moves to a new state. Once stopped, only Start leaves it.
func (e *Engine) transition(to EngineState) {
	e.mu.Lock()
	from := e.state
	if from == to || (!e.running && to != StateStopped) {
		e.mu.Unlock()
		return
	}
	e.state = to
	e.mu.Unlock()
	e.bus.Emit(&StateChangeEvent{From: from, To: to})
}

func (e *Engine) randomPersona(roster []Persona) Persona {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return roster[e.rng.IntN(len(roster))]
}

// MatchPersonaByName returns the first persona whose full or first name
// appears in text, ignoring case.
func MatchPersonaByName(text string, roster []Persona) (Persona, bool) {
	lower := strings.ToLower(text)
	for _, p := range roster {
		full := strings.ToLower(strings.TrimSpace(p.Name))
		if full == "" {
			continue
		}
		first := strings.ToLower(p.FirstName())
		if strings.Contains(lower, full) || strings.Contains(lower, first) {
			return p, true
		}
	}
	return Persona{}, false
}

func newRequestID() string {
	return ulid.Make().String()
}

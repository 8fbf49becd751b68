package commentary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nlaroche/glazebot/pkg/capture"
	"github.com/nlaroche/glazebot/pkg/core"
	"github.com/nlaroche/glazebot/pkg/core/providers/functions"
)

// SceneDescriber summarizes a frame.
type SceneDescriber interface {
	DescribeScene(ctx context.Context, token string, req *functions.SceneRequest) (*functions.SceneResponse, error)
}

// ContextLoopConfig configures background scene descriptions.
type ContextLoopConfig struct {
	Enabled      bool
	Interval     time.Duration
	BufferSize   int
	DedupWindow  time.Duration // skip a tick when a frame was grabbed this recently
	GameCooldown time.Duration // reuse a detected game name instead of searching again
}

// DefaultContextLoopConfig returns the default context loop settings.
func DefaultContextLoopConfig() ContextLoopConfig {
	return ContextLoopConfig{
		Enabled:      true,
		Interval:     15 * time.Second,
		BufferSize:   10,
		DedupWindow:  5 * time.Second,
		GameCooldown: 5 * time.Minute,
	}
}

// ContextLoop keeps a short buffer of scene descriptions that enrich
// commentary requests. Ticks never overlap and failures never stop the loop.
type ContextLoop struct {
	bus         *Bus
	grabber     capture.Grabber
	describer   SceneDescriber
	credentials CredentialSource
	cfg         ContextLoopConfig
	now         func() time.Time
	logger      *slog.Logger

	mu             sync.Mutex
	sourceID       string
	paused         bool
	cancel         context.CancelFunc
	done           chan struct{}
	lastGrab       time.Time
	descriptions   []string
	detectedGame   string
	gameDetectedAt time.Time
}

func NewContextLoop(bus *Bus, grabber capture.Grabber, describer SceneDescriber, credentials CredentialSource, cfg ContextLoopConfig, logger *slog.Logger) *ContextLoop {
	def := DefaultContextLoopConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.GameCooldown <= 0 {
		cfg.GameCooldown = def.GameCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextLoop{
		bus:         bus,
		grabber:     grabber,
		describer:   describer,
		credentials: credentials,
		cfg:         cfg,
		now:         time.Now,
		logger:      logger,
	}
}

// Start begins describing sourceID every interval. It is a no-op when the
// loop is disabled or already running.
func (l *ContextLoop) Start(ctx context.Context, sourceID string) {
	if !l.cfg.Enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.sourceID = sourceID
	l.paused = false
	l.descriptions = nil
	l.detectedGame = ""
	l.gameDetectedAt = time.Time{}
	l.lastGrab = time.Time{}
	go l.run(ctx, l.done)
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (l *ContextLoop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *ContextLoop) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

func (l *ContextLoop) Resume() {
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()
}

// NotifyFrameGrab records that the engine just captured a frame.
func (l *ContextLoop) NotifyFrameGrab() {
	l.mu.Lock()
	l.lastGrab = l.now()
	l.mu.Unlock()
}

// SceneContext returns the buffered descriptions, or nil when there are none.
func (l *ContextLoop) SceneContext() *SceneContext {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.descriptions) == 0 {
		return nil
	}
	return &SceneContext{
		GameName:     l.detectedGame,
		Descriptions: append([]string(nil), l.descriptions...),
	}
}

// DetectedGame returns the last game name reported by the describer.
func (l *ContextLoop) DetectedGame() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.detectedGame
}

func (l *ContextLoop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(l.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		l.mu.Lock()
		paused := l.paused
		l.mu.Unlock()
		if !paused {
			l.tick(ctx)
		}
		timer.Reset(l.cfg.Interval)
	}
}

func (l *ContextLoop) tick(ctx context.Context) {
	now := l.now()

	l.mu.Lock()
	sourceID := l.sourceID
	lastGrab := l.lastGrab
	l.mu.Unlock()

	if !lastGrab.IsZero() && now.Sub(lastGrab) < l.cfg.DedupWindow {
		l.bus.Emit(&ContextSkippedEvent{Reason: fmt.Sprintf("Frame grabbed %.1fs ago", now.Sub(lastGrab).Seconds())})
		return
	}

	frame, err := l.grabber.Grab(ctx, sourceID)
	if err != nil {
		if ctx.Err() == nil {
			l.bus.Emit(&ContextErrorEvent{Error: err.Error()})
		}
		return
	}

	l.mu.Lock()
	historyLen := len(l.descriptions)
	game := l.detectedGame
	onCooldown := game != "" && now.Sub(l.gameDetectedAt) < l.cfg.GameCooldown
	var previous string
	if historyLen > 0 {
		previous = l.descriptions[historyLen-1]
	}
	l.mu.Unlock()

	l.bus.Emit(&ContextStartEvent{SceneHistoryLength: historyLen, DetectedGame: game, GameSearchOnCooldown: onCooldown})

	token, err := l.credentials.AccessToken(ctx)
	if err != nil {
		l.bus.Emit(&ContextErrorEvent{Error: notAuthenticated})
		return
	}

	req := &functions.SceneRequest{FrameB64: frame.Base64(), PreviousDescription: previous}
	if onCooldown {
		req.GameName = game
	}
	resp, err := l.describer.DescribeScene(ctx, token, req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		var ce *core.Error
		if errors.As(err, &ce) && ce.Status != 0 {
			l.bus.Emit(&ContextErrorEvent{Error: fmt.Sprintf("describe-scene %d: %s", ce.Status, ce.Message)})
			return
		}
		l.bus.Emit(&ContextErrorEvent{Error: err.Error()})
		return
	}

	l.bus.Emit(&ContextEndEvent{Description: resp.Description, GameName: resp.GameName, Usage: toUsage(resp.Usage)})

	l.mu.Lock()
	defer l.mu.Unlock()
	if resp.GameName != "" && resp.GameName != l.detectedGame {
		l.logger.Info("game detected", "game", resp.GameName)
		l.detectedGame = resp.GameName
		l.gameDetectedAt = now
	}
	if resp.Description != "" {
		l.descriptions = append(l.descriptions, resp.Description)
		if over := len(l.descriptions) - l.cfg.BufferSize; over > 0 {
			l.descriptions = append([]string(nil), l.descriptions[over:]...)
		}
	}
}

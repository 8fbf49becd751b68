// Package config loads glazebot settings from the environment and the
// roster file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nlaroche/glazebot/pkg/commentary"
)

// Commentary gap bounds. Values outside are clamped.
const (
	MinCommentaryGap = 30 * time.Second
	MaxCommentaryGap = 120 * time.Second
)

// Audio outputs.
const (
	AudioSpeaker = "speaker"
	AudioDiscard = "discard"
)

type Config struct {
	// Hosted functions
	FunctionsBaseURL string
	AccessToken      string

	// Overlay bridge
	BridgeAddr          string
	BridgeOrigins       []string // browser origins allowed on the bridge; empty rejects all
	ShutdownGracePeriod time.Duration

	// Capture
	CaptureCommand []string // command and leading args; the source id is appended
	SourceID       string

	RosterPath string
	MemoryDB   string // empty disables persistent memories

	// Speech
	AudioOutput     string
	AudioFormat     string
	AudioSampleRate int
	StreamingTTS    bool

	// Engine
	PollInterval         time.Duration
	MaxBackoff           time.Duration
	CommentaryGap        time.Duration
	MultiLineHold        time.Duration
	MaxParticipants      int
	MemoryLimit          int
	MemoryInterval       time.Duration
	EnableVisuals        bool
	ErrorNoticeThreshold int
	LinePause            time.Duration
	Instructions         string

	// Context loop
	ContextEnabled  bool
	ContextInterval time.Duration
	ContextBuffer   int

	LogLevel string
	Debug    bool
}

func LoadFromEnv() (Config, error) {
	home, _ := os.UserHomeDir()
	cfg := Config{
		FunctionsBaseURL:     strings.TrimRight(envOr("GLAZEBOT_FUNCTIONS_URL", ""), "/"),
		AccessToken:          envOr("GLAZEBOT_ACCESS_TOKEN", ""),
		BridgeAddr:           envOr("GLAZEBOT_BRIDGE_ADDR", "127.0.0.1:7777"),
		ShutdownGracePeriod:  envDurationOr("GLAZEBOT_SHUTDOWN_GRACE_PERIOD", 5*time.Second),
		CaptureCommand:       strings.Fields(envOr("GLAZEBOT_CAPTURE_COMMAND", "")),
		SourceID:             envOr("GLAZEBOT_SOURCE_ID", "screen:0"),
		RosterPath:           envOr("GLAZEBOT_ROSTER", "glazebot.yaml"),
		MemoryDB:             envOr("GLAZEBOT_MEMORY_DB", filepath.Join(home, ".glazebot", "memory.db")),
		AudioOutput:          strings.ToLower(envOr("GLAZEBOT_AUDIO_OUTPUT", AudioSpeaker)),
		AudioFormat:          strings.ToLower(envOr("GLAZEBOT_AUDIO_FORMAT", "mp3")),
		AudioSampleRate:      envIntOr("GLAZEBOT_AUDIO_SAMPLE_RATE", 24000),
		StreamingTTS:         envBoolOr("GLAZEBOT_STREAMING_TTS", true),
		PollInterval:         envDurationOr("GLAZEBOT_POLL_INTERVAL", 2*time.Second),
		MaxBackoff:           envDurationOr("GLAZEBOT_MAX_BACKOFF", 60*time.Second),
		CommentaryGap:        envDurationOr("GLAZEBOT_COMMENTARY_GAP", 30*time.Second),
		MultiLineHold:        envDurationOr("GLAZEBOT_MULTI_LINE_HOLD", 15*time.Second),
		MaxParticipants:      envIntOr("GLAZEBOT_MAX_PARTICIPANTS", 2),
		MemoryLimit:          envIntOr("GLAZEBOT_MEMORY_LIMIT", 10),
		MemoryInterval:       envDurationOr("GLAZEBOT_MEMORY_INTERVAL", 10*time.Minute),
		EnableVisuals:        envBoolOr("GLAZEBOT_ENABLE_VISUALS", true),
		ErrorNoticeThreshold: envIntOr("GLAZEBOT_ERROR_NOTICE_THRESHOLD", 3),
		LinePause:            envDurationOr("GLAZEBOT_LINE_PAUSE", 400*time.Millisecond),
		Instructions:         envOr("GLAZEBOT_INSTRUCTIONS", ""),
		ContextEnabled:       envBoolOr("GLAZEBOT_CONTEXT_ENABLED", true),
		ContextInterval:      envDurationOr("GLAZEBOT_CONTEXT_INTERVAL", 15*time.Second),
		ContextBuffer:        envIntOr("GLAZEBOT_CONTEXT_BUFFER", 10),
		LogLevel:             strings.ToLower(envOr("GLAZEBOT_LOG_LEVEL", "info")),
		Debug:                envBoolOr("GLAZEBOT_DEBUG", false),
	}
	cfg.BridgeOrigins = splitCSV(os.Getenv("GLAZEBOT_BRIDGE_ORIGINS"))
	if strings.EqualFold(cfg.MemoryDB, "off") {
		cfg.MemoryDB = ""
	}

	cfg.CommentaryGap = ClampCommentaryGap(cfg.CommentaryGap)

	switch cfg.AudioOutput {
	case AudioSpeaker, AudioDiscard:
	default:
		return Config{}, fmt.Errorf("GLAZEBOT_AUDIO_OUTPUT must be one of speaker|discard")
	}
	switch cfg.AudioFormat {
	case "mp3", "pcm":
	default:
		return Config{}, fmt.Errorf("GLAZEBOT_AUDIO_FORMAT must be one of mp3|pcm")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("GLAZEBOT_LOG_LEVEL must be one of debug|info|warn|error")
	}

	if cfg.AudioSampleRate <= 0 {
		return Config{}, fmt.Errorf("GLAZEBOT_AUDIO_SAMPLE_RATE must be > 0")
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("GLAZEBOT_POLL_INTERVAL must be > 0")
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		return Config{}, fmt.Errorf("GLAZEBOT_MAX_BACKOFF must be >= GLAZEBOT_POLL_INTERVAL")
	}
	if cfg.MultiLineHold < 0 {
		return Config{}, fmt.Errorf("GLAZEBOT_MULTI_LINE_HOLD must be >= 0")
	}
	if cfg.MaxParticipants < 2 {
		return Config{}, fmt.Errorf("GLAZEBOT_MAX_PARTICIPANTS must be >= 2")
	}
	if cfg.MemoryLimit < 0 {
		return Config{}, fmt.Errorf("GLAZEBOT_MEMORY_LIMIT must be >= 0")
	}
	if cfg.MemoryInterval < 0 {
		return Config{}, fmt.Errorf("GLAZEBOT_MEMORY_INTERVAL must be >= 0")
	}
	if cfg.ErrorNoticeThreshold <= 0 {
		return Config{}, fmt.Errorf("GLAZEBOT_ERROR_NOTICE_THRESHOLD must be > 0")
	}
	if cfg.LinePause < 0 {
		return Config{}, fmt.Errorf("GLAZEBOT_LINE_PAUSE must be >= 0")
	}
	if cfg.ContextInterval <= 0 {
		return Config{}, fmt.Errorf("GLAZEBOT_CONTEXT_INTERVAL must be > 0")
	}
	if cfg.ContextBuffer <= 0 {
		return Config{}, fmt.Errorf("GLAZEBOT_CONTEXT_BUFFER must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("GLAZEBOT_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// Validate reports settings that are required to actually run commentary.
func (c Config) Validate() error {
	if c.FunctionsBaseURL == "" {
		return fmt.Errorf("GLAZEBOT_FUNCTIONS_URL is required")
	}
	if len(c.CaptureCommand) == 0 {
		return fmt.Errorf("GLAZEBOT_CAPTURE_COMMAND is required")
	}
	return nil
}

// ClampCommentaryGap bounds d to [MinCommentaryGap, MaxCommentaryGap].
func ClampCommentaryGap(d time.Duration) time.Duration {
	if d < MinCommentaryGap {
		return MinCommentaryGap
	}
	if d > MaxCommentaryGap {
		return MaxCommentaryGap
	}
	return d
}

// Engine returns the engine settings.
func (c Config) Engine() commentary.EngineConfig {
	return commentary.EngineConfig{
		PollInterval:         c.PollInterval,
		MaxBackoff:           c.MaxBackoff,
		CommentaryGap:        c.CommentaryGap,
		MultiLineHold:        c.MultiLineHold,
		MaxParticipants:      c.MaxParticipants,
		MemoryLimit:          c.MemoryLimit,
		MemoryInterval:       c.MemoryInterval,
		EnableVisuals:        c.EnableVisuals,
		ErrorNoticeThreshold: c.ErrorNoticeThreshold,
	}
}

// ContextLoop returns the context loop settings.
func (c Config) ContextLoop() commentary.ContextLoopConfig {
	cl := commentary.DefaultContextLoopConfig()
	cl.Enabled = c.ContextEnabled
	cl.Interval = c.ContextInterval
	cl.BufferSize = c.ContextBuffer
	return cl
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

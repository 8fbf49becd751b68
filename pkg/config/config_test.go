package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nlaroche/glazebot/pkg/commentary"
)

var glazebotEnvKeys = []string{
	"GLAZEBOT_FUNCTIONS_URL",
	"GLAZEBOT_ACCESS_TOKEN",
	"GLAZEBOT_BRIDGE_ADDR",
	"GLAZEBOT_SHUTDOWN_GRACE_PERIOD",
	"GLAZEBOT_CAPTURE_COMMAND",
	"GLAZEBOT_SOURCE_ID",
	"GLAZEBOT_ROSTER",
	"GLAZEBOT_MEMORY_DB",
	"GLAZEBOT_AUDIO_OUTPUT",
	"GLAZEBOT_AUDIO_FORMAT",
	"GLAZEBOT_AUDIO_SAMPLE_RATE",
	"GLAZEBOT_STREAMING_TTS",
	"GLAZEBOT_POLL_INTERVAL",
	"GLAZEBOT_MAX_BACKOFF",
	"GLAZEBOT_COMMENTARY_GAP",
	"GLAZEBOT_MULTI_LINE_HOLD",
	"GLAZEBOT_MAX_PARTICIPANTS",
	"GLAZEBOT_MEMORY_LIMIT",
	"GLAZEBOT_MEMORY_INTERVAL",
	"GLAZEBOT_ENABLE_VISUALS",
	"GLAZEBOT_ERROR_NOTICE_THRESHOLD",
	"GLAZEBOT_LINE_PAUSE",
	"GLAZEBOT_INSTRUCTIONS",
	"GLAZEBOT_CONTEXT_ENABLED",
	"GLAZEBOT_CONTEXT_INTERVAL",
	"GLAZEBOT_CONTEXT_BUFFER",
	"GLAZEBOT_LOG_LEVEL",
	"GLAZEBOT_DEBUG",
	"GLAZEBOT_BRIDGE_ORIGINS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range glazebotEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.BridgeAddr != "127.0.0.1:7777" {
		t.Fatalf("BridgeAddr = %q", cfg.BridgeAddr)
	}
	if len(cfg.BridgeOrigins) != 0 {
		t.Fatalf("BridgeOrigins = %v, want none", cfg.BridgeOrigins)
	}
	if cfg.AudioOutput != AudioSpeaker || cfg.AudioFormat != "mp3" || !cfg.StreamingTTS {
		t.Fatalf("audio = %q/%q/%v", cfg.AudioOutput, cfg.AudioFormat, cfg.StreamingTTS)
	}
	if cfg.CommentaryGap != 30*time.Second {
		t.Fatalf("CommentaryGap = %v, want 30s", cfg.CommentaryGap)
	}
	if cfg.LinePause != 400*time.Millisecond {
		t.Fatalf("LinePause = %v, want 400ms", cfg.LinePause)
	}
	if !strings.HasSuffix(cfg.MemoryDB, filepath.Join(".glazebot", "memory.db")) {
		t.Fatalf("MemoryDB = %q", cfg.MemoryDB)
	}

	if got, want := cfg.Engine(), commentary.DefaultEngineConfig(); got != want {
		t.Fatalf("Engine() = %+v, want %+v", got, want)
	}
	if got, want := cfg.ContextLoop(), commentary.DefaultContextLoopConfig(); got != want {
		t.Fatalf("ContextLoop() = %+v, want %+v", got, want)
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() accepted missing functions url")
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GLAZEBOT_FUNCTIONS_URL", "https://fn.example.com/")
	t.Setenv("GLAZEBOT_CAPTURE_COMMAND", "grab-frame --jpeg")
	t.Setenv("GLAZEBOT_AUDIO_OUTPUT", "Discard")
	t.Setenv("GLAZEBOT_STREAMING_TTS", "off")
	t.Setenv("GLAZEBOT_MEMORY_DB", "off")
	t.Setenv("GLAZEBOT_CONTEXT_ENABLED", "false")
	t.Setenv("GLAZEBOT_POLL_INTERVAL", "500ms")
	t.Setenv("GLAZEBOT_MAX_PARTICIPANTS", "3")
	t.Setenv("GLAZEBOT_BRIDGE_ORIGINS", " http://localhost:3000, ,tauri://localhost")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.FunctionsBaseURL != "https://fn.example.com" {
		t.Fatalf("FunctionsBaseURL = %q", cfg.FunctionsBaseURL)
	}
	if strings.Join(cfg.BridgeOrigins, "|") != "http://localhost:3000|tauri://localhost" {
		t.Fatalf("BridgeOrigins = %v", cfg.BridgeOrigins)
	}
	if len(cfg.CaptureCommand) != 2 || cfg.CaptureCommand[0] != "grab-frame" {
		t.Fatalf("CaptureCommand = %v", cfg.CaptureCommand)
	}
	if cfg.AudioOutput != AudioDiscard || cfg.StreamingTTS || cfg.MemoryDB != "" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.ContextLoop().Enabled || cfg.Engine().PollInterval != 500*time.Millisecond || cfg.Engine().MaxParticipants != 3 {
		t.Fatalf("derived configs = %+v / %+v", cfg.ContextLoop(), cfg.Engine())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadFromEnv_ClampsCommentaryGap(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"5s", 30 * time.Second},
		{"45s", 45 * time.Second},
		{"10m", 120 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("GLAZEBOT_COMMENTARY_GAP", tt.raw)
			cfg, err := LoadFromEnv()
			if err != nil {
				t.Fatalf("LoadFromEnv() error = %v", err)
			}
			if cfg.CommentaryGap != tt.want {
				t.Fatalf("CommentaryGap = %v, want %v", cfg.CommentaryGap, tt.want)
			}
		})
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		key, value, wantErr string
	}{
		{"GLAZEBOT_AUDIO_OUTPUT", "hdmi", "GLAZEBOT_AUDIO_OUTPUT"},
		{"GLAZEBOT_AUDIO_FORMAT", "ogg", "GLAZEBOT_AUDIO_FORMAT"},
		{"GLAZEBOT_LOG_LEVEL", "trace", "GLAZEBOT_LOG_LEVEL"},
		{"GLAZEBOT_MAX_PARTICIPANTS", "1", "GLAZEBOT_MAX_PARTICIPANTS"},
		{"GLAZEBOT_MAX_BACKOFF", "1s", "GLAZEBOT_MAX_BACKOFF"},
		{"GLAZEBOT_CONTEXT_BUFFER", "0", "GLAZEBOT_CONTEXT_BUFFER"},
		{"GLAZEBOT_LINE_PAUSE", "-1s", "GLAZEBOT_LINE_PAUSE"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if tt.key == "GLAZEBOT_MAX_BACKOFF" {
				t.Setenv("GLAZEBOT_POLL_INTERVAL", "5s")
			}
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("LoadFromEnv() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("GLAZEBOT_TEST_INT", "abc")
	t.Setenv("GLAZEBOT_TEST_BOOL", "maybe")
	t.Setenv("GLAZEBOT_TEST_DUR", "soon")
	if envIntOr("GLAZEBOT_TEST_INT", 7) != 7 {
		t.Fatal("envIntOr did not fall back")
	}
	if !envBoolOr("GLAZEBOT_TEST_BOOL", true) {
		t.Fatal("envBoolOr did not fall back")
	}
	if envDurationOr("GLAZEBOT_TEST_DUR", time.Second) != time.Second {
		t.Fatal("envDurationOr did not fall back")
	}
}

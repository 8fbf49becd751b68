package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nlaroche/glazebot/pkg/commentary"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestMetrics_AttachCountsEvents(t *testing.T) {
	m := NewMetrics("")
	bus := commentary.NewBus(nil)
	m.Attach(bus)

	bus.Emit(&commentary.EngineStartedEvent{})
	bus.Emit(&commentary.BlockSelectedEvent{BlockType: commentary.BlockSoloObservation})
	bus.Emit(&commentary.LLMEndEvent{Usage: &commentary.Usage{InputTokens: 100, OutputTokens: 20}})
	bus.Emit(&commentary.PipelineEndEvent{Trigger: commentary.TriggerTimed})
	bus.Emit(&commentary.PipelineEndEvent{Trigger: commentary.TriggerUser})
	bus.Emit(&commentary.PipelineEndEvent{Trigger: commentary.TriggerTimed})
	bus.Emit(&commentary.LLMErrorEvent{Status: 502})
	bus.Emit(&commentary.LLMErrorEvent{})
	bus.Emit(&commentary.SilenceEvent{})
	bus.Emit(&commentary.AbortEvent{})
	bus.Emit(&commentary.ContextSkippedEvent{})
	bus.Emit(&commentary.MemoryExtractedEvent{PersonaID: "p1", Count: 3})

	body := scrape(t, m)
	for _, want := range []string{
		`glazebot_pipeline_runs_total{trigger="timed"} 2`,
		`glazebot_pipeline_runs_total{trigger="user"} 1`,
		`glazebot_llm_errors_total{status="502"} 1`,
		`glazebot_tokens_total{direction="input",source="commentary"} 100`,
		`glazebot_blocks_selected_total{block_type="solo_observation"} 1`,
		`glazebot_engine_running 1`,
		`glazebot_llm_errors_total{status="0"} 1`,
		`glazebot_silences_total 1`,
		`glazebot_aborts_total 1`,
		`glazebot_context_ticks_total{outcome="skipped"} 1`,
		`glazebot_memories_extracted_total{persona_id="p1"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}

	m.Detach()
	bus.Emit(&commentary.EngineStoppedEvent{})
	if !strings.Contains(scrape(t, m), "glazebot_engine_running 1") {
		t.Errorf("event counted after Detach")
	}
}

func TestMetrics_RecordTtsTiming(t *testing.T) {
	m := NewMetrics("test")
	bus := commentary.NewBus(nil)
	d := commentary.NewDebugLogger(nil, commentary.WithTimingSink(m.RecordTtsTiming))
	d.Attach(bus)
	defer d.Detach()

	bus.Emit(&commentary.PipelineStartEvent{RequestID: "r1", Trigger: commentary.TriggerTimed})
	bus.Emit(&commentary.TTSEndEvent{RequestID: "r1", Mode: "streaming", TTFBMs: 100, FirstAudioMs: 200, TotalMs: 1500, AudioSize: 2048})

	body := scrape(t, m)
	for _, stage := range []string{"llm", "request", "transfer", "first_audio", "playback", "total"} {
		want := `test_tts_stage_duration_seconds_count{mode="streaming",stage="` + stage + `"} 1`
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
	if !strings.Contains(body, `test_tts_audio_bytes_total{mode="streaming"} 2048`) {
		t.Fatalf("audio bytes not recorded")
	}

	m.RecordTtsTiming(commentary.TtsTiming{Mode: "buffered", Total: time.Second})
	body = scrape(t, m)
	if !strings.Contains(body, `test_tts_stage_duration_seconds_count{mode="buffered",stage="total"} 1`) {
		t.Fatalf("buffered total not recorded:\n%s", body)
	}
}

package commentary

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nlaroche/glazebot/pkg/core"
	"github.com/nlaroche/glazebot/pkg/core/providers/functions"
)

type pipelineFixture struct {
	bus       *Bus
	history   *History
	inference *fakeInference
	speaker   *fakeSpeaker
	events    *collector
	pipeline  *Pipeline
}

func newPipelineFixture(inference *fakeInference, speaker *fakeSpeaker, opts ...PipelineOption) *pipelineFixture {
	bus := NewBus(nil)
	history := NewHistory()
	if speaker == nil {
		speaker = &fakeSpeaker{}
	}
	opts = append([]PipelineOption{WithLinePause(0)}, opts...)
	return &pipelineFixture{
		bus:       bus,
		history:   history,
		inference: inference,
		speaker:   speaker,
		events:    collect(bus),
		pipeline:  NewPipeline(bus, history, inference, StaticToken("tok"), speaker, opts...),
	}
}

func timedRequest(id string) MessageRequest {
	return MessageRequest{
		ID:      id,
		Persona: nova,
		Trigger: TriggerTimed,
		Frame:   &Frame{B64: "QUJD", Width: 640, Height: 360},
	}
}

func assertBracketed(t *testing.T, events *collector) {
	t.Helper()
	names := events.names()
	if len(names) == 0 || names[0] != "pipeline:start" {
		t.Fatalf("first event = %v", names)
	}
	if names[len(names)-1] != "pipeline:end" {
		t.Fatalf("last event = %v", names)
	}
	if events.count("pipeline:start") != 1 || events.count("pipeline:end") != 1 {
		t.Fatalf("start/end counts wrong: %v", names)
	}
	if events.count("overlay-show") != events.count("overlay-dismiss") {
		t.Fatalf("overlay show/dismiss unbalanced: %v", names)
	}
}

func TestPipeline_ProcessHappyPath(t *testing.T) {
	f := newPipelineFixture(replyWith("What a play!"), nil)

	res, err := f.pipeline.Process(context.Background(), timedRequest("r1"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Text != "What a play!" || res.Usage == nil || res.Usage.InputTokens != 10 {
		t.Fatalf("result = %+v", res)
	}

	want := []string{
		"pipeline:start",
		"pipeline:llm-start",
		"pipeline:llm-end",
		"chat-message",
		"overlay-show",
		"overlay-dismiss",
		"pipeline:end",
	}
	if got := f.events.names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v\nwant     %v", got, want)
	}

	spoken := f.speaker.spoken()
	if len(spoken) != 1 || spoken[0].VoiceID != "voice-nova" || spoken[0].AccessToken != "tok" || spoken[0].RequestID != "r1" {
		t.Fatalf("spoken = %+v", spoken)
	}

	hist := f.history.Get(nova.ID)
	if len(hist) != 2 || hist[0].Content != "(screen only)" || hist[1].Content != "What a play!" {
		t.Fatalf("history = %+v", hist)
	}

	show := eventsOf[*OverlayShowEvent](f.events)[0]
	if show.BubbleID != "r1" || show.Name != nova.Name || show.Rarity != "epic" || show.Image != "nova.png" {
		t.Fatalf("overlay-show = %+v", show)
	}
	chat := eventsOf[*ChatMessageEvent](f.events)[0]
	if chat.ID == "" || chat.PersonaID != nova.ID || chat.Time == "" || chat.Timestamp == "" {
		t.Fatalf("chat-message = %+v", chat)
	}
}

func TestPipeline_RequestBody(t *testing.T) {
	f := newPipelineFixture(replyWith("ok"), nil, WithInstructions("Keep it short."))
	f.history.Append(nova.ID, "u", "a")

	req := timedRequest("r1")
	req.Persona.Personality = Personality{"energy": 80}
	req.BlockType = BlockQuestion
	req.BlockPrompt = "Ask."
	req.SceneContext = &SceneContext{GameName: "Celeste", Descriptions: []string{"A cliff."}}
	req.GameHint = "ignored"
	req.Memories = []Memory{{Content: "Beat chapter 1", GameName: "Celeste"}, {Content: "Likes jazz"}}
	req.EnableVisuals = true
	if _, err := f.pipeline.Process(context.Background(), req); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	body := f.inference.requests()[0]
	if body.SystemPrompt != "You are Nova.\n\nKeep it short." {
		t.Errorf("system prompt = %q", body.SystemPrompt)
	}
	if body.Personality["energy"] != 80 {
		t.Errorf("personality = %v", body.Personality)
	}
	if len(body.History) != 2 || body.History[0].Role != "user" {
		t.Errorf("history = %+v", body.History)
	}
	if body.FrameB64 != "QUJD" || body.FrameDims == nil || body.FrameDims.Width != 640 {
		t.Errorf("frame = %q %+v", body.FrameB64, body.FrameDims)
	}
	if body.SceneContext == nil || body.SceneContext.GameName != "Celeste" || body.GameHint != "" {
		t.Errorf("scene = %+v hint = %q", body.SceneContext, body.GameHint)
	}
	if body.BlockType != "question" || body.BlockPrompt != "Ask." || !body.EnableVisuals {
		t.Errorf("block = %q %q visuals=%v", body.BlockType, body.BlockPrompt, body.EnableVisuals)
	}
	if strings.Join(body.Memories, "|") != "[Celeste] Beat chapter 1|Likes jazz" {
		t.Errorf("memories = %v", body.Memories)
	}
	if llm := eventsOf[*LLMStartEvent](f.events)[0]; llm.HistoryLength != 2 {
		t.Errorf("llm-start history length = %d", llm.HistoryLength)
	}
}

func TestPipeline_GameHintFallback(t *testing.T) {
	f := newPipelineFixture(replyWith("ok"), nil)
	req := timedRequest("r1")
	req.SceneContext = &SceneContext{}
	req.GameHint = "Hades"
	if _, err := f.pipeline.Process(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	body := f.inference.requests()[0]
	if body.SceneContext != nil || body.GameHint != "Hades" {
		t.Fatalf("scene = %+v hint = %q", body.SceneContext, body.GameHint)
	}
}

func TestPipeline_Silence(t *testing.T) {
	f := newPipelineFixture(replyWith(""), nil)
	res, err := f.pipeline.Process(context.Background(), timedRequest("r1"))
	if err != nil || res.Text != "" {
		t.Fatalf("Process() = %+v, %v", res, err)
	}
	assertBracketed(t, f.events)
	if !f.events.has("pipeline:silence") || f.events.has("chat-message") || f.events.has("overlay-show") {
		t.Fatalf("events = %v", f.events.names())
	}
	if len(f.history.Get(nova.ID)) != 0 {
		t.Fatal("silence recorded in history")
	}
}

func TestPipeline_VisualsOnly(t *testing.T) {
	inference := &fakeInference{fn: func(context.Context, *functions.CommentaryRequest) (*functions.CommentaryResponse, error) {
		return &functions.CommentaryResponse{Visuals: []json.RawMessage{json.RawMessage(`{"type":"screen_flash"}`)}}, nil
	}}
	f := newPipelineFixture(inference, nil)
	if _, err := f.pipeline.Process(context.Background(), timedRequest("r1")); err != nil {
		t.Fatal(err)
	}
	assertBracketed(t, f.events)
	if f.events.has("pipeline:silence") || f.events.has("chat-message") {
		t.Fatalf("events = %v", f.events.names())
	}
	if show := eventsOf[*OverlayShowEvent](f.events); len(show) != 1 || len(show[0].Visuals) != 1 {
		t.Fatalf("overlay-show = %+v", show)
	}
	if len(f.speaker.spoken()) != 0 {
		t.Fatal("speaker called without text")
	}
}

func TestPipeline_NotAuthenticated(t *testing.T) {
	for _, trigger := range []Trigger{TriggerTimed, TriggerUser} {
		t.Run(string(trigger), func(t *testing.T) {
			bus := NewBus(nil)
			events := collect(bus)
			inference := replyWith("never")
			p := NewPipeline(bus, NewHistory(), inference, StaticToken(""), &fakeSpeaker{})

			req := timedRequest("r1")
			req.Trigger = trigger
			res, err := p.Process(context.Background(), req)
			if err != nil || res.Text != "" {
				t.Fatalf("Process() = %+v, %v", res, err)
			}
			assertBracketed(t, events)
			if len(inference.requests()) != 0 || events.has("pipeline:llm-start") {
				t.Fatal("inference called without credentials")
			}
			llmErr := eventsOf[*LLMErrorEvent](events)
			if len(llmErr) != 1 || llmErr[0].Error != "Not authenticated" {
				t.Fatalf("llm-error = %+v", llmErr)
			}
			if got := events.has("system-message"); got != (trigger == TriggerUser) {
				t.Fatalf("system-message = %v for %s", got, trigger)
			}
		})
	}
}

func TestPipeline_InferenceStatusError(t *testing.T) {
	inference := &fakeInference{fn: func(context.Context, *functions.CommentaryRequest) (*functions.CommentaryResponse, error) {
		return nil, core.NewAPIError(functions.EndpointGenerateCommentary, 500, "boom")
	}}
	f := newPipelineFixture(inference, nil)
	req := timedRequest("r1")
	req.Trigger = TriggerUser
	req.PlayerText = "hi"

	res, err := f.pipeline.Process(context.Background(), req)
	if err != nil || res.Text != "" {
		t.Fatalf("Process() = %+v, %v", res, err)
	}
	assertBracketed(t, f.events)
	llmErr := eventsOf[*LLMErrorEvent](f.events)
	if len(llmErr) != 1 || llmErr[0].Status != 500 || llmErr[0].Error != "boom" {
		t.Fatalf("llm-error = %+v", llmErr)
	}
	sys := eventsOf[*SystemMessageEvent](f.events)
	if len(sys) != 1 || sys[0].Text != "Failed to generate response (500)." {
		t.Fatalf("system-message = %+v", sys)
	}
}

func TestPipeline_InferenceTransportError(t *testing.T) {
	inference := &fakeInference{fn: func(context.Context, *functions.CommentaryRequest) (*functions.CommentaryResponse, error) {
		return nil, errors.New("dial tcp: refused")
	}}
	f := newPipelineFixture(inference, nil)

	_, err := f.pipeline.Process(context.Background(), timedRequest("r1"))
	if err == nil {
		t.Fatal("expected transport error")
	}
	assertBracketed(t, f.events)
	if !f.events.has("pipeline:llm-error") || f.events.has("system-message") {
		t.Fatalf("events = %v", f.events.names())
	}
}

func TestPipeline_CancelDuringInference(t *testing.T) {
	inference := &fakeInference{fn: func(ctx context.Context, _ *functions.CommentaryRequest) (*functions.CommentaryResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newPipelineFixture(inference, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	if _, err := f.pipeline.Process(ctx, timedRequest("r1")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	assertBracketed(t, f.events)
	aborts := eventsOf[*AbortEvent](f.events)
	if len(aborts) != 1 || aborts[0].Reason != abortCycle {
		t.Fatalf("abort = %+v", aborts)
	}
	if f.events.has("pipeline:llm-error") {
		t.Fatal("cancellation reported as llm-error")
	}
}

func TestPipeline_AbortBeforeTTS(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inference := &fakeInference{fn: func(context.Context, *functions.CommentaryRequest) (*functions.CommentaryResponse, error) {
		cancel()
		return &functions.CommentaryResponse{Text: "Too late"}, nil
	}}
	f := newPipelineFixture(inference, nil)

	res, err := f.pipeline.Process(ctx, timedRequest("r1"))
	if err != nil || res.Text != "Too late" {
		t.Fatalf("Process() = %+v, %v", res, err)
	}
	assertBracketed(t, f.events)
	aborts := eventsOf[*AbortEvent](f.events)
	if len(aborts) != 1 || aborts[0].Reason != abortBeforeTTS {
		t.Fatalf("abort = %+v", aborts)
	}
	for _, name := range []string{"pipeline:tts-start", "overlay-show", "chat-message"} {
		if f.events.has(name) {
			t.Fatalf("%s emitted after abort: %v", name, f.events.names())
		}
	}
	if len(f.speaker.spoken()) != 0 {
		t.Fatal("speaker called after abort")
	}
	if len(f.history.Get(nova.ID)) != 2 {
		t.Fatal("generated text not kept in history")
	}
}

func TestPipeline_CancelDuringSpeech(t *testing.T) {
	started := make(chan struct{}, 1)
	f := newPipelineFixture(replyWith("Long line"), blockingSpeaker(started))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Process(ctx, timedRequest("r1"))
		done <- err
	}()
	<-started
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	assertBracketed(t, f.events)
	names := f.events.names()
	dismiss := f.events.index("overlay-dismiss")
	abort := f.events.index("pipeline:abort")
	if dismiss < 0 || abort < dismiss {
		t.Fatalf("events = %v", names)
	}
	if a := eventsOf[*AbortEvent](f.events); a[0].Reason != abortCycle {
		t.Fatalf("abort reason = %q", a[0].Reason)
	}
}

func TestPipeline_PlaybackErrorPropagates(t *testing.T) {
	speaker := &fakeSpeaker{fn: func(context.Context, TtsOptions) (TtsResult, error) {
		return TtsResult{}, core.NewPlaybackError(errors.New("no device"))
	}}
	f := newPipelineFixture(replyWith("hi"), speaker)

	_, err := f.pipeline.Process(context.Background(), timedRequest("r1"))
	if !core.IsType(err, core.ErrPlayback) {
		t.Fatalf("Process() error = %v, want playback error", err)
	}
	assertBracketed(t, f.events)
}

func TestPipeline_DirectTrigger(t *testing.T) {
	f := newPipelineFixture(replyWith("Sure thing"), nil)
	req := MessageRequest{ID: "d1", Persona: nova, Trigger: TriggerDirect, PlayerText: "hey Nova"}

	res, err := f.pipeline.Process(context.Background(), req)
	if err != nil || res.Text != "Sure thing" {
		t.Fatalf("Process() = %+v, %v", res, err)
	}
	assertBracketed(t, f.events)
	if !f.events.has("chat-message") || f.events.has("overlay-show") {
		t.Fatalf("events = %v", f.events.names())
	}
	if len(f.speaker.spoken()) != 0 {
		t.Fatal("direct message was spoken")
	}
	if hist := f.history.Get(nova.ID); hist[0].Content != `Player: "hey Nova"` {
		t.Fatalf("history = %+v", hist)
	}
}

func TestPipeline_NoVoiceSkipsSpeech(t *testing.T) {
	f := newPipelineFixture(replyWith("silent type"), nil)
	req := timedRequest("r1")
	req.Persona = quiet
	if _, err := f.pipeline.Process(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	assertBracketed(t, f.events)
	if !f.events.has("overlay-show") || len(f.speaker.spoken()) != 0 {
		t.Fatalf("events = %v spoken = %d", f.events.names(), len(f.speaker.spoken()))
	}
}

func TestPipeline_RejectsDuplicateInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	inference := &fakeInference{fn: func(context.Context, *functions.CommentaryRequest) (*functions.CommentaryResponse, error) {
		close(entered)
		<-release
		return &functions.CommentaryResponse{Text: "ok"}, nil
	}}
	f := newPipelineFixture(inference, nil)

	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Process(context.Background(), timedRequest("dup"))
		done <- err
	}()
	<-entered

	before := len(f.events.all())
	if _, err := f.pipeline.Process(context.Background(), timedRequest("dup")); !errors.Is(err, ErrRequestInFlight) {
		t.Fatalf("second Process() error = %v", err)
	}
	if _, err := f.pipeline.ProcessMulti(context.Background(), MessageRequest{ID: "dup", Persona: nova, Participants: []Persona{nova, rex}}); !errors.Is(err, ErrRequestInFlight) {
		t.Fatalf("ProcessMulti() error = %v", err)
	}
	if after := len(f.events.all()); after != before {
		t.Fatalf("rejected call emitted %d events", after-before)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	// The id is free again once the first run ends.
	inference.fn = func(context.Context, *functions.CommentaryRequest) (*functions.CommentaryResponse, error) {
		return &functions.CommentaryResponse{Text: "again"}, nil
	}
	if _, err := f.pipeline.Process(context.Background(), timedRequest("dup")); err != nil {
		t.Fatalf("reuse error = %v", err)
	}
}

func TestUserContent(t *testing.T) {
	tests := []struct {
		req  MessageRequest
		want string
	}{
		{MessageRequest{PlayerText: "nice"}, `Player: "nice"`},
		{MessageRequest{ReactTo: &ReactTo{Name: "Rex", Text: "wow"}}, `Rex said: "wow"`},
		{MessageRequest{}, "(screen only)"},
	}
	for _, tt := range tests {
		if got := userContent(tt.req); got != tt.want {
			t.Errorf("userContent() = %q, want %q", got, tt.want)
		}
	}
}

func TestPipeline_ConcurrentRunsKeepBubblesPaired(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() {
		started.Wait()
		close(both)
	}()
	// Each run holds its bubble open until the other run is also speaking.
	speaker := &fakeSpeaker{fn: func(ctx context.Context, opts TtsOptions) (TtsResult, error) {
		started.Done()
		select {
		case <-both:
		case <-time.After(3 * time.Second):
		}
		return TtsResult{Played: true, Mode: TtsBuffered}, nil
	}}
	f := newPipelineFixture(replyWith("Look at that!"), speaker)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.pipeline.Process(context.Background(), timedRequest(id))
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}

	events := f.events.all()
	for _, id := range []string{"a", "b"} {
		show, dismiss, end := -1, -1, -1
		shows, dismisses := 0, 0
		for i, ev := range events {
			switch e := ev.(type) {
			case *OverlayShowEvent:
				if e.BubbleID == id {
					show = i
					shows++
				}
			case *OverlayDismissEvent:
				if e.BubbleID == id {
					dismiss = i
					dismisses++
				}
			case *PipelineEndEvent:
				if e.RequestID == id {
					end = i
				}
			}
		}
		if shows != 1 || dismisses != 1 {
			t.Fatalf("bubble %s: shows=%d dismisses=%d", id, shows, dismisses)
		}
		if !(show < dismiss && dismiss < end) {
			t.Fatalf("bubble %s: show=%d dismiss=%d end=%d", id, show, dismiss, end)
		}
		for i := end + 1; i < len(events); i++ {
			if rid := requestIDOf(events[i]); rid == id {
				t.Fatalf("event %s for %s after pipeline:end", events[i].EventType(), id)
			}
		}
	}
	if len(speaker.spoken()) != 2 {
		t.Fatalf("spoken = %d, want 2", len(speaker.spoken()))
	}
}

func requestIDOf(ev Event) string {
	switch e := ev.(type) {
	case *PipelineStartEvent:
		return e.RequestID
	case *LLMStartEvent:
		return e.RequestID
	case *LLMEndEvent:
		return e.RequestID
	case *TTSStartEvent:
		return e.RequestID
	case *TTSEndEvent:
		return e.RequestID
	case *OverlayShowEvent:
		return e.BubbleID
	case *OverlayDismissEvent:
		return e.BubbleID
	}
	return ""
}

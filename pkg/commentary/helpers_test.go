package commentary

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nlaroche/glazebot/pkg/capture"
	"github.com/nlaroche/glazebot/pkg/core/providers/functions"
	"github.com/nlaroche/glazebot/pkg/core/voice/tts"
)

// collector records every event emitted on a bus.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func collect(bus *Bus) *collector {
	c := &collector{}
	bus.OnAny(func(ev Event) {
		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
	})
	return c
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) names() []string {
	var out []string
	for _, ev := range c.all() {
		out = append(out, ev.EventType())
	}
	return out
}

func (c *collector) count(name string) int {
	n := 0
	for _, ev := range c.all() {
		if ev.EventType() == name {
			n++
		}
	}
	return n
}

func (c *collector) has(name string) bool { return c.count(name) > 0 }

func (c *collector) index(name string) int {
	for i, ev := range c.all() {
		if ev.EventType() == name {
			return i
		}
	}
	return -1
}

func eventsOf[E Event](c *collector) []E {
	var out []E
	for _, ev := range c.all() {
		if typed, ok := ev.(E); ok {
			out = append(out, typed)
		}
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeInference struct {
	mu    sync.Mutex
	calls []*functions.CommentaryRequest
	fn    func(ctx context.Context, req *functions.CommentaryRequest) (*functions.CommentaryResponse, error)
}

func replyWith(text string) *fakeInference {
	return &fakeInference{fn: func(context.Context, *functions.CommentaryRequest) (*functions.CommentaryResponse, error) {
		return &functions.CommentaryResponse{Text: text, Usage: &functions.Usage{InputTokens: 10, OutputTokens: 5}}, nil
	}}
}

func (f *fakeInference) GenerateCommentary(ctx context.Context, token string, req *functions.CommentaryRequest) (*functions.CommentaryResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *fakeInference) requests() []*functions.CommentaryRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*functions.CommentaryRequest(nil), f.calls...)
}

type fakeSpeaker struct {
	mu    sync.Mutex
	calls []TtsOptions
	fn    func(ctx context.Context, opts TtsOptions) (TtsResult, error)
}

func (f *fakeSpeaker) PlayTTS(ctx context.Context, opts TtsOptions) (TtsResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, opts)
	}
	return TtsResult{Played: true, Mode: TtsBuffered}, nil
}

func (f *fakeSpeaker) spoken() []TtsOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TtsOptions(nil), f.calls...)
}

// blockingSpeaker blocks until the context is cancelled.
func blockingSpeaker(started chan<- struct{}) *fakeSpeaker {
	return &fakeSpeaker{fn: func(ctx context.Context, opts TtsOptions) (TtsResult, error) {
		if started != nil {
			select {
			case started <- struct{}{}:
			default:
			}
		}
		<-ctx.Done()
		return TtsResult{Mode: TtsBuffered}, nil
	}}
}

type fakeOutput struct {
	streaming bool
	err       error

	mu     sync.Mutex
	played [][]byte
}

func (o *fakeOutput) SupportsStreaming() bool { return o.streaming }

func (o *fakeOutput) Play(ctx context.Context, r io.Reader, onStart func()) error {
	if o.err != nil {
		return o.err
	}
	var got []byte
	buf := make([]byte, 512)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if len(got) == 0 && onStart != nil {
				onStart()
			}
			got = append(got, buf[:n]...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	o.mu.Lock()
	o.played = append(o.played, got)
	o.mu.Unlock()
	return ctx.Err()
}

func (o *fakeOutput) plays() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.played...)
}

type fakeProvider struct {
	audio  []byte
	chunks [][]byte
	err    error
	stream func(ctx context.Context) (*tts.SynthesisStream, error)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOptions) (*tts.Synthesis, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &tts.Synthesis{Audio: p.audio, Format: "mp3", ResponseAt: time.Now()}, nil
}

func (p *fakeProvider) SynthesizeStream(ctx context.Context, text string, opts tts.SynthesizeOptions) (*tts.SynthesisStream, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.stream != nil {
		return p.stream(ctx)
	}
	s := tts.NewSynthesisStream()
	s.Format = "mp3"
	s.ResponseAt = time.Now()
	go func() {
		defer s.FinishSending()
		for _, c := range p.chunks {
			if !s.Send(c) {
				return
			}
		}
	}()
	return s, nil
}

type fakeGrabber struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (g *fakeGrabber) Grab(ctx context.Context, sourceID string) (capture.Frame, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return capture.Frame{}, g.err
	}
	return capture.Frame{DataURI: "data:image/jpeg;base64,QUJD", Width: 640, Height: 360}, nil
}

func (g *fakeGrabber) grabs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeStore struct {
	mu       sync.Mutex
	memories []Memory
	err      error
}

func (s *fakeStore) Recall(ctx context.Context, personaID string, limit int) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []Memory
	for _, m := range s.memories {
		if m.PersonaID == personaID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Importance > out[j].Importance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) Remember(ctx context.Context, m Memory) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Memory{}, s.err
	}
	s.memories = append(s.memories, m)
	return m, nil
}

func (s *fakeStore) all() []Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Memory(nil), s.memories...)
}

var (
	nova  = Persona{ID: "p1", Name: "Nova Blaze", SystemPrompt: "You are Nova.", VoiceID: "voice-nova", Rarity: "epic", AvatarURL: "nova.png"}
	rex   = Persona{ID: "p2", Name: "Rex", SystemPrompt: "You are Rex.", VoiceID: "voice-rex", Backstory: "Retired arena champion."}
	quiet = Persona{ID: "p3", Name: "Mute", SystemPrompt: "You are Mute."}
)

package commentary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nlaroche/glazebot/pkg/core"
	"github.com/nlaroche/glazebot/pkg/core/providers/functions"
)

// Inference generates persona lines.
type Inference interface {
	GenerateCommentary(ctx context.Context, token string, req *functions.CommentaryRequest) (*functions.CommentaryResponse, error)
}

// ErrRequestInFlight is returned when a run with the same id is already active.
var ErrRequestInFlight = errors.New("commentary: request already in flight")

const (
	abortBeforeTTS     = "Aborted before TTS, yielding to user message"
	abortCycle         = "Cycle aborted, user message takes priority"
	abortBetweenLines  = "Aborted between lines, yielding to user message"
	notAuthenticated   = "Not authenticated"
	signInAgainMessage = "Not authenticated, please sign in again."
)

// Pipeline turns a MessageRequest into inference, history, UI events and
// speech. Every run opens with pipeline:start and closes with pipeline:end,
// and an overlay bubble it shows is always dismissed.
type Pipeline struct {
	bus         *Bus
	history     *History
	inference   Inference
	credentials CredentialSource
	speaker     Speaker

	instructions string
	linePause    time.Duration
	tracer       trace.Tracer
	now          func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithInstructions appends custom instructions to every system prompt.
func WithInstructions(instructions string) PipelineOption {
	return func(p *Pipeline) { p.instructions = strings.TrimSpace(instructions) }
}

// WithLinePause sets the pause between lines of a multi-persona run.
func WithLinePause(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d >= 0 {
			p.linePause = d
		}
	}
}

// WithTracer sets the tracer used for run spans.
func WithTracer(t trace.Tracer) PipelineOption {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithClock overrides the time source used for chat timestamps.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPipeline(bus *Bus, history *History, inference Inference, credentials CredentialSource, speaker Speaker, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		bus:         bus,
		history:     history,
		inference:   inference,
		credentials: credentials,
		speaker:     speaker,
		linePause:   400 * time.Millisecond,
		tracer:      noop.NewTracerProvider().Tracer("github.com/nlaroche/glazebot/pkg/commentary"),
		now:         time.Now,
		inflight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs a single-persona request.
func (p *Pipeline) Process(ctx context.Context, req MessageRequest) (PipelineResult, error) {
	if err := p.claim(req.ID); err != nil {
		return PipelineResult{}, err
	}
	defer p.release(req.ID)

	ctx, span := p.startSpan(ctx, "commentary.process", req)
	defer span.End()

	p.bus.Emit(&PipelineStartEvent{RequestID: req.ID, Trigger: req.Trigger, Persona: req.Persona.Name, PlayerText: req.PlayerText})
	defer p.bus.Emit(&PipelineEndEvent{RequestID: req.ID, Trigger: req.Trigger})

	token, resp, err := p.generate(ctx, req, p.buildRequest(req))
	if err != nil {
		recordError(span, err)
		return PipelineResult{}, err
	}
	if resp == nil {
		return PipelineResult{}, nil
	}

	result := PipelineResult{Text: resp.Text, Visuals: resp.Visuals, Usage: toUsage(resp.Usage)}
	p.bus.Emit(&LLMEndEvent{RequestID: req.ID, Persona: req.Persona.Name, Text: result.Text, Usage: result.Usage, Visuals: result.Visuals})

	if result.Text == "" && len(result.Visuals) == 0 {
		p.bus.Emit(&SilenceEvent{RequestID: req.ID})
		return PipelineResult{Usage: result.Usage}, nil
	}

	if result.Text != "" {
		p.history.Append(req.Persona.ID, userContent(req), result.Text)
	}

	if ctx.Err() != nil {
		p.bus.Emit(&AbortEvent{RequestID: req.ID, Reason: abortBeforeTTS})
		return result, nil
	}

	if result.Text != "" {
		p.emitChat(req.Persona, result.Text)
	}
	if req.Trigger == TriggerDirect {
		return result, nil
	}

	if err := p.present(ctx, req.ID, req.ID, req.Persona, result.Text, result.Visuals, token); err != nil {
		recordError(span, err)
		return result, err
	}
	if ctx.Err() != nil {
		p.bus.Emit(&AbortEvent{RequestID: req.ID, Reason: abortCycle})
	}
	return result, nil
}

// present shows the bubble, speaks the text, and always dismisses the
// bubble it showed.
func (p *Pipeline) present(ctx context.Context, requestID, bubbleID string, persona Persona, text string, visuals []json.RawMessage, token string) error {
	p.bus.Emit(&OverlayShowEvent{
		BubbleID: bubbleID,
		Name:     persona.Name,
		Rarity:   persona.Rarity,
		Text:     text,
		Image:    persona.AvatarURL,
		Visuals:  visuals,
	})
	defer p.bus.Emit(&OverlayDismissEvent{BubbleID: bubbleID})

	if text == "" || persona.VoiceID == "" || p.speaker == nil {
		return nil
	}
	_, err := p.speaker.PlayTTS(ctx, TtsOptions{
		RequestID:   requestID,
		Persona:     persona.Name,
		Text:        text,
		VoiceID:     persona.VoiceID,
		AccessToken: token,
	})
	return err
}

// generate resolves credentials and calls inference. A nil response with a
// nil error means the failure was already reported on the bus.
func (p *Pipeline) generate(ctx context.Context, req MessageRequest, body *functions.CommentaryRequest) (string, *functions.CommentaryResponse, error) {
	token, err := p.credentials.AccessToken(ctx)
	if err != nil {
		p.bus.Emit(&LLMErrorEvent{RequestID: req.ID, Error: notAuthenticated})
		if req.Trigger == TriggerUser {
			p.bus.Emit(&SystemMessageEvent{Text: signInAgainMessage})
		}
		return "", nil, nil
	}

	p.bus.Emit(&LLMStartEvent{
		RequestID:     req.ID,
		Persona:       req.Persona.Name,
		HistoryLength: len(body.History),
		PlayerText:    req.PlayerText,
	})

	resp, err := p.inference.GenerateCommentary(ctx, token, body)
	if err == nil {
		if resp == nil {
			resp = &functions.CommentaryResponse{}
		}
		return token, resp, nil
	}

	if ctx.Err() != nil {
		p.bus.Emit(&AbortEvent{RequestID: req.ID, Reason: abortCycle})
		return "", nil, nil
	}

	var ce *core.Error
	if errors.As(err, &ce) && ce.Status != 0 {
		p.bus.Emit(&LLMErrorEvent{RequestID: req.ID, Error: ce.Message, Status: ce.Status})
		if req.Trigger == TriggerUser {
			p.bus.Emit(&SystemMessageEvent{Text: fmt.Sprintf("Failed to generate response (%d).", ce.Status)})
		}
		return "", nil, nil
	}

	p.bus.Emit(&LLMErrorEvent{RequestID: req.ID, Error: err.Error()})
	if req.Trigger == TriggerUser {
		p.bus.Emit(&SystemMessageEvent{Text: "Failed to generate response."})
	}
	return "", nil, err
}

func (p *Pipeline) buildRequest(req MessageRequest) *functions.CommentaryRequest {
	system := req.Persona.SystemPrompt
	if p.instructions != "" {
		system += "\n\n" + p.instructions
	}

	entries := p.history.Get(req.Persona.ID)
	history := make([]functions.Message, len(entries))
	for i, e := range entries {
		history[i] = functions.Message{Role: e.Role, Content: e.Content}
	}

	body := &functions.CommentaryRequest{
		SystemPrompt:  system,
		Personality:   req.Persona.Personality,
		History:       history,
		PlayerText:    req.PlayerText,
		EnableVisuals: req.EnableVisuals,
		BlockType:     string(req.BlockType),
		BlockPrompt:   req.BlockPrompt,
		Memories:      FormatMemories(req.Memories),
	}
	if req.Frame != nil {
		body.FrameB64 = req.Frame.B64
		body.FrameDims = &functions.FrameDims{Width: req.Frame.Width, Height: req.Frame.Height}
	}
	if req.ReactTo != nil {
		body.ReactTo = &functions.ReactTo{Name: req.ReactTo.Name, Text: req.ReactTo.Text}
	}
	if req.SceneContext != nil && len(req.SceneContext.Descriptions) > 0 {
		body.SceneContext = &functions.SceneContext{
			GameName:     req.SceneContext.GameName,
			Descriptions: append([]string(nil), req.SceneContext.Descriptions...),
		}
	} else if req.GameHint != "" {
		body.GameHint = req.GameHint
	}
	return body
}

func (p *Pipeline) emitChat(persona Persona, text string) {
	now := p.now()
	p.bus.Emit(&ChatMessageEvent{
		ID:        uuid.NewString(),
		PersonaID: persona.ID,
		Name:      persona.Name,
		Rarity:    persona.Rarity,
		Text:      text,
		Time:      now.Format("15:04"),
		Timestamp: now.UTC().Format(time.RFC3339),
		VoiceID:   persona.VoiceID,
		Image:     persona.AvatarURL,
	})
}

func (p *Pipeline) claim(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[id]; ok {
		return ErrRequestInFlight
	}
	p.inflight[id] = struct{}{}
	return nil
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

func (p *Pipeline) startSpan(ctx context.Context, name string, req MessageRequest) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("commentary.request_id", req.ID),
		attribute.String("commentary.trigger", string(req.Trigger)),
		attribute.String("commentary.persona", req.Persona.Name),
		attribute.String("commentary.block_type", string(req.BlockType)),
	))
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// userContent summarizes what prompted the persona, for the history entry.
func userContent(req MessageRequest) string {
	switch {
	case req.PlayerText != "":
		return fmt.Sprintf(`Player: "%s"`, req.PlayerText)
	case req.ReactTo != nil:
		return fmt.Sprintf(`%s said: "%s"`, req.ReactTo.Name, req.ReactTo.Text)
	default:
		return "(screen only)"
	}
}

func toUsage(u *functions.Usage) *Usage {
	if u == nil {
		return nil
	}
	return &Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
}

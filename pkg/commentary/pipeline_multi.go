package commentary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nlaroche/glazebot/pkg/core/providers/functions"
)

// ProcessMulti runs a multi-persona exchange: one inference call returns
// attributed lines which are then shown and spoken one after another.
// Requests with fewer than two participants are delegated to Process.
func (p *Pipeline) ProcessMulti(ctx context.Context, req MessageRequest) (MultiLineResult, error) {
	if len(req.Participants) < 2 {
		res, err := p.Process(ctx, req)
		out := MultiLineResult{Usage: res.Usage}
		if res.Text != "" {
			out.Lines = []Line{lineFor(req.Persona, res.Text)}
		}
		return out, err
	}

	if err := p.claim(req.ID); err != nil {
		return MultiLineResult{}, err
	}
	defer p.release(req.ID)

	ctx, span := p.startSpan(ctx, "commentary.process_multi", req)
	defer span.End()

	p.bus.Emit(&PipelineStartEvent{RequestID: req.ID, Trigger: req.Trigger, Persona: req.Persona.Name, PlayerText: req.PlayerText})
	defer p.bus.Emit(&PipelineEndEvent{RequestID: req.ID, Trigger: req.Trigger})

	body := p.buildRequest(req)
	body.Participants = make([]functions.Participant, len(req.Participants))
	for i, persona := range req.Participants {
		body.Participants[i] = functions.Participant{
			ID:           persona.ID,
			Name:         persona.Name,
			SystemPrompt: persona.SystemPrompt,
			Backstory:    persona.Backstory,
			Personality:  persona.Personality,
		}
	}

	token, resp, err := p.generate(ctx, req, body)
	if err != nil {
		recordError(span, err)
		return MultiLineResult{}, err
	}
	if resp == nil {
		return MultiLineResult{}, nil
	}

	result := MultiLineResult{Usage: toUsage(resp.Usage)}
	p.bus.Emit(&LLMEndEvent{RequestID: req.ID, Persona: req.Persona.Name, Text: resp.Text, Usage: result.Usage, Visuals: resp.Visuals})

	result.Lines = parseLines(resp, req)
	if len(result.Lines) == 0 {
		p.bus.Emit(&SilenceEvent{RequestID: req.ID})
		return result, nil
	}
	// One combined entry under the primary persona, recorded even when the
	// exchange is cut short.
	defer p.history.Append(req.Persona.ID, userContent(req), joinLines(result.Lines))

	if ctx.Err() != nil {
		p.bus.Emit(&AbortEvent{RequestID: req.ID, Reason: abortBeforeTTS})
		return result, nil
	}

	var pause *time.Timer
	for i, line := range result.Lines {
		if i > 0 && p.linePause > 0 {
			if pause == nil {
				pause = time.NewTimer(p.linePause)
				defer pause.Stop()
			} else {
				pause.Reset(p.linePause)
			}
			select {
			case <-ctx.Done():
			case <-pause.C:
			}
		}
		if ctx.Err() != nil {
			p.bus.Emit(&AbortEvent{RequestID: req.ID, Reason: abortBetweenLines})
			return result, nil
		}

		persona := personaForLine(req, line)
		p.emitChat(persona, line.Text)
		if req.Trigger == TriggerDirect {
			continue
		}
		if err := p.present(ctx, req.ID, fmt.Sprintf("%s-%d", req.ID, i), persona, line.Text, nil, token); err != nil {
			recordError(span, err)
			return result, err
		}
	}

	if ctx.Err() != nil {
		p.bus.Emit(&AbortEvent{RequestID: req.ID, Reason: abortCycle})
	}
	return result, nil
}

// parseLines attributes the response's lines to participants. Without
// structured lines the plain text is used as one line from the primary,
// unless it looks like structured output, which is never spoken.
func parseLines(resp *functions.CommentaryResponse, req MessageRequest) []Line {
	raw := resp.Lines
	text := strings.TrimSpace(resp.Text)
	if len(raw) == 0 && looksStructured(text) {
		return nil
	}

	if len(raw) > 0 {
		var out []Line
		for _, l := range raw {
			t := strings.TrimSpace(l.Line)
			if t == "" {
				continue
			}
			out = append(out, lineFor(matchParticipant(req.Participants, l.Character, req.Persona), t))
		}
		return out
	}

	if text == "" {
		return nil
	}
	return []Line{lineFor(req.Persona, text)}
}

func looksStructured(text string) bool {
	return strings.HasPrefix(text, "[") || strings.HasPrefix(text, "{")
}

// matchParticipant finds a participant by full or first name, ignoring case.
func matchParticipant(participants []Persona, name string, fallback Persona) Persona {
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback
	}
	for _, p := range participants {
		if strings.EqualFold(p.Name, name) {
			return p
		}
	}
	for _, p := range participants {
		if first := p.FirstName(); first != "" && strings.EqualFold(first, name) {
			return p
		}
	}
	return fallback
}

func personaForLine(req MessageRequest, line Line) Persona {
	for _, p := range req.Participants {
		if p.ID == line.PersonaID {
			return p
		}
	}
	return req.Persona
}

func lineFor(p Persona, text string) Line {
	return Line{
		PersonaID:   p.ID,
		PersonaName: p.Name,
		VoiceID:     p.VoiceID,
		Text:        text,
		AvatarURL:   p.AvatarURL,
		Rarity:      p.Rarity,
	}
}

func joinLines(lines []Line) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.PersonaName + ": " + l.Text
	}
	return strings.Join(parts, "\n")
}

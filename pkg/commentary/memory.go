package commentary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/nlaroche/glazebot/pkg/core"
	"github.com/nlaroche/glazebot/pkg/core/providers/functions"
)

// MemoryKind classifies a persona memory.
type MemoryKind string

const (
	MemoryGamePlayed    MemoryKind = "game_played"
	MemoryNotableMoment MemoryKind = "notable_moment"
	MemoryPlayerComment MemoryKind = "player_comment"
	MemoryQuestionAsked MemoryKind = "question_asked"
	MemoryGeneral       MemoryKind = "general"
)

func (k MemoryKind) valid() bool {
	switch k {
	case MemoryGamePlayed, MemoryNotableMoment, MemoryPlayerComment, MemoryQuestionAsked, MemoryGeneral:
		return true
	}
	return false
}

// Memory is something a persona remembers across sessions.
type Memory struct {
	ID         string     `json:"id"`
	PersonaID  string     `json:"persona_id"`
	Kind       MemoryKind `json:"kind"`
	Content    string     `json:"content"`
	GameName   string     `json:"game_name,omitempty"`
	Importance int        `json:"importance"`
	CreatedAt  time.Time  `json:"created_at"`
}

// MemoryStore persists persona memories. Recall returns the most important,
// most recent memories first.
type MemoryStore interface {
	Recall(ctx context.Context, personaID string, limit int) ([]Memory, error)
	Remember(ctx context.Context, m Memory) (Memory, error)
}

// FormatMemories renders memories for the inference request.
func FormatMemories(ms []Memory) []string {
	if len(ms) == 0 {
		return nil
	}
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		if m.GameName != "" {
			out = append(out, fmt.Sprintf("[%s] %s", m.GameName, m.Content))
			continue
		}
		out = append(out, m.Content)
	}
	return out
}

const (
	extractMemoriesBlock  = "extract_memories"
	extractMemoriesPrompt = "Review the conversation history and extract 1-3 key memories worth remembering. Return a JSON array of objects with fields: type (game_played|notable_moment|player_comment|question_asked|general), content (1-2 sentence summary), importance (1-5). Only return the JSON array, nothing else."

	// minExtractionEntries is two exchanges.
	minExtractionEntries = 4
	maxExtractedMemories = 3
)

var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

// ErrNoMemories is returned when a reply holds no JSON array.
var ErrNoMemories = errors.New("no JSON array in reply")

// ParseMemories extracts memories from a model reply containing a JSON array.
func ParseMemories(text string) ([]Memory, error) {
	raw := jsonArrayPattern.FindString(text)
	if raw == "" {
		return nil, ErrNoMemories
	}
	var items []struct {
		Type       string   `json:"type"`
		Content    string   `json:"content"`
		Importance *float64 `json:"importance"`
	}
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode memories: %w", err)
	}

	var out []Memory
	for _, it := range items {
		content := strings.TrimSpace(it.Content)
		if content == "" {
			continue
		}
		kind := MemoryKind(strings.TrimSpace(it.Type))
		if !kind.valid() {
			kind = MemoryGeneral
		}
		importance := 3
		if it.Importance != nil {
			importance = int(math.Round(*it.Importance))
		}
		out = append(out, Memory{
			Kind:       kind,
			Content:    content,
			Importance: min(max(importance, 1), 5),
		})
	}
	return out, nil
}

// MemoryExtractor asks the inference function to summarize recent history
// into durable persona memories.
type MemoryExtractor struct {
	bus         *Bus
	history     *History
	inference   Inference
	credentials CredentialSource
	store       MemoryStore
	gameName    func() string
	now         func() time.Time
	logger      *slog.Logger
}

func NewMemoryExtractor(bus *Bus, history *History, inference Inference, credentials CredentialSource, store MemoryStore, gameName func() string, logger *slog.Logger) *MemoryExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	if gameName == nil {
		gameName = func() string { return "" }
	}
	return &MemoryExtractor{
		bus:         bus,
		history:     history,
		inference:   inference,
		credentials: credentials,
		store:       store,
		gameName:    gameName,
		now:         time.Now,
		logger:      logger,
	}
}

// Extract stores new memories for each persona with enough history. It
// returns the number of memories stored.
func (x *MemoryExtractor) Extract(ctx context.Context, personas []Persona) (int, error) {
	if x.store == nil || len(personas) == 0 {
		return 0, nil
	}
	token, err := x.credentials.AccessToken(ctx)
	if err != nil {
		x.bus.Emit(&MemoryExtractionErrorEvent{Error: notAuthenticated})
		return 0, err
	}

	total := 0
	var errs []error
	for _, persona := range personas {
		n, err := x.extractOne(ctx, token, persona)
		total += n
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			x.bus.Emit(&MemoryExtractionErrorEvent{Error: err.Error()})
			errs = append(errs, fmt.Errorf("%s: %w", persona.Name, err))
		}
	}
	return total, errors.Join(errs...)
}

func (x *MemoryExtractor) extractOne(ctx context.Context, token string, persona Persona) (int, error) {
	entries := x.history.Get(persona.ID)
	if len(entries) < minExtractionEntries {
		return 0, nil
	}
	history := make([]functions.Message, len(entries))
	for i, e := range entries {
		history[i] = functions.Message{Role: e.Role, Content: e.Content}
	}

	resp, err := x.inference.GenerateCommentary(ctx, token, &functions.CommentaryRequest{
		SystemPrompt: persona.SystemPrompt,
		Personality:  persona.Personality,
		History:      history,
		PlayerText:   "Extract memories from this conversation.",
		BlockType:    extractMemoriesBlock,
		BlockPrompt:  extractMemoriesPrompt,
	})
	if err != nil {
		var ce *core.Error
		if errors.As(err, &ce) && ce.Status != 0 {
			return 0, fmt.Errorf("HTTP %d", ce.Status)
		}
		return 0, err
	}
	if resp == nil {
		return 0, nil
	}

	memories, err := ParseMemories(resp.Text)
	if errors.Is(err, ErrNoMemories) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(memories) > maxExtractedMemories {
		memories = memories[:maxExtractedMemories]
	}

	game := x.gameName()
	stored := 0
	for _, m := range memories {
		m.PersonaID = persona.ID
		m.GameName = game
		m.CreatedAt = x.now()
		if _, err := x.store.Remember(ctx, m); err != nil {
			return stored, fmt.Errorf("store memory: %w", err)
		}
		stored++
	}
	if stored > 0 {
		x.logger.Debug("memories extracted", "persona", persona.Name, "count", stored)
		x.bus.Emit(&MemoryExtractedEvent{PersonaID: persona.ID, Count: stored})
	}
	return stored, nil
}

package commentary

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Trigger identifies what started a pipeline run.
type Trigger string

const (
	TriggerTimed    Trigger = "timed"
	TriggerUser     Trigger = "user"
	TriggerReaction Trigger = "reaction"
	TriggerDirect   Trigger = "direct"
)

// Personality maps trait names (energy, positivity, formality,
// talkativeness, attitude, humor) to values in 0..100. 50 is neutral.
type Personality map[string]int

// Persona is an AI character that can comment.
type Persona struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Rarity       string      `json:"rarity,omitempty"`
	SystemPrompt string      `json:"system_prompt"`
	Backstory    string      `json:"backstory,omitempty"`
	VoiceID      string      `json:"voice_id,omitempty"`
	AvatarURL    string      `json:"avatar_url,omitempty"`
	Personality  Personality `json:"personality,omitempty"`
}

// FirstName returns the first word of the persona's name.
func (p Persona) FirstName() string {
	fields := strings.Fields(p.Name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Frame is a captured image encoded as base64 without a data-URI prefix.
type Frame struct {
	B64    string
	Width  int
	Height int
}

// SceneContext is the rolling scene summary kept by the ContextLoop.
type SceneContext struct {
	GameName     string   `json:"game_name,omitempty"`
	Descriptions []string `json:"descriptions"`
}

// ReactTo names a co-caster line a persona responds to.
type ReactTo struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Usage reports inference token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessageRequest is one pipeline run. ID doubles as the overlay bubble id.
type MessageRequest struct {
	ID            string
	Persona       Persona
	Trigger       Trigger
	Frame         *Frame
	PlayerText    string
	ReactTo       *ReactTo
	SceneContext  *SceneContext
	GameHint      string
	Participants  []Persona
	BlockType     BlockType
	BlockPrompt   string
	Memories      []Memory
	EnableVisuals bool
}

// PipelineResult is the outcome of a single-persona run.
type PipelineResult struct {
	Text    string            `json:"text"`
	Visuals []json.RawMessage `json:"visuals,omitempty"`
	Usage   *Usage            `json:"usage,omitempty"`
}

// Line is one spoken line of a multi-persona run.
type Line struct {
	PersonaID   string `json:"persona_id"`
	PersonaName string `json:"persona_name"`
	VoiceID     string `json:"voice_id,omitempty"`
	Text        string `json:"text"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Rarity      string `json:"rarity,omitempty"`
}

// MultiLineResult is the outcome of a multi-persona run.
type MultiLineResult struct {
	Lines []Line `json:"lines"`
	Usage *Usage `json:"usage,omitempty"`
}

// ErrNotAuthenticated is returned by credential sources without a session.
var ErrNotAuthenticated = errors.New("not authenticated")

// CredentialSource supplies the bearer token for hosted calls.
type CredentialSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a CredentialSource backed by a fixed token.
type StaticToken string

func (s StaticToken) AccessToken(ctx context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrNotAuthenticated
	}
	return string(s), nil
}

package functions

import "encoding/json"

// Message is one history turn sent to generate-commentary.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FrameDims are the pixel dimensions of the attached frame.
type FrameDims struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SceneContext is the rolling scene summary maintained by the context loop.
type SceneContext struct {
	GameName     string   `json:"game_name,omitempty"`
	Descriptions []string `json:"descriptions"`
}

// ReactTo names a co-caster line the persona should respond to.
type ReactTo struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Participant describes one persona taking part in a multi-line block.
type Participant struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	SystemPrompt string         `json:"system_prompt"`
	Backstory    string         `json:"backstory,omitempty"`
	Personality  map[string]int `json:"personality,omitempty"`
}

// CommentaryRequest is the generate-commentary request body.
type CommentaryRequest struct {
	SystemPrompt  string         `json:"system_prompt"`
	Personality   map[string]int `json:"personality,omitempty"`
	History       []Message      `json:"history"`
	FrameB64      string         `json:"frame_b64,omitempty"`
	FrameDims     *FrameDims     `json:"frame_dims,omitempty"`
	PlayerText    string         `json:"player_text,omitempty"`
	ReactTo       *ReactTo       `json:"react_to,omitempty"`
	SceneContext  *SceneContext  `json:"scene_context,omitempty"`
	GameHint      string         `json:"game_hint,omitempty"`
	EnableVisuals bool           `json:"enable_visuals"`
	BlockType     string         `json:"block_type,omitempty"`
	BlockPrompt   string         `json:"block_prompt,omitempty"`
	Participants  []Participant  `json:"participants,omitempty"`
	Memories      []string       `json:"memories,omitempty"`
}

// Line is one attributed line of a multi-persona response.
type Line struct {
	Character string `json:"character"`
	Line      string `json:"line"`
}

// Usage reports token consumption of a hosted inference call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CommentaryResponse is the generate-commentary response body. Text is empty
// when the model chose silence.
type CommentaryResponse struct {
	Text    string            `json:"text"`
	Lines   []Line            `json:"lines,omitempty"`
	Visuals []json.RawMessage `json:"visuals,omitempty"`
	Usage   *Usage            `json:"usage,omitempty"`
}

// SceneRequest is the describe-scene request body.
type SceneRequest struct {
	FrameB64            string `json:"frame_b64"`
	PreviousDescription string `json:"previous_description,omitempty"`
	GameName            string `json:"game_name,omitempty"`
}

// SceneResponse is the describe-scene response body.
type SceneResponse struct {
	Description string `json:"description"`
	GameName    string `json:"game_name,omitempty"`
	Usage       *Usage `json:"usage,omitempty"`
}

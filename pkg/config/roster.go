package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nlaroche/glazebot/pkg/commentary"
)

// Roster is the persona and scheduler file.
type Roster struct {
	Instructions string        `yaml:"instructions"`
	Personas     []PersonaFile `yaml:"personas"`
	Scheduler    SchedulerFile `yaml:"scheduler"`
}

// PersonaFile is one persona entry in the roster file.
type PersonaFile struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Rarity       string         `yaml:"rarity"`
	SystemPrompt string         `yaml:"system_prompt"`
	Backstory    string         `yaml:"backstory"`
	VoiceID      string         `yaml:"voice_id"`
	AvatarURL    string         `yaml:"avatar_url"`
	Personality  map[string]int `yaml:"personality"`
}

// SchedulerFile overrides block weights and prompts. Missing block types keep
// their defaults.
type SchedulerFile struct {
	Weights map[string]float64 `yaml:"weights"`
	Prompts map[string]string  `yaml:"prompts"`
}

var blockTypes = map[commentary.BlockType]struct{}{
	commentary.BlockSoloObservation:    {},
	commentary.BlockEmotionalReaction:  {},
	commentary.BlockQuestion:           {},
	commentary.BlockBackstoryReference: {},
	commentary.BlockQuipBanter:         {},
	commentary.BlockCallback:           {},
	commentary.BlockHypeChain:          {},
	commentary.BlockSilence:            {},
}

// LoadRoster reads and validates a roster file.
func LoadRoster(path string) (Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Roster{}, fmt.Errorf("read roster: %w", err)
	}
	r, err := ParseRoster(data)
	if err != nil {
		return Roster{}, fmt.Errorf("roster %s: %w", path, err)
	}
	return r, nil
}

// ParseRoster decodes a roster document. Unknown fields are rejected.
func ParseRoster(data []byte) (Roster, error) {
	var r Roster
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil && !errors.Is(err, io.EOF) {
		return Roster{}, err
	}
	if err := r.Validate(); err != nil {
		return Roster{}, err
	}
	return r, nil
}

func (r Roster) Validate() error {
	seen := make(map[string]struct{}, len(r.Personas))
	for i, p := range r.Personas {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("personas[%d]: id is required", i)
		}
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("personas[%d]: name is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("personas[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}
		for trait, v := range p.Personality {
			if v < 0 || v > 100 {
				return fmt.Errorf("personas[%d]: personality %s must be within 0..100", i, trait)
			}
		}
	}
	for name, w := range r.Scheduler.Weights {
		if _, ok := blockTypes[commentary.BlockType(name)]; !ok {
			return fmt.Errorf("scheduler.weights: unknown block type %q", name)
		}
		if w < 0 {
			return fmt.Errorf("scheduler.weights: %s must be >= 0", name)
		}
	}
	for name := range r.Scheduler.Prompts {
		if _, ok := blockTypes[commentary.BlockType(name)]; !ok {
			return fmt.Errorf("scheduler.prompts: unknown block type %q", name)
		}
	}
	return nil
}

// Roster returns the personas in file order.
func (r Roster) Roster() []commentary.Persona {
	out := make([]commentary.Persona, 0, len(r.Personas))
	for _, p := range r.Personas {
		var personality commentary.Personality
		if len(p.Personality) > 0 {
			personality = make(commentary.Personality, len(p.Personality))
			for k, v := range p.Personality {
				personality[k] = v
			}
		}
		out = append(out, commentary.Persona{
			ID:           p.ID,
			Name:         p.Name,
			Rarity:       p.Rarity,
			SystemPrompt: p.SystemPrompt,
			Backstory:    p.Backstory,
			VoiceID:      p.VoiceID,
			AvatarURL:    p.AvatarURL,
			Personality:  personality,
		})
	}
	return out
}

// Weights returns the scheduler weight overrides, or nil.
func (r Roster) Weights() map[commentary.BlockType]float64 {
	if len(r.Scheduler.Weights) == 0 {
		return nil
	}
	out := make(map[commentary.BlockType]float64, len(r.Scheduler.Weights))
	for k, v := range r.Scheduler.Weights {
		out[commentary.BlockType(k)] = v
	}
	return out
}

// Prompts returns the scheduler prompt overrides, or nil.
func (r Roster) Prompts() map[commentary.BlockType]string {
	if len(r.Scheduler.Prompts) == 0 {
		return nil
	}
	out := make(map[commentary.BlockType]string, len(r.Scheduler.Prompts))
	for k, v := range r.Scheduler.Prompts {
		out[commentary.BlockType(k)] = v
	}
	return out
}

package commentary

import (
	"math/rand/v2"
	"strings"
	"sync"
)

// BlockType is the kind of conversational beat the scheduler picks.
type BlockType string

const (
	BlockSoloObservation    BlockType = "solo_observation"
	BlockEmotionalReaction  BlockType = "emotional_reaction"
	BlockQuestion           BlockType = "question"
	BlockBackstoryReference BlockType = "backstory_reference"
	BlockQuipBanter         BlockType = "quip_banter"
	BlockCallback           BlockType = "callback"
	BlockHypeChain          BlockType = "hype_chain"
	BlockSilence            BlockType = "silence"
)

// BlockTypes lists every block type in scheduling order.
var BlockTypes = []BlockType{
	BlockSoloObservation,
	BlockEmotionalReaction,
	BlockQuestion,
	BlockBackstoryReference,
	BlockQuipBanter,
	BlockCallback,
	BlockHypeChain,
	BlockSilence,
}

// IsMulti reports whether the block is spoken by several personas.
func (t BlockType) IsMulti() bool {
	return t == BlockQuipBanter || t == BlockHypeChain
}

// DefaultBlockWeights returns the default relative block frequencies.
func DefaultBlockWeights() map[BlockType]float64 {
	return map[BlockType]float64{
		BlockSoloObservation:    35,
		BlockEmotionalReaction:  20,
		BlockQuestion:           12,
		BlockBackstoryReference: 8,
		BlockQuipBanter:         4,
		BlockCallback:           5,
		BlockHypeChain:          2,
		BlockSilence:            14,
	}
}

// DefaultBlockPrompts returns the instruction sent with each block type.
// Silence has no prompt.
func DefaultBlockPrompts() map[BlockType]string {
	return map[BlockType]string{
		BlockSoloObservation:    "React to what you see on screen. Be specific about ONE thing.",
		BlockEmotionalReaction:  "Express a pure emotional reaction. Don't describe the screen. Just FEEL it. Use emote_burst or screen_flash if it fits the moment.",
		BlockQuestion:           "Ask the player a question or wonder something aloud about what's happening.",
		BlockBackstoryReference: "Subtly reference your own backstory or lore in the context of what you see.",
		BlockQuipBanter:         "Have a quick back-and-forth exchange with your co-caster about what just happened.",
		BlockCallback:           "Reference something from earlier in this session that connects to what's happening now.",
		BlockHypeChain:          "React with rapid-fire energy to this moment. One punchy line.",
	}
}

// ScheduledBlock is the scheduler's decision for one timed cycle.
type ScheduledBlock struct {
	Type         BlockType
	Primary      Persona
	Participants []Persona
}

// minCallbackTurns is the number of recorded exchanges needed before a
// callback block can reference earlier moments.
const minCallbackTurns = 3

// Scheduler picks block types by weighted random sampling.
type Scheduler struct {
	mu      sync.Mutex
	weights map[BlockType]float64
	prompts map[BlockType]string
	rng     *rand.Rand
}

// NewScheduler creates a scheduler. Nil maps use the defaults and a nil rng
// uses a randomly seeded source.
func NewScheduler(weights map[BlockType]float64, prompts map[BlockType]string, rng *rand.Rand) *Scheduler {
	s := &Scheduler{
		weights: DefaultBlockWeights(),
		prompts: DefaultBlockPrompts(),
		rng:     rng,
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	for t, w := range weights {
		s.weights[t] = w
	}
	for t, p := range prompts {
		s.prompts[t] = p
	}
	return s
}

// PickBlock chooses a block for the roster. ok is false for an empty roster.
func (s *Scheduler) PickBlock(roster []Persona, history map[string][]HistoryEntry) (ScheduledBlock, bool) {
	if len(roster) == 0 {
		return ScheduledBlock{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := s.eligible(roster, history)
	blockType := s.roll(eligible)

	primary := roster[s.rng.IntN(len(roster))]
	block := ScheduledBlock{Type: blockType, Primary: primary}
	switch {
	case blockType == BlockSilence:
	case blockType.IsMulti():
		block.Participants = append(block.Participants, primary)
		for _, p := range roster {
			if p.ID != primary.ID {
				block.Participants = append(block.Participants, p)
			}
		}
	default:
		block.Participants = []Persona{primary}
	}
	return block, true
}

func (s *Scheduler) eligible(roster []Persona, history map[string][]HistoryEntry) []BlockType {
	turns := 0
	for _, entries := range history {
		turns += len(entries) / 2
	}
	hasBackstory := false
	for _, p := range roster {
		if strings.TrimSpace(p.Backstory) != "" {
			hasBackstory = true
			break
		}
	}

	var out []BlockType
	for _, t := range BlockTypes {
		if s.weights[t] <= 0 {
			continue
		}
		switch t {
		case BlockQuipBanter, BlockHypeChain:
			if len(roster) < 2 {
				continue
			}
		case BlockCallback:
			if turns < minCallbackTurns {
				continue
			}
		case BlockBackstoryReference:
			if !hasBackstory {
				continue
			}
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return []BlockType{BlockSoloObservation}
	}
	return out
}

func (s *Scheduler) roll(eligible []BlockType) BlockType {
	var total float64
	for _, t := range eligible {
		total += max(s.weights[t], 0)
	}
	if total <= 0 {
		return eligible[s.rng.IntN(len(eligible))]
	}
	r := s.rng.Float64() * total
	for _, t := range eligible {
		r -= max(s.weights[t], 0)
		if r <= 0 {
			return t
		}
	}
	return eligible[len(eligible)-1]
}

// Prompt returns the instruction for a block type. Silence has none.
func (s *Scheduler) Prompt(t BlockType) (string, bool) {
	if t == BlockSilence {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[t]
	return p, ok && p != ""
}

// Distribution returns each block type's share of the total weight. When all
// weights are zero every type gets an equal share.
func (s *Scheduler) Distribution() map[BlockType]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total float64
	for _, t := range BlockTypes {
		total += max(s.weights[t], 0)
	}
	out := make(map[BlockType]float64, len(BlockTypes))
	for _, t := range BlockTypes {
		if total <= 0 {
			out[t] = 1 / float64(len(BlockTypes))
			continue
		}
		out[t] = max(s.weights[t], 0) / total
	}
	return out
}

// Simulate picks n blocks and counts the outcomes.
func (s *Scheduler) Simulate(n int, roster []Persona, history map[string][]HistoryEntry) map[BlockType]int {
	counts := make(map[BlockType]int)
	for i := 0; i < n; i++ {
		block, ok := s.PickBlock(roster, history)
		if !ok {
			break
		}
		counts[block.Type]++
	}
	return counts
}

// UpdateWeights merges new weights into the current set.
func (s *Scheduler) UpdateWeights(weights map[BlockType]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, w := range weights {
		s.weights[t] = w
	}
}

// UpdatePrompts merges new prompts into the current set.
func (s *Scheduler) UpdatePrompts(prompts map[BlockType]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, p := range prompts {
		s.prompts[t] = p
	}
}

// Weights returns a copy of the current weights.
func (s *Scheduler) Weights() map[BlockType]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[BlockType]float64, len(s.weights))
	for t, w := range s.weights {
		out[t] = w
	}
	return out
}

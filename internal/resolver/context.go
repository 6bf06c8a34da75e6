package resolver

// Turn is one exchange entry in a conversation session.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// History is the bounded, session-scoped conversation context. It keeps the
// last MaxTurns entries so prompts cannot grow without limit. A nil History
// behaves as empty.
type History struct {
	MaxTurns int
	turns    []Turn
}

// NewHistory returns a history bounded to maxTurns entries.
func NewHistory(maxTurns int) *History {
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &History{MaxTurns: maxTurns}
}

// Add appends a turn, evicting the oldest entries beyond the bound.
func (h *History) Add(role, text string) {
	if h == nil {
		return
	}
	h.turns = append(h.turns, Turn{Role: role, Text: text})
	if len(h.turns) > h.MaxTurns {
		h.turns = h.turns[len(h.turns)-h.MaxTurns:]
	}
}

// Turns returns the retained turns oldest-first.
func (h *History) Turns() []Turn {
	if h == nil {
		return nil
	}
	return h.turns
}

package stream

import "encoding/json"

// DeltaType discriminates streaming events.
type DeltaType string

const (
	DeltaToken DeltaType = "token"
	DeltaDone  DeltaType = "done"
	DeltaError DeltaType = "error"
)

// Role identifies the speaker a delta belongs to.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
)

// Delta is a single streaming event for a prompt. Seq is strictly
// monotonic per prompt with no gaps, across token and terminal events.
// When streamed over the wire each delta is one NDJSON line.
type Delta struct {
	PromptID string            `json:"promptId"`
	Type     DeltaType         `json:"type"`
	Seq      int64             `json:"seq"`
	Role     Role              `json:"role"`
	Text     string            `json:"text,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Marshal returns the single-line JSON encoding of the delta.
func (d Delta) Marshal() []byte {
	b, _ := json.Marshal(d)
	return b
}

// RawChunk is one raw provider emission: either a byte chunk (which may
// end mid-codepoint) or a terminal stream error. A closed channel with
// no Err marks normal end of stream.
type RawChunk struct {
	Data []byte
	Err  error
}

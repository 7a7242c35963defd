// Package stream normalizes raw provider byte chunks into ordered,
// UTF-8-safe delta events.
package stream

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/tessellate-ai/ragcore/internal/fault"
)

// Normalizer converts a raw chunk stream for one prompt into delta
// events with monotonic sequence numbers. Not safe for reuse across
// prompts; create one per stream.
type Normalizer struct {
	// DedupConsecutive collapses two consecutive raw chunks with
	// identical text into a single token event.
	DedupConsecutive bool
	Role             Role
}

// NewNormalizer returns a normalizer with the default assistant role.
func NewNormalizer(dedup bool) *Normalizer {
	return &Normalizer{DedupConsecutive: dedup, Role: RoleAssistant}
}

// Run drains raw and emits deltas on the returned channel. Exactly one
// terminal delta (done or error) ends the stream, unless ctx is
// cancelled first, in which case the channel closes with no terminal.
// The returned channel is unbuffered so backpressure reaches the
// producer.
func (n *Normalizer) Run(ctx context.Context, promptID string, raw <-chan RawChunk) <-chan Delta {
	out := make(chan Delta)
	go func() {
		defer close(out)

		role := n.Role
		if role == "" {
			role = RoleAssistant
		}

		var (
			seq      int64
			pending  []byte // trailing bytes of an incomplete codepoint
			lastText string
			emitted  bool
		)

		send := func(d Delta) bool {
			select {
			case out <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-raw:
				if !ok {
					// Incomplete trailing bytes can never become a valid
					// codepoint now; they are dropped rather than emitted.
					if !send(Delta{PromptID: promptID, Type: DeltaDone, Seq: seq, Role: role}) {
						return
					}
					return
				}
				if chunk.Err != nil {
					code := string(fault.CodeProviderStreamError)
					if c := fault.CodeOf(chunk.Err); c != "" {
						code = string(c)
					}
					send(Delta{
						PromptID: promptID,
						Type:     DeltaError,
						Seq:      seq,
						Role:     role,
						Metadata: map[string]string{"code": code, "message": chunk.Err.Error()},
					})
					return
				}

				text, rest := completePrefix(append(pending, chunk.Data...))
				pending = rest
				if text == "" {
					continue
				}
				if n.DedupConsecutive && emitted && text == lastText {
					continue
				}
				if !send(Delta{PromptID: promptID, Type: DeltaToken, Seq: seq, Role: role, Text: text}) {
					return
				}
				seq++
				lastText = text
				emitted = true
			}
		}
	}()
	return out
}

// completePrefix splits buf into the longest prefix that is complete
// UTF-8 and the trailing bytes of an incomplete codepoint. Invalid byte
// sequences inside the prefix are replaced with U+FFFD so that emitted
// text is always valid UTF-8.
func completePrefix(buf []byte) (string, []byte) {
	cut := len(buf)
	// A codepoint is at most 4 bytes; only the tail can be incomplete.
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		b := buf[i]
		if b < 0x80 {
			break // ASCII tail, nothing pending
		}
		if b >= 0xC0 { // leading byte of a multi-byte sequence
			size := sequenceLength(b)
			if size > 0 && i+size > len(buf) {
				cut = i
			}
			break
		}
		// continuation byte, keep scanning backwards
	}

	prefix := buf[:cut]
	rest := make([]byte, len(buf)-cut)
	copy(rest, buf[cut:])
	if len(prefix) == 0 {
		return "", rest
	}
	s := string(prefix)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, string(utf8.RuneError))
	}
	return s, rest
}

func sequenceLength(lead byte) int {
	switch {
	case lead&0xE0 == 0xC0:
		return 2
	case lead&0xF0 == 0xE0:
		return 3
	case lead&0xF8 == 0xF0:
		return 4
	default:
		return 0
	}
}

package modelprov

import (
	"context"
	"time"

	"github.com/tessellate-ai/ragcore/internal/fault"
	"github.com/tessellate-ai/ragcore/internal/stream"
)

// Scripted replays a fixed chunk sequence. It backs tests and local
// development without a model backend.
type Scripted struct {
	name   string
	chunks [][]byte
	delay  time.Duration

	// FailAfter injects a mid-stream error after that many chunks.
	// Negative means never.
	FailAfter int
	// RefuseConnection makes Stream itself fail, exercising failover.
	RefuseConnection bool
}

// NewScripted creates a provider that emits the given chunks in order.
func NewScripted(name string, chunks []string, delay time.Duration) *Scripted {
	raw := make([][]byte, len(chunks))
	for i, c := range chunks {
		raw[i] = []byte(c)
	}
	return &Scripted{name: name, chunks: raw, delay: delay, FailAfter: -1}
}

// NewScriptedBytes creates a provider from raw byte chunks, allowing
// chunk boundaries inside multi-byte characters.
func NewScriptedBytes(name string, chunks [][]byte, delay time.Duration) *Scripted {
	return &Scripted{name: name, chunks: chunks, delay: delay, FailAfter: -1}
}

func (s *Scripted) Name() string { return s.name }

func (s *Scripted) Stream(ctx context.Context, _ Request) (<-chan stream.RawChunk, error) {
	if s.RefuseConnection {
		return nil, fault.New(fault.CodeProviderUnavailable, "provider %s refusing connections", s.name)
	}
	out := make(chan stream.RawChunk)
	go func() {
		defer close(out)
		for i, chunk := range s.chunks {
			if s.FailAfter >= 0 && i == s.FailAfter {
				select {
				case out <- stream.RawChunk{Err: fault.New(fault.CodeProviderStreamError,
					"provider %s stream interrupted", s.name)}:
				case <-ctx.Done():
				}
				return
			}
			if s.delay > 0 {
				select {
				case <-time.After(s.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- stream.RawChunk{Data: chunk}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Scripted) IsAvailable(context.Context) bool { return !s.RefuseConnection }

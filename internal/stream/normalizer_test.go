package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-ai/ragcore/internal/fault"
)

func feed(t *testing.T, chunks ...RawChunk) <-chan RawChunk {
	t.Helper()
	ch := make(chan RawChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func collect(t *testing.T, deltas <-chan Delta) []Delta {
	t.Helper()
	var out []Delta
	timeout := time.After(2 * time.Second)
	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatal("timed out draining delta stream")
		}
	}
}

func TestNormalizerOrderedSequence(t *testing.T) {
	n := NewNormalizer(false)
	raw := feed(t,
		RawChunk{Data: []byte("He")},
		RawChunk{Data: []byte("ll")},
		RawChunk{Data: []byte("o")},
	)

	got := collect(t, n.Run(context.Background(), "p1", raw))
	require.Len(t, got, 4)

	for i, d := range got {
		assert.Equal(t, int64(i), d.Seq)
		assert.Equal(t, "p1", d.PromptID)
		assert.Equal(t, RoleAssistant, d.Role)
	}
	assert.Equal(t, DeltaToken, got[0].Type)
	assert.Equal(t, "He", got[0].Text)
	assert.Equal(t, "ll", got[1].Text)
	assert.Equal(t, "o", got[2].Text)
	assert.Equal(t, DeltaDone, got[3].Type)
	assert.Empty(t, got[3].Text)
}

func TestNormalizerSplitMultibyteCharacter(t *testing.T) {
	n := NewNormalizer(false)
	// "é" is 0xC3 0xA9; the chunk boundary falls inside it.
	raw := feed(t,
		RawChunk{Data: []byte("caf")},
		RawChunk{Data: []byte{0xC3}},
		RawChunk{Data: []byte{0xA9, '!'}},
	)

	got := collect(t, n.Run(context.Background(), "p1", raw))
	require.Len(t, got, 3)

	assert.Equal(t, "caf", got[0].Text)
	assert.Equal(t, "é!", got[1].Text)
	assert.Equal(t, DeltaDone, got[2].Type)

	var full string
	for _, d := range got {
		full += d.Text
	}
	assert.Equal(t, "café!", full)
}

func TestNormalizerDropsIncompleteTail(t *testing.T) {
	n := NewNormalizer(false)
	raw := feed(t,
		RawChunk{Data: []byte("ok")},
		RawChunk{Data: []byte{0xC3}}, // never completed
	)

	got := collect(t, n.Run(context.Background(), "p1", raw))
	require.Len(t, got, 2)
	assert.Equal(t, "ok", got[0].Text)
	assert.Equal(t, DeltaDone, got[1].Type)
	assert.Equal(t, int64(1), got[1].Seq)
}

func TestNormalizerReplacesInvalidBytes(t *testing.T) {
	n := NewNormalizer(false)
	// 0xFF can never start a valid sequence.
	raw := feed(t, RawChunk{Data: []byte{'a', 0xFF, 'b'}})

	got := collect(t, n.Run(context.Background(), "p1", raw))
	require.Len(t, got, 2)
	assert.Equal(t, "a�b", got[0].Text)
}

func TestNormalizerDedupConsecutive(t *testing.T) {
	n := NewNormalizer(true)
	raw := feed(t,
		RawChunk{Data: []byte("go")},
		RawChunk{Data: []byte("go")},
		RawChunk{Data: []byte("go")},
		RawChunk{Data: []byte("stop")},
		RawChunk{Data: []byte("go")},
	)

	got := collect(t, n.Run(context.Background(), "p1", raw))
	require.Len(t, got, 4)
	assert.Equal(t, "go", got[0].Text)
	assert.Equal(t, "stop", got[1].Text)
	assert.Equal(t, "go", got[2].Text)
	assert.Equal(t, DeltaDone, got[3].Type)
	// Sequence numbers track emitted events, not raw chunks.
	assert.Equal(t, int64(2), got[2].Seq)
}

func TestNormalizerErrorTerminatesStream(t *testing.T) {
	n := NewNormalizer(false)
	raw := feed(t,
		RawChunk{Data: []byte("partial")},
		RawChunk{Err: fault.New(fault.CodeProviderStreamError, "connection reset")},
	)

	got := collect(t, n.Run(context.Background(), "p1", raw))
	require.Len(t, got, 2)
	assert.Equal(t, DeltaError, got[1].Type)
	assert.Equal(t, string(fault.CodeProviderStreamError), got[1].Metadata["code"])
	assert.NotEmpty(t, got[1].Metadata["message"])
}

func TestNormalizerPlainErrorGetsDefaultCode(t *testing.T) {
	n := NewNormalizer(false)
	raw := feed(t, RawChunk{Err: errors.New("boom")})

	got := collect(t, n.Run(context.Background(), "p1", raw))
	require.Len(t, got, 1)
	assert.Equal(t, DeltaError, got[0].Type)
	assert.Equal(t, string(fault.CodeProviderStreamError), got[0].Metadata["code"])
}

func TestNormalizerContextCancelClosesWithoutTerminal(t *testing.T) {
	n := NewNormalizer(false)
	raw := make(chan RawChunk) // never closed, never written
	ctx, cancel := context.WithCancel(context.Background())

	deltas := n.Run(ctx, "p1", raw)
	cancel()

	select {
	case _, ok := <-deltas:
		assert.False(t, ok, "expected channel close with no terminal delta")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestNormalizerEmptyChunksEmitNothing(t *testing.T) {
	n := NewNormalizer(false)
	raw := feed(t,
		RawChunk{Data: []byte{}},
		RawChunk{Data: []byte("x")},
		RawChunk{Data: nil},
	)

	got := collect(t, n.Run(context.Background(), "p1", raw))
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].Text)
	assert.Equal(t, int64(1), got[1].Seq)
}

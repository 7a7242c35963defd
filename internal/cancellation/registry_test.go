package cancellation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndCancel(t *testing.T) {
	r := NewRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())
	r.Register("p1", cancel)
	assert.Equal(t, 1, r.Len())

	require.True(t, r.Cancel("p1"))
	select {
	case <-ctx.Done():
	default:
		t.Fatal("cancel handle was not invoked")
	}
}

func TestCancelUnknownPrompt(t *testing.T) {
	r := NewRegistry(nil)
	assert.False(t, r.Cancel("missing"))
}

func TestUnregisterDoesNotCancel(t *testing.T) {
	r := NewRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Register("p1", cancel)
	r.Unregister("p1")

	assert.False(t, r.Cancel("p1"))
	select {
	case <-ctx.Done():
		t.Fatal("unregister must not invoke the handle")
	default:
	}
}

func TestCancelAll(t *testing.T) {
	r := NewRegistry(nil)
	var ctxs []context.Context
	for _, id := range []string{"p1", "p2", "p3"} {
		ctx, cancel := context.WithCancel(context.Background())
		ctxs = append(ctxs, ctx)
		r.Register(id, cancel)
	}

	r.CancelAll()
	for _, ctx := range ctxs {
		select {
		case <-ctx.Done():
		default:
			t.Fatal("CancelAll missed a handle")
		}
	}
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"}, r.ActivePromptIDs())
}

func TestRegisterReplacesHandle(t *testing.T) {
	r := NewRegistry(nil)
	first, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	second, cancelSecond := context.WithCancel(context.Background())
	defer cancelSecond()

	r.Register("p1", cancelFirst)
	r.Register("p1", cancelSecond)
	require.Equal(t, 1, r.Len())

	r.Cancel("p1")
	select {
	case <-first.Done():
		t.Fatal("stale handle was invoked")
	default:
	}
	select {
	case <-second.Done():
	default:
		t.Fatal("current handle was not invoked")
	}
}

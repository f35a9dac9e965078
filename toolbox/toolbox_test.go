package toolbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func staticTool(name, result string) (llms.Tool, Handler) {
	def := FunctionTool(name, "test tool "+name, map[string]any{"type": "object"})
	handler := func(ctx context.Context, args map[string]any) (string, error) {
		return result, nil
	}
	return def, handler
}

func TestRegistryRegister(t *testing.T) {
	t.Run("rejects a definition without a function name", func(t *testing.T) {
		r := NewRegistry()
		err := r.Register(llms.Tool{Type: "function"}, func(ctx context.Context, args map[string]any) (string, error) {
			return "", nil
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "function name")
	})

	t.Run("rejects a nil handler", func(t *testing.T) {
		r := NewRegistry()
		def, _ := staticTool("echo", "")
		err := r.Register(def, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("rejects duplicate names", func(t *testing.T) {
		r := NewRegistry()
		def, handler := staticTool("echo", "hi")
		require.NoError(t, r.Register(def, handler))
		err := r.Register(def, handler)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `tool "echo" is already registered`)
	})

	t.Run("MustRegister panics on error", func(t *testing.T) {
		r := NewRegistry()
		def, handler := staticTool("echo", "hi")
		r.MustRegister(def, handler)
		assert.Panics(t, func() { r.MustRegister(def, handler) })
	})
}

func TestRegistryTools(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		def, handler := staticTool(name, name)
		r.MustRegister(def, handler)
	}

	defs := r.Tools()
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].Function.Name, "definitions keep registration order")
	assert.Equal(t, "beta", defs[1].Function.Name)
	assert.Equal(t, "gamma", defs[2].Function.Name)

	defs[0] = llms.Tool{}
	assert.Equal(t, "alpha", r.Tools()[0].Function.Name, "callers get a copy")
}

func TestRegistryCall(t *testing.T) {
	r := NewRegistry()
	def, handler := staticTool("echo", "hello")
	r.MustRegister(def, handler)

	t.Run("dispatches to the handler", func(t *testing.T) {
		out, err := r.Call(context.Background(), "echo", nil)
		require.NoError(t, err)
		assert.Equal(t, "hello", out)
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := r.Call(context.Background(), "missing", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `tool "missing" not found in registry`)
	})
}

// closeTrackingBox wraps a Registry to observe and force Close outcomes.
type closeTrackingBox struct {
	*Registry
	closed   bool
	closeErr error
}

func (c *closeTrackingBox) Close() error {
	c.closed = true
	return c.closeErr
}

func TestCombine(t *testing.T) {
	newBox := func(names ...string) *closeTrackingBox {
		r := NewRegistry()
		for _, name := range names {
			def, handler := staticTool(name, "from "+name)
			r.MustRegister(def, handler)
		}
		return &closeTrackingBox{Registry: r}
	}

	t.Run("no boxes yields an empty toolbox", func(t *testing.T) {
		combined := Combine()
		assert.Empty(t, combined.Tools())
	})

	t.Run("a single box passes through untouched", func(t *testing.T) {
		box := newBox("alpha")
		assert.Same(t, Toolbox(box), Combine(box))
	})

	t.Run("merges definitions in box order", func(t *testing.T) {
		combined := Combine(newBox("alpha", "beta"), newBox("gamma"))
		defs := combined.Tools()
		require.Len(t, defs, 3)
		assert.Equal(t, "alpha", defs[0].Function.Name)
		assert.Equal(t, "beta", defs[1].Function.Name)
		assert.Equal(t, "gamma", defs[2].Function.Name)
	})

	t.Run("routes calls to the owning box", func(t *testing.T) {
		combined := Combine(newBox("alpha"), newBox("beta"))

		out, err := combined.Call(context.Background(), "beta", nil)
		require.NoError(t, err)
		assert.Equal(t, "from beta", out)

		_, err = combined.Call(context.Background(), "missing", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `tool "missing" not found in any toolbox`)
	})

	t.Run("first box wins a name collision", func(t *testing.T) {
		first := NewRegistry()
		def, _ := staticTool("echo", "")
		first.MustRegister(def, func(ctx context.Context, args map[string]any) (string, error) {
			return "first", nil
		})
		second := NewRegistry()
		second.MustRegister(def, func(ctx context.Context, args map[string]any) (string, error) {
			return "second", nil
		})

		combined := Combine(first, second)
		assert.Len(t, combined.Tools(), 1)

		out, err := combined.Call(context.Background(), "echo", nil)
		require.NoError(t, err)
		assert.Equal(t, "first", out)
	})

	t.Run("Close closes every box and keeps the first error", func(t *testing.T) {
		a := newBox("alpha")
		b := newBox("beta")
		b.closeErr = errors.New("beta close failed")
		c := newBox("gamma")
		c.closeErr = errors.New("gamma close failed")

		err := Combine(a, b, c).Close()
		require.Error(t, err)
		assert.Equal(t, "beta close failed", err.Error())
		assert.True(t, a.closed)
		assert.True(t, b.closed)
		assert.True(t, c.closed)
	})
}

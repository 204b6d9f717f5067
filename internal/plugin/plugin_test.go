package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunPreHandlersShortCircuitsOnBlock(t *testing.T) {
	h := NewHost(nil)
	h.Register(&Plugin{
		Name: "guard",
		Pre: map[string]PreHandler{
			"before_tool": func(ctx context.Context, eventType string, data map[string]any) (*Response, error) {
				return &Response{Decision: "block", Reason: "denied by policy"}, nil
			},
		},
	})
	h.Register(&Plugin{
		Name: "never-runs",
		Pre: map[string]PreHandler{
			"before_tool": func(ctx context.Context, eventType string, data map[string]any) (*Response, error) {
				t.Fatal("second plugin should not run after a block")
				return nil, nil
			},
		},
	})

	resp := h.RunPreHandlers(context.Background(), "before_tool", nil)
	require.NotNil(t, resp)
	require.Equal(t, "block", resp.Decision)
}

func TestRunPreHandlersRecoversPanic(t *testing.T) {
	h := NewHost(nil)
	h.Register(&Plugin{
		Name: "panicky",
		Pre: map[string]PreHandler{
			"before_tool": func(ctx context.Context, eventType string, data map[string]any) (*Response, error) {
				panic("boom")
			},
		},
	})

	resp := h.RunPreHandlers(context.Background(), "before_tool", nil)
	require.Nil(t, resp)
}

func TestRunPreHandlersTreatsErrorAsAllow(t *testing.T) {
	h := NewHost(nil)
	h.Register(&Plugin{
		Name: "erroring",
		Pre: map[string]PreHandler{
			"before_tool": func(ctx context.Context, eventType string, data map[string]any) (*Response, error) {
				return nil, errors.New("boom")
			},
		},
	})

	resp := h.RunPreHandlers(context.Background(), "before_tool", nil)
	require.Nil(t, resp)
}

func TestRunPostHandlersThreadsResponseAndSurvivesPanic(t *testing.T) {
	h := NewHost(nil)
	h.Register(&Plugin{
		Name: "enricher",
		Post: map[string]PostHandler{
			"after_tool": func(ctx context.Context, eventType string, data map[string]any, core *Response) (*Response, error) {
				return &Response{Decision: core.Decision, Context: core.Context + " enriched"}, nil
			},
		},
	})
	h.Register(&Plugin{
		Name: "broken",
		Post: map[string]PostHandler{
			"after_tool": func(ctx context.Context, eventType string, data map[string]any, core *Response) (*Response, error) {
				panic("post panic")
			},
		},
	})

	core := &Response{Decision: "allow", Context: "base"}
	result := h.RunPostHandlers(context.Background(), "after_tool", nil, core)
	require.Equal(t, "base enriched", result.Context)
}

func TestLoadDirsSkipsMissingDirectoriesAndBadLoads(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "good"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "bad"), 0o755))

	h := NewHost(nil)
	h.LoadDirs([]string{root, filepath.Join(root, "does-not-exist")}, func(path string) (*Plugin, error) {
		if filepath.Base(path) == "bad" {
			return nil, errors.New("malformed manifest")
		}
		return &Plugin{Name: filepath.Base(path)}, nil
	})

	require.Equal(t, 1, h.Count())
}

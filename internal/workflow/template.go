package workflow

import (
	"fmt"
	"regexp"
)

// templateRef matches {{dotted.path}} references; whitespace around the
// path is tolerated.
var templateRef = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// TemplateEngine renders {{var}} references against a layered lookup:
// state variables, state artifacts, then event context. A reference that
// resolves in none of them renders as an empty string — never the raw
// placeholder and never an error — so a partially-populated workflow
// state can never leak template syntax into injected content.
type TemplateEngine struct{}

// NewTemplateEngine returns a stateless TemplateEngine.
func NewTemplateEngine() *TemplateEngine { return &TemplateEngine{} }

// Render substitutes every {{ref}} in tmpl using actx's variables,
// artifacts, and event data, in that priority order.
func (e *TemplateEngine) Render(tmpl string, actx *ActionContext) string {
	return templateRef.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := templateRef.FindStringSubmatch(match)[1]
		if v, ok := lookup(actx.State.Variables, name); ok {
			return stringify(v)
		}
		if v, ok := lookup(actx.State.Artifacts, name); ok {
			return stringify(v)
		}
		if v, ok := lookup(actx.EventData, name); ok {
			return stringify(v)
		}
		return ""
	})
}

func lookup[T any](m map[string]T, key string) (T, bool) {
	var zero T
	if m == nil {
		return zero, false
	}
	v, ok := m[key]
	return v, ok
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

package stage

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Context carries the named parameters a stage's prompt or command template
// is rendered against (story id, file paths, prior error text, known issues).
type Context map[string]string

// Clone returns a shallow copy so per-attempt additions (error text, lesson
// context) never leak back into the caller's map.
func (c Context) Clone() Context {
	cp := make(Context, len(c)+2)
	for k, v := range c {
		cp[k] = v
	}
	return cp
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// optionalKeys are legitimately absent on first attempts and default to
// empty instead of failing resolution.
var optionalKeys = map[string]string{
	"known_issues": "",
	"error":        "",
}

// Render substitutes {key} placeholders from the context. Any other
// unresolved placeholder fails the render: leaking a literal "{key}" into a
// live command is a defect, not a fallback.
func Render(template string, sc Context) (string, error) {
	missing := map[string]bool{}
	out := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		if v, ok := sc[key]; ok {
			return v
		}
		if def, ok := optionalKeys[key]; ok {
			return def
		}
		missing[key] = true
		return match
	})
	if len(missing) > 0 {
		keys := make([]string, 0, len(missing))
		for k := range missing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "", fmt.Errorf("unresolved template placeholders: %s", strings.Join(keys, ", "))
	}
	return out, nil
}

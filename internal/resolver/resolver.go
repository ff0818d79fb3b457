// Package resolver renders a thread's system prompt template, substituting
// {{variable}} placeholders with per-turn context (tenant, user, thread
// identifiers and whatever a flow run produced) before the prompt is handed
// to the completion router.
package resolver

import "regexp"

var templateVarRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render substitutes {{key}} placeholders in template with values from vars.
// Placeholders with no matching key are left untouched rather than blanked,
// so a malformed template fails loud in the rendered prompt instead of
// silently dropping text.
func Render(template string, vars map[string]string) string {
	return templateVarRegex.ReplaceAllStringFunc(template, func(match string) string {
		key := templateVarRegex.FindStringSubmatch(match)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return match
	})
}

// Variables extracts the distinct {{variable}} placeholder names referenced
// by a template, in first-appearance order.
func Variables(template string) []string {
	matches := templateVarRegex.FindAllStringSubmatch(template, -1)
	seen := make(map[string]bool, len(matches))
	var vars []string
	for _, m := range matches {
		if len(m) > 1 && !seen[m[1]] {
			seen[m[1]] = true
			vars = append(vars, m[1])
		}
	}
	return vars
}

package util

import "strings"

// RenderTemplate fills {name} placeholders in one pass, so values that
// themselves contain braces are never expanded again. Unknown placeholders
// are left as they are. Chat copy lives in messaging/texts.go.
func RenderTemplate(body string, vars map[string]string) string {
	if len(vars) == 0 {
		return body
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}

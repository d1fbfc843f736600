package source

import "github.com/microcosm-cc/bluemonday"

// Sanitizer strips scripts, event handlers and unsafe URLs from fragments
// submitted over the HTTP and MCP surfaces, keeping the class, id and data
// attributes watch rules match on.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer builds the fragment policy.
func NewSanitizer() *Sanitizer {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class", "id").Globally()
	p.AllowDataAttributes()
	return &Sanitizer{policy: p}
}

// Sanitize returns the cleaned fragment.
func (s *Sanitizer) Sanitize(fragment string) string {
	return s.policy.Sanitize(fragment)
}

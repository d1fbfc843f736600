// Package event defines what the elemwatch daemon emits when a watch rule
// matches. Consumers of the sinks (webhooks, stdout pipelines, in-process
// callbacks) import this package to decode them.
package event

// Event is one rule match.
type Event struct {
	ID          string   `json:"id"`   // UUIDv7
	Rule        string   `json:"rule"` // Rule.Name
	Selector    string   `json:"selector,omitempty"`
	Seq         uint64   `json:"seq"` // monotonically increasing per daemon
	XPath       string   `json:"xpath"`
	Tag         string   `json:"tag"`
	ElementID   string   `json:"element_id,omitempty"`
	Classes     []string `json:"classes,omitempty"`
	Text        string   `json:"text,omitempty"`
	HTML        string   `json:"html"`
	HTMLHash    string   `json:"html_hash"` // SHA-256 hex of HTML
	Markdown    string   `json:"markdown,omitempty"`
	DocumentURL string   `json:"document_url,omitempty"`
	Timestamp   int64    `json:"timestamp"` // epoch milliseconds
}

// Rule is a named watch declared in the config file or the rules table.
// Selector, when set, is matched in addition to the simple constraints.
type Rule struct {
	Name     string `yaml:"name" json:"name"`
	Selector string `yaml:"selector" json:"selector,omitempty"`
	Tag      string `yaml:"tag" json:"tag,omitempty"`
	Text     string `yaml:"text" json:"text,omitempty"`
	Class    string `yaml:"class" json:"class,omitempty"`
	ID       string `yaml:"id" json:"id,omitempty"`
	Once     bool   `yaml:"once" json:"once,omitempty"`
	Root     string `yaml:"root" json:"root,omitempty"` // selector of the scoping element
	Markdown bool   `yaml:"markdown" json:"markdown,omitempty"`
}

// Empty reports whether the rule constrains nothing and would match every
// element.
func (r Rule) Empty() bool {
	return r.Selector == "" && r.Tag == "" && r.Text == "" && r.Class == "" && r.ID == ""
}

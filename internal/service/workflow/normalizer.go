package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zhouzirui/taxdesk/backend/internal/config"
)

// Fixed display strings used when the downstream payload carries no usable answer.
const (
	NoResponseText = "No response received."
	RejectedText   = "Response rejected."
	NoSourcesLine  = "Sources: None"
	UnknownSource  = "Unknown source"
)

// Citation is one legal or regulatory reference backing an answer.
type Citation struct {
	Source    string `json:"source"`
	Section   string `json:"section,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// NormalizedResponse is the canonical form of a downstream reply.
type NormalizedResponse struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
}

// PayloadKind discriminates the shapes a downstream reply can take.
type PayloadKind int

const (
	// PayloadAbsent is null or an empty value.
	PayloadAbsent PayloadKind = iota
	// PayloadScalar is anything that is not a keyed record.
	PayloadScalar
	// PayloadRecord is a keyed record normalized into a NormalizedResponse.
	PayloadRecord
)

// Payload is the parsed form of an arbitrary JSON value.
type Payload struct {
	Kind     PayloadKind
	Text     string
	Response NormalizedResponse
}

// Verified reports whether the payload carries at least one citation.
func (p Payload) Verified() bool {
	return p.Kind == PayloadRecord && len(p.Response.Citations) > 0
}

// Render produces the display string for the payload.
func (p Payload) Render() string {
	switch p.Kind {
	case PayloadAbsent:
		return NoResponseText + "\n\n" + NoSourcesLine
	case PayloadScalar:
		return p.Text + "\n\n" + NoSourcesLine
	}

	answer := strings.TrimSpace(p.Response.Answer)
	if len(p.Response.Citations) == 0 {
		if answer == "" {
			return RejectedText
		}
		return answer
	}

	var b strings.Builder
	if answer != "" {
		b.WriteString(answer)
		b.WriteString("\n\n")
	}
	b.WriteString("Sources:")
	for _, c := range p.Response.Citations {
		b.WriteString("\n- ")
		b.WriteString(c.label())
	}
	return b.String()
}

func (c Citation) label() string {
	source := c.Source
	if source == "" {
		source = UnknownSource
	}
	detail := c.Reference
	if detail == "" {
		detail = c.Section
	}
	if detail == "" {
		return source
	}
	return source + " (" + detail + ")"
}

// Normalizer parses downstream replies, trying answer fields in priority order.
type Normalizer struct {
	answerFields []string
}

// NewNormalizer creates a Normalizer. An empty field list selects
// config.DefaultAnswerFields.
func NewNormalizer(answerFields []string) *Normalizer {
	if len(answerFields) == 0 {
		answerFields = config.DefaultAnswerFields
	}
	return &Normalizer{answerFields: append([]string(nil), answerFields...)}
}

// Normalize renders any decoded JSON value as display text. It never panics.
func (n *Normalizer) Normalize(data any) string {
	return n.Parse(data).Render()
}

// Parse classifies data. A sequence is reduced to its first element.
func (n *Normalizer) Parse(data any) Payload {
	if isAbsent(data) {
		return Payload{Kind: PayloadAbsent}
	}
	if list, ok := data.([]any); ok {
		data = list[0]
		if isAbsent(data) {
			return Payload{Kind: PayloadAbsent}
		}
	}

	record, ok := data.(map[string]any)
	if !ok {
		return Payload{Kind: PayloadScalar, Text: stringify(data)}
	}

	return Payload{
		Kind: PayloadRecord,
		Response: NormalizedResponse{
			Answer:    n.answer(record),
			Citations: citations(record["citations"]),
		},
	}
}

func (n *Normalizer) answer(record map[string]any) string {
	for _, field := range n.answerFields {
		if isAbsent(record[field]) {
			continue
		}
		if text, ok := scalarText(record[field]); ok && strings.TrimSpace(text) != "" {
			return text
		}
	}
	return ""
}

func citations(raw any) []Citation {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		items = []any{v}
	default:
		return nil
	}

	out := make([]Citation, 0, len(items))
	for _, item := range items {
		var c Citation
		switch v := item.(type) {
		case map[string]any:
			c.Source, _ = scalarText(v["source"])
			c.Section, _ = scalarText(v["section"])
			c.Reference, _ = scalarText(v["reference"])
		case string:
			c.Source = v
		default:
			continue
		}
		c.Source = strings.TrimSpace(c.Source)
		c.Section = strings.TrimSpace(c.Section)
		c.Reference = strings.TrimSpace(c.Reference)
		if c.Source == "" && c.Section == "" && c.Reference == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// isAbsent reports falsy JSON values: null, false, zero and empty
// strings, lists and objects.
func isAbsent(data any) bool {
	switch v := data.(type) {
	case nil:
		return true
	case bool:
		return !v
	case json.Number:
		f, err := v.Float64()
		return err == nil && f == 0
	case float64:
		return v == 0
	case int:
		return v == 0
	case int64:
		return v == 0
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}

// scalarText converts JSON scalars to text; objects and arrays are rejected.
func scalarText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64, bool, int, int64:
		return fmt.Sprint(t), true
	}
	return "", false
}

func stringify(v any) string {
	if text, ok := scalarText(v); ok {
		return text
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Package normalize extracts the structured estimate payload from raw
// model output, which may arrive fenced, interleaved with prose, or
// slightly malformed. It restructures what the model emitted and never
// invents business data.
package normalize

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/costline/costline/internal/domain"
	"github.com/tidwall/gjson"
)

// Mode selects the expected response structure.
type Mode int

const (
	// ModeMarkup expects an <estimate> envelope carrying action strings.
	ModeMarkup Mode = iota
	// ModeJSON expects a direct JSON estimate payload.
	ModeJSON
)

// Result is the normalized estimate payload.
type Result struct {
	ProjectTitle string
	Currency     string
	Actions      []string
	JSON         *EstimatePayload
}

// EstimatePayload is the JSON-mode response shape.
type EstimatePayload struct {
	ProjectTitle string         `json:"projectTitle"`
	Currency     string         `json:"currency"`
	TotalAmount  float64        `json:"totalAmount"`
	Items        []EstimateItem `json:"items"`
}

// EstimateItem is one JSON-mode line item suggestion.
type EstimateItem struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Quantity    float64        `json:"quantity"`
	UnitPrice   float64        `json:"unitPrice"`
	Amount      float64        `json:"amount"`
	CostType    string         `json:"costType"`
	UnitType    string         `json:"unitType"`
	SubItems    []EstimateItem `json:"subItems,omitempty"`
}

var (
	fencedBlock  = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)```")
	estimateSpan = regexp.MustCompile(`(?s)<estimate(?:\s[^>]*)?>.*</estimate>`)
	titleTag     = regexp.MustCompile(`(?s)<project_title(?:\s[^>]*)?>(.*?)</project_title>`)
	currencyTag  = regexp.MustCompile(`(?s)<currency(?:\s[^>]*)?>(.*?)</currency>`)
	// <action> is matched exactly so the <actions> wrapper never swallows
	// its first child.
	actionTag = regexp.MustCompile(`(?s)<action(?:\s[^>]*)?>(.*?)</action>`)
)

// Extract normalizes raw model output under the given mode.
func Extract(raw string, mode Mode) (*Result, error) {
	if mode == ModeJSON {
		return extractJSON(raw)
	}
	return extractMarkup(raw)
}

// extractMarkup pulls the <estimate> envelope out of the (possibly fenced,
// possibly prose-wrapped) text and decodes title, currency and actions.
func extractMarkup(raw string) (*Result, error) {
	text := stripFence(raw)

	span := estimateSpan.FindString(text)
	if span == "" {
		// Fenced content had no container; scan the raw text as a whole.
		span = estimateSpan.FindString(raw)
	}
	if span == "" {
		return nil, domain.ParseError("response contains no estimate data")
	}

	result := &Result{
		ProjectTitle: "Untitled Project",
		Currency:     "USD",
	}
	if m := titleTag.FindStringSubmatch(span); m != nil && strings.TrimSpace(m[1]) != "" {
		result.ProjectTitle = strings.TrimSpace(m[1])
	}
	if m := currencyTag.FindStringSubmatch(span); m != nil && strings.TrimSpace(m[1]) != "" {
		result.Currency = strings.ToUpper(strings.TrimSpace(m[1]))
	}
	// <action> elements are matched directly, so a singular <action> block
	// and a plural <actions> wrapper both decode the same way.
	for _, m := range actionTag.FindAllStringSubmatch(span, -1) {
		action := strings.TrimSpace(m[1])
		if action != "" {
			result.Actions = append(result.Actions, action)
		}
	}

	return result, nil
}

// extractJSON parses the payload directly, falling back to a repair pass
// for the usual model syntax slips.
func extractJSON(raw string) (*Result, error) {
	text := strings.TrimSpace(stripFence(raw))

	candidate := text
	if !gjson.Valid(candidate) {
		candidate = RepairJSON(text)
	}
	if !gjson.Valid(candidate) {
		return nil, domain.ParseError("response is not parseable JSON")
	}

	var payload EstimatePayload
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		return nil, domain.ParseError("response JSON does not match the estimate shape")
	}

	result := &Result{
		ProjectTitle: payload.ProjectTitle,
		Currency:     payload.Currency,
		JSON:         &payload,
	}
	if result.ProjectTitle == "" {
		result.ProjectTitle = "Untitled Project"
	}
	if result.Currency == "" {
		result.Currency = "USD"
	}
	return result, nil
}

// stripFence unwraps a fenced code block when the whole payload sits in
// one; otherwise the text is returned untouched.
func stripFence(raw string) string {
	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return raw
}

package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// MinPartialLength is the buffer size below which partial extraction is
// not attempted; shorter buffers rarely contain a recognizable field.
const MinPartialLength = 300

// PartialFields is the advisory subset of the estimate recognizable in an
// incomplete response buffer.
type PartialFields struct {
	Title       string  `json:"title,omitempty"`
	TotalAmount float64 `json:"total_amount,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	ItemCount   int     `json:"item_count,omitempty"`
}

var (
	partialTitle    = regexp.MustCompile(`"(?:project_?[Tt]itle|title)"\s*:\s*"([^"]+)"`)
	partialTotal    = regexp.MustCompile(`"(?:total_?[Aa]mount|total)"\s*:\s*([0-9]+(?:\.[0-9]+)?)`)
	partialCurrency = regexp.MustCompile(`"currency"\s*:\s*"([A-Z]{3})"`)
	partialItem     = regexp.MustCompile(`"description"\s*:`)
)

// ExtractPartial scans an incomplete response buffer for recognizable
// estimate fields. The buffer is by definition not valid JSON yet, so this
// is lightweight pattern matching over a snapshot, never a full parse. It
// reports false when nothing recognizable was found; it never fails.
func ExtractPartial(buf string) (PartialFields, bool) {
	if len(buf) < MinPartialLength {
		return PartialFields{}, false
	}

	var fields PartialFields

	// When the buffer prefix closes into valid JSON, field lookup beats
	// pattern matching.
	if prefix := RepairJSON(buf); gjson.Valid(prefix) {
		root := gjson.Parse(prefix)
		if v := root.Get("projectTitle"); v.Exists() {
			fields.Title = v.String()
		} else if v := root.Get("title"); v.Exists() {
			fields.Title = v.String()
		}
		if v := root.Get("totalAmount"); v.Exists() {
			fields.TotalAmount = v.Float()
		}
		if v := root.Get("currency"); len(v.String()) == 3 {
			fields.Currency = strings.ToUpper(v.String())
		}
	}

	if fields.Title == "" {
		if m := partialTitle.FindStringSubmatch(buf); m != nil {
			fields.Title = m[1]
		} else if m := titleTag.FindStringSubmatch(buf); m != nil {
			fields.Title = strings.TrimSpace(m[1])
		}
	}
	if fields.TotalAmount == 0 {
		if m := partialTotal.FindStringSubmatch(buf); m != nil {
			fields.TotalAmount, _ = strconv.ParseFloat(m[1], 64)
		}
	}
	if fields.Currency == "" {
		if m := partialCurrency.FindStringSubmatch(buf); m != nil {
			fields.Currency = m[1]
		} else if m := currencyTag.FindStringSubmatch(buf); m != nil {
			c := strings.ToUpper(strings.TrimSpace(m[1]))
			if len(c) == 3 {
				fields.Currency = c
			}
		}
	}
	if fields.ItemCount == 0 {
		if n := len(partialItem.FindAllString(buf, -1)); n > 0 {
			fields.ItemCount = n
		} else if n := len(actionTag.FindAllString(buf, -1)); n > 0 {
			fields.ItemCount = n
		}
	}

	found := fields.Title != "" || fields.TotalAmount != 0 ||
		fields.Currency != "" || fields.ItemCount != 0
	return fields, found
}

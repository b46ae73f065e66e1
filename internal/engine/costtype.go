package engine

import (
	"regexp"
	"strings"

	"github.com/costline/costline/internal/domain"
)

// adminWord matches "admin" as a standalone word so that "administrative"
// still classifies as overhead.
var adminWord = regexp.MustCompile(`\badmin\b`)

var costTypeKeywords = []struct {
	costType string
	keywords []string
}{
	{domain.CostTypeEquipment, []string{"equipment", "tool", "machine", "device"}},
	{domain.CostTypeLabor, []string{"labor", "work", "service", "hour", "installation"}},
	{domain.CostTypeMaterial, []string{"material", "supply", "part", "component"}},
	{domain.CostTypeOverhead, []string{"overhead", "indirect", "administrative"}},
}

// InferCostType classifies a line item from its description. This is the
// single canonical rule set: it runs on add when no cost_type is supplied,
// and on update when the description changes without an explicit cost_type.
func InferCostType(description string) string {
	desc := strings.ToLower(description)

	if adminWord.MatchString(desc) {
		return domain.CostTypeAdmin
	}
	for _, group := range costTypeKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(desc, kw) {
				return group.costType
			}
		}
	}
	return domain.CostTypeOther
}

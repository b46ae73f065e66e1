package service

import (
	"fmt"
	"strings"

	"github.com/costline/costline/internal/domain"
)

// System prompts instruct the model on the response envelope. Markup is
// the default; JSON is used when the caller supplies a response template.
const markupSystemPrompt = `You are a cost estimation assistant for construction and project work.
Respond ONLY with an estimate envelope of this exact shape:

<estimate>
<project_title>...</project_title>
<currency>USD</currency>
<actions>
<action>+ description='...', quantity=1, unit_price=0, cost_type='material', unit_type='unit'</action>
</actions>
</estimate>

Action rules:
- "+ key=value, key=value" adds a line item. description is required.
- "+ ID:<n>, key=value" updates item <n>, changing only the listed keys.
- "- ID:<n>" deletes item <n>.
- Quote values that contain commas or equals signs with single quotes.
- Allowed cost_type values: material, labor, equipment, overhead, admin, other.
- Allowed unit_type values: hour, day, unit, package.
- Use parent='<description of another item>' to nest a sub-item.

Do not include any prose outside the envelope.`

const jsonSystemPrompt = `You are a cost estimation assistant for construction and project work.
Respond ONLY with a JSON object of this exact shape, no prose and no code fences:

{"projectTitle": "...", "currency": "USD", "totalAmount": 0, "items": [
  {"title": "...", "description": "...", "quantity": 1, "unitPrice": 0,
   "amount": 0, "costType": "material", "unitType": "unit", "subItems": []}
]}`

// buildPrompt assembles the user prompt from the request, the project and
// the existing items folded in for context.
func buildPrompt(req GenerateRequest, project *domain.Project, items []*domain.LineItem) string {
	var b strings.Builder

	if d := req.ProjectDetails; d != nil {
		b.WriteString("Project: ")
		b.WriteString(d.Title)
		b.WriteString("\n")
		if d.Description != "" {
			b.WriteString("Description: " + d.Description + "\n")
		}
		if d.Scope != "" {
			b.WriteString("Scope: " + d.Scope + "\n")
		}
		if d.Timeline != "" {
			b.WriteString("Timeline: " + d.Timeline + "\n")
		}
	} else if project != nil {
		b.WriteString("Project: " + project.Title + "\n")
		if project.Description != "" {
			b.WriteString("Description: " + project.Description + "\n")
		}
	}

	if len(items) > 0 {
		b.WriteString("\nExisting line items (reference by ID for updates and deletes):\n")
		for _, item := range items {
			fmt.Fprintf(&b, "ID:%d %s | qty=%g unit_price=%g amount=%g %s | cost_type=%s\n",
				item.ID, item.Description, item.Quantity, item.UnitPrice,
				item.Amount, item.Currency, item.CostType)
		}
	}

	if req.ResponseTemplate != "" {
		b.WriteString("\nShape the response after this template:\n")
		b.WriteString(req.ResponseTemplate)
		b.WriteString("\n")
	}

	if req.Prompt != "" {
		b.WriteString("\nRequest: " + req.Prompt + "\n")
	}

	return b.String()
}

// buildRangePrompt frames an instruction that applies to a contiguous ID
// range of existing items.
func buildRangePrompt(req RangeActionRequest, items []*domain.LineItem) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Apply the following change to every listed line item (IDs %d through %d):\n%s\n",
		req.StartItemID, req.EndItemID, req.Prompt)
	b.WriteString("\nTarget items:\n")
	for _, item := range items {
		fmt.Fprintf(&b, "ID:%d %s | qty=%g unit_price=%g amount=%g | cost_type=%s\n",
			item.ID, item.Description, item.Quantity, item.UnitPrice, item.Amount, item.CostType)
	}
	b.WriteString("\nRespond with update or delete actions only, one per target item as needed.\n")

	return b.String()
}

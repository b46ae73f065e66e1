// Package engine applies parsed mutation instructions to a project's
// line items, optimizing for forward progress: a bad instruction is
// recorded and skipped, never aborting the rest of the batch.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/costline/costline/internal/actions"
	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/repository"
	"go.uber.org/zap"
)

// Engine interprets action instructions against persisted line items
type Engine struct {
	items  *repository.ItemRepository
	logger *zap.Logger
}

// Options tunes one Apply batch
type Options struct {
	DefaultCurrency string
	// MergeDuplicates folds an add whose normalized title matches an
	// existing item (and shares its amount, unit price, quantity or cost
	// type) into an update of that item. Used by the initial generation
	// pass against projects that already have items.
	MergeDuplicates bool
}

// Summary reports the outcome of one instruction batch
type Summary struct {
	ItemsAdded   int      `json:"itemsAdded"`
	ItemsUpdated int      `json:"itemsUpdated"`
	ItemsDeleted int      `json:"itemsDeleted"`
	Errors       []string `json:"errors"`
}

// New creates a mutation engine
func New(items *repository.ItemRepository, logger *zap.Logger) *Engine {
	return &Engine{items: items, logger: logger}
}

// Apply runs each instruction in order against the project. Per-item
// failures are accumulated into the summary and never stop the batch.
func (e *Engine) Apply(ctx context.Context, projectID string, instructions []string, opts Options) Summary {
	summary := Summary{Errors: []string{}}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "USD"
	}

	for _, raw := range instructions {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		inst := actions.Parse(line)
		switch {
		case inst.Op == actions.OpDelete && inst.HasID:
			e.applyDelete(projectID, inst, &summary)
		case inst.Op == actions.OpUpdate && inst.HasID:
			e.applyUpdate(projectID, inst, &summary)
		case inst.Op == actions.OpAdd:
			e.applyAdd(projectID, inst, opts, &summary)
		default:
			summary.Errors = append(summary.Errors, fmt.Sprintf("unknown instruction format: %q", line))
		}
	}

	return summary
}

// Keys the engine maps onto fixed line item fields. Anything else lands in
// the item's extra data.
var recognizedKeys = map[string]bool{
	"description": true,
	"title":       true,
	"quantity":    true,
	"unit_price":  true,
	"amount":      true,
	"currency":    true,
	"cost_type":   true,
	"unit_type":   true,
	"status":      true,
	"parent":      true,
	"parent_id":   true,
	"parentId":    true,
}

func (e *Engine) applyAdd(projectID string, inst actions.Instruction, opts Options, summary *Summary) {
	desc, ok := inst.Attrs["description"]
	if !ok || strings.TrimSpace(desc.AsString()) == "" {
		summary.Errors = append(summary.Errors, fmt.Sprintf("add instruction missing description: %q", inst.Raw))
		return
	}

	item := &domain.LineItem{
		ProjectID:   projectID,
		Description: desc.AsString(),
		Title:       desc.AsString(),
		Quantity:    1,
		UnitPrice:   0,
		Currency:    opts.DefaultCurrency,
		UnitType:    domain.UnitTypeUnit,
		Status:      domain.ProjectStatusDraft,
	}

	if v, ok := inst.Attrs["title"]; ok {
		item.Title = v.AsString()
	}
	if v, ok := inst.Attrs["quantity"]; ok {
		if f, ok := v.AsFloat(); ok {
			item.Quantity = f
		}
	}
	if v, ok := inst.Attrs["unit_price"]; ok {
		if f, ok := v.AsFloat(); ok {
			item.UnitPrice = f
		}
	}
	if v, ok := inst.Attrs["amount"]; ok {
		if f, ok := v.AsFloat(); ok {
			item.Amount = f
		}
	} else {
		item.Amount = item.Quantity * item.UnitPrice
	}
	if v, ok := inst.Attrs["currency"]; ok {
		item.Currency = v.AsString()
	}
	if v, ok := inst.Attrs["cost_type"]; ok {
		item.CostType = v.AsString()
	} else {
		item.CostType = InferCostType(item.Description)
	}
	if v, ok := inst.Attrs["unit_type"]; ok {
		item.UnitType = v.AsString()
	}
	if v, ok := inst.Attrs["status"]; ok {
		item.Status = v.AsString()
	}

	e.resolveParent(projectID, inst.Attrs, item, summary)
	e.mergeExtraData(inst.Attrs, item)

	if opts.MergeDuplicates {
		if existing := e.findDuplicate(projectID, item); existing != nil {
			e.applyUpdate(projectID, actions.Instruction{
				Op:    actions.OpUpdate,
				ID:    existing.ID,
				HasID: true,
				Attrs: inst.Attrs,
				Raw:   inst.Raw,
			}, summary)
			return
		}
	}

	if err := e.items.Create(item); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("failed to add item %q: %v", item.Description, err))
		return
	}
	summary.ItemsAdded++
}

func (e *Engine) applyUpdate(projectID string, inst actions.Instruction, summary *Summary) {
	item, err := e.items.Get(projectID, inst.ID)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("failed to load item %d: %v", inst.ID, err))
		return
	}
	if item == nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("item %d not found", inst.ID))
		return
	}

	descChanged := false
	_, costTypeGiven := inst.Attrs["cost_type"]
	_, amountGiven := inst.Attrs["amount"]
	priceFieldsChanged := false

	if v, ok := inst.Attrs["description"]; ok && v.AsString() != item.Description {
		item.Description = v.AsString()
		descChanged = true
	}
	if v, ok := inst.Attrs["title"]; ok {
		item.Title = v.AsString()
	}
	if v, ok := inst.Attrs["quantity"]; ok {
		if f, ok := v.AsFloat(); ok {
			item.Quantity = f
			priceFieldsChanged = true
		}
	}
	if v, ok := inst.Attrs["unit_price"]; ok {
		if f, ok := v.AsFloat(); ok {
			item.UnitPrice = f
			priceFieldsChanged = true
		}
	}
	if v, ok := inst.Attrs["amount"]; ok {
		if f, ok := v.AsFloat(); ok {
			item.Amount = f
		}
	}
	if priceFieldsChanged && !amountGiven {
		item.Amount = item.Quantity * item.UnitPrice
	}
	if v, ok := inst.Attrs["currency"]; ok {
		item.Currency = v.AsString()
	}
	if costTypeGiven {
		item.CostType = inst.Attrs["cost_type"].AsString()
	} else if descChanged {
		item.CostType = InferCostType(item.Description)
	}
	if v, ok := inst.Attrs["unit_type"]; ok {
		item.UnitType = v.AsString()
	}
	if v, ok := inst.Attrs["status"]; ok {
		item.Status = v.AsString()
	}

	e.resolveParent(projectID, inst.Attrs, item, summary)
	e.mergeExtraData(inst.Attrs, item)

	if err := e.items.Update(item); err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("failed to update item %d: %v", inst.ID, err))
		return
	}
	summary.ItemsUpdated++
}

func (e *Engine) applyDelete(projectID string, inst actions.Instruction, summary *Summary) {
	deleted, err := e.items.Delete(projectID, inst.ID)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("failed to delete item %d: %v", inst.ID, err))
		return
	}
	// Deleting an unknown id is a silent no-op.
	if deleted {
		summary.ItemsDeleted++
	}
}

// resolveParent links the item under a parent named either by description
// (`parent`) or by id (`parent_id`). An unresolvable parent is a non-fatal
// error; the item stays a root item.
func (e *Engine) resolveParent(projectID string, attrs actions.AttrMap, item *domain.LineItem, summary *Summary) {
	if v, ok := attrs["parent"]; ok {
		parentDesc := v.AsString()
		parent, err := e.items.FindByDescription(projectID, parentDesc)
		if err == nil && parent != nil {
			item.ParentItemID = &parent.ID
			item.IsSubItem = true
			return
		}
		summary.Errors = append(summary.Errors, fmt.Sprintf("parent item %q not found for %q", parentDesc, item.Description))
		return
	}

	v, ok := attrs["parent_id"]
	if !ok {
		v, ok = attrs["parentId"]
	}
	if !ok {
		return
	}
	id, valid := v.AsInt()
	if !valid {
		summary.Errors = append(summary.Errors, fmt.Sprintf("invalid parent id %q for %q", v.AsString(), item.Description))
		return
	}
	parent, err := e.items.Get(projectID, id)
	if err == nil && parent != nil {
		item.ParentItemID = &parent.ID
		item.IsSubItem = true
		return
	}
	summary.Errors = append(summary.Errors, fmt.Sprintf("parent item %d not found for %q", id, item.Description))
}

func (e *Engine) mergeExtraData(attrs actions.AttrMap, item *domain.LineItem) {
	for k, v := range attrs {
		if recognizedKeys[k] {
			continue
		}
		if item.ExtraData == nil {
			item.ExtraData = map[string]any{}
		}
		item.ExtraData[k] = v.Raw()
	}
}

// findDuplicate implements the merge heuristic: normalized title equality
// plus any one of amount, unit price, quantity or cost type matching.
func (e *Engine) findDuplicate(projectID string, candidate *domain.LineItem) *domain.LineItem {
	existing, err := e.items.FindByNormalizedTitle(projectID, candidate.Title)
	if err != nil || existing == nil {
		return nil
	}
	if existing.Amount == candidate.Amount ||
		existing.UnitPrice == candidate.UnitPrice ||
		existing.Quantity == candidate.Quantity ||
		existing.CostType == candidate.CostType {
		return existing
	}
	return nil
}

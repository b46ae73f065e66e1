package domain

import "time"

// Project statuses
const (
	ProjectStatusDraft  = "draft"
	ProjectStatusActive = "active"
)

// Line item unit types
const (
	UnitTypeHour    = "hour"
	UnitTypeDay     = "day"
	UnitTypeUnit    = "unit"
	UnitTypePackage = "package"
)

// Line item cost types
const (
	CostTypeMaterial  = "material"
	CostTypeLabor     = "labor"
	CostTypeEquipment = "equipment"
	CostTypeOverhead  = "overhead"
	CostTypeAdmin     = "admin"
	CostTypeOther     = "other"
)

// Project represents a cost-estimation project
type Project struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Scope       string    `json:"scope,omitempty"`
	Timeline    string    `json:"timeline,omitempty"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LineItem is one node of a project's cost breakdown. Items with a
// ParentItemID are sub-items of another item in the same project.
type LineItem struct {
	ID           int64          `json:"id"`
	ProjectID    string         `json:"project_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Quantity     float64        `json:"quantity"`
	UnitPrice    float64        `json:"unit_price"`
	Amount       float64        `json:"amount"`
	Currency     string         `json:"currency"`
	UnitType     string         `json:"unit_type"`
	CostType     string         `json:"cost_type"`
	Status       string         `json:"status"`
	ParentItemID *int64         `json:"parent_item_id,omitempty"`
	IsSubItem    bool           `json:"is_sub_item"`
	ExtraData    map[string]any `json:"extra_data,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ProjectDetails is the caller-supplied description of a project used to
// build the generation prompt.
type ProjectDetails struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Scope       string `json:"scope,omitempty"`
	Timeline    string `json:"timeline,omitempty"`
}

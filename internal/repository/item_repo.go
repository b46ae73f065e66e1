package repository

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/costline/costline/internal/domain"
)

// ItemRepository handles line item persistence
type ItemRepository struct {
	db *DB
}

// NewItemRepository creates a new line item repository
func NewItemRepository(db *DB) *ItemRepository {
	return &ItemRepository{db: db}
}

const itemColumns = `id, project_id, title, description, quantity, unit_price, amount,
	currency, unit_type, cost_type, status, parent_item_id, is_sub_item, extra_data,
	created_at, updated_at`

// Create inserts a new line item and assigns its id
func (r *ItemRepository) Create(item *domain.LineItem) error {
	now := time.Now()
	item.CreatedAt = now
	item.UpdatedAt = now
	if item.UnitType == "" {
		item.UnitType = domain.UnitTypeUnit
	}
	if item.CostType == "" {
		item.CostType = domain.CostTypeOther
	}
	if item.Status == "" {
		item.Status = domain.ProjectStatusDraft
	}

	extraJSON, _ := json.Marshal(item.ExtraData)

	res, err := r.db.Exec(`
		INSERT INTO line_items (project_id, title, description, quantity, unit_price, amount,
			currency, unit_type, cost_type, status, parent_item_id, is_sub_item, extra_data,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ProjectID, item.Title, item.Description, item.Quantity, item.UnitPrice, item.Amount,
		item.Currency, item.UnitType, item.CostType, item.Status, item.ParentItemID,
		item.IsSubItem, string(extraJSON), item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	item.ID = id
	return nil
}

// Get retrieves a line item scoped to its project
func (r *ItemRepository) Get(projectID string, id int64) (*domain.LineItem, error) {
	row := r.db.QueryRow(`SELECT `+itemColumns+` FROM line_items WHERE project_id = ? AND id = ?`,
		projectID, id)
	return scanItem(row)
}

// FindByDescription finds the first item in a project with an exact
// description match. Used to resolve parent references in add actions.
func (r *ItemRepository) FindByDescription(projectID, description string) (*domain.LineItem, error) {
	row := r.db.QueryRow(`SELECT `+itemColumns+` FROM line_items
		WHERE project_id = ? AND description = ?
		ORDER BY id ASC LIMIT 1`, projectID, description)
	return scanItem(row)
}

// FindByNormalizedTitle finds the first item whose lowercased trimmed title
// matches. Used by the duplicate merge heuristic.
func (r *ItemRepository) FindByNormalizedTitle(projectID, title string) (*domain.LineItem, error) {
	normalized := strings.ToLower(strings.TrimSpace(title))
	row := r.db.QueryRow(`SELECT `+itemColumns+` FROM line_items
		WHERE project_id = ? AND lower(trim(title)) = ?
		ORDER BY id ASC LIMIT 1`, projectID, normalized)
	return scanItem(row)
}

// Update replaces all mutable fields of a line item
func (r *ItemRepository) Update(item *domain.LineItem) error {
	item.UpdatedAt = time.Now()
	extraJSON, _ := json.Marshal(item.ExtraData)

	_, err := r.db.Exec(`
		UPDATE line_items
		SET title = ?, description = ?, quantity = ?, unit_price = ?, amount = ?,
			currency = ?, unit_type = ?, cost_type = ?, status = ?,
			parent_item_id = ?, is_sub_item = ?, extra_data = ?, updated_at = ?
		WHERE project_id = ? AND id = ?
	`, item.Title, item.Description, item.Quantity, item.UnitPrice, item.Amount,
		item.Currency, item.UnitType, item.CostType, item.Status,
		item.ParentItemID, item.IsSubItem, string(extraJSON), item.UpdatedAt,
		item.ProjectID, item.ID)
	return err
}

// Delete removes a line item scoped to its project. Returns false when no
// row matched, so deleting an unknown id stays a no-op.
func (r *ItemRepository) Delete(projectID string, id int64) (bool, error) {
	res, err := r.db.Exec(`DELETE FROM line_items WHERE project_id = ? AND id = ?`, projectID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListByProject retrieves a page of a project's line items ordered by id
func (r *ItemRepository) ListByProject(projectID string, limit, offset int) ([]*domain.LineItem, error) {
	rows, err := r.db.Query(`SELECT `+itemColumns+` FROM line_items
		WHERE project_id = ?
		ORDER BY id ASC LIMIT ? OFFSET ?`, projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.LineItem
	for rows.Next() {
		item, err := scanItemRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListByIDRange retrieves a project's line items whose ids fall within the
// inclusive range, ordered by id
func (r *ItemRepository) ListByIDRange(projectID string, start, end int64) ([]*domain.LineItem, error) {
	rows, err := r.db.Query(`SELECT `+itemColumns+` FROM line_items
		WHERE project_id = ? AND id BETWEEN ? AND ?
		ORDER BY id ASC`, projectID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.LineItem
	for rows.Next() {
		item, err := scanItemRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountByProject returns the number of line items in a project
func (r *ItemRepository) CountByProject(projectID string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM line_items WHERE project_id = ?`, projectID).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row *sql.Row) (*domain.LineItem, error) {
	item, err := scanItemRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

func scanItemRows(row rowScanner) (*domain.LineItem, error) {
	item := &domain.LineItem{}
	var parentID sql.NullInt64
	var extraJSON sql.NullString

	err := row.Scan(&item.ID, &item.ProjectID, &item.Title, &item.Description,
		&item.Quantity, &item.UnitPrice, &item.Amount, &item.Currency,
		&item.UnitType, &item.CostType, &item.Status, &parentID, &item.IsSubItem,
		&extraJSON, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		item.ParentItemID = &parentID.Int64
	}
	if extraJSON.Valid && extraJSON.String != "" && extraJSON.String != "null" {
		json.Unmarshal([]byte(extraJSON.String), &item.ExtraData)
	}
	return item, nil
}

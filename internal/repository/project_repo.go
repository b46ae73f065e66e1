package repository

import (
	"database/sql"
	"time"

	"github.com/costline/costline/internal/domain"
	"github.com/google/uuid"
)

// ProjectRepository handles project persistence
type ProjectRepository struct {
	db *DB
}

// NewProjectRepository creates a new project repository
func NewProjectRepository(db *DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Create creates a new project
func (r *ProjectRepository) Create(project *domain.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if project.Currency == "" {
		project.Currency = "USD"
	}
	if project.Status == "" {
		project.Status = domain.ProjectStatusDraft
	}
	now := time.Now()
	project.CreatedAt = now
	project.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO projects (id, user_id, title, description, scope, timeline, currency, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, project.ID, project.UserID, project.Title, project.Description, project.Scope,
		project.Timeline, project.Currency, project.Status, project.CreatedAt, project.UpdatedAt)

	return err
}

// Get retrieves a project by ID
func (r *ProjectRepository) Get(id string) (*domain.Project, error) {
	project := &domain.Project{}
	var description, scope, timeline sql.NullString

	err := r.db.QueryRow(`
		SELECT id, user_id, title, description, scope, timeline, currency, status, created_at, updated_at
		FROM projects WHERE id = ?
	`, id).Scan(&project.ID, &project.UserID, &project.Title, &description, &scope,
		&timeline, &project.Currency, &project.Status, &project.CreatedAt, &project.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	project.Description = description.String
	project.Scope = scope.String
	project.Timeline = timeline.String

	return project, nil
}

// Update updates project fields
func (r *ProjectRepository) Update(project *domain.Project) error {
	project.UpdatedAt = time.Now()
	_, err := r.db.Exec(`
		UPDATE projects
		SET title = ?, description = ?, scope = ?, timeline = ?, currency = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, project.Title, project.Description, project.Scope, project.Timeline,
		project.Currency, project.Status, project.UpdatedAt, project.ID)
	return err
}

// Delete deletes a project; line items and conversations cascade
func (r *ProjectRepository) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM projects WHERE id = ?`, id)
	return err
}

// ListByUser retrieves all projects owned by a user
func (r *ProjectRepository) ListByUser(userID string) ([]*domain.Project, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, title, description, scope, timeline, currency, status, created_at, updated_at
		FROM projects WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		project := &domain.Project{}
		var description, scope, timeline sql.NullString
		if err := rows.Scan(&project.ID, &project.UserID, &project.Title, &description,
			&scope, &timeline, &project.Currency, &project.Status,
			&project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, err
		}
		project.Description = description.String
		project.Scope = scope.String
		project.Timeline = timeline.String
		projects = append(projects, project)
	}

	return projects, rows.Err()
}

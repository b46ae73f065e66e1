// Package service orchestrates estimate generation: prompt building, the
// model call, normalization, mutation application and persistence.
package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/costline/costline/internal/actions"
	"github.com/costline/costline/internal/config"
	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/engine"
	"github.com/costline/costline/internal/llm"
	"github.com/costline/costline/internal/normalize"
	"github.com/costline/costline/internal/repository"
	"github.com/costline/costline/internal/stream"
	"go.uber.org/zap"
)

// GenerateRequest is one agent call. Either Prompt or ProjectDetails must
// be set; ProjectID targets an existing project, otherwise one is created.
type GenerateRequest struct {
	ProjectID      string                 `json:"projectId,omitempty"`
	Prompt         string                 `json:"prompt,omitempty"`
	ProjectDetails *domain.ProjectDetails `json:"projectDetails,omitempty"`
	// Format selects the response envelope: "markup" (default) or "json".
	Format           string `json:"format,omitempty"`
	ResponseTemplate string `json:"responseTemplate,omitempty"`
	WebSearch        bool   `json:"webSearch,omitempty"`
}

// RangeActionRequest applies one instruction across a contiguous item
// ID range of an existing project.
type RangeActionRequest struct {
	ProjectID   string `json:"projectId"`
	StartItemID int64  `json:"startItemId"`
	EndItemID   int64  `json:"endItemId"`
	Prompt      string `json:"prompt"`
}

// GenerateResult is the buffered response envelope of every agent call.
type GenerateResult struct {
	ProjectID    string   `json:"projectId"`
	ProjectTitle string   `json:"projectTitle"`
	Currency     string   `json:"currency"`
	ItemsAdded   int      `json:"itemsAdded"`
	ItemsUpdated int      `json:"itemsUpdated"`
	ItemsDeleted int      `json:"itemsDeleted"`
	Errors       []string `json:"errors"`
	Message      string   `json:"message"`
}

// EstimateService is the top-level generation workflow.
type EstimateService struct {
	cfg      *config.Config
	projects *repository.ProjectRepository
	items    *repository.ItemRepository
	convs    *repository.ConversationRepository
	engine   *engine.Engine
	provider llm.Provider
	consumer *stream.Consumer
	logger   *zap.Logger
}

// NewEstimateService creates the estimate orchestration service.
func NewEstimateService(
	cfg *config.Config,
	projects *repository.ProjectRepository,
	items *repository.ItemRepository,
	convs *repository.ConversationRepository,
	eng *engine.Engine,
	provider llm.Provider,
	logger *zap.Logger,
) *EstimateService {
	return &EstimateService{
		cfg:      cfg,
		projects: projects,
		items:    items,
		convs:    convs,
		engine:   eng,
		provider: provider,
		consumer: stream.NewConsumer(provider, logger),
		logger:   logger,
	}
}

// Generate runs one buffered generation pass: resolve or create the
// project, call the model, normalize, and apply the resulting mutations.
// When the target project already has items, adds that look like existing
// items are merged into them.
func (s *EstimateService) Generate(ctx context.Context, userID string, req GenerateRequest) (*GenerateResult, error) {
	return s.buffered(ctx, userID, req, true)
}

// Prompt runs a buffered edit pass against an existing project. Unlike
// Generate it never creates a project and never merges duplicates.
func (s *EstimateService) Prompt(ctx context.Context, userID string, req GenerateRequest) (*GenerateResult, error) {
	if req.ProjectID == "" {
		return nil, domain.NewError(domain.KindValidation, "projectId is required", nil)
	}
	return s.buffered(ctx, userID, req, false)
}

func (s *EstimateService) buffered(ctx context.Context, userID string, req GenerateRequest, merge bool) (*GenerateResult, error) {
	prep, err := s.prepare(userID, req, true)
	if err != nil {
		return nil, err
	}
	prep.merge = merge && prep.hadItems

	raw, err := s.provider.Generate(ctx, prep.llmReq)
	if err != nil {
		return nil, err
	}

	result, err := normalize.Extract(raw, prep.mode)
	if err != nil {
		return nil, err
	}

	return s.finish(ctx, userID, req.Prompt, prep, result)
}

// RangeAction applies one instruction to every item in an ID range.
func (s *EstimateService) RangeAction(ctx context.Context, userID string, req RangeActionRequest) (*GenerateResult, error) {
	prep, err := s.prepareRange(userID, req)
	if err != nil {
		return nil, err
	}

	raw, err := s.provider.Generate(ctx, prep.llmReq)
	if err != nil {
		return nil, err
	}
	result, err := normalize.Extract(raw, prep.mode)
	if err != nil {
		return nil, err
	}

	return s.finish(ctx, userID, req.Prompt, prep, result)
}

func (s *EstimateService) prepareRange(userID string, req RangeActionRequest) (*preparedCall, error) {
	if req.ProjectID == "" {
		return nil, domain.NewError(domain.KindValidation, "projectId is required", nil)
	}
	if req.Prompt == "" {
		return nil, domain.NewError(domain.KindValidation, "prompt is required", nil)
	}
	if req.StartItemID <= 0 || req.EndItemID < req.StartItemID {
		return nil, domain.NewError(domain.KindValidation, "invalid item id range", nil)
	}

	project, err := s.ownedProject(userID, req.ProjectID)
	if err != nil {
		return nil, err
	}

	targets, err := s.items.ListByIDRange(project.ID, req.StartItemID, req.EndItemID)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, domain.NewError(domain.KindNotFound, "no items in range", nil)
	}

	return &preparedCall{
		project: project,
		mode:    normalize.ModeMarkup,
		llmReq: llm.Request{
			System:      markupSystemPrompt,
			Prompt:      buildRangePrompt(req, targets),
			Temperature: s.cfg.LLM.Temperature,
		},
	}, nil
}

// GenerateStream is the streamed form of Generate. Consumer events are
// forwarded to the session; the final complete event carries the mutation
// summary. The returned error mirrors the terminal error event, if any.
func (s *EstimateService) GenerateStream(ctx context.Context, userID string, req GenerateRequest, sess *stream.Session) error {
	prep, err := s.prepare(userID, req, true)
	if err != nil {
		return err
	}
	prep.merge = prep.hadItems
	return s.streamRun(ctx, userID, req.Prompt, prep, sess)
}

// PromptStream is the streamed form of Prompt.
func (s *EstimateService) PromptStream(ctx context.Context, userID string, req GenerateRequest, sess *stream.Session) error {
	if req.ProjectID == "" {
		return domain.NewError(domain.KindValidation, "projectId is required", nil)
	}
	prep, err := s.prepare(userID, req, false)
	if err != nil {
		return err
	}
	return s.streamRun(ctx, userID, req.Prompt, prep, sess)
}

// RangeActionStream is the streamed form of RangeAction.
func (s *EstimateService) RangeActionStream(ctx context.Context, userID string, req RangeActionRequest, sess *stream.Session) error {
	prep, err := s.prepareRange(userID, req)
	if err != nil {
		return err
	}
	return s.streamRun(ctx, userID, req.Prompt, prep, sess)
}

// streamRun drives one consumer run over the session and writes the final
// complete event after the mutations land. The generation itself runs on a
// context detached from the request: a client disconnect stops the writes,
// not the in-flight model call or the mutations it produces.
func (s *EstimateService) streamRun(ctx context.Context, userID, prompt string, prep *preparedCall, sess *stream.Session) error {
	sess.Write(domain.StreamEvent{Type: domain.EventStart, Message: "generation started"})

	genCtx := context.WithoutCancel(ctx)
	run := s.consumer.Start(genCtx, prep.llmReq, prep.mode)
	clientGone := false
	for ev := range run.Events() {
		if clientGone {
			continue
		}
		if _, werr := sess.Write(ev); werr != nil {
			// The client went away. Keep draining so the run finishes and
			// its mutations are still applied.
			clientGone = true
		}
	}

	result, err := run.Result()
	if err != nil {
		return err
	}

	final, err := s.finish(genCtx, userID, prompt, prep, result)
	if err != nil {
		if !clientGone {
			sess.Write(domain.ErrorEvent(err.Error(), domain.IsRecoverable(err)))
		}
		return err
	}

	if !clientGone {
		sess.Write(domain.StreamEvent{
			Type:    domain.EventComplete,
			Message: final.Message,
			Data:    final,
		})
	}
	return nil
}

// preparedCall bundles the resolved project and the model request.
type preparedCall struct {
	project  *domain.Project
	created  bool
	hadItems bool
	merge    bool
	mode     normalize.Mode
	llmReq   llm.Request
}

func (s *EstimateService) prepare(userID string, req GenerateRequest, allowCreate bool) (*preparedCall, error) {
	if req.Prompt == "" && req.ProjectDetails == nil {
		return nil, domain.NewError(domain.KindValidation, "prompt or projectDetails is required", nil)
	}

	prep := &preparedCall{mode: normalize.ModeMarkup}
	system := markupSystemPrompt
	if strings.EqualFold(req.Format, "json") {
		prep.mode = normalize.ModeJSON
		system = jsonSystemPrompt
	}

	var items []*domain.LineItem
	if req.ProjectID != "" {
		project, err := s.ownedProject(userID, req.ProjectID)
		if err != nil {
			return nil, err
		}
		prep.project = project

		items, err = s.items.ListByProject(project.ID, s.cfg.Agent.ItemContextLimit, 0)
		if err != nil {
			return nil, err
		}
		prep.hadItems = len(items) > 0
	} else {
		if !allowCreate {
			return nil, domain.NewError(domain.KindValidation, "projectId is required", nil)
		}
		project := &domain.Project{
			UserID:   userID,
			Title:    "Untitled Project",
			Currency: s.cfg.Agent.DefaultCurrency,
		}
		if d := req.ProjectDetails; d != nil {
			project.Title = d.Title
			project.Description = d.Description
			project.Scope = d.Scope
			project.Timeline = d.Timeline
		}
		if err := s.projects.Create(project); err != nil {
			return nil, fmt.Errorf("failed to create project: %w", err)
		}
		prep.project = project
		prep.created = true
	}

	prep.llmReq = llm.Request{
		System:      system,
		Prompt:      buildPrompt(req, prep.project, items),
		Temperature: s.cfg.LLM.Temperature,
		WebSearch:   req.WebSearch,
	}
	return prep, nil
}

// finish applies the normalized result to the project and records the
// exchange in the project's conversation.
func (s *EstimateService) finish(ctx context.Context, userID, prompt string, prep *preparedCall, result *normalize.Result) (*GenerateResult, error) {
	project := prep.project

	instructions := result.Actions
	if result.JSON != nil {
		instructions = instructionsFromPayload(result.JSON)
	}

	summary := s.engine.Apply(ctx, project.ID, instructions, engine.Options{
		DefaultCurrency: currencyOr(result.Currency, project.Currency),
		MergeDuplicates: prep.merge,
	})

	// A freshly created project adopts the model's title and currency.
	if prep.created {
		if result.ProjectTitle != "" && project.Title == "Untitled Project" {
			project.Title = result.ProjectTitle
		}
		if result.Currency != "" {
			project.Currency = result.Currency
		}
		if err := s.projects.Update(project); err != nil {
			s.logger.Warn("failed to update project metadata",
				zap.String("project_id", project.ID), zap.Error(err))
		}
	}

	final := &GenerateResult{
		ProjectID:    project.ID,
		ProjectTitle: project.Title,
		Currency:     project.Currency,
		ItemsAdded:   summary.ItemsAdded,
		ItemsUpdated: summary.ItemsUpdated,
		ItemsDeleted: summary.ItemsDeleted,
		Errors:       summary.Errors,
		Message: fmt.Sprintf("Added %d, updated %d, deleted %d line items",
			summary.ItemsAdded, summary.ItemsUpdated, summary.ItemsDeleted),
	}

	s.logExchange(project.ID, userID, prompt, final.Message)
	return final, nil
}

// logExchange appends the prompt and the outcome to the project's
// conversation. Logging failures are not fatal to the request.
func (s *EstimateService) logExchange(projectID, userID, prompt, reply string) {
	conv, err := s.convs.GetOrCreate(projectID, userID)
	if err != nil {
		s.logger.Warn("failed to open conversation", zap.String("project_id", projectID), zap.Error(err))
		return
	}
	if prompt != "" {
		if err := s.convs.AppendMessage(&domain.Message{
			ConversationID: conv.ID, Role: "user", Content: prompt,
		}); err != nil {
			s.logger.Warn("failed to log user message", zap.Error(err))
		}
	}
	if err := s.convs.AppendMessage(&domain.Message{
		ConversationID: conv.ID, Role: "assistant", Content: reply,
	}); err != nil {
		s.logger.Warn("failed to log assistant message", zap.Error(err))
	}
}

// ownedProject loads a project and enforces tenant ownership.
func (s *EstimateService) ownedProject(userID, projectID string) (*domain.Project, error) {
	project, err := s.projects.Get(projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, domain.ErrNotFound
	}
	if project.UserID != userID {
		return nil, domain.ErrForbidden
	}
	return project, nil
}

// GetProject returns one of the caller's projects.
func (s *EstimateService) GetProject(userID, projectID string) (*domain.Project, error) {
	return s.ownedProject(userID, projectID)
}

// ListItems returns one page of the caller's project items.
func (s *EstimateService) ListItems(userID, projectID string, limit, offset int) ([]*domain.LineItem, int, error) {
	if _, err := s.ownedProject(userID, projectID); err != nil {
		return nil, 0, err
	}
	items, err := s.items.ListByProject(projectID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.items.CountByProject(projectID)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// instructionsFromPayload lowers a JSON-mode payload to action strings so
// both response formats flow through the one mutation path.
func instructionsFromPayload(payload *normalize.EstimatePayload) []string {
	var out []string
	for _, item := range payload.Items {
		out = append(out, itemInstruction(item, ""))
		for _, sub := range item.SubItems {
			out = append(out, itemInstruction(sub, item.Description))
		}
	}
	return out
}

func itemInstruction(item normalize.EstimateItem, parent string) string {
	attrs := actions.AttrMap{
		"description": actions.String(item.Description),
		"quantity":    actions.Number(item.Quantity),
		"unit_price":  actions.Number(item.UnitPrice),
	}
	if item.Title != "" {
		attrs["title"] = actions.String(item.Title)
	}
	if item.Amount != 0 {
		attrs["amount"] = actions.Number(item.Amount)
	}
	if item.CostType != "" {
		attrs["cost_type"] = actions.String(item.CostType)
	}
	if item.UnitType != "" {
		attrs["unit_type"] = actions.String(item.UnitType)
	}
	if parent != "" {
		attrs["parent"] = actions.String(parent)
	}
	return "+ " + actions.Serialize(attrs)
}

func currencyOr(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

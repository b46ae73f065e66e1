package service

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/costline/costline/internal/config"
	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/engine"
	"github.com/costline/costline/internal/llm"
	"github.com/costline/costline/internal/repository"
	"github.com/costline/costline/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	responses []string
	calls     int
	err       error
	prompts   []string
}

func (p *scriptedProvider) Generate(ctx context.Context, req llm.Request) (string, error) {
	p.prompts = append(p.prompts, req.Prompt)
	if p.err != nil {
		return "", p.err
	}
	resp := p.responses[p.calls%len(p.responses)]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) GenerateStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	text, err := p.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{Text: text}
	close(ch)
	return ch, nil
}

func testConfig() *config.Config {
	return &config.Config{
		LLM:   config.LLMConfig{Temperature: 0.2},
		Agent: config.AgentConfig{DefaultCurrency: "USD", ItemContextLimit: 300},
	}
}

func newTestService(t *testing.T, provider llm.Provider) (*EstimateService, *repository.ItemRepository, *repository.ConversationRepository) {
	return newTestServiceWithConfig(t, testConfig(), provider)
}

func newTestServiceWithConfig(t *testing.T, cfg *config.Config, provider llm.Provider) (*EstimateService, *repository.ItemRepository, *repository.ConversationRepository) {
	t.Helper()

	db, err := repository.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	projects := repository.NewProjectRepository(db)
	items := repository.NewItemRepository(db)
	convs := repository.NewConversationRepository(db)
	eng := engine.New(items, zap.NewNop())

	svc := NewEstimateService(cfg, projects, items, convs, eng, provider, zap.NewNop())
	return svc, items, convs
}

const deckResponse = `<estimate><project_title>Deck Build</project_title><currency>USD</currency><actions>` +
	`<action>+ description='Decking boards', quantity=100, unit_price=12, amount=1200, cost_type='material', unit_type='unit'</action>` +
	`<action>+ description='Carpenter labor', quantity=16, unit_price=50</action>` +
	`</actions></estimate>`

func TestGenerate_CreatesProjectAndItems(t *testing.T) {
	provider := &scriptedProvider{responses: []string{deckResponse}}
	svc, items, _ := newTestService(t, provider)

	result, err := svc.Generate(context.Background(), "alice", GenerateRequest{
		Prompt: "build me a deck estimate",
	})
	require.NoError(t, err)

	assert.Equal(t, "Deck Build", result.ProjectTitle)
	assert.Equal(t, "USD", result.Currency)
	assert.Equal(t, 2, result.ItemsAdded)
	assert.Empty(t, result.Errors)
	require.NotEmpty(t, result.ProjectID)

	got, err := items.ListByProject(result.ProjectID, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, float64(1200), got[0].Amount)
	assert.Equal(t, float64(800), got[1].Amount, "derived from quantity * unit price")
}

func TestGenerate_LogsConversation(t *testing.T) {
	provider := &scriptedProvider{responses: []string{deckResponse}}
	svc, _, convs := newTestService(t, provider)

	result, err := svc.Generate(context.Background(), "alice", GenerateRequest{Prompt: "deck"})
	require.NoError(t, err)

	conv, err := convs.GetOrCreate(result.ProjectID, "alice")
	require.NoError(t, err)
	messages, err := convs.ListMessages(conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "deck", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Role)
}

func TestGenerate_ProjectDetailsFlowIntoPrompt(t *testing.T) {
	provider := &scriptedProvider{responses: []string{deckResponse}}
	svc, _, _ := newTestService(t, provider)

	_, err := svc.Generate(context.Background(), "alice", GenerateRequest{
		ProjectDetails: &domain.ProjectDetails{
			Title:       "Garage Conversion",
			Description: "convert garage to office",
			Scope:       "electrics, insulation",
		},
	})
	require.NoError(t, err)

	require.Len(t, provider.prompts, 1)
	assert.Contains(t, provider.prompts[0], "Garage Conversion")
	assert.Contains(t, provider.prompts[0], "electrics, insulation")
}

func TestGenerate_RequiresPromptOrDetails(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedProvider{responses: []string{deckResponse}})

	_, err := svc.Generate(context.Background(), "alice", GenerateRequest{})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestPrompt_EditsExistingProject(t *testing.T) {
	provider := &scriptedProvider{responses: []string{deckResponse}}
	svc, items, _ := newTestService(t, provider)

	created, err := svc.Generate(context.Background(), "alice", GenerateRequest{Prompt: "deck"})
	require.NoError(t, err)

	existing, err := items.ListByProject(created.ProjectID, 10, 0)
	require.NoError(t, err)
	require.Len(t, existing, 2)

	provider.responses = []string{
		`<estimate><actions><action>+ ID:` + itoa(existing[0].ID) + `, cost_type=equipment</action></actions></estimate>`,
	}
	edited, err := svc.Prompt(context.Background(), "alice", GenerateRequest{
		ProjectID: created.ProjectID,
		Prompt:    "reclassify the boards",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, edited.ItemsUpdated)
	assert.Equal(t, 0, edited.ItemsAdded)

	got, err := items.Get(created.ProjectID, existing[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CostTypeEquipment, got.CostType)
	assert.Equal(t, "Decking boards", got.Description, "other fields untouched")

	assert.Contains(t, provider.prompts[1], "ID:"+itoa(existing[0].ID), "existing items folded into prompt")
}

func TestPrompt_RequiresProjectID(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedProvider{responses: []string{deckResponse}})

	_, err := svc.Prompt(context.Background(), "alice", GenerateRequest{Prompt: "edit"})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestGenerate_ForbidsCrossTenantAccess(t *testing.T) {
	provider := &scriptedProvider{responses: []string{deckResponse}}
	svc, _, _ := newTestService(t, provider)

	created, err := svc.Generate(context.Background(), "alice", GenerateRequest{Prompt: "deck"})
	require.NoError(t, err)

	_, err = svc.Prompt(context.Background(), "mallory", GenerateRequest{
		ProjectID: created.ProjectID,
		Prompt:    "drain it",
	})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.GetProject("mallory", created.ProjectID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestRangeAction_UpdatesItemsInRange(t *testing.T) {
	provider := &scriptedProvider{responses: []string{deckResponse}}
	svc, items, _ := newTestService(t, provider)

	created, err := svc.Generate(context.Background(), "alice", GenerateRequest{Prompt: "deck"})
	require.NoError(t, err)
	existing, err := items.ListByProject(created.ProjectID, 10, 0)
	require.NoError(t, err)

	provider.responses = []string{
		`<estimate><actions>` +
			`<action>+ ID:` + itoa(existing[0].ID) + `, status=active</action>` +
			`<action>+ ID:` + itoa(existing[1].ID) + `, status=active</action>` +
			`</actions></estimate>`,
	}
	result, err := svc.RangeAction(context.Background(), "alice", RangeActionRequest{
		ProjectID:   created.ProjectID,
		StartItemID: existing[0].ID,
		EndItemID:   existing[1].ID,
		Prompt:      "mark everything active",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.ItemsUpdated)

	rangePrompt := provider.prompts[len(provider.prompts)-1]
	assert.Contains(t, rangePrompt, "mark everything active")
	assert.Contains(t, rangePrompt, existing[0].Description)
}

func TestRangeAction_TargetsBeyondContextWindow(t *testing.T) {
	provider := &scriptedProvider{responses: []string{deckResponse}}
	cfg := testConfig()
	cfg.Agent.ItemContextLimit = 1
	svc, items, _ := newTestServiceWithConfig(t, cfg, provider)

	created, err := svc.Generate(context.Background(), "alice", GenerateRequest{Prompt: "deck"})
	require.NoError(t, err)
	existing, err := items.ListByProject(created.ProjectID, 10, 0)
	require.NoError(t, err)
	require.Len(t, existing, 2)

	provider.responses = []string{
		`<estimate><actions>` +
			`<action>+ ID:` + itoa(existing[0].ID) + `, status=active</action>` +
			`<action>+ ID:` + itoa(existing[1].ID) + `, status=active</action>` +
			`</actions></estimate>`,
	}
	result, err := svc.RangeAction(context.Background(), "alice", RangeActionRequest{
		ProjectID:   created.ProjectID,
		StartItemID: existing[0].ID,
		EndItemID:   existing[1].ID,
		Prompt:      "mark everything active",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.ItemsUpdated)

	rangePrompt := provider.prompts[len(provider.prompts)-1]
	assert.Contains(t, rangePrompt, existing[1].Description,
		"range selection is not bounded by the item context window")
}

func TestRangeAction_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, &scriptedProvider{responses: []string{deckResponse}})

	_, err := svc.RangeAction(context.Background(), "alice", RangeActionRequest{Prompt: "x"})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = svc.RangeAction(context.Background(), "alice", RangeActionRequest{
		ProjectID: "p", Prompt: "x", StartItemID: 5, EndItemID: 2,
	})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestGenerate_JSONFormat(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`{"projectTitle": "Fence Job", "currency": "EUR", "totalAmount": 900, "items": [
			{"title": "Posts", "description": "Fence posts", "quantity": 10, "unitPrice": 30, "costType": "material"},
			{"description": "Post installation", "quantity": 10, "unitPrice": 60, "costType": "labor",
			 "subItems": [{"description": "Concrete footing", "quantity": 10, "unitPrice": 8}]}
		]}`,
	}}
	svc, items, _ := newTestService(t, provider)

	result, err := svc.Generate(context.Background(), "alice", GenerateRequest{
		Prompt: "fence",
		Format: "json",
	})
	require.NoError(t, err)
	assert.Equal(t, "Fence Job", result.ProjectTitle)
	assert.Equal(t, "EUR", result.Currency)
	assert.Equal(t, 3, result.ItemsAdded)

	got, err := items.ListByProject(result.ProjectID, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	var sub *domain.LineItem
	for _, item := range got {
		if item.Description == "Concrete footing" {
			sub = item
		}
	}
	require.NotNil(t, sub)
	assert.True(t, sub.IsSubItem)
	require.NotNil(t, sub.ParentItemID)
}

func TestGenerate_MalformedActionsPartialSuccess(t *testing.T) {
	provider := &scriptedProvider{responses: []string{
		`<estimate><actions>` +
			`<action>+ description='Good item', quantity=1, unit_price=10</action>` +
			`<action>this is not an instruction</action>` +
			`</actions></estimate>`,
	}}
	svc, _, _ := newTestService(t, provider)

	result, err := svc.Generate(context.Background(), "alice", GenerateRequest{Prompt: "x"})
	require.NoError(t, err, "partial success is still a success")
	assert.Equal(t, 1, result.ItemsAdded)
	require.Len(t, result.Errors, 1)
}

func TestGenerate_UnparseableResponseFails(t *testing.T) {
	provider := &scriptedProvider{responses: []string{"Sorry, I cannot produce an estimate."}}
	svc, _, _ := newTestService(t, provider)

	_, err := svc.Generate(context.Background(), "alice", GenerateRequest{Prompt: "x"})
	assert.Equal(t, domain.KindParse, domain.KindOf(err))
}

func TestListItems_Pagination(t *testing.T) {
	provider := &scriptedProvider{responses: []string{deckResponse}}
	svc, _, _ := newTestService(t, provider)

	created, err := svc.Generate(context.Background(), "alice", GenerateRequest{Prompt: "deck"})
	require.NoError(t, err)

	page, total, err := svc.ListItems("alice", created.ProjectID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)

	_, _, err = svc.ListItems("alice", "missing", 10, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// gatedProvider streams its first fragment, then blocks on the gate
// before sending the rest. Like a real provider stream it aborts when
// its context is cancelled while it waits.
type gatedProvider struct {
	parts []string
	gate  chan struct{}
}

func (p *gatedProvider) Generate(ctx context.Context, req llm.Request) (string, error) {
	return strings.Join(p.parts, ""), nil
}

func (p *gatedProvider) GenerateStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, len(p.parts)+1)
	go func() {
		defer close(ch)
		ch <- llm.Chunk{Text: p.parts[0]}
		<-p.gate
		if ctx.Err() != nil {
			ch <- llm.Chunk{Err: domain.NewError(domain.KindUnknown, "generation aborted", ctx.Err())}
			return
		}
		for _, part := range p.parts[1:] {
			ch <- llm.Chunk{Text: part}
		}
	}()
	return ch, nil
}

func TestGenerateStream_SurvivesClientDisconnect(t *testing.T) {
	provider := &gatedProvider{
		parts: []string{deckResponse[:40], deckResponse[40:]},
		gate:  make(chan struct{}),
	}
	svc, items, _ := newTestService(t, provider)

	rec := httptest.NewRecorder()
	sess, err := stream.NewSession("conn-1", "alice", rec, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.GenerateStream(ctx, "alice", GenerateRequest{Prompt: "deck"}, sess)
	}()

	// The client goes away mid-generation. The run must still finish and
	// its mutations must still land; only the writes are discarded.
	cancel()
	close(provider.gate)
	require.NoError(t, <-done)

	lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n")
	var last domain.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	require.Equal(t, domain.EventComplete, last.Type)

	data, ok := last.Data.(map[string]any)
	require.True(t, ok)
	projectID, _ := data["projectId"].(string)
	require.NotEmpty(t, projectID)

	got, err := items.ListByProject(projectID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

package generation

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"github.com/ashwinyue/next-chatlog/internal/pkg/logger"
	"github.com/ashwinyue/next-chatlog/internal/repository"
	"github.com/ashwinyue/next-chatlog/internal/service/rollup"
	"github.com/ashwinyue/next-chatlog/internal/testutil"
)

const testDay int64 = 1768435200 // 2026-01-15T00:00:00Z

func newTestService(t *testing.T) (*Service, *rollup.Engine, *repository.Repositories, *rollup.MemoryQueue) {
	t.Helper()
	repos := repository.NewRepositories(testutil.OpenTestDB(t))
	queue := rollup.NewMemoryQueue()
	engine := rollup.NewEngine(repos, queue, logger.Nop(), 2)
	return NewService(repos, engine, logger.Nop()), engine, repos, queue
}

func costUsage(cost string) datatypes.JSON {
	return datatypes.JSON(`{"cost": ` + cost + `, "prompt_tokens": 10}`)
}

func TestRecordEmbeddingBatch_IncrementalRollup(t *testing.T) {
	svc, _, repos, _ := newTestService(t)
	ctx := context.Background()
	chatA := "chat-a"

	batch := func(costs ...string) *EmbeddingBatch {
		b := &EmbeddingBatch{UserID: "user-1", Type: "knowledge", ModelID: "emb-1"}
		for _, c := range costs {
			b.Items = append(b.Items, EmbeddingInput{ChatID: &chatA, Usage: costUsage(c), CreatedAt: testDay + 10})
		}
		return b
	}

	if _, err := svc.RecordEmbeddingBatch(ctx, batch("0.01")); err != nil {
		t.Fatalf("RecordEmbeddingBatch() error = %v", err)
	}
	events, err := svc.RecordEmbeddingBatch(ctx, batch("0.01", "0.01"))
	if err != nil {
		t.Fatalf("RecordEmbeddingBatch() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if !events[0].Cost.Valid || events[0].InputTokens == nil || *events[0].InputTokens != 10 {
		t.Errorf("derived fields missing on event: %+v", events[0])
	}

	key := model.RollupKey{UserID: "user-1", Date: "2026-01-15", Category: "knowledge", ModelID: "emb-1", ModelType: "embedding"}
	row, err := repos.Rollup.GetEmbeddingRollup(ctx, rollup.RowID(key))
	if err != nil {
		t.Fatalf("GetEmbeddingRollup() error = %v", err)
	}
	if row.TaskCount != 3 || !row.TotalCost.Equal(decimal.RequireFromString("0.03")) {
		t.Errorf("rollup = count %d cost %s, want 3 / 0.03", row.TaskCount, row.TotalCost)
	}
	if row.TotalInputTokens != 30 {
		t.Errorf("TotalInputTokens = %d, want 30", row.TotalInputTokens)
	}
}

func TestRecordEmbeddingBatch_DefersAfterRecompute(t *testing.T) {
	svc, engine, repos, queue := newTestService(t)
	ctx := context.Background()
	b := &EmbeddingBatch{UserID: "user-1", Type: "knowledge", ModelID: "emb-1",
		Items: []EmbeddingInput{{Usage: costUsage("0.01"), CreatedAt: testDay}}}

	if _, err := svc.RecordEmbeddingBatch(ctx, b); err != nil {
		t.Fatalf("RecordEmbeddingBatch() error = %v", err)
	}
	key := model.RollupKey{UserID: "user-1", Date: "2026-01-15", Category: "knowledge", ModelID: "emb-1", ModelType: "embedding"}
	if err := engine.RecomputeEmbedding(ctx, key); err != nil {
		t.Fatalf("RecomputeEmbedding() error = %v", err)
	}

	if _, err := svc.RecordEmbeddingBatch(ctx, b); err != nil {
		t.Fatalf("RecordEmbeddingBatch() error = %v", err)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected deferred key, queue len = %d", queue.Len())
	}

	var count int64
	repos.DB.Model(&model.EmbeddingGeneration{}).Count(&count)
	if count != 2 {
		t.Errorf("events must be kept when the rollup is deferred, got %d", count)
	}

	if _, err := engine.Reconcile(ctx, 10); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	row, _ := repos.Rollup.GetEmbeddingRollup(ctx, rollup.RowID(key))
	if row.TaskCount != 2 || !row.TotalCost.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("rollup = count %d cost %s, want 2 / 0.02", row.TaskCount, row.TotalCost)
	}
}

func TestRecordTask(t *testing.T) {
	svc, engine, repos, queue := newTestService(t)
	ctx := context.Background()

	first, err := svc.RecordTask(ctx, &TaskInput{
		UserID: "user-1", Category: "title", ModelID: "gpt-4o-mini",
		Prompt: "Generate a title\r\n", Success: true, Response: "Hello",
		Usage:     datatypes.JSON(`{"estimates": {"input_cost": 0.001, "output_cost": 0.002}, "completion_tokens": 4}`),
		CreatedAt: testDay + 5,
	})
	if err != nil {
		t.Fatalf("RecordTask() error = %v", err)
	}
	second, err := svc.RecordTask(ctx, &TaskInput{
		UserID: "user-1", Category: "title", ModelID: "gpt-4o-mini",
		Prompt: "Generate a title  ", CreatedAt: testDay + 6,
	})
	if err != nil {
		t.Fatalf("RecordTask() error = %v", err)
	}

	if first.PromptTemplateID == nil || second.PromptTemplateID == nil || *first.PromptTemplateID != *second.PromptTemplateID {
		t.Errorf("expected normalized prompts to share a template")
	}
	var templates int64
	repos.DB.Model(&model.PromptTemplate{}).Count(&templates)
	if templates != 1 {
		t.Errorf("expected 1 prompt template, got %d", templates)
	}
	if !first.Cost.Valid || !first.Cost.Decimal.Equal(decimal.RequireFromString("0.003")) {
		t.Errorf("Cost = %v, want 0.003", first.Cost)
	}
	if queue.Len() != 1 {
		t.Errorf("expected one deferred key, got %d", queue.Len())
	}

	if _, err := engine.Reconcile(ctx, 10); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	totals, err := engine.SumTaskRollups(ctx, repository.RollupQuery{UserID: "user-1", Category: "title"})
	if err != nil {
		t.Fatalf("SumTaskRollups() error = %v", err)
	}
	if totals.TaskCount != 2 || totals.TotalOutputTokens != 4 {
		t.Errorf("totals = %+v", totals)
	}
}

func TestGetTask_IncludesPromptTemplate(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	withPrompt, err := svc.RecordTask(ctx, &TaskInput{
		UserID: "user-1", Category: "tags", ModelID: "m", Prompt: "Suggest tags", CreatedAt: testDay,
	})
	if err != nil {
		t.Fatalf("RecordTask() error = %v", err)
	}
	detail, err := svc.GetTask(ctx, withPrompt.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if detail.PromptTemplate == nil || detail.PromptTemplate.Content != "Suggest tags" {
		t.Errorf("expected prompt template, got %+v", detail.PromptTemplate)
	}

	bare, err := svc.RecordTask(ctx, &TaskInput{UserID: "user-1", Category: "tags", ModelID: "m", CreatedAt: testDay})
	if err != nil {
		t.Fatalf("RecordTask() error = %v", err)
	}
	detail, err = svc.GetTask(ctx, bare.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if detail.PromptTemplate != nil {
		t.Errorf("expected no prompt template, got %+v", detail.PromptTemplate)
	}

	if _, err := svc.GetTask(ctx, "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordEmbedding_DefersRollup(t *testing.T) {
	svc, engine, _, queue := newTestService(t)
	ctx := context.Background()

	ev, err := svc.RecordEmbedding(ctx, &EmbeddingRecord{
		UserID: "user-1", Type: "query", ModelID: "emb-1",
		EmbeddingInput: EmbeddingInput{Usage: costUsage("0.004"), CreatedAt: testDay + 1},
	})
	if err != nil {
		t.Fatalf("RecordEmbedding() error = %v", err)
	}
	if ev.ModelType != "embedding" || ev.InputTokens == nil || *ev.InputTokens != 10 {
		t.Errorf("unexpected event %+v", ev)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected one deferred key, got %d", queue.Len())
	}

	if _, err := engine.Reconcile(ctx, 10); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	rows, err := engine.ListEmbeddingRollups(ctx, repository.RollupQuery{UserID: "user-1", Category: "query"})
	if err != nil {
		t.Fatalf("ListEmbeddingRollups() error = %v", err)
	}
	if len(rows) != 1 || rows[0].TaskCount != 1 || !rows[0].TotalCost.Equal(decimal.RequireFromString("0.004")) {
		t.Errorf("unexpected rollups %+v", rows)
	}

	if _, err := svc.RecordEmbedding(ctx, &EmbeddingRecord{UserID: "user-1"}); !errors.Is(err, errs.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestRecordTask_Validation(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	tests := []struct {
		name string
		in   *TaskInput
	}{
		{name: "missing user", in: &TaskInput{Category: "title", ModelID: "m"}},
		{name: "missing model", in: &TaskInput{UserID: "u", Category: "title"}},
		{name: "reserved category", in: &TaskInput{UserID: "u", Category: model.CategoryChatMessage, ModelID: "m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RecordTask(context.Background(), tt.in)
			if !errors.Is(err, errs.ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestPromptHash(t *testing.T) {
	if PromptHash("a\r\nb  \n") != PromptHash("a\nb") {
		t.Error("expected normalized prompts to hash equally")
	}
	if PromptHash("a") == PromptHash("b") {
		t.Error("expected different prompts to differ")
	}
}

package rollup

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"github.com/ashwinyue/next-chatlog/internal/pkg/logger"
	"github.com/ashwinyue/next-chatlog/internal/repository"
	"github.com/ashwinyue/next-chatlog/internal/testutil"
)

const testDate = "2026-01-15"

func newTestEngine(t *testing.T) (*Engine, *repository.Repositories, *MemoryQueue) {
	t.Helper()
	repos := repository.NewRepositories(testutil.OpenTestDB(t))
	queue := NewMemoryQueue()
	return NewEngine(repos, queue, logger.Nop(), 2), repos, queue
}

func embeddingKey() model.RollupKey {
	return model.RollupKey{
		UserID:    "user-1",
		Date:      testDate,
		Category:  "knowledge",
		ModelID:   "text-embedding-3-small",
		ModelType: "embedding",
	}
}

func dayStart(t *testing.T) int64 {
	t.Helper()
	start, _, err := model.DayWindow(testDate)
	if err != nil {
		t.Fatalf("DayWindow() error = %v", err)
	}
	return start
}

func ptr[T any](v T) *T { return &v }

func seedEmbeddings(t *testing.T, repos *repository.Repositories, key model.RollupKey, costs ...string) {
	t.Helper()
	start := dayStart(t)
	events := make([]*model.EmbeddingGeneration, 0, len(costs))
	for i, c := range costs {
		events = append(events, &model.EmbeddingGeneration{
			ID:          uuid.NewString(),
			UserID:      key.UserID,
			ChatID:      ptr("chat-" + string(rune('a'+i%2))),
			Type:        key.Category,
			ModelID:     key.ModelID,
			ModelType:   key.ModelType,
			InputTokens: ptr(int64(100)),
			Cost:        decimal.NewNullDecimal(decimal.RequireFromString(c)),
			CreatedAt:   start + int64(i*60),
		})
	}
	if err := repos.Generation.CreateEmbeddings(context.Background(), events); err != nil {
		t.Fatalf("CreateEmbeddings() error = %v", err)
	}
}

func TestRowID(t *testing.T) {
	a := RowID(embeddingKey())
	if a != RowID(embeddingKey()) {
		t.Fatal("RowID is not deterministic")
	}
	other := embeddingKey()
	other.ModelType = "chat"
	if a == RowID(other) {
		t.Fatal("RowID collides for different keys")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestUpsertEmbeddingDelta_Accumulates(t *testing.T) {
	e, repos, _ := newTestEngine(t)
	ctx := context.Background()
	key := embeddingKey()

	if err := e.UpsertEmbeddingDelta(ctx, key, Delta{Count: 1, Cost: decimal.RequireFromString("0.01")}); err != nil {
		t.Fatalf("UpsertEmbeddingDelta() error = %v", err)
	}
	if err := e.UpsertEmbeddingDelta(ctx, key, Delta{Count: 2, Cost: decimal.RequireFromString("0.02")}); err != nil {
		t.Fatalf("UpsertEmbeddingDelta() error = %v", err)
	}

	row, err := repos.Rollup.GetEmbeddingRollup(ctx, RowID(key))
	if err != nil {
		t.Fatalf("GetEmbeddingRollup() error = %v", err)
	}
	if row.TaskCount != 3 {
		t.Errorf("TaskCount = %d, want 3", row.TaskCount)
	}
	if !row.TotalCost.Equal(decimal.RequireFromString("0.03")) {
		t.Errorf("TotalCost = %s, want 0.03", row.TotalCost)
	}
	if row.UpdateMode != model.UpdateModeIncremental {
		t.Errorf("UpdateMode = %s, want incremental", row.UpdateMode)
	}
}

func TestUpsertEmbeddingDelta_ConcurrentWriters(t *testing.T) {
	e, repos, _ := newTestEngine(t)
	ctx := context.Background()
	key := embeddingKey()

	const writers = 10
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- e.UpsertEmbeddingDelta(ctx, key, Delta{Count: 1, Cost: decimal.RequireFromString("0.01"), InputTokens: 5})
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("UpsertEmbeddingDelta() error = %v", err)
		}
	}

	row, err := repos.Rollup.GetEmbeddingRollup(ctx, RowID(key))
	if err != nil {
		t.Fatalf("GetEmbeddingRollup() error = %v", err)
	}
	if row.TaskCount != writers || row.TotalInputTokens != 5*writers {
		t.Errorf("lost updates: count=%d tokens=%d", row.TaskCount, row.TotalInputTokens)
	}
	if !row.TotalCost.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("TotalCost = %s, want 0.1", row.TotalCost)
	}
}

func TestUpsertDelta_InvalidKey(t *testing.T) {
	e, _, _ := newTestEngine(t)
	key := embeddingKey()
	key.Date = "15/01/2026"

	err := e.UpsertTaskDelta(context.Background(), key, Delta{Count: 1})
	if !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestRecomputeEmbedding_OverwritesAndIsIdempotent(t *testing.T) {
	e, repos, _ := newTestEngine(t)
	ctx := context.Background()
	key := embeddingKey()

	// 先有一个偏大的增量行，重算应覆盖而不是累加
	if err := e.UpsertEmbeddingDelta(ctx, key, Delta{Count: 10, Cost: decimal.RequireFromString("1")}); err != nil {
		t.Fatalf("UpsertEmbeddingDelta() error = %v", err)
	}
	seedEmbeddings(t, repos, key, "0.01", "0.02", "0.03")

	for i := 0; i < 2; i++ {
		if err := e.RecomputeEmbedding(ctx, key); err != nil {
			t.Fatalf("RecomputeEmbedding() error = %v", err)
		}
		row, err := repos.Rollup.GetEmbeddingRollup(ctx, RowID(key))
		if err != nil {
			t.Fatalf("GetEmbeddingRollup() error = %v", err)
		}
		if row.TaskCount != 3 {
			t.Errorf("run %d: TaskCount = %d, want 3", i, row.TaskCount)
		}
		if !row.TotalCost.Equal(decimal.RequireFromString("0.06")) {
			t.Errorf("run %d: TotalCost = %s, want 0.06", i, row.TotalCost)
		}
		if row.TotalInputTokens != 300 {
			t.Errorf("run %d: TotalInputTokens = %d, want 300", i, row.TotalInputTokens)
		}
		if row.DistinctChatCount != 2 {
			t.Errorf("run %d: DistinctChatCount = %d, want 2", i, row.DistinctChatCount)
		}
		if row.UpdateMode != model.UpdateModeRecompute {
			t.Errorf("run %d: UpdateMode = %s, want recompute", i, row.UpdateMode)
		}
	}
}

func TestRecompute_NoEventsLeavesRowUnchanged(t *testing.T) {
	e, repos, _ := newTestEngine(t)
	ctx := context.Background()
	key := embeddingKey()

	if err := e.UpsertEmbeddingDelta(ctx, key, Delta{Count: 4, Cost: decimal.RequireFromString("0.4")}); err != nil {
		t.Fatalf("UpsertEmbeddingDelta() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := e.RecomputeEmbedding(ctx, key); err != nil {
			t.Fatalf("RecomputeEmbedding() error = %v", err)
		}
	}

	row, err := repos.Rollup.GetEmbeddingRollup(ctx, RowID(key))
	if err != nil {
		t.Fatalf("GetEmbeddingRollup() error = %v", err)
	}
	if row.TaskCount != 4 || !row.TotalCost.Equal(decimal.RequireFromString("0.4")) {
		t.Errorf("row changed: count=%d cost=%s", row.TaskCount, row.TotalCost)
	}

	missing := key
	missing.ModelID = "other-model"
	if err := e.RecomputeEmbedding(ctx, missing); err != nil {
		t.Fatalf("RecomputeEmbedding() error = %v", err)
	}
	if _, err := repos.Rollup.GetEmbeddingRollup(ctx, RowID(missing)); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected no row for key without events, got %v", err)
	}
}

func TestUpsertAfterRecompute_ModeConflict(t *testing.T) {
	e, repos, _ := newTestEngine(t)
	ctx := context.Background()
	key := embeddingKey()

	seedEmbeddings(t, repos, key, "0.05")
	if err := e.RecomputeEmbedding(ctx, key); err != nil {
		t.Fatalf("RecomputeEmbedding() error = %v", err)
	}

	err := e.UpsertEmbeddingDelta(ctx, key, Delta{Count: 1, Cost: decimal.RequireFromString("0.01")})
	if !errors.Is(err, errs.ErrModeConflict) {
		t.Fatalf("expected ErrModeConflict, got %v", err)
	}

	row, _ := repos.Rollup.GetEmbeddingRollup(ctx, RowID(key))
	if row.TaskCount != 1 {
		t.Errorf("TaskCount = %d, want 1 (delta must not be applied)", row.TaskCount)
	}
}

func seedChatMessages(t *testing.T, repos *repository.Repositories) {
	t.Helper()
	ctx := context.Background()
	start := dayStart(t)
	chat := &model.Chat{ID: "chat-1", UserID: "user-1", Title: "t", StorageVersion: model.StorageVersionNormalized}
	if err := repos.Chat.CreateChat(ctx, chat); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	msgs := []*model.Message{
		{ID: "m1", ChatID: "chat-1", Position: ptr(0), Role: model.RoleUser, Content: "hi", CreatedAt: start},
		{ID: "m2", ChatID: "chat-1", ParentID: ptr("m1"), Position: ptr(0), Role: model.RoleAssistant, ModelID: "gpt-4o",
			Cost: decimal.NewNullDecimal(decimal.RequireFromString("0.002")), InputTokens: ptr(int64(10)), OutputTokens: ptr(int64(20)),
			ReasoningTokens: ptr(int64(5)), CreatedAt: start + 1},
		{ID: "m3", ChatID: "chat-1", ParentID: ptr("m1"), Position: ptr(1), Role: model.RoleAssistant, ModelID: "gpt-4o",
			Cost: decimal.NewNullDecimal(decimal.RequireFromString("0.003")), InputTokens: ptr(int64(10)), OutputTokens: ptr(int64(30)),
			CreatedAt: start + 2},
	}
	for _, m := range msgs {
		if err := repos.Chat.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage() error = %v", err)
		}
	}
}

func TestRecomputeMessage(t *testing.T) {
	e, repos, _ := newTestEngine(t)
	ctx := context.Background()
	seedChatMessages(t, repos)

	key := model.RollupKey{UserID: "user-1", Date: testDate, ModelID: "gpt-4o"}
	if err := e.RecomputeMessage(ctx, key); err != nil {
		t.Fatalf("RecomputeMessage() error = %v", err)
	}

	key.Category = model.CategoryChatMessage
	key.ModelType = model.ModelTypeChat
	row, err := repos.Rollup.GetTaskRollup(ctx, RowID(key))
	if err != nil {
		t.Fatalf("GetTaskRollup() error = %v", err)
	}
	if row.TaskCount != 2 {
		t.Errorf("TaskCount = %d, want 2", row.TaskCount)
	}
	if !row.TotalCost.Equal(decimal.RequireFromString("0.005")) {
		t.Errorf("TotalCost = %s, want 0.005", row.TotalCost)
	}
	if row.TotalOutputTokens != 50 || row.TotalReasoningTokens != 5 || row.TotalInputTokens != 20 {
		t.Errorf("unexpected tokens: in=%d out=%d reasoning=%d", row.TotalInputTokens, row.TotalOutputTokens, row.TotalReasoningTokens)
	}
	if row.DistinctChatCount != 1 {
		t.Errorf("DistinctChatCount = %d, want 1", row.DistinctChatCount)
	}
}

func TestReconcile(t *testing.T) {
	e, repos, queue := newTestEngine(t)
	ctx := context.Background()
	key := embeddingKey()
	seedEmbeddings(t, repos, key, "0.01", "0.01")

	bad := DirtyKey{Flavor: FlavorTask, RollupKey: model.RollupKey{UserID: "u", Date: "not-a-date", Category: "c", ModelID: "m"}}
	if err := e.Defer(ctx, DirtyKey{Flavor: FlavorEmbedding, RollupKey: key}, bad); err != nil {
		t.Fatalf("Defer() error = %v", err)
	}

	summary, err := e.Reconcile(ctx, 10)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if summary.Keys != 2 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want 2 keys / 1 failed", summary)
	}
	if queue.Len() != 1 {
		t.Errorf("expected failed key to be requeued, queue len = %d", queue.Len())
	}

	row, err := repos.Rollup.GetEmbeddingRollup(ctx, RowID(key))
	if err != nil {
		t.Fatalf("GetEmbeddingRollup() error = %v", err)
	}
	if row.TaskCount != 2 {
		t.Errorf("TaskCount = %d, want 2", row.TaskCount)
	}
}

func TestRecomputeDay(t *testing.T) {
	e, repos, _ := newTestEngine(t)
	ctx := context.Background()
	seedEmbeddings(t, repos, embeddingKey(), "0.01")
	seedChatMessages(t, repos)

	summary, err := e.RecomputeDay(ctx, testDate)
	if err != nil {
		t.Fatalf("RecomputeDay() error = %v", err)
	}
	if summary.Keys != 2 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 2 keys", summary)
	}

	totals, err := e.SumTaskRollups(ctx, repository.RollupQuery{UserID: "user-1", FromDate: testDate, ToDate: testDate})
	if err != nil {
		t.Fatalf("SumTaskRollups() error = %v", err)
	}
	if totals.TaskCount != 2 || !totals.TotalCost.Equal(decimal.RequireFromString("0.005")) {
		t.Errorf("totals = %+v", totals)
	}

	rows, err := e.ListEmbeddingRollups(ctx, repository.RollupQuery{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ListEmbeddingRollups() error = %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 embedding rollup, got %d", len(rows))
	}
}

func TestMemoryQueue_Dedup(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	k := DirtyKey{Flavor: FlavorMessage, RollupKey: embeddingKey()}

	_ = q.Mark(ctx, k, k, k)
	if q.Len() != 1 {
		t.Fatalf("expected 1 key, got %d", q.Len())
	}
	keys, _ := q.Drain(ctx, 5)
	if len(keys) != 1 || keys[0] != k {
		t.Errorf("unexpected drained keys %+v", keys)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue")
	}
}

func TestDirtyKeyEncoding(t *testing.T) {
	k := DirtyKey{Flavor: FlavorTask, RollupKey: embeddingKey()}
	s, err := k.encode()
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	got, err := decodeDirtyKey(s)
	if err != nil {
		t.Fatalf("decodeDirtyKey() error = %v", err)
	}
	if got != k {
		t.Errorf("got %+v, want %+v", got, k)
	}
	if _, err := decodeDirtyKey(`{"flavor":"bogus"}`); err == nil {
		t.Error("expected error for unknown flavor")
	}
}

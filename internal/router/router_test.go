package router

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ashwinyue/next-chatlog/internal/config"
	"github.com/ashwinyue/next-chatlog/internal/database"
	"github.com/ashwinyue/next-chatlog/internal/handler"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"github.com/ashwinyue/next-chatlog/internal/pkg/logger"
	"github.com/ashwinyue/next-chatlog/internal/repository"
	"github.com/ashwinyue/next-chatlog/internal/service"
	"github.com/ashwinyue/next-chatlog/internal/testutil"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *repository.Repositories) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.OpenTestDB(t)
	repos := repository.NewRepositories(db)
	cfg := &config.Config{
		Storage:   config.StorageConfig{Type: "local", BasePath: t.TempDir(), URLPrefix: "/files"},
		Rollup:    config.RollupConfig{Concurrency: 2, ReconcileBatch: 100},
		Migration: config.MigrationConfig{BatchSize: 10},
	}
	svc, err := service.NewServices(repos, cfg, nil, logger.Nop())
	if err != nil {
		t.Fatalf("NewServices() error = %v", err)
	}
	return SetupRouter(handler.NewHandlers(svc), &database.DB{DB: db}, logger.Nop()), repos
}

func TestRouter_MessageFlow(t *testing.T) {
	r, _ := setupTestRouter(t)
	a := testutil.NewAssertHelper(t)

	w := testutil.Do(t, r, http.MethodPost, "/api/v1/chats", map[string]string{"user_id": "user-1"})
	a.Equal(http.StatusCreated, w.Code, w.Body.String())
	var chat model.Chat
	testutil.DecodeData(t, w, &chat)

	w = testutil.Do(t, r, http.MethodPost, "/api/v1/chats/"+chat.ID+"/messages", map[string]interface{}{
		"role": "user", "content": "hello",
	})
	a.Equal(http.StatusCreated, w.Code, w.Body.String())
	var root model.Message
	testutil.DecodeData(t, w, &root)

	w = testutil.Do(t, r, http.MethodPost, "/api/v1/chats/"+chat.ID+"/messages", map[string]interface{}{
		"parent_id":     root.ID,
		"role":          "assistant",
		"model_id":      "gpt-4o",
		"usage":         map[string]interface{}{"prompt_tokens": 5, "completion_tokens": 6, "cost": 0.004},
		"update_rollup": true,
	})
	a.Equal(http.StatusCreated, w.Code, w.Body.String())
	var reply model.Message
	testutil.DecodeData(t, w, &reply)
	a.True(reply.Cost.Valid, "cost derived from usage")

	w = testutil.Do(t, r, http.MethodGet, "/api/v1/chats/"+chat.ID+"/messages/"+reply.ID+"/branch", nil)
	a.Equal(http.StatusOK, w.Code, w.Body.String())
	var branch struct {
		Messages []model.Message `json:"messages"`
	}
	testutil.DecodeData(t, w, &branch)
	a.Equal(2, len(branch.Messages))
	a.Equal(root.ID, branch.Messages[0].ID)

	w = testutil.Do(t, r, http.MethodGet, "/api/v1/rollups/tasks?user_id=user-1", nil)
	a.Equal(http.StatusOK, w.Code, w.Body.String())
	var rollups struct {
		Items []model.TaskDailyRollup `json:"items"`
	}
	testutil.DecodeData(t, w, &rollups)
	a.Equal(1, len(rollups.Items))
	a.Equal(model.CategoryChatMessage, rollups.Items[0].Category)
	a.Equal(int64(6), rollups.Items[0].TotalOutputTokens)

	w = testutil.Do(t, r, http.MethodPost, "/api/v1/messages/batch", map[string]interface{}{
		"ids": []string{reply.ID, root.ID},
	})
	a.Equal(http.StatusOK, w.Code, w.Body.String())
}

func TestRouter_ErrorMapping(t *testing.T) {
	r, repos := setupTestRouter(t)
	chat := testutil.SeedChat(t, repos.DB, "user-1", model.StorageVersionNormalized, "")

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"missing chat", http.MethodGet, "/api/v1/chats/missing", nil, http.StatusNotFound},
		{"existing chat", http.MethodGet, "/api/v1/chats/" + chat.ID, nil, http.StatusOK},
		{"missing role", http.MethodPost, "/api/v1/chats/" + chat.ID + "/messages", map[string]string{"content": "x"}, http.StatusBadRequest},
		{"unknown parent", http.MethodPost, "/api/v1/chats/" + chat.ID + "/messages",
			map[string]string{"role": "user", "parent_id": "nope"}, http.StatusBadRequest},
		{"bad data url", http.MethodPost, "/files/resolve",
			map[string]string{"owner_id": "user-1", "payload": "data:image/png;base64,@@@"}, http.StatusBadRequest},
		{"unknown file category", http.MethodPost, "/files/resolve",
			map[string]string{"owner_id": "user-1", "payload": "data:text/plain;base64,aGVsbG8=", "category": "../etc"}, http.StatusBadRequest},
		{"bad recompute date", http.MethodPost, "/api/v1/rollups/recompute", map[string]string{"date": "15/01/2026"}, http.StatusBadRequest},
		{"reserved task category", http.MethodPost, "/api/v1/generations/tasks",
			map[string]string{"user_id": "user-1", "category": model.CategoryChatMessage, "model_id": "m"}, http.StatusBadRequest},
		{"single embedding", http.MethodPost, "/api/v1/generations/embedding",
			map[string]string{"user_id": "user-1", "type": "query", "model_id": "emb-1"}, http.StatusCreated},
		{"single embedding missing type", http.MethodPost, "/api/v1/generations/embedding",
			map[string]string{"user_id": "user-1", "model_id": "emb-1"}, http.StatusBadRequest},
		{"missing file", http.MethodGet, "/files/missing/content", nil, http.StatusNotFound},
		{"health", http.MethodGet, "/health", nil, http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testutil.Do(t, r, tt.method, tt.path, tt.body)
			testutil.NewAssertHelper(t).Equal(tt.want, w.Code, w.Body.String())
		})
	}
}

func TestRouter_FileRoundTrip(t *testing.T) {
	r, _ := setupTestRouter(t)
	a := testutil.NewAssertHelper(t)

	// "hello" 的 base64
	w := testutil.Do(t, r, http.MethodPost, "/files/resolve", map[string]string{
		"owner_id": "user-1", "payload": "data:text/plain;base64,aGVsbG8=",
	})
	a.Equal(http.StatusOK, w.Code, w.Body.String())
	var out struct {
		URL string `json:"url"`
	}
	testutil.DecodeData(t, w, &out)
	a.Contains(out.URL, "/content")

	w = testutil.Do(t, r, http.MethodGet, out.URL, nil)
	a.Equal(http.StatusOK, w.Code)
	a.Equal("hello", w.Body.String())
	a.Contains(w.Header().Get("Content-Type"), "text/plain")
}

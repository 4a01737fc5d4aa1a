package file

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashwinyue/next-chatlog/internal/errs"
	"github.com/ashwinyue/next-chatlog/internal/model"
	"github.com/ashwinyue/next-chatlog/internal/pkg/logger"
	"github.com/ashwinyue/next-chatlog/internal/repository"
	"github.com/ashwinyue/next-chatlog/internal/testutil"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRfake-image-body")

func dataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func newTestService(t *testing.T) (*Service, *repository.Repositories, string) {
	t.Helper()
	db := testutil.OpenTestDB(t)
	repos := repository.NewRepositories(db)
	base := t.TempDir()
	storage, err := NewLocalStorage(base, "/files")
	if err != nil {
		t.Fatalf("NewLocalStorage() error = %v", err)
	}
	return NewService(repos, storage, StorageTypeLocal, logger.Nop()), repos, base
}

func fileIDFromURL(t *testing.T, ref string) string {
	t.Helper()
	if !strings.HasPrefix(ref, "/files/") || !strings.HasSuffix(ref, "/content") {
		t.Fatalf("unexpected reference %q", ref)
	}
	return strings.TrimSuffix(strings.TrimPrefix(ref, "/files/"), "/content")
}

func TestResolve_DedupAcrossOwners(t *testing.T) {
	svc, repos, base := newTestService(t)
	ctx := context.Background()

	first, err := svc.Resolve(ctx, "user-a", dataURL("image/png", pngBytes))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	second, err := svc.Resolve(ctx, "user-b", dataURL("image/png", pngBytes))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if first != second {
		t.Fatalf("expected same reference, got %q and %q", first, second)
	}

	var count int64
	repos.DB.Model(&model.StoredFile{}).Count(&count)
	if count != 1 {
		t.Errorf("expected 1 stored file, got %d", count)
	}

	stored, err := repos.File.GetByID(ctx, fileIDFromURL(t, first))
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.UserID != "user-a" {
		t.Errorf("expected first owner to keep the row, got %s", stored.UserID)
	}
	if stored.Filename != stored.Hash+".png" {
		t.Errorf("unexpected filename %s", stored.Filename)
	}
	if stored.Path != model.FileCategoryChat+"/"+stored.Filename {
		t.Errorf("unexpected path %s", stored.Path)
	}
	if _, err := os.Stat(filepath.Join(base, stored.Path)); err != nil {
		t.Errorf("expected bytes on disk: %v", err)
	}
}

func TestResolve_DistinctContentType(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	png, err := svc.Resolve(ctx, "user-a", dataURL("image/png", pngBytes))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	jpeg, err := svc.Resolve(ctx, "user-a", dataURL("image/jpeg", pngBytes))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if png == jpeg {
		t.Fatalf("expected distinct files for different content types, got %q", png)
	}
}

func TestResolve_Passthrough(t *testing.T) {
	svc, _, _ := newTestService(t)

	for _, payload := range []string{
		"/files/abc/content",
		"https://example.com/cat.png",
		"data:text/plain,hello",
		"",
	} {
		got, err := svc.Resolve(context.Background(), "user-a", payload)
		if err != nil {
			t.Fatalf("Resolve(%q) error = %v", payload, err)
		}
		if got != payload {
			t.Errorf("Resolve(%q) = %q, want unchanged", payload, got)
		}
	}
}

func TestResolve_DecodeError(t *testing.T) {
	svc, repos, _ := newTestService(t)

	tests := []struct {
		name    string
		payload string
	}{
		{name: "missing comma", payload: "data:image/png;base64"},
		{name: "invalid base64", payload: "data:image/png;base64,!!!not-base64!!!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Resolve(context.Background(), "user-a", tt.payload)
			if !errors.Is(err, errs.ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}

	var count int64
	repos.DB.Model(&model.StoredFile{}).Count(&count)
	if count != 0 {
		t.Errorf("expected no stored files, got %d", count)
	}
}

func TestResolve_DefaultMIME(t *testing.T) {
	svc, repos, _ := newTestService(t)
	ctx := context.Background()

	ref, err := svc.Resolve(ctx, "user-a", "data:;base64,"+base64.StdEncoding.EncodeToString(pngBytes))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	stored, err := repos.File.GetByID(ctx, fileIDFromURL(t, ref))
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.ContentType != "image/png" {
		t.Errorf("expected image/png, got %s", stored.ContentType)
	}
}

func TestResolve_CategoryAndContent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ref, err := svc.Resolve(ctx, "user-a", dataURL("image/png", pngBytes), WithCategory(model.FileCategoryModelImage))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	stored, rc, err := svc.GetFile(ctx, fileIDFromURL(t, ref))
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	defer rc.Close()

	if !strings.HasPrefix(stored.Path, model.FileCategoryModelImage+"/") {
		t.Errorf("expected model-image directory, got %s", stored.Path)
	}
	body, _ := io.ReadAll(rc)
	if string(body) != string(pngBytes) {
		t.Errorf("content mismatch")
	}
}

func TestResolve_RunCache(t *testing.T) {
	svc, repos, _ := newTestService(t)
	ctx := context.Background()
	cache := NewRunCache()

	first, err := svc.Resolve(ctx, "user-a", dataURL("image/png", pngBytes), WithRunCache(cache))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	// 缓存命中时不再访问数据库
	if err := repos.DB.Delete(&model.StoredFile{}, "id = ?", fileIDFromURL(t, first)).Error; err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	second, err := svc.Resolve(ctx, "user-a", dataURL("image/png", pngBytes), WithRunCache(cache))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if first != second {
		t.Errorf("expected cached reference %q, got %q", first, second)
	}
}

func TestResolve_UnknownCategory(t *testing.T) {
	svc, repos, _ := newTestService(t)

	for _, category := range []string{"avatars", "../escape", ""} {
		_, err := svc.Resolve(context.Background(), "user-a", dataURL("image/png", pngBytes), WithCategory(category))
		if !errors.Is(err, errs.ErrInvalid) {
			t.Errorf("category %q: expected ErrInvalid, got %v", category, err)
		}
	}
	var count int64
	repos.DB.Model(&model.StoredFile{}).Count(&count)
	if count != 0 {
		t.Errorf("expected no stored files, got %d", count)
	}
}

// racingStorage 在字节写入后插入同哈希的记录，模拟并发写入者抢先提交
type racingStorage struct {
	Storage
	repos *repository.Repositories
	hash  string
}

func (r racingStorage) Save(ctx context.Context, req *SaveRequest) (string, error) {
	path, err := r.Storage.Save(ctx, req)
	if err != nil {
		return "", err
	}
	err = r.repos.File.Create(ctx, &model.StoredFile{
		ID:          "concurrent-file",
		UserID:      "user-b",
		Hash:        r.hash,
		ContentType: req.ContentType,
		Filename:    "concurrent.png",
		Path:        path,
		StorageType: string(StorageTypeLocal),
	})
	return path, err
}

func TestResolve_ReusesConcurrentlyStoredRow(t *testing.T) {
	db := testutil.OpenTestDB(t)
	repos := repository.NewRepositories(db)
	local, err := NewLocalStorage(t.TempDir(), "/files")
	if err != nil {
		t.Fatalf("NewLocalStorage() error = %v", err)
	}
	sum := sha256.Sum256(pngBytes)
	storage := racingStorage{Storage: local, repos: repos, hash: hex.EncodeToString(sum[:])}
	svc := NewService(repos, storage, StorageTypeLocal, logger.Nop())

	ref, err := svc.Resolve(context.Background(), "user-a", dataURL("image/png", pngBytes))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if ref != "/files/concurrent-file/content" {
		t.Errorf("expected the concurrent writer's row, got %q", ref)
	}
	var count int64
	db.Model(&model.StoredFile{}).Count(&count)
	if count != 1 {
		t.Errorf("expected 1 stored file, got %d", count)
	}
}

type failingStorage struct{ Storage }

func (failingStorage) Save(context.Context, *SaveRequest) (string, error) {
	return "", errors.New("disk full")
}

func TestResolve_StorageFailureLeavesNoRow(t *testing.T) {
	db := testutil.OpenTestDB(t)
	repos := repository.NewRepositories(db)
	svc := NewService(repos, failingStorage{}, StorageTypeLocal, logger.Nop())

	if _, err := svc.Resolve(context.Background(), "user-a", dataURL("image/png", pngBytes)); err == nil {
		t.Fatal("expected error")
	}
	var count int64
	db.Model(&model.StoredFile{}).Count(&count)
	if count != 0 {
		t.Errorf("expected no stored files, got %d", count)
	}
}

func TestLocalStorage_RejectsEscape(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir(), "/files")
	if err != nil {
		t.Fatalf("NewLocalStorage() error = %v", err)
	}
	_, err = storage.Save(context.Background(), &SaveRequest{Path: "../evil", Reader: strings.NewReader("x")})
	if err == nil {
		t.Fatal("expected error for escaping path")
	}
}

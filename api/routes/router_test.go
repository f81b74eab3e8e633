package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fitstream-app/fitstream-backend/api/controllers"
	"github.com/fitstream-app/fitstream-backend/internal/catalog"
	"github.com/fitstream-app/fitstream-backend/internal/transcode"
	"github.com/fitstream-app/fitstream-backend/internal/upload"
	"github.com/fitstream-app/fitstream-backend/pkg/config"
	"github.com/fitstream-app/fitstream-backend/pkg/db/models"
	"github.com/fitstream-app/fitstream-backend/pkg/logger"
	"github.com/fitstream-app/fitstream-backend/pkg/outbox"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error {
	return nil
}

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:routes_test?mode=memory&cache=shared"), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(
		&models.UploadTask{},
		&models.Asset{},
		&models.AssetVariant{},
		&models.TranscodeJob{},
		&models.OutboxEvent{},
	); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	t.Cleanup(func() {
		for _, table := range []string{"outbox_events", "transcode_jobs", "asset_variants", "assets", "upload_tasks"} {
			conn.Exec("DELETE FROM " + table)
		}
	})

	log := logger.New(logger.Options{Output: io.Discard})

	store, err := upload.NewChunkStore(t.TempDir())
	if err != nil {
		t.Fatalf("new chunk store: %v", err)
	}
	uploadService, err := upload.NewService(upload.NewRepository(conn), store, log, nil)
	if err != nil {
		t.Fatalf("new upload service: %v", err)
	}
	catalogService, err := catalog.NewService(
		catalog.NewRepository(conn),
		outbox.NewService(outbox.NewRepository(conn), log),
		gormTxRunner{db: conn},
		nil,
		log,
		config.PipelineConfig{Qualities: []string{"sd", "hd"}, PublishPolicy: config.PublishPolicyAny},
		"/media",
		"fitstream-api-test",
	)
	if err != nil {
		t.Fatalf("new catalog service: %v", err)
	}

	cfg := &config.Config{App: config.AppConfig{Env: "test", Port: "8080"}}
	return NewRouter(
		cfg,
		log,
		map[string]controllers.Pinger{"db": stubPinger{}},
		uploadService,
		catalogService,
		transcode.NewRepository(conn),
		nil,
	)
}

func decodeData(t *testing.T, body io.Reader, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestRouter(t)

	live := httptest.NewRecorder()
	router.ServeHTTP(live, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if live.Code != http.StatusOK {
		t.Fatalf("live status = %d, want %d", live.Code, http.StatusOK)
	}

	ready := httptest.NewRecorder()
	router.ServeHTTP(ready, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if ready.Code != http.StatusOK {
		t.Fatalf("ready status = %d, want %d; body %s", ready.Code, http.StatusOK, ready.Body.String())
	}
}

func TestUploadLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	createBody := `{"filename":"workout.mp4","total_chunks":2,"size_bytes":10}`
	created := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", strings.NewReader(createBody))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(created, req)
	if created.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want %d; body %s", created.Code, http.StatusCreated, created.Body.String())
	}

	var task struct {
		ID             string `json:"id"`
		Status         string `json:"status"`
		TotalChunks    int    `json:"total_chunks"`
		ReceivedChunks int    `json:"received_chunks"`
	}
	decodeData(t, created.Body, &task)
	if task.Status != "receiving" || task.TotalChunks != 2 {
		t.Fatalf("unexpected task after create: %+v", task)
	}

	for index, payload := range []string{"hello", "world"} {
		resp := httptest.NewRecorder()
		put := httptest.NewRequest(
			http.MethodPut,
			fmt.Sprintf("/api/v1/uploads/%s/chunks/%d", task.ID, index),
			bytes.NewReader([]byte(payload)),
		)
		router.ServeHTTP(resp, put)
		if resp.Code != http.StatusOK {
			t.Fatalf("chunk %d status = %d; body %s", index, resp.Code, resp.Body.String())
		}
	}

	var receipt struct {
		ReceivedChunks int  `json:"received_chunks"`
		Complete       bool `json:"complete"`
	}
	last := httptest.NewRecorder()
	router.ServeHTTP(last, httptest.NewRequest(
		http.MethodPut,
		fmt.Sprintf("/api/v1/uploads/%s/chunks/1", task.ID),
		bytes.NewReader([]byte("world")),
	))
	if last.Code != http.StatusOK {
		t.Fatalf("chunk resend status = %d; body %s", last.Code, last.Body.String())
	}
	decodeData(t, last.Body, &receipt)
	if receipt.ReceivedChunks != 2 || !receipt.Complete {
		t.Fatalf("unexpected receipt after resend: %+v", receipt)
	}

	fetched := httptest.NewRecorder()
	router.ServeHTTP(fetched, httptest.NewRequest(http.MethodGet, "/api/v1/uploads/"+task.ID, nil))
	if fetched.Code != http.StatusOK {
		t.Fatalf("get status = %d; body %s", fetched.Code, fetched.Body.String())
	}
	decodeData(t, fetched.Body, &task)
	if task.ReceivedChunks != 2 {
		t.Fatalf("received_chunks = %d, want 2", task.ReceivedChunks)
	}
}

func TestCreateUploadRejectsUnknownFields(t *testing.T) {
	router := newTestRouter(t)

	resp := httptest.NewRecorder()
	req := httptest.NewRequest(
		http.MethodPost,
		"/api/v1/uploads",
		strings.NewReader(`{"filename":"a.mp4","total_chunks":1,"size_bytes":1,"bogus":true}`),
	)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d; body %s", resp.Code, http.StatusBadRequest, resp.Body.String())
	}
}

func TestChunkOutOfRangeReturnsBadRequest(t *testing.T) {
	router := newTestRouter(t)

	createBody := `{"filename":"clip.mp4","total_chunks":1,"size_bytes":5}`
	created := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", strings.NewReader(createBody))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(created, req)
	if created.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body %s", created.Code, created.Body.String())
	}
	var task struct {
		ID string `json:"id"`
	}
	decodeData(t, created.Body, &task)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(
		http.MethodPut,
		"/api/v1/uploads/"+task.ID+"/chunks/5",
		bytes.NewReader([]byte("x")),
	))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d; body %s", resp.Code, http.StatusBadRequest, resp.Body.String())
	}
}

func TestUnknownResourcesReturnNotFound(t *testing.T) {
	router := newTestRouter(t)

	paths := []string{
		"/api/v1/uploads/" + uuid.NewString(),
		"/api/v1/assets/" + uuid.NewString(),
		"/api/v1/jobs/" + uuid.NewString(),
	}
	for _, path := range paths {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusNotFound {
			t.Fatalf("%s status = %d, want %d; body %s", path, resp.Code, http.StatusNotFound, resp.Body.String())
		}
	}
}

func TestListAssetsReturnsEmptyPage(t *testing.T) {
	router := newTestRouter(t)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/assets?limit=10", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", resp.Code, resp.Body.String())
	}
	var page struct {
		Items      []json.RawMessage `json:"items"`
		NextCursor string            `json:"next_cursor"`
	}
	decodeData(t, resp.Body, &page)
	if len(page.Items) != 0 || page.NextCursor != "" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

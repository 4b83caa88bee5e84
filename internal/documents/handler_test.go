package documents_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/shared/storage/object/local"
)

type fakePipeline struct {
	mu          sync.Mutex
	submitted   []string
	resubmitted []string
}

func (f *fakePipeline) Submit(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, id)
	return nil
}

func (f *fakePipeline) Resubmit(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resubmitted = append(f.resubmitted, id)
	return nil
}

func newRouter(t *testing.T) (*gin.Engine, *documents.MemoryRepo, *fakePipeline) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := documents.NewMemoryRepo()
	svc := &documents.Service{Store: local.New(t.TempDir()), Repo: repo}
	pipeline := &fakePipeline{}

	r := gin.New()
	documents.NewHandler(svc, pipeline).RegisterRoutes(r.Group("/api/v1"))
	return r, repo, pipeline
}

func multipartBody(t *testing.T, fields map[string]string, fileName, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if fileName != "" {
		fw, err := writer.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestUploadApplicationAndGet(t *testing.T) {
	router, _, pipeline := newRouter(t)

	body, contentType := multipartBody(t, map[string]string{
		"applicantName":  "Jane Doe",
		"applicantEmail": "jane@example.com",
	}, "application.txt", "Requested amount: 50000")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/applications", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var created documents.DocumentResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Status != documents.StatusUploaded {
		t.Fatalf("expected UPLOADED, got %s", created.Status)
	}
	if len(pipeline.submitted) != 1 || pipeline.submitted[0] != created.ID {
		t.Fatalf("expected upload to be submitted, got %v", pipeline.submitted)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/applications/"+created.ID, nil)
	getResp := httptest.NewRecorder()
	router.ServeHTTP(getResp, getReq)
	if getResp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", getResp.Code)
	}

	wrongKind := httptest.NewRequest(http.MethodGet, "/api/v1/lenders/"+created.ID, nil)
	wrongResp := httptest.NewRecorder()
	router.ServeHTTP(wrongResp, wrongKind)
	if wrongResp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for application fetched as lender, got %d", wrongResp.Code)
	}
}

func TestUploadRequiresFileAndName(t *testing.T) {
	router, _, pipeline := newRouter(t)

	body, contentType := multipartBody(t, map[string]string{"name": "Acme"}, "", "")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/lenders", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without file, got %d", resp.Code)
	}

	body, contentType = multipartBody(t, nil, "policy.txt", "rules")
	req = httptest.NewRequest(http.MethodPost, "/api/v1/lenders", body)
	req.Header.Set("Content-Type", contentType)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without name, got %d", resp.Code)
	}
	if len(pipeline.submitted) != 0 {
		t.Fatalf("expected nothing submitted, got %v", pipeline.submitted)
	}
}

func TestReprocessOnlyFailed(t *testing.T) {
	router, repo, pipeline := newRouter(t)
	ctx := context.Background()

	if err := repo.Create(ctx, documents.Document{ID: "l1", Kind: documents.KindLender, Name: "Acme", Status: documents.StatusCompleted}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, documents.Document{ID: "l2", Kind: documents.KindLender, Name: "Beta", Status: documents.StatusFailed}); err != nil {
		t.Fatalf("create: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/lenders/l1/reprocess", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for completed lender, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/lenders/l2/reprocess", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for failed lender, got %d", resp.Code)
	}
	if len(pipeline.resubmitted) != 1 || pipeline.resubmitted[0] != "l2" {
		t.Fatalf("expected l2 resubmitted, got %v", pipeline.resubmitted)
	}
}

func TestDeleteApplicationRunsCleanup(t *testing.T) {
	gin.SetMode(gin.TestMode)
	repo := documents.NewMemoryRepo()
	var cleaned []string
	svc := &documents.Service{
		Store: local.New(t.TempDir()),
		Repo:  repo,
		OnDelete: func(_ context.Context, doc documents.Document) error {
			cleaned = append(cleaned, doc.ID)
			return nil
		},
	}
	r := gin.New()
	documents.NewHandler(svc, nil).RegisterRoutes(r.Group("/api/v1"))

	if err := repo.Create(context.Background(), documents.Document{ID: "a1", Kind: documents.KindApplication, Name: "Jane", Status: documents.StatusCompleted}); err != nil {
		t.Fatalf("create: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/applications/a1", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if len(cleaned) != 1 || cleaned[0] != "a1" {
		t.Fatalf("expected cleanup for a1, got %v", cleaned)
	}
	if _, err := repo.GetByID(context.Background(), "a1"); err == nil {
		t.Fatalf("expected application to be gone")
	}
}

func TestDeleteLender(t *testing.T) {
	router, repo, _ := newRouter(t)
	ctx := context.Background()
	if err := repo.Create(ctx, documents.Document{ID: "l1", Kind: documents.KindLender, Name: "Acme", Status: documents.StatusCompleted}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, documents.Document{ID: "a1", Kind: documents.KindApplication, Name: "Jane", Status: documents.StatusCompleted}); err != nil {
		t.Fatalf("create: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/lenders/a1", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting an application as lender, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/lenders/l1", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if _, err := repo.GetByID(ctx, "l1"); err == nil {
		t.Fatalf("expected deleted lender to be gone")
	}
	if _, err := repo.GetByID(ctx, "a1"); err != nil {
		t.Fatalf("expected application to remain: %v", err)
	}
}

type countingStore struct {
	*local.Store
	saves int
}

func (s *countingStore) Save(ctx context.Context, namespace, fileName string, r io.Reader) (string, int64, string, error) {
	s.saves++
	return s.Store.Save(ctx, namespace, fileName, r)
}

func TestUploadEmptyFileIsNotStored(t *testing.T) {
	store := &countingStore{Store: local.New(t.TempDir())}
	repo := documents.NewMemoryRepo()
	svc := &documents.Service{Store: store, Repo: repo}
	in := documents.UploadInput{Kind: documents.KindLender, Name: "Acme", FileName: "policy.txt"}

	_, err := svc.Upload(context.Background(), in, strings.NewReader(""))
	if !errors.Is(err, documents.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if store.saves != 0 {
		t.Fatalf("expected empty upload not to reach the store, got %d saves", store.saves)
	}

	doc, err := svc.Upload(context.Background(), in, strings.NewReader("rules"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if store.saves != 1 || doc.SizeBytes != 5 {
		t.Fatalf("expected one save of 5 bytes, got %d saves size %d", store.saves, doc.SizeBytes)
	}
}

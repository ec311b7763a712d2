package api

import (
	"accessd/internal/apperrors"
	"accessd/internal/executor"
	"accessd/internal/health"
	"accessd/internal/job"
	"accessd/internal/manifest"
	"accessd/internal/queue"
	"accessd/internal/resource"
	"accessd/internal/testutil"
	"accessd/internal/worker"
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type server struct {
	handler http.Handler
	svc     *job.Service
}

type testOptions struct {
	workers       int
	apiKey        string
	maxUploadSize int64
	backend       executor.Backend
}

// writeOutputs is a backend that produces every expected output.
var writeOutputs = backendFunc(func(_ context.Context, inv executor.Invocation) error {
	for _, name := range inv.Variant.Outputs() {
		if err := os.WriteFile(filepath.Join(inv.OutputDir, name), []byte("origin,destination,minutes\n"), 0o644); err != nil {
			return err
		}
	}
	return nil
})

type backendFunc func(ctx context.Context, inv executor.Invocation) error

func (f backendFunc) Run(ctx context.Context, inv executor.Invocation) error { return f(ctx, inv) }

func newServer(t *testing.T, opts testOptions) *server {
	t.Helper()
	dir := t.TempDir()

	m, err := manifest.Open(filepath.Join(dir, "manifest.db"))
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	store, err := resource.NewStore(resource.Config{
		Dir:               filepath.Join(dir, "resources"),
		AllowedExtensions: []string{"csv", "png"},
	}, m, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	q := queue.New()
	jobDir := filepath.Join(dir, "jobs")
	svc := job.NewService(job.Config{JobDir: jobDir}, m, store, q, nil)

	if opts.workers > 0 {
		backend := opts.backend
		if backend == nil {
			backend = writeOutputs
		}
		registry := executor.NewRegistry(backend, executor.DefaultVariants()...)
		pool := worker.New(worker.Config{Workers: opts.workers, JobDir: jobDir}, q, m, store, registry, nil)
		pool.Start()
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			pool.Close(ctx)
		})
	}

	checker := health.NewChecker(health.Check{Name: "manifest", Probe: health.ProbeFunc(m.Ping), Critical: true})
	maxUpload := opts.maxUploadSize
	if maxUpload == 0 {
		maxUpload = 1 << 20
	}

	return &server{
		handler: NewRouter(RouterConfig{
			JobService:    svc,
			HealthChecker: checker,
			APIKey:        opts.apiKey,
			MaxUploadSize: maxUpload,
		}),
		svc: svc,
	}
}

func (s *server) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func multipartBody(t *testing.T, field, filename string, content []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("note", "ignored"); err != nil {
		t.Fatal(err)
	}
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(content)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func (s *server) upload(t *testing.T, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, "file", filename, content)
	return s.do(t, http.MethodPost, "/v1/resources", body, ct)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{health: health.NewChecker()}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if resp := decode[health.Response](t, w); resp.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", resp.Status)
	}
}

func TestHandler_Readyz(t *testing.T) {
	t.Parallel()

	unwired := &Handler{health: health.NewChecker()}
	w := httptest.NewRecorder()
	unwired.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected %d with no checks, got %d", http.StatusServiceUnavailable, w.Code)
	}

	s := newServer(t, testOptions{})
	w = s.do(t, http.MethodGet, "/readyz", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
}

func TestHandler_UploadResource(t *testing.T) {
	t.Parallel()
	s := newServer(t, testOptions{maxUploadSize: 4096})
	content := []byte("id,lat,lon\n1,41.88,-87.63\n")

	w := s.upload(t, "points.CSV", content)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	res := decode[manifest.Resource](t, w)
	if res.ID == "" || res.Size != int64(len(content)) {
		t.Errorf("unexpected resource %+v", res)
	}

	w = s.do(t, http.MethodGet, "/v1/resources/"+res.ID, nil, "")
	if got := decode[existsResponse](t, w); !got.Exists || got.ID != res.ID {
		t.Errorf("expected resource to exist, got %+v", got)
	}

	w = s.do(t, http.MethodGet, "/v1/resources/hash/"+res.Hash, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("hash lookup: expected 200, got %d", w.Code)
	}
	if got := decode[existsResponse](t, w); got.ID != res.ID || !got.Exists {
		t.Errorf("hash lookup returned %+v", got)
	}

	w = s.do(t, http.MethodGet, "/v1/resources", nil, "")
	if list := decode[resourceListResponse](t, w); len(list.Resources) != 1 {
		t.Errorf("expected 1 listed resource, got %d", len(list.Resources))
	}
}

func TestHandler_UploadResource_Rejections(t *testing.T) {
	t.Parallel()
	s := newServer(t, testOptions{maxUploadSize: 1024})

	tests := []struct {
		name     string
		body     func() (io.Reader, string)
		want     int
		wantKind apperrors.Kind
	}{
		{
			name: "disallowed extension",
			body: func() (io.Reader, string) { return multipartBody(t, "file", "payload.exe", []byte("MZ")) },
			want: http.StatusForbidden, wantKind: apperrors.KindDisallowedExtension,
		},
		{
			name: "no extension",
			body: func() (io.Reader, string) { return multipartBody(t, "file", "README", []byte("x")) },
			want: http.StatusForbidden, wantKind: apperrors.KindDisallowedExtension,
		},
		{
			name: "wrong field",
			body: func() (io.Reader, string) { return multipartBody(t, "upload", "points.csv", []byte("x")) },
			want: http.StatusBadRequest,
		},
		{
			name: "not multipart",
			body: func() (io.Reader, string) { return strings.NewReader(`{}`), "application/json" },
			want: http.StatusBadRequest,
		},
		{
			name: "too large",
			body: func() (io.Reader, string) {
				return multipartBody(t, "file", "big.csv", bytes.Repeat([]byte("a"), 4096))
			},
			want: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := tt.body()
			w := s.do(t, http.MethodPost, "/v1/resources", body, ct)
			if w.Code != tt.want {
				t.Fatalf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			if tt.wantKind != "" {
				if resp := decode[errorResponse](t, w); resp.Kind != tt.wantKind {
					t.Errorf("Expected kind %s, got %s", tt.wantKind, resp.Kind)
				}
			}
		})
	}

	w := s.do(t, http.MethodGet, "/v1/resources", nil, "")
	if list := decode[resourceListResponse](t, w); len(list.Resources) != 0 {
		t.Errorf("rejected uploads must not be stored, found %d", len(list.Resources))
	}
}

func TestHandler_DeleteResource(t *testing.T) {
	t.Parallel()
	s := newServer(t, testOptions{})
	res := decode[manifest.Resource](t, s.upload(t, "points.csv", []byte("a\n")))

	if w := s.do(t, http.MethodDelete, "/v1/resources/"+res.ID, nil, ""); w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}

	w := s.do(t, http.MethodDelete, "/v1/resources/"+res.ID, nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
	if resp := decode[errorResponse](t, w); resp.Kind != apperrors.KindResourceNotFound {
		t.Errorf("Expected ResourceNotFound, got %s", resp.Kind)
	}

	w = s.do(t, http.MethodGet, "/v1/resources/"+res.ID, nil, "")
	if got := decode[existsResponse](t, w); got.Exists {
		t.Error("expected resource to be gone")
	}

	if w := s.do(t, http.MethodGet, "/v1/resources/hash/"+res.Hash, nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for hash of deleted resource, got %d", w.Code)
	}
}

func TestHandler_UnsafeIdentifiers(t *testing.T) {
	t.Parallel()
	s := newServer(t, testOptions{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/resources/bad.id"},
		{http.MethodDelete, "/v1/resources/bad.id"},
		{http.MethodGet, "/v1/jobs/bad.id"},
		{http.MethodDelete, "/v1/jobs/bad.id"},
		{http.MethodPost, "/v1/jobs/bad.id/cancel"},
		{http.MethodGet, "/v1/jobs/bad.id/result"},
	} {
		w := s.do(t, tc.method, tc.path, nil, "")
		if w.Code != http.StatusForbidden {
			t.Errorf("%s %s: expected 403, got %d", tc.method, tc.path, w.Code)
			continue
		}
		if resp := decode[errorResponse](t, w); resp.Kind != apperrors.KindUnsafeIdentifier {
			t.Errorf("%s %s: expected UnsafeIdentifier, got %s", tc.method, tc.path, resp.Kind)
		}
	}
}

func TestHandler_CreateJob_InvalidJSON(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	for _, body := range []string{"", "invalid json", `{"type": matrix}`} {
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(body))
		w := httptest.NewRecorder()

		handler.CreateJob(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected status %d, got %d", body, http.StatusBadRequest, w.Code)
		}
	}
}

func TestHandler_JobLifecycle(t *testing.T) {
	t.Parallel()
	s := newServer(t, testOptions{workers: 1})
	res := decode[manifest.Resource](t, s.upload(t, "points.csv", []byte("id,lat,lon\n")))

	body := `{"type":"matrix","orders":{"init_kwargs":{"primary_resource_id":"` + res.ID + `","primary_hints":{"idx":"id","lat":"lat","lon":"lon"}}}}`
	w := s.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(body), "application/json")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	created := decode[job.Response](t, w)
	if created.Status != manifest.StatusQueued {
		t.Errorf("Expected queued, got %s", created.Status)
	}

	testutil.MustWaitFor(t, "job to finish", func() bool {
		w := s.do(t, http.MethodGet, "/v1/jobs/"+created.ID, nil, "")
		return decode[job.Status](t, w).State == manifest.StatusFinished
	})

	w = s.do(t, http.MethodGet, "/v1/jobs/"+created.ID+"/result", nil, "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "application/gzip" {
		t.Fatalf("Expected gzip result, got %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	names := archiveNames(t, w.Body.Bytes())
	if len(names) != 1 || names[0] != "output.csv" {
		t.Errorf("Expected archive with output.csv, got %v", names)
	}

	w = s.do(t, http.MethodGet, "/v1/jobs/"+created.ID+"/files", nil, "")
	if files := decode[filesResponse](t, w); len(files.Files) != 1 || files.Files[0].Path != "output.csv" {
		t.Errorf("unexpected file listing %+v", files)
	}

	w = s.do(t, http.MethodGet, "/v1/jobs", nil, "")
	if list := decode[job.ListResponse](t, w); len(list.Jobs) != 1 {
		t.Errorf("Expected 1 job, got %d", len(list.Jobs))
	}

	if w := s.do(t, http.MethodDelete, "/v1/jobs/"+created.ID, nil, ""); w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}
	w = s.do(t, http.MethodGet, "/v1/jobs/"+created.ID, nil, "")
	if st := decode[job.Status](t, w); st.State != job.StatusNotFound {
		t.Errorf("Expected not_found after delete, got %s", st.State)
	}
	if w := s.do(t, http.MethodDelete, "/v1/jobs/"+created.ID, nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", w.Code)
	}
}

func TestHandler_CreateJob_KeepsLargeIntegers(t *testing.T) {
	t.Parallel()
	seen := make(chan []byte, 1)
	s := newServer(t, testOptions{workers: 1, backend: backendFunc(func(ctx context.Context, inv executor.Invocation) error {
		params, err := json.Marshal(inv.Params(func(in executor.Input) string { return in.Path }))
		if err != nil {
			return err
		}
		seen <- params
		return writeOutputs(ctx, inv)
	})})
	res := decode[manifest.Resource](t, s.upload(t, "points.csv", []byte("id,lat,lon\n")))

	body := `{"type":"matrix","orders":{"seed":9007199254740993,"init_kwargs":{"primary_resource_id":"` + res.ID + `","primary_hints":{"idx":"id","lat":"lat","lon":"lon"}}}}`
	if w := s.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(body), "application/json"); w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	select {
	case params := <-seen:
		if !bytes.Contains(params, []byte(`"seed":9007199254740993`)) {
			t.Errorf("seed changed on its way to the executor: %s", params)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached the executor")
	}
}

func archiveNames(t *testing.T, data []byte) []string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		names = append(names, hdr.Name)
	}
}

func TestHandler_FailedJobResult(t *testing.T) {
	t.Parallel()
	s := newServer(t, testOptions{workers: 1})

	w := s.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"type":"isochrone","orders":{}}`), "application/json")
	created := decode[job.Response](t, w)

	testutil.MustWaitFor(t, "job to fail", func() bool {
		w := s.do(t, http.MethodGet, "/v1/jobs/"+created.ID, nil, "")
		return decode[job.Status](t, w).State == manifest.StatusFailed
	})

	w = s.do(t, http.MethodGet, "/v1/jobs/"+created.ID+"/result", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	resp := decode[failureResponse](t, w)
	if resp.Failure == nil || resp.Failure.Kind != apperrors.KindUnrecognizedJobType {
		t.Errorf("Expected UnrecognizedJobType failure, got %+v", resp.Failure)
	}

	if w := s.do(t, http.MethodGet, "/v1/jobs/"+created.ID+"/files", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for files of failed job, got %d", w.Code)
	}
}

func TestHandler_QueuedJob(t *testing.T) {
	t.Parallel()
	s := newServer(t, testOptions{}) // no workers: jobs stay queued

	w := s.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"type":"matrix","orders":{}}`), "application/json")
	created := decode[job.Response](t, w)

	if w := s.do(t, http.MethodGet, "/v1/jobs/"+created.ID+"/result", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 result for queued job, got %d", w.Code)
	}
	if w := s.do(t, http.MethodDelete, "/v1/jobs/"+created.ID, nil, ""); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 deleting queued job, got %d", w.Code)
	}

	w = s.do(t, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", nil, "")
	if resp := decode[job.CancelResponse](t, w); !resp.Cancelled {
		t.Error("Expected queued job to be cancelled")
	}
	w = s.do(t, http.MethodPost, "/v1/jobs/"+created.ID+"/cancel", nil, "")
	if resp := decode[job.CancelResponse](t, w); resp.Cancelled {
		t.Error("Expected second cancel to report false")
	}

	w = s.do(t, http.MethodGet, "/v1/jobs/"+created.ID, nil, "")
	if st := decode[job.Status](t, w); st.State != manifest.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", st.State)
	}
}

func TestHandler_UnknownJob(t *testing.T) {
	t.Parallel()
	s := newServer(t, testOptions{})

	w := s.do(t, http.MethodGet, "/v1/jobs/unknown-job", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if st := decode[job.Status](t, w); st.State != job.StatusNotFound {
		t.Errorf("Expected not_found, got %s", st.State)
	}

	w = s.do(t, http.MethodPost, "/v1/jobs/unknown-job/cancel", nil, "")
	if resp := decode[job.CancelResponse](t, w); resp.Cancelled {
		t.Error("Expected cancel of unknown job to be false")
	}
}

func TestRouter_AuthRequired(t *testing.T) {
	t.Parallel()
	s := newServer(t, testOptions{apiKey: "secret"})

	if w := s.do(t, http.MethodGet, "/v1/jobs", nil, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/livez", nil, ""); w.Code != http.StatusOK {
		t.Errorf("Expected probes to skip auth, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with key, got %d", w.Code)
	}
}

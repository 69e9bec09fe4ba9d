package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aaroniumii/dividemp4online/pkg/config"
	"github.com/aaroniumii/dividemp4online/pkg/runner"
	"github.com/aaroniumii/dividemp4online/pkg/status"
	"github.com/aaroniumii/dividemp4online/pkg/store"
)

// stubSplitter writes real artifact files so download and self-heal
// paths can be exercised end to end.
type stubSplitter struct {
	err error
}

func (s *stubSplitter) Split(ctx context.Context, sourcePath, outputDir string, parts int) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	base := filepath.Base(sourcePath)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]

	names := make([]string, 0, parts)
	for i := range parts {
		name := fmt.Sprintf("%s_part%d%s", stem, i+1, ext)
		if err := os.WriteFile(filepath.Join(outputDir, name), []byte("clip"), 0o644); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

type fixture struct {
	store  *store.LocalStore
	pool   *runner.Pool
	server *Server
}

func setupServer(t *testing.T, sp *stubSplitter, poolCfg runner.Config, startPool bool) *fixture {
	t.Helper()
	st, err := store.NewLocalStore(store.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))

	pool := runner.NewPool(st, sp, poolCfg)
	if startPool {
		require.NoError(t, pool.Start(context.Background()))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	srv, err := New(config.DefaultConfig().Server, st, pool, status.NewReader(st))
	require.NoError(t, err)
	return &fixture{store: st, pool: pool, server: srv}
}

// uploadRequest builds a multipart POST / with the given filename and
// parts field.
func uploadRequest(t *testing.T, filename, parts string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if filename != "" {
		fw, err := w.CreateFormFile("video", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte("fake mp4 payload"))
		require.NoError(t, err)
	}
	if parts != "" {
		require.NoError(t, w.WriteField("parts", parts))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) waitTerminal(t *testing.T, jobID string) *store.JobRecord {
	t.Helper()
	var record *store.JobRecord
	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), jobID)
		if err != nil || got == nil || !got.Status.IsTerminal() {
			return false
		}
		record = got
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return record
}

func countJobDirs(t *testing.T, f *fixture) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Dir(f.store.OutputDir("x")))
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func TestServer_Healthz(t *testing.T) {
	f := setupServer(t, &stubSplitter{}, runner.Config{Workers: 1}, true)

	w := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "OK", w.Body.String())
}

func TestServer_IndexPage(t *testing.T) {
	f := setupServer(t, &stubSplitter{}, runner.Config{Workers: 1}, true)

	w := f.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "<form")
	require.Contains(t, w.Body.String(), `name="video"`)
}

func TestServer_UploadAndComplete(t *testing.T) {
	f := setupServer(t, &stubSplitter{}, runner.Config{Workers: 1}, true)

	w := f.do(uploadRequest(t, "holiday clip.mp4", "3"))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		JobID     string `json:"job_id"`
		Status    string `json:"status"`
		StatusURL string `json:"status_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	require.Equal(t, "processing", resp.Status)

	record := f.waitTerminal(t, resp.JobID)
	require.Equal(t, store.StatusCompleted, record.Status)
	require.Equal(t, "holiday_clip.mp4", record.OriginalFilename)
	require.Equal(t, []string{
		"holiday_clip_part1.mp4",
		"holiday_clip_part2.mp4",
		"holiday_clip_part3.mp4",
	}, record.Outputs)

	// Status endpoint reflects the terminal record.
	sw := f.do(httptest.NewRequest(http.MethodGet, "/status/"+resp.JobID, nil))
	require.Equal(t, http.StatusOK, sw.Code)
	var payload struct {
		JobID  string   `json:"job_id"`
		Status string   `json:"status"`
		Files  []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(sw.Body.Bytes(), &payload))
	require.Equal(t, resp.JobID, payload.JobID)
	require.Equal(t, "completed", payload.Status)
	require.Len(t, payload.Files, 3)
}

func TestServer_UploadBrowserRedirects(t *testing.T) {
	f := setupServer(t, &stubSplitter{}, runner.Config{Workers: 1}, true)

	req := uploadRequest(t, "video.mp4", "2")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	w := f.do(req)

	require.Equal(t, http.StatusSeeOther, w.Code)
	require.Contains(t, w.Header().Get("Location"), "/result/")
}

func TestServer_UploadValidation(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		parts    string
	}{
		{name: "missing file", filename: "", parts: "2"},
		{name: "wrong extension", filename: "video.avi", parts: "2"},
		{name: "parts too low", filename: "video.mp4", parts: "1"},
		{name: "parts too high", filename: "video.mp4", parts: "5"},
		{name: "parts not a number", filename: "video.mp4", parts: "two"},
		{name: "parts missing", filename: "video.mp4", parts: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupServer(t, &stubSplitter{}, runner.Config{Workers: 1}, true)

			w := f.do(uploadRequest(t, tt.filename, tt.parts))
			require.Equal(t, http.StatusBadRequest, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.Equal(t, "INVALID_SUBMISSION", resp.Code)

			// Rejected submissions never create a job.
			require.Zero(t, countJobDirs(t, f))
		})
	}
}

func TestServer_UploadQueueFull(t *testing.T) {
	// Pool not started with a single queue slot: the second upload
	// cannot be accepted and its record is closed out as error.
	f := setupServer(t, &stubSplitter{}, runner.Config{Workers: 1, QueueSize: 1}, false)

	first := f.do(uploadRequest(t, "one.mp4", "2"))
	require.Equal(t, http.StatusAccepted, first.Code)

	second := f.do(uploadRequest(t, "two.mp4", "2"))
	require.Equal(t, http.StatusServiceUnavailable, second.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	require.Equal(t, "QUEUE_FULL", resp.Code)

	// The rejected job's record is closed out as a terminal error with a
	// completion timestamp, so status never reports it processing.
	entries, err := os.ReadDir(filepath.Dir(f.store.OutputDir("x")))
	require.NoError(t, err)
	var failed *store.JobRecord
	for _, e := range entries {
		record, err := f.store.Get(context.Background(), e.Name())
		require.NoError(t, err)
		if record != nil && record.Status == store.StatusError {
			failed = record
		}
	}
	require.NotNil(t, failed)
	require.NotEmpty(t, failed.ErrorMessage)
	require.False(t, failed.CompletedAt.IsZero())
	require.False(t, failed.CompletedAt.Before(failed.CreatedAt))
}

func TestServer_StatusNotFound(t *testing.T) {
	f := setupServer(t, &stubSplitter{}, runner.Config{Workers: 1}, true)

	w := f.do(httptest.NewRequest(http.MethodGet, "/status/no-such-job", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "JOB_NOT_FOUND", resp.Code)

	// Querying must not create state.
	require.Zero(t, countJobDirs(t, f))
}

func TestServer_StatusErrorJob(t *testing.T) {
	f := setupServer(t, &stubSplitter{err: fmt.Errorf("synthetic failure")}, runner.Config{Workers: 1}, true)

	w := f.do(uploadRequest(t, "video.mp4", "2"))
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	record := f.waitTerminal(t, resp.JobID)
	require.Equal(t, store.StatusError, record.Status)

	sw := f.do(httptest.NewRequest(http.MethodGet, "/status/"+resp.JobID, nil))
	require.Equal(t, http.StatusOK, sw.Code)
	var payload struct {
		Status   string `json:"status"`
		Metadata struct {
			ErrorMessage string `json:"error_message"`
		} `json:"metadata"`
		Files []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(sw.Body.Bytes(), &payload))
	require.Equal(t, "error", payload.Status)
	require.NotEmpty(t, payload.Metadata.ErrorMessage)
	require.Empty(t, payload.Files)
}

func TestServer_ResultPage(t *testing.T) {
	f := setupServer(t, &stubSplitter{}, runner.Config{Workers: 1}, true)

	w := f.do(uploadRequest(t, "video.mp4", "2"))
	var resp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	f.waitTerminal(t, resp.JobID)

	rw := f.do(httptest.NewRequest(http.MethodGet, "/result/"+resp.JobID, nil))
	require.Equal(t, http.StatusOK, rw.Code)
	require.Contains(t, rw.Body.String(), "video_part1.mp4")
	require.Contains(t, rw.Body.String(), "video_part2.mp4")
}

func TestServer_ResultPageUnknownJobRedirects(t *testing.T) {
	f := setupServer(t, &stubSplitter{}, runner.Config{Workers: 1}, true)

	w := f.do(httptest.NewRequest(http.MethodGet, "/result/no-such-job", nil))
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "/", w.Header().Get("Location"))
}

func TestServer_Download(t *testing.T) {
	f := setupServer(t, &stubSplitter{}, runner.Config{Workers: 1}, true)

	w := f.do(uploadRequest(t, "video.mp4", "2"))
	var resp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	f.waitTerminal(t, resp.JobID)

	dw := f.do(httptest.NewRequest(http.MethodGet, "/download/"+resp.JobID+"/video_part1.mp4", nil))
	require.Equal(t, http.StatusOK, dw.Code)
	require.Contains(t, dw.Header().Get("Content-Disposition"), "video_part1.mp4")
	body, err := io.ReadAll(dw.Body)
	require.NoError(t, err)
	require.Equal(t, "clip", string(body))
}

func TestServer_DownloadRejectsMetadataDocument(t *testing.T) {
	f := setupServer(t, &stubSplitter{}, runner.Config{Workers: 1}, true)

	w := f.do(uploadRequest(t, "video.mp4", "2"))
	var resp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	f.waitTerminal(t, resp.JobID)

	dw := f.do(httptest.NewRequest(http.MethodGet, "/download/"+resp.JobID+"/"+store.MetadataFilename, nil))
	require.Equal(t, http.StatusBadRequest, dw.Code)
}

func TestServer_DownloadRejectsDotNames(t *testing.T) {
	f := setupServer(t, &stubSplitter{}, runner.Config{Workers: 1}, true)

	w := f.do(uploadRequest(t, "video.mp4", "2"))
	var resp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	f.waitTerminal(t, resp.JobID)

	for _, name := range []string{".", ".."} {
		dw := f.do(httptest.NewRequest(http.MethodGet, "/download/"+resp.JobID+"/"+name, nil))
		require.Equal(t, http.StatusBadRequest, dw.Code, "filename %q must be rejected", name)
	}
}

func TestServer_DownloadUnknownJob(t *testing.T) {
	f := setupServer(t, &stubSplitter{}, runner.Config{Workers: 1}, true)

	w := f.do(httptest.NewRequest(http.MethodGet, "/download/no-such-job/video_part1.mp4", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_DownloadMissingFile(t *testing.T) {
	f := setupServer(t, &stubSplitter{}, runner.Config{Workers: 1}, true)

	w := f.do(uploadRequest(t, "video.mp4", "2"))
	var resp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	f.waitTerminal(t, resp.JobID)

	dw := f.do(httptest.NewRequest(http.MethodGet, "/download/"+resp.JobID+"/absent.mp4", nil))
	require.Equal(t, http.StatusNotFound, dw.Code)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "video.mp4", want: "video.mp4"},
		{in: "holiday clip.mp4", want: "holiday_clip.mp4"},
		{in: "../../etc/passwd.mp4", want: "passwd.mp4"},
		{in: "über-cool!.mp4", want: "ber-cool.mp4"},
		{in: ".hidden.mp4", want: "hidden.mp4"},
		{in: "///.mp4", want: "upload.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			require.Equal(t, tt.want, sanitizeFilename(tt.in))
		})
	}
}

func TestAllowedFile(t *testing.T) {
	require.True(t, allowedFile("video.mp4"))
	require.True(t, allowedFile("VIDEO.MP4"))
	require.False(t, allowedFile("video.avi"))
	require.False(t, allowedFile("video"))
	require.False(t, allowedFile(""))
}

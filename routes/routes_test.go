package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"campus-assistant/internal/ingest"
	"campus-assistant/internal/intent"
	"campus-assistant/internal/orchestrator"
	"campus-assistant/internal/vectorindex"
	"campus-assistant/models"
	"campus-assistant/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func noLimit(c *gin.Context) { c.Next() }

type fakeAsker struct {
	mu       sync.Mutex
	requests []orchestrator.AskRequest
	inFlight atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
}

func (f *fakeAsker) Ask(_ context.Context, req orchestrator.AskRequest) (intent.Intent, string) {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)
	time.Sleep(f.delay)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return intent.Counselling, "answer to " + req.Question
}

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestAsk(t *testing.T) {
	asker := &fakeAsker{}
	r := gin.New()
	SetupAskRoutes(r.Group("/api/v1"), asker, noLimit)

	w := postJSON(r, "/api/v1/ask", `{"question":" I feel anxious ","thread_id":"t1","key":"A","student_id":"S9"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.AskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "counselling", resp.Intent)
	assert.Equal(t, "answer to I feel anxious", resp.Answer)

	require.Len(t, asker.requests, 1)
	assert.Equal(t, orchestrator.AskRequest{Question: "I feel anxious", ThreadID: "t1", FileKey: "A", EntityKey: "S9"}, asker.requests[0])
}

func TestAskValidation(t *testing.T) {
	r := gin.New()
	SetupAskRoutes(r.Group("/api/v1"), &fakeAsker{}, noLimit)

	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/api/v1/ask", `{"thread_id":"t1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/api/v1/ask", `{"question":"  ","thread_id":"t1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/api/v1/ask", `not json`).Code)
}

func TestAskSerializesSameThread(t *testing.T) {
	asker := &fakeAsker{delay: 30 * time.Millisecond}
	r := gin.New()
	SetupAskRoutes(r.Group("/api/v1"), asker, noLimit)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			postJSON(r, "/api/v1/ask", `{"question":"q","thread_id":"same"}`)
		}()
	}
	wg.Wait()

	assert.False(t, asker.overlap.Load())
	assert.Len(t, asker.requests, 4)
}

type fakeDocs struct {
	docs      map[string]*models.Document
	uploadErr error
	uploaded  []string
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: map[string]*models.Document{}}
}

func (f *fakeDocs) Upload(_ context.Context, fh *multipart.FileHeader, key, _ string) (*models.Document, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	doc := &models.Document{ID: primitive.NewObjectID(), FileName: fh.Filename, Key: key, Status: models.StatusWaiting}
	f.docs[doc.ID.Hex()] = doc
	f.uploaded = append(f.uploaded, fh.Filename)
	return doc, nil
}

func (f *fakeDocs) List(context.Context) ([]models.Document, error) {
	var out []models.Document
	for _, d := range f.docs {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeDocs) Get(_ context.Context, id string) (*models.Document, error) {
	d, ok := f.docs[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	return d, nil
}

func (f *fakeDocs) Delete(_ context.Context, id string) error {
	if _, ok := f.docs[id]; !ok {
		return services.ErrNotFound
	}
	delete(f.docs, id)
	return nil
}

func (f *fakeDocs) Reingest(_ context.Context, id string) (*models.Document, error) {
	d, ok := f.docs[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	if d.Status != models.StatusFailed {
		return nil, services.ErrInvalidState
	}
	d.Status = models.StatusWaiting
	return d, nil
}

type fakeJobs map[string]ingest.JobStatus

func (f fakeJobs) Status(id string) (ingest.JobStatus, bool) {
	st, ok := f[id]
	return st, ok
}

func upload(r http.Handler, name, content string) *httptest.ResponseRecorder {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", name)
	part.Write([]byte(content))
	mw.WriteField("key", "A")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestDocumentRoutes(t *testing.T) {
	docs := newFakeDocs()
	jobs := fakeJobs{}
	resets := 0
	r := gin.New()
	SetupDocumentRoutes(r.Group("/api/v1"), docs, jobs, func() error { resets++; return nil }, noLimit)

	w := upload(r, "rules.pdf", "%PDF")
	require.Equal(t, http.StatusCreated, w.Code)
	var up models.UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &up))
	assert.Equal(t, models.StatusWaiting, up.Status)
	assert.Equal(t, "A", docs.docs[up.ID].Key)

	jobs[up.ID] = ingest.JobStatus{State: ingest.JobRunning}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+up.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var st models.DocumentStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, string(ingest.JobRunning), st.Job)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+up.ID+"/reingest", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/documents/"+up.ID, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, resets)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+up.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadErrors(t *testing.T) {
	docs := newFakeDocs()
	r := gin.New()
	SetupDocumentRoutes(r.Group("/api/v1"), docs, nil, nil, noLimit)

	docs.uploadErr = ingest.ErrQueueFull
	w := upload(r, "rules.pdf", "%PDF")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))

	docs.uploadErr = services.ErrUnsupportedFile
	assert.Equal(t, http.StatusBadRequest, upload(r, "run.exe", "MZ").Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/documents", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeFAQs struct {
	list []models.FAQ
}

func (f *fakeFAQs) ListActive(context.Context) ([]models.FAQ, error) { return f.list, nil }

func (f *fakeFAQs) Create(_ context.Context, req models.CreateFAQRequest) (*models.FAQ, error) {
	faq := models.FAQ{ID: primitive.NewObjectID(), Question: req.Question, Answer: req.Answer, Active: true}
	f.list = append(f.list, faq)
	return &faq, nil
}

func (f *fakeFAQs) Update(_ context.Context, id string, req models.UpdateFAQRequest) (*models.FAQ, error) {
	for i := range f.list {
		if f.list[i].ID.Hex() == id {
			if req.Answer != nil {
				f.list[i].Answer = *req.Answer
			}
			return &f.list[i], nil
		}
	}
	return nil, services.ErrNotFound
}

func (f *fakeFAQs) Delete(_ context.Context, id string) error {
	_, err := f.Update(context.Background(), id, models.UpdateFAQRequest{})
	return err
}

func TestFAQRoutes(t *testing.T) {
	faqs := &fakeFAQs{}
	r := gin.New()
	SetupFAQRoutes(r.Group("/api/v1"), faqs, noLimit)

	w := postJSON(r, "/api/v1/faqs", `{"question":"Library hours?","answer":"8-22"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/api/v1/faqs", `{"question":"no answer"}`).Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/faqs/"+faqs.list[0].ID.Hex(), strings.NewReader(`{"answer":"8-23"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "8-23", faqs.list[0].Answer)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/faqs/"+primitive.NewObjectID().Hex(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type fakeHistory struct {
	filter models.HistoryFilter
}

func (f *fakeHistory) List(_ context.Context, filter models.HistoryFilter) (*models.HistoryPage, error) {
	f.filter = filter
	return &models.HistoryPage{Items: []models.QAHistory{}, Page: 1, Limit: 20}, nil
}

func (f *fakeHistory) ExportHistory(_ context.Context, filter models.HistoryFilter) ([]byte, int, error) {
	f.filter = filter
	return []byte("xlsx"), 0, nil
}

func TestHistoryRoutes(t *testing.T) {
	h := &fakeHistory{}
	r := gin.New()
	SetupHistoryRoutes(r.Group("/api/v1"), h, h, noLimit)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/history?student_id=S1&page=2&limit=5&to=2025-10-01", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "S1", h.filter.StudentID)
	assert.Equal(t, 2, h.filter.Page)
	assert.Equal(t, 5, h.filter.Limit)
	require.NotNil(t, h.filter.To)
	assert.Equal(t, 23, h.filter.To.Hour())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/history?page=-1", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/history?from=2025-10-02&to=2025-10-01", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/history/export?thread_id=t1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".xlsx")
	assert.Equal(t, "t1", h.filter.ThreadID)
}

type fakeIndex struct{ state vectorindex.State }

func (f fakeIndex) State() vectorindex.State { return f.state }

func TestHealthRoutes(t *testing.T) {
	r := gin.New()
	SetupHealthRoutes(r, fakeIndex{state: vectorindex.Loading})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	r = gin.New()
	SetupHealthRoutes(r, fakeIndex{state: vectorindex.Ready})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

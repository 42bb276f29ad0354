package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/vigil/internal/store"
	feedsync "github.com/hyperengineering/vigil/internal/sync"
	"github.com/hyperengineering/vigil/internal/types"
)

// --- Mock Implementations for Testing ---

// mockStore implements store.Store interface for testing
type mockStore struct {
	stats        *types.StoreStats
	statsErr     error
	prayer       *types.Prayer
	response     *types.PrayerResponse
	createErr    error
	deleteErr    error
	deletedID    string
	inbox        []types.Entity
	inboxLimit   int
	inboxSubject string
	ownedIDs     []string
	changes      []feedsync.ChangeLogEntry
	snapshotPath string
	snapshotErr  error
}

func (m *mockStore) CreatePrayer(ctx context.Context, req types.NewPrayerRequest) (*types.Prayer, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	return &types.Prayer{ID: "01JPRAY0000000000000000000", UserID: req.UserID, Content: req.Content}, nil
}

func (m *mockStore) GetPrayer(ctx context.Context, id string) (*types.Prayer, error) {
	if m.prayer == nil {
		return nil, store.ErrPrayerNotFound
	}
	return m.prayer, nil
}

func (m *mockStore) DeletePrayer(ctx context.Context, id string) error {
	return m.deleteErr
}

func (m *mockStore) CreateResponse(ctx context.Context, prayerID string, req types.NewResponseRequest) (*types.PrayerResponse, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	return &types.PrayerResponse{
		ID:       "01JRESP0000000000000000000",
		PrayerID: prayerID,
		AuthorID: req.AuthorID,
		Kind:     req.Kind,
		Message:  req.Message,
	}, nil
}

func (m *mockStore) DeleteResponse(ctx context.Context, id string) error {
	m.deletedID = id
	return m.deleteErr
}

func (m *mockStore) ListInbox(ctx context.Context, userID string, limit int) ([]types.Entity, error) {
	m.inboxSubject = userID
	m.inboxLimit = limit
	return m.inbox, nil
}

func (m *mockStore) ListOwnedPrayerIDs(ctx context.Context, userID string) ([]string, error) {
	return m.ownedIDs, nil
}

func (m *mockStore) GetChangeLogAfter(ctx context.Context, afterSeq int64, tables []string, limit int) ([]feedsync.ChangeLogEntry, error) {
	var out []feedsync.ChangeLogEntry
	for _, e := range m.changes {
		if e.Sequence > afterSeq && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) GetLatestSequence(ctx context.Context) (int64, error) {
	if len(m.changes) == 0 {
		return 0, nil
	}
	return m.changes[len(m.changes)-1].Sequence, nil
}

func (m *mockStore) CompactChangeLog(ctx context.Context, cutoff time.Time, auditDir string) (int64, int64, error) {
	return 0, 0, nil
}

func (m *mockStore) SetLastCompaction(ctx context.Context, sequence int64, timestamp time.Time) error {
	return nil
}

func (m *mockStore) GenerateSnapshot(ctx context.Context) error {
	return nil
}

func (m *mockStore) GetSnapshotPath(ctx context.Context) (string, error) {
	return m.snapshotPath, m.snapshotErr
}

func (m *mockStore) GetStats(ctx context.Context) (*types.StoreStats, error) {
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	return m.stats, nil
}

func (m *mockStore) Close() error {
	return nil
}

func newTestHandler(s store.Store, apiKey, version string) *Handler {
	return NewHandler(s, nil, nil, apiKey, version)
}

func serve(h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	w := httptest.NewRecorder()
	NewRouter(h, nil, false).ServeHTTP(w, req)
	return w
}

// --- Health Endpoint Tests ---

func TestHealth_ReturnsCounts(t *testing.T) {
	s := &mockStore{stats: &types.StoreStats{PrayerCount: 3, ResponseCount: 7, LatestSequence: 12}}
	h := newTestHandler(s, "api-key", "1.0.0")

	w := serve(h, http.MethodGet, "/api/v1/health", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp types.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Status != "healthy" || resp.Version != "1.0.0" {
		t.Errorf("status/version = %q/%q, want healthy/1.0.0", resp.Status, resp.Version)
	}
	if resp.PrayerCount != 3 || resp.ResponseCount != 7 || resp.LatestSequence != 12 {
		t.Errorf("counts = %+v", resp)
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	h := newTestHandler(&mockStore{stats: &types.StoreStats{}}, "api-key", "1.0.0")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	NewRouter(h, nil, false).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHealth_StoreErrorReturns500(t *testing.T) {
	h := newTestHandler(&mockStore{statsErr: errors.New("db gone")}, "api-key", "1.0.0")

	w := serve(h, http.MethodGet, "/api/v1/health", nil)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// --- Write Endpoint Tests ---

func TestCreatePrayer_Created(t *testing.T) {
	h := newTestHandler(&mockStore{}, "api-key", "1.0.0")

	w := serve(h, http.MethodPost, "/api/v1/prayers", types.NewPrayerRequest{UserID: "u1", Content: "healing"})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var p types.Prayer
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if p.UserID != "u1" || p.Content != "healing" {
		t.Errorf("prayer = %+v", p)
	}
}

func TestCreatePrayer_InvalidRequestReturns422(t *testing.T) {
	h := newTestHandler(&mockStore{}, "api-key", "1.0.0")

	w := serve(h, http.MethodPost, "/api/v1/prayers", types.NewPrayerRequest{UserID: "u1"})

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
	var p ProblemWithErrors
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal problem: %v", err)
	}
	if len(p.Errors) == 0 {
		t.Error("expected field errors")
	}
}

func TestCreatePrayer_InvalidJSON(t *testing.T) {
	h := newTestHandler(&mockStore{}, "api-key", "1.0.0")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/prayers", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer api-key")
	w := httptest.NewRecorder()
	NewRouter(h, nil, false).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestCreatePrayer_RequiresAuth(t *testing.T) {
	h := newTestHandler(&mockStore{}, "api-key", "1.0.0")

	body := strings.NewReader(`{"user_id":"u1","content":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/prayers", body)
	w := httptest.NewRecorder()
	NewRouter(h, nil, false).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestCreatePrayer_DevModeSkipsAuth(t *testing.T) {
	h := newTestHandler(&mockStore{}, "api-key", "1.0.0")

	body := strings.NewReader(`{"user_id":"u1","content":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/prayers", body)
	w := httptest.NewRecorder()
	NewRouter(h, nil, true).ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
}

func TestCreateResponse_Created(t *testing.T) {
	h := newTestHandler(&mockStore{}, "api-key", "1.0.0")
	prayerID := "01JPRAY0000000000000000000"

	w := serve(h, http.MethodPost, "/api/v1/prayers/"+prayerID+"/responses",
		types.NewResponseRequest{AuthorID: "u2", Kind: types.ResponsePrayed})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var resp types.PrayerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.PrayerID != prayerID || resp.Kind != types.ResponsePrayed {
		t.Errorf("response = %+v", resp)
	}
}

func TestCreateResponse_UnknownPrayerReturns404(t *testing.T) {
	h := newTestHandler(&mockStore{createErr: store.ErrPrayerNotFound}, "api-key", "1.0.0")

	w := serve(h, http.MethodPost, "/api/v1/prayers/01JPRAY0000000000000000000/responses",
		types.NewResponseRequest{AuthorID: "u2", Kind: types.ResponsePrayed})

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestCreateResponse_InvalidKindReturns422(t *testing.T) {
	h := newTestHandler(&mockStore{}, "api-key", "1.0.0")

	w := serve(h, http.MethodPost, "/api/v1/prayers/01JPRAY0000000000000000000/responses",
		types.NewResponseRequest{AuthorID: "u2", Kind: "shrug"})

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
}

func TestDeleteResponse_NoContent(t *testing.T) {
	s := &mockStore{}
	h := newTestHandler(s, "api-key", "1.0.0")
	id := "01JRESP0000000000000000000"

	w := serve(h, http.MethodDelete, "/api/v1/responses/"+id, nil)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if s.deletedID != id {
		t.Errorf("deleted id = %q, want %q", s.deletedID, id)
	}
}

func TestDeleteResponse_NotFound(t *testing.T) {
	h := newTestHandler(&mockStore{deleteErr: store.ErrNotFound}, "api-key", "1.0.0")

	w := serve(h, http.MethodDelete, "/api/v1/responses/01JRESP0000000000000000000", nil)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestDeleteResponse_RateLimited(t *testing.T) {
	h := newTestHandler(&mockStore{}, "api-key", "1.0.0")
	router := NewRouter(h, nil, false)

	var limited bool
	for i := 0; i < 150; i++ {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/responses/01JRESP0000000000000000000", nil)
		req.Header.Set("Authorization", "Bearer api-key")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			if w.Header().Get("Retry-After") == "" {
				t.Error("missing Retry-After header")
			}
			break
		}
	}
	if !limited {
		t.Error("expected 429 after exhausting the delete burst")
	}
}

// --- Read Endpoint Tests ---

func TestInbox_ReturnsItems(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := &mockStore{inbox: []types.Entity{{ID: "r1", CreatedAt: created}}}
	h := newTestHandler(s, "api-key", "1.0.0")

	w := serve(h, http.MethodGet, "/api/v1/users/u1/inbox?limit=10", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp types.InboxResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.UserID != "u1" || len(resp.Items) != 1 || resp.Items[0].ID != "r1" {
		t.Errorf("inbox = %+v", resp)
	}
	if s.inboxSubject != "u1" || s.inboxLimit != 10 {
		t.Errorf("store called with %q/%d", s.inboxSubject, s.inboxLimit)
	}
}

func TestInbox_EmptyIsArray(t *testing.T) {
	h := newTestHandler(&mockStore{}, "api-key", "1.0.0")

	w := serve(h, http.MethodGet, "/api/v1/users/u1/inbox", nil)

	if !strings.Contains(w.Body.String(), `"items":[]`) {
		t.Errorf("body = %s, want empty items array", w.Body.String())
	}
}

func TestInbox_InvalidLimit(t *testing.T) {
	h := newTestHandler(&mockStore{}, "api-key", "1.0.0")

	for _, limit := range []string{"0", "-1", "abc", "501"} {
		w := serve(h, http.MethodGet, "/api/v1/users/u1/inbox?limit="+limit, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want %d", limit, w.Code, http.StatusBadRequest)
		}
	}
}

func TestPrayerIDs_ReturnsOwnedIDs(t *testing.T) {
	h := newTestHandler(&mockStore{ownedIDs: []string{"p1", "p2"}}, "api-key", "1.0.0")

	w := serve(h, http.MethodGet, "/api/v1/users/u1/prayers/ids", nil)

	var resp types.OwnershipResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.UserID != "u1" || len(resp.IDs) != 2 {
		t.Errorf("ownership = %+v", resp)
	}
}

// --- Snapshot Endpoint Tests ---

func TestSnapshot_ServesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")
	if err := os.WriteFile(path, []byte("SQLite format 3\x00test snapshot data"), 0o600); err != nil {
		t.Fatal(err)
	}
	h := newTestHandler(&mockStore{snapshotPath: path}, "api-key", "1.0.0")

	w := serve(h, http.MethodGet, "/api/v1/snapshot", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/octet-stream")
	}
	if !strings.HasPrefix(w.Body.String(), "SQLite format 3") {
		t.Errorf("body doesn't contain expected data, got: %q", w.Body.String())
	}
}

func TestSnapshot_503WhenNotReady(t *testing.T) {
	h := newTestHandler(&mockStore{snapshotErr: store.ErrSnapshotNotReady}, "api-key", "1.0.0")

	w := serve(h, http.MethodGet, "/api/v1/snapshot", nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want %q", w.Header().Get("Retry-After"), "60")
	}
}

func TestSnapshot_503WhenFileMissing(t *testing.T) {
	h := newTestHandler(&mockStore{snapshotPath: filepath.Join(t.TempDir(), "gone.db")}, "api-key", "1.0.0")

	w := serve(h, http.MethodGet, "/api/v1/snapshot", nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestRouter_MountsMetrics(t *testing.T) {
	h := newTestHandler(&mockStore{}, "api-key", "1.0.0")
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("vigil_up 1\n"))
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	NewRouter(h, metrics, false).ServeHTTP(w, req)

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "vigil_up") {
		t.Errorf("metrics: status = %d body = %q", w.Code, w.Body.String())
	}
}

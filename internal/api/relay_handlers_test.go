package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/technosupport/ts-nvr-relay/internal/api"
	"github.com/technosupport/ts-nvr-relay/internal/hub"
	"github.com/technosupport/ts-nvr-relay/internal/store"
	"github.com/technosupport/ts-nvr-relay/internal/tokens"
)

func newTestRouter(t *testing.T) (http.Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, _ := sqlmock.New()
	t.Cleanup(func() { db.Close() })

	return api.NewRouter(api.Deps{
		Tokens: tokens.NewManager("test-secret"),
		Hub:    hub.New(nil),
		Units:  &store.MediaUnitModel{DB: db},
		Media:  &store.MediaModel{DB: db},
	}), mock
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateViewerToken(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/viewer-tokens", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp api.ViewerTokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" || resp.SessionID == "" {
		t.Errorf("incomplete response: %+v", resp)
	}

	// The minted token must validate against the same manager config.
	claims, err := tokens.NewManager("test-secret").ValidateToken(resp.Token)
	if err != nil {
		t.Fatalf("minted token does not validate: %v", err)
	}
	if claims.SessionID != resp.SessionID {
		t.Errorf("session mismatch: %s vs %s", claims.SessionID, resp.SessionID)
	}
}

func TestGetUnitNotFound(t *testing.T) {
	router, mock := newTestRouter(t)
	mock.ExpectQuery("SELECT id, media_id, at_time").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/units/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListUnitsRejectsBadLimit(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, limit := range []string{"0", "-5", "9999", "abc"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/media/cam-1/units?limit="+limit, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit %q: expected 400, got %d", limit, rec.Code)
		}
	}
}

func TestLiveRequiresToken(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/live", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/live?token=bogus", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad token, got %d", rec.Code)
	}
}

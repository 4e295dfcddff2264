package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radhub-qip/radhub/internal/database"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return setupRouter(db, serverConfig{
		Port:      "0",
		RadCode:   "test-code",
		AuditPIN:  "4321",
		JWTSecret: "test-secret",
		// Unroutable register endpoint: lookups fail fast and the write
		// path must shrug them off.
		GMCLookupBase: "http://127.0.0.1:1",
	})
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Buffer
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(payload)
	} else {
		reader = &bytes.Buffer{}
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// unlockSession opens a rater session and returns the cookie.
func unlockSession(t *testing.T, r http.Handler) *http.Cookie {
	t.Helper()

	w := doJSON(t, r, http.MethodPost, "/api/v1/rad/unlock", gin.H{"code": "test-code"})
	require.Equal(t, http.StatusOK, w.Code)

	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == "rad_session" {
			return cookie
		}
	}
	t.Fatal("unlock response carried no session cookie")
	return nil
}

func TestUnlockAndSession(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/rad/unlock", gin.H{"code": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "wrong unlock code is an auth failure, not a malformed request")

	cookie := unlockSession(t, r)

	w = doJSON(t, r, http.MethodGet, "/api/v1/rad/session", nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["active"])

	w = doJSON(t, r, http.MethodGet, "/api/v1/rad/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["active"])
}

func TestVetRequiresSession(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/vet", gin.H{
		"requester_gmc": "1234567",
		"rater_gmc":     "7000001",
		"scan_type":     "CT Head",
		"outcome":       "accepted",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVetPointLifecycle(t *testing.T) {
	r := newTestRouter(t)
	cookie := unlockSession(t, r)

	vet := func(outcome string) map[string]interface{} {
		w := doJSON(t, r, http.MethodPost, "/api/v1/vet", gin.H{
			"requester_gmc": "1234567",
			"rater_gmc":     "7000001",
			"scan_type":     "CT Head",
			"outcome":       outcome,
		}, cookie)
		require.Equal(t, http.StatusCreated, w.Code)
		return decodeBody(t, w)
	}

	first := vet("accepted")
	assert.Equal(t, float64(1), first["points_change"])
	assert.Equal(t, float64(501), first["new_points"])
	assert.Equal(t, true, first["new_requester"])

	second := vet("rejected")
	assert.Equal(t, float64(491), second["new_points"])

	third := vet("info_needed")
	assert.Equal(t, float64(486), third["new_points"])
	assert.Equal(t, false, third["new_requester"])

	w := doJSON(t, r, http.MethodGet, "/api/v1/user/1234567", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	user := body["user"].(map[string]interface{})
	assert.Equal(t, float64(486), user["points"])
	counts := body["counts"].(map[string]interface{})
	assert.Equal(t, float64(1), counts["accepted"])
	assert.Equal(t, float64(1), counts["rejected"])
	assert.Equal(t, float64(0), counts["delayed"])
}

func TestVetValidation(t *testing.T) {
	r := newTestRouter(t)
	cookie := unlockSession(t, r)

	tests := []struct {
		name    string
		payload gin.H
	}{
		{"short gmc", gin.H{"requester_gmc": "123", "rater_gmc": "7000001", "scan_type": "CT Head", "outcome": "accepted"}},
		{"unknown outcome", gin.H{"requester_gmc": "1234567", "rater_gmc": "7000001", "scan_type": "CT Head", "outcome": "approved"}},
		{"missing scan type", gin.H{"requester_gmc": "1234567", "rater_gmc": "7000001", "outcome": "accepted"}},
		{"rating out of range", gin.H{"requester_gmc": "1234567", "rater_gmc": "7000001", "scan_type": "CT Head", "outcome": "accepted", "quality": 11}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/api/v1/vet", tt.payload, cookie)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestUserNotFoundAndInvalid(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/v1/user/9999999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/user/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProfileUpdate(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/user/1234567/update", gin.H{
		"name":     "Dr Example",
		"hospital": "St Elsewhere",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	user := decodeBody(t, w)["user"].(map[string]interface{})
	assert.Equal(t, "Dr Example", user["name"])
	assert.Equal(t, float64(500), user["points"])

	// Partial update keeps untouched fields.
	w = doJSON(t, r, http.MethodPost, "/api/v1/user/1234567/update", gin.H{"grade": "ST3"})
	require.Equal(t, http.StatusOK, w.Code)
	user = decodeBody(t, w)["user"].(map[string]interface{})
	assert.Equal(t, "St Elsewhere", user["hospital"])
	assert.Equal(t, "ST3", user["grade"])
}

func TestRankEndpoint(t *testing.T) {
	r := newTestRouter(t)
	cookie := unlockSession(t, r)

	for i := 0; i < 3; i++ {
		w := doJSON(t, r, http.MethodPost, "/api/v1/vet", gin.H{
			"requester_gmc": fmt.Sprintf("%07d", 1000000+i),
			"rater_gmc":     "7000001",
			"scan_type":     "CT Head",
			"outcome":       "accepted",
		}, cookie)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(t, r, http.MethodGet, "/api/v1/rank/score?gmc=1000001&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "score", body["metric"])
	assert.Equal(t, float64(3), body["total"])
	assert.NotNil(t, body["percentile"])
	assert.Len(t, body["entries"], 3)

	w = doJSON(t, r, http.MethodGet, "/api/v1/rank/points", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTrendsEndpoint(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/v1/trends?interval=day&mode=raw&limit=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "day", body["interval"])
	assert.Len(t, body["periods"], 7)
	assert.Equal(t, false, body["has_more"])

	w = doJSON(t, r, http.MethodGet, "/api/v1/trends?interval=hour", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScanTypesEndpoint(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/v1/scan-types", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "CT Head")
}

func TestExportPINGate(t *testing.T) {
	r := newTestRouter(t)
	cookie := unlockSession(t, r)

	w := doJSON(t, r, http.MethodPost, "/api/v1/vet", gin.H{
		"requester_gmc": "1234567",
		"rater_gmc":     "7000001",
		"scan_type":     "CT Head",
		"outcome":       "rejected",
	}, cookie)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/export/all.csv", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/export/all.csv", nil)
	req.Header.Set("X-Audit-Pin", "4321")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "timestamp,requester_gmc"))
	assert.Contains(t, lines[1], "1234567")
}

func TestAdminDelete(t *testing.T) {
	r := newTestRouter(t)
	cookie := unlockSession(t, r)

	w := doJSON(t, r, http.MethodPost, "/api/v1/vet", gin.H{
		"requester_gmc": "1234567",
		"rater_gmc":     "7000001",
		"scan_type":     "CT Head",
		"outcome":       "accepted",
	}, cookie)
	require.Equal(t, http.StatusCreated, w.Code)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/admin/user/1234567", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/admin/user/1234567", nil)
	req.Header.Set("X-Audit-Pin", "4321")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/user/1234567", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// A second deletion has nothing left to remove.
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/admin/user/1234567", nil)
	req.Header.Set("X-Audit-Pin", "4321")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	redis, ok := body["redis"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "disabled", redis["status"])

	w = doJSON(t, r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Contains(t, body, "metrics")
	assert.Contains(t, body, "rate_limit")
}

func TestPrivacyPolicyEndpoint(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/v1/privacy/policy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Contains(t, body, "episode_retention")
	assert.Contains(t, body, "anonymization_method")
}

func TestMetricsResetPINGate(t *testing.T) {
	r := newTestRouter(t)

	// A request on record gives the counters something to lose.
	doJSON(t, r, http.MethodGet, "/api/v1/scan-types", nil)

	w := doJSON(t, r, http.MethodPost, "/metrics/reset", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/metrics/reset?pin=4321", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	w = doJSON(t, r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats, ok := decodeBody(t, w)["metrics"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(0), stats["episodes_recorded"])
}

func TestContentTypeEnforcement(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rad/unlock", strings.NewReader("code=test-code"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

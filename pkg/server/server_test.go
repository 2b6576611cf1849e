package server

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/helios-ems/helios/pkg/config"
	"github.com/helios-ems/helios/pkg/state"
	"github.com/helios-ems/helios/pkg/storage"
	"github.com/helios-ems/helios/pkg/storage/storagemock"
	"github.com/helios-ems/helios/pkg/types"
)

var testNow = time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)

func newTestServer(t *testing.T, db storage.Database) *Server {
	t.Helper()
	cfg, err := config.NewStore(types.DefaultSettings())
	require.NoError(t, err)
	if db == nil {
		db = storage.NewMemory()
	}
	return &Server{
		config:     cfg,
		shared:     state.New(),
		storage:    db,
		now:        func() time.Time { return testNow },
		serverName: "helios-test",
	}
}

func do(t *testing.T, h http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func testPlan() *types.Plan {
	start := testNow.Truncate(15 * time.Minute)
	return &types.Plan{
		ID:            "plan-1",
		GeneratedAt:   testNow.Add(-time.Minute),
		HorizonStart:  start,
		HorizonEnd:    start.Add(15 * time.Minute),
		WindowSeconds: 900,
		Slots: []types.PlanSlot{{
			Slot:            types.TimeSlot{Start: start, End: start.Add(15 * time.Minute)},
			Action:          types.ActionChargeFromGrid,
			TargetSetpointW: 3000,
		}},
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	rr := do(t, srv.setupHandler(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.Equal(t, "helios-test", rr.Header().Get("Server"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(t, nil)
	rr := do(t, srv.setupHandler(), http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.setupHandler()

	t.Run("before first plan", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/api/status", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var st types.Status
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&st))
		assert.Empty(t, st.PlanID)
		assert.False(t, st.AutomationPause)
	})

	t.Run("with plan", func(t *testing.T) {
		srv.shared.PublishPlan(testPlan())
		srv.shared.SetPaused(true)
		rr := do(t, h, http.MethodGet, "/api/status", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
		var st types.Status
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&st))
		assert.Equal(t, "plan-1", st.PlanID)
		assert.True(t, st.AutomationPause)
		assert.InDelta(t, 60, st.PlanAgeSeconds, 0.001)
	})
}

func TestPlan(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.setupHandler()

	rr := do(t, h, http.MethodGet, "/api/plan", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "plan not ready")

	srv.shared.PublishPlan(testPlan())
	rr = do(t, h, http.MethodGet, "/api/plan", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var p types.Plan
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&p))
	assert.Equal(t, "plan-1", p.ID)
	require.Len(t, p.Slots, 1)
	assert.Equal(t, types.ActionChargeFromGrid, p.Slots[0].Action)
}

func TestPauseResume(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.setupHandler()

	rr := do(t, h, http.MethodPost, "/api/pause", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, srv.shared.Paused())

	// idempotent
	rr = do(t, h, http.MethodPost, "/api/pause", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, srv.shared.Paused())

	rr = do(t, h, http.MethodPost, "/api/resume", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, srv.shared.Paused())
	assert.JSONEq(t, `{"paused":false}`, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/api/pause", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSettings(t *testing.T) {
	t.Run("get", func(t *testing.T) {
		srv := newTestServer(t, nil)
		rr := do(t, srv.setupHandler(), http.MethodGet, "/api/settings", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var s types.Settings
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&s))
		assert.Equal(t, types.DefaultSettings().PlanningWindowSeconds, s.PlanningWindowSeconds)
	})

	t.Run("partial update is applied and persisted", func(t *testing.T) {
		db := storage.NewMemory()
		srv := newTestServer(t, db)
		rr := do(t, srv.setupHandler(), http.MethodPost, "/api/settings", `{"priceHysteresisEURPerKWH":0.05}`, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.InDelta(t, 0.05, srv.config.Load().PriceHysteresisEURPerKWH, 1e-9)
		assert.Equal(t, types.DefaultSettings().GridImportLimitW, srv.config.Load().GridImportLimitW)

		stored, version, err := db.GetSettings(context.Background())
		require.NoError(t, err)
		assert.Equal(t, types.CurrentSettingsVersion, version)
		assert.InDelta(t, 0.05, stored.PriceHysteresisEURPerKWH, 1e-9)
	})

	t.Run("invalid value is rejected", func(t *testing.T) {
		srv := newTestServer(t, nil)
		rr := do(t, srv.setupHandler(), http.MethodPost, "/api/settings", `{"planningWindowSeconds":10}`, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "planning_window_seconds")
		assert.Equal(t, types.DefaultSettings().PlanningWindowSeconds, srv.config.Load().PlanningWindowSeconds)
	})

	t.Run("unknown field is rejected", func(t *testing.T) {
		srv := newTestServer(t, nil)
		rr := do(t, srv.setupHandler(), http.MethodPost, "/api/settings", `{"notASetting":1}`, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("persist failure still applies", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("SetSettings", mock.Anything, mock.Anything, types.CurrentSettingsVersion).Return(assert.AnError)
		srv := newTestServer(t, db)
		rr := do(t, srv.setupHandler(), http.MethodPost, "/api/settings", `{"dryRun":true}`, nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.True(t, srv.config.Load().DryRun)
		db.AssertExpectations(t)
	})
}

func TestHistory(t *testing.T) {
	db := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, db.InsertTransition(ctx, types.Transition{
		Timestamp: testNow.Add(-2 * time.Hour),
		From:      types.ActionIdle,
		To:        types.ActionChargeFromGrid,
		Reason:    "cheap",
	}))
	require.NoError(t, db.InsertTransition(ctx, types.Transition{
		Timestamp: testNow.Add(-48 * time.Hour),
		From:      types.ActionChargeFromGrid,
		To:        types.ActionIdle,
		Reason:    "old",
	}))
	require.NoError(t, db.UpsertEnergyHistory(ctx, types.EnergyStats{
		TSHourStart: testNow.Truncate(time.Hour).Add(-time.Hour),
	}))

	srv := newTestServer(t, db)
	h := srv.setupHandler()

	t.Run("transitions default to last day", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/api/history/transitions", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var got []types.Transition
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
		require.Len(t, got, 1)
		assert.Equal(t, "cheap", got[0].Reason)
	})

	t.Run("energy", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/api/history/energy", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var got []types.EnergyStats
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
		assert.Len(t, got, 1)
	})

	t.Run("invalid range", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/api/history/transitions?start=2026-03-02T00:00:00Z&end=2026-03-01T00:00:00Z", "", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("storage error", func(t *testing.T) {
		mdb := &storagemock.MockDatabase{}
		mdb.On("GetTransitions", mock.Anything, mock.Anything, mock.Anything).Return([]types.Transition(nil), assert.AnError)
		srv := newTestServer(t, mdb)
		rr := do(t, srv.setupHandler(), http.MethodGet, "/api/history/transitions", "", nil)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestParseTimeRange(t *testing.T) {
	req := func(q string) *http.Request {
		return httptest.NewRequest(http.MethodGet, "/api/history/energy"+q, nil)
	}

	start, end, err := parseTimeRange(req(""), testNow)
	require.NoError(t, err)
	assert.Equal(t, testNow, end)
	assert.Equal(t, testNow.Add(-24*time.Hour), start)

	start, end, err = parseTimeRange(req("?start=2026-03-01T00:00:00Z&end=2026-03-01T06:00:00Z"), testNow)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, end.Sub(start))

	_, _, err = parseTimeRange(req("?start=yesterday&end=2026-03-01T06:00:00Z"), testNow)
	assert.Error(t, err)

	_, _, err = parseTimeRange(req("?start=2026-01-01T00:00:00Z&end=2026-03-01T06:00:00Z"), testNow)
	assert.Error(t, err)
}

const (
	testIssuer   = "https://issuer.example.com"
	testAudience = "helios-test-client"
	testKeyID    = "test-key"
)

func setupTestVerifier(t *testing.T, srv *Server) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	verifier := oidc.NewVerifier(testIssuer, keySet, &oidc.Config{
		ClientID: testAudience,
		Now:      func() time.Time { return testNow },
	})
	srv.oidcVerifiers = map[string]tokenVerifier{"google": verifier.Verify}
	return key
}

func signTestToken(t *testing.T, key *rsa.PrivateKey, email string) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", testKeyID),
	)
	require.NoError(t, err)
	claims, err := json.Marshal(map[string]any{
		"iss":   testIssuer,
		"aud":   testAudience,
		"sub":   "user-" + email,
		"email": email,
		"iat":   testNow.Add(-time.Minute).Unix(),
		"exp":   testNow.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	jws, err := signer.Sign(claims)
	require.NoError(t, err)
	raw, err := jws.CompactSerialize()
	require.NoError(t, err)
	return raw
}

func TestRequireAdmin(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.adminEmails = []string{"admin@example.com"}
	key := setupTestVerifier(t, srv)
	h := srv.setupHandler()

	bearer := func(tok string) http.Header {
		return http.Header{"Authorization": []string{"Bearer " + tok}}
	}

	t.Run("missing token", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/api/pause", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.False(t, srv.shared.Paused())
	})

	t.Run("malformed header", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/api/pause", "", http.Header{"Authorization": []string{"Basic abc"}})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/api/pause", "", bearer("not-a-jwt"))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.False(t, srv.shared.Paused())
	})

	t.Run("token from another key", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		rr := do(t, h, http.MethodPost, "/api/pause", "", bearer(signTestToken(t, other, "admin@example.com")))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("not an admin", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/api/pause", "", bearer(signTestToken(t, key, "someone@example.com")))
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.False(t, srv.shared.Paused())
	})

	t.Run("admin", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/api/pause", "", bearer(signTestToken(t, key, "admin@example.com")))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.True(t, srv.shared.Paused())
	})

	t.Run("reads stay open", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/api/settings", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestRun(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.listenAddr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

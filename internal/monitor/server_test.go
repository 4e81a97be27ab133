package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/broker"
	"trailbot/internal/calendar"
	"trailbot/internal/models"
	"trailbot/internal/performance"
	"trailbot/internal/storage"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newServer(t *testing.T, authToken string) (*Server, *broker.Paper, *storage.MockStorage) {
	t.Helper()
	cal, err := calendar.New("XNYS", calendar.ExtendedHours{})
	require.NoError(t, err)
	paper := broker.NewPaper(dec("100000"))
	store := storage.NewMockStorage()
	tracker := performance.New(store, testLogger(), cal.Location())
	s := NewServer(Config{Port: 0, AuthToken: authToken}, store, paper, tracker, cal,
		[]string{"TSLA", "BTC/USD"}, testLogger())
	return s, paper, store
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newServer(t, "")
	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestStatusDerivesPerSymbol(t *testing.T) {
	s, paper, store := newServer(t, "")
	ctx := context.Background()

	// TSLA holds a position; BTC/USD sits in cooldown.
	id, err := paper.SubmitEntry(ctx, broker.EntryOrder{
		Symbol: "TSLA", Class: models.AssetEquity, Qty: dec("4"), StopTrigger: dec("231"),
	})
	require.NoError(t, err)
	require.NoError(t, paper.Fill(id, dec("232.10"), time.Now().UTC()))

	until := time.Now().UTC().Add(10 * time.Minute)
	require.NoError(t, store.UpsertSymbolState(&models.SymbolState{
		Symbol: "BTC/USD", CooldownUntil: &until,
	}, nil))

	rec := get(t, s, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var views []SymbolView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)

	assert.Equal(t, "TSLA", views[0].Symbol)
	assert.Equal(t, string(models.SymbolPositionOpen), views[0].Status)
	assert.Equal(t, "4", views[0].PositionQty)

	assert.Equal(t, "BTC/USD", views[1].Symbol)
	assert.Equal(t, string(models.SymbolCooldown), views[1].Status)
	require.NotNil(t, views[1].CooldownUntil)
}

func TestSymbolStatusNotFound(t *testing.T) {
	s, _, _ := newServer(t, "")
	rec := get(t, s, "/api/status/MSFT")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsAndFillsEndpoints(t *testing.T) {
	s, _, store := newServer(t, "")

	require.NoError(t, store.AppendEvent(models.NewEvent(models.EventBotStarted, "", nil)))
	_, err := store.InsertFill(&models.Fill{
		ExecID: "o1:4", OrderID: "o1", Symbol: "TSLA", Side: models.SideBuy,
		Qty: dec("4"), Price: dec("232.10"), Timestamp: time.Now().UTC(),
	}, nil)
	require.NoError(t, err)

	rec := get(t, s, "/api/events")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []models.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, models.EventBotStarted, events[0].Type)

	rec = get(t, s, "/api/fills")
	require.Equal(t, http.StatusOK, rec.Code)
	var fills []models.Fill
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fills))
	require.Len(t, fills, 1)
	assert.Equal(t, "o1:4", fills[0].ExecID)
}

func TestPerformanceEndpoint(t *testing.T) {
	s, _, store := newServer(t, "")
	require.NoError(t, store.InsertSnapshot(&models.PerformanceSnapshot{
		Date: time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC), AccountValue: dec("101000"), DailyPnL: dec("1000"),
	}))

	rec := get(t, s, "/api/performance")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary performance.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Days)
	assert.True(t, summary.TotalPnL.Equal(dec("1000")))
}

func TestAuthToken(t *testing.T) {
	s, _, _ := newServer(t, "sekret")

	rec := get(t, s, "/api/status")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays open for liveness probes.
	rec = get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.Header.Set("X-Auth-Token", "sekret")
	out := httptest.NewRecorder()
	s.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"trackd/config"
	"trackd/internal/models"
	"trackd/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(t *testing.T, mutate func(*config.Config)) *App {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Logging.Level = "error"
	if mutate != nil {
		mutate(cfg)
	}
	a := &App{}
	require.NoError(t, a.Initialize(cfg))
	t.Cleanup(a.Close)
	return a
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestRunWithoutInitialize(t *testing.T) {
	assert.ErrorIs(t, (&App{}).Run(), ErrNotInitialized)
}

func TestInMemoryApp(t *testing.T) {
	a := newApp(t, nil)
	h := a.Handler()

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/readyz").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/ui/").Code)
	assert.Equal(t, http.StatusFound, serve(h, http.MethodGet, "/").Code)

	rec := serve(h, http.MethodOptions, "/anything")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = serve(h, http.MethodGet, "/api/v1/report_position?device_id=D1&lat=14.2&lng=121.1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(h, http.MethodGet, "/api/v1/current_position?device_id=D1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "trackd_position_reports_total")
}

func TestWebUI(t *testing.T) {
	h := newApp(t, nil).Handler()

	rec := serve(h, http.MethodGet, "/ui/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Body.String(), "Tracking number")

	rec = serve(h, http.MethodGet, "/ui")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/ui/", rec.Header().Get("Location"))

	rec = serve(h, http.MethodGet, "/track/TRK%2012")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/ui/?tracking=TRK+12", rec.Header().Get("Location"))

	rec = serve(h, http.MethodGet, "/ui/index.html")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
}

func TestInMemoryAppSeedsDeliveries(t *testing.T) {
	a := newApp(t, func(c *config.Config) {
		c.Deliveries = []config.DeliverySeed{
			{TrackingNumber: "T1", DeviceID: "D1", DestLat: 14.21, DestLng: 121.11, Status: "Out for Delivery"},
			{TrackingNumber: "T2", DestLat: 14.3, DestLng: 121.2},
		}
	})
	h := a.Handler()

	rec := serve(h, http.MethodGet, "/api/v1/report_position?device_id=D1&lat=14.2002&lng=121.1002")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(h, http.MethodGet, "/api/v1/snapshot?tracking_id=T1")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"success":true`)

	rec = serve(h, http.MethodGet, "/api/v1/resolve_delivery?tracking_id=T2")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"message":"unassigned"`)

	rec = serve(h, http.MethodGet, "/api/v1/resolve_delivery?tracking_id=T3")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSQLiteApp(t *testing.T) {
	a := newApp(t, func(c *config.Config) {
		c.Database.Driver = "sqlite"
		c.Database.DSN = "file:serverapp?mode=memory&cache=shared"
	})
	driver := "D7"
	_, err := repo.NewDeliveryStore(a.db).Upsert(context.Background(), models.Delivery{
		TrackingNumber: "T7", DeviceID: &driver, DestinationLat: 14.21, DestinationLng: 121.11, Status: "Out for Delivery",
	})
	require.NoError(t, err)

	h := a.Handler()
	rec := serve(h, http.MethodGet, "/api/v1/report_position?device_id=D7&lat=14.2002&lng=121.1002")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(h, http.MethodGet, "/api/v1/snapshot?tracking_id=T7")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Origin struct{ Name string } `json:"origin"`
			Trail  []any                `json:"trail"`
			ETA    struct {
				ETAMinutes int `json:"eta_minutes"`
			} `json:"eta"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Len(t, body.Data.Trail, 1)
	assert.Equal(t, 2, body.Data.ETA.ETAMinutes)
	assert.Equal(t, "Headquarters", body.Data.Origin.Name)

	rec = serve(h, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"db":"ok"`)
}

func TestWatchConfigSwapsThresholds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trackd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: error\n"), 0o644))

	l, err := config.NewLoader(path)
	require.NoError(t, err)
	cfg, err := l.Config()
	require.NoError(t, err)

	a := &App{}
	require.NoError(t, a.Initialize(cfg))
	t.Cleanup(a.Close)
	a.WatchConfig(l)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: error\nmovement:\n  inactive_after: 45m\n"), 0o644))
	require.Eventually(t, func() bool {
		return a.classifier.Thresholds().InactiveAfter == 45*time.Minute
	}, 5*time.Second, 20*time.Millisecond)
}

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"flightmap-desktop/internal/config"
	"flightmap-desktop/internal/downloads"
	"flightmap-desktop/internal/metrics"
	"flightmap-desktop/internal/taskqueue"
)

// fakeEsri serves a 256px PNG for every tile and reports every tile as available
func fakeEsri(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 256, 256))); err != nil {
		t.Fatal(err)
	}
	tileBytes := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/tile/"):
			hits.Add(1)
			w.Header().Set("Content-Type", "image/png")
			w.Write(tileBytes)
		case strings.HasPrefix(r.URL.Path, "/tilemap/"):
			fmt.Fprint(w, `{"valid":true,"data":[1]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, srv *httptest.Server) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	cfg := config.Default()
	cfg.Logging.Level = "disabled"
	cfg.Cache.Root = t.TempDir()
	cfg.Prefetch.QueueDir = t.TempDir()
	cfg.Satellite.TileURL = srv.URL + "/tile/%d/%d/%d"
	cfg.Satellite.TileMapURL = srv.URL + "/tilemap/%d/%d/%d/1/1"
	cfg.Weather.Enabled = false
	cfg.Telemetry.Enabled = false

	// 512px of a 1024px world: zoom 2 tiles, two columns wide
	cfg.View = config.ViewConfig{Zoom: 1, Width: 512, Height: 512, FrameRate: 60}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := NewApp(cfg)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	t.Cleanup(app.Close)
	return app
}

// renderUntilComplete runs frames until every visible tile is drawn
func renderUntilComplete(t *testing.T, app *App) FrameStats {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := app.frames.Frame()
		if st.Visible > 0 && st.Rendered == st.Visible {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("visible tiles were never all rendered")
	return FrameStats{}
}

func TestFrameLoopRendersVisibleTiles(t *testing.T) {
	var hits atomic.Int32
	app := newTestApp(t, testConfig(t, fakeEsri(t, &hits)))

	first := app.frames.Frame()
	if first.Visible == 0 || first.Rendered != 0 {
		t.Fatalf("first frame = %+v, want visible tiles and nothing rendered", first)
	}

	st := renderUntilComplete(t, app)
	if got := app.uploader.Len(); got != st.Visible {
		t.Errorf("uploaded textures = %d, want %d", got, st.Visible)
	}
	if int(hits.Load()) != st.Visible {
		t.Errorf("provider requests = %d, want one per visible tile (%d)", hits.Load(), st.Visible)
	}

	stats, err := app.GetCacheStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats["satellite"].Entries != st.Visible {
		t.Errorf("cached tiles = %d, want %d", stats["satellite"].Entries, st.Visible)
	}
	if !strings.HasPrefix(stats["satellite"].CachePath, app.cfg.Cache.Root) {
		t.Errorf("cache path = %q", stats["satellite"].CachePath)
	}
}

func TestPanRequestsNewTiles(t *testing.T) {
	var hits atomic.Int32
	app := newTestApp(t, testConfig(t, fakeEsri(t, &hits)))
	renderUntilComplete(t, app)

	// Half a world to the east wraps onto columns not yet loaded
	app.PanMap(512, 0)
	if st := app.frames.Frame(); st.Rendered >= st.Visible {
		t.Errorf("frame after pan = %+v, want missing tiles", st)
	}
	renderUntilComplete(t, app)

	lat, lon, zoom := app.GetMapPosition()
	if lat != 0 || (lon != 180 && lon != -180) || zoom != 1 {
		t.Errorf("position = %v,%v z%v, want antimeridian at zoom 1", lat, lon, zoom)
	}

	app.ZoomMap(2)
	if _, _, zoom := app.GetMapPosition(); zoom != 2 {
		t.Errorf("zoom after ZoomMap(2) = %v", zoom)
	}
}

func TestFramesCountRenderedTiles(t *testing.T) {
	var hits atomic.Int32
	cfg := testConfig(t, fakeEsri(t, &hits))
	app := newTestApp(t, cfg)

	rec := metrics.NewRecorder()
	app.frames.sink = rec

	st := renderUntilComplete(t, app)
	if got := rec.Counter(metrics.TileRendered, "frame"); got < st.Rendered {
		t.Errorf("rendered counter = %d, want at least %d", got, st.Rendered)
	}
}

func TestBadgerEngine(t *testing.T) {
	var hits atomic.Int32
	cfg := testConfig(t, fakeEsri(t, &hits))
	cfg.Cache.Engine = "badger"
	app := newTestApp(t, cfg)

	st := renderUntilComplete(t, app)

	stats, err := app.GetCacheStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats["satellite"].Entries != st.Visible {
		t.Errorf("cached tiles = %d, want %d", stats["satellite"].Entries, st.Visible)
	}
	if !strings.HasSuffix(stats["satellite"].CachePath, "kv") {
		t.Errorf("cache path = %q", stats["satellite"].CachePath)
	}
}

func TestClearCache(t *testing.T) {
	var hits atomic.Int32
	app := newTestApp(t, testConfig(t, fakeEsri(t, &hits)))
	renderUntilComplete(t, app)

	if err := app.ClearCache("satellite"); err != nil {
		t.Fatalf("ClearCache() error = %v", err)
	}
	stats, _ := app.GetCacheStats()
	if stats["satellite"].Entries != 0 {
		t.Errorf("entries after clear = %d", stats["satellite"].Entries)
	}

	if err := app.ClearCache("weather"); err == nil {
		t.Error("ClearCache(weather) succeeded while weather is disabled")
	}
	if err := app.ClearCache("terrain"); err == nil {
		t.Error("ClearCache(terrain) succeeded")
	}
	if err := app.ClearCache(""); err != nil {
		t.Errorf("ClearCache(\"\") error = %v", err)
	}
}

func TestRateLimitControls(t *testing.T) {
	var hits atomic.Int32
	app := newTestApp(t, testConfig(t, fakeEsri(t, &hits)))

	if app.IsRateLimited("esri") {
		t.Fatal("esri rate limited at startup")
	}
	app.SetAutoRetryRateLimit(false)
	app.limits.CheckResponse("esri", http.StatusTooManyRequests)
	if !app.IsRateLimited("esri") || app.GetRateLimitStatus("esri") == nil {
		t.Fatal("esri not rate limited after a 429")
	}

	app.ManualRetryRateLimit("esri")
	if app.IsRateLimited("esri") {
		t.Error("esri still rate limited after manual retry")
	}
}

func TestNewAppRequiresALayer(t *testing.T) {
	var hits atomic.Int32
	cfg := testConfig(t, fakeEsri(t, &hits))
	cfg.Satellite.Enabled = false

	if _, err := NewApp(cfg); err == nil {
		t.Error("NewApp() succeeded with every layer disabled")
	}
}

func TestNewAppRejectsWeatherOptions(t *testing.T) {
	var hits atomic.Int32
	cfg := testConfig(t, fakeEsri(t, &hits))
	cfg.Weather.Enabled = true
	cfg.Weather.Size = 300

	if _, err := NewApp(cfg); err == nil {
		t.Error("NewApp() accepted a 300px weather tile size")
	}
}

func TestTelemetryEnabled(t *testing.T) {
	var hits atomic.Int32
	cfg := testConfig(t, fakeEsri(t, &hits))
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.APIKey = "phc_test"
	cfg.Telemetry.Host = "http://127.0.0.1:1"

	app := newTestApp(t, cfg)
	if app.telemetry == nil {
		t.Fatal("telemetry sink not created")
	}
	if _, ok := app.sink.(metrics.Multi); !ok {
		t.Errorf("sink = %T, want metrics.Multi", app.sink)
	}
	if app.GetInstallID() == "" {
		t.Error("install id is empty")
	}
}

func TestRunServesTilesUntilCanceled(t *testing.T) {
	var hits atomic.Int32
	cfg := testConfig(t, fakeEsri(t, &hits))
	cfg.Server.Enabled = true
	cfg.Server.Addr = "127.0.0.1:0"
	app := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for app.GetTileServerURL() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	url := app.GetTileServerURL()
	if url == "" {
		cancel()
		t.Fatal("tile server never started")
	}

	resp, err := http.Get(url + "/tiles/satellite/1/0/0")
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("tile status = %d", resp.StatusCode)
	}

	for app.frames.Frames() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if app.frames.Frames() == 0 {
		t.Error("frame loop never ran")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestQueuePrefetchRunsThroughPipeline(t *testing.T) {
	var hits atomic.Int32
	app := newTestApp(t, testConfig(t, fakeEsri(t, &hits)))

	if _, err := app.QueuePrefetch("", "terrain", downloads.BoundingBox{North: 1, East: 1}, 1, 0); err == nil {
		t.Error("QueuePrefetch() accepted an unknown kind")
	}
	if _, err := app.QueuePrefetch("", "satellite", downloads.BoundingBox{South: 10, North: 0}, 1, 0); err == nil {
		t.Error("QueuePrefetch() accepted an inverted box")
	}

	// the whole world at zoom 1
	task, err := app.QueuePrefetch("", "satellite", downloads.BoundingBox{South: -80, West: -179, North: 80, East: 179}, 1, 0)
	if err != nil {
		t.Fatalf("QueuePrefetch() error = %v", err)
	}
	if task.Name != "satellite z1 (4 tiles)" || task.Progress.Total != 4 {
		t.Errorf("task = %q total %d", task.Name, task.Progress.Total)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go app.queue.Serve(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := app.GetPrefetchTask(task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status.Finished() {
			if got.Status != taskqueue.TaskStatusCompleted {
				t.Fatalf("status = %s error = %q", got.Status, got.Error)
			}
			if got.Summary == nil || got.Summary.Fetched != 4 {
				t.Errorf("summary = %+v", got.Summary)
			}
			if hits.Load() != 4 {
				t.Errorf("provider hits = %d, want 4", hits.Load())
			}
			if n := app.ClearCompletedTasks(); n != 1 {
				t.Errorf("ClearCompletedTasks() = %d", n)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("prefetch task never finished")
}

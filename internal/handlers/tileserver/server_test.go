package tileserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"flightmap-desktop/internal/cache"
	"flightmap-desktop/internal/downloads"
	"flightmap-desktop/internal/metrics"
	"flightmap-desktop/internal/pipeline"
	"flightmap-desktop/internal/ratelimit"
	"flightmap-desktop/internal/tile"
)

// fakeRemote serves tiles with x < 2 and fails for x == 3
type fakeRemote struct {
	store tile.Writer
}

func (f *fakeRemote) Name() string { return "remote" }

func (f *fakeRemote) Fetch(_ context.Context, id tile.ID) ([]byte, error) {
	switch {
	case id.X == 3:
		return nil, tile.NewError(tile.KindProvider, "remote", id, errors.New("bad gateway"))
	case id.X >= 2:
		return nil, nil
	}
	data := []byte("jpeg:" + id.String())
	if f.store != nil {
		f.store.Persist(id, data)
	}
	return data, nil
}

func (f *fakeRemote) Readiness(context.Context, tile.ID) tile.Readiness { return tile.Unknown }
func (f *fakeRemote) TileSize() (uint32, bool)                         { return 256, true }

type testEnv struct {
	srv    *httptest.Server
	disk   *cache.Disk
	limits *ratelimit.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	prom := metrics.NewPrometheusSink("flightmap")
	disk := cache.NewDisk(cache.DataFor(t.TempDir(), tile.Satellite, time.Hour), prom, zerolog.Nop())
	remote := &fakeRemote{store: disk}

	sat, err := pipeline.New([]tile.Backend{disk, remote}, pipeline.NewMemoryUploader(),
		pipeline.Options{Name: "satellite"}, prom, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sat.Close)

	limits := ratelimit.NewHandler(nil, zerolog.Nop())
	s := NewServer(
		&pipeline.Set{Satellite: sat},
		map[tile.Kind]cache.Store{tile.Satellite: disk},
		limits,
		downloads.NewPrefetcher(2, 64, nil, prom, zerolog.Nop()),
		Options{
			MaxZoom:  map[tile.Kind]uint32{tile.Satellite: 4},
			Gatherer: prom.Registry(),
		},
		zerolog.Nop(),
	)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, disk: disk, limits: limits}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServeTile(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/tiles/satellite/2/1/3", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "jpeg:2/1/3" {
		t.Errorf("body = %q", body)
	}
	if resp.Header.Get("Content-Type") != "image/jpeg" || resp.Header.Get("X-Tile-Source") != "remote" {
		t.Errorf("headers = %v", resp.Header)
	}

	// Second request is served by the disk tier the first one wrote through
	resp = env.do(t, http.MethodGet, "/tiles/satellite/2/1/3", "")
	if src := resp.Header.Get("X-Tile-Source"); !strings.HasPrefix(src, "disk/") {
		t.Errorf("X-Tile-Source = %q, want disk tier", src)
	}
}

func TestServeTileErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		path   string
		status int
	}{
		{"/tiles/satellite/2/2/0", http.StatusNotFound},
		{"/tiles/weather/2/0/0", http.StatusNotFound},
		{"/tiles/terrain/2/0/0", http.StatusNotFound},
		{"/tiles/satellite/2/9/0", http.StatusBadRequest},
		{"/tiles/satellite/z/0/0", http.StatusBadRequest},
		{"/tiles/satellite/2/-1/0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if resp := env.do(t, http.MethodGet, tt.path, ""); resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestServeTileBackendFailure(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/tiles/satellite/2/3/0", "")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Tile-Source") != "placeholder" {
		t.Errorf("status = %d, source = %q, want placeholder", resp.StatusCode, resp.Header.Get("X-Tile-Source"))
	}
	if resp.Header.Get("Content-Type") != "image/png" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
}

func TestStatsAndClearCache(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/tiles/satellite/1/0/0", "")

	var stats statsResponse
	resp := env.do(t, http.MethodGet, "/stats", "")
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if len(stats.Pipelines) != 1 || stats.Pipelines[0].Name != "satellite" {
		t.Errorf("pipelines = %+v", stats.Pipelines)
	}
	if stats.Caches["satellite"].Entries != 1 {
		t.Errorf("caches = %+v", stats.Caches)
	}

	if resp := env.do(t, http.MethodDelete, "/cache/satellite", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}
	if st, _ := env.disk.Stats(); st.Entries != 0 {
		t.Errorf("entries after clear = %d", st.Entries)
	}
	if resp := env.do(t, http.MethodDelete, "/cache/weather", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("DELETE weather status = %d", resp.StatusCode)
	}
}

func TestRateLimitEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var state rateLimitState
	decode := func(resp *http.Response) {
		t.Helper()
		state = rateLimitState{}
		if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
			t.Fatal(err)
		}
	}

	decode(env.do(t, http.MethodGet, "/ratelimit/esri", ""))
	if state.RateLimited || state.DisplayName != "Esri World Imagery" {
		t.Errorf("state = %+v", state)
	}

	env.limits.CheckResponse("esri", http.StatusTooManyRequests)
	decode(env.do(t, http.MethodGet, "/ratelimit/esri", ""))
	if !state.RateLimited {
		t.Error("provider not reported as rate limited")
	}

	if resp := env.do(t, http.MethodPost, "/ratelimit/esri/retry", ""); resp.StatusCode != http.StatusAccepted {
		t.Errorf("retry status = %d", resp.StatusCode)
	}
	decode(env.do(t, http.MethodGet, "/ratelimit/esri", ""))
	if state.RateLimited {
		t.Error("provider still rate limited after manual retry")
	}
}

func TestPrefetchEndpoint(t *testing.T) {
	env := newTestEnv(t)

	body := `{"south":-80,"west":-170,"north":80,"east":170,"zoom":1}`
	resp := env.do(t, http.MethodPost, "/prefetch/satellite", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var summary downloads.Summary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatal(err)
	}
	if summary.Total != 4 || summary.Fetched != 4 {
		t.Errorf("summary = %+v", summary)
	}
	if st, _ := env.disk.Stats(); st.Entries != 4 {
		t.Errorf("disk entries = %d, want 4", st.Entries)
	}

	// Everything is now on disk
	resp = env.do(t, http.MethodPost, "/prefetch/satellite", body)
	summary = downloads.Summary{}
	json.NewDecoder(resp.Body).Decode(&summary)
	if summary.Cached != 4 {
		t.Errorf("second run cached = %d, want 4", summary.Cached)
	}

	tooDeep := `{"south":-80,"west":-170,"north":80,"east":170,"zoom":5}`
	if resp := env.do(t, http.MethodPost, "/prefetch/satellite", tooDeep); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("zoom above max status = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodPost, "/prefetch/satellite", "{"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", resp.StatusCode)
	}
}

func TestMetricsAndCORS(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/tiles/satellite/1/0/0", "")

	resp := env.do(t, http.MethodGet, "/metrics", "")
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "flightmap_operation_duration_seconds") {
		t.Error("metrics output lacks operation histogram")
	}

	req, _ := http.NewRequest(http.MethodOptions, env.srv.URL+"/tiles/satellite/1/0/0", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	preflight, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer preflight.Body.Close()
	if got := preflight.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestServeListensAndStops(t *testing.T) {
	s := NewServer(&pipeline.Set{}, nil, nil, nil, Options{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.GetTileServerURL() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	url := s.GetTileServerURL()
	if !strings.HasPrefix(url, "http://127.0.0.1:") {
		t.Fatalf("GetTileServerURL() = %q", url)
	}

	resp, err := http.Get(url + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() = %v, want context.Canceled", err)
	}
}

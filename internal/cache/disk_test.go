package cache

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"flightmap-desktop/internal/metrics"
	"flightmap-desktop/internal/tile"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestDisk(t *testing.T, ttl time.Duration) (*Disk, *metrics.Recorder) {
	t.Helper()
	rec := metrics.NewRecorder()
	data := DataFor(t.TempDir(), tile.Weather, ttl)
	return NewDisk(data, rec, zerolog.Nop()), rec
}

func TestDataPath(t *testing.T) {
	d := Data{Folder: "root", Extension: "jpg"}
	got := d.Path(tile.ID{X: 3, Y: 7, Zoom: 5})
	want := filepath.Join("root", "5", "3", "7.jpg")
	if got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func TestDiskFetchMiss(t *testing.T) {
	d, rec := newTestDisk(t, time.Hour)

	data, err := d.Fetch(context.Background(), tile.ID{X: 1, Y: 1, Zoom: 1})
	if data != nil || err != nil {
		t.Errorf("Fetch() = %v, %v, want nil, nil", data, err)
	}
	if len(rec.Samples(metrics.TileRequest)) != 1 {
		t.Error("request latency not recorded")
	}
}

func TestDiskPersistAndFetch(t *testing.T) {
	d, _ := newTestDisk(t, time.Hour)
	id := tile.ID{X: 2, Y: 3, Zoom: 4}
	want := pngBytes(t, 4, 4)

	if err := d.Persist(id, want); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if r := d.Readiness(context.Background(), id); r != tile.Available {
		t.Errorf("Readiness() = %v, want available", r)
	}

	got, err := d.Fetch(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("fetched bytes differ from persisted bytes")
	}

	// No temp files may be left behind
	entries, err := os.ReadDir(filepath.Dir(d.Data().Path(id)))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly one file, got %d", len(entries))
	}
}

func TestDiskInvalidation(t *testing.T) {
	d, _ := newTestDisk(t, time.Minute)
	fresh := tile.ID{X: 0, Y: 0, Zoom: 1}
	stale := tile.ID{X: 1, Y: 0, Zoom: 1}

	for _, id := range []tile.ID{fresh, stale} {
		if err := d.Persist(id, pngBytes(t, 2, 2)); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * time.Minute)
	stalePath := d.Data().Path(stale)
	if err := os.Chtimes(stalePath, old, old); err != nil {
		t.Fatal(err)
	}

	if r := d.Readiness(context.Background(), stale); r != tile.NotAvailable {
		t.Errorf("stale Readiness() = %v, want not available", r)
	}

	data, err := d.Fetch(context.Background(), stale)
	if data != nil || err != nil {
		t.Errorf("stale Fetch() = %v, %v, want nil, nil", data, err)
	}
	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Error("stale tile was not removed")
	}

	data, err = d.Fetch(context.Background(), fresh)
	if err != nil || data == nil {
		t.Errorf("fresh Fetch() = %v, %v", data, err)
	}
}

func TestDiskTileSize(t *testing.T) {
	d, _ := newTestDisk(t, 0)

	if _, ok := d.TileSize(); ok {
		t.Error("empty cache should not know its tile size")
	}

	if err := d.Persist(tile.ID{X: 5, Y: 5, Zoom: 3}, pngBytes(t, 16, 16)); err != nil {
		t.Fatal(err)
	}
	size, ok := d.TileSize()
	if !ok || size != 16 {
		t.Errorf("TileSize() = %d, %v, want 16, true", size, ok)
	}
}

func TestDiskTileSizePanicsOnNonSquare(t *testing.T) {
	d, _ := newTestDisk(t, 0)
	if err := d.Persist(tile.ID{X: 1, Y: 1, Zoom: 1}, pngBytes(t, 16, 8)); err != nil {
		t.Fatal(err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic on non-square cached tile")
		}
	}()
	d.TileSize()
}

func TestDiskStatsSweepClear(t *testing.T) {
	d, _ := newTestDisk(t, time.Minute)

	for x := uint32(0); x < 4; x++ {
		if err := d.Persist(tile.ID{X: x, Y: 0, Zoom: 2}, pngBytes(t, 2, 2)); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-time.Hour)
	for x := uint32(0); x < 2; x++ {
		if err := os.Chtimes(d.Data().Path(tile.ID{X: x, Y: 0, Zoom: 2}), old, old); err != nil {
			t.Fatal(err)
		}
	}

	s, err := d.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if s.Entries != 4 || s.Stale != 2 || s.Bytes == 0 {
		t.Errorf("Stats() = %+v", s)
	}

	j := NewJanitor(time.Hour, zerolog.Nop(), d)
	if removed := j.SweepAll(context.Background()); removed != 2 {
		t.Errorf("SweepAll() removed %d, want 2", removed)
	}

	if err := d.Clear(); err != nil {
		t.Fatal(err)
	}
	s, err = d.Stats()
	if err != nil || s.Entries != 0 {
		t.Errorf("Stats() after Clear = %+v, %v", s, err)
	}
}

func TestJanitorServeStopsOnCancel(t *testing.T) {
	d, _ := newTestDisk(t, time.Minute)
	j := NewJanitor(time.Millisecond, zerolog.Nop(), d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Serve(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

package downloads

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"flightmap-desktop/internal/tile"
)

type fakeSource struct {
	mu      sync.Mutex
	fetched []tile.ID

	ready   func(tile.ID) tile.Readiness
	respond func(tile.ID) ([]byte, error)
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Readiness(_ context.Context, id tile.ID) tile.Readiness {
	if f.ready == nil {
		return tile.Unknown
	}
	return f.ready(id)
}

func (f *fakeSource) FetchBytes(_ context.Context, id tile.ID) ([]byte, string, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, id)
	f.mu.Unlock()

	if f.respond == nil {
		return []byte("tile"), "remote", nil
	}
	data, err := f.respond(id)
	return data, "remote", err
}

func TestBoundingBoxValidate(t *testing.T) {
	tests := []struct {
		name    string
		bbox    BoundingBox
		wantErr bool
	}{
		{"valid", BoundingBox{South: 28, West: -82, North: 30, East: -80}, false},
		{"crosses antimeridian", BoundingBox{South: -10, West: 170, North: 10, East: -170}, false},
		{"inverted latitude", BoundingBox{South: 30, West: -82, North: 28, East: -80}, true},
		{"zero width", BoundingBox{South: 28, West: -82, North: 30, East: -82}, true},
		{"latitude out of range", BoundingBox{South: -95, West: 0, North: 0, East: 1}, true},
		{"longitude out of range", BoundingBox{South: 0, West: 0, North: 1, East: 190}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.bbox.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateTileCoordinates(t *testing.T) {
	if err := ValidateTileCoordinates(3, 7, 7); err != nil {
		t.Error(err)
	}
	if err := ValidateTileCoordinates(3, 8, 0); err == nil {
		t.Error("x=8 accepted at zoom 3")
	}
	if err := ValidateTileCoordinates(32, 0, 0); err == nil {
		t.Error("zoom 32 accepted")
	}
	if err := ValidateTileCoordinates(26, 1<<24, 0); err == nil {
		t.Error("x beyond the key range accepted")
	}
}

func TestPrefetchCountsOutcomes(t *testing.T) {
	src := &fakeSource{
		ready: func(id tile.ID) tile.Readiness {
			if id.X == 0 && id.Y == 0 {
				return tile.Available
			}
			return tile.NotAvailable
		},
		respond: func(id tile.ID) ([]byte, error) {
			switch {
			case id.X == 1 && id.Y == 0:
				return nil, nil
			case id.X == 0 && id.Y == 1:
				return nil, errors.New("offline")
			default:
				return []byte("jpeg"), nil
			}
		},
	}

	var progress []DownloadProgress
	var mu sync.Mutex
	p := NewPrefetcher(2, 100, func(dp DownloadProgress) {
		mu.Lock()
		progress = append(progress, dp)
		mu.Unlock()
	}, nil, zerolog.Nop())

	req := Request{BoundingBox: BoundingBox{South: -80, West: -170, North: 80, East: 170}, Zoom: 1}
	summary, err := p.Run(context.Background(), src, req, 19)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.Total != 4 || summary.Cached != 1 || summary.Missing != 1 || summary.Failed != 1 || summary.Fetched != 1 {
		t.Errorf("Run() summary = %+v", summary)
	}
	if len(src.fetched) != 3 {
		t.Errorf("fetched %d tiles, want 3 (cached tile skipped)", len(src.fetched))
	}
	if last := progress[len(progress)-1]; last.Percent != 100 || last.Downloaded != 4 {
		t.Errorf("final progress = %+v", last)
	}
}

func TestPrefetchRejectsLargeAreas(t *testing.T) {
	p := NewPrefetcher(2, 10, nil, nil, zerolog.Nop())
	req := Request{BoundingBox: BoundingBox{South: -80, West: -170, North: 80, East: 170}, Zoom: 5}

	if _, err := p.Run(context.Background(), &fakeSource{}, req, 19); err == nil {
		t.Error("Run() accepted an area over the tile limit")
	}
	if _, err := p.Plan(Request{BoundingBox: req.BoundingBox, Zoom: 20}, 19); err == nil {
		t.Error("Plan() accepted zoom above the provider maximum")
	}
}

func TestPrefetchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{
		respond: func(tile.ID) ([]byte, error) {
			cancel()
			return nil, context.Canceled
		},
	}

	p := NewPrefetcher(1, 1000, nil, nil, zerolog.Nop())
	req := Request{BoundingBox: BoundingBox{South: -60, West: -170, North: 60, East: 170}, Zoom: 3}
	_, err := p.Run(ctx, src, req, 19)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if len(src.fetched) != 1 {
		t.Errorf("fetched %d tiles, want 1 before cancellation", len(src.fetched))
	}
}

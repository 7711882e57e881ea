package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"flightmap-desktop/internal/metrics"
	"flightmap-desktop/internal/tile"
)

// OpenKV opens a badger database for tile storage. An empty dir opens an
// in-memory database.
func OpenKV(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db for tiles: %w", err)
	}
	return db, nil
}

// KV stores the tiles of one imagery kind in a shared badger database.
// Expiry uses badger's native TTL, so stale entries are simply absent.
type KV struct {
	db     *badger.DB
	prefix []byte
	ttl    time.Duration
	name   string
	sink   metrics.Sink
	logger zerolog.Logger
}

// NewKV creates a KV tier for kind. A zero ttl keeps entries forever.
func NewKV(db *badger.DB, kind tile.Kind, ttl time.Duration, sink metrics.Sink, logger zerolog.Logger) *KV {
	name := "kv/" + kind.String()
	return &KV{
		db:     db,
		prefix: []byte("tile/" + kind.String() + "/"),
		ttl:    ttl,
		name:   name,
		sink:   sink,
		logger: logger.With().Str("backend", name).Logger(),
	}
}

func (k *KV) key(id tile.ID) []byte {
	b := make([]byte, len(k.prefix)+8)
	copy(b, k.prefix)
	binary.BigEndian.PutUint64(b[len(k.prefix):], id.Key())
	return b
}

func (k *KV) Name() string {
	return k.name
}

func (k *KV) Fetch(ctx context.Context, id tile.ID) ([]byte, error) {
	defer metrics.Time(k.sink, metrics.TileRequest, k.name)()

	var data []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k.key(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, tile.NewError(tile.KindIO, k.name, id, err)
	}
	return data, nil
}

func (k *KV) Readiness(ctx context.Context, id tile.ID) tile.Readiness {
	err := k.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(k.key(id))
		return err
	})
	if err != nil {
		return tile.NotAvailable
	}
	return tile.Available
}

// TileSize decodes the header of the first stored tile
func (k *KV) TileSize() (uint32, bool) {
	var size uint32
	err := k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = k.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var w, h int
			err := it.Item().Value(func(val []byte) error {
				var err error
				w, h, err = tile.DecodeSize(val)
				return err
			})
			if err != nil {
				continue
			}
			if w != h {
				panic(fmt.Sprintf("cache: non-square tile in %s (%dx%d)", k.name, w, h))
			}
			size = uint32(w)
			return nil
		}
		return nil
	})
	if err != nil {
		k.logger.Warn().Err(err).Msg("failed to scan store for tile size")
	}
	return size, size != 0
}

func (k *KV) Persist(id tile.ID, data []byte) error {
	err := k.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(k.key(id), data)
		if k.ttl > 0 {
			e = e.WithTTL(k.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("failed to store tile %s: %w", id, err)
	}
	return nil
}

func (k *KV) Stats() (Stats, error) {
	var s Stats
	err := k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = k.prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			s.Entries++
			s.Bytes += it.Item().ValueSize()
		}
		return nil
	})
	return s, err
}

// Sweep runs value log garbage collection. Expired keys are already invisible.
func (k *KV) Sweep(ctx context.Context) (int, error) {
	if err := k.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		if errors.Is(err, badger.ErrGCInMemoryMode) {
			return 0, nil
		}
		return 0, fmt.Errorf("value log gc: %w", err)
	}
	return 0, nil
}

func (k *KV) Clear() error {
	if err := k.db.DropPrefix(k.prefix); err != nil {
		return fmt.Errorf("failed to clear %s: %w", k.name, err)
	}
	return nil
}

// Package archive keeps the receive backlog of torn-down connections for
// later inspection. Sessions are JSON, zstd-compressed, stored in badger.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
)

var ErrNotFound = errors.New("archive: session not found")

const sessionPrefix = "session/"

// Session is the archived record of one connection.
type Session struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	AcceptedAt time.Time `json:"accepted_at"`
	RemovedAt  time.Time `json:"removed_at"`
	Backlog    []string  `json:"backlog"`
}

// Archive is safe for concurrent use.
type Archive struct {
	db  *badger.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens the archive in dir. An empty dir keeps everything in memory.
func Open(dir string) (*Archive, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("archive: open %q: %w", dir, err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		enc.Close()
		db.Close()
		return nil, err
	}
	return &Archive{db: db, enc: enc, dec: dec}, nil
}

// Store writes s, replacing any session with the same ID.
func (a *Archive) Store(s Session) error {
	if s.ID == "" {
		return errors.New("archive: empty session id")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	val := a.enc.EncodeAll(raw, make([]byte, 0, len(raw)))
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionPrefix+s.ID), val)
	})
}

// Load returns the session stored under id.
func (a *Archive) Load(id string) (Session, error) {
	var s Session
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return a.decode(val, &s)
		})
	})
	return s, err
}

// List returns every stored session ordered by removal time.
func (a *Archive) List() ([]Session, error) {
	var out []Session
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var s Session
			if err := it.Item().Value(func(val []byte) error {
				return a.decode(val, &s)
			}); err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].RemovedAt.Before(out[j].RemovedAt) })
	return out, err
}

func (a *Archive) decode(val []byte, s *Session) error {
	raw, err := a.dec.DecodeAll(val, nil)
	if err != nil {
		return fmt.Errorf("archive: decompress: %w", err)
	}
	return json.Unmarshal(raw, s)
}

// Close flushes and closes the store.
func (a *Archive) Close() error {
	a.dec.Close()
	a.enc.Close()
	return a.db.Close()
}

// Package journal keeps a TTL-bounded record of every transaction outcome in
// badger so callers can look results up after the completion slot is gone.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/ecrlink/internal/protocol/ecr"
	"github.com/danmuck/ecrlink/internal/terminal"
	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTTL        = 72 * time.Hour
	DefaultGCInterval = 10 * time.Minute
	DefaultListLimit  = 50

	recordPrefix = "txn/"
	indexPrefix  = "idx/"
)

var (
	ErrNotFound = errors.New("journal: record not found")
	ErrClosed   = errors.New("journal: closed")
)

// Record is the stored form of one terminal.Outcome.
type Record struct {
	ID           string    `json:"id"`
	Terminal     string    `json:"terminal"`
	RefNum       string    `json:"ref_num,omitempty"`
	Type         string    `json:"type"`
	Command      string    `json:"command"`
	Amount       int64     `json:"amount,omitempty"`
	Status       string    `json:"status"`
	Request      string    `json:"request,omitempty"`
	ResponseCode string    `json:"response_code,omitempty"`
	Response     []string  `json:"response,omitempty"`
	Delimited    string    `json:"delimited,omitempty"`
	Error        string    `json:"error,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

func FromOutcome(terminalID string, o terminal.Outcome) Record {
	r := Record{
		ID:          o.ID,
		Terminal:    terminalID,
		RefNum:      o.RefNum,
		Type:        o.Type.String(),
		Command:     o.Type.Command(),
		Amount:      o.Amount,
		Status:      string(o.Status),
		SubmittedAt: o.SubmittedAt,
		CompletedAt: o.CompletedAt,
	}
	if s, err := ecr.FormatRequest(o.Request); err == nil {
		r.Request = s
	}
	if o.Response != nil {
		r.ResponseCode = o.Response.Field(0)
		r.Response = append([]string{o.Response.Command}, o.Response.Fields...)
		r.Delimited = o.Response.Delimited()
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
	}
	return r
}

type Options struct {
	// Dir is the badger directory. Empty keeps everything in memory.
	Dir        string
	TTL        time.Duration
	GCInterval time.Duration
}

type Journal struct {
	db  *badger.DB
	ttl time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func Open(opts Options) (*Journal, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = DefaultGCInterval
	}

	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.Dir == "" {
		bopts = bopts.WithInMemory(true)
	} else {
		bopts = bopts.
			WithValueLogFileSize(1 << 20).
			WithMemTableSize(8 << 20).
			WithSyncWrites(false)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("journal: open badger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &Journal{db: db, ttl: opts.TTL, cancel: cancel}
	if opts.Dir != "" {
		j.wg.Add(1)
		go j.maintenance(ctx, opts.GCInterval)
	}
	log.Info().Str("dir", opts.Dir).Dur("ttl", opts.TTL).Msg("journal.Journal opened")
	return j, nil
}

func recordKey(id string) []byte {
	return []byte(recordPrefix + id)
}

// indexKey sorts lexically by completion time.
func indexKey(r Record) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", indexPrefix, r.CompletedAt.UnixNano(), r.ID))
}

func (j *Journal) Append(r Record) error {
	if r.ID == "" {
		return fmt.Errorf("journal: record without id")
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry(recordKey(r.ID), data).WithTTL(j.ttl)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(indexKey(r), []byte(r.ID)).WithTTL(j.ttl))
	})
	if err != nil {
		return fmt.Errorf("journal: append %s: %w", r.ID, err)
	}
	log.Debug().Str("id", r.ID).Str("status", r.Status).Msg("journal.Journal append")
	return nil
}

func (j *Journal) Get(id string) (Record, error) {
	var r Record
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("journal: get %s: %w", id, err)
	}
	return r, nil
}

// List returns up to limit records, newest first.
func (j *Journal) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	out := make([]Record, 0, limit)
	err := j.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Reverse = true
		it := txn.NewIterator(itOpts)
		defer it.Close()

		prefix := []byte(indexPrefix)
		seek := append([]byte(indexPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var id []byte
			if err := it.Item().Value(func(val []byte) error {
				id = append([]byte{}, val...)
				return nil
			}); err != nil {
				return err
			}
			item, err := txn.Get(recordKey(string(id)))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var r Record
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
				log.Warn().Str("id", string(id)).Err(err).Msg("journal.Journal skipping unreadable record")
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return out, nil
}

func (j *Journal) maintenance(ctx context.Context, every time.Duration) {
	defer j.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				log.Warn().Err(err).Msg("journal.Journal value log gc failed")
			}
		}
	}
}

// Ping reports ErrClosed once Close has run.
func (j *Journal) Ping() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed || j.db.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	j.closed = true
	j.mu.Unlock()

	j.cancel()
	j.wg.Wait()
	return j.db.Close()
}

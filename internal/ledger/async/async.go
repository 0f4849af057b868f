package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/numz/conversations-mj/internal/ledger"
)

// Store wraps another ledger.Store and buffers Record calls, flushing
// them in batches from a background worker. Reads pass through to the
// underlying store.
type Store struct {
	inner ledger.Store

	entries chan ledger.Entry
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	batchSize     int
	flushInterval time.Duration
	logger        *log.Logger
}

// Options tunes the async writer. Zero values fall back to defaults.
type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Logger        *log.Logger
}

// New starts the background flush worker around inner.
func New(inner ledger.Store, opts Options) *Store {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	s := &Store{
		inner:         inner,
		entries:       make(chan ledger.Entry, opts.BufferSize),
		done:          make(chan struct{}),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		logger:        opts.Logger,
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Record enqueues the entry for background persistence. When the buffer
// is full the entry is dropped and the drop is logged, so a slow store
// never blocks a live stream.
func (s *Store) Record(_ context.Context, entry ledger.Entry) error {
	select {
	case <-s.done:
		return context.Canceled
	default:
	}
	select {
	case s.entries <- entry:
		return nil
	default:
		s.logger.Printf("[async-usage] buffer full, dropping entry conversation=%s", entry.ConversationID)
		return nil
	}
}

// Summary passes through to the underlying store.
func (s *Store) Summary(ctx context.Context, conversationID string) (ledger.Summary, error) {
	return s.inner.Summary(ctx, conversationID)
}

// ListRecent passes through to the underlying store.
func (s *Store) ListRecent(ctx context.Context, conversationID string, limit int) ([]ledger.Entry, error) {
	return s.inner.ListRecent(ctx, conversationID, limit)
}

// Close drains buffered entries, stops the worker, and closes the
// underlying store.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return s.inner.Close()
}

func (s *Store) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]ledger.Entry, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, e := range batch {
			if err := s.inner.Record(ctx, e); err != nil {
				s.logger.Printf("[async-usage] record failed conversation=%s err=%v", e.ConversationID, err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.entries:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain what is already buffered before exit.
			for {
				select {
				case e := <-s.entries:
					batch = append(batch, e)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

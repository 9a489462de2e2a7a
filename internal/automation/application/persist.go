package application

import (
	"context"
	"log"
	"sync"
	"time"
)

// statePersister writes trigger states to the store without blocking the
// meter lanes. Pending writes coalesce per state key, so a slow store only
// ever sees the newest state for each (trigger, asset) pair.
type statePersister struct {
	store  StateStore
	logger *log.Logger

	mu      sync.Mutex
	pending map[string]StoredState
	kick    chan struct{}
}

func newStatePersister(store StateStore, logger *log.Logger) *statePersister {
	return &statePersister{
		store:   store,
		logger:  logger,
		pending: make(map[string]StoredState),
		kick:    make(chan struct{}, 1),
	}
}

func (p *statePersister) enqueue(record StoredState) {
	p.mu.Lock()
	p.pending[record.State.Key()] = record
	p.mu.Unlock()
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// run flushes until the context is cancelled, then flushes once more so
// shutdown does not lose the newest states.
func (p *statePersister) run(ctx context.Context) {
	for {
		select {
		case <-p.kick:
			p.flush()
		case <-ctx.Done():
			p.flush()
			return
		}
	}
}

func (p *statePersister) flush() {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string]StoredState)
	p.mu.Unlock()
	for _, record := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := p.store.Upsert(ctx, record)
		cancel()
		if err != nil {
			p.logger.Printf("engine: state persist error for trigger %s: %v", record.State.TriggerID, err)
		}
	}
}

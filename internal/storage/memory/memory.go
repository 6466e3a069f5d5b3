package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/storage"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// ExpectedAgencies keeps wildcard results provisional until that many
	// agencies have registered. Zero disables the check.
	ExpectedAgencies int
}

// Store implements storage.Engine in memory; intended for tests and
// embedding. It follows the same visibility rules as the disk engine.
type Store struct {
	mu       sync.RWMutex
	ledger   []lottery.Bet
	working  map[lottery.Agency]bool
	expected int
	closed   bool

	// writeMu plays the role of the ledger lock.
	writeMu sync.Mutex

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

var _ storage.Engine = (*Store)(nil)

// New returns a ready to use in-memory store.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	return &Store{
		working:  make(map[lottery.Agency]bool),
		expected: cfg.ExpectedAgencies,
		watchers: make(map[chan struct{}]struct{}),
	}
}

// SetWorking records the agency's flag.
func (s *Store) SetWorking(_ context.Context, agency lottery.Agency, working bool) error {
	if agency == 0 {
		return fmt.Errorf("memory: set working: %w", lottery.ErrInvalidAgency)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	s.working[agency] = working
	s.mu.Unlock()
	s.notify()
	return nil
}

// IsWorking reports the agency's flag.
func (s *Store) IsWorking(_ context.Context, agency lottery.Agency) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, storage.ErrClosed
	}
	return s.working[agency], nil
}

// AppendBatch appends bets under the writer lock.
func (s *Store) AppendBatch(ctx context.Context, agency lottery.Agency, bets []lottery.Bet) error {
	if len(bets) == 0 {
		return nil
	}
	for _, bet := range bets {
		if bet.Agency != agency {
			return fmt.Errorf("memory: bet for agency %s in batch for agency %s: %w", bet.Agency, agency, lottery.ErrInvalidBet)
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory: acquire ledger lock: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	s.ledger = append(s.ledger, bets...)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Store) agenciesLocked() []lottery.Agency {
	agencies := make([]lottery.Agency, 0, len(s.working))
	for a := range s.working {
		agencies = append(agencies, a)
	}
	slices.Sort(agencies)
	return agencies
}

func (s *Store) isWorkingLocked(a lottery.Agency) bool {
	return s.working[a]
}

// WinnersCount counts winners for sel.
func (s *Store) WinnersCount(_ context.Context, sel lottery.Selector) (lottery.Winners, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return lottery.Winners{}, storage.ErrClosed
	}
	final := storage.Settled(sel, s.agenciesLocked(), s.isWorkingLocked, s.expected)
	return lottery.Winners{Count: storage.CountWinners(sel, s.ledger), Final: final}, nil
}

// RegisteredAgencies lists agencies that set a working flag.
func (s *Store) RegisteredAgencies(context.Context) ([]lottery.Agency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return s.agenciesLocked(), nil
}

// Status summarises every registered agency.
func (s *Store) Status(context.Context) ([]lottery.AgencyStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return storage.Summarise(s.agenciesLocked(), s.isWorkingLocked, s.ledger), nil
}

// Reset drops every bet and flag.
func (s *Store) Reset(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.ErrClosed
	}
	s.ledger = nil
	s.working = make(map[lottery.Agency]bool)
	s.mu.Unlock()
	s.notify()
	return nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Watch signals every change to the ledger or the flags until ctx ends.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()
	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.watchMu.Unlock()
	}()
	return ch, nil
}

func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

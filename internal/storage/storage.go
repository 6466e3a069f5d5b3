// Package storage defines the engine contract shared by the disk and memory
// bet stores.
package storage

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/lotteryd/internal/lottery"
)

var (
	// ErrContention reports that the ledger write lock is held by another
	// writer. Engines retry it internally; it only escapes from single-attempt
	// helpers.
	ErrContention = errors.New("storage: ledger lock contended")
	// ErrClosed is returned by engines after Close.
	ErrClosed = errors.New("storage: engine closed")
	// ErrNotImplemented reports an optional capability the engine lacks.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Engine is the bet store used by the request handler.
//
// AppendBatch is the only path that mutates the ledger and is serialised
// across every writer sharing the store. Reads never take the lock and may
// observe a ledger mid-append; a partially written trailing row is never
// counted.
type Engine interface {
	// SetWorking records whether agency is currently loading bets. The
	// agency is registered on first use.
	SetWorking(ctx context.Context, agency lottery.Agency, working bool) error
	// IsWorking reports the agency's flag. Unknown agencies are not working.
	IsWorking(ctx context.Context, agency lottery.Agency) (bool, error)
	// AppendBatch durably appends bets. It blocks until the ledger lock is
	// acquired or ctx ends.
	AppendBatch(ctx context.Context, agency lottery.Agency, bets []lottery.Bet) error
	// WinnersCount counts winning bets for sel. Final is false while the
	// selected agency, or for the wildcard any registered agency, is working.
	WinnersCount(ctx context.Context, sel lottery.Selector) (lottery.Winners, error)
	// Reset clears the ledger, the lock marker and every working flag. It
	// must not run concurrently with writers.
	Reset(ctx context.Context) error
	// RegisteredAgencies lists every agency that ever set a working flag,
	// in ascending order.
	RegisteredAgencies(ctx context.Context) ([]lottery.Agency, error)
	// Status summarises every registered agency in ascending order.
	Status(ctx context.Context) ([]lottery.AgencyStatus, error)
	Close() error
}

// Watcher is implemented by engines that can signal changes to their working
// flags. The returned channel receives coalesced notifications and is closed
// once ctx ends.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// BeginSession marks agency as working and returns the function that clears
// the flag again. The release function runs at most once and uses its own
// context so it still reaches the store after the session context is
// cancelled.
func BeginSession(ctx context.Context, engine Engine, agency lottery.Agency) (release func(context.Context) error, err error) {
	if err := engine.SetWorking(ctx, agency, true); err != nil {
		return nil, fmt.Errorf("storage: begin session for agency %s: %w", agency, err)
	}
	done := false
	return func(ctx context.Context) error {
		if done {
			return nil
		}
		done = true
		if err := engine.SetWorking(ctx, agency, false); err != nil {
			return fmt.Errorf("storage: end session for agency %s: %w", agency, err)
		}
		return nil
	}, nil
}

// Summarise folds ledger rows into per-agency status. agencies seeds the
// result so registered agencies without bets are still reported; working
// reports each agency's flag.
func Summarise(agencies []lottery.Agency, working func(lottery.Agency) bool, bets []lottery.Bet) []lottery.AgencyStatus {
	index := make(map[lottery.Agency]int, len(agencies))
	out := make([]lottery.AgencyStatus, 0, len(agencies))
	for _, a := range agencies {
		index[a] = len(out)
		out = append(out, lottery.AgencyStatus{Agency: a, Working: working(a)})
	}
	for _, bet := range bets {
		i, ok := index[bet.Agency]
		if !ok {
			continue
		}
		out[i].Bets++
		if bet.HasWon() {
			out[i].Winners++
		}
	}
	return out
}

// CountWinners applies the winner predicate to bets matching sel.
func CountWinners(sel lottery.Selector, bets []lottery.Bet) int64 {
	var n int64
	for _, bet := range bets {
		if sel.Matches(bet.Agency) && bet.HasWon() {
			n++
		}
	}
	return n
}

// Settled decides the Final half of a winners result. expected, when
// positive, is the number of agencies a wildcard query waits for.
func Settled(sel lottery.Selector, agencies []lottery.Agency, working func(lottery.Agency) bool, expected int) bool {
	if !sel.All {
		return !working(sel.Agency)
	}
	if expected > 0 && len(agencies) < expected {
		return false
	}
	for _, a := range agencies {
		if working(a) {
			return false
		}
	}
	return true
}

package disk

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"pkt.systems/lotteryd/internal/lottery"
)

const ledgerFields = 6

// AppendBatch encodes bets and appends them to the ledger while holding the
// ledger lock. The lock is released before returning whatever the outcome of
// the write.
func (s *Store) AppendBatch(ctx context.Context, agency lottery.Agency, bets []lottery.Bet) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(bets) == 0 {
		return nil
	}
	payload, err := encodeRows(agency, bets)
	if err != nil {
		return err
	}
	logger := s.loggers(ctx)
	lock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.release(lock); err != nil {
			logger.Warn("disk.lock.release_error", "error", err)
		}
	}()
	if err := s.appendLedger(payload); err != nil {
		return fmt.Errorf("disk: append %d bets for agency %s: %w", len(bets), agency, err)
	}
	logger.Trace("disk.ledger.appended", "agency", agency.String(), "bets", len(bets), "bytes", len(payload))
	return nil
}

func encodeRows(agency lottery.Agency, bets []lottery.Bet) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	row := make([]string, ledgerFields)
	for _, bet := range bets {
		if bet.Agency != agency {
			return nil, fmt.Errorf("disk: bet for agency %s in batch for agency %s: %w", bet.Agency, agency, lottery.ErrInvalidBet)
		}
		row[0] = bet.Agency.String()
		row[1] = bet.FirstName
		row[2] = bet.LastName
		row[3] = bet.Document
		row[4] = bet.BirthdateString()
		row[5] = strconv.FormatUint(bet.Number, 10)
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("disk: encode ledger row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("disk: encode ledger rows: %w", err)
	}
	return buf.Bytes(), nil
}

// appendLedger writes payload with a single append and syncs it. A trailing
// partial row left by an interrupted writer is cut off first so the new rows
// start on a fresh line.
func (s *Store) appendLedger(payload []byte) (err error) {
	f, err := os.OpenFile(s.ledgerPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			f.Close()
		}
	}()
	if err := repairTail(f); err != nil {
		return fmt.Errorf("repair ledger tail: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := syncFile(f); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	closed = true
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}

func repairTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}
	var last [1]byte
	if _, err := f.ReadAt(last[:], size-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	clean, _ := scanLedger(data, nil)
	return f.Truncate(int64(clean))
}

// readLedger loads every complete row.
func (s *Store) readLedger(ctx context.Context) ([]lottery.Bet, error) {
	data, err := os.ReadFile(s.ledgerPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("disk: read ledger: %w", err)
	}
	var bets []lottery.Bet
	_, skipped := scanLedger(data, func(bet lottery.Bet) {
		bets = append(bets, bet)
	})
	if skipped > 0 {
		s.loggers(ctx).Debug("disk.ledger.skipped_rows", "rows", skipped)
	}
	return bets, nil
}

// scanLedger parses the rows of data up to its last newline and calls visit
// for each valid bet. It returns the offset just past the last valid row and
// the number of rows it could not parse.
func scanLedger(data []byte, visit func(lottery.Bet)) (clean int, skipped int) {
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return 0, 0
	}
	r := csv.NewReader(bytes.NewReader(data[:end+1]))
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return clean, skipped
		}
		if err != nil || len(rec) != ledgerFields {
			skipped++
			continue
		}
		bet, err := lottery.ParseBet(rec[0], rec[1], rec[2], rec[3], rec[4], rec[5])
		if err != nil {
			skipped++
			continue
		}
		clean = int(r.InputOffset())
		if visit != nil {
			visit(bet)
		}
	}
}

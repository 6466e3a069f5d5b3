package client

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"pkt.systems/lotteryd/internal/lottery"
)

// CSVSource reads an agency's bets from CSV rows of
// first_name,last_name,document,birthdate,number. A first row whose number
// column is not numeric is treated as a header and skipped.
type CSVSource struct {
	agency lottery.Agency
	reader *csv.Reader
	line   int
	first  bool
}

// NewCSVSource returns a BetSource reading rows for agency from r.
func NewCSVSource(agency lottery.Agency, r io.Reader) *CSVSource {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 5
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true
	return &CSVSource{agency: agency, reader: cr, first: true}
}

// Next returns the next bet or io.EOF.
func (s *CSVSource) Next() (lottery.Bet, error) {
	for {
		rec, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lottery.Bet{}, io.EOF
			}
			return lottery.Bet{}, fmt.Errorf("client: csv: %w", err)
		}
		s.line++
		if s.first {
			s.first = false
			if _, err := strconv.ParseUint(strings.TrimSpace(rec[4]), 10, 64); err != nil {
				continue
			}
		}
		bet, err := lottery.ParseBet(s.agency.String(), rec[0], rec[1], rec[2], rec[3], rec[4])
		if err != nil {
			return lottery.Bet{}, fmt.Errorf("client: csv line %d: %w", s.line, err)
		}
		return bet, nil
	}
}

// ReadCSV reads every bet for agency from r.
func ReadCSV(agency lottery.Agency, r io.Reader) ([]lottery.Bet, error) {
	src := NewCSVSource(agency, r)
	var bets []lottery.Bet
	for {
		b, err := src.Next()
		if errors.Is(err, io.EOF) {
			return bets, nil
		}
		if err != nil {
			return nil, err
		}
		bets = append(bets, b)
	}
}

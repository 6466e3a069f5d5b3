package client

import (
	"time"

	"pkt.systems/lotteryd/internal/lottery"
)

// Domain types re-exported for callers outside this module.
type (
	// Agency identifies a submitting agency. Valid ids are positive.
	Agency = lottery.Agency
	// Bet is a single lottery entry.
	Bet = lottery.Bet
	// Selector targets one agency or, with All, every agency.
	Selector = lottery.Selector
	// Winners is a winner count and whether it is final.
	Winners = lottery.Winners
)

// All selects every agency in a query.
var All = lottery.All

// WinningNumber is the drawn number.
const WinningNumber = lottery.WinningNumber

// Only selects a single agency.
func Only(a Agency) Selector {
	return lottery.Only(a)
}

// ParseAgency parses a decimal, positive agency id.
func ParseAgency(raw string) (Agency, error) {
	return lottery.ParseAgency(raw)
}

// ParseSelector parses an agency id or "*".
func ParseSelector(raw string) (Selector, error) {
	return lottery.ParseSelector(raw)
}

// NewBet validates the fields and returns a Bet.
func NewBet(agency Agency, firstName, lastName, document string, birthdate time.Time, number uint64) (Bet, error) {
	return lottery.NewBet(agency, firstName, lastName, document, birthdate, number)
}

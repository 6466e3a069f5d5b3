// Package lottery holds the domain model shared by the wire codec, the storage
// engines and the request handler: bets, agency ids, the wildcard selector and
// the winner predicate.
package lottery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WinningNumber is the drawn number every bet is compared against.
const WinningNumber uint64 = 7574

// Wildcard selects every registered agency in a query.
const Wildcard = "*"

// DateLayout is the ISO calendar date form used for birthdates on the wire and
// in the ledger.
const DateLayout = "2006-01-02"

// ErrInvalidBet is wrapped by every bet validation failure.
var ErrInvalidBet = errors.New("lottery: invalid bet")

// ErrInvalidAgency is wrapped by agency id parse failures.
var ErrInvalidAgency = errors.New("lottery: invalid agency")

// Agency identifies a submitting agency. Valid ids are positive.
type Agency uint32

// ParseAgency parses a decimal, positive agency id.
func ParseAgency(raw string) (Agency, error) {
	raw = strings.TrimSpace(raw)
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAgency, raw)
	}
	return Agency(v), nil
}

func (a Agency) String() string {
	return strconv.FormatUint(uint64(a), 10)
}

// Selector is the target of a query: a single agency or every agency.
type Selector struct {
	Agency Agency
	All    bool
}

// All selects every agency.
var All = Selector{All: true}

// Only selects a single agency.
func Only(a Agency) Selector {
	return Selector{Agency: a}
}

// ParseSelector parses an agency name as transmitted on the wire.
func ParseSelector(name string) (Selector, error) {
	if strings.TrimSpace(name) == Wildcard {
		return All, nil
	}
	a, err := ParseAgency(name)
	if err != nil {
		return Selector{}, err
	}
	return Only(a), nil
}

// Matches reports whether a belongs to the selection.
func (s Selector) Matches(a Agency) bool {
	return s.All || s.Agency == a
}

func (s Selector) String() string {
	if s.All {
		return Wildcard
	}
	return s.Agency.String()
}

// Bet is a single lottery entry. Construct it with NewBet or ParseBet so the
// invariants hold; a Bet is treated as a value and never modified afterwards.
type Bet struct {
	Agency    Agency
	FirstName string
	LastName  string
	Document  string
	Birthdate time.Time
	Number    uint64
}

// NewBet validates the fields and returns a Bet.
func NewBet(agency Agency, firstName, lastName, document string, birthdate time.Time, number uint64) (Bet, error) {
	if agency == 0 {
		return Bet{}, fmt.Errorf("%w: agency must be positive", ErrInvalidBet)
	}
	if !isDigits(document) {
		return Bet{}, fmt.Errorf("%w: document %q is not numeric", ErrInvalidBet, document)
	}
	if birthdate.IsZero() {
		return Bet{}, fmt.Errorf("%w: birthdate required", ErrInvalidBet)
	}
	y, m, d := birthdate.Date()
	return Bet{
		Agency:    agency,
		FirstName: firstName,
		LastName:  lastName,
		Document:  document,
		Birthdate: time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		Number:    number,
	}, nil
}

// ParseBet builds a Bet from its textual fields, as stored in the ledger or
// read from an agency's CSV file.
func ParseBet(agency, firstName, lastName, document, birthdate, number string) (Bet, error) {
	a, err := ParseAgency(agency)
	if err != nil {
		return Bet{}, fmt.Errorf("%w: %v", ErrInvalidBet, err)
	}
	date, err := ParseDate(birthdate)
	if err != nil {
		return Bet{}, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(number), 10, 64)
	if err != nil {
		return Bet{}, fmt.Errorf("%w: number %q", ErrInvalidBet, number)
	}
	return NewBet(a, firstName, lastName, strings.TrimSpace(document), date, n)
}

// ParseDate parses an ISO calendar date.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: birthdate %q", ErrInvalidBet, raw)
	}
	return t, nil
}

// BirthdateString renders the birthdate in ISO form.
func (b Bet) BirthdateString() string {
	return b.Birthdate.Format(DateLayout)
}

// HasWon reports whether the bet matches the winning number.
func (b Bet) HasWon() bool {
	return b.Number == WinningNumber
}

// Winners is the result of a winner count. Final is false while an agency the
// count depends on is still loading bets.
type Winners struct {
	Count int64
	Final bool
}

// Signed folds the pair into the legacy wire form: a negative value means the
// count is provisional and its magnitude is the current count. A provisional
// zero cannot be told apart from a final zero in this form.
func (w Winners) Signed() int64 {
	if w.Final {
		return w.Count
	}
	return -w.Count
}

// WinnersFromSigned is the inverse of Winners.Signed.
func WinnersFromSigned(v int64) Winners {
	if v < 0 {
		return Winners{Count: -v, Final: false}
	}
	return Winners{Count: v, Final: true}
}

// AgencyStatus summarises one registered agency.
type AgencyStatus struct {
	Agency  Agency
	Working bool
	Bets    int64
	Winners int64
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

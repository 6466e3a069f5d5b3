package lottery

import (
	"errors"
	"testing"
	"time"
)

func TestParseBetValid(t *testing.T) {
	bet, err := ParseBet("3", "Santiago", "Lorca", "30904465", "1999-03-17", "7574")
	if err != nil {
		t.Fatalf("parse bet: %v", err)
	}
	if bet.Agency != 3 {
		t.Fatalf("agency = %d want 3", bet.Agency)
	}
	if bet.BirthdateString() != "1999-03-17" {
		t.Fatalf("birthdate = %s", bet.BirthdateString())
	}
	if !bet.HasWon() {
		t.Fatal("expected bet with winning number to win")
	}
}

func TestParseBetRejectsInvalidFields(t *testing.T) {
	cases := [][6]string{
		{"x", "a", "b", "1", "2000-01-01", "1"},
		{"0", "a", "b", "1", "2000-01-01", "1"},
		{"1", "a", "b", "12a", "2000-01-01", "1"},
		{"1", "a", "b", "1", "2000-02-30", "1"},
		{"1", "a", "b", "1", "2000-01-01", "-4"},
	}
	for _, c := range cases {
		if _, err := ParseBet(c[0], c[1], c[2], c[3], c[4], c[5]); !errors.Is(err, ErrInvalidBet) {
			t.Fatalf("ParseBet(%v) error = %v, want ErrInvalidBet", c, err)
		}
	}
}

func TestNewBetTruncatesBirthdateToDate(t *testing.T) {
	bet, err := NewBet(1, "a", "b", "1", time.Date(2001, 5, 6, 17, 4, 0, 0, time.FixedZone("x", 3600)), 2)
	if err != nil {
		t.Fatalf("new bet: %v", err)
	}
	if got := bet.Birthdate; !got.Equal(time.Date(2001, 5, 6, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("birthdate = %v", got)
	}
}

func TestSelector(t *testing.T) {
	sel, err := ParseSelector("*")
	if err != nil || !sel.All {
		t.Fatalf("wildcard selector = %+v, %v", sel, err)
	}
	if !sel.Matches(9) {
		t.Fatal("wildcard must match any agency")
	}
	sel, err = ParseSelector("4")
	if err != nil {
		t.Fatalf("parse selector: %v", err)
	}
	if sel.Matches(5) || !sel.Matches(4) {
		t.Fatalf("selector %v matched wrong agency", sel)
	}
	if _, err := ParseSelector("agency-1"); !errors.Is(err, ErrInvalidAgency) {
		t.Fatalf("expected ErrInvalidAgency, got %v", err)
	}
}

func TestWinnersSignedEncoding(t *testing.T) {
	if got := (Winners{Count: 3, Final: false}).Signed(); got != -3 {
		t.Fatalf("provisional signed = %d", got)
	}
	if got := (Winners{Count: 3, Final: true}).Signed(); got != 3 {
		t.Fatalf("final signed = %d", got)
	}
	if w := WinnersFromSigned(-7); w.Count != 7 || w.Final {
		t.Fatalf("decoded %+v", w)
	}
	if w := WinnersFromSigned(0); w.Count != 0 || !w.Final {
		t.Fatalf("decoded %+v", w)
	}
}

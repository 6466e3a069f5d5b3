// Package wire implements the lottery TCP protocol: fixed-width big-endian
// integers, uint32 length-prefixed UTF-8 strings and the request, batch and
// reply messages built from them.
//
// A connection carries one request. It starts with a LoadFlag byte and the
// agency name. A load request continues with batches (a uint32 count followed
// by that many bet records, each acknowledged with a uint32) and ends with a
// zero count. A query is answered with a single winners reply.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"unicode/utf8"

	"pkt.systems/lotteryd/internal/lottery"
)

// MaxStringLength bounds every length-prefixed string accepted from a peer.
const MaxStringLength = 64 << 10

var (
	// ErrConnectionClosed reports that the peer closed the connection before a
	// complete frame arrived.
	ErrConnectionClosed = errors.New("wire: connection closed")
	// ErrMalformed reports a frame that was received completely but is invalid.
	ErrMalformed = errors.New("wire: malformed frame")
)

// TransportError wraps any failure to move a frame across the connection.
// Callers treat it as fatal for the connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("wire: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsTimeout reports whether err was caused by an expired deadline.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Kind is the request type selected by the LoadFlag byte.
type Kind uint8

const (
	// KindQuery answers with the sign-encoded WinnersCount.
	KindQuery Kind = 0
	// KindLoad starts a LOAD session.
	KindLoad Kind = 1
	// KindQueryPair answers with an explicit (count, final) pair.
	KindQueryPair Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindLoad:
		return "load"
	case KindQueryPair:
		return "query_pair"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// IsQuery reports whether k is one of the query kinds.
func (k Kind) IsQuery() bool {
	return k == KindQuery || k == KindQueryPair
}

// Conn frames protocol messages over a byte stream. Writes are buffered and
// only reach the peer when a message is complete, so a failed write never
// leaves a half-sent reply behind a later one.
type Conn struct {
	r   io.Reader
	w   *bufio.Writer
	buf [8]byte
}

// NewConn wraps rw.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{r: rw, w: bufio.NewWriter(rw)}
}

func (c *Conn) readFull(op string, p []byte) error {
	if _, err := io.ReadFull(c.r, p); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = ErrConnectionClosed
		}
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

// ReadUint8 reads a single byte.
func (c *Conn) ReadUint8() (uint8, error) {
	if err := c.readFull("read uint8", c.buf[:1]); err != nil {
		return 0, err
	}
	return c.buf[0], nil
}

// ReadUint32 reads a big-endian uint32.
func (c *Conn) ReadUint32() (uint32, error) {
	if err := c.readFull("read uint32", c.buf[:4]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(c.buf[:4]), nil
}

// ReadUint64 reads a big-endian uint64.
func (c *Conn) ReadUint64() (uint64, error) {
	if err := c.readFull("read uint64", c.buf[:8]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(c.buf[:8]), nil
}

// ReadInt64 reads a big-endian two's complement int64.
func (c *Conn) ReadInt64() (int64, error) {
	v, err := c.ReadUint64()
	return int64(v), err
}

// ReadString reads a uint32 length followed by that many UTF-8 bytes.
func (c *Conn) ReadString() (string, error) {
	n, err := c.ReadUint32()
	if err != nil {
		return "", err
	}
	if n > MaxStringLength {
		return "", fmt.Errorf("%w: string length %d exceeds %d", ErrMalformed, n, MaxStringLength)
	}
	if n == 0 {
		return "", nil
	}
	p := make([]byte, n)
	if err := c.readFull("read string", p); err != nil {
		return "", err
	}
	if !utf8.Valid(p) {
		return "", fmt.Errorf("%w: string is not valid utf-8", ErrMalformed)
	}
	return string(p), nil
}

// WriteUint8 buffers a single byte.
func (c *Conn) WriteUint8(v uint8) error {
	return c.write("write uint8", []byte{v})
}

// WriteUint32 buffers a big-endian uint32.
func (c *Conn) WriteUint32(v uint32) error {
	binary.BigEndian.PutUint32(c.buf[:4], v)
	return c.write("write uint32", c.buf[:4])
}

// WriteUint64 buffers a big-endian uint64.
func (c *Conn) WriteUint64(v uint64) error {
	binary.BigEndian.PutUint64(c.buf[:8], v)
	return c.write("write uint64", c.buf[:8])
}

// WriteInt64 buffers a big-endian two's complement int64.
func (c *Conn) WriteInt64(v int64) error {
	return c.WriteUint64(uint64(v))
}

// WriteString buffers a uint32 length prefix and the string bytes.
func (c *Conn) WriteString(s string) error {
	if len(s) > MaxStringLength {
		return fmt.Errorf("%w: string length %d exceeds %d", ErrMalformed, len(s), MaxStringLength)
	}
	if err := c.WriteUint32(uint32(len(s))); err != nil {
		return err
	}
	return c.write("write string", []byte(s))
}

// Flush sends everything buffered so far.
func (c *Conn) Flush() error {
	if err := c.w.Flush(); err != nil {
		return &TransportError{Op: "flush", Err: err}
	}
	return nil
}

func (c *Conn) write(op string, p []byte) error {
	if _, err := c.w.Write(p); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

// ReadRequest reads the LoadFlag and the agency name.
func (c *Conn) ReadRequest() (Kind, string, error) {
	flag, err := c.ReadUint8()
	if err != nil {
		return 0, "", err
	}
	kind := Kind(flag)
	switch kind {
	case KindQuery, KindLoad, KindQueryPair:
	default:
		return 0, "", fmt.Errorf("%w: load flag %d", ErrMalformed, flag)
	}
	name, err := c.ReadString()
	if err != nil {
		return 0, "", err
	}
	return kind, name, nil
}

// WriteRequest sends the LoadFlag and the agency name.
func (c *Conn) WriteRequest(kind Kind, agency string) error {
	if err := c.WriteUint8(uint8(kind)); err != nil {
		return err
	}
	if err := c.WriteString(agency); err != nil {
		return err
	}
	return c.Flush()
}

// ReadBatchHeader reads a batch count. Zero ends the LOAD session.
func (c *Conn) ReadBatchHeader() (uint32, error) {
	return c.ReadUint32()
}

// ReadBet reads one bet record and attributes it to agency.
func (c *Conn) ReadBet(agency lottery.Agency) (lottery.Bet, error) {
	first, err := c.ReadString()
	if err != nil {
		return lottery.Bet{}, err
	}
	last, err := c.ReadString()
	if err != nil {
		return lottery.Bet{}, err
	}
	document, err := c.ReadUint64()
	if err != nil {
		return lottery.Bet{}, err
	}
	rawBirthdate, err := c.ReadString()
	if err != nil {
		return lottery.Bet{}, err
	}
	number, err := c.ReadUint64()
	if err != nil {
		return lottery.Bet{}, err
	}
	birthdate, err := lottery.ParseDate(rawBirthdate)
	if err != nil {
		return lottery.Bet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	bet, err := lottery.NewBet(agency, first, last, strconv.FormatUint(document, 10), birthdate, number)
	if err != nil {
		return lottery.Bet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return bet, nil
}

// ReadBatch reads count bet records for agency.
func (c *Conn) ReadBatch(agency lottery.Agency, count uint32) ([]lottery.Bet, error) {
	bets := make([]lottery.Bet, 0, min(count, 1024))
	for i := uint32(0); i < count; i++ {
		bet, err := c.ReadBet(agency)
		if err != nil {
			return nil, err
		}
		bets = append(bets, bet)
	}
	return bets, nil
}

// WriteBet buffers one bet record. The agency is implied by the session.
func (c *Conn) WriteBet(bet lottery.Bet) error {
	document, err := strconv.ParseUint(bet.Document, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: document %q", ErrMalformed, bet.Document)
	}
	if err := c.WriteString(bet.FirstName); err != nil {
		return err
	}
	if err := c.WriteString(bet.LastName); err != nil {
		return err
	}
	if err := c.WriteUint64(document); err != nil {
		return err
	}
	if err := c.WriteString(bet.BirthdateString()); err != nil {
		return err
	}
	return c.WriteUint64(bet.Number)
}

// WriteBatch sends a batch header followed by its records. An empty batch is
// the end-of-session marker.
func (c *Conn) WriteBatch(bets []lottery.Bet) error {
	if err := c.WriteUint32(uint32(len(bets))); err != nil {
		return err
	}
	for _, bet := range bets {
		if err := c.WriteBet(bet); err != nil {
			return err
		}
	}
	return c.Flush()
}

// WriteBatchAck acknowledges n accepted bets.
func (c *Conn) WriteBatchAck(n uint32) error {
	if err := c.WriteUint32(n); err != nil {
		return err
	}
	return c.Flush()
}

// ReadBatchAck reads a batch acknowledgement.
func (c *Conn) ReadBatchAck() (uint32, error) {
	return c.ReadUint32()
}

// WriteWinnersCount sends the sign-encoded winners count.
func (c *Conn) WriteWinnersCount(w lottery.Winners) error {
	if err := c.WriteInt64(w.Signed()); err != nil {
		return err
	}
	return c.Flush()
}

// ReadWinnersCount reads a sign-encoded winners count.
func (c *Conn) ReadWinnersCount() (lottery.Winners, error) {
	v, err := c.ReadInt64()
	if err != nil {
		return lottery.Winners{}, err
	}
	return lottery.WinnersFromSigned(v), nil
}

// WriteWinnersReply sends the explicit (count, final) pair.
func (c *Conn) WriteWinnersReply(w lottery.Winners) error {
	if err := c.WriteInt64(w.Count); err != nil {
		return err
	}
	var final uint8
	if w.Final {
		final = 1
	}
	if err := c.WriteUint8(final); err != nil {
		return err
	}
	return c.Flush()
}

// ReadWinnersReply reads the explicit (count, final) pair.
func (c *Conn) ReadWinnersReply() (lottery.Winners, error) {
	count, err := c.ReadInt64()
	if err != nil {
		return lottery.Winners{}, err
	}
	final, err := c.ReadUint8()
	if err != nil {
		return lottery.Winners{}, err
	}
	if count < 0 || final > 1 {
		return lottery.Winners{}, fmt.Errorf("%w: winners reply (%d, %d)", ErrMalformed, count, final)
	}
	return lottery.Winners{Count: count, Final: final == 1}, nil
}

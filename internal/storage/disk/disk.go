package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/lotteryd/internal/loggingutil"
	"pkt.systems/lotteryd/internal/lottery"
	"pkt.systems/lotteryd/internal/storage"
	"pkt.systems/pslog"
)

// DefaultLockRetryInterval is the pause between ledger lock attempts.
const DefaultLockRetryInterval = 10 * time.Millisecond

const (
	ledgerName  = "ledger"
	lockName    = "lock"
	workingName = "working"

	lockTempPattern    = ".lock-*"
	workingTempPattern = ".working-*"
)

// Config captures the tunables for the disk engine.
type Config struct {
	// Root is the directory holding the ledger, the lock marker and the
	// working flags.
	Root string
	// LockRetryInterval is the constant backoff between attempts to take
	// the ledger lock.
	LockRetryInterval time.Duration
	// ExpectedAgencies keeps wildcard results provisional until that many
	// agencies have registered. Zero disables the check.
	ExpectedAgencies int
	// Logger receives engine events when the call context carries none.
	Logger pslog.Logger
}

// Store implements storage.Engine on a local directory.
//
// Layout:
//
//	root/ledger          CSV rows agency,first_name,last_name,document,birthdate,number
//	root/lock            ledger lock marker, present only while a writer appends
//	root/working/<id>    "1" while the agency is loading, "0" afterwards
type Store struct {
	root       string
	ledgerPath string
	lockPath   string
	workingDir string

	retryInterval time.Duration
	expected      int
	logger        pslog.Logger

	// sem serialises writers inside this process so only one of them polls
	// the on-disk lock.
	sem    chan struct{}
	closed atomic.Bool
}

var _ storage.Engine = (*Store)(nil)

// New prepares the directory layout under cfg.Root and returns the store.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.LockRetryInterval < 0 {
		return nil, fmt.Errorf("disk: lock retry interval must be >= 0")
	}
	if cfg.ExpectedAgencies < 0 {
		return nil, fmt.Errorf("disk: expected agencies must be >= 0")
	}
	if cfg.LockRetryInterval == 0 {
		cfg.LockRetryInterval = DefaultLockRetryInterval
	}
	root := filepath.Clean(cfg.Root)
	workingDir := filepath.Join(root, workingName)
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare directory %q: %w", workingDir, err)
	}
	s := &Store{
		root:          root,
		ledgerPath:    filepath.Join(root, ledgerName),
		lockPath:      filepath.Join(root, lockName),
		workingDir:    workingDir,
		retryInterval: cfg.LockRetryInterval,
		expected:      cfg.ExpectedAgencies,
		logger:        loggingutil.EnsureLogger(cfg.Logger),
		sem:           make(chan struct{}, 1),
	}
	return s, nil
}

// Root returns the storage directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) loggers(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	return logger.With("storage_backend", "disk")
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return nil
}

func (s *Store) workingPath(agency lottery.Agency) string {
	return filepath.Join(s.workingDir, agency.String())
}

// SetWorking atomically replaces the agency's flag file.
func (s *Store) SetWorking(ctx context.Context, agency lottery.Agency, working bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if agency == 0 {
		return fmt.Errorf("disk: set working: %w", lottery.ErrInvalidAgency)
	}
	value := []byte("0")
	if working {
		value = []byte("1")
	}
	if err := s.writeAtomic(s.workingPath(agency), workingTempPattern, value); err != nil {
		return fmt.Errorf("disk: set working flag for agency %s: %w", agency, err)
	}
	s.loggers(ctx).Trace("disk.working.set", "agency", agency.String(), "working", working)
	return nil
}

// IsWorking reads the agency's flag. A missing flag file means false.
func (s *Store) IsWorking(ctx context.Context, agency lottery.Agency) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	working, err := s.readFlag(s.workingPath(agency))
	if err != nil {
		return false, fmt.Errorf("disk: read working flag for agency %s: %w", agency, err)
	}
	return working, nil
}

func (s *Store) readFlag(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(string(data)) == "1", nil
}

// flags reads every working flag. Unparseable names in the working
// directory are ignored.
func (s *Store) flags() (map[lottery.Agency]bool, []lottery.Agency, error) {
	entries, err := os.ReadDir(s.workingDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[lottery.Agency]bool{}, nil, nil
		}
		return nil, nil, fmt.Errorf("disk: list working flags: %w", err)
	}
	flags := make(map[lottery.Agency]bool, len(entries))
	agencies := make([]lottery.Agency, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		agency, err := lottery.ParseAgency(entry.Name())
		if err != nil {
			continue
		}
		working, err := s.readFlag(filepath.Join(s.workingDir, entry.Name()))
		if err != nil {
			return nil, nil, fmt.Errorf("disk: read working flag for agency %s: %w", agency, err)
		}
		flags[agency] = working
		agencies = append(agencies, agency)
	}
	slices.Sort(agencies)
	return flags, agencies, nil
}

// RegisteredAgencies lists the agencies with a flag file.
func (s *Store) RegisteredAgencies(ctx context.Context) ([]lottery.Agency, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	_, agencies, err := s.flags()
	return agencies, err
}

// WinnersCount re-scans the ledger. Flags are read before the ledger: a
// session clears its flag only after its last batch is appended, so a
// settled result always includes every row of the sessions it covers.
func (s *Store) WinnersCount(ctx context.Context, sel lottery.Selector) (lottery.Winners, error) {
	if err := s.checkOpen(); err != nil {
		return lottery.Winners{}, err
	}
	var (
		final bool
		err   error
	)
	if sel.All {
		var flags map[lottery.Agency]bool
		var agencies []lottery.Agency
		flags, agencies, err = s.flags()
		if err != nil {
			return lottery.Winners{}, err
		}
		final = storage.Settled(sel, agencies, func(a lottery.Agency) bool { return flags[a] }, s.expected)
	} else {
		var working bool
		working, err = s.IsWorking(ctx, sel.Agency)
		if err != nil {
			return lottery.Winners{}, err
		}
		final = !working
	}
	bets, err := s.readLedger(ctx)
	if err != nil {
		return lottery.Winners{}, err
	}
	return lottery.Winners{Count: storage.CountWinners(sel, bets), Final: final}, nil
}

// Status summarises every registered agency from one ledger scan.
func (s *Store) Status(ctx context.Context) ([]lottery.AgencyStatus, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	flags, agencies, err := s.flags()
	if err != nil {
		return nil, err
	}
	bets, err := s.readLedger(ctx)
	if err != nil {
		return nil, err
	}
	return storage.Summarise(agencies, func(a lottery.Agency) bool { return flags[a] }, bets), nil
}

// LedgerSize reports the ledger size in bytes.
func (s *Store) LedgerSize() (int64, error) {
	info, err := os.Stat(s.ledgerPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("disk: stat ledger: %w", err)
	}
	return info.Size(), nil
}

// Reset removes the ledger, the lock marker, every working flag and any
// temporary files left behind by an interrupted write. Running it on an
// empty store is a no-op.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	logger := s.loggers(ctx)
	size, _ := s.LedgerSize()
	for _, path := range []string{s.ledgerPath, s.lockPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("disk: reset %q: %w", path, err)
		}
	}
	if err := os.RemoveAll(s.workingDir); err != nil {
		return fmt.Errorf("disk: reset working flags: %w", err)
	}
	for _, pattern := range []string{lockTempPattern, workingTempPattern} {
		matches, err := filepath.Glob(filepath.Join(s.root, pattern))
		if err != nil {
			return fmt.Errorf("disk: reset temporary files: %w", err)
		}
		for _, match := range matches {
			if err := os.Remove(match); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("disk: reset %q: %w", match, err)
			}
		}
	}
	if err := os.MkdirAll(s.workingDir, 0o755); err != nil {
		return fmt.Errorf("disk: prepare directory %q: %w", s.workingDir, err)
	}
	logger.Info("disk.reset", "root", s.root, "ledger_discarded", humanize.Bytes(uint64(size)))
	return nil
}

// Close marks the store closed. Files are opened per operation, so nothing
// else needs releasing.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// writeAtomic replaces path with data through a temporary file in the store
// root, so readers see either the old or the new content.
func (s *Store) writeAtomic(path, pattern string, data []byte) error {
	tmp, err := os.CreateTemp(s.root, pattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// backends.go opens the ledger and booking store a command runs against.
package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/chinanuj/AgenticLabAssistant/internal/config"
	"github.com/chinanuj/AgenticLabAssistant/internal/ledger"
	"github.com/chinanuj/AgenticLabAssistant/internal/store"
)

// backends holds the open stores; Close releases both.
type backends struct {
	Ledger *ledger.Ledger
	Store  store.BookingStore
}

func (b *backends) Close() {
	if b.Store != nil {
		_ = b.Store.Close()
	}
	if b.Ledger != nil {
		_ = b.Ledger.Close()
	}
}

// openBackends opens the project's long-lived ledger and booking store as
// configured. Relative sqlite paths resolve against root.
func openBackends(ctx context.Context, root string, st config.StorageConfig) (*backends, error) {
	l, err := openLedger(resolve(root, st.LedgerPath), st.Ledger)
	if err != nil {
		return nil, err
	}
	dsn := st.BookingDSN
	if st.Bookings == "sqlite" || st.Bookings == "sqlite3" {
		dsn = resolve(root, dsn)
	}
	s, err := store.Open(ctx, st.Bookings, dsn)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("opening booking store: %w", err)
	}
	return &backends{Ledger: l, Store: s}, nil
}

// openRunBackends opens stores private to one simulation run. A sqlite
// configuration puts both databases in runDir so replays never see each
// other's rounds; anything else runs in memory.
func openRunBackends(runDir string, st config.StorageConfig) (*backends, error) {
	driver := ""
	if st.Ledger == "sqlite" {
		driver = "sqlite"
	}
	l, err := openLedger(filepath.Join(runDir, "ledger.db"), driver)
	if err != nil {
		return nil, err
	}
	var s store.BookingStore = store.NewMemoryStore()
	if st.Bookings == "sqlite" || st.Bookings == "sqlite3" {
		s, err = store.NewSQLiteStore(filepath.Join(runDir, "bookings.db"))
		if err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("opening booking store: %w", err)
		}
	}
	return &backends{Ledger: l, Store: s}, nil
}

func openLedger(path, driver string) (*ledger.Ledger, error) {
	switch driver {
	case "", "memory":
		return ledger.New(nil), nil
	case "sqlite", "sqlite3":
		s, err := ledger.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("opening ledger: %w", err)
		}
		return ledger.New(s), nil
	default:
		return nil, fmt.Errorf("ledger: unknown driver %q", driver)
	}
}

func resolve(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

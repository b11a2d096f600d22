package amounts

import (
	"context"
	"flag"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/pkg/errors"
)

const (
	recentOrdersSQL = `
SELECT side AS type, asset, amount, id AS reference, created_at AS ts
FROM orders
WHERE status = 'EXECUTED' AND created_at > $1
ORDER BY created_at DESC`

	recentTransfersSQL = `
SELECT kind AS type, asset, amount, reference, created_at AS ts
FROM transfers
WHERE status = 'COMPLETED' AND created_at > $1
ORDER BY created_at DESC`
)

// StoreConfig points at the operational exchange database. Read-only access,
// the pipeline never writes to it.
type StoreConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

func (cfg *StoreConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.MaxOpenConns = 4
	cfg.MaxIdleConns = 2
	cfg.ConnLifetime = 30 * time.Minute

	f.StringVar(&cfg.DSN, prefix+".dsn", "", "Postgres DSN of the operational exchange database.")
}

// TransactionStore reads executed orders and transfers from the operational
// database.
type TransactionStore struct {
	db *sqlx.DB
}

func NewTransactionStore(cfg StoreConfig) (*TransactionStore, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "opening exchange database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	return &TransactionStore{db: db}, nil
}

// Recent returns the executed orders and completed transfers inside the
// trailing window, both mapped onto the common Transaction shape.
func (s *TransactionStore) Recent(ctx context.Context, window time.Duration) ([]Transaction, error) {
	since := time.Now().UTC().Add(-window)

	var orders []Transaction
	if err := s.db.SelectContext(ctx, &orders, recentOrdersSQL, since); err != nil {
		return nil, errors.Wrap(err, "querying orders")
	}

	var transfers []Transaction
	if err := s.db.SelectContext(ctx, &transfers, recentTransfersSQL, since); err != nil {
		return nil, errors.Wrap(err, "querying transfers")
	}

	return append(orders, transfers...), nil
}

func (s *TransactionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *TransactionStore) Close() error {
	return s.db.Close()
}

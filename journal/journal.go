// Package journal is the durable, append-only block store behind the
// ledger. Each block is one SQLite row keyed by its index, holding the
// CBOR-encoded block and a BLAKE3 checksum of those bytes.
package journal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"ticketchain/chain"
)

var (
	// ErrOutOfOrder is returned when a block does not extend the
	// journal by exactly one index.
	ErrOutOfOrder = errors.New("journal: block index out of order")

	// ErrCorrupt is returned when a stored record fails its checksum.
	ErrCorrupt = errors.New("journal: corrupt record")
)

const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	block_index INTEGER PRIMARY KEY,
	hash        TEXT    NOT NULL,
	record      BLOB    NOT NULL,
	checksum    BLOB    NOT NULL
);
`

type Config struct {
	// Path is the SQLite database file. It is created if missing.
	// ":memory:" works only with PoolSize 1.
	Path string

	// PoolSize defaults to 2: one writer plus one reader.
	PoolSize int

	Logger *slog.Logger
}

type Journal struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

var _ chain.Journal = (*Journal)(nil)

func Open(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", cfg.Path, err)
	}

	logger.Info("block journal opened", "path", cfg.Path, "pool_size", poolSize)
	return &Journal{pool: pool, logger: logger, path: cfg.Path}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("journal: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("journal: creating schema: %w", err)
	}
	return nil
}

// AppendBlock stores block. It must be the next index after the last
// stored block, or 0 for an empty journal.
func (j *Journal) AppendBlock(ctx context.Context, block chain.Block) (err error) {
	record, err := encMode.Marshal(block)
	if err != nil {
		return fmt.Errorf("journal: encoding block %d: %w", block.Index, err)
	}
	checksum := blake3.Sum256(record)

	conn, err := j.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	defer j.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("journal: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	next := int64(0)
	err = sqlitex.Execute(conn, "SELECT MAX(block_index) FROM blocks", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if !stmt.ColumnIsNull(0) {
				next = stmt.ColumnInt64(0) + 1
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("journal: reading head: %w", err)
	}
	if block.Index != next {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, block.Index, next)
	}

	err = sqlitex.Execute(conn,
		"INSERT INTO blocks (block_index, hash, record, checksum) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{block.Index, block.Hash, record, checksum[:]},
		})
	if err != nil {
		return fmt.Errorf("journal: inserting block %d: %w", block.Index, err)
	}
	return nil
}

// LoadBlocks returns every stored block in index order.
func (j *Journal) LoadBlocks(ctx context.Context) ([]chain.Block, error) {
	conn, err := j.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("journal: load: %w", err)
	}
	defer j.pool.Put(conn)

	var blocks []chain.Block
	err = sqlitex.Execute(conn,
		"SELECT block_index, record, checksum FROM blocks ORDER BY block_index",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				index := stmt.ColumnInt64(0)
				record := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, record)
				stored := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, stored)

				sum := blake3.Sum256(record)
				if !bytes.Equal(sum[:], stored) {
					return fmt.Errorf("%w: block %d checksum mismatch", ErrCorrupt, index)
				}
				var block chain.Block
				if err := decMode.Unmarshal(record, &block); err != nil {
					return fmt.Errorf("%w: block %d: %v", ErrCorrupt, index, err)
				}
				if block.Index != index {
					return fmt.Errorf("%w: row %d holds block %d", ErrCorrupt, index, block.Index)
				}
				blocks = append(blocks, block)
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	j.logger.Debug("journal loaded", "blocks", len(blocks))
	return blocks, nil
}

func (j *Journal) Close() error {
	if err := j.pool.Close(); err != nil {
		return fmt.Errorf("journal: closing %s: %w", j.path, err)
	}
	return nil
}

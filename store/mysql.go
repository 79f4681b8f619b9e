package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tickets (
		id               VARCHAR(64) NOT NULL PRIMARY KEY,
		user_id          VARCHAR(64) NOT NULL,
		event_id         VARCHAR(64) NOT NULL,
		transferred_at   DATETIME(3) NULL,
		transferred_from VARCHAR(64) NOT NULL DEFAULT '',
		original_owner   VARCHAR(64) NOT NULL DEFAULT '',
		is_transferred   BOOLEAN     NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_audit_log (
		id           CHAR(36)     NOT NULL PRIMARY KEY,
		ticket_id    VARCHAR(64)  NOT NULL,
		action       VARCHAR(32)  NOT NULL,
		user_id      VARCHAR(64)  NOT NULL DEFAULT '',
		from_user_id VARCHAR(64)  NOT NULL DEFAULT '',
		to_user_id   VARCHAR(64)  NOT NULL DEFAULT '',
		reference    VARCHAR(128) NOT NULL DEFAULT '',
		created_at   DATETIME(3)  NOT NULL,
		INDEX idx_ticket_action (ticket_id, action),
		INDEX idx_action (action)
	)`,
}

// MySQL backs both stores with one connection pool.
type MySQL struct {
	db *sql.DB
}

// mysqlConfig parses dsn and forces the options the queries depend on.
func mysqlConfig(dsn string) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("could not parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg, nil
}

// OpenMySQL connects to dsn, pings it, and creates missing tables.
func OpenMySQL(ctx context.Context, dsn string) (*MySQL, error) {
	cfg, err := mysqlConfig(dsn)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not ping database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("could not create schema: %w", err)
		}
	}
	return &MySQL{db: db}, nil
}

func (m *MySQL) Close() error { return m.db.Close() }

func (m *MySQL) Tickets() *MySQLTicketStore { return &MySQLTicketStore{db: m.db} }

func (m *MySQL) AuditLog() *MySQLAuditLog { return &MySQLAuditLog{db: m.db} }

type MySQLTicketStore struct {
	db *sql.DB
}

func (s *MySQLTicketStore) Create(ctx context.Context, ticket Ticket) error {
	query := `INSERT INTO tickets (id, user_id, event_id, transferred_at, transferred_from, original_owner, is_transferred)
			VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		ticket.ID,
		ticket.UserID,
		ticket.EventID,
		nullTime(ticket.TransferredAt),
		ticket.TransferredFrom,
		ticket.VerificationInfo.OriginalOwner,
		ticket.VerificationInfo.IsTransferred,
	)
	if err != nil {
		return fmt.Errorf("insert ticket %s: %w", ticket.ID, err)
	}
	return nil
}

func (s *MySQLTicketStore) FindByID(ctx context.Context, id string) (Ticket, error) {
	query := `SELECT id, user_id, event_id, transferred_at, transferred_from, original_owner, is_transferred
			FROM tickets WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	var ticket Ticket
	var transferredAt sql.NullTime
	err := row.Scan(
		&ticket.ID,
		&ticket.UserID,
		&ticket.EventID,
		&transferredAt,
		&ticket.TransferredFrom,
		&ticket.VerificationInfo.OriginalOwner,
		&ticket.VerificationInfo.IsTransferred,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Ticket{}, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
		}
		return Ticket{}, fmt.Errorf("error retrieving ticket %s: %w", id, err)
	}
	if transferredAt.Valid {
		at := transferredAt.Time
		ticket.TransferredAt = &at
	}
	return ticket, nil
}

func (s *MySQLTicketStore) Update(ctx context.Context, id string, update TicketUpdate) (Ticket, error) {
	var sets []string
	var args []any
	if update.UserID != nil {
		sets = append(sets, "user_id = ?")
		args = append(args, *update.UserID)
	}
	if update.TransferredAt != nil {
		sets = append(sets, "transferred_at = ?")
		args = append(args, update.TransferredAt.UTC())
	}
	if update.TransferredFrom != nil {
		sets = append(sets, "transferred_from = ?")
		args = append(args, *update.TransferredFrom)
	}
	if update.VerificationInfo != nil {
		sets = append(sets, "original_owner = ?", "is_transferred = ?")
		args = append(args, update.VerificationInfo.OriginalOwner, update.VerificationInfo.IsTransferred)
	}
	if len(sets) > 0 {
		query := "UPDATE tickets SET " + strings.Join(sets, ", ") + " WHERE id = ?"
		args = append(args, id)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return Ticket{}, fmt.Errorf("update ticket %s: %w", id, err)
		}
	}
	// Affected rows is zero for a no-op update, so existence is
	// checked by reading back.
	return s.FindByID(ctx, id)
}

type MySQLAuditLog struct {
	db *sql.DB
}

func (s *MySQLAuditLog) Log(ctx context.Context, entry AuditLogEntry) (AuditLogEntry, error) {
	if entry.TicketID == "" {
		return AuditLogEntry{}, fmt.Errorf("audit log: ticket id is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	query := `INSERT INTO ticket_audit_log (id, ticket_id, action, user_id, from_user_id, to_user_id, reference, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.TicketID,
		string(entry.Action),
		entry.UserID,
		entry.FromUserID,
		entry.ToUserID,
		entry.Reference,
		entry.Timestamp.UTC(),
	)
	if err != nil {
		return AuditLogEntry{}, fmt.Errorf("insert audit entry for %s: %w", entry.TicketID, err)
	}
	return entry, nil
}

func (s *MySQLAuditLog) GetLogsByTicketID(ctx context.Context, ticketID string, actions ...AuditAction) ([]AuditLogEntry, error) {
	query := `SELECT id, ticket_id, action, user_id, from_user_id, to_user_id, reference, created_at
			FROM ticket_audit_log WHERE ticket_id = ?`
	args := []any{ticketID}
	if len(actions) > 0 {
		query += " AND action IN (?" + strings.Repeat(", ?", len(actions)-1) + ")"
		for _, action := range actions {
			args = append(args, string(action))
		}
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error retrieving audit log for %s: %w", ticketID, err)
	}
	defer rows.Close()

	var entries []AuditLogEntry
	for rows.Next() {
		var entry AuditLogEntry
		var action string
		if err := rows.Scan(
			&entry.ID,
			&entry.TicketID,
			&action,
			&entry.UserID,
			&entry.FromUserID,
			&entry.ToUserID,
			&entry.Reference,
			&entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Action = AuditAction(action)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *MySQLAuditLog) GetBlockchainHistory(ctx context.Context, ticketID string) ([]AuditLogEntry, error) {
	return s.GetLogsByTicketID(ctx, ticketID, AuditBlockchainSync)
}

func (s *MySQLAuditLog) IsRecordedOnBlockchain(ctx context.Context, ticketID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM ticket_audit_log WHERE ticket_id = ? AND action = ?)`
	err := s.db.QueryRowContext(ctx, query, ticketID, string(AuditBlockchainSync)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check blockchain sync for %s: %w", ticketID, err)
	}
	return exists, nil
}

func (s *MySQLAuditLog) LogBlockchainSync(ctx context.Context, ticketID, blockHash string) error {
	_, err := s.Log(ctx, AuditLogEntry{
		TicketID:  ticketID,
		Action:    AuditBlockchainSync,
		Reference: blockHash,
	})
	return err
}

func (s *MySQLAuditLog) TicketIDsWithAction(ctx context.Context, action AuditAction) ([]string, error) {
	query := `SELECT DISTINCT ticket_id FROM ticket_audit_log WHERE action = ? ORDER BY ticket_id`
	rows, err := s.db.QueryContext(ctx, query, string(action))
	if err != nil {
		return nil, fmt.Errorf("list tickets with %s: %w", action, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ticket id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

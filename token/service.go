// Package token issues and checks the rotating, signed payloads shown
// as a ticket's QR code. Each token is bound to the ledger head at the
// moment it was generated, and every generation leaves a verify
// transaction on the ledger.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"ticketchain/blockchain"
	"ticketchain/chain"
	"ticketchain/clock"
	"ticketchain/metrics"
	"ticketchain/store"
)

const (
	// DefaultFreshnessWindow is how long a token verifies after it was
	// generated. Self-service display and admin scanning share it.
	DefaultFreshnessWindow = time.Minute

	// DefaultClockDrift is how far in the future a token timestamp
	// may be before it is rejected.
	DefaultClockDrift = time.Minute

	DefaultVerificationPath = "verify-ticket"

	nonceBytes = 16
)

var (
	// ErrIssuedExpired means a freshly generated token was already
	// stale by the time it was encoded.
	ErrIssuedExpired = errors.New("token: expired before it could be issued")

	ErrTicketMismatch  = errors.New("token: issued for a different ticket")
	ErrTicketUsed      = errors.New("ticket already used")
	ErrTicketCancelled = errors.New("ticket cancelled")
)

type Config struct {
	Events  *blockchain.Service
	Tickets store.TicketStore

	// Audit, when set, receives a ticket_used entry for each redemption.
	Audit store.AuditLogStore

	FreshnessWindow  time.Duration
	ClockDrift       time.Duration
	VerificationPath string

	// BaseURL prefixes generated verification URLs. Empty yields a
	// path-only URL.
	BaseURL string

	// Clock defaults to the event service's clock.
	Clock clock.Clock

	// Random defaults to crypto/rand.Reader.
	Random io.Reader

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Issued is a generated token ready to be rendered as a QR code.
type Issued struct {
	Token DynamicTicketData `json:"token"`
	Param string            `json:"data"`
	URL   string            `json:"url"`

	// Block holds the verify transaction recorded for this token.
	Block *chain.Block `json:"block,omitempty"`
}

// Redemption is the outcome of a successful admin scan.
type Redemption struct {
	Token       DynamicTicketData       `json:"token"`
	Transaction chain.TicketTransaction `json:"transaction"`
	Block       *chain.Block            `json:"block,omitempty"`
}

type Service struct {
	events  *blockchain.Service
	tickets store.TicketStore
	audit   store.AuditLogStore
	signer  chain.Signer

	window  time.Duration
	drift   time.Duration
	path    string
	baseURL string

	clock   clock.Clock
	random  io.Reader
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Events == nil {
		return nil, fmt.Errorf("token: event service is required")
	}
	if cfg.Tickets == nil {
		return nil, fmt.Errorf("token: ticket store is required")
	}
	if cfg.FreshnessWindow == 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.FreshnessWindow < 0 {
		return nil, fmt.Errorf("token: negative freshness window %s", cfg.FreshnessWindow)
	}
	if cfg.ClockDrift == 0 {
		cfg.ClockDrift = DefaultClockDrift
	}
	if cfg.VerificationPath == "" {
		cfg.VerificationPath = DefaultVerificationPath
	}
	if cfg.Clock == nil {
		cfg.Clock = cfg.Events.Clock()
	}
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		events:  cfg.Events,
		tickets: cfg.Tickets,
		audit:   cfg.Audit,
		signer:  cfg.Events.Signer(),
		window:  cfg.FreshnessWindow,
		drift:   cfg.ClockDrift,
		path:    cfg.VerificationPath,
		baseURL: cfg.BaseURL,
		clock:   cfg.Clock,
		random:  cfg.Random,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

func (s *Service) FreshnessWindow() time.Duration { return s.window }

func (s *Service) VerificationPath() string { return s.path }

// Generate issues a token for ticketID anchored to the current ledger
// head, records a verify transaction for it, and waits for that
// transaction to be mined.
func (s *Service) Generate(ctx context.Context, ticketID string) (Issued, error) {
	ticket, err := s.tickets.FindByID(ctx, ticketID)
	if err != nil {
		return Issued{}, fmt.Errorf("token: loading ticket: %w", err)
	}

	nonce := make([]byte, nonceBytes)
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return Issued{}, fmt.Errorf("token: generating nonce: %w", err)
	}

	issuedAt := clock.UnixMilli(s.clock)
	data := DynamicTicketData{
		TicketID:     ticket.ID,
		Timestamp:    issuedAt,
		Nonce:        hex.EncodeToString(nonce),
		PreviousHash: s.events.Ledger().Head().Hash,
	}
	data.Signature = s.signer.Sign(data.SigningPayload())

	if _, err := s.events.Record(ctx, blockchain.Event{
		TicketID:  ticket.ID,
		EventID:   ticket.EventID,
		Action:    chain.ActionVerify,
		Timestamp: issuedAt,
	}); err != nil {
		return Issued{}, fmt.Errorf("token: recording verification: %w", err)
	}
	block, err := s.events.Mine(ctx)
	if err != nil {
		return Issued{}, fmt.Errorf("token: mining verification: %w", err)
	}

	if clock.UnixMilli(s.clock)-data.Timestamp > s.window.Milliseconds() {
		return Issued{}, ErrIssuedExpired
	}
	data.ExpiresAt = data.Timestamp + s.window.Milliseconds()

	param, err := EncodeParam(data)
	if err != nil {
		return Issued{}, err
	}
	s.logger.Info("dynamic token issued",
		"ticket_id", data.TicketID,
		"previous_hash", data.PreviousHash,
		"expires_at", data.ExpiresAt,
	)
	return Issued{
		Token: data,
		Param: param,
		URL:   VerificationURL(s.baseURL, s.path, data.TicketID, param),
		Block: block,
	}, nil
}

// Check runs every verification step on data and returns the first
// failure as one of the package's sentinel errors.
func (s *Service) Check(data DynamicTicketData) error {
	err := s.check(data)
	s.metrics.ObserveTokenCheck(result(err))
	return err
}

func (s *Service) check(data DynamicTicketData) error {
	if data.Timestamp <= 0 {
		return fmt.Errorf("%w: %d", ErrMalformedTimestamp, data.Timestamp)
	}
	now := clock.UnixMilli(s.clock)
	if now-data.Timestamp > s.window.Milliseconds() {
		return ErrExpired
	}
	if data.Timestamp > now+s.drift.Milliseconds() {
		return ErrFutureTimestamp
	}
	if !s.signer.Verify(data.SigningPayload(), data.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Verify reports whether data passes Check.
func (s *Service) Verify(data DynamicTicketData) bool {
	return s.Check(data) == nil
}

// CheckParam decodes a URL data parameter and checks it.
func (s *Service) CheckParam(param string) (DynamicTicketData, error) {
	data, err := DecodeParam(param)
	if err != nil {
		s.metrics.ObserveTokenCheck(result(err))
		return DynamicTicketData{}, err
	}
	return data, s.Check(data)
}

// Redeem is the admin scan: it checks the token, refuses tickets that
// are already used or cancelled, and records and mines a use.
func (s *Service) Redeem(ctx context.Context, ticketID, param, scannedBy string) (Redemption, error) {
	data, err := s.CheckParam(param)
	if err != nil {
		return Redemption{}, err
	}
	if data.TicketID != ticketID {
		return Redemption{}, ErrTicketMismatch
	}
	if err := stateError(s.events.State(ticketID)); err != nil {
		return Redemption{}, err
	}

	ticket, err := s.tickets.FindByID(ctx, ticketID)
	if err != nil {
		return Redemption{}, fmt.Errorf("token: loading ticket: %w", err)
	}
	tx, err := s.events.Record(ctx, blockchain.Event{
		TicketID: ticketID,
		EventID:  ticket.EventID,
		Action:   chain.ActionUse,
	})
	if err != nil {
		// Another scan may have won the race since the state check.
		if errors.Is(err, chain.ErrInvalidTransition) {
			if stateErr := stateError(s.events.State(ticketID)); stateErr != nil {
				return Redemption{}, stateErr
			}
		}
		return Redemption{}, fmt.Errorf("token: recording use: %w", err)
	}
	block, err := s.events.Mine(ctx)
	if err != nil {
		return Redemption{}, fmt.Errorf("token: mining use: %w", err)
	}

	if s.audit != nil {
		if _, err := s.audit.Log(ctx, store.AuditLogEntry{
			TicketID: ticketID,
			Action:   store.AuditTicketUsed,
			UserID:   scannedBy,
		}); err != nil {
			s.logger.Warn("audit log write failed", "ticket_id", ticketID, "error", err)
		}
	}
	s.logger.Info("ticket redeemed", "ticket_id", ticketID, "scanned_by", scannedBy)
	return Redemption{Token: data, Transaction: tx, Block: block}, nil
}

func stateError(state chain.State) error {
	switch state {
	case chain.StateUsed:
		return ErrTicketUsed
	case chain.StateCancelled:
		return ErrTicketCancelled
	case chain.StateUnknown, chain.StateCreated:
		return nil
	}
	return fmt.Errorf("token: unexpected ticket state %q", state)
}

package chain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Signer produces and checks signatures over raw payload bytes.
type Signer interface {
	Sign(payload []byte) string
	Verify(payload []byte, signature string) bool
}

var (
	ErrAlreadySigned = errors.New("transaction already signed")
	ErrUnsigned      = errors.New("transaction is not signed")
)

// TicketTransaction is one signed ticket lifecycle event. Timestamp is
// milliseconds since the epoch and is supplied by the caller; it is
// never re-derived.
type TicketTransaction struct {
	TicketID   string `json:"ticketId"`
	EventID    string `json:"eventId"`
	Timestamp  int64  `json:"timestamp"`
	Action     Action `json:"action"`
	FromUserID string `json:"fromUserId,omitempty"`
	ToUserID   string `json:"toUserId,omitempty"`
	Signature  string `json:"signature"`
}

// unsignedTransaction fixes the field order of the signing payload.
type unsignedTransaction struct {
	TicketID   string `json:"ticketId"`
	EventID    string `json:"eventId"`
	Timestamp  int64  `json:"timestamp"`
	Action     string `json:"action"`
	FromUserID string `json:"fromUserId,omitempty"`
	ToUserID   string `json:"toUserId,omitempty"`
}

// Validate checks the fields every transaction must carry.
func (tx *TicketTransaction) Validate() error {
	if tx.TicketID == "" {
		return fmt.Errorf("invalid transaction: ticketId is required")
	}
	if tx.EventID == "" {
		return fmt.Errorf("invalid transaction: eventId is required")
	}
	if tx.Timestamp <= 0 {
		return fmt.Errorf("invalid transaction: timestamp %d", tx.Timestamp)
	}
	if !tx.Action.Valid() {
		return fmt.Errorf("invalid transaction: unknown action %q", string(tx.Action))
	}
	if tx.Action == ActionTransfer && (tx.FromUserID == "" || tx.ToUserID == "") {
		return fmt.Errorf("invalid transaction: transfer requires fromUserId and toUserId")
	}
	return nil
}

// SigningBytes returns the canonical encoding of every field except the
// signature.
func (tx *TicketTransaction) SigningBytes() []byte {
	// Only strings and integers: encoding cannot fail.
	data, _ := json.Marshal(unsignedTransaction{
		TicketID:   tx.TicketID,
		EventID:    tx.EventID,
		Timestamp:  tx.Timestamp,
		Action:     string(tx.Action),
		FromUserID: tx.FromUserID,
		ToUserID:   tx.ToUserID,
	})
	return data
}

// Sign sets the signature. It may be called exactly once.
func (tx *TicketTransaction) Sign(s Signer) error {
	if tx.Signature != "" {
		return ErrAlreadySigned
	}
	if err := tx.Validate(); err != nil {
		return err
	}
	tx.Signature = s.Sign(tx.SigningBytes())
	return nil
}

// VerifySignature reports whether the stored signature matches the
// transaction's fields.
func (tx *TicketTransaction) VerifySignature(s Signer) bool {
	if tx.Signature == "" || !tx.Action.Valid() {
		return false
	}
	return s.Verify(tx.SigningBytes(), tx.Signature)
}

// LocatedTransaction is a transaction together with where it lives.
// BlockIndex is -1 for transactions still in the pending pool.
type LocatedTransaction struct {
	Transaction TicketTransaction `json:"transaction"`
	BlockIndex  int64             `json:"blockIndex"`
	BlockHash   string            `json:"blockHash,omitempty"`
}

// Pending reports whether the transaction has not been mined yet.
func (lt LocatedTransaction) Pending() bool { return lt.BlockIndex < 0 }

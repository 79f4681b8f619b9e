package token

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrMalformedToken     = errors.New("token: malformed payload")
	ErrMalformedTimestamp = errors.New("token: malformed timestamp")
	ErrExpired            = errors.New("token: expired")
	ErrFutureTimestamp    = errors.New("token: timestamp is in the future")
	ErrBadSignature       = errors.New("token: invalid signature")
)

// DynamicTicketData is the signed, short-lived payload behind a
// ticket's QR code. ExpiresAt is for display only; verification always
// recomputes freshness from Timestamp.
type DynamicTicketData struct {
	TicketID     string `json:"ticketId"`
	Timestamp    int64  `json:"timestamp"`
	Signature    string `json:"signature"`
	Nonce        string `json:"nonce"`
	ExpiresAt    int64  `json:"expiresAt"`
	PreviousHash string `json:"previousHash"`
}

// SigningPayload is the colon-joined string a token signature covers.
func SigningPayload(ticketID string, timestamp int64, nonce, previousHash string) []byte {
	return []byte(ticketID + ":" + strconv.FormatInt(timestamp, 10) + ":" + nonce + ":" + previousHash)
}

func (d DynamicTicketData) SigningPayload() []byte {
	return SigningPayload(d.TicketID, d.Timestamp, d.Nonce, d.PreviousHash)
}

// wireData decodes the timestamp lazily so a garbage value is reported
// as a bad timestamp rather than a JSON error.
type wireData struct {
	TicketID     string          `json:"ticketId"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Signature    string          `json:"signature"`
	Nonce        string          `json:"nonce"`
	ExpiresAt    json.RawMessage `json:"expiresAt"`
	PreviousHash string          `json:"previousHash"`
}

// EncodeParam serializes d as base64(JSON), the value of the
// verification URL's data parameter.
func EncodeParam(d DynamicTicketData) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("token: encoding payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeParam reverses EncodeParam.
func DecodeParam(param string) (DynamicTicketData, error) {
	if param == "" {
		return DynamicTicketData{}, fmt.Errorf("%w: empty", ErrMalformedToken)
	}
	// A '+' that went through form decoding arrives as a space.
	param = strings.ReplaceAll(param, " ", "+")
	raw, err := base64.StdEncoding.DecodeString(param)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(param, "="))
		if err != nil {
			return DynamicTicketData{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
	}

	var wire wireData
	decoder := json.NewDecoder(bytes.NewReader(raw))
	if err := decoder.Decode(&wire); err != nil {
		return DynamicTicketData{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if wire.TicketID == "" {
		return DynamicTicketData{}, fmt.Errorf("%w: missing ticketId", ErrMalformedToken)
	}

	timestamp, err := parseMillis(wire.Timestamp)
	if err != nil {
		return DynamicTicketData{}, err
	}
	// expiresAt is informational, so a bad value is dropped.
	expiresAt, _ := parseMillis(wire.ExpiresAt)

	return DynamicTicketData{
		TicketID:     wire.TicketID,
		Timestamp:    timestamp,
		Signature:    wire.Signature,
		Nonce:        wire.Nonce,
		ExpiresAt:    expiresAt,
		PreviousHash: wire.PreviousHash,
	}, nil
}

// parseMillis accepts a JSON number, or a string holding one.
func parseMillis(raw json.RawMessage) (int64, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0, fmt.Errorf("%w: missing", ErrMalformedTimestamp)
	}
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = strings.TrimSpace(unquoted)
	}
	if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
		return ms, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedTimestamp, text)
	}
	return int64(f), nil
}

// VerificationURL builds /{path}/{ticketId}?data={param}, prefixed by
// base when it is set.
func VerificationURL(base, path, ticketID, param string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	b.WriteByte('/')
	b.WriteString(strings.Trim(path, "/"))
	b.WriteByte('/')
	b.WriteString(url.PathEscape(ticketID))
	b.WriteString("?data=")
	b.WriteString(url.QueryEscape(param))
	return b.String()
}

// Reason turns a verification error into the message shown to the
// person holding the ticket.
func Reason(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrExpired):
		return "expired, please refresh"
	case errors.Is(err, ErrFutureTimestamp):
		return "token timestamp is in the future"
	case errors.Is(err, ErrBadSignature):
		return "invalid signature"
	case errors.Is(err, ErrMalformedTimestamp):
		return "invalid token timestamp"
	case errors.Is(err, ErrMalformedToken):
		return "invalid token"
	case errors.Is(err, ErrTicketMismatch):
		return "token does not belong to this ticket"
	case errors.Is(err, ErrTicketUsed):
		return "ticket already used"
	case errors.Is(err, ErrTicketCancelled):
		return "ticket cancelled"
	}
	return "verification failed"
}

// result is the metrics label for a check outcome.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrFutureTimestamp):
		return "future"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrMalformedTimestamp), errors.Is(err, ErrMalformedToken):
		return "malformed"
	}
	return "error"
}

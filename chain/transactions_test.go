package chain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	valid := TicketTransaction{TicketID: "T1", EventID: "E1", Timestamp: 1, Action: ActionCreate}
	tests := []struct {
		name   string
		mutate func(*TicketTransaction)
		ok     bool
	}{
		{"valid create", func(*TicketTransaction) {}, true},
		{"missing ticket", func(tx *TicketTransaction) { tx.TicketID = "" }, false},
		{"missing event", func(tx *TicketTransaction) { tx.EventID = "" }, false},
		{"zero timestamp", func(tx *TicketTransaction) { tx.Timestamp = 0 }, false},
		{"unknown action", func(tx *TicketTransaction) { tx.Action = "refund" }, false},
		{"transfer without parties", func(tx *TicketTransaction) { tx.Action = ActionTransfer }, false},
		{"transfer missing to", func(tx *TicketTransaction) {
			tx.Action = ActionTransfer
			tx.FromUserID = "alice"
		}, false},
		{"transfer with parties", func(tx *TicketTransaction) {
			tx.Action = ActionTransfer
			tx.FromUserID = "alice"
			tx.ToUserID = "bob"
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := valid
			tt.mutate(&tx)
			err := tx.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestSignOnceAndVerify(t *testing.T) {
	s := testSigner(t)
	tx := TicketTransaction{TicketID: "T1", EventID: "E1", Timestamp: 10, Action: ActionUse}
	if err := tx.Sign(s); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !tx.VerifySignature(s) {
		t.Fatal("signed transaction does not verify")
	}
	original := tx.Signature
	if err := tx.Sign(s); !errors.Is(err, ErrAlreadySigned) {
		t.Errorf("second Sign error = %v, want ErrAlreadySigned", err)
	}
	if tx.Signature != original {
		t.Error("signature changed on second Sign")
	}

	tx.Timestamp++
	if tx.VerifySignature(s) {
		t.Error("modified transaction still verifies")
	}
}

func TestSigningBytesExcludeSignature(t *testing.T) {
	tx := TicketTransaction{TicketID: "T1", EventID: "E1", Timestamp: 10, Action: ActionCreate, Signature: "abc"}
	if strings.Contains(string(tx.SigningBytes()), "signature") {
		t.Errorf("signing bytes include the signature: %s", tx.SigningBytes())
	}
}

func TestActionJSON(t *testing.T) {
	data, err := json.Marshal(TicketTransaction{Action: ActionTransfer})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"action":"transfer"`) {
		t.Errorf("unexpected encoding %s", data)
	}

	var tx TicketTransaction
	if err := json.Unmarshal([]byte(`{"action":"refund"}`), &tx); err == nil {
		t.Error("expected unknown action to be rejected")
	}
	if _, err := ParseAction("cancel"); err != nil {
		t.Errorf("ParseAction(cancel): %v", err)
	}
}

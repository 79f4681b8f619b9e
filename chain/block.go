package chain

import (
	"encoding/json"

	"ticketchain/util"
)

const (
	// GenesisMarker is the payload of block 0.
	GenesisMarker = "Genesis Block"
	// GenesisHash is both the hash and previousHash of block 0.
	GenesisHash = "0"
)

// Block is one mined unit of the ledger. Index 0 is genesis and carries
// GenesisMarker as its payload; every other block carries Transactions.
type Block struct {
	Index        int64               `json:"index"`
	Timestamp    int64               `json:"timestamp"`
	Transactions []TicketTransaction `json:"transactions"`
	PreviousHash string              `json:"previousHash"`
	Hash         string              `json:"hash"`
	Nonce        int64               `json:"nonce"`
}

// NewGenesisBlock returns block 0. No proof-of-work is performed.
func NewGenesisBlock(timestamp int64) Block {
	return Block{
		Index:        0,
		Timestamp:    timestamp,
		PreviousHash: GenesisHash,
		Hash:         GenesisHash,
		Nonce:        0,
	}
}

func (b *Block) IsGenesis() bool { return b.Index == 0 }

// hashedTransaction mirrors TicketTransaction with Action as a plain
// string, so a block holding an unknown action still encodes and fails
// verification instead of failing to marshal.
type hashedTransaction struct {
	TicketID   string `json:"ticketId"`
	EventID    string `json:"eventId"`
	Timestamp  int64  `json:"timestamp"`
	Action     string `json:"action"`
	FromUserID string `json:"fromUserId,omitempty"`
	ToUserID   string `json:"toUserId,omitempty"`
	Signature  string `json:"signature"`
}

// PayloadBytes returns the canonical payload encoding fed to the hash.
func (b *Block) PayloadBytes() []byte {
	var payload any = GenesisMarker
	if !b.IsGenesis() {
		txs := make([]hashedTransaction, len(b.Transactions))
		for i, tx := range b.Transactions {
			txs[i] = hashedTransaction{
				TicketID:   tx.TicketID,
				EventID:    tx.EventID,
				Timestamp:  tx.Timestamp,
				Action:     string(tx.Action),
				FromUserID: tx.FromUserID,
				ToUserID:   tx.ToUserID,
				Signature:  tx.Signature,
			}
		}
		payload = txs
	}
	// Only strings and integers: encoding cannot fail.
	data, _ := json.Marshal(payload)
	return data
}

// ComputeHash recomputes the hash from the block's own fields.
func (b *Block) ComputeHash() string {
	return util.CalculateHash(b.Index, b.Timestamp, b.PayloadBytes(), b.PreviousHash, b.Nonce)
}

func (b Block) clone() Block {
	if b.Transactions != nil {
		b.Transactions = append([]TicketTransaction(nil), b.Transactions...)
	}
	return b
}

// Package archive publishes ledger snapshots to IPFS so a copy of the
// chain exists outside the process. Snapshots are JSON compressed with
// zstd.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/klauspost/compress/zstd"

	"ticketchain/chain"
	"ticketchain/metrics"
)

type Config struct {
	// APIAddr is the IPFS HTTP API address, e.g. "localhost:5001".
	APIAddr string

	// Timeout bounds each API call. Zero keeps the client default.
	Timeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Receipt describes a published snapshot.
type Receipt struct {
	CID             string `json:"cid"`
	Blocks          int    `json:"blocks"`
	HeadHash        string `json:"headHash"`
	RawBytes        int    `json:"rawBytes"`
	CompressedBytes int    `json:"compressedBytes"`
}

type Publisher struct {
	sh      *shell.Shell
	encoder *zstd.Encoder
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.APIAddr == "" {
		return nil, fmt.Errorf("archive: IPFS API address is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("archive: creating zstd encoder: %w", err)
	}
	sh := shell.NewShell(cfg.APIAddr)
	if cfg.Timeout > 0 {
		sh.SetTimeout(cfg.Timeout)
	}
	return &Publisher{sh: sh, encoder: encoder, logger: logger, metrics: cfg.Metrics}, nil
}

// PublishSnapshot uploads snap and returns its content identifier.
func (p *Publisher) PublishSnapshot(ctx context.Context, snap chain.Snapshot) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return Receipt{}, fmt.Errorf("archive: encoding snapshot: %w", err)
	}
	compressed := p.encoder.EncodeAll(raw, nil)

	cid, err := p.sh.Add(bytes.NewReader(compressed), shell.Pin(true))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to add snapshot to IPFS: %w", err)
	}

	receipt := Receipt{
		CID:             cid,
		Blocks:          len(snap.Blocks),
		RawBytes:        len(raw),
		CompressedBytes: len(compressed),
	}
	if n := len(snap.Blocks); n > 0 {
		receipt.HeadHash = snap.Blocks[n-1].Hash
	}
	p.metrics.ObserveSnapshot()
	p.logger.Info("ledger snapshot published",
		"cid", cid,
		"blocks", receipt.Blocks,
		"head_hash", receipt.HeadHash,
		"compressed_bytes", receipt.CompressedBytes,
	)
	return receipt, nil
}

// Fetch downloads and decodes the snapshot stored under cid.
func (p *Publisher) Fetch(ctx context.Context, cid string) (chain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return chain.Snapshot{}, err
	}
	reader, err := p.sh.Cat(cid)
	if err != nil {
		return chain.Snapshot{}, fmt.Errorf("failed to retrieve snapshot from IPFS: %w", err)
	}
	defer reader.Close()

	decoder, err := zstd.NewReader(reader)
	if err != nil {
		return chain.Snapshot{}, fmt.Errorf("archive: opening zstd stream: %w", err)
	}
	defer decoder.Close()

	var snap chain.Snapshot
	if err := json.NewDecoder(decoder).Decode(&snap); err != nil {
		return chain.Snapshot{}, fmt.Errorf("archive: decoding snapshot %s: %w", cid, err)
	}
	// Drain so a truncated stream surfaces as an error.
	if _, err := io.Copy(io.Discard, decoder); err != nil {
		return chain.Snapshot{}, fmt.Errorf("archive: reading snapshot %s: %w", cid, err)
	}
	return snap, nil
}

func (p *Publisher) Close() error {
	return p.encoder.Close()
}

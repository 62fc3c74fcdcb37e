// Package ledger implements the append-only, hash-chained audit ledger and
// its inclusion proofs. Every envelope accepted for cross-boundary exchange
// is anchored here; a retroactive edit to any entry breaks verifiability of
// every later entry.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// GenesisHash seeds the chain before the first entry exists.
const GenesisHash = "genesis"

// Entry is one immutable ledger row.
type Entry struct {
	SequenceNumber int64     `db:"sequence_number" json:"sequence_number"`
	MessageID      string    `db:"message_id" json:"message_id"`
	EnvelopeHash   string    `db:"envelope_hash" json:"envelope_hash"`
	PrevEntryHash  string    `db:"prev_entry_hash" json:"prev_entry_hash"`
	EntryHash      string    `db:"entry_hash" json:"entry_hash"`
	RecordedAt     time.Time `db:"recorded_at" json:"recorded_at"`
}

// ComputeEntryHash derives the chained hash for an entry:
// sha256(sequence_number ‖ envelope_hash ‖ prev_entry_hash), lowercase hex.
func ComputeEntryHash(seq int64, envelopeHash, prevEntryHash string) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(seq, 10)))
	h.Write([]byte(envelopeHash))
	h.Write([]byte(prevEntryHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the entry hash from the entry's own fields.
func (e *Entry) Verify() bool {
	return ComputeEntryHash(e.SequenceNumber, e.EnvelopeHash, e.PrevEntryHash) == e.EntryHash
}

// Proof lets a third party confirm an envelope was included at a specific
// ledger position without replaying the whole ledger: the chain segment from
// the entry to the head at issue time is recomputable from these fields plus
// the public entries in between.
type Proof struct {
	SequenceNumber int64  `json:"sequence_number"`
	MessageID      string `json:"message_id"`
	EnvelopeHash   string `json:"envelope_hash"`
	EntryHash      string `json:"entry_hash"`
	PrevEntryHash  string `json:"prev_entry_hash"`
	ChainHead      string `json:"chain_head"`
	HeadSequence   int64  `json:"head_sequence"`
}

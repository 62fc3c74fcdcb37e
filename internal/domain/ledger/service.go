package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrLedgerIntegrity signals that the stored chain does not recompute — the
// ledger itself has been tampered with. This is fatal and non-retryable.
var ErrLedgerIntegrity = errors.New("audit ledger integrity violation")

// ErrLedgerHalted is returned for appends after an integrity violation, until
// an operator reopens the ledger.
var ErrLedgerHalted = errors.New("audit ledger halted pending operator investigation")

// appendRetries bounds how often an append races another process before
// giving up. In-process writers are already serialized by a mutex.
const appendRetries = 5

// Service owns all writes to the audit ledger. Appends are serialized: a
// process-local mutex orders writers in this process, and a compare-and-swap
// on sequence_number (unique insert) orders writers across processes.
type Service struct {
	repo Repository
	log  zerolog.Logger

	mu     sync.Mutex
	halted atomic.Bool
}

func NewService(repo Repository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log.With().Str("component", "audit_ledger").Logger()}
}

// Append records an envelope hash as the next chain entry and returns its
// inclusion proof. The entry is durable before Append returns.
func (s *Service) Append(ctx context.Context, messageID, envelopeHash string) (*Proof, error) {
	if s.halted.Load() {
		return nil, ErrLedgerHalted
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < appendRetries; attempt++ {
		head, err := s.repo.Head(ctx)
		if err != nil {
			return nil, fmt.Errorf("read chain head: %w", err)
		}

		prevHash := GenesisHash
		var seq int64 = 1
		if head != nil {
			prevHash = head.EntryHash
			seq = head.SequenceNumber + 1
		}

		entry := &Entry{
			SequenceNumber: seq,
			MessageID:      messageID,
			EnvelopeHash:   envelopeHash,
			PrevEntryHash:  prevHash,
			EntryHash:      ComputeEntryHash(seq, envelopeHash, prevHash),
		}

		err = s.repo.Append(ctx, entry)
		if errors.Is(err, ErrSequenceTaken) {
			continue // another process appended first; re-read the head
		}
		if errors.Is(err, ErrDuplicateMessage) {
			// Redelivery: the message is already in the chain. Return the
			// existing entry's proof so retried items stay idempotent.
			s.log.Info().Str("message_id", messageID).Msg("message already anchored; returning existing proof")
			return s.ProofFor(ctx, messageID)
		}
		if err != nil {
			return nil, fmt.Errorf("append ledger entry: %w", err)
		}

		s.log.Info().
			Int64("sequence", seq).
			Str("message_id", messageID).
			Str("entry_hash", entry.EntryHash).
			Msg("ledger entry appended")

		return &Proof{
			SequenceNumber: seq,
			MessageID:      messageID,
			EnvelopeHash:   envelopeHash,
			EntryHash:      entry.EntryHash,
			PrevEntryHash:  prevHash,
			ChainHead:      entry.EntryHash,
			HeadSequence:   seq,
		}, nil
	}
	return nil, fmt.Errorf("append ledger entry: lost %d consecutive sequence races", appendRetries)
}

// ProofFor builds an inclusion proof for a previously anchored message,
// bound to the current chain head.
func (s *Service) ProofFor(ctx context.Context, messageID string) (*Proof, error) {
	entry, err := s.repo.GetByMessageID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	head, err := s.repo.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	return &Proof{
		SequenceNumber: entry.SequenceNumber,
		MessageID:      entry.MessageID,
		EnvelopeHash:   entry.EnvelopeHash,
		EntryHash:      entry.EntryHash,
		PrevEntryHash:  entry.PrevEntryHash,
		ChainHead:      head.EntryHash,
		HeadSequence:   head.SequenceNumber,
	}, nil
}

// VerifyInclusion recomputes the chain segment from the proof's entry to the
// proof's head and compares against stored state. An inconsistency trips the
// ledger: all further appends fail with ErrLedgerHalted.
func (s *Service) VerifyInclusion(ctx context.Context, proof *Proof) (bool, error) {
	if !(&Entry{
		SequenceNumber: proof.SequenceNumber,
		EnvelopeHash:   proof.EnvelopeHash,
		PrevEntryHash:  proof.PrevEntryHash,
		EntryHash:      proof.EntryHash,
	}).Verify() {
		return false, nil // proof is self-inconsistent; not a ledger fault
	}

	stored, err := s.repo.GetBySequence(ctx, proof.SequenceNumber)
	if err != nil {
		return false, err
	}
	if stored.EntryHash != proof.EntryHash || stored.EnvelopeHash != proof.EnvelopeHash {
		return false, nil
	}

	// Walk the stored chain from the proven entry to the proof's head. Any
	// break means the ledger itself was altered after the proof was issued.
	segment, err := s.repo.Range(ctx, proof.SequenceNumber, proof.HeadSequence)
	if err != nil {
		return false, err
	}
	prev := proof.PrevEntryHash
	for _, e := range segment {
		if e.PrevEntryHash != prev || !e.Verify() {
			return false, s.trip(e.SequenceNumber)
		}
		prev = e.EntryHash
	}
	if prev != proof.ChainHead {
		return false, s.trip(proof.HeadSequence)
	}
	return true, nil
}

// VerifyChain recomputes the full chain between two sequence numbers,
// returning ErrLedgerIntegrity at the first break. fromSeq of 1 audits the
// whole ledger from genesis.
func (s *Service) VerifyChain(ctx context.Context, fromSeq, toSeq int64) error {
	entries, err := s.repo.Range(ctx, fromSeq, toSeq)
	if err != nil {
		return err
	}
	prev := GenesisHash
	if fromSeq > 1 {
		before, err := s.repo.GetBySequence(ctx, fromSeq-1)
		if err != nil {
			return err
		}
		prev = before.EntryHash
	}
	for _, e := range entries {
		if e.PrevEntryHash != prev || !e.Verify() {
			return s.trip(e.SequenceNumber)
		}
		prev = e.EntryHash
	}
	return nil
}

// Halted reports whether the ledger refuses writes.
func (s *Service) Halted() bool { return s.halted.Load() }

// Reopen clears the halt after operator investigation.
func (s *Service) Reopen() {
	s.halted.Store(false)
	s.log.Warn().Msg("ledger reopened by operator")
}

func (s *Service) trip(seq int64) error {
	s.halted.Store(true)
	s.log.Error().Int64("sequence", seq).Msg("ledger chain break detected; halting writes")
	return fmt.Errorf("%w: chain break at sequence %d", ErrLedgerIntegrity, seq)
}

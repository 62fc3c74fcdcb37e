package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// -- Mock Repository --

type mockLedgerRepo struct {
	entries []*Entry
	// staleHeadReads makes Head return an out-of-date entry for the next N
	// calls, simulating a concurrent writer in another process.
	staleHeadReads int
}

func newMockLedgerRepo() *mockLedgerRepo {
	return &mockLedgerRepo{}
}

func (m *mockLedgerRepo) Append(_ context.Context, e *Entry) error {
	for _, existing := range m.entries {
		if existing.MessageID == e.MessageID {
			return ErrDuplicateMessage
		}
		if existing.SequenceNumber == e.SequenceNumber {
			return ErrSequenceTaken
		}
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockLedgerRepo) Head(_ context.Context) (*Entry, error) {
	if len(m.entries) == 0 {
		return nil, nil
	}
	if m.staleHeadReads > 0 && len(m.entries) > 1 {
		m.staleHeadReads--
		return m.entries[len(m.entries)-2], nil
	}
	return m.entries[len(m.entries)-1], nil
}

func (m *mockLedgerRepo) GetBySequence(_ context.Context, seq int64) (*Entry, error) {
	for _, e := range m.entries {
		if e.SequenceNumber == seq {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockLedgerRepo) GetByMessageID(_ context.Context, messageID string) (*Entry, error) {
	for _, e := range m.entries {
		if e.MessageID == messageID {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockLedgerRepo) Range(_ context.Context, from, to int64) ([]*Entry, error) {
	var out []*Entry
	for _, e := range m.entries {
		if e.SequenceNumber >= from && e.SequenceNumber <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockLedgerRepo) Count(_ context.Context) (int64, error) {
	return int64(len(m.entries)), nil
}

func newTestService() (*Service, *mockLedgerRepo) {
	repo := newMockLedgerRepo()
	return NewService(repo, zerolog.Nop()), repo
}

func appendN(t *testing.T, svc *Service, n int) []*Proof {
	t.Helper()
	var proofs []*Proof
	for i := 0; i < n; i++ {
		p, err := svc.Append(context.Background(),
			fmt.Sprintf("msg-%03d", i), strings.Repeat(fmt.Sprintf("%x", i%16), 64)[:64])
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		proofs = append(proofs, p)
	}
	return proofs
}

// -- Tests --

func TestAppend_BuildsChain(t *testing.T) {
	svc, repo := newTestService()
	appendN(t, svc, 3)

	if len(repo.entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(repo.entries))
	}
	if repo.entries[0].PrevEntryHash != GenesisHash {
		t.Errorf("first entry must chain from genesis, got %q", repo.entries[0].PrevEntryHash)
	}
	for i := 1; i < 3; i++ {
		if repo.entries[i].PrevEntryHash != repo.entries[i-1].EntryHash {
			t.Errorf("entry %d does not chain to entry %d", i+1, i)
		}
	}
	for i, e := range repo.entries {
		if !e.Verify() {
			t.Errorf("entry %d hash does not recompute", i+1)
		}
	}
}

func TestVerifyChain_ReproducesStoredHashes(t *testing.T) {
	svc, _ := newTestService()
	appendN(t, svc, 5)

	if err := svc.VerifyChain(context.Background(), 1, 5); err != nil {
		t.Errorf("intact chain must verify, got %v", err)
	}
}

func TestVerifyChain_CorruptionDetectedAndHalts(t *testing.T) {
	svc, repo := newTestService()
	appendN(t, svc, 5)

	// Retroactively edit entry 3's envelope hash.
	repo.entries[2].EnvelopeHash = strings.Repeat("f", 64)

	err := svc.VerifyChain(context.Background(), 1, 5)
	if !errors.Is(err, ErrLedgerIntegrity) {
		t.Fatalf("expected ErrLedgerIntegrity, got %v", err)
	}
	if !svc.Halted() {
		t.Error("ledger must halt after an integrity violation")
	}
	if _, err := svc.Append(context.Background(), "msg-next", strings.Repeat("a", 64)); !errors.Is(err, ErrLedgerHalted) {
		t.Errorf("appends after a trip must return ErrLedgerHalted, got %v", err)
	}

	svc.Reopen()
	if svc.Halted() {
		t.Error("Reopen must clear the halt")
	}
}

func TestVerifyInclusion_Valid(t *testing.T) {
	svc, _ := newTestService()
	proofs := appendN(t, svc, 4)

	// Verify an old proof whose head is behind the current head.
	ok, err := svc.VerifyInclusion(context.Background(), proofs[1])
	if err != nil {
		t.Fatalf("VerifyInclusion: %v", err)
	}
	if !ok {
		t.Error("expected valid inclusion for genuine proof")
	}
}

func TestVerifyInclusion_CorruptedSubsequentEntry(t *testing.T) {
	svc, repo := newTestService()
	proofs := appendN(t, svc, 4)

	// Corrupt entry 3; proof for entry 2 covers up to head seq 2 only, but a
	// proof anchored at head 4 must fail.
	repo.entries[2].EnvelopeHash = strings.Repeat("e", 64)
	repo.entries[2].EntryHash = ComputeEntryHash(3, repo.entries[2].EnvelopeHash, repo.entries[2].PrevEntryHash)
	// Downstream entry 4 now no longer chains to the rewritten entry 3.

	lateProof, err := svc.ProofFor(context.Background(), proofs[1].MessageID)
	if err != nil {
		t.Fatalf("ProofFor: %v", err)
	}
	ok, err := svc.VerifyInclusion(context.Background(), lateProof)
	if ok {
		t.Error("inclusion must fail once a covered entry is rewritten")
	}
	if !errors.Is(err, ErrLedgerIntegrity) {
		t.Errorf("expected ErrLedgerIntegrity, got %v", err)
	}
}

func TestVerifyInclusion_FabricatedProof(t *testing.T) {
	svc, _ := newTestService()
	appendN(t, svc, 2)

	forged := &Proof{
		SequenceNumber: 1,
		MessageID:      "msg-000",
		EnvelopeHash:   strings.Repeat("b", 64),
		EntryHash:      strings.Repeat("c", 64),
		PrevEntryHash:  GenesisHash,
		ChainHead:      strings.Repeat("c", 64),
		HeadSequence:   1,
	}
	ok, err := svc.VerifyInclusion(context.Background(), forged)
	if err != nil {
		t.Fatalf("fabricated proof must not error, got %v", err)
	}
	if ok {
		t.Error("fabricated proof must not verify")
	}
	if svc.Halted() {
		t.Error("a bad proof is not a ledger fault and must not halt writes")
	}
}

func TestProofFor_UnknownMessage(t *testing.T) {
	svc, _ := newTestService()
	appendN(t, svc, 1)
	if _, err := svc.ProofFor(context.Background(), "no-such-message"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppend_RedeliveredMessageReturnsExistingProof(t *testing.T) {
	svc, repo := newTestService()
	proofs := appendN(t, svc, 2)

	// Re-anchoring an already-chained message must succeed with the original
	// entry's proof and must not grow the chain.
	p, err := svc.Append(context.Background(), proofs[0].MessageID, proofs[0].EnvelopeHash)
	if err != nil {
		t.Fatalf("redelivered append: %v", err)
	}
	if p.SequenceNumber != proofs[0].SequenceNumber {
		t.Errorf("expected existing sequence %d, got %d", proofs[0].SequenceNumber, p.SequenceNumber)
	}
	if p.EntryHash != proofs[0].EntryHash {
		t.Error("redelivered proof must carry the original entry hash")
	}
	if len(repo.entries) != 2 {
		t.Errorf("redelivery must not append a new entry, chain has %d entries", len(repo.entries))
	}
	// The returned proof is anchored at the current head, not the old one.
	if p.HeadSequence != 2 {
		t.Errorf("expected proof bound to head sequence 2, got %d", p.HeadSequence)
	}
}

func TestAppend_SequenceRaceRetries(t *testing.T) {
	svc, repo := newTestService()
	appendN(t, svc, 1)

	// Another process appends sequence 2, then our next Head read is stale:
	// the service must lose the insert race once and retry at sequence 3.
	head := repo.entries[0]
	interloper := &Entry{
		SequenceNumber: 2,
		MessageID:      "msg-race",
		EnvelopeHash:   strings.Repeat("d", 64),
		PrevEntryHash:  head.EntryHash,
	}
	interloper.EntryHash = ComputeEntryHash(2, interloper.EnvelopeHash, interloper.PrevEntryHash)
	repo.entries = append(repo.entries, interloper)
	repo.staleHeadReads = 1

	p, err := svc.Append(context.Background(), "msg-after-race", strings.Repeat("1", 64))
	if err != nil {
		t.Fatalf("append after race: %v", err)
	}
	if p.SequenceNumber != 3 {
		t.Errorf("expected retry to land at sequence 3, got %d", p.SequenceNumber)
	}
	if p.PrevEntryHash != interloper.EntryHash {
		t.Error("retried append must chain from the interloper's entry")
	}
}

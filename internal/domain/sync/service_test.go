package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hie/hie/internal/domain/conflict"
	"github.com/hie/hie/internal/domain/ledger"
	"github.com/hie/hie/internal/platform/envelope"
)

// --- in-memory doubles -----------------------------------------------------

type mockRecordRepo struct {
	records map[uuid.UUID]*Record
}

func newMockRecordRepo() *mockRecordRepo {
	return &mockRecordRepo{records: make(map[uuid.UUID]*Record)}
}

func (m *mockRecordRepo) Create(_ context.Context, rec *Record) error {
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *mockRecordRepo) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *mockRecordRepo) Update(_ context.Context, rec *Record) error {
	if _, ok := m.records[rec.ID]; !ok {
		return ErrNotFound
	}
	rec.UpdatedAt = time.Now()
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *mockRecordRepo) List(_ context.Context, status Status, limit, offset int) ([]*Record, int, error) {
	var out []*Record
	for _, rec := range m.records {
		if status == "" || rec.Status == status {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (m *mockRecordRepo) LastCompletedAt(_ context.Context, entityType, entityID string) (*time.Time, error) {
	var latest *time.Time
	for _, rec := range m.records {
		if rec.EntityType == entityType && rec.EntityID == entityID && rec.Status == StatusCompleted {
			t := rec.UpdatedAt
			if latest == nil || t.After(*latest) {
				latest = &t
			}
		}
	}
	return latest, nil
}

func (m *mockRecordRepo) ArchiveBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for id, rec := range m.records {
		if (rec.Status == StatusCompleted || rec.Status == StatusFailed) && rec.UpdatedAt.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// mockQueueRepo is mutex-guarded so claim contention can be exercised from
// concurrent goroutines, matching the SKIP LOCKED contract of the SQL queue.
type mockQueueRepo struct {
	mu      stdsync.Mutex
	items   map[uuid.UUID]*QueueItem
	seq     int
	nowFunc func() time.Time
}

func newMockQueueRepo(now func() time.Time) *mockQueueRepo {
	return &mockQueueRepo{items: make(map[uuid.UUID]*QueueItem), nowFunc: now}
}

func (m *mockQueueRepo) Enqueue(_ context.Context, item *QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	// Distinct stamps keep FIFO order observable, but they must stay at or
	// before the fixture's frozen clock or the item is not yet due to claim.
	item.EnqueuedAt = m.nowFunc().Add(-time.Second + time.Duration(m.seq)*time.Millisecond)
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = item.EnqueuedAt
	}
	item.Status = QueuePending
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *mockQueueRepo) GetByID(_ context.Context, id uuid.UUID) (*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (m *mockQueueRepo) ClaimBatch(_ context.Context, workerID string, maxN int, lease time.Duration) ([]*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	var due []*QueueItem
	for _, it := range m.items {
		if it.Status == QueuePending && !it.ScheduledAt.After(now) && it.Attempts < it.MaxAttempts {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		ri, rj := PriorityRank(due[i].Priority), PriorityRank(due[j].Priority)
		if ri != rj {
			return ri > rj
		}
		return due[i].EnqueuedAt.Before(due[j].EnqueuedAt)
	})
	if len(due) > maxN {
		due = due[:maxN]
	}
	var out []*QueueItem
	for _, it := range due {
		it.Status = QueueInProgress
		it.Attempts++
		it.ClaimedBy = &workerID
		exp := now.Add(lease)
		it.LeaseExpiresAt = &exp
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockQueueRepo) MarkCompleted(_ context.Context, id uuid.UUID) error {
	return m.setStatus(id, QueueCompleted, nil)
}

func (m *mockQueueRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	return m.setStatus(id, QueueFailed, &errMsg)
}

func (m *mockQueueRepo) setStatus(id uuid.UUID, status QueueStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Status != QueueInProgress {
		return ErrNotFound
	}
	it.Status = status
	it.ErrorMessage = errMsg
	it.LeaseExpiresAt = nil
	return nil
}

func (m *mockQueueRepo) Reschedule(_ context.Context, id uuid.UUID, at time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Status != QueueInProgress {
		return ErrNotFound
	}
	it.Status = QueuePending
	it.ScheduledAt = at
	it.ErrorMessage = &errMsg
	it.ClaimedBy = nil
	it.LeaseExpiresAt = nil
	return nil
}

func (m *mockQueueRepo) Cancel(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Status != QueuePending {
		return false, nil
	}
	it.Status = QueueCancelled
	return true, nil
}

func (m *mockQueueRepo) ReapExpired(_ context.Context) (int64, []uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	var n int64
	var exhausted []uuid.UUID
	for _, it := range m.items {
		if it.Status != QueueInProgress || it.LeaseExpiresAt == nil || !it.LeaseExpiresAt.Before(now) {
			continue
		}
		it.ClaimedBy = nil
		it.LeaseExpiresAt = nil
		if it.Attempts >= it.MaxAttempts {
			it.Status = QueueFailed
			msg := "worker lease expired after final attempt"
			it.ErrorMessage = &msg
			exhausted = append(exhausted, it.RecordID)
			continue
		}
		it.Status = QueuePending
		n++
	}
	return n, exhausted, nil
}

func (m *mockQueueRepo) Stats(_ context.Context) (*QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &QueueStats{StatusCounts: map[string]int{}, EntityTypeCounts: map[string]int{}}
	for _, it := range m.items {
		stats.StatusCounts[string(it.Status)]++
		if it.Status == QueuePending {
			stats.EntityTypeCounts[it.EntityType]++
		}
	}
	return stats, nil
}

type mockLocalStore struct {
	snaps   map[string]*Snapshot
	applied []Provenance
	getErr  error
}

func key(entityType, entityID string) string { return entityType + "/" + entityID }

func newMockLocalStore() *mockLocalStore {
	return &mockLocalStore{snaps: make(map[string]*Snapshot)}
}

func (m *mockLocalStore) Get(_ context.Context, entityType, entityID string) (*Snapshot, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	snap, ok := m.snaps[key(entityType, entityID)]
	if !ok {
		return nil, ErrLocalNotFound
	}
	cp := *snap
	return &cp, nil
}

func (m *mockLocalStore) Apply(_ context.Context, snap *Snapshot, prov Provenance) error {
	cp := *snap
	m.snaps[key(snap.EntityType, snap.EntityID)] = &cp
	m.applied = append(m.applied, prov)
	return nil
}

// identityTranslator passes content through unchanged: the exchange form is
// the local form.
type identityTranslator struct{}

func (identityTranslator) ToExchange(_ context.Context, snap *Snapshot) (json.RawMessage, error) {
	return snap.Content, nil
}

func (identityTranslator) FromExchange(_ context.Context, entityType string, content json.RawMessage) (*Snapshot, error) {
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(content, &probe)
	return &Snapshot{EntityType: entityType, EntityID: probe.ID, Content: content}, nil
}

type mockGateway struct {
	submitted  []*envelope.Envelope
	submitErrs []error
	fetchEnv   *envelope.Envelope
	fetchErr   error
}

func (m *mockGateway) Submit(_ context.Context, env *envelope.Envelope) error {
	if len(m.submitErrs) > 0 {
		err := m.submitErrs[0]
		m.submitErrs = m.submitErrs[1:]
		if err != nil {
			return err
		}
	}
	m.submitted = append(m.submitted, env)
	return nil
}

func (m *mockGateway) Fetch(_ context.Context, entityType, entityID string) (*envelope.Envelope, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if m.fetchEnv == nil {
		return nil, ErrRemoteNotFound
	}
	cp := *m.fetchEnv
	return &cp, nil
}

// memLedgerRepo backs a real ledger.Service in these tests.
type memLedgerRepo struct {
	entries []*ledger.Entry
}

func (m *memLedgerRepo) Append(_ context.Context, e *ledger.Entry) error {
	for _, existing := range m.entries {
		if existing.MessageID == e.MessageID {
			return ledger.ErrDuplicateMessage
		}
	}
	if len(m.entries) > 0 && m.entries[len(m.entries)-1].SequenceNumber >= e.SequenceNumber {
		return ledger.ErrSequenceTaken
	}
	cp := *e
	cp.RecordedAt = time.Now()
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *memLedgerRepo) Head(_ context.Context) (*ledger.Entry, error) {
	if len(m.entries) == 0 {
		return nil, nil
	}
	cp := *m.entries[len(m.entries)-1]
	return &cp, nil
}

func (m *memLedgerRepo) GetBySequence(_ context.Context, seq int64) (*ledger.Entry, error) {
	for _, e := range m.entries {
		if e.SequenceNumber == seq {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (m *memLedgerRepo) GetByMessageID(_ context.Context, messageID string) (*ledger.Entry, error) {
	for _, e := range m.entries {
		if e.MessageID == messageID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (m *memLedgerRepo) Range(_ context.Context, fromSeq, toSeq int64) ([]*ledger.Entry, error) {
	var out []*ledger.Entry
	for _, e := range m.entries {
		if e.SequenceNumber >= fromSeq && e.SequenceNumber <= toSeq {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memLedgerRepo) Count(_ context.Context) (int64, error) {
	return int64(len(m.entries)), nil
}

type memConflictRepo struct {
	cases map[uuid.UUID]*conflict.Case
}

func newMemConflictRepo() *memConflictRepo {
	return &memConflictRepo{cases: make(map[uuid.UUID]*conflict.Case)}
}

func (m *memConflictRepo) Create(_ context.Context, c *conflict.Case) error {
	c.DetectedAt = time.Now()
	cp := *c
	m.cases[c.ID] = &cp
	return nil
}

func (m *memConflictRepo) GetByID(_ context.Context, id uuid.UUID) (*conflict.Case, error) {
	c, ok := m.cases[id]
	if !ok {
		return nil, conflict.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memConflictRepo) GetOpenBySyncRecord(_ context.Context, syncRecordID uuid.UUID) (*conflict.Case, error) {
	for _, c := range m.cases {
		if c.SyncRecordID == syncRecordID && c.Resolution == conflict.ResolutionUnresolved {
			cp := *c
			return &cp, nil
		}
	}
	return nil, conflict.ErrNotFound
}

func (m *memConflictRepo) ListUnresolved(_ context.Context, limit, offset int) ([]*conflict.Case, int, error) {
	var out []*conflict.Case
	for _, c := range m.cases {
		if c.Resolution == conflict.ResolutionUnresolved {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (m *memConflictRepo) MarkResolved(_ context.Context, id uuid.UUID, res conflict.Resolution, by string) error {
	c, ok := m.cases[id]
	if !ok {
		return conflict.ErrNotFound
	}
	if c.Resolution != conflict.ResolutionUnresolved {
		return conflict.ErrAlreadyResolved
	}
	now := time.Now()
	c.Resolution = res
	c.ResolvedBy = &by
	c.ResolvedAt = &now
	return nil
}

// --- fixture ---------------------------------------------------------------

type fixture struct {
	svc       *Service
	records   *mockRecordRepo
	queue     *mockQueueRepo
	local     *mockLocalStore
	gateway   *mockGateway
	ledger    *memLedgerRepo
	conflicts *memConflictRepo
	clock     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		records:   newMockRecordRepo(),
		local:     newMockLocalStore(),
		gateway:   &mockGateway{},
		ledger:    &memLedgerRepo{},
		conflicts: newMemConflictRepo(),
		clock:     time.Now(),
	}
	f.queue = newMockQueueRepo(func() time.Time { return f.clock })

	ledgerSvc := ledger.NewService(f.ledger, zerolog.Nop())
	conflictSvc := conflict.NewService(f.conflicts, zerolog.Nop())
	f.svc = NewService(f.records, f.queue, f.local, identityTranslator{}, f.gateway,
		ledgerSvc, conflictSvc,
		Config{
			LocalSystem:  "urn:hie:facility:general-hospital",
			RemoteSystem: "urn:hie:facility:regional-exchange",
		}, zerolog.Nop())
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) seedLocal(entityType, entityID, content string) {
	f.local.snaps[key(entityType, entityID)] = &Snapshot{
		EntityType: entityType,
		EntityID:   entityID,
		Content:    json.RawMessage(content),
		UpdatedAt:  f.clock,
	}
}

func (f *fixture) remoteEnvelope(t *testing.T, entityType, entityID, content string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New("urn:hie:facility:regional-exchange", "urn:hie:facility:general-hospital",
		envelope.PriorityRoutine, entityType, entityID, json.RawMessage(content))
	if err != nil {
		t.Fatalf("build remote envelope: %v", err)
	}
	return env
}

// --- tests -----------------------------------------------------------------

func TestQueueSync_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		entityType string
		entityID   string
		direction  Direction
		priority   envelope.Priority
	}{
		{"unsupported entity type", "Medication", "m-1", DirectionToRemote, envelope.PriorityRoutine},
		{"empty entity id", "Patient", "", DirectionToRemote, envelope.PriorityRoutine},
		{"bad direction", "Patient", "p-1", Direction("sideways"), envelope.PriorityRoutine},
		{"bad priority", "Patient", "p-1", DirectionToRemote, envelope.Priority("whenever")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.QueueSync(ctx, tt.entityType, tt.entityID, tt.direction, tt.priority)
			var se *Error
			if !errors.As(err, &se) || se.Kind != KindValidation {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestQueueSync_DefaultsPriorityToRoutine(t *testing.T) {
	f := newFixture(t)
	item, err := f.svc.QueueSync(context.Background(), "Patient", "p-1", DirectionToRemote, "")
	if err != nil {
		t.Fatalf("QueueSync: %v", err)
	}
	if item.Priority != envelope.PriorityRoutine {
		t.Errorf("priority = %q, want routine", item.Priority)
	}
	rec, err := f.svc.GetRecord(context.Background(), item.RecordID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Status != StatusPending {
		t.Errorf("record status = %q, want pending", rec.Status)
	}
}

func TestProcessQueue_PriorityOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := map[string]uuid.UUID{}
	for _, q := range []struct {
		entityID string
		priority envelope.Priority
	}{
		{"routine-first", envelope.PriorityRoutine},
		{"stat", envelope.PriorityStat},
		{"urgent", envelope.PriorityUrgent},
		{"routine-second", envelope.PriorityRoutine},
	} {
		f.seedLocal("Patient", q.entityID, `{"id":"`+q.entityID+`"}`)
		item, err := f.svc.QueueSync(ctx, "Patient", q.entityID, DirectionToRemote, q.priority)
		if err != nil {
			t.Fatalf("QueueSync(%s): %v", q.entityID, err)
		}
		ids[q.entityID] = item.ID
	}

	claimed, err := f.queue.ClaimBatch(ctx, "w1", 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	want := []string{"stat", "urgent", "routine-first", "routine-second"}
	if len(claimed) != len(want) {
		t.Fatalf("claimed %d items, want %d", len(claimed), len(want))
	}
	for i, entityID := range want {
		if claimed[i].EntityID != entityID {
			t.Errorf("claim order[%d] = %s, want %s", i, claimed[i].EntityID, entityID)
		}
	}

	// A second claim must come up empty: nothing is handed out twice.
	again, err := f.queue.ClaimBatch(ctx, "w2", 10, time.Minute)
	if err != nil {
		t.Fatalf("second ClaimBatch: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim returned %d items, want 0", len(again))
	}
}

func TestProcessQueue_ToRemoteSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedLocal("Patient", "p-1", `{"id":"p-1","name":"Alice"}`)

	item, err := f.svc.QueueSync(ctx, "Patient", "p-1", DirectionToRemote, envelope.PriorityUrgent)
	if err != nil {
		t.Fatalf("QueueSync: %v", err)
	}
	n, err := f.svc.ProcessQueue(ctx, "w1", 10)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	rec, err := f.svc.GetRecord(ctx, item.RecordID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("record status = %q, want completed (err: %v)", rec.Status, rec.ErrorMessage)
	}

	if len(f.gateway.submitted) != 1 {
		t.Fatalf("submitted %d envelopes, want 1", len(f.gateway.submitted))
	}
	env := f.gateway.submitted[0]
	if env.Sender != "urn:hie:facility:general-hospital" {
		t.Errorf("sender = %q", env.Sender)
	}
	if env.AuditProof == nil || env.AuditProof.SequenceNumber != 1 {
		t.Errorf("audit proof = %+v, want sequence 1", env.AuditProof)
	}

	entry, err := f.ledger.GetByMessageID(ctx, env.MessageID)
	if err != nil {
		t.Fatalf("ledger entry for message: %v", err)
	}
	if entry.EnvelopeHash != env.ContentHash.Value {
		t.Errorf("ledger anchors %q, envelope carries %q", entry.EnvelopeHash, env.ContentHash.Value)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(rec.ResultData, &result); err != nil {
		t.Fatalf("result data: %v", err)
	}
	if result["message_id"] != env.MessageID {
		t.Errorf("result message_id = %v", result["message_id"])
	}
}

func TestProcessQueue_TransientFailureRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedLocal("Patient", "p-1", `{"id":"p-1"}`)
	f.gateway.submitErrs = []error{errors.New("connection refused")}

	item, err := f.svc.QueueSync(ctx, "Patient", "p-1", DirectionToRemote, envelope.PriorityRoutine)
	if err != nil {
		t.Fatalf("QueueSync: %v", err)
	}

	if _, err := f.svc.ProcessQueue(ctx, "w1", 10); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	rec, _ := f.svc.GetRecord(ctx, item.RecordID)
	if rec.Status != StatusPending {
		t.Fatalf("record status after transient failure = %q, want pending", rec.Status)
	}
	qi, _ := f.queue.GetByID(ctx, item.ID)
	if qi.Status != QueuePending || qi.Attempts != 1 {
		t.Fatalf("queue item = %s attempts %d, want pending/1", qi.Status, qi.Attempts)
	}
	if !qi.ScheduledAt.After(f.clock) {
		t.Error("retry not scheduled into the future")
	}

	// Not yet due.
	n, _ := f.svc.ProcessQueue(ctx, "w1", 10)
	if n != 0 {
		t.Fatalf("processed %d items before backoff elapsed, want 0", n)
	}

	f.clock = f.clock.Add(time.Minute)
	n, _ = f.svc.ProcessQueue(ctx, "w1", 10)
	if n != 1 {
		t.Fatalf("processed %d items after backoff, want 1", n)
	}
	rec, _ = f.svc.GetRecord(ctx, item.RecordID)
	if rec.Status != StatusCompleted {
		t.Fatalf("record status = %q, want completed", rec.Status)
	}
}

func TestProcessQueue_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedLocal("Patient", "p-1", `{"id":"p-1"}`)
	f.gateway.submitErrs = []error{
		errors.New("connection refused"),
		errors.New("connection refused"),
		errors.New("connection refused"),
	}

	item, err := f.svc.QueueSync(ctx, "Patient", "p-1", DirectionToRemote, envelope.PriorityRoutine)
	if err != nil {
		t.Fatalf("QueueSync: %v", err)
	}

	for i := 0; i < 3; i++ {
		f.clock = f.clock.Add(10 * time.Minute)
		if _, err := f.svc.ProcessQueue(ctx, "w1", 10); err != nil {
			t.Fatalf("ProcessQueue #%d: %v", i+1, err)
		}
	}

	rec, _ := f.svc.GetRecord(ctx, item.RecordID)
	if rec.Status != StatusFailed {
		t.Fatalf("record status = %q, want failed", rec.Status)
	}
	if rec.ErrorKind == nil || *rec.ErrorKind != string(KindTransientTransport) {
		t.Errorf("error kind = %v", rec.ErrorKind)
	}
	qi, _ := f.queue.GetByID(ctx, item.ID)
	if qi.Status != QueueFailed || qi.Attempts != 3 {
		t.Errorf("queue item = %s attempts %d, want failed/3", qi.Status, qi.Attempts)
	}

	// Exhausted items stay settled.
	f.clock = f.clock.Add(time.Hour)
	n, _ := f.svc.ProcessQueue(ctx, "w1", 10)
	if n != 0 {
		t.Errorf("processed %d items after exhaustion, want 0", n)
	}
}

func TestProcessQueue_TamperedInboundNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := f.remoteEnvelope(t, "Patient", "p-1", `{"id":"p-1","allergy":"none"}`)
	env.Payload.Content = json.RawMessage(`{"id":"p-1","allergy":"penicillin"}`)
	f.gateway.fetchEnv = env

	item, err := f.svc.QueueSync(ctx, "Patient", "p-1", DirectionFromRemote, envelope.PriorityStat)
	if err != nil {
		t.Fatalf("QueueSync: %v", err)
	}
	if _, err := f.svc.ProcessQueue(ctx, "w1", 10); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	rec, _ := f.svc.GetRecord(ctx, item.RecordID)
	if rec.Status != StatusFailed {
		t.Fatalf("record status = %q, want failed", rec.Status)
	}
	if rec.ErrorKind == nil || *rec.ErrorKind != string(KindTampered) {
		t.Fatalf("error kind = %v, want tampered", rec.ErrorKind)
	}
	qi, _ := f.queue.GetByID(ctx, item.ID)
	if qi.Status != QueueFailed || qi.Attempts != 1 {
		t.Errorf("tampered item = %s attempts %d, want failed after single attempt", qi.Status, qi.Attempts)
	}
	if len(f.local.applied) != 0 {
		t.Error("tampered content must never reach the local store")
	}
}

func TestProcessQueue_FromRemoteAppliesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.fetchEnv = f.remoteEnvelope(t, "Patient", "p-1", `{"id":"p-1","name":"Bob"}`)

	item, err := f.svc.QueueSync(ctx, "Patient", "p-1", DirectionFromRemote, envelope.PriorityRoutine)
	if err != nil {
		t.Fatalf("QueueSync: %v", err)
	}
	if _, err := f.svc.ProcessQueue(ctx, "w1", 10); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	rec, _ := f.svc.GetRecord(ctx, item.RecordID)
	if rec.Status != StatusCompleted {
		t.Fatalf("record status = %q, want completed (err: %v)", rec.Status, rec.ErrorMessage)
	}
	snap, err := f.local.Get(ctx, "Patient", "p-1")
	if err != nil {
		t.Fatalf("local snapshot: %v", err)
	}
	if !strings.Contains(string(snap.Content), `"Bob"`) {
		t.Errorf("applied content = %s", snap.Content)
	}
	if len(f.local.applied) != 1 || f.local.applied[0].SourceSystem != "urn:hie:facility:regional-exchange" {
		t.Errorf("provenance = %+v", f.local.applied)
	}
	if n, _ := f.ledger.Count(ctx); n != 1 {
		t.Errorf("ledger entries = %d, want inbound envelope anchored", n)
	}
}

func TestBidirectional_IdenticalContentIsInSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Same canonical content, different key order and formatting.
	f.seedLocal("Patient", "p-1", `{"name":"Alice","id":"p-1"}`)
	f.gateway.fetchEnv = f.remoteEnvelope(t, "Patient", "p-1", `{"id":"p-1", "name":"Alice"}`)

	item, err := f.svc.QueueSync(ctx, "Patient", "p-1", DirectionBidirectional, envelope.PriorityRoutine)
	if err != nil {
		t.Fatalf("QueueSync: %v", err)
	}
	if _, err := f.svc.ProcessQueue(ctx, "w1", 10); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	rec, _ := f.svc.GetRecord(ctx, item.RecordID)
	if rec.Status != StatusCompleted {
		t.Fatalf("record status = %q, want completed (err: %v)", rec.Status, rec.ErrorMessage)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(rec.ResultData, &result); err != nil {
		t.Fatalf("result data: %v", err)
	}
	if result["in_sync"] != true {
		t.Errorf("result = %v, want in_sync", result)
	}
	if len(f.gateway.submitted) != 0 || len(f.local.applied) != 0 {
		t.Error("identical content must not move in either direction")
	}
}

func TestBidirectional_ConflictDetectedAndResolvedUseRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedLocal("Patient", "p-1", `{"id":"p-1","name":"Local Edit"}`)
	f.gateway.fetchEnv = f.remoteEnvelope(t, "Patient", "p-1", `{"id":"p-1","name":"Remote Edit"}`)

	item, err := f.svc.QueueSync(ctx, "Patient", "p-1", DirectionBidirectional, envelope.PriorityRoutine)
	if err != nil {
		t.Fatalf("QueueSync: %v", err)
	}
	if _, err := f.svc.ProcessQueue(ctx, "w1", 10); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	rec, _ := f.svc.GetRecord(ctx, item.RecordID)
	if rec.Status != StatusConflict {
		t.Fatalf("record status = %q, want conflict (err: %v)", rec.Status, rec.ErrorMessage)
	}
	kase, err := f.conflicts.GetOpenBySyncRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("open conflict case: %v", err)
	}
	if !strings.Contains(string(kase.Local.Content), "Local Edit") ||
		!strings.Contains(string(kase.Remote.Content), "Remote Edit") {
		t.Error("conflict case must retain both versions")
	}

	resolved, err := f.svc.ResolveConflict(ctx, rec.ID, conflict.StrategyUseRemote, nil, "urn:hie:practitioner:dr-smith")
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if resolved.Status != StatusCompleted {
		t.Fatalf("resolved record status = %q, want completed", resolved.Status)
	}

	snap, err := f.local.Get(ctx, "Patient", "p-1")
	if err != nil {
		t.Fatalf("local snapshot: %v", err)
	}
	if !strings.Contains(string(snap.Content), "Remote Edit") {
		t.Errorf("local content after use-remote = %s", snap.Content)
	}
	if len(f.gateway.submitted) != 0 {
		t.Error("use-remote must not push anything to the remote system")
	}

	closed, _ := f.conflicts.GetByID(ctx, kase.ID)
	if closed.Resolution != conflict.ResolutionUseRemote {
		t.Errorf("case resolution = %q", closed.Resolution)
	}
	if closed.ResolvedBy == nil || *closed.ResolvedBy != "urn:hie:practitioner:dr-smith" {
		t.Errorf("resolved_by = %v", closed.ResolvedBy)
	}
}

func TestResolveConflict_MergePushesAndApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedLocal("Patient", "p-1", `{"id":"p-1","name":"Local","phone":"555-0100"}`)
	env := f.remoteEnvelope(t, "Patient", "p-1", `{"id":"p-1","name":"Remote","email":"r@example.org"}`)
	env.Timestamp = env.Timestamp.Add(time.Second) // remote side newer
	// Re-stamp the hash is unnecessary: content is unchanged.
	f.gateway.fetchEnv = env

	item, err := f.svc.QueueSync(ctx, "Patient", "p-1", DirectionBidirectional, envelope.PriorityRoutine)
	if err != nil {
		t.Fatalf("QueueSync: %v", err)
	}
	if _, err := f.svc.ProcessQueue(ctx, "w1", 10); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	rec, _ := f.svc.GetRecord(ctx, item.RecordID)
	if rec.Status != StatusConflict {
		t.Fatalf("record status = %q, want conflict", rec.Status)
	}

	resolved, err := f.svc.ResolveConflict(ctx, rec.ID, conflict.StrategyMerge, nil, "urn:hie:practitioner:dr-smith")
	if err != nil {
		t.Fatalf("ResolveConflict(merge): %v", err)
	}
	if resolved.Status != StatusCompleted {
		t.Fatalf("record status = %q, want completed", resolved.Status)
	}

	// Merged content converges both sides.
	if len(f.gateway.submitted) != 1 {
		t.Fatalf("submitted %d envelopes, want merged content pushed once", len(f.gateway.submitted))
	}
	pushed := string(f.gateway.submitted[0].Payload.Content)
	snap, _ := f.local.Get(ctx, "Patient", "p-1")
	if pushed != string(snap.Content) {
		t.Errorf("pushed %s but applied %s locally", pushed, snap.Content)
	}
	for _, field := range []string{`"phone"`, `"email"`} {
		if !strings.Contains(pushed, field) {
			t.Errorf("merged content missing %s: %s", field, pushed)
		}
	}
}

func TestResolveConflict_RecordNotInConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedLocal("Patient", "p-1", `{"id":"p-1"}`)

	item, err := f.svc.QueueSync(ctx, "Patient", "p-1", DirectionToRemote, envelope.PriorityRoutine)
	if err != nil {
		t.Fatalf("QueueSync: %v", err)
	}
	if _, err := f.svc.ProcessQueue(ctx, "w1", 10); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}

	_, err = f.svc.ResolveConflict(ctx, item.RecordID, conflict.StrategyUseLocal, nil, "urn:hie:practitioner:dr-smith")
	if !errors.Is(err, ErrNotInConflict) {
		t.Fatalf("err = %v, want ErrNotInConflict", err)
	}
}

func TestCancelQueueItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedLocal("Patient", "p-1", `{"id":"p-1"}`)

	item, err := f.svc.QueueSync(ctx, "Patient", "p-1", DirectionToRemote, envelope.PriorityRoutine)
	if err != nil {
		t.Fatalf("QueueSync: %v", err)
	}
	ok, err := f.svc.CancelQueueItem(ctx, item.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v; want true", ok, err)
	}
	// Cancelled items never dispatch, and a second cancel reports false.
	if n, _ := f.svc.ProcessQueue(ctx, "w1", 10); n != 0 {
		t.Errorf("processed %d cancelled items", n)
	}
	if ok, _ := f.svc.CancelQueueItem(ctx, item.ID); ok {
		t.Error("second cancel reported success")
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 5 * time.Minute},
		{20, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.attempts); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestReapExpiredLeases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedLocal("Patient", "p-1", `{"id":"p-1"}`)

	item, err := f.svc.QueueSync(ctx, "Patient", "p-1", DirectionToRemote, envelope.PriorityRoutine)
	if err != nil {
		t.Fatalf("QueueSync: %v", err)
	}
	// Simulate a worker that claimed and died.
	claimed, err := f.queue.ClaimBatch(ctx, "w-dead", 10, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimBatch = %d items, %v", len(claimed), err)
	}

	n, err := f.svc.ReapExpiredLeases(ctx)
	if err != nil || n != 0 {
		t.Fatalf("reap before expiry = %d, %v; want 0", n, err)
	}

	f.clock = f.clock.Add(2 * time.Minute)
	n, err = f.svc.ReapExpiredLeases(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reap after expiry = %d, %v; want 1", n, err)
	}
	qi, _ := f.queue.GetByID(ctx, item.ID)
	if qi.Status != QueuePending {
		t.Errorf("reaped item status = %q, want pending", qi.Status)
	}
}

func TestReapExpiredLeases_FinalAttemptFailsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedLocal("Patient", "p-1", `{"id":"p-1"}`)

	item, err := f.svc.QueueSync(ctx, "Patient", "p-1", DirectionToRemote, envelope.PriorityRoutine)
	if err != nil {
		t.Fatalf("QueueSync: %v", err)
	}
	claimed, err := f.queue.ClaimBatch(ctx, "w-dead", 10, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimBatch = %d items, %v", len(claimed), err)
	}
	// The dead worker held the item's last attempt.
	f.queue.items[item.ID].Attempts = f.queue.items[item.ID].MaxAttempts

	f.clock = f.clock.Add(2 * time.Minute)
	n, err := f.svc.ReapExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("ReapExpiredLeases: %v", err)
	}
	if n != 0 {
		t.Errorf("reclaimed = %d, want 0 (item had no attempts left)", n)
	}

	qi, _ := f.queue.GetByID(ctx, item.ID)
	if qi.Status != QueueFailed {
		t.Errorf("exhausted item status = %q, want failed", qi.Status)
	}
	rec, err := f.svc.GetRecord(ctx, item.RecordID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Status != StatusFailed {
		t.Errorf("record status = %q, want failed", rec.Status)
	}
	if rec.ErrorKind == nil || *rec.ErrorKind != string(KindTransientTransport) {
		t.Errorf("record error kind = %v, want transient_transport", rec.ErrorKind)
	}

	// The failed item must not be claimable again.
	if got, _ := f.queue.ClaimBatch(ctx, "w-next", 10, time.Minute); len(got) != 0 {
		t.Errorf("claimed %d items after exhaustion, want 0", len(got))
	}
}

func TestClaimBatch_NewItemImmediatelyDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.svc.QueueSync(ctx, "Patient", "p-1", DirectionFromRemote, envelope.PriorityRoutine)
	if err != nil {
		t.Fatalf("QueueSync: %v", err)
	}

	// No clock movement between enqueue and claim: a fresh item is due at once.
	claimed, err := f.queue.ClaimBatch(ctx, "w-1", 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != item.ID {
		t.Fatalf("claimed %d items, want the freshly enqueued one", len(claimed))
	}
}

func TestClaimBatch_ConcurrentClaimsDisjoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		if _, err := f.svc.QueueSync(ctx, "Patient", fmt.Sprintf("p-%02d", i), DirectionFromRemote, envelope.PriorityRoutine); err != nil {
			t.Fatalf("QueueSync %d: %v", i, err)
		}
	}

	results := make([][]*QueueItem, 2)
	var wg stdsync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			got, err := f.queue.ClaimBatch(ctx, fmt.Sprintf("w-%d", w), total/2, time.Minute)
			if err != nil {
				t.Errorf("ClaimBatch worker %d: %v", w, err)
				return
			}
			results[w] = got
		}(w)
	}
	wg.Wait()

	seen := make(map[uuid.UUID]int)
	claimed := 0
	for w, got := range results {
		for _, it := range got {
			if prev, dup := seen[it.ID]; dup {
				t.Errorf("item %s claimed by both worker %d and worker %d", it.ID, prev, w)
			}
			seen[it.ID] = w
			claimed++
		}
	}
	if claimed != total {
		t.Errorf("claimed %d items across workers, want %d", claimed, total)
	}
}

func TestProcessQueue_RedeliveredEnvelopeIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := f.remoteEnvelope(t, "Patient", "p-1", `{"id":"p-1","name":"Bob"}`)
	f.gateway.fetchEnv = env

	// The same remote envelope arrives twice, e.g. fetched again after a
	// timeout struck between the ledger anchor and the local apply.
	for round := 1; round <= 2; round++ {
		item, err := f.svc.QueueSync(ctx, "Patient", "p-1", DirectionFromRemote, envelope.PriorityRoutine)
		if err != nil {
			t.Fatalf("QueueSync round %d: %v", round, err)
		}
		n, err := f.svc.ProcessQueue(ctx, "w-1", 10)
		if err != nil || n != 1 {
			t.Fatalf("ProcessQueue round %d = %d, %v; want 1", round, n, err)
		}
		rec, err := f.svc.GetRecord(ctx, item.RecordID)
		if err != nil {
			t.Fatalf("GetRecord round %d: %v", round, err)
		}
		if rec.Status != StatusCompleted {
			t.Fatalf("round %d record status = %q, want completed (kind=%v msg=%v)",
				round, rec.Status, rec.ErrorKind, rec.ErrorMessage)
		}
	}

	// Redelivery resolves to the existing chain entry instead of a new one.
	if count, _ := f.ledger.Count(ctx); count != 1 {
		t.Errorf("ledger entries = %d, want 1", count)
	}
}

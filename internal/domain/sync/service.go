package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hie/hie/internal/domain/conflict"
	"github.com/hie/hie/internal/domain/ledger"
	"github.com/hie/hie/internal/platform/canonical"
	"github.com/hie/hie/internal/platform/envelope"
)

// ErrNotInConflict is returned when resolving a sync record that is not
// parked in the conflict state.
var ErrNotInConflict = errors.New("sync record is not in conflict")

// Config tunes the orchestrator. Zero values fall back to the defaults below.
type Config struct {
	// LocalSystem and RemoteSystem are the facility URNs stamped on
	// outbound envelopes.
	LocalSystem  string
	RemoteSystem string
	// MaxAttempts bounds retries of transient failures per queue item.
	MaxAttempts int
	// ItemTimeout bounds processing of a single claimed item.
	ItemTimeout time.Duration
	// LeaseDuration is how long a claim stays exclusive before the reaper
	// returns the item to pending.
	LeaseDuration time.Duration
}

const (
	defaultMaxAttempts   = 3
	defaultItemTimeout   = 30 * time.Second
	defaultLeaseDuration = 5 * time.Minute

	baseBackoff = 30 * time.Second
	maxBackoff  = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = defaultItemTimeout
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaultLeaseDuration
	}
	return c
}

// retryable is the capability collaborator errors can implement to steer
// retry classification.
type retryable interface{ Retryable() bool }

// Service orchestrates directional syncs: it owns the queue lifecycle,
// envelope construction and validation, ledger anchoring, conflict detection,
// and retry policy.
type Service struct {
	records    RecordRepository
	queue      QueueRepository
	local      LocalStore
	translator Translator
	remote     RemoteGateway
	ledger     *ledger.Service
	conflicts  *conflict.Service
	validator  *envelope.Validator
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time
}

// NewService wires the orchestrator.
func NewService(
	records RecordRepository,
	queue QueueRepository,
	local LocalStore,
	translator Translator,
	remote RemoteGateway,
	ledgerSvc *ledger.Service,
	conflicts *conflict.Service,
	cfg Config,
	log zerolog.Logger,
) *Service {
	return &Service{
		records:    records,
		queue:      queue,
		local:      local,
		translator: translator,
		remote:     remote,
		ledger:     ledgerSvc,
		conflicts:  conflicts,
		validator:  envelope.NewValidator(),
		cfg:        cfg.withDefaults(),
		log:        log.With().Str("component", "sync").Logger(),
		now:        time.Now,
	}
}

// QueueSync validates the request, creates the pending sync record, and
// enqueues the work item.
func (s *Service) QueueSync(ctx context.Context, entityType, entityID string, direction Direction, priority envelope.Priority) (*QueueItem, error) {
	if !envelope.SupportedResourceTypes[entityType] {
		return nil, NewError(KindValidation, fmt.Sprintf("unsupported entity type %q", entityType), nil)
	}
	if entityID == "" {
		return nil, NewError(KindValidation, "entity id is required", nil)
	}
	if !ValidDirection(direction) {
		return nil, NewError(KindValidation, fmt.Sprintf("unknown direction %q", direction), nil)
	}
	if priority == "" {
		priority = envelope.PriorityRoutine
	}
	if !envelope.ValidPriority(priority) {
		return nil, NewError(KindValidation, fmt.Sprintf("unknown priority %q", priority), nil)
	}

	rec := &Record{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		Direction:  direction,
		Status:     StatusPending,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create sync record: %w", err)
	}

	item := &QueueItem{
		ID:          uuid.New(),
		RecordID:    rec.ID,
		EntityType:  entityType,
		EntityID:    entityID,
		Direction:   direction,
		Priority:    priority,
		Status:      QueuePending,
		MaxAttempts: s.cfg.MaxAttempts,
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue sync: %w", err)
	}

	s.log.Info().
		Str("sync_record_id", rec.ID.String()).
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Str("direction", string(direction)).
		Str("priority", string(priority)).
		Msg("sync queued")
	return item, nil
}

// ProcessQueue claims up to maxN due items for workerID and processes each
// one. It returns how many items were processed; per-item failures are
// absorbed into records and retry scheduling rather than aborting the batch.
func (s *Service) ProcessQueue(ctx context.Context, workerID string, maxN int) (int, error) {
	items, err := s.queue.ClaimBatch(ctx, workerID, maxN, s.cfg.LeaseDuration)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	for _, item := range items {
		s.processItem(ctx, item)
	}
	return len(items), nil
}

func (s *Service) processItem(ctx context.Context, item *QueueItem) {
	ictx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()

	rec, err := s.records.GetByID(ictx, item.RecordID)
	if err != nil {
		s.log.Error().Err(err).Str("queue_item_id", item.ID.String()).Msg("load sync record")
		s.finishItem(ctx, item, nil, Transient("sync record unavailable", err))
		return
	}

	rec.Status = StatusInProgress
	rec.ErrorKind, rec.ErrorMessage = nil, nil
	if err := s.records.Update(ictx, rec); err != nil {
		s.finishItem(ctx, item, rec, Transient("mark in progress", err))
		return
	}

	var result json.RawMessage
	switch item.Direction {
	case DirectionToRemote:
		result, err = s.syncToRemote(ictx, item)
	case DirectionFromRemote:
		result, err = s.syncFromRemote(ictx, item)
	case DirectionBidirectional:
		result, err = s.syncBidirectional(ictx, item, rec)
	default:
		err = NewError(KindValidation, fmt.Sprintf("unknown direction %q", item.Direction), nil)
	}

	if err != nil {
		s.finishItem(ctx, item, rec, Classify(err))
		return
	}

	rec.Status = StatusCompleted
	rec.ResultData = result
	if err := s.records.Update(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("sync_record_id", rec.ID.String()).Msg("record completion")
	}
	if err := s.queue.MarkCompleted(ctx, item.ID); err != nil {
		s.log.Error().Err(err).Str("queue_item_id", item.ID.String()).Msg("complete queue item")
	}
	s.log.Info().
		Str("sync_record_id", rec.ID.String()).
		Str("entity_type", item.EntityType).
		Str("entity_id", item.EntityID).
		Str("direction", string(item.Direction)).
		Int("attempts", item.Attempts).
		Msg("sync completed")
}

// finishItem settles a failed attempt: conflicts park the record, transient
// failures reschedule with backoff until attempts run out, everything else is
// terminal. Settlement uses the parent context so a per-item timeout cannot
// strand the bookkeeping.
func (s *Service) finishItem(ctx context.Context, item *QueueItem, rec *Record, serr *Error) {
	kind := string(serr.Kind)
	msg := serr.Error()

	if serr.Kind == KindTampered {
		s.log.Error().
			Str("event", "security").
			Str("entity_type", item.EntityType).
			Str("entity_id", item.EntityID).
			Str("queue_item_id", item.ID.String()).
			Msg("content hash mismatch on exchanged payload")
	}

	if rec != nil {
		rec.ErrorKind = &kind
		rec.ErrorMessage = &msg
	}

	switch {
	case serr.Kind == KindConflictDetected:
		if rec != nil {
			rec.Status = StatusConflict
		}
		if err := s.queue.MarkCompleted(ctx, item.ID); err != nil {
			s.log.Error().Err(err).Str("queue_item_id", item.ID.String()).Msg("park conflicted item")
		}
	case serr.Retryable() && item.Attempts < item.MaxAttempts:
		delay := backoffDelay(item.Attempts)
		if rec != nil {
			rec.Status = StatusPending
		}
		if err := s.queue.Reschedule(ctx, item.ID, s.now().Add(delay), msg); err != nil {
			s.log.Error().Err(err).Str("queue_item_id", item.ID.String()).Msg("reschedule queue item")
		}
		s.log.Warn().
			Str("queue_item_id", item.ID.String()).
			Int("attempts", item.Attempts).
			Dur("retry_in", delay).
			Str("error_kind", kind).
			Msg("sync attempt failed, will retry")
	default:
		if rec != nil {
			rec.Status = StatusFailed
		}
		if err := s.queue.MarkFailed(ctx, item.ID, msg); err != nil {
			s.log.Error().Err(err).Str("queue_item_id", item.ID.String()).Msg("fail queue item")
		}
		s.log.Error().
			Str("queue_item_id", item.ID.String()).
			Int("attempts", item.Attempts).
			Str("error_kind", kind).
			Str("error", msg).
			Msg("sync failed")
	}

	if rec != nil {
		if err := s.records.Update(ctx, rec); err != nil {
			s.log.Error().Err(err).Str("sync_record_id", rec.ID.String()).Msg("record failure state")
		}
	}
}

// backoffDelay returns the wait before retry n+1 given n completed attempts:
// 30s, 60s, 120s, ... capped at 5 minutes.
func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := baseBackoff << uint(attempts-1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

func (s *Service) syncToRemote(ctx context.Context, item *QueueItem) (json.RawMessage, error) {
	snap, err := s.local.Get(ctx, item.EntityType, item.EntityID)
	if errors.Is(err, ErrLocalNotFound) {
		return nil, NewError(KindValidation, "entity not found in local store", err)
	}
	if err != nil {
		return nil, s.classifyTransport(err, "read local entity")
	}
	return s.pushSnapshot(ctx, item.Priority, snap)
}

// pushSnapshot translates, envelopes, anchors, and submits one local snapshot.
func (s *Service) pushSnapshot(ctx context.Context, priority envelope.Priority, snap *Snapshot) (json.RawMessage, error) {
	content, err := s.translator.ToExchange(ctx, snap)
	if err != nil {
		return nil, NewError(KindTranslation, "translate to exchange form", err)
	}

	env, err := envelope.New(s.cfg.LocalSystem, s.cfg.RemoteSystem, priority, snap.EntityType, snap.EntityID, content)
	if err != nil {
		return nil, NewError(KindValidation, "build envelope", err)
	}
	if err := s.validator.Validate(env); err != nil {
		return nil, NewError(KindValidation, "outbound envelope failed validation", err)
	}

	proof, err := s.ledger.Append(ctx, env.MessageID, env.ContentHash.Value)
	if err != nil {
		return nil, s.classifyLedger(err)
	}
	env.AuditProof = &envelope.AuditProof{
		SequenceNumber: proof.SequenceNumber,
		EntryHash:      proof.EntryHash,
		PrevEntryHash:  proof.PrevEntryHash,
		ChainHead:      proof.ChainHead,
	}

	if err := s.remote.Submit(ctx, env); err != nil {
		return nil, s.classifyTransport(err, "submit envelope to remote")
	}

	return json.Marshal(map[string]interface{}{
		"message_id":      env.MessageID,
		"content_hash":    env.ContentHash.Value,
		"sequence_number": proof.SequenceNumber,
	})
}

func (s *Service) syncFromRemote(ctx context.Context, item *QueueItem) (json.RawMessage, error) {
	env, err := s.remote.Fetch(ctx, item.EntityType, item.EntityID)
	if errors.Is(err, ErrRemoteNotFound) {
		return nil, NewError(KindValidation, "entity not found on remote system", err)
	}
	if err != nil {
		return nil, s.classifyTransport(err, "fetch from remote")
	}
	return s.applyEnvelope(ctx, env)
}

// applyEnvelope validates one inbound envelope, anchors it, and applies its
// payload to the local store.
func (s *Service) applyEnvelope(ctx context.Context, env *envelope.Envelope) (json.RawMessage, error) {
	if err := s.validateInbound(env); err != nil {
		return nil, err
	}

	proof, err := s.ledger.Append(ctx, env.MessageID, env.ContentHash.Value)
	if err != nil {
		return nil, s.classifyLedger(err)
	}

	snap, err := s.translator.FromExchange(ctx, env.Payload.ResourceType, env.Payload.Content)
	if err != nil {
		return nil, NewError(KindTranslation, "translate from exchange form", err)
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = env.Timestamp
	}
	snap.Source = env.Sender

	prov := Provenance{
		SourceSystem:  env.Sender,
		RemoteVersion: snap.Version,
		MessageID:     env.MessageID,
		ReceivedAt:    s.now(),
	}
	if err := s.local.Apply(ctx, snap, prov); err != nil {
		return nil, s.classifyTransport(err, "apply snapshot to local store")
	}

	return json.Marshal(map[string]interface{}{
		"message_id":      env.MessageID,
		"content_hash":    env.ContentHash.Value,
		"sequence_number": proof.SequenceNumber,
	})
}

// validateInbound maps envelope validation failures onto the sync taxonomy.
func (s *Service) validateInbound(env *envelope.Envelope) *Error {
	err := s.validator.Validate(env)
	if err == nil {
		return nil
	}
	switch {
	case envelope.IsTampered(err):
		return NewError(KindTampered, "inbound envelope content hash mismatch", err)
	case envelope.IsExpired(err):
		return NewError(KindExpired, "inbound envelope expired", err)
	default:
		return NewError(KindValidation, "inbound envelope failed validation", err)
	}
}

func (s *Service) syncBidirectional(ctx context.Context, item *QueueItem, rec *Record) (json.RawMessage, error) {
	localSnap, lerr := s.local.Get(ctx, item.EntityType, item.EntityID)
	if lerr != nil && !errors.Is(lerr, ErrLocalNotFound) {
		return nil, s.classifyTransport(lerr, "read local entity")
	}
	remoteEnv, rerr := s.remote.Fetch(ctx, item.EntityType, item.EntityID)
	if rerr != nil && !errors.Is(rerr, ErrRemoteNotFound) {
		return nil, s.classifyTransport(rerr, "fetch from remote")
	}

	haveLocal := lerr == nil
	haveRemote := rerr == nil

	switch {
	case !haveLocal && !haveRemote:
		return nil, NewError(KindValidation, "entity unknown on both sides", nil)
	case haveLocal && !haveRemote:
		return s.pushSnapshot(ctx, item.Priority, localSnap)
	case !haveLocal && haveRemote:
		return s.applyEnvelope(ctx, remoteEnv)
	}

	if verr := s.validateInbound(remoteEnv); verr != nil {
		return nil, verr
	}

	localContent, err := s.translator.ToExchange(ctx, localSnap)
	if err != nil {
		return nil, NewError(KindTranslation, "translate local entity", err)
	}
	localHash, err := canonical.Hash(localContent, remoteEnv.ContentHash.Algorithm)
	if err != nil {
		return nil, NewError(KindTranslation, "hash local entity", err)
	}

	// Identical canonical content means there is nothing to reconcile,
	// whatever the timestamps say.
	if localHash == remoteEnv.ContentHash.Value {
		return json.Marshal(map[string]interface{}{
			"in_sync":      true,
			"content_hash": localHash,
		})
	}

	lastSynced, err := s.records.LastCompletedAt(ctx, item.EntityType, item.EntityID)
	if err != nil {
		return nil, s.classifyTransport(err, "read sync history")
	}

	remoteTime := remoteEnv.Timestamp
	localChanged := lastSynced == nil || localSnap.UpdatedAt.After(*lastSynced)
	remoteChanged := lastSynced == nil || remoteTime.After(*lastSynced)

	switch {
	case localChanged && !remoteChanged:
		return s.pushSnapshot(ctx, item.Priority, localSnap)
	case remoteChanged && !localChanged:
		return s.applyEnvelope(ctx, remoteEnv)
	}

	// Both sides moved since the last completed sync and the contents
	// diverge. Park the record and keep both versions for the operator.
	kase := &conflict.Case{
		SyncRecordID: rec.ID,
		EntityType:   item.EntityType,
		EntityID:     item.EntityID,
		Local: conflict.Version{
			Content:   localContent,
			UpdatedAt: localSnap.UpdatedAt,
			Source:    s.cfg.LocalSystem,
			VersionID: localSnap.Version,
		},
		Remote: conflict.Version{
			Content:   remoteEnv.Payload.Content,
			UpdatedAt: remoteTime,
			Source:    remoteEnv.Sender,
			VersionID: remoteEnv.MessageID,
		},
	}
	if err := s.conflicts.Open(ctx, kase); err != nil {
		return nil, s.classifyTransport(err, "open conflict case")
	}
	return nil, NewError(KindConflictDetected,
		fmt.Sprintf("both sides changed %s/%s since last sync", item.EntityType, item.EntityID), nil)
}

// ResolveConflict applies an operator's decision to a conflicted sync record:
// it picks or merges the winning content, converges both systems on it, closes
// the case, and completes the record.
func (s *Service) ResolveConflict(ctx context.Context, syncID uuid.UUID, strategy conflict.Strategy, rules *conflict.MergeRules, actor string) (*Record, error) {
	rec, err := s.records.GetByID(ctx, syncID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusConflict {
		return nil, ErrNotInConflict
	}

	kase, err := s.conflicts.OpenCaseForSyncRecord(ctx, syncID)
	if err != nil {
		return nil, fmt.Errorf("load conflict case: %w", err)
	}
	decision, err := s.conflicts.Decide(kase, strategy, rules)
	if err != nil {
		return nil, err
	}

	rec.Status = StatusInProgress
	if err := s.records.Update(ctx, rec); err != nil {
		return nil, err
	}

	result, err := s.applyDecision(ctx, kase, decision)
	if err != nil {
		// Leave the record parked so the operator can try again.
		rec.Status = StatusConflict
		msg := err.Error()
		rec.ErrorMessage = &msg
		if uerr := s.records.Update(ctx, rec); uerr != nil {
			s.log.Error().Err(uerr).Str("sync_record_id", rec.ID.String()).Msg("restore conflict state")
		}
		return nil, err
	}

	if err := s.conflicts.Close(ctx, kase.ID, decision.Resolution, actor); err != nil {
		return nil, err
	}

	rec.Status = StatusCompleted
	rec.ErrorKind, rec.ErrorMessage = nil, nil
	rec.ResultData = result
	if err := s.records.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// applyDecision converges the systems on the winning content. use-remote only
// touches the local store; use-local only the remote; a merge produced new
// content neither side has, so both get it.
func (s *Service) applyDecision(ctx context.Context, kase *conflict.Case, decision *conflict.Decision) (json.RawMessage, error) {
	result := map[string]interface{}{
		"case_id":    kase.ID,
		"resolution": string(decision.Resolution),
	}

	applyLocal := decision.Resolution == conflict.ResolutionUseRemote || decision.Resolution == conflict.ResolutionMerged
	pushRemote := decision.Resolution == conflict.ResolutionUseLocal || decision.Resolution == conflict.ResolutionMerged

	if applyLocal {
		snap, err := s.translator.FromExchange(ctx, kase.EntityType, decision.Content)
		if err != nil {
			return nil, NewError(KindTranslation, "translate resolved content", err)
		}
		snap.UpdatedAt = s.now()
		snap.Source = kase.Remote.Source
		prov := Provenance{
			SourceSystem:  kase.Remote.Source,
			RemoteVersion: kase.Remote.VersionID,
			MessageID:     kase.ID.String(),
			ReceivedAt:    s.now(),
		}
		if err := s.local.Apply(ctx, snap, prov); err != nil {
			return nil, s.classifyTransport(err, "apply resolved content locally")
		}
	}

	if pushRemote {
		env, err := envelope.New(s.cfg.LocalSystem, s.cfg.RemoteSystem, envelope.PriorityUrgent,
			kase.EntityType, kase.EntityID, decision.Content)
		if err != nil {
			return nil, NewError(KindValidation, "build resolution envelope", err)
		}
		proof, err := s.ledger.Append(ctx, env.MessageID, env.ContentHash.Value)
		if err != nil {
			return nil, s.classifyLedger(err)
		}
		env.AuditProof = &envelope.AuditProof{
			SequenceNumber: proof.SequenceNumber,
			EntryHash:      proof.EntryHash,
			PrevEntryHash:  proof.PrevEntryHash,
			ChainHead:      proof.ChainHead,
		}
		if err := s.remote.Submit(ctx, env); err != nil {
			return nil, s.classifyTransport(err, "push resolved content to remote")
		}
		result["message_id"] = env.MessageID
		result["sequence_number"] = proof.SequenceNumber
	}

	return json.Marshal(result)
}

// classifyTransport wraps collaborator failures. Errors that declare their own
// retryability keep it; everything else from a transport or storage call is
// assumed transient.
func (s *Service) classifyTransport(err error, op string) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	var r retryable
	if errors.As(err, &r) && !r.Retryable() {
		return NewError(KindValidation, op+" permanently rejected", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(op+" timed out", err)
	}
	return Transient(op+" failed", err)
}

// classifyLedger keeps integrity trips non-retryable; other append failures
// are storage hiccups.
func (s *Service) classifyLedger(err error) *Error {
	if errors.Is(err, ledger.ErrLedgerIntegrity) || errors.Is(err, ledger.ErrLedgerHalted) {
		return NewError(KindLedgerIntegrity, "audit ledger unavailable", err)
	}
	return Transient("anchor envelope in ledger", err)
}

// GetRecord returns one sync record.
func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.records.GetByID(ctx, id)
}

// ListRecords pages sync records, optionally filtered by status.
func (s *Service) ListRecords(ctx context.Context, status Status, limit, offset int) ([]*Record, int, error) {
	if status != "" {
		switch status {
		case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusConflict:
		default:
			return nil, 0, NewError(KindValidation, fmt.Sprintf("unknown status %q", status), nil)
		}
	}
	return s.records.List(ctx, status, limit, offset)
}

// CancelQueueItem withdraws a still-pending queue item.
func (s *Service) CancelQueueItem(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.queue.Cancel(ctx, id)
}

// QueueStats reports queue depth and age for operators.
func (s *Service) QueueStats(ctx context.Context) (*QueueStats, error) {
	return s.queue.Stats(ctx)
}

// ReapExpiredLeases returns items with lapsed leases to pending. Items that
// lapsed on their final attempt are failed instead, and their sync records are
// settled as Failed so they surface for manual intervention.
func (s *Service) ReapExpiredLeases(ctx context.Context) (int64, error) {
	reclaimed, exhausted, err := s.queue.ReapExpired(ctx)
	if err != nil {
		return reclaimed, err
	}
	for _, recID := range exhausted {
		rec, err := s.records.GetByID(ctx, recID)
		if err != nil {
			s.log.Error().Err(err).Str("sync_record_id", recID.String()).Msg("load record for lapsed lease")
			continue
		}
		kind := string(KindTransientTransport)
		msg := "worker lease expired after final attempt"
		rec.Status = StatusFailed
		rec.ErrorKind = &kind
		rec.ErrorMessage = &msg
		if err := s.records.Update(ctx, rec); err != nil {
			s.log.Error().Err(err).Str("sync_record_id", recID.String()).Msg("settle record for lapsed lease")
			continue
		}
		s.log.Error().
			Str("sync_record_id", recID.String()).
			Str("entity_type", rec.EntityType).
			Str("entity_id", rec.EntityID).
			Msg("lease expired with no attempts remaining; sync failed")
	}
	return reclaimed, nil
}

// ArchiveRecords moves settled records older than cutoff out of the hot table.
func (s *Service) ArchiveRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.records.ArchiveBefore(ctx, cutoff)
}

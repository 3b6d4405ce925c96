package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kursadbilgin/callback-engine/internal/domain"
	"github.com/kursadbilgin/callback-engine/internal/gateway"
	"github.com/kursadbilgin/callback-engine/internal/observability"
	"github.com/kursadbilgin/callback-engine/internal/scheduling"
	"github.com/kursadbilgin/callback-engine/internal/store"
	"go.uber.org/zap"
)

const (
	defaultQueue            = "support"
	defaultOriginateContext = "from-internal"
	defaultOriginateTimeout = 30 * time.Second
	defaultTickInterval     = time.Second
	maxPendingEvents        = 32

	metadataLastEvent    = "last_event"
	metadataCancelReason = "cancel_reason"
)

// Config tunes how callbacks are created and dialled.
type Config struct {
	DefaultQueue       string
	DefaultMaxAttempts int
	OriginateContext   string
	CallerID           string
	OriginateTimeout   time.Duration
	TickInterval       time.Duration
}

func (c Config) withDefaults() Config {
	c.DefaultQueue = domain.SanitizeText(c.DefaultQueue, domain.MaxQueueLength)
	if c.DefaultQueue == "" {
		c.DefaultQueue = defaultQueue
	}
	if c.DefaultMaxAttempts < 1 || c.DefaultMaxAttempts > domain.MaxAttemptsLimit {
		c.DefaultMaxAttempts = domain.DefaultMaxAttempts
	}
	if strings.TrimSpace(c.OriginateContext) == "" {
		c.OriginateContext = defaultOriginateContext
	}
	if c.OriginateTimeout <= 0 {
		c.OriginateTimeout = defaultOriginateTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	return c
}

// RecordStorage is the durable copy of the callback store.
type RecordStorage interface {
	LoadAll(ctx context.Context) ([]domain.CallbackRequest, error)
	SaveAll(ctx context.Context, records []domain.CallbackRequest) (int, error)
	Delete(ctx context.Context, ids ...string) error
	ClearAll(ctx context.Context) error
}

// AttemptLog receives one entry per finished attempt. RecordAttempt must not block.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, attempt domain.CallbackAttempt)
	Attempts(ctx context.Context, callbackID string) ([]domain.CallbackAttempt, error)
}

// ScheduleInput is the caller-supplied part of a new callback request.
type ScheduleInput struct {
	CallerNumber string            `json:"callerNumber"`
	CallerName   string            `json:"callerName"`
	TargetQueue  string            `json:"targetQueue"`
	TargetAgent  string            `json:"targetAgent"`
	Reason       string            `json:"reason"`
	Priority     string            `json:"priority"`
	ScheduledAt  *time.Time        `json:"scheduledAt"`
	MaxAttempts  int               `json:"maxAttempts"`
	Metadata     map[string]string `json:"metadata"`
}

// execution is the single in-flight attempt.
type execution struct {
	callbackID string
	attempt    int
	channel    string
	startedAt  time.Time
	cancel     context.CancelFunc
	stop       chan struct{}
	stopOnce   sync.Once
}

func (e *execution) halt() {
	e.stopOnce.Do(func() {
		close(e.stop)
		e.cancel()
	})
}

// CallbackService owns the callback lifecycle. All store mutations and
// executor transitions happen under mu; gateway calls are made without it.
type CallbackService struct {
	mu sync.Mutex

	store      *store.Store
	gateway    gateway.SwitchGateway
	retry      scheduling.RetryPolicy
	cfg        Config
	storage    RecordStorage
	attemptLog AttemptLog
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	newID      func() string

	active        *execution
	pendingEvents map[string]gateway.ChannelEvent
	closed        bool
	wg            sync.WaitGroup
}

func NewCallbackService(
	records *store.Store,
	switchGateway gateway.SwitchGateway,
	retry scheduling.RetryPolicy,
	cfg Config,
	logger *zap.Logger,
) (*CallbackService, error) {
	if records == nil {
		return nil, fmt.Errorf("callback store is required")
	}
	if switchGateway == nil {
		return nil, fmt.Errorf("switch gateway is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry.Delay <= 0 {
		retry = scheduling.NewRetryPolicy(0)
	}

	return &CallbackService{
		store:         records,
		gateway:       switchGateway,
		retry:         retry,
		cfg:           cfg.withDefaults(),
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
		pendingEvents: make(map[string]gateway.ChannelEvent),
	}, nil
}

func (s *CallbackService) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

func (s *CallbackService) SetStorage(storage RecordStorage) {
	s.storage = storage
}

func (s *CallbackService) SetAttemptLog(log AttemptLog) {
	s.attemptLog = log
}

// Schedule validates and stores a new callback request.
func (s *CallbackService) Schedule(ctx context.Context, in ScheduleInput) (domain.CallbackRequest, error) {
	number, err := domain.NormalizePhoneNumber(in.CallerNumber)
	if err != nil {
		return domain.CallbackRequest{}, err
	}

	priority := domain.PriorityNormal
	if strings.TrimSpace(in.Priority) != "" {
		priority, err = domain.ParsePriorityFromString(in.Priority)
		if err != nil {
			return domain.CallbackRequest{}, err
		}
	}

	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}
	if maxAttempts < 1 || maxAttempts > domain.MaxAttemptsLimit {
		return domain.CallbackRequest{}, fmt.Errorf("%w: maxAttempts must be between 1 and %d", domain.ErrValidation, domain.MaxAttemptsLimit)
	}

	queue := domain.SanitizeText(in.TargetQueue, domain.MaxQueueLength)
	if queue == "" {
		queue = s.cfg.DefaultQueue
	}

	now := s.now()
	rec := domain.CallbackRequest{
		ID:           s.newID(),
		CallerNumber: number,
		CallerName:   domain.SanitizeText(in.CallerName, domain.MaxCallerNameLength),
		TargetQueue:  queue,
		TargetAgent:  domain.SanitizeText(in.TargetAgent, domain.MaxAgentLength),
		Reason:       domain.SanitizeText(in.Reason, domain.MaxReasonLength),
		Priority:     priority,
		Status:       domain.StatusPending,
		RequestedAt:  now,
		MaxAttempts:  maxAttempts,
		Metadata:     sanitizeMetadata(in.Metadata),
	}
	if in.ScheduledAt != nil {
		if !in.ScheduledAt.After(now) {
			return domain.CallbackRequest{}, fmt.Errorf("%w: scheduledAt must be in the future", domain.ErrValidation)
		}
		at := *in.ScheduledAt
		rec.ScheduledAt = &at
		rec.Status = domain.StatusScheduled
	}
	if err := rec.Validate(); err != nil {
		return domain.CallbackRequest{}, err
	}

	s.mu.Lock()
	s.store.Upsert(rec)
	s.mu.Unlock()

	s.metrics.IncCallbackScheduled(priority.String())
	observability.WithContextLogger(s.logger, ctx).Info("callback scheduled",
		zap.String("callbackId", rec.ID),
		zap.String("priority", priority.String()),
		zap.String("status", rec.Status.String()),
		zap.String("queue", rec.TargetQueue),
	)

	return rec, nil
}

// Execute starts one attempt for id. Origination failures are routed through
// the retry policy and reported in the returned record, not as an error.
func (s *CallbackService) Execute(ctx context.Context, id string) (domain.CallbackRequest, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.CallbackRequest{}, fmt.Errorf("%w: service is closed", domain.ErrInvalidState)
	}

	rec, ok := s.store.Get(id)
	if !ok {
		s.mu.Unlock()
		return domain.CallbackRequest{}, fmt.Errorf("%w: callback %s", domain.ErrNotFound, id)
	}
	if rec.IsTerminal() || rec.Status == domain.StatusInProgress {
		s.mu.Unlock()
		return domain.CallbackRequest{}, fmt.Errorf("%w: callback %s is %s", domain.ErrInvalidState, id, rec.Status)
	}
	if rec.Attempts >= rec.MaxAttempts {
		s.mu.Unlock()
		return domain.CallbackRequest{}, fmt.Errorf("%w: callback %s has no attempts left", domain.ErrInvalidState, id)
	}
	if s.active != nil {
		busyWith := s.active.callbackID
		s.mu.Unlock()
		return domain.CallbackRequest{}, fmt.Errorf("%w: callback %s is already in progress", domain.ErrConcurrency, busyWith)
	}

	if rec.TargetQueue == "" {
		rec.TargetQueue = s.cfg.DefaultQueue
	}

	now := s.now()
	rec.Attempts++
	rec.ExecutedAt = &now
	rec.Status = domain.StatusInProgress
	rec.Channel = ""
	rec.Disposition = ""
	rec.Duration = 0

	// The origination outlives ctx; exec.cancel is the only way to abort it.
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exec := &execution{
		callbackID: rec.ID,
		attempt:    rec.Attempts,
		startedAt:  now,
		cancel:     cancel,
		stop:       make(chan struct{}),
	}
	s.active = exec
	clear(s.pendingEvents)
	s.store.Upsert(rec)
	req := s.originateRequest(rec)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.metrics.IncAttempt()
	s.metrics.SetInFlight(true)

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("callbackId", rec.ID),
		zap.Int("attempt", rec.Attempts),
	)
	logger.Info("originating callback", zap.String("target", req.Target), zap.String("extension", req.Extension))

	started := time.Now()
	result, err := s.gateway.Originate(execCtx, req)
	s.metrics.ObserveOriginateDuration(time.Since(started))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != exec {
		// The attempt was cancelled or completed while the switch was dialling.
		if err == nil && result.Success && result.Channel != "" {
			s.hangupOrphan(result.Channel)
		}
		current, _ := s.store.Get(id)
		return current, nil
	}

	if err != nil || !result.Success {
		reason := originationFailure(result, err)
		logger.Warn("origination rejected", zap.String("reason", reason))
		return s.finishLocked(exec, domain.DispositionFailed, 0, reason), nil
	}

	exec.channel = result.Channel
	current, ok := s.store.Get(id)
	if ok {
		current.Channel = result.Channel
		s.store.Upsert(current)
	}
	logger.Info("origination acknowledged", zap.String("channel", result.Channel))

	s.wg.Add(1)
	go s.trackDuration(exec)

	if ev, buffered := s.pendingEvents[result.Channel]; buffered {
		delete(s.pendingEvents, result.Channel)
		if updated, finished := s.applyEventLocked(exec, ev); finished {
			return updated, nil
		}
	}
	clear(s.pendingEvents)

	current, _ = s.store.Get(id)
	return current, nil
}

// ExecuteNext executes the head of the due list.
func (s *CallbackService) ExecuteNext(ctx context.Context) (domain.CallbackRequest, error) {
	due := s.Due()
	if len(due) == 0 {
		return domain.CallbackRequest{}, fmt.Errorf("%w: No pending callbacks", domain.ErrValidation)
	}
	return s.Execute(ctx, due[0].ID)
}

// HandleChannelEvent applies an asynchronous switch event to the active attempt.
// Events for channels that are not being tracked are ignored.
func (s *CallbackService) HandleChannelEvent(ctx context.Context, ev gateway.ChannelEvent) error {
	ev.Channel = strings.TrimSpace(ev.Channel)
	if ev.Channel == "" {
		return fmt.Errorf("%w: channel is required", domain.ErrValidation)
	}
	if !ev.Type.IsValid() {
		return fmt.Errorf("%w: invalid event type %q", domain.ErrValidation, ev.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logger := observability.WithContextLogger(s.logger, ctx)
	exec := s.active
	switch {
	case exec == nil:
		logger.Debug("ignoring channel event, nothing in progress", zap.String("channel", ev.Channel))
		return nil
	case exec.channel == "":
		// Origination has not returned yet; hold the event for the acknowledged channel.
		if _, exists := s.pendingEvents[ev.Channel]; exists || len(s.pendingEvents) < maxPendingEvents {
			if prev, exists := s.pendingEvents[ev.Channel]; !exists || prev.Type != gateway.EventHangup {
				s.pendingEvents[ev.Channel] = ev
			}
		}
		return nil
	case exec.channel != ev.Channel:
		logger.Debug("ignoring event for unknown channel", zap.String("channel", ev.Channel))
		return nil
	}

	s.applyEventLocked(exec, ev)
	return nil
}

// Cancel stops tracking, hangs up best-effort and marks the record cancelled.
func (s *CallbackService) Cancel(ctx context.Context, id string, reason string) (domain.CallbackRequest, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	rec, ok := s.store.Get(id)
	if !ok {
		s.mu.Unlock()
		return domain.CallbackRequest{}, fmt.Errorf("%w: callback %s", domain.ErrNotFound, id)
	}
	if rec.IsTerminal() {
		s.mu.Unlock()
		return domain.CallbackRequest{}, fmt.Errorf("%w: callback %s is already %s", domain.ErrInvalidState, id, rec.Status)
	}

	now := s.now()
	var channel string
	if exec := s.active; exec != nil && exec.callbackID == id {
		channel = exec.channel
		duration := s.releaseLocked(exec, now)
		rec.Duration = duration
		s.recordAttemptLocked(exec, "", 0, "cancelled", now, duration)
	}

	rec.Status = domain.StatusCancelled
	rec.CompletedAt = &now
	rec.Channel = ""
	if reason = domain.SanitizeText(reason, domain.MaxReasonLength); reason != "" {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string, 1)
		}
		rec.Metadata[metadataCancelReason] = reason
	}
	s.store.Upsert(rec)
	s.mu.Unlock()

	s.metrics.IncTerminal(domain.StatusCancelled.String())

	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("callbackId", id))
	logger.Info("callback cancelled", zap.String("reason", reason))

	if channel != "" {
		if _, err := s.gateway.Hangup(ctx, channel); err != nil {
			logger.Warn("hangup after cancel failed", zap.String("channel", channel), zap.Error(err))
		}
	}

	return rec, nil
}

// Reschedule moves a waiting record to a new future time.
func (s *CallbackService) Reschedule(ctx context.Context, id string, at time.Time) (domain.CallbackRequest, error) {
	now := s.now()
	if !at.After(now) {
		return domain.CallbackRequest{}, fmt.Errorf("%w: scheduledAt must be in the future", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.mutableLocked(id)
	if err != nil {
		return domain.CallbackRequest{}, err
	}
	if rec.Status == domain.StatusInProgress {
		return domain.CallbackRequest{}, fmt.Errorf("%w: callback %s is in progress", domain.ErrInvalidState, id)
	}

	rec.ScheduledAt = &at
	rec.Status = domain.StatusScheduled
	s.store.Upsert(rec)

	observability.WithContextLogger(s.logger, ctx).Info("callback rescheduled",
		zap.String("callbackId", id),
		zap.Time("scheduledAt", at),
	)
	return rec, nil
}

func (s *CallbackService) UpdatePriority(ctx context.Context, id string, priority string) (domain.CallbackRequest, error) {
	parsed, err := domain.ParsePriorityFromString(priority)
	if err != nil {
		return domain.CallbackRequest{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.mutableLocked(id)
	if err != nil {
		return domain.CallbackRequest{}, err
	}

	rec.Priority = parsed
	s.store.Upsert(rec)
	return rec, nil
}

// AddNotes appends a timestamped line to the record's notes.
func (s *CallbackService) AddNotes(ctx context.Context, id string, text string, author string) (domain.CallbackRequest, error) {
	text = domain.SanitizeText(text, domain.MaxNotesLength)
	if text == "" {
		return domain.CallbackRequest{}, fmt.Errorf("%w: notes text is required", domain.ErrValidation)
	}
	author = domain.SanitizeText(author, domain.MaxAgentLength)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.mutableLocked(id)
	if err != nil {
		return domain.CallbackRequest{}, err
	}

	line := fmt.Sprintf("[%s] %s", s.now().UTC().Format(time.RFC3339), text)
	if author != "" {
		line = fmt.Sprintf("[%s] %s: %s", s.now().UTC().Format(time.RFC3339), author, text)
	}
	notes := line
	if rec.Notes != "" {
		notes = rec.Notes + "\n" + line
	}
	if utf8.RuneCountInString(notes) > domain.MaxNotesLength {
		return domain.CallbackRequest{}, fmt.Errorf("%w: notes exceed %d characters", domain.ErrValidation, domain.MaxNotesLength)
	}

	rec.Notes = notes
	s.store.Upsert(rec)
	return rec, nil
}

// MarkCompleted closes a record manually. An in-progress attempt is released
// without hanging up; the agent owns the call at that point.
func (s *CallbackService) MarkCompleted(ctx context.Context, id string, disposition string, handledBy string) (domain.CallbackRequest, error) {
	disp := domain.DispositionAnswered
	if strings.TrimSpace(disposition) != "" {
		parsed, err := domain.ParseDispositionFromString(disposition)
		if err != nil {
			return domain.CallbackRequest{}, err
		}
		disp = parsed
	}

	s.mu.Lock()
	rec, err := s.mutableLocked(id)
	if err != nil {
		s.mu.Unlock()
		return domain.CallbackRequest{}, err
	}

	now := s.now()
	if exec := s.active; exec != nil && exec.callbackID == id {
		duration := s.releaseLocked(exec, now)
		rec.Duration = duration
		s.recordAttemptLocked(exec, disp, 0, "", now, duration)
	}

	rec.Status = domain.StatusCompleted
	rec.Disposition = disp
	rec.CompletedAt = &now
	rec.Channel = ""
	if handledBy = domain.SanitizeText(handledBy, domain.MaxAgentLength); handledBy != "" {
		rec.HandledBy = handledBy
	}
	s.store.Upsert(rec)
	s.mu.Unlock()

	s.metrics.IncOutcome(disp.String())
	s.metrics.IncTerminal(domain.StatusCompleted.String())
	observability.WithContextLogger(s.logger, ctx).Info("callback marked completed",
		zap.String("callbackId", id),
		zap.String("disposition", disp.String()),
		zap.String("handledBy", rec.HandledBy),
	)
	return rec, nil
}

func (s *CallbackService) ClearCompleted(ctx context.Context) int {
	return s.clearStatus(ctx, domain.StatusCompleted)
}

func (s *CallbackService) ClearFailed(ctx context.Context) int {
	return s.clearStatus(ctx, domain.StatusFailed)
}

func (s *CallbackService) clearStatus(ctx context.Context, status domain.Status) int {
	s.mu.Lock()
	removed := 0
	for _, rec := range s.store.All() {
		if rec.Status == status && s.store.Remove(rec.ID) {
			removed++
		}
	}
	s.mu.Unlock()

	observability.WithContextLogger(s.logger, ctx).Info("cleared callbacks",
		zap.String("status", status.String()),
		zap.Int("count", removed),
	)
	return removed
}

// LoadFromStorage merges stored records into memory. Records already in
// memory win. A stored in-progress record is an interrupted attempt and is
// handed to the retry policy.
func (s *CallbackService) LoadFromStorage(ctx context.Context) int {
	if s.storage == nil {
		return 0
	}

	records, err := s.storage.LoadAll(ctx)
	if err != nil {
		s.metrics.IncPersistenceFailure("load")
		s.logger.Error("failed to load callbacks from storage", zap.Error(err))
		return 0
	}

	s.mu.Lock()
	now := s.now()
	upserted := make([]string, 0, len(records))
	for i := range records {
		rec := records[i]
		if _, exists := s.store.Get(rec.ID); exists {
			continue
		}
		if err := rec.Validate(); err != nil {
			s.logger.Warn("skipping invalid stored callback", zap.String("callbackId", rec.ID), zap.Error(err))
			continue
		}

		if rec.Status == domain.StatusInProgress {
			interrupted := &execution{callbackID: rec.ID, attempt: rec.Attempts, channel: rec.Channel}
			if rec.ExecutedAt != nil {
				interrupted.startedAt = *rec.ExecutedAt
			}
			rec.Disposition = domain.DispositionFailed
			s.retry.Decide(rec, now).Apply(&rec)
			s.recordAttemptLocked(interrupted, domain.DispositionFailed, 0, "interrupted by restart", now, rec.Duration)
			s.logger.Warn("recovered interrupted callback",
				zap.String("callbackId", rec.ID),
				zap.String("status", rec.Status.String()),
			)
		}

		s.store.Upsert(rec)
		upserted = append(upserted, rec.ID)
	}
	loaded := len(upserted)

	// Records pushed out by the history limit would be reloaded on every start.
	var evicted []string
	for _, id := range upserted {
		if _, kept := s.store.Get(id); !kept {
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()

	if len(evicted) > 0 {
		if err := s.storage.Delete(ctx, evicted...); err != nil {
			s.metrics.IncPersistenceFailure("delete")
			s.logger.Warn("failed to prune evicted callbacks from storage", zap.Int("count", len(evicted)), zap.Error(err))
		}
	}

	s.logger.Info("callbacks loaded from storage", zap.Int("count", loaded), zap.Int("pruned", len(evicted)))
	return loaded
}

func (s *CallbackService) SaveToStorage(ctx context.Context) int {
	if s.storage == nil {
		return 0
	}

	saved, err := s.storage.SaveAll(ctx, s.store.All())
	if err != nil {
		s.metrics.IncPersistenceFailure("save")
		s.logger.Error("failed to save callbacks to storage", zap.Int("saved", saved), zap.Error(err))
	}
	return saved
}

func (s *CallbackService) ClearStorage(ctx context.Context) {
	if s.storage == nil {
		return
	}

	if err := s.storage.ClearAll(ctx); err != nil {
		s.metrics.IncPersistenceFailure("clear")
		s.logger.Error("failed to clear callback storage", zap.Error(err))
	}
}

func (s *CallbackService) GetStats() Stats {
	return Aggregate(s.store.All(), s.now())
}

func (s *CallbackService) Get(id string) (domain.CallbackRequest, error) {
	rec, ok := s.store.Get(id)
	if !ok {
		return domain.CallbackRequest{}, fmt.Errorf("%w: callback %s", domain.ErrNotFound, id)
	}
	return rec, nil
}

// List returns all records, or only those with the given status when set.
func (s *CallbackService) List(status string) ([]domain.CallbackRequest, error) {
	all := s.store.All()
	if strings.TrimSpace(status) == "" {
		return all, nil
	}

	parsed, err := domain.ParseStatusFromString(status)
	if err != nil {
		return nil, err
	}

	out := make([]domain.CallbackRequest, 0, len(all))
	for _, rec := range all {
		if rec.Status == parsed {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *CallbackService) Due() []domain.CallbackRequest {
	return scheduling.Due(s.store.All(), s.now())
}

func (s *CallbackService) Attempts(ctx context.Context, id string) ([]domain.CallbackAttempt, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: id is required", domain.ErrValidation)
	}
	if s.attemptLog == nil {
		return []domain.CallbackAttempt{}, nil
	}

	attempts, err := s.attemptLog.Attempts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return attempts, nil
}

// Busy reports whether an attempt currently holds the execution slot.
func (s *CallbackService) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Close stops duration tracking, aborts a pending origination and waits for
// in-flight Execute calls. The active record stays in_progress and is
// recovered on the next load.
func (s *CallbackService) Close() {
	s.mu.Lock()
	s.closed = true
	if s.active != nil {
		s.active.halt()
		s.active = nil
		s.metrics.SetInFlight(false)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *CallbackService) mutableLocked(id string) (domain.CallbackRequest, error) {
	rec, ok := s.store.Get(id)
	if !ok {
		return domain.CallbackRequest{}, fmt.Errorf("%w: callback %s", domain.ErrNotFound, id)
	}
	if rec.IsTerminal() {
		return domain.CallbackRequest{}, fmt.Errorf("%w: callback %s is %s", domain.ErrInvalidState, id, rec.Status)
	}
	return rec, nil
}

// applyEventLocked reports whether the event finished the attempt.
func (s *CallbackService) applyEventLocked(exec *execution, ev gateway.ChannelEvent) (domain.CallbackRequest, bool) {
	if ev.Type == gateway.EventHangup {
		return s.finishLocked(exec, ev.ResolveDisposition(), ev.Cause, ""), true
	}

	rec, ok := s.store.Get(exec.callbackID)
	if !ok {
		return domain.CallbackRequest{}, false
	}
	state := strings.TrimSpace(ev.State)
	if state == "" {
		state = string(ev.Type)
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string, 1)
	}
	rec.Metadata[metadataLastEvent] = state
	s.store.Upsert(rec)
	return rec, false
}

// finishLocked ends the active attempt with disposition. Answered completes
// the record; anything else goes through the retry policy.
func (s *CallbackService) finishLocked(exec *execution, disposition domain.Disposition, cause int, errMsg string) domain.CallbackRequest {
	now := s.now()
	duration := s.releaseLocked(exec, now)

	rec, ok := s.store.Get(exec.callbackID)
	if !ok {
		return domain.CallbackRequest{}
	}

	rec.Disposition = disposition
	rec.Duration = duration
	rec.Channel = ""

	if disposition == domain.DispositionAnswered {
		rec.Status = domain.StatusCompleted
		rec.CompletedAt = &now
		s.metrics.IncTerminal(domain.StatusCompleted.String())
	} else {
		decision := s.retry.Decide(rec, now)
		decision.Apply(&rec)
		if decision.Retry {
			s.metrics.IncRetryScheduled()
		} else {
			s.metrics.IncTerminal(domain.StatusFailed.String())
		}
	}

	s.store.Upsert(rec)
	s.metrics.IncOutcome(disposition.String())
	s.recordAttemptLocked(exec, disposition, cause, errMsg, now, duration)

	s.logger.Info("callback attempt finished",
		zap.String("callbackId", rec.ID),
		zap.Int("attempt", exec.attempt),
		zap.String("disposition", disposition.String()),
		zap.String("status", rec.Status.String()),
		zap.Int("duration", duration),
	)
	return rec
}

// releaseLocked frees the execution slot and returns the elapsed call seconds.
// Duration is only tracked once the switch acknowledged a channel.
func (s *CallbackService) releaseLocked(exec *execution, now time.Time) int {
	exec.halt()
	if s.active == exec {
		s.active = nil
		s.metrics.SetInFlight(false)
	}
	clear(s.pendingEvents)

	if exec.channel == "" {
		return 0
	}
	elapsed := int(now.Sub(exec.startedAt) / time.Second)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

func (s *CallbackService) recordAttemptLocked(exec *execution, disposition domain.Disposition, cause int, errMsg string, endedAt time.Time, duration int) {
	if s.attemptLog == nil {
		return
	}

	s.attemptLog.RecordAttempt(context.Background(), domain.CallbackAttempt{
		ID:              s.newID(),
		CallbackID:      exec.callbackID,
		AttemptNumber:   exec.attempt,
		Channel:         exec.channel,
		Disposition:     disposition,
		Cause:           cause,
		Error:           errMsg,
		StartedAt:       exec.startedAt,
		EndedAt:         endedAt,
		DurationSeconds: duration,
	})
}

func (s *CallbackService) trackDuration(exec *execution) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-exec.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.active != exec {
				s.mu.Unlock()
				return
			}
			if rec, ok := s.store.Get(exec.callbackID); ok && rec.Status == domain.StatusInProgress {
				elapsed := int(s.now().Sub(exec.startedAt) / time.Second)
				if elapsed > rec.Duration {
					rec.Duration = elapsed
					s.store.Upsert(rec)
				}
			}
			s.mu.Unlock()
		}
	}
}

// hangupOrphan tears down a channel acknowledged after its attempt was cancelled.
// Callers run inside Execute, whose own wg slot keeps the counter above zero.
func (s *CallbackService) hangupOrphan(channel string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OriginateTimeout)
		defer cancel()
		if _, err := s.gateway.Hangup(ctx, channel); err != nil {
			s.logger.Warn("failed to hang up orphaned channel", zap.String("channel", channel), zap.Error(err))
		}
	}()
}

func (s *CallbackService) originateRequest(rec domain.CallbackRequest) gateway.OriginateRequest {
	return gateway.OriginateRequest{
		Target:    rec.CallerNumber,
		Context:   s.cfg.OriginateContext,
		Extension: rec.Destination(),
		CallerID:  s.cfg.CallerID,
		Timeout:   s.cfg.OriginateTimeout,
		Variables: map[string]string{
			"CALLBACK_ID":      rec.ID,
			"CALLBACK_ATTEMPT": fmt.Sprintf("%d", rec.Attempts),
			"CALLBACK_QUEUE":   rec.TargetQueue,
		},
	}
}

func originationFailure(result gateway.OriginateResult, err error) string {
	if err != nil {
		return fmt.Sprintf("%v: %v", domain.ErrOrigination, err)
	}
	if msg := strings.TrimSpace(result.Message); msg != "" {
		return fmt.Sprintf("%v: %s", domain.ErrOrigination, msg)
	}
	return domain.ErrOrigination.Error()
}

func sanitizeMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}

	out := make(map[string]string, len(in))
	for k, v := range in {
		key := domain.SanitizeText(k, domain.MaxQueueLength)
		if key == "" {
			continue
		}
		out[key] = domain.SanitizeText(v, domain.MaxReasonLength)
	}
	return out
}

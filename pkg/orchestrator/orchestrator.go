// Package orchestrator drives the scan pipeline. It owns the session state
// machine, runs enumeration concurrently with a bounded worker pool, and
// pushes every file through the fixed stage order: validate, expand, hash,
// signature match, reputation, action.
//
// Per-file errors never end a session. Only two conditions are fatal: the
// persistence layer becoming unavailable, and a corrupt signature rule set
// (which is caught at construction time, before a session starts).
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketshield/scanengine/pkg/action"
	"github.com/pocketshield/scanengine/pkg/archive"
	"github.com/pocketshield/scanengine/pkg/audit"
	"github.com/pocketshield/scanengine/pkg/enumerate"
	"github.com/pocketshield/scanengine/pkg/errors"
	"github.com/pocketshield/scanengine/pkg/hashing"
	"github.com/pocketshield/scanengine/pkg/logging"
	"github.com/pocketshield/scanengine/pkg/metrics"
	"github.com/pocketshield/scanengine/pkg/scan"
	"github.com/pocketshield/scanengine/pkg/signature"
	"github.com/pocketshield/scanengine/pkg/store"
	"github.com/pocketshield/scanengine/pkg/validate"
)

// Config controls the orchestrator.
type Config struct {
	// Workers is the number of concurrent pipeline workers.
	Workers int

	// QueueSize is the enumeration channel depth.
	QueueSize int

	// FileTimeout bounds per-file processing (0 = unbounded).
	FileTimeout time.Duration

	// ExpandArchives toggles the archive stage.
	ExpandArchives bool

	// CheckReputation toggles the reputation stage.
	CheckReputation bool
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:         4,
		QueueSize:       64,
		FileTimeout:     2 * time.Minute,
		ExpandArchives:  true,
		CheckReputation: true,
	}
}

// ReputationLookup is the reputation stage dependency.
// *reputation.Client satisfies this.
type ReputationLookup interface {
	Lookup(ctx context.Context, hash string, forceRefresh bool) (*scan.ReputationRecord, error)
}

// Persistence is the storage dependency. *store.Store satisfies this.
// A nil Persistence keeps everything in memory.
type Persistence interface {
	SaveSession(ctx context.Context, sess *scan.Session) error
	GetSession(ctx context.Context, id string) (*scan.Session, error)
	SaveFinding(ctx context.Context, f *scan.Finding) error
	SaveCheckpoint(ctx context.Context, cp *store.Checkpoint) error
	GetCheckpoint(ctx context.Context, sessionID string) (*store.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, sessionID string) error
}

// Deps are the pipeline stage components. Validator, Hasher and Signatures
// are required.
type Deps struct {
	Validator  *validate.Validator
	Expander   *archive.Expander
	Hasher     *hashing.Engine
	Signatures *signature.Engine
	Reputation ReputationLookup
	Applier    *action.Applier
	Policy     *action.Config
	Store      Persistence
	Audit      audit.Sink
}

// Request describes one scan run.
type Request struct {
	// Roots are the directories to scan.
	Roots []string

	// ExcludeDirs, TrustedRoots, MaxFiles, CheckpointEvery and
	// FollowSymlinks feed the enumerator.
	ExcludeDirs     []string
	TrustedRoots    []string
	MaxFiles        int
	CheckpointEvery int
	FollowSymlinks  bool

	// ResumeSessionID resumes enumeration from that session's checkpoint.
	ResumeSessionID string
}

// runtime is the mutable state of one live session.
type runtime struct {
	mu      sync.Mutex
	session *scan.Session
	cancel  context.CancelFunc
	done    chan struct{}

	fatalOnce sync.Once
}

// Orchestrator coordinates scan sessions.
type Orchestrator struct {
	cfg     *Config
	deps    Deps
	logger  logging.Logger
	metrics metrics.Collector

	mu       sync.RWMutex
	sessions map[string]*runtime

	subMu  sync.Mutex
	subs   map[int]chan scan.ProgressEvent
	nextID int
	events chan scan.ProgressEvent
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// New creates an orchestrator.
func New(cfg *Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	const op = "orchestrator.New"

	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if deps.Validator == nil || deps.Hasher == nil || deps.Signatures == nil {
		return nil, errors.E(errors.KindInvalidInput, op, "validator, hasher and signature engine are required")
	}
	if deps.Policy == nil {
		deps.Policy = action.DefaultConfig()
	}

	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		logger:   logging.NewNopLogger(),
		metrics:  &metrics.NopCollector{},
		sessions: make(map[string]*runtime),
		subs:     make(map[int]chan scan.ProgressEvent),
		events:   make(chan scan.ProgressEvent, 256),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Events returns the orchestrator-wide progress stream. Slow consumers miss
// events rather than stalling the pipeline.
func (o *Orchestrator) Events() <-chan scan.ProgressEvent {
	return o.events
}

// Subscribe registers an additional progress channel. The returned function
// unsubscribes and closes it.
func (o *Orchestrator) Subscribe() (<-chan scan.ProgressEvent, func()) {
	o.subMu.Lock()
	defer o.subMu.Unlock()

	id := o.nextID
	o.nextID++
	ch := make(chan scan.ProgressEvent, 64)
	o.subs[id] = ch

	return ch, func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if sub, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(sub)
		}
	}
}

func (o *Orchestrator) publish(ev scan.ProgressEvent) {
	ev.Timestamp = time.Now()

	select {
	case o.events <- ev:
	default:
	}

	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// StartScan begins a scan session and returns its id. The scan runs in the
// background; observe it through Events, GetSession or Wait.
func (o *Orchestrator) StartScan(ctx context.Context, req Request) (string, error) {
	const op = "orchestrator.StartScan"

	if len(req.Roots) == 0 {
		return "", errors.E(errors.KindInvalidInput, op, "no scan roots given")
	}

	sess := &scan.Session{
		ID:        uuid.New().String(),
		Status:    scan.StatusRunning,
		StartedAt: time.Now().UTC(),
	}

	resumeCursor := ""
	if req.ResumeSessionID != "" && o.deps.Store != nil {
		cp, err := o.deps.Store.GetCheckpoint(ctx, req.ResumeSessionID)
		if err != nil {
			return "", errors.E(errors.KindStorage, op, err)
		}
		if cp != nil {
			resumeCursor = cp.Cursor
			o.logger.Info("resuming enumeration after %s", cp.Cursor)
		}
	}

	if err := o.saveSession(ctx, sess); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt := &runtime{
		session: sess,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	o.mu.Lock()
	o.sessions[sess.ID] = rt
	o.mu.Unlock()

	o.recordAudit(audit.Entry{
		Type:      audit.EventScanStarted,
		Severity:  audit.SeverityInfo,
		SessionID: sess.ID,
		Message:   "scan started",
		Details:   map[string]interface{}{"roots": req.Roots},
	})

	go o.run(runCtx, rt, req, resumeCursor)
	return sess.ID, nil
}

// Cancel stops a running session. Files already in flight finish their
// current stage; the session ends as cancelled.
func (o *Orchestrator) Cancel(sessionID string) error {
	const op = "orchestrator.Cancel"

	o.mu.RLock()
	rt, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return errors.E(errors.KindInvalidInput, op, errors.ErrSessionNotFound)
	}
	rt.cancel()
	return nil
}

// Wait blocks until the session reaches a terminal status.
func (o *Orchestrator) Wait(sessionID string) error {
	o.mu.RLock()
	rt, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return errors.E(errors.KindInvalidInput, "orchestrator.Wait", errors.ErrSessionNotFound)
	}
	<-rt.done
	return nil
}

// GetSession returns a snapshot of a session, live or persisted.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*scan.Session, error) {
	o.mu.RLock()
	rt, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if ok {
		rt.mu.Lock()
		snapshot := *rt.session
		rt.mu.Unlock()
		return &snapshot, nil
	}
	if o.deps.Store != nil {
		return o.deps.Store.GetSession(ctx, sessionID)
	}
	return nil, errors.E(errors.KindInvalidInput, "orchestrator.GetSession", errors.ErrSessionNotFound)
}

// ===== Session run loop =====

func (o *Orchestrator) run(ctx context.Context, rt *runtime, req Request, resumeCursor string) {
	defer close(rt.done)

	sessID := rt.session.ID
	queue := make(chan *scan.FileRecord, o.cfg.QueueSize)

	enumCfg := &enumerate.Config{
		Roots:           req.Roots,
		ExcludeDirs:     req.ExcludeDirs,
		TrustedRoots:    req.TrustedRoots,
		MaxFiles:        req.MaxFiles,
		ResumeAfter:     resumeCursor,
		CheckpointEvery: req.CheckpointEvery,
		FollowSymlinks:  req.FollowSymlinks,
	}
	if enumCfg.CheckpointEvery <= 0 {
		enumCfg.CheckpointEvery = enumerate.DefaultConfig().CheckpointEvery
	}
	if len(enumCfg.ExcludeDirs) == 0 {
		enumCfg.ExcludeDirs = enumerate.DefaultConfig().ExcludeDirs
	}

	enumerator := enumerate.New(enumCfg,
		enumerate.WithLogger(o.logger),
		enumerate.WithCheckpoint(o.checkpointFunc(sessID)),
	)

	var enumStats *enumerate.Stats
	var enumErr error
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(queue)
		enumStats, enumErr = enumerator.Run(ctx, func(rec *scan.FileRecord) {
			rt.mu.Lock()
			rt.session.Counters.Enumerated++
			rt.mu.Unlock()
			o.metrics.GaugeSet(metrics.QueueDepth.Name, float64(len(queue)))
			select {
			case queue <- rec:
			case <-ctx.Done():
			}
		})
	}()

	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.metrics.GaugeInc(metrics.ActiveWorkers.Name)
			defer o.metrics.GaugeDec(metrics.ActiveWorkers.Name)
			for rec := range queue {
				if ctx.Err() != nil {
					continue
				}
				o.processFile(ctx, rt, rec)
			}
		}()
	}

	wg.Wait()

	// Entries the walker could not read count against the session even
	// though they never entered the queue.
	if enumStats != nil && enumStats.Skipped > 0 {
		rt.mu.Lock()
		rt.session.ErrorCount += int64(enumStats.Skipped)
		rt.mu.Unlock()
	}

	o.finish(ctx, rt, enumErr)
}

// finish moves the session to its terminal status and persists it.
func (o *Orchestrator) finish(ctx context.Context, rt *runtime, enumErr error) {
	rt.mu.Lock()
	sess := rt.session
	switch {
	case sess.FailureReason != "":
		sess.Status = scan.StatusFailed
	case ctx.Err() != nil:
		sess.Status = scan.StatusCancelled
	case enumErr != nil && errors.IsSessionFatal(enumErr):
		sess.Status = scan.StatusFailed
		sess.FailureReason = enumErr.Error()
	case enumErr != nil && errors.GetKind(enumErr) == errors.KindCancelled:
		sess.Status = scan.StatusCancelled
	case enumErr != nil:
		sess.Status = scan.StatusFailed
		sess.FailureReason = enumErr.Error()
	default:
		sess.Status = scan.StatusCompleted
	}
	sess.EndedAt = time.Now().UTC()
	snapshot := *sess
	rt.mu.Unlock()

	// Persist with a fresh context: the run context is often already
	// cancelled here.
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.saveSession(saveCtx, &snapshot); err != nil {
		o.logger.Error("persisting final session state: %v", err)
	}
	if snapshot.Status == scan.StatusCompleted && o.deps.Store != nil {
		if err := o.deps.Store.DeleteCheckpoint(saveCtx, snapshot.ID); err != nil {
			o.logger.Warn("deleting checkpoint for %s: %v", snapshot.ID, err)
		}
	}

	eventType := audit.EventScanCompleted
	switch snapshot.Status {
	case scan.StatusCancelled:
		eventType = audit.EventScanCancelled
	case scan.StatusFailed:
		eventType = audit.EventScanFailed
	}
	o.recordAudit(audit.Entry{
		Type:      eventType,
		Severity:  audit.SeverityInfo,
		SessionID: snapshot.ID,
		Message:   "scan " + string(snapshot.Status),
		Details: map[string]interface{}{
			"threats": snapshot.ThreatsFound,
			"errors":  snapshot.ErrorCount,
		},
	})
	o.metrics.CounterInc(metrics.SessionsTotal.Name, "status", string(snapshot.Status))
	o.publish(scan.ProgressEvent{
		SessionID:   snapshot.ID,
		Stage:       scan.StageAction,
		Processed:   snapshot.Counters.Actioned,
		Total:       snapshot.Counters.Enumerated,
		ThreatCount: snapshot.ThreatsFound,
	})
	o.logger.Info("session %s %s: %d files, %d threats, %d errors",
		snapshot.ID, snapshot.Status, snapshot.Counters.Enumerated,
		snapshot.ThreatsFound, snapshot.ErrorCount)
}

// fatal records a session-fatal failure and cancels the run once.
func (o *Orchestrator) fatal(rt *runtime, err error) {
	rt.fatalOnce.Do(func() {
		rt.mu.Lock()
		rt.session.FailureReason = err.Error()
		rt.mu.Unlock()
		o.logger.Error("session %s fatal: %v", rt.session.ID, err)
		rt.cancel()
	})
}

func (o *Orchestrator) checkpointFunc(sessionID string) enumerate.CheckpointFunc {
	return func(root, cursor string, enumerated int) {
		if o.deps.Store == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := o.deps.Store.SaveCheckpoint(ctx, &store.Checkpoint{
			SessionID:  sessionID,
			Root:       root,
			Cursor:     cursor,
			Enumerated: enumerated,
		})
		if err != nil {
			o.logger.Warn("saving checkpoint: %v", err)
		}
	}
}

func (o *Orchestrator) saveSession(ctx context.Context, sess *scan.Session) error {
	if o.deps.Store == nil {
		return nil
	}
	return o.deps.Store.SaveSession(ctx, sess)
}

func (o *Orchestrator) recordAudit(entry audit.Entry) {
	if o.deps.Audit != nil {
		o.deps.Audit.Record(entry)
	}
}

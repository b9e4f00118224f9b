// Package engine implements the sync engine: the state machine that
// propagates local writes to the remote store and applies remote changes
// back into the local store.
//
// The engine owns the durable sync queue. Local writes enter through
// Commit (the single write-path wrapper) or SyncRecord (change capture) and
// are drained oldest-first by a single goroutine, so per-record order is
// preserved end to end. Pulls run independently on a ticker and on
// websocket change notices, applying remote records through the same local
// store write path as user edits.
//
// Nothing here ever blocks a local write: the application stays fully
// usable offline indefinitely, with changes buffering in the queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/openclinic/medisync/internal/remote"
	"github.com/openclinic/medisync/internal/schema"
	"github.com/openclinic/medisync/internal/store"
)

// State is the engine's externally observable mode.
type State string

const (
	// StateIdle means the queue is empty and no pull is in progress.
	StateIdle State = "idle"
	// StateDraining means queued entries are being pushed to the remote.
	StateDraining State = "draining"
	// StateBuffering means the device is offline and writes accumulate in
	// the durable queue.
	StateBuffering State = "buffering"
	// StatePulling means remote changes are being applied locally.
	StatePulling State = "pulling"
	// StateBackoff means the last push failed transiently and the engine is
	// waiting before retrying.
	StateBackoff State = "backoff"
)

// Transport is what the engine needs from the remote side. *remote.Client
// satisfies it; tests substitute fakes.
type Transport interface {
	Push(ctx context.Context, rec *schema.Record, baseVersion int64) (*remote.PushResult, error)
	Changes(ctx context.Context, since int64, limit int) (*remote.ChangeBatch, error)
	Subscribe(ctx context.Context) (<-chan remote.Notice, error)
}

// Notifier receives best-effort user-facing notifications ("changes pending
// sync", "conflict resolved"). Implementations must not block.
type Notifier interface {
	Notify(level, message string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, string) {}

// Config holds engine settings.
type Config struct {
	// DeviceID identifies this device on pushed records.
	DeviceID string

	// PullInterval is how often to poll for remote changes in addition to
	// websocket notices.
	PullInterval time.Duration

	// PullBatchSize caps records per changes request.
	PullBatchSize int

	// BackoffInitial and BackoffMax bound the retry delay after transient
	// push failures.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// DefaultPolicy resolves conflicts for tables without an override.
	DefaultPolicy Policy

	// TablePolicies overrides the conflict policy per table.
	TablePolicies map[string]Policy

	// Notifier for user-facing sync notifications.
	Notifier Notifier

	// Logger for engine activity.
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PullInterval:   15 * time.Second,
		PullBatchSize:  200,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
		DefaultPolicy:  LastWriterWins{},
		Notifier:       nopNotifier{},
		Logger:         zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
}

// maxRejectedAttempts is how many times a permanently rejected (non-conflict
// 4xx) push is retried before the entry is parked in the dead-letter table.
// The queue is a single FIFO, so an entry the server will never accept must
// not hold up every record behind it.
const maxRejectedAttempts = 3

// Engine is the sync state machine. Create with New, start with Run.
type Engine struct {
	store     *store.Store
	transport Transport
	cfg       Config
	log       zerolog.Logger

	mu     sync.Mutex
	state  State
	online bool

	wake    chan struct{}
	pullNow chan struct{}
}

// New creates an engine over an opened store and a transport.
func New(st *store.Store, transport Transport, cfg Config) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device ID cannot be empty")
	}
	def := DefaultConfig()
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = def.PullInterval
	}
	if cfg.PullBatchSize <= 0 {
		cfg.PullBatchSize = def.PullBatchSize
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = def.BackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.DefaultPolicy == nil {
		cfg.DefaultPolicy = def.DefaultPolicy
	}
	if cfg.Notifier == nil {
		cfg.Notifier = def.Notifier
	}

	return &Engine{
		store:     st,
		transport: transport,
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "engine").Logger(),
		state:     StateIdle,
		wake:      make(chan struct{}, 1),
		pullNow:   make(chan struct{}, 1),
	}, nil
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	changed := e.state != s
	e.state = s
	e.mu.Unlock()
	if changed {
		recordState(s)
		e.log.Debug().Str("state", string(s)).Msg("state changed")
	}
}

func (e *Engine) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline reports a connectivity transition from the monitor. Going online
// triggers an immediate drain and pull; going offline moves the engine to
// buffering.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()
	if was == online {
		return
	}

	if online {
		e.log.Info().Msg("connectivity restored; draining queue")
		e.nudgeDrain()
		e.nudgePull()
	} else {
		e.log.Info().Msg("connectivity lost; buffering writes")
		e.setState(StateBuffering)
		e.cfg.Notifier.Notify("info", "offline: changes will sync when connection returns")
	}
}

// Commit is the single write path for domain mutations: it writes the
// record to the local store (immediately visible, works offline) and then
// captures the change for sync. Using Commit everywhere guarantees change
// capture can never be forgotten for a new entity type.
func (e *Engine) Commit(ctx context.Context, rec *schema.Record) error {
	if err := e.store.Put(ctx, rec); err != nil {
		return err
	}
	return e.SyncRecord(ctx, rec.Table, rec)
}

// SyncRecord captures one locally written record for propagation. It is
// fire-and-forget from the caller's perspective: the change is durably
// queued and pushed asynchronously.
//
// A malformed record (missing id, unknown table) fails fast and loudly: a
// silently dropped entry would be permanent, undetectable data loss on
// every other device.
func (e *Engine) SyncRecord(ctx context.Context, table string, rec *schema.Record) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if rec.Table == "" {
		rec.Table = table
	}
	if rec.Table != table {
		return fmt.Errorf("record table %q does not match %q", rec.Table, table)
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("refusing to capture malformed record: %w", err)
	}

	queued := rec.Clone()
	if queued.RemoteVersion == 0 {
		// Carry the last acknowledged server version as the push base.
		if existing, err := e.store.Get(ctx, rec.Table, rec.ID); err == nil {
			queued.RemoteVersion = existing.RemoteVersion
		}
	}

	if err := e.store.Enqueue(ctx, queued); err != nil {
		return fmt.Errorf("change capture failed: %w", err)
	}
	e.updateQueueDepth(ctx)
	e.nudgeDrain()
	return nil
}

// Run starts the drain, pull and subscription loops and blocks until ctx is
// cancelled. Entries left over from a prior offline session are drained
// before new work, since the queue is durable.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().Msg("engine starting")
	e.updateQueueDepth(ctx)
	e.nudgeDrain()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		e.drainLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.pullLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.subscribeLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	e.log.Info().Msg("engine stopped")
	return nil
}

func (e *Engine) nudgeDrain() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) nudgePull() {
	select {
	case e.pullNow <- struct{}{}:
	default:
	}
}

func (e *Engine) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}

		if !e.isOnline() {
			if n, err := e.store.PendingCount(ctx); err == nil && n > 0 {
				e.setState(StateBuffering)
			}
			continue
		}
		e.Drain(ctx)
	}
}

// Drain pushes queued entries oldest-first until the queue is empty, the
// context is cancelled, or connectivity is lost. Safe to call directly for
// one-shot syncs.
func (e *Engine) Drain(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BackoffInitial
	bo.MaxInterval = e.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for ctx.Err() == nil {
		entry, err := e.store.NextPending(ctx)
		if errors.Is(err, store.ErrNotFound) {
			e.setState(StateIdle)
			e.updateQueueDepth(ctx)
			return
		}
		if err != nil {
			e.log.Error().Err(err).Msg("failed to read sync queue")
			return
		}

		e.setState(StateDraining)
		if ok := e.pushEntry(ctx, entry, bo); !ok {
			return
		}
	}
}

// pushEntry pushes one queue entry. Returns false when draining should stop
// (offline, cancelled, or waiting out a backoff that ended with the engine
// offline).
func (e *Engine) pushEntry(ctx context.Context, entry *store.ChangeEntry, bo *backoff.ExponentialBackOff) bool {
	rec := entry.Record()
	rec.DeviceID = e.cfg.DeviceID

	result, err := e.transport.Push(ctx, rec, entry.BaseVersion)

	switch {
	case err == nil:
		if err := e.store.Ack(ctx, entry); err != nil {
			e.log.Error().Err(err).Int64("seq", entry.Seq).Msg("failed to ack pushed entry")
			return false
		}
		if err := e.store.SetRemoteVersion(ctx, entry.Table, entry.ID, result.Version); err != nil {
			e.log.Error().Err(err).Str("table", entry.Table).Str("id", entry.ID).Msg("failed to record remote version")
		}
		metricPushes.WithLabelValues("ok").Inc()
		e.updateQueueDepth(ctx)
		bo.Reset()
		e.log.Debug().
			Str("table", entry.Table).Str("id", entry.ID).
			Int64("version", result.Version).Bool("duplicate", result.Duplicate).
			Msg("pushed")
		return true

	case isConflict(err):
		metricPushes.WithLabelValues("conflict").Inc()
		var ce *remote.ConflictError
		errors.As(err, &ce)
		if err := e.resolveConflict(ctx, entry, ce); err != nil {
			e.log.Error().Err(err).Str("table", entry.Table).Str("id", entry.ID).Msg("conflict resolution failed")
			return false
		}
		bo.Reset()
		return true

	case remote.IsTransient(err):
		metricPushes.WithLabelValues("transient").Inc()
		metricRetries.Inc()
		if err := e.store.BumpAttempts(ctx, entry.Seq); err != nil {
			e.log.Error().Err(err).Int64("seq", entry.Seq).Msg("failed to bump attempts")
		}
		// The failing entry stays at the head of the queue so the record's
		// updates are never sent out of order.
		wait := bo.NextBackOff()
		e.setState(StateBackoff)
		e.log.Warn().Err(err).
			Str("table", entry.Table).Str("id", entry.ID).
			Dur("retry_in", wait).Int("attempts", entry.Attempts+1).
			Msg("transient push failure")
		if entry.Attempts == 0 {
			e.cfg.Notifier.Notify("warn", "changes pending sync: remote store unreachable")
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		return e.isOnline()

	default:
		// Server rejected the push outright. Retry a few times in case the
		// rejection is a passing server-side condition, then park the entry:
		// the edit stays recoverable in the dead-letter table, and the
		// records queued behind it keep syncing.
		metricPushes.WithLabelValues("rejected").Inc()
		e.log.Error().Err(err).
			Str("table", entry.Table).Str("id", entry.ID).
			Int("attempts", entry.Attempts+1).
			Msg("push rejected by remote store")

		if entry.Attempts+1 >= maxRejectedAttempts {
			if perr := e.store.Park(ctx, entry, err.Error()); perr != nil {
				e.log.Error().Err(perr).Int64("seq", entry.Seq).Msg("failed to park rejected entry")
				return false
			}
			metricParked.Inc()
			e.updateQueueDepth(ctx)
			e.cfg.Notifier.Notify("error",
				fmt.Sprintf("change to %s/%s could not be synced and was set aside for review", entry.Table, entry.ID))
			bo.Reset()
			return true
		}

		if err := e.store.BumpAttempts(ctx, entry.Seq); err != nil {
			e.log.Error().Err(err).Int64("seq", entry.Seq).Msg("failed to bump attempts")
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(bo.NextBackOff()):
		}
		return e.isOnline()
	}
}

// resolveConflict applies the table's conflict policy. Exactly one of
// {overwrite local, resubmit local} happens, the outcome is logged to the
// conflict audit table, and a notification is surfaced; no edit is ever
// dropped silently.
func (e *Engine) resolveConflict(ctx context.Context, entry *store.ChangeEntry, ce *remote.ConflictError) error {
	local := entry.Record()
	local.DeviceID = e.cfg.DeviceID
	remoteRec := ce.Remote.Record.Clone()
	remoteRec.RemoteVersion = ce.Version

	policy := e.policyFor(entry.Table)
	winner := policy.Resolve(local, remoteRec)

	if err := e.store.LogConflict(ctx, entry.Table, entry.ID, local.Payload, remoteRec.Payload, string(winner)); err != nil {
		e.log.Error().Err(err).Msg("failed to record conflict")
	}
	metricConflicts.WithLabelValues(string(winner)).Inc()
	e.log.Info().
		Str("table", entry.Table).Str("id", entry.ID).
		Str("policy", policy.Name()).Str("winner", string(winner)).
		Msg("conflict resolved")

	switch winner {
	case WinnerRemote:
		// The remote edit is kept: apply it locally through the normal
		// write path and discard the pending local change.
		if err := e.store.Put(ctx, remoteRec); err != nil {
			return fmt.Errorf("failed to apply remote winner: %w", err)
		}
		if err := e.store.Ack(ctx, entry); err != nil {
			return fmt.Errorf("failed to drop superseded entry: %w", err)
		}
		e.updateQueueDepth(ctx)
		e.cfg.Notifier.Notify("warn",
			fmt.Sprintf("a newer edit from another device replaced your change to %s/%s", entry.Table, entry.ID))
		return nil

	case WinnerLocal:
		// The local edit is kept: rebase it onto the server's current
		// version and let the drain loop resend it.
		if err := e.store.ReplaceBase(ctx, entry.Seq, ce.Version); err != nil {
			return fmt.Errorf("failed to rebase local winner: %w", err)
		}
		if err := e.store.SetRemoteVersion(ctx, entry.Table, entry.ID, ce.Version); err != nil {
			e.log.Error().Err(err).Msg("failed to record rebased version")
		}
		return nil

	default:
		return fmt.Errorf("policy %s returned unknown winner %q", policy.Name(), winner)
	}
}

func (e *Engine) policyFor(table string) Policy {
	if p, ok := e.cfg.TablePolicies[table]; ok && p != nil {
		return p
	}
	return e.cfg.DefaultPolicy
}

func (e *Engine) pullLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.pullNow:
		case <-ticker.C:
		}
		if !e.isOnline() {
			continue
		}
		if err := e.Pull(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn().Err(err).Msg("pull failed")
		}
	}
}

// Pull fetches remote changes since the persisted marker and applies them
// into the local store. The marker only advances after a fully applied
// batch, so an interrupted pull is re-fetched rather than skipped.
func (e *Engine) Pull(ctx context.Context) error {
	prev := e.State()
	e.setState(StatePulling)
	defer func() {
		if e.State() == StatePulling {
			e.setState(prev)
		}
	}()

	marker, err := e.store.Marker(ctx, store.StateLastPulledSeq, "0")
	if err != nil {
		return err
	}
	since := remote.ParseSince(marker)

	for {
		batch, err := e.transport.Changes(ctx, since, e.cfg.PullBatchSize)
		if err != nil {
			return err
		}

		applied := 0
		for i := range batch.Records {
			ok, err := e.applyRemote(ctx, &batch.Records[i])
			if err != nil {
				return err
			}
			if ok {
				applied++
			}
		}
		if applied > 0 {
			metricPulled.Add(float64(applied))
		}

		if batch.Next > since {
			since = batch.Next
			if err := e.store.SetMarker(ctx, store.StateLastPulledSeq, fmt.Sprintf("%d", since)); err != nil {
				return err
			}
		}
		if !batch.HasMore {
			return nil
		}
	}
}

// applyRemote applies one pulled record. Returns false when the record was
// skipped: already known at this version, or shadowed by a pending local
// change (which push-time conflict resolution will reconcile — applying it
// here would reorder the record against its own local causal history).
func (e *Engine) applyRemote(ctx context.Context, vr *remote.VersionedRecord) (bool, error) {
	if _, err := e.store.Pending(ctx, vr.Table, vr.ID); err == nil {
		e.log.Debug().Str("table", vr.Table).Str("id", vr.ID).Msg("skipping pulled record with pending local change")
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	local, err := e.store.Get(ctx, vr.Table, vr.ID)
	if err == nil && local.RemoteVersion >= vr.Version {
		return false, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	rec := vr.Record.Clone()
	rec.RemoteVersion = vr.Version
	if err := e.store.Put(ctx, rec); err != nil {
		return false, fmt.Errorf("failed to apply pulled record %s/%s: %w", vr.Table, vr.ID, err)
	}
	return true, nil
}

func (e *Engine) subscribeLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if !e.isOnline() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.PullInterval):
			}
			continue
		}

		notices, err := e.transport.Subscribe(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.PullInterval):
			}
			continue
		}

		for range notices {
			e.nudgePull()
		}

		// Connection dropped; pause before redialing so a flapping server
		// is not hammered with immediate reconnects.
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.PullInterval):
		}
	}
}

func (e *Engine) updateQueueDepth(ctx context.Context) {
	if n, err := e.store.PendingCount(ctx); err == nil {
		metricQueueDepth.Set(float64(n))
	}
}

func isConflict(err error) bool {
	var ce *remote.ConflictError
	return errors.As(err, &ce)
}

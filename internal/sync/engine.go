// Package sync routes submissions to the server or the offline queue and
// replays the queue when connectivity returns.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/marcus/fieldsync/internal/connectivity"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/queue"
	"github.com/marcus/fieldsync/internal/syncclient"
)

// DefaultTimeout bounds every network call made by the engine.
const DefaultTimeout = 30 * time.Second

// ErrOffline is returned by SyncPass when the connectivity state is offline.
var ErrOffline = errors.New("offline")

// Submitter sends one payload to the server.
type Submitter interface {
	SubmitWork(ctx context.Context, p models.SubmissionPayload) error
}

// ResponseStore is the part of the response cache the engine needs.
type ResponseStore interface {
	Clear(ctx context.Context, assignmentID int64) error
}

type persistErrer interface {
	PersistErr() error
}

// Options configure an Engine.
type Options struct {
	// Timeout bounds each send. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxAttempts moves an entry to dead letters after this many failed
	// sends. Zero retries forever.
	MaxAttempts int
	// OnAck runs after the server accepted a payload.
	OnAck func(ctx context.Context, p models.SubmissionPayload)
	// OnPass receives the result of every sync pass.
	OnPass func(res PassResult, err error)
	// OnState receives each state a submission moves through in Submit,
	// starting at Ready.
	OnState func(p models.SubmissionPayload, s State)
}

// Engine orchestrates submissions. It is safe for concurrent use; sync
// passes never overlap.
type Engine struct {
	client Submitter
	queue  *queue.Queue
	conn   *connectivity.State
	cache  ResponseStore
	opts   Options
	now    func() time.Time

	passMu gosync.Mutex
	held   atomic.Bool
	wg     gosync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()
}

// New creates an engine and subscribes it to connectivity changes: every
// offline to online transition starts a background sync pass.
func New(client Submitter, q *queue.Queue, conn *connectivity.State, cache ResponseStore, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		client: client,
		queue:  q,
		conn:   conn,
		cache:  cache,
		opts:   opts,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	e.unsub = conn.OnChange(func(online bool) {
		if online && !e.held.Load() {
			e.TriggerSync()
		}
	})
	return e
}

// Close stops reacting to connectivity changes, cancels background passes
// and waits for them to return.
func (e *Engine) Close() {
	e.unsub()
	e.cancel()
	e.wg.Wait()
}

// Wait blocks until every background pass started so far has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Reconnect runs connect without starting a background pass on the offline
// to online transition, then runs one pass itself. ErrOffline is returned
// when connect reports failure or the device is still offline afterwards.
func (e *Engine) Reconnect(ctx context.Context, connect func(context.Context) bool) (PassResult, error) {
	e.held.Store(true)
	ok := connect(ctx)
	e.held.Store(false)

	if !ok || !e.conn.IsOnline() {
		n, err := e.queue.Len(ctx)
		return PassResult{Remaining: n, StorageErr: err}, ErrOffline
	}
	return e.SyncPass(ctx)
}

// TriggerSync starts a sync pass in the background.
func (e *Engine) TriggerSync() {
	if e.ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res, err := e.SyncPass(e.ctx)
		if err != nil && !errors.Is(err, ErrOffline) {
			slog.Warn("background sync", "err", err)
			return
		}
		if !res.Empty() {
			slog.Info("background sync", "result", res.Summary())
		}
	}()
}

// Submit sends a payload when online and queues it when offline or when the
// server cannot be reached. A server rejection is returned as an error and
// the payload is not queued; the cached responses are kept so nothing is
// lost.
func (e *Engine) Submit(ctx context.Context, p models.SubmissionPayload) (Result, error) {
	res, err := e.submit(ctx, p)
	e.setState(p, res.State)
	return res, err
}

func (e *Engine) setState(p models.SubmissionPayload, s State) {
	if e.opts.OnState != nil {
		e.opts.OnState(p, s)
	}
}

func (e *Engine) submit(ctx context.Context, p models.SubmissionPayload) (Result, error) {
	log := slog.With("assignment", p.AssignmentID)

	if err := p.Validate(); err != nil {
		log.Warn("submission invalid", "err", err)
		return Result{State: FailedPermanent}, err
	}
	e.setState(p, Ready)
	if !e.conn.IsOnline() {
		return e.enqueue(ctx, p, nil)
	}

	e.setState(p, Sending)
	log.Debug("submission sending")
	cctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	err := e.client.SubmitWork(cctx, p)
	cancel()

	switch {
	case err == nil:
		e.ack(ctx, p)
		log.Info("submission acked")
		return Result{State: Acked, Durable: true, Message: MsgSubmitted}, nil
	case syncclient.IsNetwork(err):
		log.Info("server unreachable, queueing", "err", err)
		return e.enqueue(ctx, p, err)
	default:
		log.Warn("submission rejected", "err", err)
		return Result{State: FailedPermanent}, fmt.Errorf("submission failed: %w", err)
	}
}

func (e *Engine) enqueue(ctx context.Context, p models.SubmissionPayload, sendErr error) (Result, error) {
	// The payload must be kept even when the caller gave up waiting.
	entry, err := e.queue.Enqueue(context.WithoutCancel(ctx), p)
	res := Result{
		State:   Queued,
		Entry:   &entry,
		Durable: true,
		SendErr: sendErr,
		Message: MsgSavedOffline,
	}
	if err != nil {
		res.Durable = false
		res.StorageErr = err
	} else if pe, ok := e.cache.(persistErrer); ok && pe.PersistErr() != nil {
		res.Durable = false
		res.StorageErr = pe.PersistErr()
	}
	if !res.Durable {
		res.Message = "saved in memory only, storage unavailable"
	}
	return res, nil
}

func (e *Engine) ack(ctx context.Context, p models.SubmissionPayload) {
	if err := e.cache.Clear(ctx, p.AssignmentID); err != nil {
		slog.Warn("clear responses after ack", "assignment", p.AssignmentID, "err", err)
	}
	if e.opts.OnAck != nil {
		e.opts.OnAck(ctx, p)
	}
}

// rejected reports whether the server refused the payload itself. Auth
// failures and temporary statuses are not rejections: the payload may be
// accepted later.
func rejected(err error) bool {
	se, ok := syncclient.AsServerError(err)
	if !ok || se.Temporary() {
		return false
	}
	return !errors.Is(se, syncclient.ErrUnauthorized) && !errors.Is(se, syncclient.ErrForbidden)
}

// SyncPass replays the queue in FIFO order, one entry at a time. Acked
// entries are removed and their responses cleared. Entries that failed with
// a retryable error (network, timeout, 5xx, 401/403) stay queued in order
// with their attempt count raised. Entries the server rejected with another
// 4xx, and entries past MaxAttempts, move to dead letters instead of staying
// in the queue.
func (e *Engine) SyncPass(ctx context.Context) (PassResult, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	res, err := e.pass(ctx)
	if e.opts.OnPass != nil {
		e.opts.OnPass(res, err)
	}
	return res, err
}

func (e *Engine) pass(ctx context.Context) (PassResult, error) {
	var res PassResult
	entries, err := e.queue.Drain(ctx)
	if err != nil {
		slog.Warn("read queue", "err", err)
		res.StorageErr = err
	}
	if len(entries) == 0 {
		return res, nil
	}
	if !e.conn.IsOnline() {
		res.Remaining = len(entries)
		return res, ErrOffline
	}

	slog.Debug("sync pass", "entries", len(entries))
	var attempted, retained, dead []queue.Entry
	for i, entry := range entries {
		if ctx.Err() != nil {
			res.Remaining = len(entries) - i
			break
		}
		cctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
		sendErr := e.client.SubmitWork(cctx, entry.Payload)
		cancel()

		attempted = append(attempted, entry)
		res.Attempted++
		entry.LastAttemptAt = e.now().UTC()
		if sendErr == nil {
			res.Succeeded = append(res.Succeeded, entry)
			e.ack(ctx, entry.Payload)
			continue
		}

		entry.Attempts++
		entry.LastError = sendErr.Error()
		out := Outcome{Entry: entry, Err: sendErr}
		switch {
		case rejected(sendErr):
			res.Rejected = append(res.Rejected, out)
			dead = append(dead, entry)
		case e.opts.MaxAttempts > 0 && entry.Attempts >= e.opts.MaxAttempts:
			res.Exhausted = append(res.Exhausted, out)
			dead = append(dead, entry)
		default:
			res.Failed = append(res.Failed, out)
			retained = append(retained, entry)
		}
		slog.Debug("sync entry failed", "id", entry.ID, "attempts", entry.Attempts, "err", sendErr)
	}

	// Commit even when the caller cancelled; the sends already happened.
	commitCtx := context.WithoutCancel(ctx)
	if err := e.queue.DeadLetter(commitCtx, dead); err != nil {
		res.StorageErr = err
	}
	if err := e.queue.Settle(commitCtx, attempted, retained); err != nil {
		res.StorageErr = err
	}
	if res.StorageErr != nil {
		slog.Warn("commit sync pass", "err", res.StorageErr)
	}
	slog.Info("sync pass", "sent", len(res.Succeeded), "failed", len(res.Failed),
		"rejected", len(res.Rejected), "exhausted", len(res.Exhausted))
	return res, nil
}

// Package pipeline runs the batched fetch, convert and store loop of one
// import session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"import-desk/delivery"
	"import-desk/ledger"
	"import-desk/logging"
	"import-desk/session"
	"import-desk/sink"
	"import-desk/source"
	"import-desk/store"
	"import-desk/transcode"
)

const (
	// DefaultBatchSize is the number of items executed together before
	// progress is persisted.
	DefaultBatchSize = 10
	// ErrorLogName is written at the destination when permanent errors remain.
	ErrorLogName = "import_errors.log"

	// MessageChallengeRequired is recorded when the source asks for a code.
	MessageChallengeRequired = "two-factor authentication required"
)

// ProgressReporter updates persisted state as the pipeline advances.
type ProgressReporter interface {
	Start(processed int) error
	Batch(processed int) error
	Imported(names []string) error
}

// HistoryRecorder receives one entry per materialized file.
type HistoryRecorder interface {
	Record(ctx context.Context, entries ...store.HistoryEntry) error
}

// Options controls how a run fetches, converts and stores items.
type Options struct {
	BatchSize  int
	Policy     transcode.Policy
	Transcoder transcode.Transcoder
	Delivery   *delivery.Store
	// Mirror, when set, receives a copy of every stored file.
	Mirror   sink.Sink
	History  HistoryRecorder
	Progress ProgressReporter
	Now      func() time.Time
	Logger   *logrus.Entry
}

func (opts Options) withDefaults(rec *session.Record) Options {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Policy.Empty() {
		opts.Policy = transcode.DefaultPolicy()
	}
	if opts.Transcoder == nil {
		opts.Transcoder = transcode.Standard{}
	}
	if opts.Delivery == nil {
		opts.Delivery = delivery.NewStore()
	}
	if opts.Progress == nil {
		opts.Progress = session.NewProgressRecorder(rec)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("pipeline")
	}
	opts.Logger = opts.Logger.WithField("session_id", rec.ID())
	return opts
}

// Run executes one run of rec against the source opened through provider.
// The record must already be running (see session.Record.Begin). Run always
// leaves the record in a terminal status; the returned error describes why a
// run ended in error or failed to persist and is meant for logging only.
func Run(ctx context.Context, rec *session.Record, provider source.Provider, opts Options) error {
	opts = opts.withDefaults(rec)
	cfg := rec.Config()

	r := &runner{
		rec:     rec,
		ctrl:    rec.Control(),
		opts:    opts,
		cfg:     cfg,
		log:     opts.Logger,
		pending: make(map[string]struct{}),
	}

	if err := os.MkdirAll(cfg.Destination, 0o755); err != nil {
		return r.fatal(session.KindFatal, "create destination",
			fmt.Sprintf("failed to create destination directory: %v", err), err)
	}
	var out sink.Sink = sink.NewLocal(cfg.Destination)
	if opts.Mirror != nil {
		out = sink.Tee{Primary: out, Mirrors: []sink.Sink{opts.Mirror}}
	}
	r.sink = out

	led := rec.Ledger()
	if led == nil {
		var err error
		led, err = ledger.Open(cfg.Destination, rec.Snapshot().ImportedFiles...)
		if err != nil {
			return r.fatal(session.KindFatal, "open ledger",
				fmt.Sprintf("failed to read import ledger: %v", err), err)
		}
		rec.AttachLedger(led)
	}
	r.ledger = led

	r.log.WithField("account", cfg.Account).Info("connecting to source")
	lib, err := provider.Open(ctx, source.Credentials{Account: cfg.Account, Secret: cfg.Credential, Code: cfg.Code})
	if err != nil {
		if ctx.Err() != nil {
			return r.stop()
		}
		kind, msg := describeOpenError(err)
		return r.fatal(kind, "open source", msg, err)
	}

	return r.run(ctx, lib)
}

func describeOpenError(err error) (session.Kind, string) {
	switch {
	case errors.Is(err, source.ErrChallengeRequired):
		return session.KindAuth, MessageChallengeRequired
	case errors.Is(err, source.ErrInvalidCredential), errors.Is(err, source.ErrInvalidAccount):
		return session.KindAuth, fmt.Sprintf("authentication failed: %v", err)
	default:
		return session.KindFatal, fmt.Sprintf("failed to connect to source: %v", err)
	}
}

type runner struct {
	rec    *session.Record
	ctrl   *session.Control
	opts   Options
	cfg    session.Config
	log    *logrus.Entry
	ledger *ledger.Ledger
	sink   sink.Sink

	// queued counts items accepted into batches and bounds the run by the
	// limit; processed counts settled items: imported, or failed on retry.
	// Items waiting for retry are not counted so a stopped run re-queues them.
	queued    int
	processed int
	pending   map[string]struct{}
	newly     []string
	retry     []Placed
	permanent []string
}

func (r *runner) run(ctx context.Context, lib source.Library) error {
	r.processed = r.rec.Progress()
	r.queued = r.processed
	if err := r.opts.Progress.Start(r.processed); err != nil {
		r.log.WithError(err).Warn("failed to persist start progress")
	}

	if r.limitReached() {
		r.log.Info("limit already reached")
		return r.finish()
	}

	batch := make([]Placed, 0, r.opts.BatchSize)
	for asset, err := range lib.Assets(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return r.stop()
			}
			return r.fatal(session.KindFatal, "enumerate assets",
				fmt.Sprintf("failed to enumerate assets: %v", err), err)
		}
		if err := r.ctrl.Wait(ctx); err != nil {
			return r.stop()
		}

		p := Place(asset, r.opts.Now())
		if r.isDuplicate(p.Name) {
			r.log.WithField("file", p.Name).Debug("already imported, skipping")
			continue
		}
		r.reserve(p.Name)
		batch = append(batch, p)
		r.queued++

		if len(batch) >= r.opts.BatchSize || r.limitReached() {
			if !r.executeBatch(ctx, batch) {
				return r.stop()
			}
			batch = batch[:0]
		}
		if r.limitReached() {
			break
		}
	}
	if len(batch) > 0 {
		if !r.executeBatch(ctx, batch) {
			return r.stop()
		}
	}

	if err := r.flush(); err != nil {
		return r.fatal(session.KindFatal, "update ledger", fmt.Sprintf("failed to update import ledger: %v", err), err)
	}

	if len(r.retry) > 0 {
		r.log.WithField("count", len(r.retry)).Info("retrying failed items")
		if !r.retryPass(ctx) {
			return r.stop()
		}
		if err := r.flush(); err != nil {
			return r.fatal(session.KindFatal, "update ledger", fmt.Sprintf("failed to update import ledger: %v", err), err)
		}
	}

	return r.finish()
}

func (r *runner) limitReached() bool {
	return r.cfg.Limit > 0 && r.queued >= r.cfg.Limit
}

func (r *runner) isDuplicate(name string) bool {
	target := r.opts.Policy.TargetName(name)
	for _, n := range []string{name, target} {
		if _, ok := r.pending[n]; ok && n != "" {
			return true
		}
	}
	return r.ledger.IsDuplicate(name, target)
}

// reserve marks the source name and the name it is stored under as taken
// for the rest of the run.
func (r *runner) reserve(name string) {
	r.pending[name] = struct{}{}
	if target := r.opts.Policy.TargetName(name); target != "" {
		r.pending[target] = struct{}{}
	}
}

// executeBatch imports every item of batch, queueing failures for the retry
// pass. It returns false when the run must stop.
func (r *runner) executeBatch(ctx context.Context, batch []Placed) bool {
	for _, p := range batch {
		if err := r.ctrl.Wait(ctx); err != nil {
			r.saveProgress()
			return false
		}
		if err := r.importOne(ctx, p); err != nil {
			if ctx.Err() != nil {
				r.saveProgress()
				return false
			}
			r.log.WithError(err).WithField("file", p.Name).Warn("import failed, queued for retry")
			r.retry = append(r.retry, p)
			continue
		}
		r.processed++
	}
	r.saveProgress()
	return true
}

// retryPass re-attempts queued items once. It returns false when the run must stop.
func (r *runner) retryPass(ctx context.Context) bool {
	queue := r.retry
	r.retry = nil
	for _, p := range queue {
		if err := r.ctrl.Wait(ctx); err != nil {
			return false
		}
		if r.ledger.IsDuplicate(p.Name, r.opts.Policy.TargetName(p.Name)) {
			r.processed++
			continue
		}
		if err := r.importOne(ctx, p); err != nil {
			if ctx.Err() != nil {
				return false
			}
			r.log.WithError(err).WithField("file", p.Name).Error("import failed permanently")
			r.permanent = append(r.permanent, fmt.Sprintf("%s: %v", p.Name, errors.Unwrap(err)))
		}
		r.processed++
	}
	r.saveProgress()
	return true
}

// importOne fetches, converts when needed, stores and publishes one item.
func (r *runner) importOne(ctx context.Context, p Placed) error {
	raw, err := p.Asset.Fetch(ctx)
	if err != nil {
		return session.Wrap(session.KindTransient, "fetch", err)
	}

	name, data, converted := p.Name, raw, false
	if r.opts.Policy.Convertible(p.Name) {
		data, err = transcode.Convert(r.opts.Transcoder, raw)
		if err != nil {
			return session.Wrap(session.KindTransient, "convert", err)
		}
		name = r.opts.Policy.TargetName(p.Name)
		converted = true
	}

	relPath := p.RelPath(name)
	payload, err := r.sink.Write(ctx, relPath, data)
	if err != nil {
		return session.Wrap(session.KindTransient, "store", err)
	}

	entry, err := r.opts.Delivery.Issue(r.rec.ID(), relPath, payload, int64(len(data)))
	if err != nil {
		return session.Wrap(session.KindTransient, "issue token", err)
	}
	r.rec.AddDownload(entry)
	r.newly = append(r.newly, name)
	logging.Debugf("session %s: imported %s", r.rec.ID(), relPath)

	if r.opts.History != nil {
		he := store.HistoryEntry{
			SessionID:    r.rec.ID(),
			Destination:  r.cfg.Destination,
			RelativePath: relPath,
			SourceName:   p.Name,
			Filename:     name,
			Size:         int64(len(data)),
			Converted:    converted,
			ImportedAt:   r.opts.Now().UTC(),
		}
		if err := r.opts.History.Record(ctx, he); err != nil {
			r.log.WithError(err).WithField("file", relPath).Warn("failed to record import history")
		}
	}
	return nil
}

// flush appends newly imported names to the ledger once and snapshots the set.
func (r *runner) flush() error {
	if len(r.newly) == 0 {
		return nil
	}
	if err := r.ledger.Append(r.newly...); err != nil {
		return err
	}
	r.newly = nil
	if err := r.opts.Progress.Imported(r.ledger.Names()); err != nil {
		r.log.WithError(err).Warn("failed to persist imported files")
	}
	return nil
}

func (r *runner) saveProgress() {
	if err := r.opts.Progress.Batch(r.processed); err != nil {
		r.log.WithError(err).Warn("failed to persist progress")
	}
}

func (r *runner) finish() error {
	if len(r.permanent) == 0 {
		r.log.WithField("progress", r.processed).Info("import finished")
		return r.rec.Finish(session.StatusFinished)
	}

	logPath := filepath.Join(r.cfg.Destination, ErrorLogName)
	if err := os.WriteFile(logPath, []byte(strings.Join(r.permanent, "\n")+"\n"), 0o644); err != nil {
		r.log.WithError(err).Warn("failed to write error log")
	}
	r.log.WithField("errors", len(r.permanent)).Warnf("import finished with errors, see %s", logPath)
	if err := r.rec.Finish(session.StatusError, r.permanent...); err != nil {
		return err
	}
	return fmt.Errorf("%d items failed permanently", len(r.permanent))
}

// stop records what has landed so far and moves the record to stopped.
func (r *runner) stop() error {
	if r.ledger != nil {
		if err := r.flush(); err != nil {
			r.log.WithError(err).Warn("failed to update ledger on stop")
		}
	}
	r.saveProgress()
	r.log.WithField("progress", r.processed).Info("import stopped")
	return r.rec.Finish(session.StatusStopped)
}

func (r *runner) fatal(kind session.Kind, op, msg string, err error) error {
	r.log.WithError(err).Error(msg)
	if ferr := r.rec.Finish(session.StatusError, msg); ferr != nil {
		return errors.Join(session.Wrap(kind, op, err), ferr)
	}
	return session.Wrap(kind, op, err)
}

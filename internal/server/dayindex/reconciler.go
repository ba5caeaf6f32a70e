package dayindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/fieldcap/internal/common"
	"github.com/dmitrijs2005/fieldcap/internal/logging"
	"github.com/dmitrijs2005/fieldcap/internal/server/keys"
	"github.com/dmitrijs2005/fieldcap/internal/server/metrics"
	"github.com/dmitrijs2005/fieldcap/internal/server/storage"
	"github.com/dmitrijs2005/fieldcap/internal/timex"
	"github.com/google/uuid"
)

const (
	DefaultMaxRetries      = 5
	DefaultMaxEventsPerDay = 5000

	contentTypeJSON = "application/json"
)

// Options tune the reconciler.
//
// SafeMode selects the compare-and-swap protocol. With SafeMode off every
// attempt is a single read-merge-write with no precondition: cheaper, but a
// concurrent writer's event can be silently overwritten.
type Options struct {
	MaxEventsPerDay int
	MaxRetries      int
	SafeMode        bool
}

// Result describes a finished reconciliation.
type Result struct {
	IndexKey string
	Attempts int
	Events   int
}

// Reconciler merges events into day index documents.
type Reconciler struct {
	store   storage.ObjectStore
	opts    Options
	logger  logging.Logger
	metrics *metrics.Metrics
	now     timex.Clock
	newID   func() string
}

func New(store storage.ObjectStore, opts Options, l logging.Logger, m *metrics.Metrics) *Reconciler {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.MaxEventsPerDay <= 0 {
		opts.MaxEventsPerDay = DefaultMaxEventsPerDay
	}
	if l == nil {
		l = logging.Nop{}
	}
	return &Reconciler{
		store:   store,
		opts:    opts,
		logger:  l.With("module", "dayindex"),
		metrics: m,
		now:     timex.UTCNow,
		newID:   uuid.NewString,
	}
}

// WithClock replaces the time source; used by tests.
func (r *Reconciler) WithClock(c timex.Clock) *Reconciler {
	r.now = c
	return r
}

// Options returns the effective settings.
func (r *Reconciler) Options() Options { return r.opts }

// Reconcile merges ev into today's (UTC) index for ev.DeviceID.
//
// In safe mode it runs up to MaxRetries read-merge-conditional-write rounds,
// re-reading immediately after each lost race. Running out of rounds returns
// common.ErrRetriesExhausted; any storage error other than a lost race is
// returned at once.
func (r *Reconciler) Reconcile(ctx context.Context, ev Event) (Result, error) {
	now := r.now()
	date := keys.Date(now)
	res := Result{IndexKey: keys.DayIndex(ev.DeviceID, date)}
	base := Document{DeviceID: ev.DeviceID, Date: date, GeneratedTS: now, Events: []Record{}}

	if !r.opts.SafeMode {
		res.Attempts = 1
		r.metrics.IndexAttempt()

		doc, _, _, err := r.read(ctx, res.IndexKey, base)
		if err != nil {
			r.metrics.Reconciled(metrics.OutcomeError)
			return res, err
		}
		ApplyMerge(&doc, ev, r.opts.MaxEventsPerDay, r.now(), r.newID)
		if err := r.write(ctx, res.IndexKey, doc, nil); err != nil {
			r.metrics.Reconciled(metrics.OutcomeError)
			return res, err
		}
		res.Events = len(doc.Events)
		r.metrics.Reconciled(metrics.OutcomeUnsafe)
		return res, nil
	}

	for res.Attempts < r.opts.MaxRetries {
		if err := ctx.Err(); err != nil {
			r.metrics.Reconciled(metrics.OutcomeError)
			return res, err
		}
		res.Attempts++
		r.metrics.IndexAttempt()

		doc, etag, isNew, err := r.read(ctx, res.IndexKey, base)
		if err != nil {
			r.metrics.Reconciled(metrics.OutcomeError)
			return res, err
		}
		ApplyMerge(&doc, ev, r.opts.MaxEventsPerDay, r.now(), r.newID)

		cond := storage.Condition{IfMatch: etag}
		if isNew {
			cond = storage.Condition{IfNoneMatch: "*"}
		}

		err = r.write(ctx, res.IndexKey, doc, &cond)
		if err == nil {
			res.Events = len(doc.Events)
			r.metrics.Reconciled(metrics.OutcomeOK)
			return res, nil
		}
		if !errors.Is(err, common.ErrPreconditionFailed) {
			r.metrics.Reconciled(metrics.OutcomeError)
			return res, err
		}

		r.metrics.IndexConflict()
		r.logger.Debug(ctx, "day index changed underneath, retrying",
			"key", res.IndexKey, "attempt", res.Attempts, "create", isNew)
	}

	r.metrics.Reconciled(metrics.OutcomeExhausted)
	r.logger.Warn(ctx, "reconciliation exhausted retries",
		"key", res.IndexKey, "max_retries", r.opts.MaxRetries, "object", ev.Key, "sha256", ev.SHA256)
	return res, common.ErrRetriesExhausted
}

// Load returns the stored index for deviceID on date.
func (r *Reconciler) Load(ctx context.Context, deviceID, date string) (Document, error) {
	body, _, err := r.store.Get(ctx, keys.DayIndex(deviceID, date))
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return Document{}, fmt.Errorf("decode day index: %w", err)
	}
	if doc.Events == nil {
		doc.Events = []Record{}
	}
	return doc, nil
}

// read returns the current document and its ETag, or base when the key does
// not exist yet (isNew). An undecodable document is replaced by base but
// keeps its ETag, so the replacement is still a guarded write.
func (r *Reconciler) read(ctx context.Context, key string, base Document) (doc Document, etag string, isNew bool, err error) {
	body, etag, err := r.store.Get(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return cloneBase(base), "", true, nil
	}
	if err != nil {
		return Document{}, "", false, fmt.Errorf("read day index: %w", err)
	}

	if err := json.Unmarshal(body, &doc); err != nil {
		r.logger.Warn(ctx, "day index unreadable, starting it over", "key", key, "error", err)
		return cloneBase(base), etag, false, nil
	}
	doc.DeviceID = base.DeviceID
	doc.Date = base.Date
	if doc.GeneratedTS.IsZero() {
		doc.GeneratedTS = base.GeneratedTS
	}
	if doc.Events == nil {
		doc.Events = []Record{}
	}
	collapse(&doc)
	return doc, etag, false, nil
}

func (r *Reconciler) write(ctx context.Context, key string, doc Document, cond *storage.Condition) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode day index: %w", err)
	}
	if cond == nil {
		_, err = r.store.Put(ctx, key, body, contentTypeJSON)
	} else {
		_, err = r.store.PutConditional(ctx, key, body, contentTypeJSON, *cond)
	}
	return err
}

func cloneBase(base Document) Document {
	base.Events = []Record{}
	return base
}

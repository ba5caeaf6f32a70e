// Package ingest receives uploaded bytes, stores them and records them in the
// device's day index.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dmitrijs2005/fieldcap/internal/common"
	"github.com/dmitrijs2005/fieldcap/internal/logging"
	"github.com/dmitrijs2005/fieldcap/internal/server/auth"
	"github.com/dmitrijs2005/fieldcap/internal/server/dayindex"
	"github.com/dmitrijs2005/fieldcap/internal/server/keys"
	"github.com/dmitrijs2005/fieldcap/internal/server/metrics"
	"github.com/dmitrijs2005/fieldcap/internal/server/notify"
	"github.com/dmitrijs2005/fieldcap/internal/server/storage"
	"github.com/dmitrijs2005/fieldcap/internal/timex"
)

const (
	outcomeOK    = "ok"
	outcomeFault = "fault"
	outcomeError = "error"
)

type Verifier interface {
	Verify(token string) (auth.Grant, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, ev dayindex.Event) (dayindex.Result, error)
}

type FaultChecker interface {
	ShouldFail(deviceID string) (int, bool)
}

// FaultError is returned when the fault harness rejected an upload.
type FaultError struct {
	Status int
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("simulated failure (status %d)", e.Status)
}

func (e *FaultError) Unwrap() error { return common.ErrSimulatedFailure }

// Receipt describes a stored upload.
type Receipt struct {
	DeviceID string
	Key      string
	Kind     string
	Bytes    int64
	SHA256   string
	// IndexKey is empty when the day index could not be updated.
	IndexKey string
}

type Service struct {
	verifier Verifier
	stores   storage.Partitions
	index    Reconciler
	faults   FaultChecker
	notifier notify.Notifier
	maxBytes int64
	logger   logging.Logger
	metrics  *metrics.Metrics
	now      timex.Clock
}

// New builds the service. maxBytes <= 0 disables the size limit.
func New(v Verifier, stores storage.Partitions, index Reconciler, maxBytes int64, l logging.Logger, m *metrics.Metrics) *Service {
	if l == nil {
		l = logging.Nop{}
	}
	return &Service{
		verifier: v,
		stores:   stores,
		index:    index,
		notifier: notify.Nop{},
		maxBytes: maxBytes,
		logger:   l.With("module", "ingest"),
		metrics:  m,
		now:      timex.UTCNow,
	}
}

// WithFaults enables fault injection.
func (s *Service) WithFaults(f FaultChecker) *Service {
	s.faults = f
	return s
}

func (s *Service) WithNotifier(n notify.Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

func (s *Service) WithClock(c timex.Clock) *Service {
	s.now = c
	return s
}

// Upload runs one tokenized upload to completion.
//
// Token, fault, body and object storage failures are returned and leave the
// day index untouched. Once the object is stored the upload counts as
// accepted: index and notification failures are only logged.
func (s *Service) Upload(ctx context.Context, token string, body io.Reader) (Receipt, error) {
	grant, err := s.verifier.Verify(token)
	if err != nil {
		return Receipt{}, err
	}
	log := s.logger.With("device_id", grant.DeviceID, "key", grant.ObjectKey)
	if keys.Reserved(keys.Relative(grant.DeviceID, grant.ObjectKey)) {
		log.Warn(ctx, "upload grant targets the index directory")
		return Receipt{}, fmt.Errorf("%w: %s", common.ErrUnsafeKey, grant.ObjectKey)
	}

	if s.faults != nil {
		if status, fail := s.faults.ShouldFail(grant.DeviceID); fail {
			s.metrics.Fault()
			s.metrics.Upload(grant.Kind, outcomeFault, 0)
			log.Info(ctx, "simulated upload failure", "status", status)
			return Receipt{}, &FaultError{Status: status}
		}
	}

	data, err := s.readBody(body)
	if err != nil {
		s.metrics.Upload(grant.Kind, outcomeError, 0)
		return Receipt{}, err
	}

	sum := sha256.Sum256(data)
	rc := Receipt{
		DeviceID: grant.DeviceID,
		Key:      grant.ObjectKey,
		Kind:     grant.Kind,
		Bytes:    int64(len(data)),
		SHA256:   hex.EncodeToString(sum[:]),
	}

	store, err := s.stores.For(grant.Kind)
	if err != nil {
		s.metrics.Upload(grant.Kind, outcomeError, 0)
		return Receipt{}, err
	}
	if _, err := store.Put(ctx, rc.Key, data, grant.ContentType); err != nil {
		s.metrics.Upload(grant.Kind, outcomeError, 0)
		log.Error(ctx, "object write failed", "error", err)
		return Receipt{}, fmt.Errorf("store object: %w", err)
	}
	s.metrics.Upload(grant.Kind, outcomeOK, len(data))

	res, err := s.index.Reconcile(ctx, dayindex.Event{
		DeviceID: rc.DeviceID,
		Key:      rc.Key,
		Kind:     rc.Kind,
		Bytes:    rc.Bytes,
		SHA256:   rc.SHA256,
	})
	if err != nil {
		log.Warn(ctx, "day index not updated", "error", err, "attempts", res.Attempts)
	} else {
		rc.IndexKey = res.IndexKey
	}

	if err := s.notifier.Notify(ctx, notify.Notification{
		DeviceID: rc.DeviceID,
		Kind:     rc.Kind,
		Key:      rc.Key,
		IndexKey: rc.IndexKey,
		Bytes:    rc.Bytes,
		SHA256:   rc.SHA256,
		TS:       s.now(),
	}); err != nil {
		log.Warn(ctx, "notification not delivered", "error", err)
	}

	log.Info(ctx, "upload stored", "bytes", rc.Bytes, "sha256", rc.SHA256, "indexed", rc.IndexKey != "")
	return rc, nil
}

func (s *Service) readBody(body io.Reader) ([]byte, error) {
	if body == nil {
		return []byte{}, nil
	}
	r := body
	if s.maxBytes > 0 {
		r = io.LimitReader(body, s.maxBytes+1)
	}

	data, err := io.ReadAll(r)
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		return nil, common.ErrTooLarge
	case err != nil:
		return nil, fmt.Errorf("read body: %w: %w", common.ErrBadRequest, err)
	case s.maxBytes > 0 && int64(len(data)) > s.maxBytes:
		return nil, common.ErrTooLarge
	}
	return data, nil
}

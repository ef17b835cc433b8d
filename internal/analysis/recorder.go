package analysis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/urlsentry/internal/events"
	"github.com/mbd888/urlsentry/internal/idgen"
	"github.com/mbd888/urlsentry/internal/logging"
	"github.com/mbd888/urlsentry/internal/metrics"
	"github.com/mbd888/urlsentry/internal/retry"
	"github.com/mbd888/urlsentry/internal/scans"
	"github.com/mbd888/urlsentry/internal/validation"
)

const defaultPublishTimeout = 5 * time.Second

// Broadcaster pushes recorded scans to live subscribers.
type Broadcaster interface {
	BroadcastScan(rec *scans.Record)
}

// Recorder persists verdicts as scan records and fans them out. Every step
// is best-effort: failures are logged and counted, never surfaced to the
// caller of Analyze.
type Recorder struct {
	store          scans.Store
	feed           Broadcaster
	publisher      events.Publisher
	policy         retry.Policy
	publishTimeout time.Duration
	now            func() time.Time
	wg             sync.WaitGroup
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

func WithFeed(b Broadcaster) RecorderOption {
	return func(r *Recorder) { r.feed = b }
}

func WithPublisher(p events.Publisher) RecorderOption {
	return func(r *Recorder) { r.publisher = p }
}

func WithRetryPolicy(p retry.Policy) RecorderOption {
	return func(r *Recorder) { r.policy = p }
}

// NewRecorder creates a recorder. store may be nil, in which case nothing
// is persisted but scans are still fanned out.
func NewRecorder(store scans.Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:          store,
		publisher:      events.NoopPublisher{},
		policy:         retry.DefaultPolicy(),
		publishTimeout: defaultPublishTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Project builds the history record for v.
func Project(v *Verdict, scanID string, at time.Time) *scans.Record {
	return &scans.Record{
		ScanID:         scanID,
		URL:            validation.SanitizeForStorage(v.URL, validation.MaxStoredURLLength),
		ThreatScore:    Round2(v.ThreatScore),
		ThreatLevel:    v.ThreatLevel,
		Confidence:     v.Confidence,
		Indicators:     append([]string(nil), v.Indicators...),
		Recommendation: v.Recommendation,
		SafeToVisit:    v.SafeToVisit,
		CreatedAt:      at.UTC(),
	}
}

// Record stores v and, once stored, broadcasts it and queues an event
// publish. The returned error is informational.
func (r *Recorder) Record(ctx context.Context, v *Verdict) (*scans.Record, error) {
	rec := Project(v, idgen.NewScanID(), r.now())
	ctx = logging.WithScanID(ctx, rec.ScanID)

	if r.store != nil {
		err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
			err := r.store.Insert(ctx, rec)
			if errors.Is(err, scans.ErrDuplicate) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			metrics.StoreErrorsTotal.WithLabelValues("insert").Inc()
			logging.L(ctx).Warn("scan history write failed", "error", err)
			return nil, err
		}
	}

	if r.feed != nil {
		r.feed.BroadcastScan(rec)
	}
	r.publish(ctx, rec)
	return rec, nil
}

// publish runs detached from the request so a slow broker never delays the
// response. Close waits for in-flight publishes.
func (r *Recorder) publish(ctx context.Context, rec *scans.Record) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.publishTimeout)
		defer cancel()

		err := retry.Do(pctx, r.policy, func(ctx context.Context) error {
			return r.publisher.Publish(ctx, rec)
		})
		if err != nil {
			logging.L(pctx).Warn("scan event publish failed", "error", err)
		}
	}()
}

// Close waits for pending publishes and closes the publisher.
func (r *Recorder) Close() {
	r.wg.Wait()
	r.publisher.Close()
}

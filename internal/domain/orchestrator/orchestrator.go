// Package orchestrator drives usage events through validation, admission,
// metering and billing, recording every stage in the audit log.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/okian/meterline/internal/domain/dedupe"
	"github.com/okian/meterline/internal/domain/failure"
	"github.com/okian/meterline/internal/domain/model"
	"github.com/okian/meterline/internal/domain/ports"
	"github.com/okian/meterline/pkg/logger"
	"github.com/okian/meterline/pkg/metrics"
)

// Validator checks and decodes raw event payloads.
type Validator interface {
	Validate(raw []byte, now time.Time) (model.Event, error)
	Parse(raw []byte) (model.Event, error)
}

// Auditor appends stage outcomes to the audit log.
type Auditor interface {
	Record(ctx context.Context, eventID string, attempt int, stage model.Stage, outcome model.Outcome, detail string) error
}

// Scheduler plans delayed work.
type Scheduler interface {
	Schedule(eventID string, resume model.Stage, attempt int) (time.Time, error)
	Defer(eventID string, at time.Time, source model.JobSource)
}

// Enqueuer hands jobs to workers without blocking.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.Job) error
}

// Deps are the collaborators an Orchestrator needs.
type Deps struct {
	Validator Validator
	Store     dedupe.Store
	Audit     Auditor
	Metering  ports.MeteringPort
	Billing   ports.BillingPort
	Scheduler Scheduler
	Queue     Enqueuer
}

// Outcome is the ingress-facing answer to Submit.
type Outcome int

const (
	// Accepted means the event was admitted and queued for processing.
	Accepted Outcome = iota + 1
	// Skipped means the event already reached a terminal status.
	Skipped
	// InFlight means another attempt is processing the event.
	InFlight
	// Rejected means the event failed validation.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Skipped:
		return "duplicate"
	case InFlight:
		return "in_flight"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result describes what Submit did with an event.
type Result struct {
	Outcome Outcome
	EventID string
	// Status is the terminal status for Skipped events.
	Status model.Status
	// Invalid is set for Rejected events.
	Invalid *failure.InvalidEventError
}

// Orchestrator owns the per-event state machine.
type Orchestrator struct {
	validator Validator
	store     dedupe.Store
	audit     Auditor
	meter     ports.MeteringPort
	bill      ports.BillingPort
	sched     Scheduler
	queue     Enqueuer

	log           logger.Logger
	alerter       Alerter
	tracer        trace.Tracer
	now           func() time.Time
	jitter        func(time.Duration) time.Duration
	inflightDelay time.Duration
	portTimeout   time.Duration
	sweepBatch    int

	stats counters
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Validator == nil || deps.Store == nil || deps.Audit == nil ||
		deps.Metering == nil || deps.Billing == nil || deps.Scheduler == nil || deps.Queue == nil {
		return nil, errors.New("orchestrator: missing dependency")
	}
	o := &Orchestrator{
		validator:     deps.Validator,
		store:         deps.Store,
		audit:         deps.Audit,
		meter:         deps.Metering,
		bill:          deps.Billing,
		sched:         deps.Scheduler,
		queue:         deps.Queue,
		log:           logger.Get(),
		tracer:        otel.Tracer("meterline/orchestrator"),
		now:           time.Now,
		jitter:        uniformJitter,
		inflightDelay: DefaultInflightDelay,
		portTimeout:   DefaultPortTimeout,
		sweepBatch:    DefaultSweepBatch,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Named("orchestrator")
	if o.alerter == nil {
		o.alerter = NewLogAlerter(o.log)
	}
	return o, nil
}

// Stats returns a snapshot of the counters.
func (o *Orchestrator) Stats() Stats { return o.stats.snapshot() }

// Submit validates and admits one raw event. A returned error means the
// pipeline could not take a decision and the caller should retry later.
func (o *Orchestrator) Submit(ctx context.Context, raw []byte) (Result, error) {
	o.stats.received.Add(1)
	metrics.RecordEventReceived()

	ctx, span := o.tracer.Start(ctx, "orchestrator.submit")
	defer span.End()

	evt, err := o.validator.Validate(raw, o.now())
	if err != nil {
		return o.reject(ctx, raw, err)
	}
	span.SetAttributes(attribute.String("event_id", evt.EventID))

	adm, err := o.store.Begin(ctx, dedupe.BeginRequest{EventID: evt.EventID, Payload: evt.RawPayload})
	if err != nil {
		metrics.RecordErrorByComponent("orchestrator", "begin")
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("admit %s: %w", evt.EventID, err)
	}

	switch adm.Decision {
	case dedupe.AlreadyTerminal:
		if err := o.audit.Record(ctx, evt.EventID, adm.Record.AttemptCount, model.StageDedup, model.OutcomeOK, "duplicate"); err != nil {
			return Result{}, err
		}
		o.stats.duplicates.Add(1)
		metrics.RecordEventDuplicate()
		return Result{Outcome: Skipped, EventID: evt.EventID, Status: adm.Record.Status}, nil
	case dedupe.AlreadyInFlight:
		o.stats.inFlight.Add(1)
		metrics.RecordEventInFlight()
		return Result{Outcome: InFlight, EventID: evt.EventID}, nil
	}

	lease := adm.Lease
	if adm.Inserted {
		if err := o.recordAdmission(ctx, lease); err != nil {
			o.park(ctx, lease, "audit unavailable")
			return Result{}, err
		}
	}

	job := model.Job{EventID: evt.EventID, Lease: lease, Stage: adm.Record.Stage, Source: model.SourceIngress}
	if err := o.queue.Enqueue(ctx, job); err != nil {
		o.log.Warn(ctx, "enqueue refused, deferring event",
			logger.String("event_id", evt.EventID),
			logger.Error(err),
		)
		o.park(ctx, lease, err.Error())
	}
	o.stats.accepted.Add(1)
	metrics.RecordEventAccepted()
	return Result{Outcome: Accepted, EventID: evt.EventID}, nil
}

func (o *Orchestrator) recordAdmission(ctx context.Context, lease model.Lease) error {
	if err := o.audit.Record(ctx, lease.EventID, lease.Attempt, model.StageValidate, model.OutcomeOK, ""); err != nil {
		return err
	}
	return o.audit.Record(ctx, lease.EventID, lease.Attempt, model.StageDedup, model.OutcomeOK, "admitted")
}

func (o *Orchestrator) reject(ctx context.Context, raw []byte, err error) (Result, error) {
	var invalid *failure.InvalidEventError
	if !errors.As(err, &invalid) {
		invalid = failure.Invalid("body", err.Error())
	}
	eventID := probeEventID(raw)
	if aerr := o.audit.Record(ctx, eventID, 0, model.StageValidate, model.OutcomePermanentError, invalid.Error()); aerr != nil {
		return Result{}, aerr
	}
	o.stats.invalid.Add(1)
	metrics.RecordEventInvalid(invalid.Field)
	o.log.Debug(ctx, "event rejected",
		logger.String("event_id", eventID),
		logger.String("field", invalid.Field),
		logger.String("reason", invalid.Reason),
	)
	return Result{Outcome: Rejected, EventID: eventID, Invalid: invalid}, nil
}

// probeEventID pulls event_id out of a payload that failed validation, if
// there is one to find.
func probeEventID(raw []byte) string {
	var probe struct {
		EventID any `json:"event_id"`
	}
	if json.Unmarshal(raw, &probe) != nil {
		return ""
	}
	id, _ := probe.EventID.(string)
	return id
}

// park releases an admitted lease that never reached a port and asks the
// scheduler to pick the event up again shortly. The attempt is not counted.
func (o *Orchestrator) park(ctx context.Context, lease model.Lease, reason string) {
	at := o.now().Add(o.inflightDelay)
	if err := o.store.Park(ctx, lease, at, reason); err != nil {
		o.log.Error(ctx, "failed to release lease",
			logger.String("event_id", lease.EventID),
			logger.Error(err),
		)
	}
	o.sched.Defer(lease.EventID, at, model.SourceDeferred)
}

// Process drives one job forward from the stage stored on its record.
// Jobs without a lease acquire one first.
func (o *Orchestrator) Process(ctx context.Context, job model.Job) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.process", trace.WithAttributes(
		attribute.String("event_id", job.EventID),
		attribute.String("source", string(job.Source)),
	))
	defer span.End()

	lease := job.Lease
	if lease.Owner == "" {
		adm, err := o.store.Begin(ctx, dedupe.BeginRequest{EventID: job.EventID})
		switch {
		case errors.Is(err, dedupe.ErrNotFound):
			o.log.Warn(ctx, "dropping job for unknown event", logger.String("event_id", job.EventID))
			return nil
		case err != nil:
			o.sched.Defer(job.EventID, o.now().Add(o.inflightDelay), job.Source)
			metrics.RecordErrorByComponent("orchestrator", "begin")
			return fmt.Errorf("reacquire %s: %w", job.EventID, err)
		}
		switch adm.Decision {
		case dedupe.AlreadyTerminal:
			o.log.Debug(ctx, "event already terminal", logger.String("event_id", job.EventID))
			return nil
		case dedupe.AlreadyInFlight:
			at := adm.RetryAt
			if at.IsZero() {
				at = o.now().Add(o.inflightDelay + o.jitter(o.inflightDelay))
			}
			o.sched.Defer(job.EventID, at, model.SourceDeferred)
			return nil
		}
		lease = adm.Lease
	}
	span.SetAttributes(attribute.Int("attempt", lease.Attempt))

	rec, err := o.store.Get(ctx, job.EventID)
	if err != nil {
		return o.storeFailure(ctx, lease, "get", err, false)
	}
	if rec.Status.Terminal() || rec.LeaseOwner != lease.Owner {
		o.log.Debug(ctx, "lease no longer held", logger.String("event_id", job.EventID))
		return nil
	}

	err = o.run(ctx, lease, rec)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) run(ctx context.Context, lease model.Lease, rec model.IdempotencyRecord) error {
	evt, err := o.validator.Parse(rec.Payload)
	if err != nil {
		return o.fail(ctx, lease, model.StageValidate, rec.Stage, failure.Permanent("decode payload", err))
	}

	stage := rec.Stage
	if stage == model.StageMeter {
		renewed, err := o.store.Checkpoint(ctx, lease, model.StageMeter)
		if err != nil {
			return o.storeFailure(ctx, lease, "checkpoint", err, false)
		}
		lease = renewed
		if err := o.applyMeter(ctx, evt); err != nil {
			return o.fail(ctx, lease, model.StageMeter, model.StageMeter, err)
		}
		detail := fmt.Sprintf("applied %d metrics", len(evt.Quantities))
		if err := o.audit.Record(ctx, lease.EventID, lease.Attempt, model.StageMeter, model.OutcomeOK, detail); err != nil {
			return o.fail(ctx, lease, model.StageMeter, model.StageMeter, failure.Transient("audit", err))
		}
	}

	renewed, err := o.store.Checkpoint(ctx, lease, model.StageBill)
	if err != nil {
		return o.storeFailure(ctx, lease, "checkpoint", err, stage == model.StageMeter)
	}
	lease = renewed
	if err := o.applyBill(ctx, evt); err != nil {
		return o.fail(ctx, lease, model.StageBill, model.StageBill, err)
	}
	if err := o.audit.Record(ctx, lease.EventID, lease.Attempt, model.StageBill, model.OutcomeOK, "posted"); err != nil {
		return o.fail(ctx, lease, model.StageBill, model.StageBill, failure.Transient("audit", err))
	}

	if err := o.complete(ctx, lease, dedupe.Result{Status: model.StatusSucceeded, Summary: "metered and billed"}); err != nil {
		return err
	}
	o.log.Debug(ctx, "event processed",
		logger.String("event_id", lease.EventID),
		logger.Int("attempt", lease.Attempt),
	)
	return nil
}

func (o *Orchestrator) applyMeter(ctx context.Context, evt model.Event) error {
	for _, update := range evt.MeterUpdates() {
		err := o.callPort(ctx, "metering", evt.EventID, func(ctx context.Context) error {
			return o.meter.Apply(ctx, update)
		})
		if err != nil {
			return fmt.Errorf("meter %s: %w", update.MetricName, err)
		}
	}
	return nil
}

func (o *Orchestrator) applyBill(ctx context.Context, evt model.Event) error {
	tx := evt.BillingTransaction()
	return o.callPort(ctx, "billing", evt.EventID, func(ctx context.Context) error {
		return o.bill.Apply(ctx, tx)
	})
}

// callPort runs one port call under the port timeout.
func (o *Orchestrator) callPort(ctx context.Context, port, eventID string, call func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.portTimeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, port+".apply", trace.WithAttributes(attribute.String("event_id", eventID)))
	defer span.End()

	start := time.Now()
	err := call(ctx)
	result := "ok"
	switch {
	case err == nil:
	case failure.IsPermanent(err):
		result = "permanent"
	default:
		result = "transient"
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, failure.ErrTransient) {
			err = failure.Transient(port, err)
		}
	}
	metrics.RecordPortLatency(port, result, float64(time.Since(start).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	return err
}

// fail classifies a stage failure. Permanent failures finalize the record;
// transient ones are retried until the attempt budget is spent.
func (o *Orchestrator) fail(ctx context.Context, lease model.Lease, stage, resume model.Stage, cause error) error {
	if failure.IsPermanent(cause) {
		if err := o.audit.Record(ctx, lease.EventID, lease.Attempt, stage, model.OutcomePermanentError, cause.Error()); err != nil {
			return o.retry(ctx, lease, stage, resume, failure.Transient("audit", err))
		}
		return o.finishFailed(ctx, lease, ReasonPermanentFailure, cause)
	}
	return o.retry(ctx, lease, stage, resume, cause)
}

func (o *Orchestrator) retry(ctx context.Context, lease model.Lease, stage, resume model.Stage, cause error) error {
	lastError := cause.Error()
	if err := o.audit.Record(ctx, lease.EventID, lease.Attempt, stage, model.OutcomeTransientError, lastError); err != nil {
		o.log.Error(ctx, "failed to audit transient failure",
			logger.String("event_id", lease.EventID),
			logger.Error(err),
		)
		lastError += "; " + failure.Transient("audit", err).Error()
	}

	if resume != model.StageBill {
		resume = model.StageMeter
	}
	at, err := o.sched.Schedule(lease.EventID, resume, lease.Attempt)
	if errors.Is(err, failure.ErrRetriesExhausted) {
		exhausted := &failure.RetriesExhaustedError{Attempts: lease.Attempt, Last: cause}
		if aerr := o.audit.Record(ctx, lease.EventID, lease.Attempt, stage, model.OutcomePermanentError, exhausted.Error()); aerr != nil {
			if cerr := o.finishFailed(ctx, lease, ReasonAuditUnavailable, exhausted); cerr != nil {
				return cerr
			}
			return aerr
		}
		return o.finishFailed(ctx, lease, ReasonRetriesExhausted, exhausted)
	}
	if err != nil {
		return o.storeFailure(ctx, lease, "schedule", err, true)
	}

	o.stats.retries.Add(1)
	o.log.Info(ctx, "retry scheduled",
		logger.String("event_id", lease.EventID),
		logger.String("stage", string(resume)),
		logger.Int("attempt", lease.Attempt),
		logger.Time("retry_at", at),
		logger.Error(cause),
	)
	if err := o.store.Release(ctx, lease, at, lastError); err != nil {
		return o.storeFailure(ctx, lease, "release", err, true)
	}
	return nil
}

func (o *Orchestrator) finishFailed(ctx context.Context, lease model.Lease, reason string, cause error) error {
	if err := o.complete(ctx, lease, dedupe.Result{Status: model.StatusFailed, Summary: cause.Error()}); err != nil {
		return err
	}
	o.alerter.Alert(ctx, Alert{EventID: lease.EventID, Reason: reason, Attempts: lease.Attempt, Err: cause})
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, lease model.Lease, res dedupe.Result) error {
	err := o.store.Complete(ctx, lease.EventID, res)
	if errors.Is(err, dedupe.ErrConflict) {
		o.alerter.Alert(ctx, Alert{
			EventID:  lease.EventID,
			Reason:   ReasonOutcomeConflict,
			Attempts: lease.Attempt,
			Err:      fmt.Errorf("completing as %s: %w", res.Status, err),
		})
		return nil
	}
	if err != nil {
		return o.storeFailure(ctx, lease, "complete", err, true)
	}
	if res.Status == model.StatusSucceeded {
		o.stats.succeeded.Add(1)
	} else {
		o.stats.failed.Add(1)
	}
	metrics.RecordTerminal(string(res.Status))
	return nil
}

// storeFailure abandons attempts whose lease was taken over and re-checks
// the event after the lease expires for every other store error. An attempt
// that never reached a port is parked when the store still answers.
func (o *Orchestrator) storeFailure(ctx context.Context, lease model.Lease, op string, err error, spent bool) error {
	if errors.Is(err, dedupe.ErrLeaseLost) {
		o.log.Warn(ctx, "lease lost, abandoning attempt",
			logger.String("event_id", lease.EventID),
			logger.Int("attempt", lease.Attempt),
		)
		return nil
	}
	metrics.RecordErrorByComponent("orchestrator", op)
	at := o.now().Add(o.inflightDelay)
	if spent || o.store.Park(ctx, lease, at, fmt.Sprintf("%s: %v", op, err)) != nil {
		at = later(lease.ExpiresAt, at)
	}
	o.sched.Defer(lease.EventID, at, model.SourceDeferred)
	return fmt.Errorf("%s %s: %w", op, lease.EventID, err)
}

// Recover reschedules pending records whose lease expired or whose retry is
// due. It returns how many were picked up.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	now := o.now()
	recs, err := o.store.ListResumable(ctx, now, o.sweepBatch)
	if err != nil {
		metrics.RecordErrorByComponent("orchestrator", "sweep")
		return 0, fmt.Errorf("list resumable: %w", err)
	}
	for _, rec := range recs {
		o.sched.Defer(rec.EventID, now, model.SourceRecovery)
	}
	o.stats.recovered.Add(int64(len(recs)))
	metrics.RecordSweep(len(recs))
	if len(recs) > 0 {
		o.log.Info(ctx, "recovery sweep rescheduled events", logger.Int("count", len(recs)))
	}
	return len(recs), nil
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func uniformJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

package model

// JobSource tells a worker why a job was queued.
type JobSource string

const (
	SourceIngress  JobSource = "ingress"
	SourceRetry    JobSource = "retry"
	SourceRecovery JobSource = "recovery"
	SourceDeferred JobSource = "deferred"
)

// Job asks a worker to drive one event forward. A zero Lease means the worker
// must acquire one through the idempotency store first.
type Job struct {
	EventID string
	Lease   Lease
	Stage   Stage
	Source  JobSource
}

// Internal reports whether the job was produced by the pipeline itself
// rather than by an ingress delivery.
func (j Job) Internal() bool { return j.Source != SourceIngress }

// Package ports declares the downstream services the orchestrator drives.
//
// Implementations must be idempotent on the dedup key and must classify
// failures with failure.Transient or failure.Permanent. Unclassified errors
// are treated as transient.
package ports

import (
	"context"

	"github.com/okian/meterline/internal/domain/model"
)

// MeteringPort applies one metric increment to the metering service.
type MeteringPort interface {
	Apply(ctx context.Context, update model.MeterUpdate) error
}

// BillingPort posts one transaction to the billing ledger.
type BillingPort interface {
	Apply(ctx context.Context, tx model.BillingTransaction) error
}

// MeteringFunc adapts a function to MeteringPort.
type MeteringFunc func(ctx context.Context, update model.MeterUpdate) error

// Apply calls f.
func (f MeteringFunc) Apply(ctx context.Context, update model.MeterUpdate) error {
	return f(ctx, update)
}

// BillingFunc adapts a function to BillingPort.
type BillingFunc func(ctx context.Context, tx model.BillingTransaction) error

// Apply calls f.
func (f BillingFunc) Apply(ctx context.Context, tx model.BillingTransaction) error { return f(ctx, tx) }

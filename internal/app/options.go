package service

import (
	"github.com/okian/meterline/internal/adapters/archive"
	"github.com/okian/meterline/internal/domain/orchestrator"
	"github.com/okian/meterline/internal/domain/ports"
	"github.com/okian/meterline/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMeteringPort overrides the metering adapter chosen from config.
func WithMeteringPort(p ports.MeteringPort) Option {
	return func(s *Service) {
		s.metering = p
	}
}

// WithBillingPort overrides the billing adapter chosen from config.
func WithBillingPort(p ports.BillingPort) Option {
	return func(s *Service) {
		s.billing = p
	}
}

// WithAlerter overrides the default log-based alerter.
func WithAlerter(a orchestrator.Alerter) Option {
	return func(s *Service) {
		s.alerter = a
	}
}

// WithObjectPutter replaces the S3 client used for archival.
func WithObjectPutter(p archive.ObjectPutter) Option {
	return func(s *Service) {
		s.putter = p
	}
}

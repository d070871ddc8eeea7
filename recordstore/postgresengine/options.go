package postgresengine

import (
	"errors"

	"github.com/recordstreams/recordstore-go/recordstore"
)

var ErrNilOptionValue = errors.New("option value must not be nil")

// Option configures optional session behavior.
type Option func(*Session) error

// WithLogger configures a basic logger for query debugging.
func WithLogger(logger recordstore.Logger) Option {
	return func(s *Session) error {
		if logger == nil {
			return errors.Join(ErrNilOptionValue, errors.New("logger"))
		}

		s.logger = logger

		return nil
	}
}

// WithContextualLogger configures a context-aware logger for query debugging.
// When both logger types are supplied the contextual logger wins.
func WithContextualLogger(logger recordstore.ContextualLogger) Option {
	return func(s *Session) error {
		if logger == nil {
			return errors.Join(ErrNilOptionValue, errors.New("contextual logger"))
		}

		s.contextualLogger = logger

		return nil
	}
}

// WithMetrics configures a metrics collector for query timing.
func WithMetrics(collector recordstore.MetricsCollector) Option {
	return func(s *Session) error {
		if collector == nil {
			return errors.Join(ErrNilOptionValue, errors.New("metrics collector"))
		}

		s.metricsCollector = collector

		return nil
	}
}

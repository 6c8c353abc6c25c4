package audit

import (
	"context"
	"sync"
)

// MultiLogger fans each event out to several loggers, e.g. database
// plus file. Search delegates to the first logger.
type MultiLogger struct {
	loggers []Logger
	async   bool
	wg      sync.WaitGroup
	errChan chan error
}

// NewMultiLogger creates a multi-logger writing to every destination
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{
		loggers: loggers,
		async:   true,
		errChan: make(chan error, len(loggers)),
	}
}

// SetAsync sets whether recording is asynchronous
func (m *MultiLogger) SetAsync(async bool) {
	m.async = async
}

// Record writes the event to all configured loggers
func (m *MultiLogger) Record(ctx context.Context, event *Event) error {
	if len(m.loggers) == 0 {
		return nil
	}

	if m.async {
		return m.recordAsync(ctx, event)
	}

	return m.recordSync(ctx, event)
}

// recordSync writes synchronously. One logger's failure never skips
// the others.
func (m *MultiLogger) recordSync(ctx context.Context, event *Event) error {
	var firstErr error

	for _, logger := range m.loggers {
		if err := logger.Record(ctx, event); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

func (m *MultiLogger) recordAsync(ctx context.Context, event *Event) error {
	for _, logger := range m.loggers {
		m.wg.Add(1)
		go func(l Logger) {
			defer m.wg.Done()
			if err := l.Record(ctx, event); err != nil {
				select {
				case m.errChan <- err:
				default:
					// Channel full, drop error
				}
			}
		}(logger)
	}

	return nil
}

// Search queries the primary (first) logger
func (m *MultiLogger) Search(ctx context.Context, filter Filter) ([]*Event, error) {
	if len(m.loggers) == 0 {
		return nil, nil
	}
	return m.loggers[0].Search(ctx, filter)
}

// Errors drains async recording errors without blocking
func (m *MultiLogger) Errors() []error {
	var errs []error
	for {
		select {
		case err := <-m.errChan:
			errs = append(errs, err)
		default:
			return errs
		}
	}
}

// Close waits for in-flight async writes and closes every logger
func (m *MultiLogger) Close() error {
	m.wg.Wait()

	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

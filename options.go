package vestring

import (
	"io"
	"log/slog"
	"time"
)

// options configures the Ledger behavior (internal only).
type options struct {
	clock           func() uint64
	custody         string
	eventBufferSize int
	sinks           []EventSink
	logger          *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		clock:           func() uint64 { return uint64(time.Now().Unix()) },
		eventBufferSize: 1024,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring a Ledger.
type Option func(*options)

// WithClock sets the logical clock used by every operation. The clock
// must be monotonically non-decreasing.
// DEFAULT: wall clock in unix seconds
func WithClock(clock func() uint64) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithCustodyAccount sets the account that holds locked tokens.
// DEFAULT: "custody:" + ledgerID
func WithCustodyAccount(account string) Option {
	return func(o *options) {
		o.custody = account
	}
}

// WithEventBuffer sets the size of the audit event buffer drained by
// the background dispatcher.
func WithEventBuffer(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.eventBufferSize = size
		}
	}
}

// WithEventSink registers a sink that receives every audit event.
func WithEventSink(sink EventSink) Option {
	return func(o *options) {
		if sink != nil {
			o.sinks = append(o.sinks, sink)
		}
	}
}

// WithLogger sets the logger for the ledger.
// If the logger is nil, the ledger will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}

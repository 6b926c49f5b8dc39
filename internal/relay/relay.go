package relay

import (
	"context"

	"go.uber.org/zap"
)

const defaultBufferSize = 64

// ChangeSink receives decoupled change signals, typically the session hub.
type ChangeSink interface {
	NotifyDocumentChanged(documentID string, latestVersion int64)
}

// Event is one "document changed, version=N" signal.
type Event struct {
	DocumentID    string
	LatestVersion int64
}

// Config describes relay dependencies.
type Config struct {
	Sink       ChangeSink
	Logger     *zap.Logger
	BufferSize int
}

// Relay decouples the structural write path from live sessions. Notify is
// fire-and-forget: delivery is at-most-once and a dropped signal only delays
// convergence, since clients poll the operation log independently.
type Relay struct {
	sink   ChangeSink
	logger *zap.Logger
	events chan Event
}

// NewRelay constructs the relay. Run must be started for delivery.
func NewRelay(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Relay{
		sink:   cfg.Sink,
		logger: logger,
		events: make(chan Event, bufferSize),
	}
}

// Notify enqueues a change signal without blocking the caller. Signals are
// dropped when the buffer is full.
func (r *Relay) Notify(documentID string, latestVersion int64) {
	if documentID == "" {
		return
	}
	select {
	case r.events <- Event{DocumentID: documentID, LatestVersion: latestVersion}:
	default:
		r.logger.Debug("relay buffer full, signal dropped",
			zap.String("document_id", documentID),
			zap.Int64("latest_version", latestVersion))
	}
}

// Run delivers queued signals to the sink until the context is cancelled.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case event := <-r.events:
			if r.sink != nil {
				r.sink.NotifyDocumentChanged(event.DocumentID, event.LatestVersion)
			}
		case <-ctx.Done():
			return
		}
	}
}

package h3conn

import "go.uber.org/zap"

// events emits the observability surface named in spec.md §6 as
// structured zap log records. A real deployment would fan these out to a
// telemetry sink too, but that sink is an external collaborator
// (spec.md §1); the core's job ends at logging them consistently.
type events struct {
	log *zap.Logger
	id  string
}

func newEvents(log *zap.Logger, connectionID string) *events {
	return &events{log: log.Named("http3"), id: connectionID}
}

func (e *events) connectionClosing() {
	e.log.Info("Http3ConnectionClosing", zap.String("connection_id", e.id))
}

func (e *events) connectionClosed(highestStreamID uint64) {
	e.log.Info("Http3ConnectionClosed",
		zap.String("connection_id", e.id),
		zap.Uint64("highest_stream_id", highestStreamID))
}

func (e *events) connectionError(err error) {
	e.log.Error("Http3ConnectionError",
		zap.String("connection_id", e.id),
		zap.Error(err))
}

func (e *events) requestProcessingError(err error) {
	e.log.Warn("RequestProcessingError",
		zap.String("connection_id", e.id),
		zap.Error(err))
}

func (e *events) requestQueuedStart(streamID int64) {
	e.log.Debug("RequestQueuedStart",
		zap.String("connection_id", e.id),
		zap.Int64("stream_id", streamID),
		zap.String("protocol", "HTTP/3"))
}

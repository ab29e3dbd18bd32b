package beep

import "sync/atomic"

// Metrics tracks per-process session-engine statistics. Sessions call
// Increment* as frames cross the wire; collectors read via Get*. Grounded
// on the teacher's metrics.go Metrics interface and atomic-counter
// implementation, with BEEP-shaped counters instead of blob/queue/table
// transaction counts.
type Metrics interface {
	IncrementFramesSent()
	IncrementFramesReceived()
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)
	IncrementChannelsOpened()
	IncrementChannelsClosed()
	IncrementProtocolErrors()

	GetFramesSent() int64
	GetFramesReceived() int64
	GetBytesSent() int64
	GetBytesReceived() int64
	GetChannelsOpened() int64
	GetChannelsClosed() int64
	GetProtocolErrors() int64
}

// DefaultMetrics implements Metrics with atomic counters.
type DefaultMetrics struct {
	framesSent      int64
	framesReceived  int64
	bytesSent       int64
	bytesReceived   int64
	channelsOpened  int64
	channelsClosed  int64
	protocolErrors  int64
}

// NewDefaultMetrics creates a zeroed DefaultMetrics.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementFramesSent()     { atomic.AddInt64(&m.framesSent, 1) }
func (m *DefaultMetrics) IncrementFramesReceived() { atomic.AddInt64(&m.framesReceived, 1) }
func (m *DefaultMetrics) IncrementBytesSent(n int64) {
	atomic.AddInt64(&m.bytesSent, n)
}
func (m *DefaultMetrics) IncrementBytesReceived(n int64) {
	atomic.AddInt64(&m.bytesReceived, n)
}
func (m *DefaultMetrics) IncrementChannelsOpened() { atomic.AddInt64(&m.channelsOpened, 1) }
func (m *DefaultMetrics) IncrementChannelsClosed() { atomic.AddInt64(&m.channelsClosed, 1) }
func (m *DefaultMetrics) IncrementProtocolErrors() { atomic.AddInt64(&m.protocolErrors, 1) }

func (m *DefaultMetrics) GetFramesSent() int64     { return atomic.LoadInt64(&m.framesSent) }
func (m *DefaultMetrics) GetFramesReceived() int64 { return atomic.LoadInt64(&m.framesReceived) }
func (m *DefaultMetrics) GetBytesSent() int64       { return atomic.LoadInt64(&m.bytesSent) }
func (m *DefaultMetrics) GetBytesReceived() int64   { return atomic.LoadInt64(&m.bytesReceived) }
func (m *DefaultMetrics) GetChannelsOpened() int64  { return atomic.LoadInt64(&m.channelsOpened) }
func (m *DefaultMetrics) GetChannelsClosed() int64  { return atomic.LoadInt64(&m.channelsClosed) }
func (m *DefaultMetrics) GetProtocolErrors() int64  { return atomic.LoadInt64(&m.protocolErrors) }

package beep

import "testing"

func TestDefaultMetricsCounters(t *testing.T) {
	m := NewDefaultMetrics()

	m.IncrementFramesSent()
	m.IncrementFramesSent()
	m.IncrementFramesReceived()
	m.IncrementBytesSent(100)
	m.IncrementBytesReceived(50)
	m.IncrementChannelsOpened()
	m.IncrementChannelsOpened()
	m.IncrementChannelsClosed()
	m.IncrementProtocolErrors()

	if got := m.GetFramesSent(); got != 2 {
		t.Fatalf("GetFramesSent = %d, want 2", got)
	}
	if got := m.GetFramesReceived(); got != 1 {
		t.Fatalf("GetFramesReceived = %d, want 1", got)
	}
	if got := m.GetBytesSent(); got != 100 {
		t.Fatalf("GetBytesSent = %d, want 100", got)
	}
	if got := m.GetBytesReceived(); got != 50 {
		t.Fatalf("GetBytesReceived = %d, want 50", got)
	}
	if got := m.GetChannelsOpened(); got != 2 {
		t.Fatalf("GetChannelsOpened = %d, want 2", got)
	}
	if got := m.GetChannelsClosed(); got != 1 {
		t.Fatalf("GetChannelsClosed = %d, want 1", got)
	}
	if got := m.GetProtocolErrors(); got != 1 {
		t.Fatalf("GetProtocolErrors = %d, want 1", got)
	}
}

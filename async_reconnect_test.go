package beep

import (
	"testing"
	"time"
)

func TestConnectAsyncDeliversSessionOnCallback(t *testing.T) {
	ctx := NewContext(WithSyncOpTimeout(2 * time.Second))
	ln, err := ctx.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		s, err := ln.Accept()
		if err == nil {
			defer s.Close()
		}
	}()

	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)
	ctx.ConnectAsync("tcp", ln.Addr().String(), func(s *Session, err error) {
		done <- result{s, err}
	})

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("ConnectAsync callback error: %v", res.err)
		}
		defer res.s.Close()
		if !res.s.IsOk(false) {
			t.Fatalf("expected the connected session to report ok")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("ConnectAsync callback never fired")
	}
}

func TestReconnectReestablishesChannelZero(t *testing.T) {
	ctx := NewContext(WithSyncOpTimeout(2 * time.Second))
	ln, err := ctx.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan *Session, 2)
	go func() {
		for i := 0; i < 2; i++ {
			s, err := ln.Accept()
			if err != nil {
				return
			}
			acceptCh <- s
		}
	}()

	client, err := ctx.Connect("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()
	first := <-acceptCh
	defer first.Close()

	var removedCount int
	client.OnChannelRemoved(func(_ *Session, _ *Channel) { removedCount++ })
	extra := &Channel{number: 5}
	if err := client.AddChannel(extra, false); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}

	if err := client.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	second := <-acceptCh
	defer second.Close()

	if removedCount != 2 {
		t.Fatalf("expected Reconnect to fire the channel-removed handler for channel 0 and the pre-existing extra channel, got %d", removedCount)
	}
	if !client.IsOk(false) {
		t.Fatalf("expected the session to be connected again after Reconnect")
	}
	if !client.ChannelExists(0) {
		t.Fatalf("expected channel 0 to exist after re-establishment")
	}
	if client.ChannelExists(5) {
		t.Fatalf("expected the pre-reconnect channel to be gone")
	}
}

func TestPackageLevelDialAndListen(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan *Session, 1)
	go func() {
		s, err := ln.Accept()
		if err == nil {
			acceptCh <- s
		}
	}()

	client, err := Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	server := <-acceptCh
	defer server.Close()

	if !client.IsOk(false) || !server.IsOk(false) {
		t.Fatalf("expected both sides connected after Dial/Listen/Accept")
	}
}

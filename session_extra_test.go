package beep

import "testing"

func TestSessionChannelLookupHelpers(t *testing.T) {
	ctx := NewContext()
	s := newSession(ctx, RoleInitiator)

	chA := &Channel{number: 1, profileURI: "http://example.com/a"}
	chB := &Channel{number: 3, profileURI: "http://example.com/b"}
	chC := &Channel{number: 5, profileURI: "http://example.com/a"}
	for _, ch := range []*Channel{chA, chB, chC} {
		if err := s.AddChannel(ch, false); err != nil {
			t.Fatalf("AddChannel(%d): %v", ch.number, err)
		}
	}

	if got := s.GetChannelByURI("http://example.com/a"); got != chA {
		t.Fatalf("GetChannelByURI returned %v, want channel 1 (first match)", got)
	}
	if got := s.GetChannelByFunc(func(ch *Channel) bool { return ch.number == 3 }); got != chB {
		t.Fatalf("GetChannelByFunc returned %v, want channel 3", got)
	}
	if n := s.GetChannelCount("http://example.com/a"); n != 2 {
		t.Fatalf("GetChannelCount = %d, want 2", n)
	}

	var visited []uint32
	s.ForeachChannel(func(ch *Channel) bool {
		visited = append(visited, ch.number)
		return true
	})
	if len(visited) != 3 {
		t.Fatalf("ForeachChannel visited %d channels, want 3", len(visited))
	}
}

func TestSessionRemoveChannelFiresHandlerAndDropsRef(t *testing.T) {
	ctx := NewContext()
	s := newSession(ctx, RoleInitiator)
	ch := &Channel{number: 7}
	if err := s.AddChannel(ch, false); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}

	var removed *Channel
	s.OnChannelRemoved(func(_ *Session, c *Channel) { removed = c })

	got, err := s.RemoveChannel(7, true)
	if err != nil {
		t.Fatalf("RemoveChannel: %v", err)
	}
	if got != ch {
		t.Fatalf("RemoveChannel returned a different channel")
	}
	if removed != ch {
		t.Fatalf("expected the channel-removed handler to fire with the removed channel")
	}
	if s.ChannelExists(7) {
		t.Fatalf("expected channel 7 gone from the table")
	}
	if ch.Session() != nil {
		t.Fatalf("expected unref to clear the channel's session back-pointer")
	}
}

func TestSessionChannelErrorStackIsLIFO(t *testing.T) {
	ctx := NewContext()
	s := newSession(ctx, RoleInitiator)

	if _, _, ok := s.PopChannelError(); ok {
		t.Fatalf("expected PopChannelError to report nothing on an empty stack")
	}

	s.PushChannelError(StatusError, "first")
	s.PushChannelError(StatusGreetingsFailure, "second")

	status, msg, ok := s.PopChannelError()
	if !ok || msg != "second" || status != StatusGreetingsFailure {
		t.Fatalf("PopChannelError = %v, %q, %v, want StatusGreetingsFailure, \"second\", true", status, msg, ok)
	}
	status, msg, ok = s.PopChannelError()
	if !ok || msg != "first" || status != StatusError {
		t.Fatalf("PopChannelError = %v, %q, %v, want StatusError, \"first\", true", status, msg, ok)
	}
	if _, _, ok := s.PopChannelError(); ok {
		t.Fatalf("expected the stack to be empty after draining both entries")
	}
}

func TestSessionProfileMaskFirstFilteredWins(t *testing.T) {
	ctx := NewContext()
	s := newSession(ctx, RoleInitiator)

	var ranSecond bool
	s.SetProfileMask(func(_ uint32, uri, _, _, _ string, _ *Frame, _ any) (bool, string) {
		if uri == "http://example.com/blocked" {
			return true, "blocked by policy"
		}
		return false, ""
	}, nil)
	s.SetProfileMask(func(_ uint32, _, _, _, _ string, _ *Frame, _ any) (bool, string) {
		ranSecond = true
		return false, ""
	}, nil)

	filtered, msg := s.IsProfileFiltered(1, "http://example.com/blocked", "", "", "", nil)
	if !filtered || msg != "blocked by policy" {
		t.Fatalf("IsProfileFiltered = %v, %q, want true, \"blocked by policy\"", filtered, msg)
	}
	if ranSecond {
		t.Fatalf("expected the second mask to be skipped once the first reports filtered")
	}

	ranSecond = false
	filtered, _ = s.IsProfileFiltered(1, "http://example.com/ok", "", "", "", nil)
	if filtered {
		t.Fatalf("expected an unfiltered profile to pass through every mask")
	}
	if !ranSecond {
		t.Fatalf("expected the second mask to run when the first does not filter")
	}
}

func TestSessionOnCloseFullAddRemove(t *testing.T) {
	ctx := NewContext()
	s := newSession(ctx, RoleInitiator)

	var fired []string
	first := func(_ *Session, data any) { fired = append(fired, data.(string)) }
	second := func(_ *Session, data any) { fired = append(fired, data.(string)) }

	s.SetOnCloseFull(first, "first", true)
	s.SetOnCloseFull(second, "second", true)
	s.RemoveOnCloseFull(first, "first")

	s.fireCloseHandlers()

	if len(fired) != 1 || fired[0] != "second" {
		t.Fatalf("fired = %v, want only [\"second\"] after removing the first handler", fired)
	}
}

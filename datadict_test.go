package beep

import "testing"

func TestDataDictSetOverwriteRunsOldDestructor(t *testing.T) {
	d := newDataDict()
	var freedOld bool
	d.Set("k", "first", func(any) { freedOld = true })
	d.Set("k", "second", nil)

	if !freedOld {
		t.Fatalf("expected overwrite to run the previous entry's destructor")
	}
	v, ok := d.Get("k")
	if !ok || v != "second" {
		t.Fatalf("Get = %v, %v, want \"second\", true", v, ok)
	}
}

func TestDataDictSetNilRemovesKey(t *testing.T) {
	d := newDataDict()
	d.Set("k", "v", nil)
	d.Set("k", nil, nil)
	if _, ok := d.Get("k"); ok {
		t.Fatalf("expected key removed after Set(key, nil, ...)")
	}
}

func TestDataDictDeleteRunsDestructor(t *testing.T) {
	d := newDataDict()
	var freed bool
	d.Set("k", 1, func(any) { freed = true })
	d.Delete("k")
	if !freed {
		t.Fatalf("expected Delete to run the destructor")
	}
	if _, ok := d.Get("k"); ok {
		t.Fatalf("expected key gone after Delete")
	}
}

func TestDataDictClearRunsEveryDestructor(t *testing.T) {
	d := newDataDict()
	count := 0
	d.Set("a", 1, func(any) { count++ })
	d.Set("b", 2, func(any) { count++ })
	d.Clear()
	if count != 2 {
		t.Fatalf("Clear ran %d destructors, want 2", count)
	}
	if _, ok := d.Get("a"); ok {
		t.Fatalf("expected dict empty after Clear")
	}
}

package registry

import "testing"

func TestRegisterRejectsSecondHandleForTenant(t *testing.T) {
	r := New()

	h, ok := r.Register("run-1", "acme")
	if !ok || h == nil {
		t.Fatalf("first register failed")
	}
	if _, ok := r.Register("run-2", "acme"); ok {
		t.Fatalf("second register for same tenant should fail")
	}

	r.Deregister("run-1")
	if _, ok := r.Register("run-2", "acme"); !ok {
		t.Fatalf("register after deregister should succeed")
	}
}

func TestCancelSignalsHandle(t *testing.T) {
	r := New()
	h, _ := r.Register("run-1", "acme")

	if h.Cancelled() {
		t.Fatalf("handle cancelled before Cancel")
	}
	if !r.Cancel("run-1") {
		t.Fatalf("cancel of registered run returned false")
	}
	if !h.Cancelled() {
		t.Fatalf("handle not cancelled after Cancel")
	}
	select {
	case <-h.Done():
	default:
		t.Fatalf("done channel not closed")
	}

	// Cancelling twice is safe, and unknown runs report false.
	if !r.Cancel("run-1") {
		t.Fatalf("second cancel returned false")
	}
	if r.Cancel("run-404") {
		t.Fatalf("cancel of unknown run returned true")
	}
}

func TestCloseCancelsEverythingAndRejectsRegistration(t *testing.T) {
	r := New()
	h1, _ := r.Register("run-1", "acme")
	h2, _ := r.Register("run-2", "globex")

	r.Close()

	if !h1.Cancelled() || !h2.Cancelled() {
		t.Fatalf("close did not cancel all handles")
	}
	if _, ok := r.Register("run-3", "initech"); ok {
		t.Fatalf("register after close should fail")
	}
	if r.Has("run-1") {
		t.Fatalf("closed registry still reports handles")
	}
}

package server

import "testing"

func TestTracerPid(t *testing.T) {
	status := []byte("Name:\tvibetunnel\nUmask:\t0022\nState:\tS (sleeping)\nTracerPid:\t4242\nUid:\t1000\n")
	if got := tracerPid(status); got != 4242 {
		t.Errorf("tracerPid = %d, want 4242", got)
	}

	untraced := []byte("Name:\tvibetunnel\nTracerPid:\t0\nUid:\t1000\n")
	if got := tracerPid(untraced); got != 0 {
		t.Errorf("tracerPid = %d, want 0", got)
	}

	if got := tracerPid([]byte("Name:\tvibetunnel\n")); got != 0 {
		t.Errorf("tracerPid without field = %d, want 0", got)
	}
	if got := tracerPid(nil); got != 0 {
		t.Errorf("tracerPid(nil) = %d, want 0", got)
	}
}

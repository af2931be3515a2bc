package ptyproc

import (
	"bytes"
	"testing"
	"time"
)

func collectOutput(t *testing.T, p *Process, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	var got bytes.Buffer
	for {
		select {
		case chunk, ok := <-p.Output():
			if !ok {
				t.Fatalf("output closed before seeing %q, got %q", want, got.String())
			}
			got.Write(chunk)
			if bytes.Contains(got.Bytes(), []byte(want)) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", want, got.String())
		}
	}
}

func TestStartAndEcho(t *testing.T) {
	p, err := Start(Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo hello-ptyproc"},
		Rows:    24,
		Cols:    80,
	}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	collectOutput(t, p, "hello-ptyproc", 3*time.Second)
}

func TestWriteIsEchoedBack(t *testing.T) {
	p, err := Start(Spec{Command: "/bin/cat", Rows: 24, Cols: 80}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	if _, err := p.WriteString("roundtrip\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	collectOutput(t, p, "roundtrip", 3*time.Second)
}

func TestResizeIsIdempotent(t *testing.T) {
	p, err := Start(Spec{Command: "/bin/cat", Rows: 24, Cols: 80}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	if err := p.Resize(40, 120); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := p.Resize(40, 120); err != nil {
		t.Fatalf("Resize (repeat): %v", err)
	}

	rows, cols := p.Size()
	if rows != 40 || cols != 120 {
		t.Fatalf("Size() = (%d, %d), want (40, 120)", rows, cols)
	}
}

func TestCloseReapsAndClosesOutput(t *testing.T) {
	p, err := Start(Spec{Command: "/bin/cat", Rows: 24, Cols: 80}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-p.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("Exited channel never closed")
	}

	if _, err := p.Write([]byte("x")); err == nil {
		t.Fatal("Write after Close: want error, got nil")
	}

	deadline := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, open = <-p.Output():
		case <-deadline:
			t.Fatal("Output channel never closed")
		}
	}
}

func TestCloseForceKillsUnresponsiveChild(t *testing.T) {
	p, err := Start(Spec{
		Command:    "/bin/sh",
		Args:       []string{"-c", "trap '' TERM; sleep 30"},
		Rows:       24,
		Cols:       80,
		CloseGrace: 200 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Close took too long: %v", elapsed)
	}
}

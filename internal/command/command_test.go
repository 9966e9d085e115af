package command

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestBusSubmitRoundTrip(t *testing.T) {
	bus := New(4)

	go func() {
		req := <-bus.Requests()
		if req.Command.Name != Pause {
			t.Errorf("expected pause, got %s", req.Command.Name)
		}
		req.Reply <- Response{Status: OK}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := bus.Submit(ctx, Command{Name: Pause})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Status != OK {
		t.Fatalf("expected OK, got %s", resp.Status)
	}
}

func TestBusSubmitContextCancelledWaitingForReply(t *testing.T) {
	bus := New(1)

	// Drain the request but never reply.
	go func() { <-bus.Requests() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := bus.Submit(ctx, Command{Name: Resume})
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestSocketServerRoundTrip(t *testing.T) {
	bus := New(4)
	sockPath := t.TempDir() + "/control.sock"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewSocketServer(bus, sockPath, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Serve(ctx)

	go func() {
		req := <-bus.Requests()
		if req.Command.Name != Flatten {
			t.Errorf("expected flatten, got %s", req.Command.Name)
		}
		req.Reply <- Response{Status: Refused, Reason: "already flattening"}
	}()

	// Give the listener a moment to bind.
	deadline := time.Now().Add(time.Second)
	var resp Response
	var err error
	for time.Now().Before(deadline) {
		cctx, ccancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		resp, err = SendCommand(cctx, sockPath, Command{Name: Flatten})
		ccancel()
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("send command: %v", err)
	}
	if resp.Status != Refused || resp.Reason != "already flattening" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

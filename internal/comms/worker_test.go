package comms

import (
	"context"
	"testing"
	"time"

	"github.com/quadswarm/onboard/internal/state"
)

func TestSender_ExitBeforeRunIsSafe(t *testing.T) {
	if err := NewSender("127.0.0.1:9", state.New(1)).Exit(); err != nil {
		t.Errorf("Expected nil from Exit before Run, got %v", err)
	}
}

func TestReceiver_ExitBeforeRunIsSafe(t *testing.T) {
	if err := NewReceiver("127.0.0.1:0", state.New(1)).Exit(); err != nil {
		t.Errorf("Expected nil from Exit before Run, got %v", err)
	}
}

func TestSender_ExitDuringRun(t *testing.T) {
	s := NewSender("127.0.0.1:9", state.New(1), WithSendInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, nil) }()

	// Exit races worker startup, as teardown does. Send failures after the
	// close are logged and tolerated; cancellation still wins.
	time.Sleep(10 * time.Millisecond)
	_ = s.Exit()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean exit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not exit")
	}
}

func TestReceiver_ExitUnblocksRead(t *testing.T) {
	r := NewReceiver("127.0.0.1:0", state.New(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, nil) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	_ = r.Exit()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean exit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not exit")
	}
}

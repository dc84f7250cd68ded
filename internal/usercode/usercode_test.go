package usercode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quadswarm/onboard/internal/state"
	"github.com/quadswarm/onboard/internal/supervisor"
)

type scriptedProgram struct {
	name string
	fly  func(ctx context.Context, store *state.Store) error
}

func (p scriptedProgram) Name() string { return p.name }
func (p scriptedProgram) Fly(ctx context.Context, store *state.Store) error {
	return p.fly(ctx, store)
}

func TestLookup(t *testing.T) {
	Register(scriptedProgram{name: "hover", fly: func(context.Context, *state.Store) error { return nil }})

	if _, err := Lookup("hover"); err != nil {
		t.Errorf("Expected registered program to resolve, got %v", err)
	}
	if _, err := Lookup("nope"); err == nil {
		t.Error("Expected unknown program to fail")
	}

	p, err := Lookup("none")
	if err != nil {
		t.Fatalf("Expected idle program, got %v", err)
	}
	if p.Name() != "none" {
		t.Errorf("Expected idle program name none, got %q", p.Name())
	}
}

func TestIdleProgramParksUntilCancelled(t *testing.T) {
	p, _ := Lookup("none")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := p.Fly(ctx, state.New(1)); err != nil {
		t.Errorf("Expected nil on cancellation, got %v", err)
	}
}

func TestWorker_PublishesProgramName(t *testing.T) {
	store := state.New(1)
	w := NewWorker(scriptedProgram{
		name: "waypoints",
		fly:  func(context.Context, *state.Store) error { return nil },
	}, store)

	if err := w.Run(context.Background(), make(chan supervisor.Report, 1)); err != nil {
		t.Fatalf("Expected clean run, got %v", err)
	}
	if store.UserCode() != "waypoints" {
		t.Errorf("Expected user code waypoints, got %q", store.UserCode())
	}
}

func TestWorker_WrapsProgramError(t *testing.T) {
	boom := errors.New("boom")
	w := NewWorker(scriptedProgram{
		name: "broken",
		fly:  func(context.Context, *state.Store) error { return boom },
	}, state.New(1))

	err := w.Run(context.Background(), make(chan supervisor.Report, 1))
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped program error, got %v", err)
	}
}

func TestWorker_RecoversProgramPanic(t *testing.T) {
	w := NewWorker(scriptedProgram{
		name: "panicky",
		fly:  func(context.Context, *state.Store) error { panic("lost the plot") },
	}, state.New(1))

	err := w.Run(context.Background(), make(chan supervisor.Report, 1))
	if err == nil {
		t.Fatal("Expected panic to surface as an error")
	}
}

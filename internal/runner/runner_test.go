package runner

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/petrf99/grfp-tech-utils/internal/timeutil"
)

func TestRun_SuccessFirstAttempt(t *testing.T) {
	builder := &MockCommandBuilder{
		Results: []MockCommandResult{{Output: []byte("ok\n")}},
	}

	out, err := Run(context.Background(), Options{Builder: builder, Clock: timeutil.NewMockClock(time.Now())}, "tailscale", "status")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != "ok\n" {
		t.Errorf("output = %q, want \"ok\\n\"", out)
	}
	if len(builder.Commands) != 1 {
		t.Fatalf("built %d commands, want 1", len(builder.Commands))
	}
	if builder.Commands[0].Name != "tailscale" || builder.Commands[0].Args[0] != "status" {
		t.Errorf("unexpected command: %+v", builder.Commands[0])
	}
}

func TestRun_RetriesUntilSuccess(t *testing.T) {
	builder := &MockCommandBuilder{
		Results: []MockCommandResult{
			{Err: errors.New("exit status 1")},
			{Err: errors.New("exit status 1")},
			{Output: []byte("done")},
		},
	}
	clock := timeutil.NewMockClock(time.Now())

	out, err := Run(context.Background(), Options{Builder: builder, Clock: clock}, "flaky")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != "done" {
		t.Errorf("output = %q, want \"done\"", out)
	}
	if got := len(clock.Sleeps()); got != 2 {
		t.Errorf("slept %d times between attempts, want 2", got)
	}
}

func TestRun_AllAttemptsFail(t *testing.T) {
	builder := &MockCommandBuilder{
		Results: []MockCommandResult{{Err: errors.New("exit status 1")}},
	}

	_, err := Run(context.Background(), Options{Retries: 2, Builder: builder, Clock: timeutil.NewMockClock(time.Now())}, "broken")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if len(builder.Commands) != 2 {
		t.Errorf("built %d commands, want 2", len(builder.Commands))
	}
}

func TestRun_SudoFallbackOnPermissionError(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("sudo fallback only applies on unix")
	}
	builder := &MockCommandBuilder{
		Results: []MockCommandResult{
			{Output: []byte("connect: permission denied"), Err: errors.New("exit status 1")},
			{Output: []byte("up ok")},
		},
	}

	out, err := Run(context.Background(), Options{SudoFallback: true, Builder: builder, Clock: timeutil.NewMockClock(time.Now())}, "tailscale", "up")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != "up ok" {
		t.Errorf("output = %q, want \"up ok\"", out)
	}
	if len(builder.Commands) != 2 {
		t.Fatalf("built %d commands, want 2", len(builder.Commands))
	}
	sudo := builder.Commands[1]
	if sudo.Name != "sudo" || sudo.Args[0] != "tailscale" || sudo.Args[1] != "up" {
		t.Errorf("sudo retry command = %+v, want sudo tailscale up", sudo)
	}
}

func TestRun_NoSudoFallbackForOrdinaryFailures(t *testing.T) {
	builder := &MockCommandBuilder{
		Results: []MockCommandResult{{Output: []byte("no such host"), Err: errors.New("exit status 1")}},
	}

	_, err := Run(context.Background(), Options{Retries: 1, SudoFallback: true, Builder: builder, Clock: timeutil.NewMockClock(time.Now())}, "tailscale", "up")
	if err == nil {
		t.Fatal("expected failure")
	}
	for _, cmd := range builder.Commands {
		if cmd.Name == "sudo" {
			t.Errorf("unexpected sudo retry: %+v", cmd)
		}
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	builder := &MockCommandBuilder{
		Results: []MockCommandResult{{Err: errors.New("exit status 1")}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, Options{Builder: builder, Clock: timeutil.NewMockClock(time.Now())}, "anything")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRun_RealBuilderEcho(t *testing.T) {
	out, err := Run(context.Background(), Options{Retries: 1}, "echo", "hello")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != "hello\n" {
		t.Errorf("output = %q, want \"hello\\n\"", out)
	}
}

package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestReadLogLines_StripsMultiplexHeader(t *testing.T) {
	frame := func(stream byte, msg string) string {
		n := len(msg)
		return string([]byte{stream, 0, 0, 0, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}) + msg
	}
	raw := frame(1, "listening on :8080\n") + frame(2, "warning: low memory\n") + "plain tty line\n"

	lines, err := readLogLines(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"listening on :8080", "warning: low memory", "plain tty line"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %q", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}

func TestShortDockerID(t *testing.T) {
	if got := shortDockerID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("expected 12 chars, got %q", got)
	}
	if got := shortDockerID("abc"); got != "abc" {
		t.Errorf("expected short id unchanged, got %q", got)
	}
	if got := containerDisplayName([]string{"/web-1"}); got != "web-1" {
		t.Errorf("expected leading slash trimmed, got %q", got)
	}
}

func TestRemoveNetwork_RejectsBuiltin(t *testing.T) {
	s := NewDockerService(zerolog.Nop())
	for _, name := range []string{"bridge", "host", "none"} {
		if err := s.RemoveNetwork(context.Background(), name); err == nil {
			t.Errorf("expected error removing %s", name)
		}
	}
}

func TestDockerService_List(t *testing.T) {
	s := NewDockerService(zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if !s.IsDockerAvailable(ctx) {
		t.Skip("Docker is not available, skipping test")
	}

	running, err := s.List(ctx, false)
	if err != nil {
		t.Fatalf("failed to list containers: %v", err)
	}
	all, err := s.List(ctx, true)
	if err != nil {
		t.Fatalf("failed to list all containers: %v", err)
	}
	if len(all) < len(running) {
		t.Errorf("all containers count (%d) should be >= running containers count (%d)", len(all), len(running))
	}
}

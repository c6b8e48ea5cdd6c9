package security

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tradegate/accesscore/internal/clock"
)

func TestAuditor_ForwardsToSink(t *testing.T) {
	sink := NewChannelSink(8)
	clk := clock.NewFake(time.Unix(1700000000, 0))
	a := NewAuditor(AuditorConfig{Enabled: true, Sink: sink}, clk)
	defer a.Close()

	a.LogRateLimitExceeded("user-1", ActionLogin, UserTypeStaff, "10.0.0.5", 4)

	select {
	case event := <-sink.Events():
		if event.Type != EventRateLimitExceeded {
			t.Errorf("Type = %q, want %q", event.Type, EventRateLimitExceeded)
		}
		if event.UserID != "user-1" {
			t.Errorf("UserID = %q, want %q", event.UserID, "user-1")
		}
		if event.Count != 4 {
			t.Errorf("Count = %d, want 4", event.Count)
		}
		if !event.Timestamp.Equal(clk.Now()) {
			t.Errorf("Timestamp = %v, want %v", event.Timestamp, clk.Now())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink delivery")
	}
}

func TestAuditor_HashesUserIDInLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	a := NewAuditor(AuditorConfig{Enabled: true, Logger: logger}, nil)

	a.LogSessionInvalidated("secret-user-id", "sess-1", ReasonLogout)

	out := buf.String()
	if strings.Contains(out, "secret-user-id") {
		t.Error("raw user ID leaked into the audit log")
	}
	if !strings.Contains(out, "user_id_hash=") {
		t.Error("audit log missing user_id_hash attribute")
	}
	if !strings.Contains(out, "security_audit") {
		t.Error("audit log missing security_audit message")
	}
}

func TestAuditor_DisabledIsSilent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sink := NewChannelSink(8)
	a := NewAuditor(AuditorConfig{Enabled: false, Logger: logger, Sink: sink}, nil)

	a.LogIPBlocked("203.0.113.7", "manual", 0)
	a.Close()

	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote to log: %s", buf.String())
	}
	select {
	case event := <-sink.Events():
		t.Errorf("disabled auditor delivered event %+v", event)
	default:
	}
}

func TestAuditor_DropsWhenBufferFull(t *testing.T) {
	// A sink that never consumes until released, so the dispatch goroutine
	// stalls on the first event and the buffer backs up.
	release := make(chan struct{})
	sink := &blockingSink{release: release}
	a := NewAuditor(AuditorConfig{
		Enabled:    true,
		Sink:       sink,
		BufferSize: 1,
		DropIfFull: true,
	}, nil)

	for i := 0; i < 20; i++ {
		a.LogIPUnblocked("203.0.113.7")
	}
	close(release)
	a.Close()

	if a.Dropped() == 0 {
		t.Error("Dropped = 0, want > 0 with a stalled sink")
	}
	if got := sink.count() + int(a.Dropped()); got != 20 {
		t.Errorf("delivered + dropped = %d, want 20", got)
	}
}

func TestAuditor_CloseDrainsBuffer(t *testing.T) {
	sink := &countingSink{}
	a := NewAuditor(AuditorConfig{Enabled: true, Sink: sink, BufferSize: 32}, nil)

	for i := 0; i < 10; i++ {
		a.LogSessionEvicted("user-1", "sess", UserTypeCustomer)
	}
	a.Close()

	if got := sink.count(); got != 10 {
		t.Errorf("delivered = %d after Close, want 10", got)
	}
	// Close is idempotent.
	a.Close()
}

func TestAuditor_NilReceiverSafe(t *testing.T) {
	var a *Auditor
	a.LogIPBlocked("203.0.113.7", "manual", 0)
	a.Close()
	if a.Dropped() != 0 {
		t.Error("Dropped on nil auditor should be 0")
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want %q", got, "<empty>")
	}
	h := hashForLogging("user-1")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h == "user-1" {
		t.Error("hash equals input")
	}
	if hashForLogging("user-1") != h {
		t.Error("hash is not deterministic")
	}
}

type countingSink struct {
	mu sync.Mutex
	n  int
}

func (s *countingSink) Emit(ctx context.Context, event Event) {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

type blockingSink struct {
	countingSink
	release <-chan struct{}
	once    sync.Once
}

func (s *blockingSink) Emit(ctx context.Context, event Event) {
	s.once.Do(func() { <-s.release })
	s.countingSink.Emit(ctx, event)
}

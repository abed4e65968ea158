package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type call struct {
	status     string
	zone       string
	verifyOnly bool
}

type fakeSender struct {
	mu    sync.Mutex
	fail  int // fail this many sends before succeeding
	calls []call
}

func (f *fakeSender) SendPresence(_ context.Context, status string) error {
	return f.record(call{status: status})
}

func (f *fakeSender) SendTimezone(_ context.Context, tz string, verifyOnly bool) error {
	return f.record(call{zone: tz, verifyOnly: verifyOnly})
}

func (f *fakeSender) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("socket closed")
	}
	f.calls = append(f.calls, c)
	return nil
}

func (f *fakeSender) wait(t *testing.T, n int) []call {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.calls) >= n {
			out := append([]call(nil), f.calls...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("sender never saw %d calls", n)
	return nil
}

func TestReporterOnlineThenAway(t *testing.T) {
	sender := &fakeSender{}
	var mu sync.Mutex
	last := time.Now()
	r := NewReporter(sender, nil, func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return last
	})
	r.interval = 2 * time.Millisecond
	r.idleAfter = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	calls := sender.wait(t, 1)
	if calls[0].status != StatusOnline {
		t.Fatalf("status = %q, want online while active", calls[0].status)
	}

	mu.Lock()
	last = time.Now().Add(-time.Minute)
	mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		calls = sender.wait(t, 1)
		if calls[len(calls)-1].status == StatusAway {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("reporter never switched to away after idle")
}

func TestTimezoneReporterVerifiesAfterFirstSuccess(t *testing.T) {
	sender := &fakeSender{}
	r := NewTimezoneReporter(sender, nil, "Europe/Amsterdam")
	r.initial = time.Millisecond
	r.interval = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	calls := sender.wait(t, 2)
	if calls[0].zone != "Europe/Amsterdam" || calls[0].verifyOnly {
		t.Fatalf("first report = %+v, want persisting report", calls[0])
	}
	if !calls[1].verifyOnly {
		t.Fatalf("second report = %+v, want verify-only", calls[1])
	}
}

func TestTimezoneReporterRetriesPersistAfterFailure(t *testing.T) {
	sender := &fakeSender{fail: 1}
	r := NewTimezoneReporter(sender, nil, "UTC")
	r.initial = time.Millisecond
	r.interval = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// The failed first attempt must not flip to verify-only: the zone was
	// never persisted server-side.
	calls := sender.wait(t, 1)
	if calls[0].verifyOnly {
		t.Fatalf("report = %+v, want persisting report after earlier failure", calls[0])
	}
}

func TestLocalZoneNonEmpty(t *testing.T) {
	if LocalZone() == "" {
		t.Fatal("LocalZone must always name something")
	}
}

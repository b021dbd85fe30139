package attendance

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harrylevesque/qrattend/internal/models"
)

type fakeLive struct {
	mu      sync.Mutex
	calls   int
	handler func(ctx context.Context, n int) (models.LiveSnapshot, error)
}

func (f *fakeLive) LiveAttendance(ctx context.Context, courseID int) (models.LiveSnapshot, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.handler(ctx, n)
}

func (f *fakeLive) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

var testToken = models.AttendanceToken{Token: "K7M2QX9PLA4R", CourseID: 42, ExpiresAt: time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)}

type observation struct {
	seq     uint64
	applied bool
}

// TestPresenterLastSequenceWins delivers the first poll's response after the
// second one; the display must keep the second.
func TestPresenterLastSequenceWins(t *testing.T) {
	release := make(chan struct{})
	live := &fakeLive{handler: func(ctx context.Context, n int) (models.LiveSnapshot, error) {
		if n == 1 {
			select {
			case <-release:
			case <-ctx.Done():
				return models.LiveSnapshot{}, ctx.Err()
			}
			return models.LiveSnapshot{PresentCount: 3, TotalEnrolled: 30}, nil
		}
		return models.LiveSnapshot{PresentCount: 5, TotalEnrolled: 30}, nil
	}}
	p := NewPresenter(live, PresenterConfig{PollInterval: time.Hour}, nil, nil)
	seen := make(chan observation, 8)
	p.observe = func(seq uint64, applied bool) { seen <- observation{seq, applied} }
	defer p.Close()

	p.Open(testToken)
	waitFor(t, "first poll in flight", func() bool { return live.Calls() == 1 })
	if err := p.Refresh(); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if o := <-seen; o.seq != 2 || !o.applied {
		t.Fatalf("second poll: got %+v, want seq 2 applied", o)
	}
	close(release)
	if o := <-seen; o.seq != 1 || o.applied {
		t.Fatalf("late first poll: got %+v, want seq 1 discarded", o)
	}
	if got := p.State().Display(); got != "5 / 30" {
		t.Fatalf("display = %q, want %q", got, "5 / 30")
	}
}

// TestPresenterNoPollAfterClose checks that Close stops the loop for good,
// even with a request still in flight when it is called.
func TestPresenterNoPollAfterClose(t *testing.T) {
	live := &fakeLive{handler: func(ctx context.Context, n int) (models.LiveSnapshot, error) {
		if n == 3 {
			<-ctx.Done()
			return models.LiveSnapshot{PresentCount: 99, TotalEnrolled: 30}, nil
		}
		return models.LiveSnapshot{PresentCount: n, TotalEnrolled: 30}, nil
	}}
	p := NewPresenter(live, PresenterConfig{PollInterval: 2 * time.Millisecond}, nil, nil)
	p.Open(testToken)
	waitFor(t, "several polls", func() bool { return live.Calls() >= 4 })

	p.Close()
	after := live.Calls()
	time.Sleep(30 * time.Millisecond)
	if got := live.Calls(); got != after {
		t.Fatalf("polls after Close: %d -> %d", after, got)
	}
	st := p.State()
	if st.Phase != PhaseClosed {
		t.Fatalf("phase = %s, want closed", st.Phase)
	}
	if st.Snapshot.PresentCount == 99 {
		t.Fatal("response of a cancelled poll was applied")
	}
	p.Close() // idempotent
	if err := p.Refresh(); !errors.Is(err, ErrNotDisplaying) {
		t.Fatalf("Refresh() after Close = %v, want ErrNotDisplaying", err)
	}
}

func TestPresenterCloseDiscardsToken(t *testing.T) {
	live := &fakeLive{handler: func(ctx context.Context, n int) (models.LiveSnapshot, error) {
		return models.LiveSnapshot{PresentCount: 4, TotalEnrolled: 30}, nil
	}}
	p := NewPresenter(live, PresenterConfig{PollInterval: time.Hour}, nil, nil)
	p.Open(testToken)
	waitFor(t, "first snapshot", func() bool { return p.State().HasSnapshot })
	states, cancel := p.Subscribe()
	defer cancel()
	<-states

	p.Close()
	st := p.State()
	if st.Phase != PhaseClosed || st.HasSnapshot || st.Token.Token != "" || st.Snapshot.PresentCount != 0 {
		t.Fatalf("state after Close = %+v", st)
	}
	if got := <-states; got.HasSnapshot || got.Token.Token != "" {
		t.Fatalf("subscribers saw %+v after Close", got)
	}
	if _, err := p.QRPayload(); !errors.Is(err, ErrNotDisplaying) {
		t.Fatalf("QRPayload() after Close = %v", err)
	}
}

// TestPresenterAbandonInsidePoll clears the display from within a poll, the
// way a 401 does, and checks polling stops without deadlocking.
func TestPresenterAbandonInsidePoll(t *testing.T) {
	var p *Presenter
	live := &fakeLive{handler: func(ctx context.Context, n int) (models.LiveSnapshot, error) {
		if n == 2 {
			p.Abandon()
			return models.LiveSnapshot{}, errors.New("401 Unauthorized")
		}
		return models.LiveSnapshot{PresentCount: n, TotalEnrolled: 30}, nil
	}}
	p = NewPresenter(live, PresenterConfig{PollInterval: 2 * time.Millisecond}, nil, nil)
	p.Open(testToken)
	waitFor(t, "display abandoned", func() bool { return p.State().Phase == PhaseClosed })

	time.Sleep(20 * time.Millisecond)
	after := live.Calls()
	time.Sleep(30 * time.Millisecond)
	if got := live.Calls(); got != after {
		t.Fatalf("polls after Abandon: %d -> %d", after, got)
	}
	if st := p.State(); st.HasSnapshot || st.Token.Token != "" {
		t.Fatalf("state after Abandon = %+v", st)
	}

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close() after Abandon did not return")
	}
}

// TestPresenterLateFailureIgnored delivers an error for an older poll after a
// newer one succeeded; it must not count towards the degraded state.
func TestPresenterLateFailureIgnored(t *testing.T) {
	release := make(chan struct{})
	live := &fakeLive{handler: func(ctx context.Context, n int) (models.LiveSnapshot, error) {
		if n == 1 {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return models.LiveSnapshot{}, errors.New("timeout")
		}
		return models.LiveSnapshot{PresentCount: 2, TotalEnrolled: 30}, nil
	}}
	p := NewPresenter(live, PresenterConfig{PollInterval: time.Hour, MaxPollFailures: 1}, nil, nil)
	seen := make(chan observation, 8)
	p.observe = func(seq uint64, applied bool) { seen <- observation{seq, applied} }
	defer p.Close()

	p.Open(testToken)
	waitFor(t, "first poll in flight", func() bool { return live.Calls() == 1 })
	if err := p.Refresh(); err != nil {
		t.Fatal(err)
	}
	if o := <-seen; o.seq != 2 || !o.applied {
		t.Fatalf("second poll: %+v", o)
	}
	close(release)
	<-seen
	if st := p.State(); st.Degraded || st.Display() != "2 / 30" {
		t.Fatalf("state after late failure = %+v", st)
	}
}

func TestPresenterOpenReplacesPrevious(t *testing.T) {
	live := &fakeLive{handler: func(ctx context.Context, n int) (models.LiveSnapshot, error) {
		if n > 1 {
			<-ctx.Done()
			return models.LiveSnapshot{}, ctx.Err()
		}
		return models.LiveSnapshot{PresentCount: 1, TotalEnrolled: 30}, nil
	}}
	p := NewPresenter(live, PresenterConfig{PollInterval: time.Hour}, nil, nil)
	defer p.Close()

	p.Open(testToken)
	waitFor(t, "first snapshot", func() bool { return p.State().HasSnapshot })

	next := testToken
	next.Token, next.CourseID = "SECOND", 7
	p.Open(next)
	st := p.State()
	if st.Token.Token != "SECOND" || st.Phase != PhaseDisplaying {
		t.Fatalf("state after reopen: %+v", st)
	}
	if st.HasSnapshot {
		t.Fatal("snapshot of the previous token carried over")
	}
}

func TestPresenterDegradedAfterRepeatedFailures(t *testing.T) {
	recovered := make(chan struct{})
	live := &fakeLive{handler: func(ctx context.Context, n int) (models.LiveSnapshot, error) {
		if n <= 3 {
			return models.LiveSnapshot{}, errors.New("connection refused")
		}
		select {
		case <-recovered:
		case <-ctx.Done():
			return models.LiveSnapshot{}, ctx.Err()
		}
		return models.LiveSnapshot{PresentCount: 2, TotalEnrolled: 30}, nil
	}}
	p := NewPresenter(live, PresenterConfig{PollInterval: 2 * time.Millisecond, MaxPollFailures: 3}, nil, nil)
	defer p.Close()

	p.Open(testToken)
	waitFor(t, "degraded flag", func() bool { return p.State().Degraded })
	waitFor(t, "polling to continue", func() bool { return live.Calls() > 4 })
	if p.State().HasSnapshot {
		t.Fatal("failed polls must not update the snapshot")
	}
	close(recovered)
	waitFor(t, "recovery", func() bool {
		st := p.State()
		return !st.Degraded && st.HasSnapshot
	})
}

func TestPresenterSubscribe(t *testing.T) {
	live := &fakeLive{handler: func(ctx context.Context, n int) (models.LiveSnapshot, error) {
		return models.LiveSnapshot{PresentCount: 3, TotalEnrolled: 30, RecentAttendees: []models.Attendee{{Name: "Student 03"}}}, nil
	}}
	p := NewPresenter(live, PresenterConfig{PollInterval: time.Hour}, nil, nil)
	defer p.Close()
	ch, cancel := p.Subscribe()
	defer cancel()

	p.Open(testToken)
	deadline := time.After(3 * time.Second)
	for {
		select {
		case st := <-ch:
			if st.HasSnapshot {
				if st.Display() != "3 / 30" || st.Snapshot.RecentAttendees[0].Name != "Student 03" {
					t.Fatalf("unexpected state %+v", st)
				}
				return
			}
		case <-deadline:
			t.Fatal("no snapshot published")
		}
	}
}

func TestPresenterQR(t *testing.T) {
	live := &fakeLive{handler: func(ctx context.Context, n int) (models.LiveSnapshot, error) {
		return models.LiveSnapshot{}, nil
	}}
	p := NewPresenter(live, PresenterConfig{PollInterval: time.Hour}, nil, nil)
	if _, err := p.QRPayload(); !errors.Is(err, ErrNotDisplaying) {
		t.Fatalf("QRPayload() while idle = %v", err)
	}
	p.Open(testToken)
	defer p.Close()

	payload, err := p.QRPayload()
	if err != nil {
		t.Fatalf("QRPayload() failed: %v", err)
	}
	if got := ParsePayload(payload); got != testToken.Token {
		t.Fatalf("payload token = %q", got)
	}
	png, err := p.QRPNG(256)
	if err != nil {
		t.Fatalf("QRPNG() failed: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatal("QRPNG() did not return a PNG")
	}
	term, err := p.QRTerminal()
	if err != nil || len(term) == 0 {
		t.Fatalf("QRTerminal() = %d bytes, %v", len(term), err)
	}
}

func TestParsePayload(t *testing.T) {
	cases := map[string]string{
		`{"token":"ABC123","course_id":42,"valid_until":"2026-10-19T14:00:00Z"}`: "ABC123",
		"  ABC123 \n":     "ABC123",
		`{"course_id":42}`: `{"course_id":42}`,
		"":                 "",
	}
	for in, want := range cases {
		if got := ParsePayload(in); got != want {
			t.Errorf("ParsePayload(%q) = %q, want %q", in, got, want)
		}
	}
}

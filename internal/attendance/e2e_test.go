package attendance

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harrylevesque/qrattend/internal/api"
	"github.com/harrylevesque/qrattend/internal/auth"
	"github.com/harrylevesque/qrattend/internal/devserver"
	"github.com/harrylevesque/qrattend/internal/utils"
)

func loginStaff(t *testing.T, url string) *api.Client {
	t.Helper()
	slot := auth.NewSlot(nil)
	c := api.New(url, slot)
	resp, err := c.LoginStaff(context.Background(), "lecturer", devserver.DefaultSeed.Password, "STF001")
	if err != nil {
		t.Fatalf("LoginStaff() failed: %v", err)
	}
	if err := slot.Set(resp.Token); err != nil {
		t.Fatal(err)
	}
	return c
}

func loginStudent(t *testing.T, url string, i int) *api.Client {
	t.Helper()
	slot := auth.NewSlot(nil)
	c := api.New(url, slot)
	resp, err := c.LoginStudent(context.Background(), fmt.Sprintf("student%02d", i), devserver.DefaultSeed.Password, fmt.Sprintf("STU%03d", i))
	if err != nil {
		t.Fatalf("LoginStudent(%d) failed: %v", i, err)
	}
	if err := slot.Set(resp.Token); err != nil {
		t.Fatal(err)
	}
	return c
}

// TestPresentAndCheckInAgainstBackend issues a token for course 42, has three
// students check in with it and expects the presenter to show "3 / 30".
func TestPresentAndCheckInAgainstBackend(t *testing.T) {
	ts := httptest.NewServer(devserver.New())
	defer ts.Close()
	ctx := context.Background()

	lecturer := loginStaff(t, ts.URL)
	tok, err := NewIssuer(lecturer, WithLocation(StaticLocation{Lat: 5.6037, Lng: -0.1870})).Issue(ctx, 42, IssueOptions{})
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}
	payload, err := EncodePayload(tok)
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		msg, err := NewSubmitter(loginStudent(t, ts.URL, i), WithCooldown(0)).Submit(ctx, payload)
		if err != nil {
			t.Fatalf("student %d Submit() failed: %v", i, err)
		}
		if msg != "Attendance recorded successfully." {
			t.Fatalf("student %d message = %q", i, msg)
		}
	}

	p := NewPresenter(lecturer, PresenterConfig{PollInterval: 10 * time.Millisecond}, nil, nil)
	p.Open(tok)
	defer p.Close()
	waitFor(t, "live count", func() bool { return p.State().HasSnapshot })
	if got := p.State().Display(); got != "3 / 30" {
		t.Fatalf("display = %q, want %q", got, "3 / 30")
	}
	if names := p.State().Snapshot.RecentAttendees; len(names) != 3 || names[0].Name != "Student 03" {
		t.Fatalf("recent attendees = %+v", names)
	}

	if err := NewIssuer(lecturer).End(ctx, 42); err != nil {
		t.Fatalf("End() failed: %v", err)
	}
	_, err = NewSubmitter(loginStudent(t, ts.URL, 4)).Submit(ctx, tok.Token)
	if got := SubmitFailureMessage(err); got != "Invalid or expired token." {
		t.Fatalf("check-in after end: %q", got)
	}
}

func TestIssueThrottledAgainstBackend(t *testing.T) {
	ts := httptest.NewServer(devserver.New(devserver.WithIssueLimit(1, time.Minute)))
	defer ts.Close()
	ctx := context.Background()

	is := NewIssuer(loginStaff(t, ts.URL), WithLocation(StaticLocation{Lat: 1, Lng: 1}))
	if _, err := is.Issue(ctx, 42, IssueOptions{}); err != nil {
		t.Fatalf("first Issue() failed: %v", err)
	}
	_, err := is.Issue(ctx, 42, IssueOptions{})
	if !utils.IsKind(err, utils.KindRateLimited) {
		t.Fatalf("second Issue() = %v, want rate limited", err)
	}
	if got := IssueFailureMessage(err); got != utils.MsgRateLimited {
		t.Fatalf("message = %q", got)
	}
}

func TestIssueForbiddenKeepsCredential(t *testing.T) {
	ts := httptest.NewServer(devserver.New())
	defer ts.Close()

	slot := auth.NewSlot(nil)
	c := api.New(ts.URL, slot)
	resp, err := c.LoginStudent(context.Background(), "student01", devserver.DefaultSeed.Password, "STU001")
	if err != nil {
		t.Fatal(err)
	}
	_ = slot.Set(resp.Token)

	_, err = NewIssuer(c, WithLocation(StaticLocation{Lat: 1, Lng: 1})).Issue(context.Background(), 42, IssueOptions{})
	if got := IssueFailureMessage(err); got != utils.MsgSessionStart {
		t.Fatalf("message = %q", got)
	}
	if !slot.Authenticated() {
		t.Fatal("a 403 must not log the user out")
	}
}

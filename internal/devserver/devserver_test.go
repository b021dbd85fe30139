package devserver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/harrylevesque/qrattend/internal/api"
	"github.com/harrylevesque/qrattend/internal/devserver"
	"github.com/harrylevesque/qrattend/internal/models"
	"github.com/harrylevesque/qrattend/internal/utils"
)

type creds struct {
	mu    sync.Mutex
	token string
}

func (c *creds) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *creds) Clear() error {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

func staff(t *testing.T, url string) *api.Client {
	t.Helper()
	cr := &creds{}
	c := api.New(url, cr)
	resp, err := c.LoginStaff(context.Background(), "lecturer", devserver.DefaultSeed.Password, "STF001")
	if err != nil {
		t.Fatal(err)
	}
	cr.token = resp.Token
	return c
}

func student(t *testing.T, url, username, id string) *api.Client {
	t.Helper()
	cr := &creds{}
	c := api.New(url, cr)
	resp, err := c.LoginStudent(context.Background(), username, devserver.DefaultSeed.Password, id)
	if err != nil {
		t.Fatal(err)
	}
	cr.token = resp.Token
	return c
}

var issueReq = models.IssueTokenRequest{Token: "ABC123", Latitude: 5.6, Longitude: -0.18}

func TestTokenExpires(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	ts := httptest.NewServer(devserver.New(devserver.WithClock(clock)))
	defer ts.Close()
	ctx := context.Background()

	tok, err := staff(t, ts.URL).IssueToken(ctx, 42, issueReq)
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(devserver.TokenValidity); !tok.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %s, want %s", tok.ExpiresAt, want)
	}

	mu.Lock()
	now = now.Add(devserver.TokenValidity + time.Second)
	mu.Unlock()
	_, err = student(t, ts.URL, "student01", "STU001").TakeAttendance(ctx, "ABC123")
	if utils.UserMessage(err, "") != "Invalid or expired token." {
		t.Fatalf("TakeAttendance() after expiry = %v", err)
	}
}

func TestDuplicateCheckInCountsOnce(t *testing.T) {
	ts := httptest.NewServer(devserver.New())
	defer ts.Close()
	ctx := context.Background()

	lecturer := staff(t, ts.URL)
	if _, err := lecturer.IssueToken(ctx, 42, issueReq); err != nil {
		t.Fatal(err)
	}
	s := student(t, ts.URL, "student05", "STU005")
	for i := 0; i < 2; i++ {
		if _, err := s.TakeAttendance(ctx, "ABC123"); err != nil {
			t.Fatalf("TakeAttendance() #%d failed: %v", i+1, err)
		}
	}
	snap, err := lecturer.LiveAttendance(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if snap.PresentCount != 1 || snap.TotalEnrolled != 30 || snap.RecentAttendees[0].Name != "Student 05" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestIssueRules(t *testing.T) {
	ts := httptest.NewServer(devserver.New())
	defer ts.Close()
	ctx := context.Background()
	lecturer := staff(t, ts.URL)

	_, err := lecturer.IssueToken(ctx, 42, models.IssueTokenRequest{Token: "ABC123"})
	if utils.UserMessage(err, "") != "Token, latitude, and longitude are required." {
		t.Fatalf("issue without location = %v", err)
	}
	if _, err := lecturer.IssueToken(ctx, 42, issueReq); err != nil {
		t.Fatal(err)
	}
	if _, err := lecturer.IssueToken(ctx, 42, issueReq); utils.UserMessage(err, "") != "Token already exists." {
		t.Fatalf("duplicate token = %v", err)
	}
	if _, err := lecturer.IssueToken(ctx, 999, models.IssueTokenRequest{Token: "XYZ", Latitude: 1, Longitude: 1}); api.StatusCode(err) != http.StatusNotFound {
		t.Fatalf("unknown course = %v", err)
	}
}

func TestForceAndHits(t *testing.T) {
	srv := devserver.New()
	ts := httptest.NewServer(srv)
	defer ts.Close()
	ctx := context.Background()
	lecturer := staff(t, ts.URL)

	const live = "/api/courses/{id:[0-9]+}/live_attendance/"
	srv.Force(live, http.StatusServiceUnavailable)
	if _, err := lecturer.LiveAttendance(ctx, 42); !utils.IsKind(err, utils.KindServer) {
		t.Fatalf("forced live = %v", err)
	}
	srv.Force(live, 0)
	if _, err := lecturer.LiveAttendance(ctx, 42); err != nil {
		t.Fatal(err)
	}
	if got := srv.Hits(live); got != 2 {
		t.Fatalf("hits = %d, want 2", got)
	}
}

func TestUnauthenticated(t *testing.T) {
	ts := httptest.NewServer(devserver.New())
	defer ts.Close()
	_, err := api.New(ts.URL, &creds{token: "bogus"}).Me(context.Background())
	if api.StatusCode(err) != http.StatusUnauthorized {
		t.Fatalf("Me() with a bogus token = %v", err)
	}
}

func TestRouterBuiltOnce(t *testing.T) {
	srv := devserver.New()
	if srv.Router() == nil || srv.Router() != srv.Router() {
		t.Fatal("Router() must return the router built by New")
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	lecturer := staff(t, ts.URL)
	for i := 0; i < 3; i++ {
		if _, err := lecturer.LiveAttendance(context.Background(), 42); err != nil {
			t.Fatal(err)
		}
	}
	if got := srv.Hits("/api/courses/{id:[0-9]+}/live_attendance/"); got != 3 {
		t.Fatalf("hits = %d, want 3", got)
	}
}

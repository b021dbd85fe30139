package mobile

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harrylevesque/qrattend/internal/devserver"
	"github.com/harrylevesque/qrattend/internal/utils"
)

type checkIn struct {
	ok  bool
	msg string
}

type fakeListener struct {
	counts   chan string
	results  chan checkIn
	expired  chan string
	loggedIn chan struct{}
}

func newListener() *fakeListener {
	return &fakeListener{
		counts:   make(chan string, 16),
		results:  make(chan checkIn, 4),
		expired:  make(chan string, 1),
		loggedIn: make(chan struct{}, 1),
	}
}

func (f *fakeListener) OnLiveCount(display string, degraded bool) { f.counts <- display }
func (f *fakeListener) OnCheckInResult(ok bool, message string)   { f.results <- checkIn{ok, message} }
func (f *fakeListener) OnSessionExpired(message string)           { f.expired <- message }
func (f *fakeListener) OnLoggedOut()                              { f.loggedIn <- struct{}{} }
func (f *fakeListener) ConfirmStayLoggedIn(string) bool           { return true }

func newBridge(t *testing.T, url string, l Listener) *Bridge {
	t.Helper()
	b, err := NewBridge(t.TempDir(), url, "test-device", l)
	if err != nil {
		t.Fatalf("NewBridge() failed: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridgePresentAndScan(t *testing.T) {
	ts := httptest.NewServer(devserver.New())
	defer ts.Close()

	ll := newListener()
	lecturer := newBridge(t, ts.URL, ll)
	if err := lecturer.Login("staff", "lecturer", devserver.DefaultSeed.Password, "STF001"); err != nil {
		t.Fatalf("lecturer Login() failed: %v", err)
	}
	payload, err := lecturer.StartPresenting(42, 5.6037, -0.1870)
	if err != nil {
		t.Fatalf("StartPresenting() failed: %v", err)
	}
	select {
	case got := <-ll.counts:
		if got != "0 / 30" {
			t.Fatalf("first count = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no live count")
	}
	if png, err := lecturer.QRPNG(128); err != nil || len(png) == 0 {
		t.Fatalf("QRPNG() = %d bytes, %v", len(png), err)
	}

	sl := newListener()
	student := newBridge(t, ts.URL, sl)
	if err := student.Login("student", "student01", devserver.DefaultSeed.Password, "STU001"); err != nil {
		t.Fatalf("student Login() failed: %v", err)
	}
	if err := student.StartScan(); err != nil {
		t.Fatal(err)
	}
	if err := student.StartScan(); err != ErrScanActive {
		t.Fatalf("second StartScan() = %v", err)
	}
	waitFor(t, "camera session", student.Scanning)
	if !student.OnScanned(payload) {
		t.Fatal("decode refused")
	}
	waitFor(t, "camera stop", func() bool { return !student.Scanning() })
	if student.OnScanned(payload) {
		t.Fatal("decode accepted after the scan ended")
	}
	select {
	case r := <-sl.results:
		if !r.ok || r.msg != "Attendance recorded successfully." {
			t.Fatalf("check-in result = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no check-in result")
	}

	if err := lecturer.StopPresenting(true); err != nil {
		t.Fatalf("StopPresenting() failed: %v", err)
	}
	if lecturer.LiveCount() != "" {
		t.Fatal("live count kept after closing")
	}
}

func TestBridgeCheckInErrors(t *testing.T) {
	ts := httptest.NewServer(devserver.New())
	defer ts.Close()

	b := newBridge(t, ts.URL, newListener())
	if err := b.Login("student", "student01", devserver.DefaultSeed.Password, "STU001"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.CheckIn("   "); err == nil || err.Error() != utils.MsgEmptyToken {
		t.Fatalf("CheckIn(blank) = %v", err)
	}
	if _, err := b.CheckIn("NOSUCHTOKEN"); err == nil || err.Error() != "Invalid or expired token." {
		t.Fatalf("CheckIn(unknown) = %v", err)
	}
}

func TestBridgeLoginFailure(t *testing.T) {
	ts := httptest.NewServer(devserver.New())
	defer ts.Close()

	b := newBridge(t, ts.URL, newListener())
	err := b.Login("student", "student01", "wrong", "STU001")
	if err == nil || err.Error() != utils.MsgLoginFailed {
		t.Fatalf("Login() = %v", err)
	}
	if b.IsLoggedIn() {
		t.Fatal("logged in after a failed login")
	}
	if role, err := b.Restore(); role != "" || err != nil {
		t.Fatalf("Restore() = %q, %v", role, err)
	}
}

func TestBridgeCameraDenied(t *testing.T) {
	l := newListener()
	b := newBridge(t, "http://127.0.0.1:1", l)
	b.CameraDenied("NotAllowedError")
	if err := b.StartScan(); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-l.results:
		if r.ok || r.msg != utils.MsgCameraDenied {
			t.Fatalf("result = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
}

func TestBridgeActivityKinds(t *testing.T) {
	b := newBridge(t, "http://127.0.0.1:1", newListener())
	if b.Activity("mousemove") {
		t.Fatal("unknown activity kind accepted")
	}
	if b.Activity("keydown") {
		t.Fatal("activity reset a session that was never started")
	}
}

func TestNewBridgeRequiresDeviceID(t *testing.T) {
	if _, err := NewBridge(t.TempDir(), "http://localhost:8000", " ", newListener()); err == nil {
		t.Fatal("expected an error without a device id")
	}
}

func TestParseScan(t *testing.T) {
	res, err := ParseScan(`{"token":"ABC123","course_id":42,"valid_until":"2000-01-01T00:00:00Z"}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.Token != "ABC123" || res.CourseID != 42 || !res.Expired {
		t.Fatalf("ParseScan() = %+v", res)
	}
	res, err = ParseScan(" XYZ789 ")
	if err != nil || res.Token != "XYZ789" || res.CourseID != 0 {
		t.Fatalf("ParseScan(raw) = %+v, %v", res, err)
	}
	if _, err := ParseScan(""); err == nil {
		t.Fatal("expected an error for empty text")
	}
}

func TestPageHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	PageHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/api/live") {
		t.Fatalf("page: %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("content type %q", rec.Header().Get("Content-Type"))
	}
}

package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestCheckInAcceptedLookup(t *testing.T) {
	l := openTemp(t)
	ctx := context.Background()

	if err := l.RecordCheckIn(ctx, "acct-1", "ABC123", OutcomeRejected, "Invalid or expired token."); err != nil {
		t.Fatal(err)
	}
	ok, err := l.IsAccepted(ctx, "acct-1", "ABC123")
	if err != nil || ok {
		t.Fatalf("rejected attempt counted as accepted: ok=%v err=%v", ok, err)
	}
	if err := l.RecordCheckIn(ctx, "acct-1", "ABC123", OutcomeAccepted, "Attendance recorded successfully."); err != nil {
		t.Fatal(err)
	}
	ok, err = l.IsAccepted(ctx, "acct-1", "ABC123")
	if err != nil || !ok {
		t.Fatalf("IsAccepted = %v, %v; want true", ok, err)
	}
	if ok, _ := l.IsAccepted(ctx, "acct-1", "OTHER"); ok {
		t.Fatal("unrelated token reported accepted")
	}
	if ok, _ := l.IsAccepted(ctx, "acct-2", "ABC123"); ok {
		t.Fatal("another account's check-in blocked this one")
	}
}

func TestCheckInsStoreHashOnly(t *testing.T) {
	l := openTemp(t)
	ctx := context.Background()
	for _, tok := range []string{"T1", "T2", "T3"} {
		if err := l.RecordCheckIn(ctx, "acct-1", tok, OutcomeFailed, ""); err != nil {
			t.Fatal(err)
		}
	}
	got, err := l.CheckIns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	if got[0].TokenHash != HashToken("T3") {
		t.Errorf("newest first: got %s", got[0].TokenHash)
	}
	for _, c := range got {
		if c.TokenHash == "T3" || len(c.TokenHash) != 64 {
			t.Errorf("token stored in clear or not hashed: %q", c.TokenHash)
		}
	}
}

func TestIssued(t *testing.T) {
	l := openTemp(t)
	ctx := context.Background()
	exp := time.Now().Add(4 * time.Hour)
	if err := l.RecordIssued(ctx, "K7M2QX", 42, exp); err != nil {
		t.Fatal(err)
	}
	got, err := l.Issued(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Token != "K7M2QX" || got[0].CourseID != 42 {
		t.Fatalf("unexpected rows: %+v", got)
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	if err := os.WriteFile(path, []byte("this is not an sqlite database, just text padding it out"), 0o600); err != nil {
		t.Fatal(err)
	}
	if l, err := Open(path); err == nil {
		l.Close()
		t.Fatal("Open() accepted a corrupt file")
	}
	// The failed open must not hold the file; a fresh ledger takes its place.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() after replacing the file: %v", err)
	}
	l.Close()
}

package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/harrylevesque/qrattend/internal/api"
	"github.com/harrylevesque/qrattend/internal/devserver"
	"github.com/harrylevesque/qrattend/internal/models"
	"github.com/harrylevesque/qrattend/internal/utils"
)

func newService(t *testing.T) (*Service, *Slot, *devserver.Server, string) {
	t.Helper()
	srv := devserver.New()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	slot := NewSlot(nil)
	return NewService(api.New(ts.URL, slot), slot, nil), slot, srv, ts.URL
}

func TestLoginStaffAndMe(t *testing.T) {
	svc, slot, _, _ := newService(t)
	ctx := context.Background()

	resp, err := svc.LoginStaff(ctx, "lecturer", devserver.DefaultSeed.Password, "STF001")
	if err != nil {
		t.Fatalf("LoginStaff() failed: %v", err)
	}
	if slot.Token() != resp.Token {
		t.Fatal("credential not stored in the slot")
	}
	me, ok, err := svc.Restore(ctx)
	if err != nil || !ok {
		t.Fatalf("Restore() = %v, %v", ok, err)
	}
	if me.Role != models.RoleLecturer || me.LecturerID == nil {
		t.Fatalf("me = %+v", me)
	}
}

func TestLoginFailures(t *testing.T) {
	svc, slot, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Login(ctx, "lecturer", "wrong")
	if got := LoginFailureMessage(err); got != utils.MsgLoginFailed {
		t.Fatalf("message = %q", got)
	}
	_, err = svc.LoginStudent(ctx, "student01", devserver.DefaultSeed.Password, "STU999")
	if got := LoginFailureMessage(err); got != utils.MsgLoginFailed {
		t.Fatalf("message = %q", got)
	}
	if _, err := svc.Login(ctx, "", ""); !utils.IsKind(err, utils.KindValidation) {
		t.Fatalf("empty credentials: %v", err)
	}
	if slot.Authenticated() {
		t.Fatal("failed logins left a credential behind")
	}
}

func TestLogoutClearsEvenWhenBackendFails(t *testing.T) {
	svc, slot, srv, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.Login(ctx, "student01", devserver.DefaultSeed.Password); err != nil {
		t.Fatal(err)
	}
	srv.Force("/api/logout/", 503)
	if err := svc.Logout(ctx); err != nil {
		t.Fatalf("Logout() failed: %v", err)
	}
	if slot.Authenticated() {
		t.Fatal("credential kept after logout")
	}
}

func TestRestoreDropsRevokedCredential(t *testing.T) {
	svc, slot, _, url := newService(t)
	ctx := context.Background()
	if _, err := svc.Login(ctx, "student01", devserver.DefaultSeed.Password); err != nil {
		t.Fatal(err)
	}
	// Revoke the token server-side with a second client.
	other := NewSlot(nil)
	_ = other.Set(slot.Token())
	if err := api.New(url, other).Logout(ctx); err != nil {
		t.Fatal(err)
	}

	_, ok, err := svc.Restore(ctx)
	if err != nil || ok {
		t.Fatalf("Restore() = %v, %v; want false, nil", ok, err)
	}
	if slot.Authenticated() {
		t.Fatal("revoked credential kept")
	}
}

package mobile

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrylevesque/qrattend/internal"
	"github.com/harrylevesque/qrattend/internal/attendance"
	"github.com/harrylevesque/qrattend/internal/auth"
	"github.com/harrylevesque/qrattend/internal/config"
	"github.com/harrylevesque/qrattend/internal/utils"
)

// gomobile exported API. Every exported method takes and returns basic types
// only; errors carry the text to show the user.

// Listener is implemented by the native shell. Callbacks arrive on Go
// goroutines and must hop to the UI thread themselves.
type Listener interface {
	// OnLiveCount fires whenever the presented count changes, e.g. "3 / 30".
	OnLiveCount(display string, degraded bool)
	OnCheckInResult(ok bool, message string)
	OnSessionExpired(message string)
	// OnLoggedOut fires when the backend rejected the credential.
	OnLoggedOut()
	// ConfirmStayLoggedIn blocks until the user answers the inactivity warning.
	ConfirmStayLoggedIn(message string) bool
}

// Bridge is one signed-in client. Methods are safe for concurrent use.
type Bridge struct {
	app *internal.App
	l   Listener

	cam     *attendance.FeedCamera
	scanner *attendance.Scanner

	mu         sync.Mutex
	scanCancel context.CancelFunc
	stopWatch  chan struct{}
}

// NewBridge stores its credential, ledger and log under dataDir. deviceID is
// the platform's stable install id; the sealed credential is bound to it.
func NewBridge(dataDir, baseURL, deviceID string, l Listener) (*Bridge, error) {
	if l == nil {
		return nil, errors.New("listener is required")
	}
	if strings.TrimSpace(deviceID) == "" {
		return nil, errors.New("device id is required")
	}
	cfg := config.Default()
	cfg.Server.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.Storage.Dir = dataDir
	cfg.Storage.KeyFile = filepath.Join(dataDir, "store.key")
	cfg.Log.File = filepath.Join(dataDir, "qrattend.log")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := utils.EnsureDir(dataDir); err != nil {
		return nil, err
	}

	b := &Bridge{l: l, cam: attendance.NewFeedCamera()}
	app, err := internal.NewApp(cfg, internal.Options{
		DeviceID: deviceID,
		Prompter: auth.PrompterFunc(func(ctx context.Context, msg string) bool {
			return l.ConfirmStayLoggedIn(msg)
		}),
		OnExpire: func(msg string) {
			b.CancelScan()
			b.unwatch()
			l.OnSessionExpired(msg)
		},
		OnUnauthorized: func() {
			b.CancelScan()
			b.unwatch()
			l.OnLoggedOut()
		},
	})
	if err != nil {
		return nil, err
	}
	b.app = app
	b.scanner = attendance.NewScanner(b.cam, app.Log)
	return b, nil
}

// Restore reopens a stored session and returns the signed-in role, or "" when
// the user must log in.
func (b *Bridge) Restore() (string, error) {
	ctx, cancel := b.timeout()
	defer cancel()
	me, ok, err := b.app.Resume(ctx)
	if !ok {
		return "", nil
	}
	if err != nil {
		// Offline: keep the credential, role unknown until the next call.
		return "", errors.New(utils.UserMessage(err, "Unable to reach the server."))
	}
	return me.Role, nil
}

// Login signs in. role is "student", "staff" or "" for plain credentials; id is
// the student or staff id for the first two.
func (b *Bridge) Login(role, username, password, id string) error {
	ctx, cancel := b.timeout()
	defer cancel()
	if _, err := b.app.Login(ctx, role, username, password, id); err != nil {
		return errors.New(auth.LoginFailureMessage(err))
	}
	return nil
}

func (b *Bridge) Logout() error {
	b.CancelScan()
	b.unwatch()
	ctx, cancel := b.timeout()
	defer cancel()
	if err := b.app.Logout(ctx); err != nil {
		return errors.New(utils.UserMessage(err, "Unable to log out."))
	}
	return nil
}

func (b *Bridge) IsLoggedIn() bool { return b.app.Slot.Authenticated() }

// Activity records user interaction. kind is a DOM-style event name such as
// "pointerdown" or "keydown"; unknown kinds are ignored.
func (b *Bridge) Activity(kind string) bool {
	k, ok := auth.ParseActivityKind(kind)
	if !ok {
		return false
	}
	return b.app.Session.Activity(k)
}

// StartPresenting issues a token for courseID at the given coordinates, starts
// the live count and returns the QR payload to render.
func (b *Bridge) StartPresenting(courseID int, lat, lng float64) (string, error) {
	ctx, cancel := b.timeout()
	defer cancel()
	tok, err := b.app.Issuer.Issue(ctx, courseID, attendance.IssueOptions{Latitude: lat, Longitude: lng})
	if err != nil {
		return "", errors.New(attendance.IssueFailureMessage(err))
	}
	b.app.Presenter.Open(tok)
	b.watch()
	return attendance.EncodePayload(tok)
}

// StopPresenting dismisses the QR code. With end set the backend session is
// closed too.
func (b *Bridge) StopPresenting(end bool) error {
	st := b.app.Presenter.State()
	b.app.Presenter.Close()
	b.unwatch()
	if !end || st.Phase != attendance.PhaseDisplaying {
		return nil
	}
	ctx, cancel := b.timeout()
	defer cancel()
	if err := b.app.Issuer.End(ctx, st.Token.CourseID); err != nil {
		return errors.New(attendance.EndFailureMessage(err))
	}
	return nil
}

// LiveCount is the current "present / enrolled" text, empty before the first poll.
func (b *Bridge) LiveCount() string {
	st := b.app.Presenter.State()
	if !st.HasSnapshot {
		return ""
	}
	return st.Display()
}

// QRPNG renders the presented token.
func (b *Bridge) QRPNG(size int) ([]byte, error) {
	return b.app.Presenter.QRPNG(size)
}

// Close releases timers and files. The bridge is unusable afterwards.
func (b *Bridge) Close() {
	b.CancelScan()
	b.unwatch()
	b.app.Close()
}

func (b *Bridge) timeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.app.Config.Server.Timeout+5*time.Second)
}

func (b *Bridge) watch() {
	b.mu.Lock()
	if b.stopWatch != nil {
		b.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	b.stopWatch = stop
	b.mu.Unlock()

	ch, cancel := b.app.Presenter.Subscribe()
	go func() {
		defer cancel()
		last := ""
		for {
			select {
			case <-stop:
				return
			case st := <-ch:
				if !st.HasSnapshot {
					continue
				}
				key := st.Display()
				if st.Degraded {
					key += "!"
				}
				if key != last {
					last = key
					b.l.OnLiveCount(st.Display(), st.Degraded)
				}
			}
		}
	}()
}

func (b *Bridge) unwatch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopWatch != nil {
		close(b.stopWatch)
		b.stopWatch = nil
	}
}

package internal

import (
	"context"
	"fmt"

	"github.com/harrylevesque/qrattend/internal/api"
	"github.com/harrylevesque/qrattend/internal/attendance"
	"github.com/harrylevesque/qrattend/internal/auth"
	"github.com/harrylevesque/qrattend/internal/certs"
	"github.com/harrylevesque/qrattend/internal/config"
	"github.com/harrylevesque/qrattend/internal/history"
	"github.com/harrylevesque/qrattend/internal/metrics"
	"github.com/harrylevesque/qrattend/internal/models"
	"github.com/harrylevesque/qrattend/internal/utils"
)

// ===== Application wiring =====

// App holds one frontend's view of the client: a credential slot, a backend
// client reading it, and the attendance components built on both.
type App struct {
	Config    *config.Config
	Log       *utils.Logger
	Metrics   *metrics.Metrics
	Slot      *auth.Slot
	Client    *api.Client
	Auth      *auth.Service
	Ledger    *history.Ledger
	Issuer    *attendance.Issuer
	Presenter *attendance.Presenter
	Submitter *attendance.Submitter
	Session   *auth.SessionTimer

	ownLog      bool
	unwatchAuth func()
}

// Options customises NewApp. The zero value is a desktop setup: a sealed
// credential file bound to this machine and a log per the config.
type Options struct {
	Logger         *utils.Logger
	Store          auth.Store
	DeviceID       string
	Location       attendance.LocationProvider
	Prompter       auth.Prompter
	Clock          utils.Clock
	OnExpire       func(msg string)
	OnUnauthorized func()
}

func NewApp(cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg, Log: opts.Logger, Metrics: metrics.New()}
	if a.Log == nil {
		l, err := utils.NewLogger(cfg.Log.File, utils.ParseLevel(cfg.Log.Level))
		if err != nil {
			return nil, err
		}
		a.Log, a.ownLog = l, true
	}
	if err := utils.EnsureDir(cfg.Storage.Dir); err != nil {
		a.Close()
		return nil, fmt.Errorf("data dir: %w", err)
	}

	store := opts.Store
	if store == nil {
		fp := opts.DeviceID
		if fp == "" {
			var err error
			if fp, err = utils.GetDeviceFingerprint(); err != nil {
				a.Close()
				return nil, fmt.Errorf("device fingerprint: %w", err)
			}
		}
		fs, err := auth.NewFileStore(cfg.CredentialPath(), cfg.Storage.KeyFile, fp)
		if err != nil {
			a.Close()
			return nil, err
		}
		store = fs
	}
	a.Slot = auth.NewSlot(store)

	clientOpts := []api.Option{
		api.WithLogger(a.Log),
		api.WithTimeout(cfg.Server.Timeout),
		api.OnUnauthorized(func() {
			a.Log.Warn("backend rejected the credential; logged out")
			if opts.OnUnauthorized != nil {
				opts.OnUnauthorized()
			}
		}),
	}
	if cfg.Server.CADir != "" {
		tlsCfg, skipped, err := certs.NewCertManager(cfg.Server.CADir).TLSConfig()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load CA certificates: %w", err)
		}
		for _, name := range skipped {
			a.Log.Warnf("skipping expired CA certificate %q", name)
		}
		clientOpts = append(clientOpts, api.WithTLSConfig(tlsCfg))
	}
	a.Client = api.New(cfg.Server.BaseURL, a.Slot, clientOpts...)
	a.Auth = auth.NewService(a.Client, a.Slot, a.Log)

	ledger, err := history.Open(cfg.LedgerPath())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Ledger = ledger

	issuerOpts := []attendance.IssuerOption{
		attendance.WithIssueLedger(ledger),
		attendance.WithIssuerLogger(a.Log),
		attendance.WithIssuerMetrics(a.Metrics),
	}
	if opts.Location != nil {
		issuerOpts = append(issuerOpts, attendance.WithLocation(opts.Location))
	}
	a.Issuer = attendance.NewIssuer(a.Client, issuerOpts...)
	a.Presenter = attendance.NewPresenter(a.Client, attendance.PresenterConfig{
		PollInterval:       cfg.Attendance.PollInterval,
		MaxPollFailures:    cfg.Attendance.MaxPollFailures,
		MaxRecentAttendees: cfg.Attendance.MaxRecentAttendees,
	}, a.Log, a.Metrics)

	// Any loss of the credential (logout, expiry, a 401 mid-poll) ends the
	// display. Abandon does not wait, since a 401 arrives inside a poll.
	a.unwatchAuth = a.Slot.OnChange(func(authenticated bool) {
		if !authenticated {
			a.Presenter.Abandon()
		}
	})

	submitOpts := []attendance.SubmitterOption{
		attendance.WithCheckInLedger(ledger),
		attendance.WithAccount(func() string { return history.HashToken(a.Slot.Token()) }),
		attendance.WithCooldown(cfg.Attendance.SubmitCooldown),
		attendance.WithSubmitLogger(a.Log),
		attendance.WithSubmitMetrics(a.Metrics),
	}
	sessionOpts := []auth.SessionOption{
		auth.WithSessionLogger(a.Log),
		auth.WithSessionMetrics(a.Metrics),
		auth.OnExpire(func(msg string) {
			// A logged out lecturer must not keep polling.
			a.Presenter.Close()
			if opts.OnExpire != nil {
				opts.OnExpire(msg)
			}
		}),
	}
	if opts.Clock != nil {
		submitOpts = append(submitOpts, attendance.WithSubmitClock(opts.Clock))
		sessionOpts = append(sessionOpts, auth.WithClock(opts.Clock))
	}
	if opts.Prompter != nil {
		sessionOpts = append(sessionOpts, auth.WithPrompter(opts.Prompter))
	}
	a.Submitter = attendance.NewSubmitter(a.Client, submitOpts...)
	a.Session = auth.NewSessionTimer(a.Slot, auth.SessionConfig{
		InactivityLimit:  cfg.Session.InactivityLimit,
		WarningLead:      cfg.Session.WarningLead,
		ActivityDebounce: cfg.Session.ActivityDebounce,
	}, sessionOpts...)
	return a, nil
}

// Resume loads the stored credential, checks it with the backend and arms the
// inactivity timer when it is still good. The bool is false when the user has
// to log in; an unreachable backend keeps the credential and reports the error.
func (a *App) Resume(ctx context.Context) (models.Me, bool, error) {
	me, ok, err := a.Auth.Restore(ctx)
	if ok {
		a.Session.Start()
	}
	return me, ok, err
}

// Login signs in with the form matching role ("student", "staff" or empty for
// plain credentials) and starts the inactivity timer.
func (a *App) Login(ctx context.Context, role, username, password, id string) (models.LoginResponse, error) {
	var (
		resp models.LoginResponse
		err  error
	)
	switch role {
	case models.RoleStudent:
		resp, err = a.Auth.LoginStudent(ctx, username, password, id)
	case "staff", models.RoleLecturer:
		resp, err = a.Auth.LoginStaff(ctx, username, password, id)
	case "", models.RoleAdmin, models.RoleUser:
		resp, err = a.Auth.Login(ctx, username, password)
	default:
		return models.LoginResponse{}, utils.New(utils.KindValidation, 0, fmt.Sprintf("unknown role %q", role))
	}
	if err != nil {
		return resp, err
	}
	a.Session.Start()
	return resp, nil
}

// Logout stops presenting and clears the credential.
func (a *App) Logout(ctx context.Context) error {
	a.Presenter.Close()
	return a.Auth.Logout(ctx)
}

// Close releases timers, the ledger and an owned log file.
func (a *App) Close() {
	if a.unwatchAuth != nil {
		a.unwatchAuth()
	}
	if a.Presenter != nil {
		a.Presenter.Close()
	}
	if a.Session != nil {
		a.Session.Close()
	}
	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil {
			a.Log.Warnf("close ledger: %v", err)
		}
	}
	if a.ownLog {
		a.Log.Close()
	}
}

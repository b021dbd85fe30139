package attendance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/harrylevesque/qrattend/internal/history"
	"github.com/harrylevesque/qrattend/internal/metrics"
	"github.com/harrylevesque/qrattend/internal/models"
	"github.com/harrylevesque/qrattend/internal/utils"
)

// SubmitAPI is the check-in endpoint.
type SubmitAPI interface {
	TakeAttendance(ctx context.Context, token string) (models.MessageResponse, error)
}

// CheckInLedger remembers check-in outcomes on this device, per account.
type CheckInLedger interface {
	IsAccepted(ctx context.Context, account, token string) (bool, error)
	RecordCheckIn(ctx context.Context, account, token string, outcome history.Outcome, message string) error
}

var (
	ErrEmptyToken       = &utils.CustomError{Kind: utils.KindValidation, Message: utils.MsgEmptyToken}
	ErrSubmitInProgress = &utils.CustomError{Kind: utils.KindValidation, Message: utils.MsgSubmitInProgress}
	ErrAlreadyRecorded  = &utils.CustomError{Kind: utils.KindValidation, Message: utils.MsgAlreadyRecorded}
)

// Submitter sends scanned or typed tokens to the backend, one at a time.
type Submitter struct {
	api      SubmitAPI
	ledger   CheckInLedger
	account  func() string
	cooldown time.Duration
	clock    utils.Clock
	log      *utils.Logger
	metrics  *metrics.Metrics

	submitting atomic.Bool
}

type SubmitterOption func(*Submitter)

func WithCheckInLedger(l CheckInLedger) SubmitterOption { return func(s *Submitter) { s.ledger = l } }

// WithAccount keys ledger entries by the logged in user, so one user's
// check-in never blocks another's on a shared device.
func WithAccount(f func() string) SubmitterOption { return func(s *Submitter) { s.account = f } }

func WithCooldown(d time.Duration) SubmitterOption { return func(s *Submitter) { s.cooldown = d } }

func WithSubmitClock(c utils.Clock) SubmitterOption { return func(s *Submitter) { s.clock = c } }

func WithSubmitLogger(l *utils.Logger) SubmitterOption { return func(s *Submitter) { s.log = l } }

func WithSubmitMetrics(m *metrics.Metrics) SubmitterOption { return func(s *Submitter) { s.metrics = m } }

func NewSubmitter(api SubmitAPI, opts ...SubmitterOption) *Submitter {
	s := &Submitter{api: api, cooldown: 10 * time.Second, clock: utils.SystemClock{}, log: utils.Discard()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Busy reports whether a submission is running or cooling down.
func (s *Submitter) Busy() bool { return s.submitting.Load() }

// Submit records attendance for the token in text (a raw token or a QR payload).
// While one submission is in flight, and for the cooldown after it settles,
// further calls fail with ErrSubmitInProgress without touching the network.
func (s *Submitter) Submit(ctx context.Context, text string) (string, error) {
	token := ParsePayload(text)
	if token == "" {
		return "", ErrEmptyToken
	}
	if !s.submitting.CompareAndSwap(false, true) {
		s.log.Warn("check-in ignored: another submission is in progress")
		return "", ErrSubmitInProgress
	}

	account := ""
	if s.account != nil {
		account = s.account()
	}
	if s.ledger != nil {
		done, err := s.ledger.IsAccepted(ctx, account, token)
		if err != nil {
			s.log.Warnf("ledger lookup: %v", err)
		}
		if done {
			s.submitting.Store(false)
			s.metrics.Submission("duplicate")
			return "", ErrAlreadyRecorded
		}
	}
	defer s.settle()

	resp, err := s.api.TakeAttendance(ctx, token)
	outcome := outcomeOf(err)
	msg := resp.Message
	if err != nil {
		msg = SubmitFailureMessage(err)
		s.log.Warnf("check-in failed (%s): %v", outcome, err)
	} else {
		if msg == "" {
			msg = "Attendance recorded successfully."
		}
		s.log.Info("check-in accepted")
	}
	s.metrics.Submission(string(outcome))
	if s.ledger != nil {
		if lerr := s.ledger.RecordCheckIn(ctx, account, token, outcome, msg); lerr != nil {
			s.log.Warnf("ledger: %v", lerr)
		}
	}
	if err != nil {
		return "", err
	}
	return msg, nil
}

// settle re-arms the guard once the cooldown has elapsed.
func (s *Submitter) settle() {
	if s.cooldown <= 0 {
		s.submitting.Store(false)
		return
	}
	s.clock.AfterFunc(s.cooldown, func() { s.submitting.Store(false) })
}

func outcomeOf(err error) history.Outcome {
	switch {
	case err == nil:
		return history.OutcomeAccepted
	case utils.IsKind(err, utils.KindRateLimited):
		return history.OutcomeThrottled
	case utils.IsKind(err, utils.KindRejected):
		return history.OutcomeRejected
	default:
		return history.OutcomeFailed
	}
}

// SubmitFailureMessage is the text shown when a check-in fails.
func SubmitFailureMessage(err error) string {
	return utils.UserMessage(err, utils.MsgCheckInFailed)
}

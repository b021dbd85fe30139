package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/harrylevesque/qrattend/internal/crypto"
	"github.com/harrylevesque/qrattend/internal/metrics"
	"github.com/harrylevesque/qrattend/internal/models"
	"github.com/harrylevesque/qrattend/internal/utils"
)

// GeneratedTokenLength is the size of tokens the client makes up when none is given.
const GeneratedTokenLength = 12

// IssueAPI is the slice of the backend the issuer needs.
type IssueAPI interface {
	IssueToken(ctx context.Context, courseID int, req models.IssueTokenRequest) (models.AttendanceToken, error)
	EndAttendance(ctx context.Context, courseID int) error
}

// IssueRecorder keeps a local trace of issued tokens.
type IssueRecorder interface {
	RecordIssued(ctx context.Context, token string, courseID int, expiresAt time.Time) error
}

// LocationProvider supplies the lecturer's coordinates for issuance.
type LocationProvider interface {
	Location(ctx context.Context) (lat, lng float64, err error)
}

// StaticLocation always reports the same coordinates.
type StaticLocation struct {
	Lat, Lng float64
}

func (s StaticLocation) Location(context.Context) (float64, float64, error) {
	if s.Lat == 0 && s.Lng == 0 {
		return 0, 0, errors.New("no location configured")
	}
	return s.Lat, s.Lng, nil
}

// IssueOptions tunes one issuance. Zero coordinates ask the LocationProvider.
type IssueOptions struct {
	Token     string
	Latitude  float64
	Longitude float64
}

type Issuer struct {
	api      IssueAPI
	location LocationProvider
	ledger   IssueRecorder
	validate *validator.Validate
	log      *utils.Logger
	metrics  *metrics.Metrics
}

type IssuerOption func(*Issuer)

func WithLocation(p LocationProvider) IssuerOption { return func(i *Issuer) { i.location = p } }

func WithIssueLedger(r IssueRecorder) IssuerOption { return func(i *Issuer) { i.ledger = r } }

func WithIssuerLogger(l *utils.Logger) IssuerOption { return func(i *Issuer) { i.log = l } }

func WithIssuerMetrics(m *metrics.Metrics) IssuerOption { return func(i *Issuer) { i.metrics = m } }

func NewIssuer(api IssueAPI, opts ...IssuerOption) *Issuer {
	i := &Issuer{api: api, validate: validator.New(), log: utils.Discard()}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Issue asks the backend for a new attendance token. It does not start polling.
func (i *Issuer) Issue(ctx context.Context, courseID int, opts IssueOptions) (models.AttendanceToken, error) {
	if courseID <= 0 {
		return models.AttendanceToken{}, utils.New(utils.KindValidation, 0, "Select a course first.")
	}
	req := models.IssueTokenRequest{
		Token:     strings.ToUpper(strings.TrimSpace(opts.Token)),
		Latitude:  opts.Latitude,
		Longitude: opts.Longitude,
	}
	if req.Token == "" {
		tok, err := crypto.RandomToken(GeneratedTokenLength)
		if err != nil {
			return models.AttendanceToken{}, fmt.Errorf("generate token: %w", err)
		}
		req.Token = tok
	}
	if req.Latitude == 0 && req.Longitude == 0 {
		if i.location == nil {
			return models.AttendanceToken{}, utils.New(utils.KindPermission, 0, utils.MsgLocationDenied)
		}
		lat, lng, err := i.location.Location(ctx)
		if err != nil {
			i.log.Warnf("location unavailable: %v", err)
			return models.AttendanceToken{}, &utils.CustomError{Kind: utils.KindPermission, Message: utils.MsgLocationDenied, Err: err}
		}
		req.Latitude, req.Longitude = lat, lng
	}
	if err := i.validate.Struct(req); err != nil {
		return models.AttendanceToken{}, &utils.CustomError{
			Kind:    utils.KindValidation,
			Message: "Invalid token or location. Use up to 12 letters and digits.",
			Err:     err,
		}
	}

	tok, err := i.api.IssueToken(ctx, courseID, req)
	i.metrics.Issue(err == nil)
	if err != nil {
		i.log.Warnf("issue token for course %d: %v", courseID, err)
		return models.AttendanceToken{}, err
	}
	if tok.Token == "" {
		tok.Token = req.Token
	}
	i.log.Infof("issued attendance token for course %d, valid until %s", courseID, tok.ExpiresAt.Format(time.RFC3339))
	if i.ledger != nil {
		if err := i.ledger.RecordIssued(ctx, tok.Token, courseID, tok.ExpiresAt); err != nil {
			i.log.Warnf("ledger: %v", err)
		}
	}
	return tok, nil
}

// End closes the course's active attendance session on the backend.
func (i *Issuer) End(ctx context.Context, courseID int) error {
	if err := i.api.EndAttendance(ctx, courseID); err != nil {
		i.log.Warnf("end attendance for course %d: %v", courseID, err)
		return err
	}
	i.log.Infof("ended attendance session for course %d", courseID)
	return nil
}

// IssueFailureMessage is the text shown when Issue fails. Throttling keeps its
// own wording; authorization and transport problems share a single message.
func IssueFailureMessage(err error) string {
	switch utils.KindOf(err) {
	case utils.KindRateLimited:
		return utils.MsgRateLimited
	case utils.KindPermission, utils.KindValidation:
		return utils.UserMessage(err, utils.MsgSessionStart)
	}
	return utils.MsgSessionStart
}

// EndFailureMessage is the text shown when End fails.
func EndFailureMessage(err error) string {
	return utils.UserMessage(err, utils.MsgSessionEnd)
}

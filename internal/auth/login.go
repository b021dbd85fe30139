package auth

import (
	"context"
	"strings"

	"github.com/harrylevesque/qrattend/internal/models"
	"github.com/harrylevesque/qrattend/internal/utils"
)

// API is the part of the backend the auth service talks to.
type API interface {
	ObtainToken(ctx context.Context, username, password string) (models.LoginResponse, error)
	LoginStudent(ctx context.Context, username, password, studentID string) (models.LoginResponse, error)
	LoginStaff(ctx context.Context, username, password, staffID string) (models.LoginResponse, error)
	Logout(ctx context.Context) error
	Me(ctx context.Context) (models.Me, error)
}

// Service logs users in and out and keeps the slot in step.
type Service struct {
	api  API
	slot *Slot
	log  *utils.Logger
}

func NewService(api API, slot *Slot, log *utils.Logger) *Service {
	if log == nil {
		log = utils.Discard()
	}
	return &Service{api: api, slot: slot, log: log}
}

func (s *Service) Slot() *Slot { return s.slot }

func (s *Service) Login(ctx context.Context, username, password string) (models.LoginResponse, error) {
	return s.login(ctx, username, password, func() (models.LoginResponse, error) {
		return s.api.ObtainToken(ctx, username, password)
	})
}

func (s *Service) LoginStudent(ctx context.Context, username, password, studentID string) (models.LoginResponse, error) {
	if strings.TrimSpace(studentID) == "" {
		return models.LoginResponse{}, utils.New(utils.KindValidation, 0, "Student ID is required.")
	}
	return s.login(ctx, username, password, func() (models.LoginResponse, error) {
		return s.api.LoginStudent(ctx, username, password, studentID)
	})
}

func (s *Service) LoginStaff(ctx context.Context, username, password, staffID string) (models.LoginResponse, error) {
	if strings.TrimSpace(staffID) == "" {
		return models.LoginResponse{}, utils.New(utils.KindValidation, 0, "Staff ID is required.")
	}
	return s.login(ctx, username, password, func() (models.LoginResponse, error) {
		return s.api.LoginStaff(ctx, username, password, staffID)
	})
}

func (s *Service) login(ctx context.Context, username, password string, call func() (models.LoginResponse, error)) (models.LoginResponse, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return models.LoginResponse{}, utils.New(utils.KindValidation, 0, "Username and password are required.")
	}
	resp, err := call()
	if err != nil {
		s.log.Warnf("login failed for %s: %v", username, err)
		return models.LoginResponse{}, err
	}
	if resp.Token == "" {
		return models.LoginResponse{}, utils.New(utils.KindServer, 0, "login response carried no token")
	}
	if err := s.slot.Set(resp.Token); err != nil {
		return models.LoginResponse{}, utils.Wrap(utils.KindUnknown, "store credential", err)
	}
	s.log.Infof("logged in as %s", username)
	return resp, nil
}

// Logout tells the backend and clears the local credential. The local clear
// happens even when the backend cannot be reached.
func (s *Service) Logout(ctx context.Context) error {
	if s.slot.Authenticated() {
		if err := s.api.Logout(ctx); err != nil {
			s.log.Warnf("remote logout: %v", err)
		}
	}
	if err := s.slot.Clear(); err != nil {
		return utils.Wrap(utils.KindUnknown, "clear credential", err)
	}
	s.log.Info("logged out")
	return nil
}

// Restore loads a stored credential and checks it with the backend. A rejected
// credential is dropped; an unreachable backend keeps it.
func (s *Service) Restore(ctx context.Context) (models.Me, bool, error) {
	ok, err := s.slot.Load()
	if err != nil {
		s.log.Errorf("load credential: %v", err)
		_ = s.slot.Clear()
		return models.Me{}, false, err
	}
	if !ok {
		return models.Me{}, false, nil
	}
	me, err := s.api.Me(ctx)
	switch {
	case err == nil:
		s.log.Infof("restored session for %s", me.Username)
		return me, true, nil
	case utils.IsKind(err, utils.KindUnauthorized):
		_ = s.slot.Clear()
		return models.Me{}, false, nil
	default:
		s.log.Warnf("verify stored credential: %v", err)
		return models.Me{}, true, err
	}
}

// LoginFailureMessage is the text shown when a login fails.
func LoginFailureMessage(err error) string {
	return utils.UserMessage(err, utils.MsgLoginFailed)
}

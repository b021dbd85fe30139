package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"

	"github.com/harrylevesque/qrattend/internal"
	"github.com/harrylevesque/qrattend/internal/api"
	"github.com/harrylevesque/qrattend/internal/attendance"
	"github.com/harrylevesque/qrattend/internal/auth"
	"github.com/harrylevesque/qrattend/internal/config"
	"github.com/harrylevesque/qrattend/internal/mobile"
	"github.com/harrylevesque/qrattend/internal/models"
	"github.com/harrylevesque/qrattend/internal/utils"
)

func main() {
	configPath := flag.String("config", "", "Config file (default qrattend.yaml in . or the data dir)")
	addrFlag := flag.String("addr", "", "Listen address (default gui.addr from the config)")
	serverFlag := flag.String("server", "", "Override server base URL")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *serverFlag != "" {
		cfg.Server.BaseURL = *serverFlag
	}
	addr := cfg.GUI.Addr
	if *addrFlag != "" {
		addr = *addrFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := newGUI(cfg, internal.Options{})
	if err != nil {
		log.Fatal(err)
	}
	defer g.app.Close()
	go g.app.Log.RotateLog(ctx)

	if me, ok, err := g.app.Resume(ctx); ok && err == nil {
		g.app.Log.Infof("resumed session for %s", me.Username)
	}

	srv := &http.Server{Addr: addr, Handler: g.router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	fmt.Println("[GUI] Serving at http://" + addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

type gui struct {
	app      *internal.App
	hub      *hub
	prompter *webPrompter
}

// newGUI wires the app to the browser: inactivity warnings and expiry go out
// over the live socket.
func newGUI(cfg *config.Config, opts internal.Options) (*gui, error) {
	h := newHub()
	g := &gui{hub: h, prompter: &webPrompter{hub: h}}
	opts.Prompter = g.prompter
	opts.OnExpire = func(msg string) {
		h.broadcast(event{Event: "expired", Message: msg})
	}
	opts.OnUnauthorized = func() {
		h.broadcast(event{Event: "expired", Message: "Please log in again."})
	}
	a, err := internal.NewApp(cfg, opts)
	if err != nil {
		return nil, err
	}
	g.app = a
	return g, nil
}

func (g *gui) router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/", mobile.PageHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", g.app.Metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/api/me", g.me).Methods(http.MethodGet)
	r.HandleFunc("/api/login", g.login).Methods(http.MethodPost)

	s := r.PathPrefix("/api").Subrouter()
	s.Use(g.requireLogin)
	s.HandleFunc("/logout", g.logout).Methods(http.MethodPost)
	s.HandleFunc("/courses", g.courses).Methods(http.MethodGet)
	s.HandleFunc("/present", g.present).Methods(http.MethodPost)
	s.HandleFunc("/present", g.dismiss).Methods(http.MethodDelete)
	s.HandleFunc("/qr.png", g.qr).Methods(http.MethodGet)
	s.HandleFunc("/live", g.live).Methods(http.MethodGet)
	s.HandleFunc("/checkin", g.checkIn).Methods(http.MethodPost)
	s.HandleFunc("/activity", g.activity).Methods(http.MethodPost)
	return r
}

// ===== Helpers =====

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return sonic.ConfigStd.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v)
}

// statusOf picks the browser-facing status for a failed backend call.
func statusOf(err error) int {
	switch utils.KindOf(err) {
	case utils.KindUnauthorized:
		if api.StatusCode(err) == http.StatusForbidden {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case utils.KindRateLimited:
		return http.StatusTooManyRequests
	case utils.KindValidation, utils.KindRejected, utils.KindPermission:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (g *gui) requireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.app.Slot.Authenticated() {
			writeError(w, http.StatusUnauthorized, "Please log in.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ===== Handlers =====

type meResponse struct {
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
	Role          string `json:"role,omitempty"`
}

func (g *gui) me(w http.ResponseWriter, r *http.Request) {
	if !g.app.Slot.Authenticated() {
		writeJSON(w, http.StatusOK, meResponse{})
		return
	}
	me, err := g.app.Client.Me(r.Context())
	if err != nil {
		if utils.IsKind(err, utils.KindUnauthorized) {
			writeJSON(w, http.StatusOK, meResponse{})
			return
		}
		writeError(w, statusOf(err), utils.UserMessage(err, "Unable to reach the server."))
		return
	}
	writeJSON(w, http.StatusOK, meResponse{Authenticated: true, Username: me.Username, Role: me.Role})
}

func (g *gui) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role     string `json:"role"`
		Username string `json:"username"`
		Password string `json:"password"`
		ID       string `json:"id"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if _, err := g.app.Login(r.Context(), req.Role, req.Username, req.Password, req.ID); err != nil {
		status := http.StatusUnauthorized
		if utils.IsKind(err, utils.KindValidation) {
			status = http.StatusBadRequest
		}
		writeError(w, status, auth.LoginFailureMessage(err))
		return
	}
	g.me(w, r)
}

func (g *gui) logout(w http.ResponseWriter, r *http.Request) {
	if err := g.app.Logout(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, utils.UserMessage(err, "Unable to log out."))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *gui) courses(w http.ResponseWriter, r *http.Request) {
	me, err := g.app.Client.Me(r.Context())
	if err != nil {
		writeError(w, statusOf(err), utils.UserMessage(err, "Unable to load courses."))
		return
	}
	var courses []models.Course
	if me.Role == models.RoleStudent {
		courses, err = g.app.Client.EnrolledCourses(r.Context())
	} else {
		courses, err = g.app.Client.MyCourses(r.Context())
	}
	if err != nil {
		writeError(w, statusOf(err), utils.UserMessage(err, "Unable to load courses."))
		return
	}
	if courses == nil {
		courses = []models.Course{}
	}
	writeJSON(w, http.StatusOK, courses)
}

func (g *gui) present(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CourseID  int     `json:"course_id"`
		Token     string  `json:"token"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	tok, err := g.app.Issuer.Issue(r.Context(), req.CourseID, attendance.IssueOptions{
		Token: req.Token, Latitude: req.Latitude, Longitude: req.Longitude,
	})
	if err != nil {
		writeError(w, statusOf(err), attendance.IssueFailureMessage(err))
		return
	}
	g.app.Presenter.Open(tok)
	payload, _ := attendance.EncodePayload(tok)
	writeJSON(w, http.StatusCreated, map[string]any{"token": tok.Token, "expires_at": tok.ExpiresAt, "payload": payload})
}

func (g *gui) dismiss(w http.ResponseWriter, r *http.Request) {
	st := g.app.Presenter.State()
	g.app.Presenter.Close()
	if r.URL.Query().Get("end") != "" && st.Phase == attendance.PhaseDisplaying {
		if err := g.app.Issuer.End(r.Context(), st.Token.CourseID); err != nil {
			writeError(w, statusOf(err), attendance.EndFailureMessage(err))
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *gui) qr(w http.ResponseWriter, r *http.Request) {
	size, err := strconv.Atoi(r.URL.Query().Get("size"))
	if err != nil || size < 64 || size > 1024 {
		size = 256
	}
	png, err := g.app.Presenter.QRPNG(size)
	if errors.Is(err, attendance.ErrNotDisplaying) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (g *gui) checkIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	msg, err := g.app.Submitter.Submit(r.Context(), req.Text)
	if err != nil {
		status := statusOf(err)
		if errors.Is(err, attendance.ErrSubmitInProgress) {
			status = http.StatusConflict
		}
		writeError(w, status, attendance.SubmitFailureMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, models.MessageResponse{Message: msg})
}

func (g *gui) activity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string `json:"kind"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	kind, ok := auth.ParseActivityKind(req.Kind)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown activity kind")
		return
	}
	g.app.Session.Activity(kind)
	w.WriteHeader(http.StatusNoContent)
}

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harrylevesque/qrattend/internal"
	"github.com/harrylevesque/qrattend/internal/attendance"
	"github.com/harrylevesque/qrattend/internal/auth"
	"github.com/harrylevesque/qrattend/internal/config"
	"github.com/harrylevesque/qrattend/internal/models"
	"github.com/harrylevesque/qrattend/internal/report"
	"github.com/harrylevesque/qrattend/internal/utils"
)

var (
	cmd        = flag.String("cmd", "me", "Command: login|logout|me|courses|present|end|checkin|history|export|report|ledger|location|feedback")
	configPath = flag.String("config", "", "Config file (default qrattend.yaml in . or the data dir)")
	serverFlag = flag.String("server", "", "Override server base URL (e.g. https://attendance.example.edu)")

	role     = flag.String("role", "student", "Login form: student|staff|user")
	username = flag.String("username", "", "Username")
	password = flag.String("password", "", "Password (default $QRATTEND_PASSWORD, else prompted)")
	ident    = flag.String("id", "", "Student or staff ID")

	courseID = flag.Int("course", 0, "Course ID")
	token    = flag.String("token", "", "Attendance token (present: optional fixed token; checkin: token or QR text)")
	lat      = flag.Float64("lat", 0, "Latitude of the lecture room")
	lng      = flag.Float64("lng", 0, "Longitude of the lecture room")
	endAfter = flag.Bool("end", false, "present: end the attendance session when closing")

	scan  = flag.Bool("scan", false, "checkin: read the QR code with the camera command from the config")
	wedge = flag.Bool("wedge", false, "checkin: read the QR text from stdin (barcode scanner wedge)")

	attendanceID = flag.Int("attendance", 0, "report: attendance session ID")
	startDate    = flag.String("from", "", "report: start date YYYY-MM-DD")
	endDate      = flag.String("to", "", "report: end date YYYY-MM-DD")
	format       = flag.String("format", "xlsx", "report: xlsx|pdf")
	out          = flag.String("out", "", "report: output dir; export/ledger: xlsx file")
	limit        = flag.Int("limit", 20, "ledger: rows to show")

	rating  = flag.Int("rating", 0, "feedback: rating 1-5")
	comment = flag.String("comment", "", "feedback: comment")
)

func main() {
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	if *serverFlag != "" {
		cfg.Server.BaseURL = strings.TrimRight(*serverFlag, "/")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := newStdin()
	a, err := internal.NewApp(cfg, internal.Options{
		Location: attendance.StaticLocation{Lat: *lat, Lng: *lng},
		Prompter: in,
		OnExpire: func(msg string) {
			fmt.Println()
			fmt.Println(msg)
			cancel()
		},
		OnUnauthorized: func() {
			fmt.Println("Your session is no longer valid. Log in again with --cmd login.")
		},
	})
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	go a.Log.RotateLog(ctx)
	if !*wedge {
		in.start(func() { a.Session.Activity(auth.KeyDown) })
	}

	err = run(ctx, a, in)
	a.Close()
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, a *internal.App, in *stdin) error {
	switch *cmd {
	case "login":
		return loginCmd(ctx, a, in)
	case "logout":
		return a.Logout(ctx)
	}

	me, ok, err := a.Resume(ctx)
	if !ok {
		return errors.New("not logged in; run with --cmd login")
	}
	if err != nil {
		return errors.New(utils.UserMessage(err, "Unable to reach the server."))
	}

	switch *cmd {
	case "me":
		fmt.Printf("%s (%s) <%s>\n", me.Username, me.Role, me.Email)
		if d, ok := a.Session.Deadline(); ok {
			fmt.Println("Session expires without activity at", d.Format(time.Kitchen))
		}
		return nil
	case "courses":
		return coursesCmd(ctx, a, me)
	case "present":
		return presentCmd(ctx, a, in)
	case "end":
		if err := a.Issuer.End(ctx, *courseID); err != nil {
			return errors.New(attendance.EndFailureMessage(err))
		}
		fmt.Println("Attendance session ended.")
		return nil
	case "checkin":
		return checkInCmd(ctx, a)
	case "history", "export":
		return historyCmd(ctx, a, me)
	case "report":
		path, err := report.Download(ctx, a.Client, report.Request{
			AttendanceID: *attendanceID,
			CourseID:     *courseID,
			StartDate:    *startDate,
			EndDate:      *endDate,
			Format:       report.Format(*format),
		}, outDir())
		if err != nil {
			return errors.New(utils.UserMessage(err, "Failed to download report."))
		}
		fmt.Println("Report saved to", path)
		return nil
	case "ledger":
		return ledgerCmd(ctx, a)
	case "location":
		if me.LecturerID == nil {
			return errors.New("only lecturers have a lecture room location")
		}
		if err := a.Client.UpdateLecturerLocation(ctx, *me.LecturerID, *lat, *lng); err != nil {
			return errors.New(utils.UserMessage(err, "Unable to update location."))
		}
		fmt.Println("Location updated.")
		return nil
	case "feedback":
		if err := a.Client.SubmitFeedback(ctx, models.Feedback{Rating: *rating, Comment: *comment}); err != nil {
			return errors.New(utils.UserMessage(err, "Unable to send feedback."))
		}
		fmt.Println("Thanks for the feedback.")
		return nil
	default:
		return fmt.Errorf("unknown command %q", *cmd)
	}
}

func loginCmd(ctx context.Context, a *internal.App, in *stdin) error {
	pw := *password
	if pw == "" {
		pw = os.Getenv("QRATTEND_PASSWORD")
	}
	if pw == "" {
		fmt.Print("Password: ")
		line, ok := in.line(ctx)
		if !ok {
			return errors.New("no password given")
		}
		pw = line
	}
	if _, err := a.Login(ctx, *role, *username, pw, *ident); err != nil {
		return errors.New(auth.LoginFailureMessage(err))
	}
	fmt.Println("Logged in as", *username)
	return nil
}

func coursesCmd(ctx context.Context, a *internal.App, me models.Me) error {
	var (
		courses []models.Course
		err     error
	)
	if me.Role == models.RoleStudent {
		courses, err = a.Client.EnrolledCourses(ctx)
	} else {
		courses, err = a.Client.MyCourses(ctx)
	}
	if err != nil {
		return errors.New(utils.UserMessage(err, "Unable to load courses."))
	}
	for _, c := range courses {
		fmt.Printf("%5d  %-8s %s\n", c.ID, c.CourseCode, c.Name)
	}
	return nil
}

// presentCmd shows the QR code and the live count until Enter, Ctrl-C or expiry.
func presentCmd(ctx context.Context, a *internal.App, in *stdin) error {
	tok, err := a.Issuer.Issue(ctx, *courseID, attendance.IssueOptions{Token: *token, Latitude: *lat, Longitude: *lng})
	if err != nil {
		return errors.New(attendance.IssueFailureMessage(err))
	}
	a.Presenter.Open(tok)
	defer a.Presenter.Close()

	qr, err := a.Presenter.QRTerminal()
	if err != nil {
		return err
	}
	fmt.Print(qr)
	fmt.Printf("Token %s for course %d, valid until %s. Press Enter to close.\n", tok.Token, tok.CourseID, tok.ExpiresAt.Local().Format(time.Kitchen))

	states, unsubscribe := a.Presenter.Subscribe()
	defer unsubscribe()
	enter := make(chan struct{})
	go func() {
		if _, ok := in.line(ctx); ok {
			close(enter)
		}
	}()

	last := ""
	for {
		select {
		case st := <-states:
			if st.Phase == attendance.PhaseClosed {
				// Closed underneath us: the credential was lost.
				fmt.Println()
				return errors.New("attendance display closed: you were logged out")
			}
			if !st.HasSnapshot {
				continue
			}
			line := "Present: " + st.Display()
			if st.Degraded {
				line += "  (connection problems)"
			}
			if line != last {
				fmt.Printf("\r%-60s", line)
				last = line
			}
		case <-enter:
			fmt.Println()
			a.Presenter.Close()
			if !*endAfter {
				return nil
			}
			endCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.Timeout)
			defer cancel()
			if err := a.Issuer.End(endCtx, tok.CourseID); err != nil {
				return errors.New(attendance.EndFailureMessage(err))
			}
			fmt.Println("Attendance session ended.")
			return nil
		case <-ctx.Done():
			fmt.Println()
			return nil
		}
	}
}

func checkInCmd(ctx context.Context, a *internal.App) error {
	text := *token
	if *scan || *wedge {
		var cam attendance.Camera = &attendance.ZbarCamera{Command: a.Config.Camera.Command, Log: a.Log}
		if *wedge {
			cam = &attendance.LineCamera{R: os.Stdin}
			fmt.Println("Scan the QR code...")
		}
		t, err := attendance.NewScanner(cam, a.Log).ScanOnce(ctx)
		if err != nil {
			return errors.New(attendance.ScanFailureMessage(err))
		}
		text = t
	}
	msg, err := a.Submitter.Submit(ctx, text)
	if err != nil {
		return errors.New(attendance.SubmitFailureMessage(err))
	}
	fmt.Println(msg)
	return nil
}

func historyCmd(ctx context.Context, a *internal.App, me models.Me) error {
	var (
		groups []models.HistoryGroup
		err    error
	)
	if me.Role == models.RoleStudent {
		groups, err = a.Client.StudentHistory(ctx)
	} else {
		groups, err = a.Client.LecturerHistory(ctx)
	}
	if err != nil {
		return errors.New(utils.UserMessage(err, "Unable to load attendance history."))
	}
	if *cmd == "export" {
		path := *out
		if path == "" {
			path = fmt.Sprintf("attendance_history_%d.xlsx", time.Now().UnixMilli())
		}
		if err := report.ExportHistory(groups, path); err != nil {
			return err
		}
		fmt.Println("History exported to", path)
		return nil
	}
	for _, g := range groups {
		fmt.Printf("%s (%d)\n", g.CourseCode, len(g.Attendances))
		for _, e := range g.Attendances {
			fmt.Println("  ", e.Date)
		}
	}
	return nil
}

func ledgerCmd(ctx context.Context, a *internal.App) error {
	checkIns, err := a.Ledger.CheckIns(ctx, *limit)
	if err != nil {
		return err
	}
	if *out != "" {
		if err := report.ExportLedger(checkIns, *out); err != nil {
			return err
		}
		fmt.Println("Ledger exported to", *out)
		return nil
	}
	for _, c := range checkIns {
		fmt.Printf("%s  %-9s %.12s  %s\n", c.At.Local().Format(time.DateTime), c.Outcome, c.TokenHash, c.Message)
	}
	issued, err := a.Ledger.Issued(ctx, *limit)
	if err != nil {
		return err
	}
	for _, t := range issued {
		fmt.Printf("%s  issued    %-12s course %d until %s\n", t.IssuedAt.Local().Format(time.DateTime), t.Token, t.CourseID, t.ExpiresAt.Local().Format(time.Kitchen))
	}
	return nil
}

func outDir() string {
	if *out != "" {
		return *out
	}
	return "."
}

// ===== Terminal input =====

// stdin hands out input lines. Every line counts as key-down activity for the
// session timer; while the inactivity prompt is open the next line answers it.
type stdin struct {
	lines chan string

	mu     sync.Mutex
	prompt chan string
}

func newStdin() *stdin {
	return &stdin{lines: make(chan string)}
}

func (s *stdin) start(onLine func()) {
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			l := strings.TrimSpace(sc.Text())
			onLine()
			s.mu.Lock()
			p := s.prompt
			s.prompt = nil
			s.mu.Unlock()
			if p != nil {
				p <- l
				continue
			}
			s.lines <- l
		}
		close(s.lines)
	}()
}

func (s *stdin) line(ctx context.Context) (string, bool) {
	select {
	case l, ok := <-s.lines:
		return l, ok
	case <-ctx.Done():
		return "", false
	}
}

// Confirm implements auth.Prompter on the terminal.
func (s *stdin) Confirm(ctx context.Context, msg string) bool {
	p := make(chan string, 1)
	s.mu.Lock()
	s.prompt = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.prompt == p {
			s.prompt = nil
		}
		s.mu.Unlock()
	}()

	fmt.Printf("\n%s [Y/n] ", msg)
	select {
	case l := <-p:
		return l == "" || strings.EqualFold(l, "y") || strings.EqualFold(l, "yes")
	case <-ctx.Done():
		return false
	}
}

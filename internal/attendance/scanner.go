package attendance

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strings"
	"sync"

	"github.com/harrylevesque/qrattend/internal/utils"
)

// Camera hands out scanning sessions. Only one session should be open at a time.
type Camera interface {
	Open(ctx context.Context) (CameraSession, error)
}

// CameraSession yields decoded QR texts until stopped.
type CameraSession interface {
	Next(ctx context.Context) (string, error)
	// Stop releases the device. It is idempotent.
	Stop() error
}

var ErrSessionStopped = errors.New("camera session stopped")

// WithSession opens a camera session for the duration of fn and always releases it.
func WithSession(ctx context.Context, cam Camera, fn func(CameraSession) error) error {
	sess, err := cam.Open(ctx)
	if err != nil {
		return err
	}
	defer sess.Stop()
	return fn(sess)
}

type Scanner struct {
	cam Camera
	log *utils.Logger
}

func NewScanner(cam Camera, log *utils.Logger) *Scanner {
	if log == nil {
		log = utils.Discard()
	}
	return &Scanner{cam: cam, log: log}
}

// ScanOnce returns the first token decoded by the camera. The session is
// stopped before the token is handed back, so later decodes go nowhere.
func (s *Scanner) ScanOnce(ctx context.Context) (string, error) {
	var token string
	err := WithSession(ctx, s.cam, func(sess CameraSession) error {
		for {
			text, err := sess.Next(ctx)
			if err != nil {
				return err
			}
			if t := ParsePayload(text); t != "" {
				token = t
				return sess.Stop()
			}
		}
	})
	if err != nil {
		s.log.Warnf("scan: %v", err)
		return "", err
	}
	return token, nil
}

// ScanFailureMessage is the text shown when scanning fails. Only a denied
// camera gets the permission message.
func ScanFailureMessage(err error) string {
	return utils.UserMessage(err, utils.MsgScanFailed)
}

// ===== Feed camera =====

// FeedCamera is a camera whose decodes are pushed in by the caller, e.g. a
// browser or native shell doing the decoding itself.
type FeedCamera struct {
	mu   sync.Mutex
	cur  *feedSession
	deny error
}

func NewFeedCamera() *FeedCamera { return &FeedCamera{} }

// Deny makes Open fail with a permission error until cleared with nil.
func (c *FeedCamera) Deny(err error) {
	c.mu.Lock()
	c.deny = err
	c.mu.Unlock()
}

func (c *FeedCamera) Open(context.Context) (CameraSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deny != nil {
		return nil, &utils.CustomError{Kind: utils.KindPermission, Message: utils.MsgCameraDenied, Err: c.deny}
	}
	if c.cur != nil {
		c.cur.Stop()
	}
	c.cur = &feedSession{ch: make(chan string, 8), stopped: make(chan struct{})}
	return c.cur, nil
}

// Feed delivers a decoded text to the open session. It reports false when no
// session is listening.
func (c *FeedCamera) Feed(text string) bool {
	c.mu.Lock()
	sess := c.cur
	c.mu.Unlock()
	if sess == nil {
		return false
	}
	return sess.push(text)
}

// Active reports whether a session is open.
func (c *FeedCamera) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil && !c.cur.isStopped()
}

type feedSession struct {
	mu      sync.Mutex
	ch      chan string
	stopped chan struct{}
	done    bool
}

func (f *feedSession) push(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return false
	}
	select {
	case f.ch <- text:
		return true
	default:
		return false
	}
}

func (f *feedSession) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *feedSession) Next(ctx context.Context) (string, error) {
	select {
	case <-f.stopped:
		return "", ErrSessionStopped
	default:
	}
	select {
	case text := <-f.ch:
		return text, nil
	case <-f.stopped:
		return "", ErrSessionStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *feedSession) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.done {
		f.done = true
		close(f.stopped)
	}
	return nil
}

// ===== Line camera =====

// LineCamera reads one decoded text per line from R, e.g. a scanner wedge on stdin.
type LineCamera struct {
	R io.Reader

	once  sync.Once
	lines chan string
	err   error
}

func (c *LineCamera) start() {
	c.lines = make(chan string)
	go func() {
		sc := bufio.NewScanner(c.R)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				c.lines <- line
			}
		}
		c.err = sc.Err()
		if c.err == nil {
			c.err = io.EOF
		}
		close(c.lines)
	}()
}

func (c *LineCamera) Open(context.Context) (CameraSession, error) {
	c.once.Do(c.start)
	return &lineSession{cam: c, stopped: make(chan struct{})}, nil
}

type lineSession struct {
	cam     *LineCamera
	once    sync.Once
	stopped chan struct{}
}

func (l *lineSession) Next(ctx context.Context) (string, error) {
	select {
	case <-l.stopped:
		return "", ErrSessionStopped
	default:
	}
	select {
	case line, ok := <-l.cam.lines:
		if !ok {
			return "", l.cam.err
		}
		return line, nil
	case <-l.stopped:
		return "", ErrSessionStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *lineSession) Stop() error {
	l.once.Do(func() { close(l.stopped) })
	return nil
}

// ===== zbarcam =====

// ZbarCamera drives an external decoder process such as `zbarcam --raw`, which
// prints one decoded text per line. Killing the process releases the device.
type ZbarCamera struct {
	Command []string
	Log     *utils.Logger
}

func (z *ZbarCamera) Open(ctx context.Context) (CameraSession, error) {
	if len(z.Command) == 0 {
		return nil, utils.New(utils.KindValidation, 0, "No camera command configured. Set camera.command in the config.")
	}
	cmd := exec.Command(z.Command[0], z.Command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, &utils.CustomError{
				Kind:    utils.KindValidation,
				Message: fmt.Sprintf("Camera program %q not found. Set camera.command in the config.", z.Command[0]),
				Err:     err,
			}
		}
		return nil, fmt.Errorf("start camera: %w", err)
	}
	s := &zbarSession{cmd: cmd, lines: make(chan string), stopped: make(chan struct{}), exited: make(chan struct{}), stderr: &stderr, log: z.Log}
	go s.read(stdout)
	return s, nil
}

type zbarSession struct {
	cmd     *exec.Cmd
	lines   chan string
	stopped chan struct{}
	exited  chan struct{}
	stderr  *bytes.Buffer
	waitErr error
	once    sync.Once
	log     *utils.Logger
}

func (z *zbarSession) read(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case z.lines <- line:
		case <-z.stopped:
			// Drain so the process never blocks on a full pipe before it is killed.
		}
	}
	z.waitErr = z.cmd.Wait()
	close(z.exited)
}

func (z *zbarSession) Next(ctx context.Context) (string, error) {
	select {
	case <-z.stopped:
		return "", ErrSessionStopped
	default:
	}
	select {
	case line := <-z.lines:
		return line, nil
	case <-z.exited:
		return "", z.exitError()
	case <-z.stopped:
		return "", ErrSessionStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (z *zbarSession) exitError() error {
	msg := strings.ToLower(z.stderr.String())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "opening video device") || strings.Contains(msg, "no such file") {
		return &utils.CustomError{Kind: utils.KindPermission, Message: utils.MsgCameraDenied, Err: z.waitErr}
	}
	if z.waitErr != nil {
		return z.waitErr
	}
	return io.EOF
}

func (z *zbarSession) Stop() error {
	z.once.Do(func() {
		close(z.stopped)
		if z.cmd.Process != nil {
			if err := z.cmd.Process.Kill(); err != nil && z.log != nil {
				z.log.Warnf("stop camera: %v", err)
			}
		}
		<-z.exited
	})
	return nil
}

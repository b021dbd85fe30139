package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/harrylevesque/qrattend/internal/metrics"
	"github.com/harrylevesque/qrattend/internal/models"
	"github.com/harrylevesque/qrattend/internal/utils"
)

// LiveAPI is the live-count endpoint the presenter polls.
type LiveAPI interface {
	LiveAttendance(ctx context.Context, courseID int) (models.LiveSnapshot, error)
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDisplaying
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseDisplaying:
		return "displaying"
	case PhaseClosed:
		return "closed"
	default:
		return "idle"
	}
}

// State is what the presenter currently shows.
type State struct {
	Phase       Phase
	Token       models.AttendanceToken
	Snapshot    models.LiveSnapshot
	HasSnapshot bool
	// Degraded is set after too many consecutive poll failures and cleared by the next success.
	Degraded    bool
	LastUpdated time.Time
}

// Display formats the headcount as "<present> / <total>".
func (s State) Display() string {
	return fmt.Sprintf("%d / %d", s.Snapshot.PresentCount, s.Snapshot.TotalEnrolled)
}

var ErrNotDisplaying = errors.New("no attendance token is being displayed")

type PresenterConfig struct {
	PollInterval       time.Duration
	MaxPollFailures    int
	MaxRecentAttendees int
}

// Presenter displays one attendance token at a time and keeps its live count
// fresh by polling at a fixed interval.
type Presenter struct {
	api     LiveAPI
	cfg     PresenterConfig
	log     *utils.Logger
	metrics *metrics.Metrics

	opMu sync.Mutex // serialises Open/Close

	mu         sync.Mutex
	state      State
	gen        uint64
	nextSeq    uint64
	appliedSeq uint64
	failures   int
	cancel     context.CancelFunc
	done       chan struct{}
	cur        pollCtx
	subs       map[int]chan State
	nextSub    int

	// observe, when set, sees every poll result after the apply decision.
	observe func(seq uint64, applied bool)
}

func NewPresenter(api LiveAPI, cfg PresenterConfig, log *utils.Logger, m *metrics.Metrics) *Presenter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = 5
	}
	if cfg.MaxRecentAttendees <= 0 {
		cfg.MaxRecentAttendees = 10
	}
	if log == nil {
		log = utils.Discard()
	}
	return &Presenter{api: api, cfg: cfg, log: log, metrics: m, subs: make(map[int]chan State)}
}

// Open displays token, replacing whatever was displayed before, and starts
// polling immediately.
func (p *Presenter) Open(token models.AttendanceToken) {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	p.stopLoop()

	ctx, cancel := context.WithCancel(context.Background())
	pc := pollCtx{ctx: ctx, wg: &sync.WaitGroup{}}
	done := make(chan struct{})

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.nextSeq, p.appliedSeq, p.failures = 0, 0, 0
	p.cancel, p.done, p.cur = cancel, done, pc
	p.state = State{Phase: PhaseDisplaying, Token: token}
	p.publishLocked()
	p.mu.Unlock()

	p.log.Infof("presenting attendance token for course %d", token.CourseID)
	go p.loop(pc, gen, token.CourseID, done)
}

// Close stops polling and discards the displayed token and its count. When it
// returns no further poll will be sent and no in-flight response will be
// applied. Safe to call twice.
func (p *Presenter) Close() {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	p.stopLoop()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

// Abandon is Close without waiting for in-flight polls, so it may run inside a
// poll's own call stack (a 401 clearing the credential). No poll starts after
// it returns and none in flight is applied; a later Open or Close still waits
// for the old loop to drain.
func (p *Presenter) Abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	if p.cancel != nil {
		p.cancel()
	}
	p.closeLocked()
}

func (p *Presenter) closeLocked() {
	if p.state.Phase == PhaseClosed {
		return
	}
	p.state = State{Phase: PhaseClosed}
	p.publishLocked()
	p.log.Info("attendance display closed")
}

// Refresh sends one extra poll right away.
func (p *Presenter) Refresh() error {
	p.mu.Lock()
	if p.state.Phase != PhaseDisplaying || p.cancel == nil {
		p.mu.Unlock()
		return ErrNotDisplaying
	}
	gen, pc := p.gen, p.cur
	courseID := p.state.Token.CourseID
	p.mu.Unlock()
	p.poll(pc, gen, courseID)
	return nil
}

func (p *Presenter) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Subscribe returns a channel carrying the latest state after every change.
// Slow readers only ever miss intermediate states.
func (p *Presenter) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	ch <- p.state
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// stopLoop cancels the current display context and waits for its loop and
// polls to finish. Caller holds opMu.
func (p *Presenter) stopLoop() {
	p.mu.Lock()
	p.gen++ // voids any in-flight response right away
	cancel, done := p.cancel, p.done
	p.cancel, p.done, p.cur = nil, nil, pollCtx{}
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// pollCtx ties polls to one display context so it can wait for them.
type pollCtx struct {
	ctx context.Context
	wg  *sync.WaitGroup
}

func (p *Presenter) loop(pc pollCtx, gen uint64, courseID int, done chan struct{}) {
	defer func() {
		pc.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.poll(pc, gen, courseID)
	for {
		select {
		case <-pc.ctx.Done():
			return
		case <-ticker.C:
			// A tick may race cancellation; never send after it.
			if pc.ctx.Err() != nil {
				return
			}
			p.poll(pc, gen, courseID)
		}
	}
}

// poll sends one tagged request in the background.
func (p *Presenter) poll(pc pollCtx, gen uint64, courseID int) {
	if pc.ctx == nil || pc.wg == nil {
		return
	}
	p.mu.Lock()
	if gen != p.gen || pc.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.nextSeq++
	seq := p.nextSeq
	pc.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer pc.wg.Done()
		start := time.Now()
		snap, err := p.api.LiveAttendance(pc.ctx, courseID)
		p.metrics.Poll(err == nil, time.Since(start))
		applied := p.apply(gen, seq, snap, err)
		if p.observe != nil {
			p.observe(seq, applied)
		}
	}()
}

func (p *Presenter) apply(gen, seq uint64, snap models.LiveSnapshot, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen || p.state.Phase != PhaseDisplaying || seq <= p.appliedSeq {
		p.metrics.Discarded()
		return false
	}
	if err != nil {
		p.failures++
		p.log.Warnf("live attendance poll %d for course %d failed (%d in a row): %v", seq, p.state.Token.CourseID, p.failures, err)
		if p.failures >= p.cfg.MaxPollFailures && !p.state.Degraded {
			p.state.Degraded = true
			p.log.Warnf("live attendance for course %d degraded after %d failures", p.state.Token.CourseID, p.failures)
			p.publishLocked()
		}
		return false
	}
	p.appliedSeq = seq
	p.failures = 0
	if len(snap.RecentAttendees) > p.cfg.MaxRecentAttendees {
		snap.RecentAttendees = snap.RecentAttendees[:p.cfg.MaxRecentAttendees]
	}
	p.state.Snapshot = snap
	p.state.HasSnapshot = true
	p.state.Degraded = false
	p.state.LastUpdated = time.Now()
	p.metrics.Present(snap.PresentCount)
	p.publishLocked()
	return true
}

func (p *Presenter) publishLocked() {
	st := p.state
	for _, ch := range p.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	}
}

// QRPayload is the text encoded in the displayed QR code.
func (p *Presenter) QRPayload() (string, error) {
	st := p.State()
	if st.Phase != PhaseDisplaying {
		return "", ErrNotDisplaying
	}
	return EncodePayload(st.Token)
}

// QRPNG renders the displayed token as a PNG of size x size pixels.
func (p *Presenter) QRPNG(size int) ([]byte, error) {
	payload, err := p.QRPayload()
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(payload, qrcode.Medium, size)
}

// QRTerminal renders the displayed token with half-block characters.
func (p *Presenter) QRTerminal() (string, error) {
	payload, err := p.QRPayload()
	if err != nil {
		return "", err
	}
	return TerminalQR(payload)
}

func TerminalQR(payload string) (string, error) {
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return "", err
	}
	bm := qr.Bitmap()
	var b strings.Builder
	for y := 0; y < len(bm); y += 2 {
		for x := range bm[y] {
			top := bm[y][x]
			bottom := y+1 < len(bm) && bm[y+1][x]
			switch {
			case top && bottom:
				b.WriteRune('█')
			case top:
				b.WriteRune('▀')
			case bottom:
				b.WriteRune('▄')
			default:
				b.WriteRune(' ')
			}
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

package mobile

import (
	"context"
	"errors"

	"github.com/harrylevesque/qrattend/internal/attendance"
)

// Reading QR codes. The native camera decodes frames itself and hands every
// decoded text to OnScanned; the first one ends the scan and is submitted.

// ErrScanActive is returned when StartScan is called during a scan.
var ErrScanActive = errors.New("a scan is already running")

// StartScan opens a camera session. The result arrives through
// Listener.OnCheckInResult. Call CameraDenied if the platform refused access.
func (b *Bridge) StartScan() error {
	b.mu.Lock()
	if b.scanCancel != nil {
		b.mu.Unlock()
		return ErrScanActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.scanCancel = cancel
	b.mu.Unlock()

	go func() {
		defer b.endScan(cancel)
		tok, err := b.scanner.ScanOnce(ctx)
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			b.l.OnCheckInResult(false, attendance.ScanFailureMessage(err))
			return
		}
		msg, err := b.submit(ctx, tok)
		b.l.OnCheckInResult(err == nil, msg)
	}()
	return nil
}

// OnScanned delivers a decoded QR text. It reports false when no scan is
// waiting, which includes every decode after the first.
func (b *Bridge) OnScanned(text string) bool {
	return b.cam.Feed(text)
}

// CameraDenied makes scans fail with the camera permission message until
// CameraAllowed is called.
func (b *Bridge) CameraDenied(reason string) {
	if reason == "" {
		reason = "permission denied"
	}
	b.cam.Deny(errors.New(reason))
}

func (b *Bridge) CameraAllowed() { b.cam.Deny(nil) }

// CancelScan abandons a running scan. No result is reported for it.
func (b *Bridge) CancelScan() {
	b.mu.Lock()
	cancel := b.scanCancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Scanning reports whether a scan is waiting for a decode.
func (b *Bridge) Scanning() bool { return b.cam.Active() }

// CheckIn submits a manually entered token or pasted QR text and returns the
// backend's confirmation.
func (b *Bridge) CheckIn(text string) (string, error) {
	ctx, cancel := b.timeout()
	defer cancel()
	msg, err := b.submit(ctx, text)
	if err != nil {
		return "", errors.New(msg)
	}
	return msg, nil
}

// submit returns the text to show for either outcome.
func (b *Bridge) submit(ctx context.Context, text string) (string, error) {
	msg, err := b.app.Submitter.Submit(ctx, text)
	if err != nil {
		return attendance.SubmitFailureMessage(err), err
	}
	return msg, nil
}

func (b *Bridge) endScan(cancel context.CancelFunc) {
	cancel()
	b.mu.Lock()
	b.scanCancel = nil
	b.mu.Unlock()
}

package mobile

import (
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/harrylevesque/qrattend/internal/attendance"
	"github.com/harrylevesque/qrattend/internal/utils"
)

// ScanResult is a decoded QR text, flattened for native callers. CourseID and
// ValidUntil are only known for JSON payloads.
type ScanResult struct {
	Token      string
	CourseID   int
	ValidUntil string
	Expired    bool
}

// ParseScan inspects scanned text without submitting it, so the shell can show
// which course a code belongs to before the student confirms.
func ParseScan(text string) (*ScanResult, error) {
	tok := attendance.ParsePayload(text)
	if tok == "" {
		return nil, utils.New(utils.KindValidation, 0, utils.MsgEmptyToken)
	}
	res := &ScanResult{Token: tok}
	var p attendance.Payload
	if strings.HasPrefix(strings.TrimSpace(text), "{") && sonic.ConfigStd.UnmarshalFromString(text, &p) == nil && p.Token != "" {
		res.CourseID = p.CourseID
		if !p.ValidUntil.IsZero() {
			res.ValidUntil = p.ValidUntil.Format(time.RFC3339)
			res.Expired = p.ValidUntil.Before(time.Now())
		}
	}
	return res, nil
}

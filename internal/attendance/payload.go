package attendance

import (
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/harrylevesque/qrattend/internal/models"
)

// Payload is what the displayed QR code encodes.
type Payload struct {
	Token      string    `json:"token"`
	CourseID   int       `json:"course_id"`
	ValidUntil time.Time `json:"valid_until"`
}

func EncodePayload(t models.AttendanceToken) (string, error) {
	return sonic.ConfigStd.MarshalToString(Payload{Token: t.Token, CourseID: t.CourseID, ValidUntil: t.ExpiresAt})
}

// ParsePayload extracts the token from scanned text. A JSON payload yields its
// token field; anything else is taken as a raw token.
func ParsePayload(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "{") {
		var p Payload
		if err := sonic.ConfigStd.UnmarshalFromString(text, &p); err == nil && p.Token != "" {
			return strings.TrimSpace(p.Token)
		}
	}
	return text
}

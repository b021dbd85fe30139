package mobile

import (
	_ "embed"
	"net/http"
)

// Page is the browser surface shared by the desktop GUI and WebView shells.
//
//go:embed gui/index.html
var Page []byte

// PageHandler serves Page.
func PageHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; img-src 'self' blob:; style-src 'self' 'unsafe-inline'; script-src 'self' 'unsafe-inline'; connect-src 'self' ws: wss:")
		_, _ = w.Write(Page)
	})
}

package web

import (
	"fmt"
	"net/http"
)

// renderHello writes the minimal post-enrollment confirmation page.
// spec.md's Non-goals exclude a login UI or activity browsing HTML; this
// exists only so a human clicking through /authorize gets some response
// back instead of a bare 200 with no body, matching
// original_source/tourmap's "strava/hello.html" in spirit, not content.
func renderHello(w http.ResponseWriter, userID int64) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html><html><head><title>Connected</title></head>
<body><p>Strava account linked (user id %d). Activity syncing has started.</p></body></html>`, userID)
}

package server

import (
	"net/http"
)

// Pre-allocated response body and header value slice, saving the
// allocations Header.Set and []byte conversions would spend per probe.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// statusReadyz reports readiness from the counter store probe. A down store
// does not stop the proxy (rate checking fails open) but it is worth
// steering traffic away from this instance when possible.
func statusReadyz(ready ReadyChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				w.Header()["Content-Type"] = plainCT
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write(notReadyBody)
				return
			}
		}
		w.Header()["Content-Type"] = plainCT
		w.WriteHeader(http.StatusOK)
		w.Write(okBody)
	}
}

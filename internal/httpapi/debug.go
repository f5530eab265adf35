package httpapi

import (
	"crypto/subtle"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/go-chi/chi/v5"

	logx "labkeeper/pkg/logx"
)

// PprofConfig mounts net/http/pprof on the API listener.
//
// On a non-loopback listen address a Token is required unless
// AllowInsecure is set.
type PprofConfig struct {
	Enabled       bool
	Prefix        string
	Token         string
	AllowInsecure bool
}

func (h *handler) mountPprof(r chi.Router) {
	cfg := h.cfg.Pprof
	if cfg.Token == "" && !isLoopbackAddr(h.cfg.Addr) {
		if !cfg.AllowInsecure {
			h.log.Error("pprof not mounted: non-loopback addr requires token or allow_insecure", logx.String("addr", h.cfg.Addr))
			return
		}
		h.log.Warn("pprof mounted without token on non-loopback addr (insecure)", logx.String("addr", h.cfg.Addr))
	}

	prefix := cfg.Prefix
	base := strings.TrimSuffix(prefix, "/")
	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Get(base, func(w http.ResponseWriter, req *http.Request) {
			http.Redirect(w, req, prefix, http.StatusPermanentRedirect)
		})
		r.Get(base+"/cmdline", hpprof.Cmdline)
		r.Get(base+"/profile", hpprof.Profile)
		r.Get(base+"/symbol", hpprof.Symbol)
		r.Post(base+"/symbol", hpprof.Symbol)
		r.Get(base+"/trace", hpprof.Trace)
		r.Get(prefix+"*", pprofIndexAt(prefix))
	})
	h.log.Info("pprof mounted", logx.String("prefix", prefix), logx.Bool("token_set", cfg.Token != ""))
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprofIndexAt serves pprof.Index under a custom prefix; Index expects
// paths rooted at /debug/pprof/.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Package httpapi serves the inventory web API, the confirmation mail
// endpoint, manual notification runs and the static front end.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"labkeeper/internal/mail"
	"labkeeper/internal/metrics"
	"labkeeper/internal/notify"
	"labkeeper/internal/storage"
	logx "labkeeper/pkg/logx"
)

// Confirmer queues a confirmation mail.
type Confirmer interface {
	Notify(ctx context.Context, kind, itemID string, msg mail.Message) error
}

// NotifyRunner performs one expiration notification run.
type NotifyRunner interface {
	RunOnce(ctx context.Context, opts notify.RunOptions) (notify.Summary, error)
}

// Deps are the collaborators behind the handlers. Metrics, Runner,
// Confirm and Runtime may be nil; the matching endpoints then report 503
// or omit the data.
type Deps struct {
	Store    storage.Store
	Composer *notify.Composer
	Confirm  Confirmer
	Runner   NotifyRunner
	Metrics  *metrics.Metrics
	// Runtime is embedded in /api/health, typically supervisor counters.
	Runtime func() any
}

type handler struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time
}

// NewRouter builds the complete route table.
func NewRouter(cfg Config, deps Deps, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	h := &handler{cfg: cfg, deps: deps, log: log, now: time.Now}
	return h.routes()
}

func (h *handler) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.recoverer)
	if h.deps.Metrics != nil {
		r.Use(h.deps.Metrics.Middleware)
	}
	r.Use(h.requestLog)
	r.Use(cors)

	// Front end database API.
	r.Get("/api/items", h.listItems)
	r.Post("/api/items", h.addItem)
	r.Post("/api/items/update", h.updateItem)
	r.Post("/api/items/delete", h.deleteItem)
	r.Post("/api/items/archive", h.archiveItem)
	r.Post("/api/items/import", h.importItems)
	r.Get("/api/archived", h.listArchived)
	r.Post("/send-notification", h.sendConfirmation)

	// Read API for external notifiers and dashboards.
	r.Route("/api/inventory", func(r chi.Router) {
		r.Get("/current", h.inventoryCurrent)
		r.Get("/archived", h.inventoryArchived)
		r.Get("/all", h.inventoryAll)
		r.Get("/notifications", h.inventoryNotifications)
	})
	r.Post("/api/notify/run", h.runNotify)
	r.Get("/api/health", h.health)

	if h.deps.Metrics != nil && h.cfg.MetricsPath != "" {
		r.Handle(h.cfg.MetricsPath, h.deps.Metrics.Handler())
	}
	if h.cfg.Pprof.Enabled {
		h.mountPprof(r)
	}

	r.NotFound(h.notFound)
	return r
}

func (h *handler) notFound(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") || h.cfg.StaticDir == "" || r.Method != http.MethodGet && r.Method != http.MethodHead {
		inventoryError(w, http.StatusNotFound, "API endpoint not found", h.now())
		return
	}
	http.FileServer(http.Dir(h.cfg.StaticDir)).ServeHTTP(w, r)
}

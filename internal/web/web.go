package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inkcal/internal/config"
	"inkcal/internal/ics"
	appLog "inkcal/internal/log"
	"inkcal/internal/model"
	"inkcal/internal/timeline"
)

// EngineFactory loads every configured calendar into a fresh Engine.
type EngineFactory func(ctx context.Context) (*timeline.Engine, error)

// Server serves the resolved timeline over HTTP.
//
// The current Engine is replaced wholesale by Refresh. Engines are not safe
// for concurrent use, so every query holds the write lock while it runs.
type Server struct {
	cfg     *config.Config
	build   EngineFactory
	router  *mux.Router
	metrics *metrics
	now     func() time.Time

	mu          sync.RWMutex
	engine      *timeline.Engine
	refreshedAt time.Time
	generation  uint64
	lastErr     error

	// In-memory cache for /api/events responses keyed by the query, to
	// avoid re-resolving the timeline on every request. Entries carry the
	// engine generation they were resolved against and are dropped on Refresh.
	eventsMu    sync.RWMutex
	eventsCache map[string]eventsCache
}

// NewServer constructs a new Server. No calendar is loaded until Refresh.
func NewServer(cfg *config.Config, build EngineFactory) *Server {
	s := &Server{
		cfg:         cfg,
		build:       build,
		router:      mux.NewRouter(),
		metrics:     newMetrics(),
		now:         time.Now,
		eventsCache: map[string]eventsCache{},
	}
	s.registerRoutes()
	return s
}

// Refresh builds a new Engine and publishes it. On failure the previous
// Engine stays in service.
func (s *Server) Refresh(ctx context.Context) error {
	if s.build == nil {
		return fmt.Errorf("%w: no engine factory", model.ErrMissingDependency)
	}

	started := time.Now()
	engine, err := s.build(ctx)

	s.mu.Lock()
	s.lastErr = err
	if err == nil {
		s.engine = engine
		s.refreshedAt = s.now()
		s.generation++
		s.eventsMu.Lock()
		s.eventsCache = map[string]eventsCache{}
		s.eventsMu.Unlock()
	}
	s.mu.Unlock()

	s.metrics.observeRefresh(time.Since(started), engine, err)
	if err != nil {
		appLog.Error("calendar refresh failed; keeping previous calendars", err)
		return err
	}

	appLog.Info("calendar refresh completed", "documents", engine.Documents(), "duration", time.Since(started).String())
	return nil
}

// Handler returns the router wrapped in basic auth (when configured),
// response compression and panic recovery.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	h = handlers.CompressHandler(h)
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{}),
		handlers.PrintRecoveryStack(false),
	)(h)
}

// recoveryLogger routes recovered handler panics into the app log.
type recoveryLogger struct{}

func (recoveryLogger) Println(v ...any) {
	appLog.Error("http handler panic", fmt.Errorf("%s", fmt.Sprint(v...)))
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="inkcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/api/events.ics", s.handleEventsICS).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events          []eventDTO `json:"events"`
	RangeStart      time.Time  `json:"range_start"`
	RangeEnd        time.Time  `json:"range_end"`
	DisplayTimeZone string     `json:"display_timezone"`
	RefreshedAt     time.Time  `json:"refreshed_at"`

	generation uint64
}

// eventsCache holds a cached /api/events response and its timestamp.
type eventsCache struct {
	resp      eventsResponse
	updatedAt time.Time
}

// eventDTO is a JSON-friendly view of model.EventRecord.
type eventDTO struct {
	SourceID  string    `json:"source_id"`
	UID       string    `json:"uid"`
	Title     string    `json:"title"`
	Location  string    `json:"location,omitempty"`
	AllDay    bool      `json:"all_day"`
	Recurring bool      `json:"recurring"`
	Begin     time.Time `json:"begin"`
	End       time.Time `json:"end"`
}

// eventsQuery is the parsed form of
//
//	GET /api/events?days=7&backfill=1&tz=Europe/Berlin
//
// days and backfill default to the configured horizon and backfill; tz
// defaults to the configured timezone.
type eventsQuery struct {
	days     int
	backfill int
	tz       string
}

func (q eventsQuery) key() string {
	return fmt.Sprintf("%d|%d|%s", q.days, q.backfill, q.tz)
}

func (s *Server) parseEventsQuery(r *http.Request) eventsQuery {
	q := r.URL.Query()
	eq := eventsQuery{
		days:     parseIntDefault(q.Get("days"), s.cfg.HorizonDays),
		backfill: parseIntDefault(q.Get("backfill"), s.cfg.BackfillDays),
		tz:       q.Get("tz"),
	}
	if eq.days <= 0 {
		eq.days = s.cfg.HorizonDays
	}
	if eq.backfill < 0 {
		eq.backfill = 0
	}
	if eq.tz == "" {
		eq.tz = s.cfg.Timezone
	}
	return eq
}

// handleEvents returns the resolved timeline for the requested window.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	eq := s.parseEventsQuery(r)

	const eventsCacheTTL = 30 * time.Second
	current := s.currentGeneration()
	s.eventsMu.RLock()
	ec, ok := s.eventsCache[eq.key()]
	s.eventsMu.RUnlock()
	if ok && ec.resp.generation == current && s.now().Sub(ec.updatedAt) < eventsCacheTTL {
		s.metrics.cacheHits.Inc()
		writeJSON(w, http.StatusOK, ec.resp)
		return
	}

	resp, status, err := s.resolve(eq)
	if err != nil {
		s.metrics.requests.WithLabelValues("json", strconv.Itoa(status)).Inc()
		writeError(w, status, err.Error())
		return
	}
	s.metrics.requests.WithLabelValues("json", "200").Inc()

	s.storeEvents(eq.key(), resp)

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) currentGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// storeEvents caches resp unless a Refresh published a newer engine after
// it was resolved.
func (s *Server) storeEvents(key string, resp eventsResponse) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if resp.generation != s.generation {
		return
	}
	s.eventsMu.Lock()
	s.eventsCache[key] = eventsCache{resp: resp, updatedAt: s.now()}
	s.eventsMu.Unlock()
}

// handleEventsICS serves the same window as /api/events as an iCalendar
// document.
func (s *Server) handleEventsICS(w http.ResponseWriter, r *http.Request) {
	eq := s.parseEventsQuery(r)
	resp, status, err := s.resolve(eq)
	if err != nil {
		s.metrics.requests.WithLabelValues("ics", strconv.Itoa(status)).Inc()
		writeError(w, status, err.Error())
		return
	}
	s.metrics.requests.WithLabelValues("ics", "200").Inc()

	records := make([]model.EventRecord, 0, len(resp.Events))
	for _, ev := range resp.Events {
		records = append(records, model.EventRecord{
			SourceID:  ev.SourceID,
			UID:       ev.UID,
			Title:     ev.Title,
			Location:  ev.Location,
			Begin:     ev.Begin,
			End:       ev.End,
			AllDay:    ev.AllDay,
			Recurring: ev.Recurring,
		})
	}

	var buf bytes.Buffer
	if err := ics.Export(&buf, records); err != nil {
		appLog.Error("api events: ics export failed", err)
		writeError(w, http.StatusInternalServerError, "failed to export events")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// resolve runs one window query against the current Engine. The returned
// status is only meaningful when err is non-nil.
func (s *Server) resolve(eq eventsQuery) (eventsResponse, int, error) {
	loc, err := timeline.LoadTimezone(eq.tz)
	if err != nil {
		return eventsResponse{}, http.StatusBadRequest, err
	}

	now := s.now().In(loc)
	rangeStart := now.AddDate(0, 0, -eq.backfill)
	rangeEnd := now.AddDate(0, 0, eq.days)

	appLog.Info("api events request",
		"days", eq.days,
		"backfill", eq.backfill,
		"range_start", rangeStart.Format(time.RFC3339),
		"range_end", rangeEnd.Format(time.RFC3339),
		"timezone", loc.String(),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		msg := "calendars not loaded yet"
		if s.lastErr != nil {
			msg = "calendar refresh failed: " + s.lastErr.Error()
		}
		return eventsResponse{}, http.StatusServiceUnavailable, errors.New(msg)
	}

	s.engine.Clear()
	records, err := s.engine.Events(rangeStart, rangeEnd, eq.tz)
	s.engine.Clear()
	if err != nil {
		appLog.Error("api events: resolve failed", err)
		if errors.Is(err, model.ErrInvalidInput) {
			return eventsResponse{}, http.StatusBadRequest, err
		}
		return eventsResponse{}, http.StatusInternalServerError, errors.New("failed to resolve events")
	}

	dtos := make([]eventDTO, 0, len(records))
	for _, ev := range records {
		dtos = append(dtos, eventDTO{
			SourceID:  ev.SourceID,
			UID:       ev.UID,
			Title:     ev.Title,
			Location:  ev.Location,
			AllDay:    ev.AllDay,
			Recurring: ev.Recurring,
			Begin:     ev.Begin,
			End:       ev.End,
		})
	}

	return eventsResponse{
		Events:          dtos,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: loc.String(),
		RefreshedAt:     s.refreshedAt,
		generation:      s.generation,
	}, http.StatusOK, nil
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

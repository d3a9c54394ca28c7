package admin

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/relaymta/relaymta/internal/message"
	"github.com/relaymta/relaymta/internal/queue"
	"github.com/relaymta/relaymta/internal/rlog"
)

// LivenessChecker backs GET /api/check-liveness/v1. The four conditions and
// their exact response bodies are grounded on
// original_source/crates/kumod/src/http_server/check_liveness_v1.rs, checked
// in the same order: shutdown, then load shedding, then spool readiness,
// then disk headroom.
type LivenessChecker interface {
	ShuttingDown() bool
	LoadSheddingActive() bool
	SpoolStarted() bool
	StorageTooFull() bool
}

// RebindTarget is the subset of *queue.ScheduledQueue the HTTP layer needs
// for Rebind/xfer, kept as an interface so tests can fake it.
type RebindTarget interface {
	QueueNames() []string
	Sample(name string, limit int) []*message.Message
	Drain(name string, pred func(*message.Message) bool, onMatch func(*message.Message)) int
	Insert(msg *message.Message)
}

// ReadyInspector is the subset of *queue.ReadyRegistry the HTTP layer needs.
type ReadyInspector interface {
	Suspend(name, reason string, until time.Time)
	CancelSuspend(name string)
	Depth(name string) int
}

// RebindRecorder is invoked once per message moved by Rebind/xfer, so the
// caller can emit an AdminRebind log record (spec.md §4.7, §4.8).
type RebindRecorder func(msg *message.Message, oldQueue, newQueue, reason string)

// LogFilterSetter backs POST /api/admin/set-diagnostic-log-filter/v1,
// grounded on original_source/crates/kumod/src/http_server/*.rs's
// set_diagnostic_log_filter endpoint (named by SPEC_FULL.md's D. SUPPLEMENTED
// FEATURES as the counterpart to kcli's logfilter subcommand).
type LogFilterSetter interface {
	SetLevel(filter string) error
	CurrentLevel() string
}

// Server is the admin HTTP API: liveness, metrics (mounted by the caller),
// and the Bounce/Suspend/Suspend-Ready-Q/Rebind/inspect endpoints.
type Server struct {
	rules     *RuleSet
	sched     RebindTarget
	ready     ReadyInspector
	liveness  LivenessChecker
	onRebind  RebindRecorder
	logFilter LogFilterSetter
	log       rlog.Logger

	authUser   string
	authHash   []byte
	trustedIPs map[string]bool
}

// NewServer builds an admin API server. authPasswordHash is a bcrypt hash
// (empty disables basic auth entirely, e.g. for trusted-network-only
// deployments); trustedIPs bypass auth regardless.
func NewServer(rules *RuleSet, sched RebindTarget, ready ReadyInspector, liveness LivenessChecker, onRebind RebindRecorder, logFilter LogFilterSetter, log rlog.Logger, authUser string, authPasswordHash []byte, trustedIPs []string) *Server {
	trusted := make(map[string]bool, len(trustedIPs))
	for _, ip := range trustedIPs {
		trusted[ip] = true
	}
	return &Server{
		rules:      rules,
		sched:      sched,
		ready:      ready,
		liveness:   liveness,
		onRebind:   onRebind,
		logFilter:  logFilter,
		log:        log.Named("admin_http"),
		authUser:   authUser,
		authHash:   authPasswordHash,
		trustedIPs: trusted,
	}
}

// Handler builds the chi router. metricsHandler is mounted at /metrics
// verbatim (typically promhttp.Handler()) so this package needn't import
// internal/metrics.
func (s *Server) Handler(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/api/check-liveness/v1", s.handleLiveness)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/api/admin/bounce/v1", s.handleBounceAdd)
		r.Get("/api/admin/bounce/v1", s.handleBounceList)
		r.Delete("/api/admin/bounce/v1/{id}", s.handleBounceCancel)

		r.Post("/api/admin/suspend/v1", s.handleSuspendAdd)
		r.Get("/api/admin/suspend/v1", s.handleSuspendList)
		r.Delete("/api/admin/suspend/v1/{id}", s.handleSuspendCancel)

		r.Post("/api/admin/suspend-ready-q/v1", s.handleSuspendReadyQAdd)
		r.Delete("/api/admin/suspend-ready-q/v1/{id}", s.handleSuspendReadyQCancel)

		r.Post("/api/admin/rebind/v1", s.handleRebind)
		r.Post("/api/admin/xfer/v1", s.handleXfer)

		r.Get("/api/admin/inspect-message/v1", s.handleInspectMessage)
		r.Get("/api/admin/inspect-sched-q/v1", s.handleInspectSchedQ)

		r.Post("/api/admin/set-diagnostic-log-filter/v1", s.handleSetLogFilter)
	})

	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if len(s.authHash) == 0 {
			next.ServeHTTP(w, req)
			return
		}
		if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil && s.trustedIPs[host] {
			next.ServeHTTP(w, req)
			return
		}
		user, pass, ok := req.BasicAuth()
		if !ok || user != s.authUser || bcrypt.CompareHashAndPassword(s.authHash, []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="relaymta-admin"`)
			http.Error(w, "401 unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// handleLiveness mirrors check_liveness_v1.rs's exact precedence and strings.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.liveness == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
		return
	}
	switch {
	case s.liveness.ShuttingDown():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
	case s.liveness.LoadSheddingActive():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "load shedding"})
	case !s.liveness.SpoolStarted():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "waiting for spool startup"})
	case s.liveness.StorageTooFull():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "storage is too full"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	}
}

type matchRequest struct {
	Campaign    string `json:"campaign"`
	Tenant      string `json:"tenant"`
	Domain      string `json:"domain"`
	Reason      string `json:"reason"`
	DurationSec int64  `json:"duration,omitempty"`
}

func (s *Server) handleBounceAdd(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	dur := time.Duration(req.DurationSec) * time.Second
	if dur <= 0 {
		dur = DefaultBounceDuration
	}
	id := s.rules.AddBounce(req.Reason, matcher{Campaign: req.Campaign, Tenant: req.Tenant, Domain: req.Domain}, time.Now().Add(dur))
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
}

func (s *Server) handleBounceList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.ListBounce())
}

func (s *Server) handleBounceCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if !s.rules.CancelBounce(id) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSuspendAdd(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	dur := time.Duration(req.DurationSec) * time.Second
	if dur <= 0 {
		dur = time.Hour
	}
	id := s.rules.AddSuspend(req.Reason, matcher{Campaign: req.Campaign, Tenant: req.Tenant, Domain: req.Domain}, time.Now().Add(dur))
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
}

func (s *Server) handleSuspendList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.ListSuspend())
}

func (s *Server) handleSuspendCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if !s.rules.CancelSuspend(id) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type suspendReadyQRequest struct {
	ReadyQueueName string `json:"ready_queue_name"`
	Reason         string `json:"reason"`
	DurationSec    int64  `json:"duration,omitempty"`
}

func (s *Server) handleSuspendReadyQAdd(w http.ResponseWriter, r *http.Request) {
	var req suspendReadyQRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	dur := time.Duration(req.DurationSec) * time.Second
	if dur <= 0 {
		dur = time.Hour
	}
	until := time.Now().Add(dur)
	id := s.rules.AddSuspendReadyQ(req.Reason, req.ReadyQueueName, until)
	if s.ready != nil {
		s.ready.Suspend(req.ReadyQueueName, req.Reason, until)
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
}

func (s *Server) handleSuspendReadyQCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	for _, rule := range s.rules.ListSuspendReadyQ() {
		if rule.ID == id {
			if s.ready != nil {
				s.ready.CancelSuspend(rule.ReadyQueueName)
			}
			break
		}
	}
	if !s.rules.CancelSuspendReadyQ(id) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type rebindRequest struct {
	Campaign           string `json:"campaign"`
	Tenant             string `json:"tenant"`
	Domain             string `json:"domain"`
	NewQueueName       string `json:"new_queue_name"`
	Reason             string `json:"reason"`
	TriggerRebindEvent bool   `json:"trigger_rebind_event"`
}

// handleRebind moves every message in every scheduled queue matching the
// campaign/tenant/domain triple to NewQueueName, per spec.md §4.7.
func (s *Server) handleRebind(w http.ResponseWriter, r *http.Request) {
	var req rebindRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	moved := s.rebindByMatch(req.Campaign, req.Tenant, req.Domain, req.NewQueueName, req.Reason)
	writeJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

type xferRequest struct {
	MessageIDs   []string `json:"message_ids"`
	NewQueueName string   `json:"new_queue_name"`
	Reason       string   `json:"reason"`
}

// handleXfer is a degenerate Rebind targeting explicit message ids rather
// than a campaign/tenant/domain matcher, per SPEC_FULL.md's supplemented
// feature grounded on crates/kcli/src/xfer_cancel.rs.
func (s *Server) handleXfer(w http.ResponseWriter, r *http.Request) {
	var req xferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	want := make(map[uuid.UUID]bool, len(req.MessageIDs))
	for _, raw := range req.MessageIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid message id: "+raw, http.StatusBadRequest)
			return
		}
		want[id] = true
	}

	moved := 0
	for _, name := range s.sched.QueueNames() {
		moved += s.sched.Drain(name, func(msg *message.Message) bool {
			return want[msg.ID]
		}, func(msg *message.Message) {
			old := msg.QueueName()
			msg.Lock()
			msg.QueueNameOverride = req.NewQueueName
			msg.Unlock()
			if s.onRebind != nil {
				s.onRebind(msg, old, req.NewQueueName, req.Reason)
			}
			s.sched.Insert(msg)
		})
	}
	writeJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

func (s *Server) rebindByMatch(campaign, tenant, domain, newQueue, reason string) int {
	m := matcher{Campaign: campaign, Tenant: tenant, Domain: domain}
	moved := 0
	for _, name := range s.sched.QueueNames() {
		qc, qt, qd, _ := queue.ParseQueueName(name)
		if !m.matches(qc, qt, qd) {
			continue
		}
		moved += s.sched.Drain(name, func(*message.Message) bool { return true }, func(msg *message.Message) {
			old := msg.QueueName()
			msg.Lock()
			msg.QueueNameOverride = newQueue
			msg.Unlock()
			if s.onRebind != nil {
				s.onRebind(msg, old, newQueue, reason)
			}
			s.sched.Insert(msg)
		})
	}
	return moved
}

// wantBody parses the want_body query parameter the inspect endpoints take,
// grounded on original_source's admin_inspect_message.rs ("optionally
// body", spec.md §6): body bytes are omitted from the response unless the
// caller explicitly asks for them.
func wantBody(r *http.Request) bool {
	return r.URL.Query().Get("want_body") == "true"
}

func (s *Server) handleInspectMessage(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	withBody := wantBody(r)
	for _, name := range s.sched.QueueNames() {
		for _, msg := range s.sched.Sample(name, 0) {
			if msg.ID == id {
				if !withBody {
					msg.Body = nil
				}
				writeJSON(w, http.StatusOK, msg)
				return
			}
		}
	}
	http.Error(w, "not found", http.StatusNotFound)
}

func (s *Server) handleInspectSchedQ(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("queue_name")
	limit := 100
	if name == "" {
		writeJSON(w, http.StatusOK, s.sched.QueueNames())
		return
	}
	withBody := wantBody(r)
	messages := s.sched.Sample(name, limit)
	if !withBody {
		for _, msg := range messages {
			msg.Body = nil
		}
	}
	writeJSON(w, http.StatusOK, messages)
}

type logFilterRequest struct {
	Filter string `json:"filter"`
}

func (s *Server) handleSetLogFilter(w http.ResponseWriter, r *http.Request) {
	if s.logFilter == nil {
		http.Error(w, "log filter is not configurable on this instance", http.StatusServiceUnavailable)
		return
	}
	var req logFilterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.logFilter.SetLevel(req.Filter); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Write([]byte(s.logFilter.CurrentLevel()))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

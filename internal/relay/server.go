package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"syncshell/internal/telemetry"
)

const (
	DefaultMaxAnswers = 32
	DefaultTTL        = 10 * time.Minute
	maxCodeBytes      = 64 << 10
)

type ServerOptions struct {
	// MaxAnswers bounds each group's answer queue; the oldest is dropped.
	MaxAnswers int
	// TTL expires invites and answers nobody collected.
	TTL    time.Duration
	Logger zerolog.Logger
	Now    func() time.Time
}

type stamped struct {
	code string
	at   time.Time
}

// Server is an in-memory drop-box. All state is lost on exit.
type Server struct {
	opts ServerOptions
	log  zerolog.Logger

	mu      sync.Mutex
	invites map[string]stamped
	answers map[string][]stamped
}

func NewServer(opts ServerOptions) *Server {
	if opts.MaxAnswers <= 0 {
		opts.MaxAnswers = DefaultMaxAnswers
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "relay").Logger(),
		invites: make(map[string]stamped),
		answers: make(map[string][]stamped),
	}
}

// Handler routes the drop-box API, instrumented per operation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /invite/{group}", telemetry.Instrument("publish_invite", http.HandlerFunc(s.publishInvite)))
	mux.Handle("GET /invite/{group}", telemetry.Instrument("fetch_invite", http.HandlerFunc(s.fetchInvite)))
	mux.Handle("POST /answer/{group}", telemetry.Instrument("post_answer", http.HandlerFunc(s.postAnswer)))
	mux.Handle("GET /answer/{group}", telemetry.Instrument("fetch_answers", http.HandlerFunc(s.fetchAnswers)))
	return mux
}

func (s *Server) publishInvite(w http.ResponseWriter, r *http.Request) {
	group, code, ok := s.readCode(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	s.invites[group] = stamped{code: code, at: s.opts.Now()}
	s.mu.Unlock()
	s.log.Debug().Str("group", short(group)).Msg("invite published")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fetchInvite(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	s.mu.Lock()
	inv, ok := s.invites[group]
	if ok && s.expired(inv) {
		delete(s.invites, group)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no invite", http.StatusNotFound)
		return
	}
	writeJSON(w, codeBody{Code: inv.code})
}

func (s *Server) postAnswer(w http.ResponseWriter, r *http.Request) {
	group, code, ok := s.readCode(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	q := append(s.answers[group], stamped{code: code, at: s.opts.Now()})
	if over := len(q) - s.opts.MaxAnswers; over > 0 {
		q = q[over:]
	}
	s.answers[group] = q
	s.mu.Unlock()
	s.log.Debug().Str("group", short(group)).Msg("answer queued")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fetchAnswers(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	s.mu.Lock()
	q := s.answers[group]
	delete(s.answers, group)
	s.mu.Unlock()

	codes := make([]string, 0, len(q))
	for _, a := range q {
		if !s.expired(a) {
			codes = append(codes, a.code)
		}
	}
	writeJSON(w, codesBody{Codes: codes})
}

func (s *Server) readCode(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	group := r.PathValue("group")
	if group == "" {
		http.Error(w, "missing group", http.StatusBadRequest)
		return "", "", false
	}
	var in codeBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCodeBytes)).Decode(&in); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return "", "", false
	}
	if strings.TrimSpace(in.Code) == "" {
		http.Error(w, "empty code", http.StatusBadRequest)
		return "", "", false
	}
	return group, in.Code, true
}

func (s *Server) expired(e stamped) bool {
	return s.opts.Now().Sub(e.at) > s.opts.TTL
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func short(group string) string {
	if len(group) > 12 {
		return group[:12]
	}
	return group
}

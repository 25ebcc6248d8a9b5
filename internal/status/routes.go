package status

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"humanity/internal/degen"
	"humanity/internal/recovery"
	logx "humanity/pkg/logx"
)

const maxPreviewSteps = 101

// PreviewPoint is one row of a rate preview.
type PreviewPoint struct {
	Load         float64 `json:"load"`
	DegenRate    float64 `json:"degen_rate"`
	RecoveryRate float64 `json:"recovery_rate"`
	PerCycle     float64 `json:"per_cycle"`
}

// Preview is the /preview response.
type Preview struct {
	Rate        float64        `json:"rate"`
	Threshold   float64        `json:"threshold"`
	IntervalSec float64        `json:"interval_sec"`
	Points      []PreviewPoint `json:"points"`
}

type statusResponse struct {
	Version   string          `json:"version,omitempty"`
	UptimeSec float64         `json:"uptime_sec"`
	Recovery  recovery.Status `json:"recovery"`
	Extra     map[string]any  `json:"extra,omitempty"`
}

func (s *Service) routes(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Group(func(r chi.Router) {
		r.Use(tokenAuth(token))
		r.Get("/healthz", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/preview", s.handlePreview)
		r.Get("/metrics", s.handleMetrics)
	})
	return r
}

// Handler returns the router with the currently configured token.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	tok := s.cfg.Token
	s.mu.Unlock()
	return s.routes(tok)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:   s.version,
		UptimeSec: time.Since(s.started).Seconds(),
		Recovery:  s.provider.Status(),
	}
	if len(s.extras) > 0 {
		resp.Extra = make(map[string]any, len(s.extras))
		for name, fn := range s.extras {
			resp.Extra[name] = fn()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handlePreview(w http.ResponseWriter, r *http.Request) {
	cur := s.provider.Status()
	q := r.URL.Query()

	rate, err := floatParam(q.Get("rate"), cur.Settings.Rate)
	if err != nil || rate < 0 {
		writeError(w, http.StatusBadRequest, "rate must be a number >= 0")
		return
	}
	threshold, err := floatParam(q.Get("threshold"), cur.Settings.Threshold)
	if err != nil || threshold < 0 || threshold > 1 {
		writeError(w, http.StatusBadRequest, "threshold must be within [0,1]")
		return
	}
	threshold, _ = degen.ClampThreshold(threshold)

	interval := cur.Settings.IntervalSec
	if interval <= 0 {
		interval = recovery.DefaultIntervalSec
	}
	p := Preview{Rate: rate, Threshold: threshold, IntervalSec: interval}

	point := func(load float64) PreviewPoint {
		d := degen.Rate(rate, threshold, load)
		return PreviewPoint{Load: load, DegenRate: d, RecoveryRate: -d, PerCycle: -d * interval / recovery.SecondsPerDay}
	}

	if raw := strings.TrimSpace(q.Get("steps")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 2 || n > maxPreviewSteps {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("steps must be within [2,%d]", maxPreviewSteps))
			return
		}
		for i := 0; i < n; i++ {
			p.Points = append(p.Points, point(float64(i)/float64(n-1)))
		}
		writeJSON(w, http.StatusOK, p)
		return
	}

	load, err := floatParam(q.Get("load"), cur.Load)
	if err != nil {
		writeError(w, http.StatusBadRequest, "load must be a number")
		return
	}
	p.Points = []PreviewPoint{point(degen.ClampLoad(load))}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if s.metrics == nil {
		return
	}
	if err := s.metrics.Write(w, s.provider.Status()); err != nil {
		s.log.Debug("metrics write failed", logx.Err(err))
	}
}

// tokenAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
// An empty token disables the check.
func tokenAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func floatParam(raw string, def float64) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not finite: %q", raw)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/keyproof/keyproof-core/internal/metrics"
	"github.com/keyproof/keyproof-core/pkg/verify"
)

type verifyRequest struct {
	Token string `json:"token"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	ch, err := s.issuer.Issue(r.Context())
	if err != nil {
		s.logger.Error("challenge issuance failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: verify.CodeInternal})
		return
	}

	metrics.ChallengesIssued.Inc()
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.VerifyLatency.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	// An absent or unreadable body is indistinguishable from a blank
	// token; both land on missing_token.
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		req.Token = ""
	}

	outcome, err := s.pipeline.Verify(r.Context(), req.Token)
	if err != nil {
		vErr, ok := verify.AsError(err)
		if !ok {
			vErr = verify.WrapError(verify.CodeInternal, "unexpected verification failure", err)
		}
		if vErr.Status >= http.StatusInternalServerError {
			s.logger.Error("verification failed internally", zap.Error(err))
		}
		metrics.Verifications.WithLabelValues(vErr.Code).Inc()
		writeJSON(w, vErr.Status, errorResponse{Error: vErr.Code, Detail: vErr.Message})
		return
	}

	metrics.Verifications.WithLabelValues(outcome.Status).Inc()
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

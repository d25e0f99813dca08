package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/forkshield/settle/pkg/contracts"
	"github.com/forkshield/settle/pkg/settle"
)

// Server exposes the settlement coordinator over HTTP.
type Server struct {
	coordinator *settle.Coordinator
	schemas     *schemaSet
	logger      *slog.Logger
}

// NewServer builds an API server over the given coordinator.
func NewServer(c *settle.Coordinator) (*Server, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}
	return &Server{
		coordinator: c,
		schemas:     schemas,
		logger:      slog.Default().With("component", "api"),
	}, nil
}

// Routes returns the HTTP handler with all settlement endpoints and
// middleware applied.
func (s *Server) Routes(limiter Limiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hydra/open", s.handleOpen)
	mux.HandleFunc("POST /hydra/submit-order", s.handleSubmitOrder)
	mux.HandleFunc("POST /hydra/attach-zk", s.handleAttachProof)
	mux.HandleFunc("POST /hydra/close", s.handleClose)
	mux.HandleFunc("GET /hydra/status/{head_id}", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	var h http.Handler = mux
	if limiter != nil {
		h = RateLimit(limiter)(h)
	}
	h = RequestID(h)
	h = RequestLog(s.logger)(h)
	return h
}

type openRequest struct {
	SessionID    string            `json:"session_id"`
	Participants []string          `json:"participants"`
	Metadata     map[string]string `json:"metadata"`
}

type openResponse struct {
	HeadID string `json:"head_id"`
	Status string `json:"status"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !s.decode(w, r, s.schemas.open, &req) {
		return
	}
	headID, err := s.coordinator.OpenHead(r.Context(), req.SessionID, req.Participants, req.Metadata)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, openResponse{
		HeadID: headID,
		Status: string(contracts.HeadOpen),
	})
}

type submitOrderRequest struct {
	HeadID string                 `json:"head_id"`
	Order  contracts.OrderPayload `json:"order"`
}

type submitOrderResponse struct {
	OrderID string `json:"order_id"`
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if !s.decode(w, r, s.schemas.submit, &req) {
		return
	}
	orderID, err := s.coordinator.SubmitOrder(r.Context(), req.HeadID, &req.Order)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitOrderResponse{OrderID: orderID})
}

type attachProofRequest struct {
	HeadID   string `json:"head_id"`
	OrderID  string `json:"order_id"`
	ProofRef string `json:"proof_ref"`
}

type attachProofResponse struct {
	Attached bool `json:"attached"`
}

func (s *Server) handleAttachProof(w http.ResponseWriter, r *http.Request) {
	var req attachProofRequest
	if !s.decode(w, r, s.schemas.attach, &req) {
		return
	}
	if err := s.coordinator.AttachProof(r.Context(), req.HeadID, req.OrderID, req.ProofRef); err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attachProofResponse{Attached: true})
}

type closeRequest struct {
	HeadID string `json:"head_id"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if !s.decode(w, r, s.schemas.close, &req) {
		return
	}
	summary, err := s.coordinator.CloseHead(r.Context(), req.HeadID)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	headID := r.PathValue("head_id")
	status, err := s.coordinator.GetStatus(r.Context(), headID)
	if err != nil {
		WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads the request body, validates it against the schema and
// unmarshals it into dst. Returns false after writing an error response.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, r, "Unable to read request body")
		return false
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	if err := schema.Validate(raw); err != nil {
		WriteBadRequest(w, r, err.Error())
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

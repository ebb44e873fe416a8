package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/agrishield/payout-engine/domain"
	"github.com/agrishield/payout-engine/ingress"
	"github.com/pkg/errors"
)

type PipelineService interface {
	Submit(ctx context.Context, att domain.Attestation) (ingress.Receipt, error)
	ApprovePayout(ctx context.Context, payoutID, approverID string) (domain.PayoutRecord, error)
	VoidPayout(ctx context.Context, payoutID, reason, approverID string) (domain.PayoutRecord, error)
	GetPayout(payoutID string) (domain.PayoutRecord, error)
}

type Handler struct {
	service PipelineService
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ApproveRequest struct {
	ApproverID string `json:"approverId"`
}

type VoidRequest struct {
	Reason     string `json:"reason"`
	ApproverID string `json:"approverId"`
}

func NewHandler(service PipelineService) *Handler {
	return &Handler{service: service}
}

// Register mounts all routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.GetHealth)
	mux.HandleFunc("POST /v1/attestations", h.SubmitAttestation)
	mux.HandleFunc("GET /v1/payouts/{id}", h.GetPayout)
	mux.HandleFunc("POST /v1/payouts/{id}/approve", h.ApprovePayout)
	mux.HandleFunc("POST /v1/payouts/{id}/void", h.VoidPayout)
}

func (h *Handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "UP"})
}

// SubmitAttestation is the synchronous submission endpoint. Rejections are
// part of the contract and return 200 with accepted=false, not an error
// status.
func (h *Handler) SubmitAttestation(w http.ResponseWriter, r *http.Request) {
	var att domain.Attestation
	if err := json.NewDecoder(r.Body).Decode(&att); err != nil {
		writeJSON(w, http.StatusBadRequest, ingress.Receipt{Accepted: false, Reason: domain.RejectMalformed})
		return
	}
	if att.PolicyID == "" || att.Epoch == 0 || att.ReporterID == "" {
		writeJSON(w, http.StatusBadRequest, ingress.Receipt{Accepted: false, Reason: domain.RejectMalformed})
		return
	}
	receipt, err := h.service.Submit(r.Context(), att)
	if err != nil {
		log.Printf("Error submitting attestation: %v", err)
		http.Error(w, "Error submitting attestation", 500)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.GetPayout(r.PathValue("id"))
	if errors.Is(err, domain.ErrStoreEntityNotFound) {
		http.Error(w, "Payout not found", 404)
		return
	}
	if err != nil {
		log.Printf("Error getting payout: %v", err)
		http.Error(w, "Error getting payout", 500)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) ApprovePayout(w http.ResponseWriter, r *http.Request) {
	var request ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", 400)
		return
	}
	record, err := h.service.ApprovePayout(r.Context(), r.PathValue("id"), request.ApproverID)
	if errors.Is(err, domain.ErrStoreEntityNotFound) {
		http.Error(w, "Payout not found", 404)
		return
	}
	if err != nil {
		log.Printf("Error approving payout: %v", err)
		http.Error(w, err.Error(), 409)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) VoidPayout(w http.ResponseWriter, r *http.Request) {
	var request VoidRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", 400)
		return
	}
	record, err := h.service.VoidPayout(r.Context(), r.PathValue("id"), request.Reason, request.ApproverID)
	if errors.Is(err, domain.ErrStoreEntityNotFound) {
		http.Error(w, "Payout not found", 404)
		return
	}
	if err != nil {
		log.Printf("Error voiding payout: %v", err)
		http.Error(w, err.Error(), 409)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

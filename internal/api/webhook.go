package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/storefront/voice-addon-service/internal/app"
)

const meteringTimeout = 15 * time.Second

// Provider webhook message types handled by the service.
const (
	messageAssistantRequest = "assistant-request"
	messageEndOfCallReport  = "end-of-call-report"
)

type voiceWebhook struct {
	Message voiceMessage `json:"message"`
}

type voiceMessage struct {
	Type            string             `json:"type"`
	Call            *voiceCall         `json:"call"`
	PhoneNumber     *voicePhoneNumber  `json:"phoneNumber"`
	Assistant       *voiceAssistantRef `json:"assistant"`
	DurationSeconds float64            `json:"durationSeconds"`
	Transcript      string             `json:"transcript"`
	Summary         string             `json:"summary"`
	Cost            float64            `json:"cost"`
	StartedAt       *time.Time         `json:"startedAt"`
	EndedAt         *time.Time         `json:"endedAt"`
	Analysis        *voiceAnalysis     `json:"analysis"`
}

type voiceCall struct {
	ID            string `json:"id"`
	PhoneNumberID string `json:"phoneNumberId"`
	Customer      *struct {
		Number string `json:"number"`
	} `json:"customer"`
}

type voicePhoneNumber struct {
	ID     string `json:"id"`
	Number string `json:"number"`
}

type voiceAssistantRef struct {
	Metadata map[string]string `json:"metadata"`
}

type voiceAnalysis struct {
	Summary        string                 `json:"summary"`
	StructuredData map[string]interface{} `json:"structuredData"`
}

func (m *voiceMessage) bindingID() string {
	if m.PhoneNumber != nil && m.PhoneNumber.ID != "" {
		return m.PhoneNumber.ID
	}
	if m.Call != nil {
		return m.Call.PhoneNumberID
	}
	return ""
}

func (m *voiceMessage) dialedNumber() string {
	if m.PhoneNumber != nil {
		return m.PhoneNumber.Number
	}
	return ""
}

func (h *Handler) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	var payload voiceWebhook
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid webhook payload")
		return
	}

	switch payload.Message.Type {
	case messageAssistantRequest:
		h.handleAssistantRequest(w, r, &payload.Message)
	case messageEndOfCallReport:
		h.handleEndOfCallReport(w, r, &payload.Message)
	default:
		h.logger.Debug("ignoring voice webhook", "type", payload.Message.Type)
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

// handleAssistantRequest answers the provider's synchronous "which assistant takes
// this call" question. Blocked calls get a transient assistant that explains and hangs up.
func (h *Handler) handleAssistantRequest(w http.ResponseWriter, r *http.Request, msg *voiceMessage) {
	result := h.service.Admit(r.Context(), app.AdmissionRequest{
		PhoneNumber:    msg.dialedNumber(),
		PhoneBindingID: msg.bindingID(),
	})

	switch result.Decision {
	case app.DecisionAllow:
		respondWithJSON(w, http.StatusOK, map[string]string{"assistantId": result.AssistantID})
	case app.DecisionBlock:
		h.logger.Info("call blocked", "store_id", result.StoreID, "reason", result.Reason)
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"assistant": app.TransientAssistant(result.Message)})
	default:
		writeErrorMessage(w, http.StatusNotFound, "NOT_FOUND", "No voice assistant for this number")
	}
}

func (h *Handler) handleEndOfCallReport(w http.ResponseWriter, r *http.Request, msg *voiceMessage) {
	event := app.CallEnded{
		PhoneNumber:     msg.dialedNumber(),
		PhoneBindingID:  msg.bindingID(),
		DurationSeconds: msg.DurationSeconds,
		Transcript:      msg.Transcript,
		Summary:         msg.Summary,
		Cost:            msg.Cost,
	}
	if msg.Call != nil {
		event.CallID = msg.Call.ID
		if msg.Call.Customer != nil {
			event.CustomerPhone = msg.Call.Customer.Number
		}
	}
	if msg.Assistant != nil {
		event.StoreID = msg.Assistant.Metadata["store_id"]
	}
	if msg.EndedAt != nil {
		event.EndedAt = *msg.EndedAt
		if event.DurationSeconds <= 0 && msg.StartedAt != nil {
			event.DurationSeconds = msg.EndedAt.Sub(*msg.StartedAt).Seconds()
		}
	}
	if msg.Analysis != nil {
		if event.Summary == "" {
			event.Summary = msg.Analysis.Summary
		}
		event.CSATScore = csatScore(msg.Analysis.StructuredData)
	}

	ctx, cancel := context.WithTimeout(r.Context(), meteringTimeout)
	defer cancel()

	result, err := h.service.RecordCallEnded(ctx, event)
	if err != nil {
		if errors.Is(err, app.ErrNotFound) {
			// The store was torn down before the report arrived; nothing to charge.
			h.logger.Warn("call report for unknown line", "call_id", event.CallID, "binding_id", event.PhoneBindingID)
			respondWithJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		h.writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "recorded",
		"minutes":   result.Minutes,
		"duplicate": result.Duplicate,
	})
}

func csatScore(data map[string]interface{}) *int {
	for _, key := range []string{"csatScore", "csat_score", "csat"} {
		if v, ok := data[key].(float64); ok && v >= 1 && v <= 5 {
			score := int(math.Round(v))
			return &score
		}
	}
	return nil
}

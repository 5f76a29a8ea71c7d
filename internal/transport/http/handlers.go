package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"msgsync/internal/authn"
	"msgsync/internal/domain"
	obsmw "msgsync/internal/observability/middleware"
	"msgsync/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

type createConversationRequest struct {
	CounterpartyID uuid.UUID `json:"counterpartyId"`
}

type conversationResponse struct {
	Conversation domain.Conversation `json:"conversation"`
	Warning      string              `json:"warning,omitempty"`
	Healed       bool                `json:"healed,omitempty"`
}

type sendMessageRequest struct {
	ConversationID  uuid.UUID `json:"conversationId"`
	Ciphertext      string    `json:"ciphertext"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
}

type sendMessageResponse struct {
	Message   domain.Message `json:"message"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Warning   string         `json:"warning,omitempty"`
}

type registerDeviceRequest struct {
	Name       string `json:"name"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

type countResponse struct {
	Count int `json:"count"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", domain.ErrInvalidRequest, name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidRequest, name)
	}
	return n, nil
}

func warningText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (h *api) listConversations(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListForUser(r.Context(), authn.UserIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, "list conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *api) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, "create conversation", err)
		return
	}
	actor := authn.UserIDFrom(r.Context())
	pair := h.svc.GetOrCreatePair
	if r.URL.Query().Get("strict") == "true" {
		pair = h.svc.CreatePair
	}
	own, _, outcome, err := pair(r.Context(), actor, req.CounterpartyID)
	if err != nil {
		writeError(w, r, "create conversation", err)
		return
	}
	slog.Info("conversation resolved",
		"conversation_id", own.ID,
		"user_id", actor,
		"counterparty_id", req.CounterpartyID,
		"healed", outcome.Healed,
		"request_id", obsmw.RequestIDFromContext(r.Context()),
		"trace_id", obsmw.TraceIDFromContext(r.Context()),
	)
	writeJSON(w, http.StatusOK, conversationResponse{
		Conversation: own,
		Warning:      warningText(outcome.Warning),
		Healed:       outcome.Healed,
	})
}

func (h *api) getConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, "get conversation", err)
		return
	}
	conv, err := h.svc.Conversation(r.Context(), authn.UserIDFrom(r.Context()), id)
	if err != nil {
		writeError(w, r, "get conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv})
}

func (h *api) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, "delete conversation", err)
		return
	}
	outcome, err := h.svc.DeletePair(r.Context(), authn.UserIDFrom(r.Context()), id)
	if err != nil {
		writeError(w, r, "delete conversation", err)
		return
	}
	if outcome.Warning != nil {
		writeJSON(w, http.StatusOK, map[string]string{"warning": outcome.Warning.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *api) repairConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, "repair conversation", err)
		return
	}
	_, created, err := h.svc.RepairPair(r.Context(), authn.UserIDFrom(r.Context()), id)
	if err != nil {
		writeError(w, r, "repair conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"created": created})
}

func (h *api) history(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, "history", err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, "history", err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, r, "history", err)
		return
	}
	page, err := h.svc.History(r.Context(), authn.UserIDFrom(r.Context()), id, limit, offset)
	if err != nil {
		writeError(w, r, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *api) markConversationRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, "mark conversation read", err)
		return
	}
	n, err := h.svc.MarkConversationRead(r.Context(), authn.UserIDFrom(r.Context()), id)
	if err != nil {
		writeError(w, r, "mark conversation read", err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (h *api) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, "send message", err)
		return
	}
	res, err := h.svc.Send(r.Context(), service.SendInput{
		SenderID:        authn.UserIDFrom(r.Context()),
		ConversationID:  req.ConversationID,
		Ciphertext:      req.Ciphertext,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		writeError(w, r, "send message", err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, sendMessageResponse{
		Message:   res.Message,
		Duplicate: res.Duplicate,
		Warning:   warningText(res.Warning),
	})
}

func (h *api) getMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, "get message", err)
		return
	}
	msg, err := h.svc.Message(r.Context(), authn.UserIDFrom(r.Context()), id)
	if err != nil {
		writeError(w, r, "get message", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *api) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, "delete message", err)
		return
	}
	if err := h.svc.DeleteMessage(r.Context(), authn.UserIDFrom(r.Context()), id); err != nil {
		writeError(w, r, "delete message", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *api) markDelivered(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, "mark delivered", err)
		return
	}
	msg, err := h.svc.MarkDelivered(r.Context(), authn.UserIDFrom(r.Context()), id)
	if err != nil {
		writeError(w, r, "mark delivered", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *api) markRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, "mark read", err)
		return
	}
	msg, err := h.svc.MarkRead(r.Context(), authn.UserIDFrom(r.Context()), id)
	if err != nil {
		writeError(w, r, "mark read", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *api) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.svc.ListDevices(r.Context(), authn.UserIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, "list devices", err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *api) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, "register device", err)
		return
	}
	device, err := h.svc.RegisterDevice(r.Context(), service.RegisterDeviceInput{
		UserID:     authn.UserIDFrom(r.Context()),
		Name:       req.Name,
		PublicKey:  req.PublicKey,
		PrivateKey: req.PrivateKey,
	})
	if err != nil {
		writeError(w, r, "register device", err)
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

func (h *api) revokeDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, "revoke device", err)
		return
	}
	if err := h.svc.RevokeDevice(r.Context(), authn.UserIDFrom(r.Context()), id); err != nil {
		writeError(w, r, "revoke device", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/sirosfoundation/go-as2/internal/sender"
	"github.com/sirosfoundation/go-as2/internal/storage"
	"github.com/sirosfoundation/go-as2/pkg/fault"
	"github.com/sirosfoundation/go-as2/pkg/message"
	"github.com/sirosfoundation/go-as2/pkg/partner"
)

type partnerResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Local      bool   `json:"local"`
	SendURL    string `json:"sendUrl,omitempty"`
	MDNRequest string `json:"mdnRequest"`
}

func (s *Server) handleListPartners(w http.ResponseWriter, r *http.Request) {
	ids := s.partners.IDs()
	out := make([]partnerResponse, 0, len(ids))
	for _, id := range ids {
		p, err := s.partners.Lookup(id)
		if err != nil {
			continue
		}
		out = append(out, partnerFromRegistry(p))
	}
	s.jsonResponse(w, map[string]any{"partners": out}, http.StatusOK)
}

func partnerFromRegistry(p *partner.Partner) partnerResponse {
	return partnerResponse{
		ID:         p.ID(),
		Name:       p.Name(),
		Local:      p.IsLocal(),
		SendURL:    p.SendURL(),
		MDNRequest: string(p.MDNRequest()),
	}
}

func (s *Server) handleListTransmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.TransmissionFilter{
		Direction: storage.Direction(q.Get("direction")),
		Status:    storage.Status(q.Get("status")),
		PartnerID: q.Get("partner"),
		Limit:     50,
	}
	switch filter.Direction {
	case "", storage.DirectionInbound, storage.DirectionOutbound:
	default:
		s.jsonError(w, "invalid direction", http.StatusBadRequest)
		return
	}
	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 && l <= 100 {
			filter.Limit = l
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = o
		}
	}
	if since := q.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.jsonError(w, "invalid since timestamp", http.StatusBadRequest)
			return
		}
		filter.Since = &ts
	}

	items, err := s.store.ListTransmissions(r.Context(), &filter)
	if err != nil {
		s.logger.Error("failed to list transmissions", "error", err)
		s.metrics.StoreError("list")
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	total, err := s.store.CountTransmissions(r.Context(), &filter)
	if err != nil {
		s.logger.Error("failed to count transmissions", "error", err)
		s.metrics.StoreError("count")
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []*storage.Transmission{}
	}

	s.jsonResponse(w, map[string]any{
		"transmissions": items,
		"total":         total,
		"limit":         filter.Limit,
		"offset":        filter.Offset,
	}, http.StatusOK)
}

func (s *Server) handleGetTransmission(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTransmission(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.jsonError(w, "transmission not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to get transmission", "error", err)
		s.metrics.StoreError("get")
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, t, http.StatusOK)
}

func (s *Server) handleGetPayload(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPayload(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.jsonError(w, "payload not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to get payload", "error", err)
		s.metrics.StoreError("get_payload")
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	contentType := p.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(p.Data).String()
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(p.Data)))
	if p.Filename != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+p.Filename+`"`)
	}
	if p.Checksum != "" {
		w.Header().Set("ETag", `"`+p.Checksum+`"`)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(p.Data); err != nil {
		s.logger.Debug("failed to write payload", "error", err)
	}
}

// SendMessageRequest is the body of POST /api/messages
type SendMessageRequest struct {
	From        string `json:"from,omitempty"`
	To          string `json:"to"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data"`
}

// SendMessageResponse reports the outcome of POST /api/messages
type SendMessageResponse struct {
	MessageID      string `json:"messageId"`
	TransmissionID string `json:"transmissionId,omitempty"`
	MIC            string `json:"mic,omitempty"`
	Disposition    string `json:"disposition,omitempty"`
	Error          string `json:"error,omitempty"`
}

const maxSendBody = 64 << 20

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBody)).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.To == "" {
		s.jsonError(w, "to is required", http.StatusBadRequest)
		return
	}
	if len(req.Data) == 0 {
		s.jsonError(w, "data is required", http.StatusBadRequest)
		return
	}
	name := filepath.Base(req.Filename)
	if name == "." || name == string(filepath.Separator) {
		s.jsonError(w, "filename is required", http.StatusBadRequest)
		return
	}

	dir, err := os.MkdirTemp(s.config.Server.WorkDir, "api-")
	if err != nil {
		s.logger.Error("failed to create upload directory", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, req.Data, 0o600); err != nil {
		s.logger.Error("failed to write upload", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	res, err := s.sender.Send(r.Context(), sender.Outbound{
		From:     req.From,
		To:       req.To,
		Files:    []string{path},
		MimeType: req.ContentType,
	})

	var resp SendMessageResponse
	if res != nil {
		resp.MessageID = res.MessageID
		resp.TransmissionID = res.TransmissionID
		resp.MIC = res.MIC
		if res.Response != nil && res.Response.MDN != nil {
			resp.Disposition = res.Response.MDN.Disposition()
		}
	}
	if err != nil {
		resp.Error = fault.Text(err)
		var fe *fault.Error
		if resp.MessageID == "" && errors.As(err, &fe) {
			resp.MessageID = fe.MessageID
		}
		s.logger.Warn("send via API failed", "to", req.To, "message_id", resp.MessageID, "error", err)
		s.jsonResponse(w, resp, sendErrorStatus(err))
		return
	}
	s.jsonResponse(w, resp, http.StatusAccepted)
}

func sendErrorStatus(err error) int {
	switch {
	case errors.Is(err, partner.ErrUnknownPartner), errors.Is(err, sender.ErrNotLocal),
		errors.Is(err, sender.ErrNoLocalPartner), errors.Is(err, message.ErrNoFiles):
		return http.StatusBadRequest
	case fault.KindOf(err) == fault.Configuration:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

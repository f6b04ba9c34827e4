package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dharsanguruparan/SlideFill/internal/conversion"
	"github.com/dharsanguruparan/SlideFill/internal/model"
)

type registerTemplateBody struct {
	Name       string `json:"name"`
	FileKey    string `json:"fileKey"`
	FileURL    string `json:"fileUrl"`
	SlideCount int    `json:"slideCount"`
}

type slideCountBody struct {
	FileKey string `json:"fileKey"`
}

type submitConversionBody struct {
	TemplateID    string            `json:"templateId"`
	InputKey      string            `json:"inputKey"`
	InputURL      string            `json:"inputUrl"`
	PairCount     int               `json:"pairCount"`
	ImageMappings map[string]string `json:"imageMappings,omitempty"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListTemplates(r.Context(), callerFrom(r))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleRegisterTemplate(w http.ResponseWriter, r *http.Request) {
	var body registerTemplateBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	tpl, err := s.svc.RegisterTemplate(r.Context(), callerFrom(r), conversion.RegisterRequest{
		Name:       body.Name,
		File:       model.BlobRef{Key: body.FileKey, URL: body.FileURL},
		SlideCount: body.SlideCount,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleSlideCount(w http.ResponseWriter, r *http.Request) {
	var body slideCountBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.svc.MeasureTemplate(r.Context(), callerFrom(r), body.FileKey)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"slideCount": n})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.svc.GetTemplate(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTemplate(r.Context(), callerFrom(r), chi.URLParam(r, "id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSubmitConversion(w http.ResponseWriter, r *http.Request) {
	var body submitConversionBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.svc.SubmitConversion(r.Context(), callerFrom(r), conversion.SubmitRequest{
		TemplateID:    body.TemplateID,
		Input:         model.BlobRef{Key: body.InputKey, URL: body.InputURL},
		PairCount:     body.PairCount,
		ImageMappings: body.ImageMappings,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  job.ID,
		"status": string(job.Status),
	})
}

func (s *Server) handleListConversions(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.ListConversions(r.Context(), callerFrom(r))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetConversion(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetConversion(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.svc.Subscription(r.Context(), callerFrom(r))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	respondError(w, status, msg)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", "error", err)
	}
}

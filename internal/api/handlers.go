package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/db"
	"github.com/book-expert/tts-fulfillment/internal/objectstore"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

// Paging limits for the ledger listing.
const (
	DefaultRecordLimit = 50
	MaxRecordLimit     = 500
)

const (
	contentTypeHeader = "Content-Type"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
	maxBodyBytes      = 1 << 20
	logHandlerFailed  = "%s %s failed: %v"
)

var (
	errUnauthorized   = errors.New("missing or invalid admin token")
	errNotConfigured  = errors.New("endpoint not configured")
	errInvalidPaging  = errors.New("limit and offset must be non-negative integers")
	errInvalidRequest = errors.New("request body is not valid JSON")
)

// credentialView is a credential as the API returns it, secret masked.
type credentialView struct {
	core.Credential

	Secret string `json:"secret"`
}

func newCredentialView(cred core.Credential) credentialView {
	return credentialView{Credential: cred, Secret: cred.MaskedSecret()}
}

type createCredentialRequest struct {
	Name           string `json:"name"           validate:"required,max=100"`
	Provider       string `json:"provider"       validate:"required,oneof=gemini elevenlabs"`
	Secret         string `json:"secret"         validate:"required"`
	Notes          string `json:"notes"          validate:"max=500"`
	Tier           string `json:"tier"           validate:"max=50"`
	CharacterQuota int64  `json:"characterQuota" validate:"gte=0"`
	Disabled       bool   `json:"disabled"`
}

type updateCredentialRequest struct {
	Name           *string `json:"name"           validate:"omitempty,min=1,max=100"`
	Notes          *string `json:"notes"          validate:"omitempty,max=500"`
	Tier           *string `json:"tier"           validate:"omitempty,max=50"`
	CharacterQuota *int64  `json:"characterQuota" validate:"omitempty,gte=0"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fulfiller == nil {
		writeError(w, http.StatusServiceUnavailable, errNotConfigured)

		return
	}

	var req core.Request

	err := decodeBody(r, &req)
	if err != nil {
		result := s.deps.Fulfiller.Reject(core.Request{}, err)
		writeJSON(w, resultStatus(result), result)

		return
	}

	result := s.deps.Fulfiller.Fulfill(r.Context(), req)
	writeJSON(w, resultStatus(result), result)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	credentials, err := s.deps.Credentials.ListCredentials(r.Context())
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	views := make([]credentialView, 0, len(credentials))
	for _, cred := range credentials {
		views = append(views, newCredentialView(cred))
	}

	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest

	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	cred := core.Credential{
		Name:           req.Name,
		Provider:       req.Provider,
		Secret:         req.Secret,
		Notes:          req.Notes,
		Tier:           req.Tier,
		CharacterQuota: req.CharacterQuota,
		Enabled:        !req.Disabled,
	}

	err := s.deps.Credentials.CreateCredential(r.Context(), &cred)
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	s.log.Info("Credential %s (%s) added", cred.Name, cred.Provider)
	writeJSON(w, http.StatusCreated, newCredentialView(cred))
}

func (s *Server) handleUpdateCredential(w http.ResponseWriter, r *http.Request) {
	var req updateCredentialRequest

	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	cred, err := s.deps.Credentials.UpdateCredential(r.Context(), chi.URLParam(r, "id"), db.CredentialUpdate{
		Name:           req.Name,
		Notes:          req.Notes,
		Tier:           req.Tier,
		CharacterQuota: req.CharacterQuota,
	})
	if err != nil {
		s.storeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, newCredentialView(cred))
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := s.deps.Credentials.SetCredentialEnabled(r.Context(), id, enabled)
		if err != nil {
			s.storeError(w, r, err)

			return
		}

		cred, err := s.deps.Credentials.GetCredential(r.Context(), id)
		if err != nil {
			s.storeError(w, r, err)

			return
		}

		s.log.Info("Credential %s enabled=%t", cred.Name, enabled)
		writeJSON(w, http.StatusOK, newCredentialView(cred))
	}
}

func (s *Server) handleCheckCredentials(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checker == nil {
		writeError(w, http.StatusServiceUnavailable, errNotConfigured)

		return
	}

	summary, err := s.deps.Checker.CheckAll(r.Context())
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	records, err := s.deps.Records.ListRecords(r.Context(), limit, offset)
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.deps.Records.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.deps.Records.DeleteRecord(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)

		return
	}

	s.log.Warn("Ledger record %s deleted by administrator", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.deps.Records.UsageSummaries(r.Context())
	if err != nil {
		s.internalError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audio == nil {
		writeError(w, http.StatusServiceUnavailable, errNotConfigured)

		return
	}

	data, err := s.deps.Audio.Download(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) || errors.Is(err, objectstore.ErrInvalidKey) {
			writeError(w, http.StatusNotFound, err)

			return
		}

		s.internalError(w, r, err)

		return
	}

	w.Header().Set(contentTypeHeader, contentTypeWAV)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, target any) bool {
	err := decodeBody(r, target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return false
	}

	err = s.validate.Struct(target)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("validation failed: %w", err))

		return false
	}

	return true
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, db.ErrCredentialNotFound) || errors.Is(err, db.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, err)

		return
	}

	s.internalError(w, r, err)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error(logHandlerFailed, r.Method, r.URL.Path, err)
	writeError(w, http.StatusInternalServerError, err)
}

// resultStatus maps a fulfillment result onto an HTTP status.
func resultStatus(result core.Result) int {
	switch result.Kind {
	case core.FailureNone:
		return http.StatusOK
	case core.FailureInvalidRequest:
		return http.StatusBadRequest
	case core.FailureUpload:
		return http.StatusBadGateway
	case core.FailurePoolEmpty, core.FailureExhausted, core.FailurePoolError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func paging(r *http.Request) (int, int, error) {
	limit := DefaultRecordLimit
	offset := 0

	query := r.URL.Query()

	if raw := query.Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return 0, 0, errInvalidPaging
		}

		if value > 0 {
			limit = min(value, MaxRecordLimit)
		}
	}

	if raw := query.Get("offset"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return 0, 0, errInvalidPaging
		}

		offset = value
	}

	return limit, offset, nil
}

func decodeBody(r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))

	err := decoder.Decode(target)
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidRequest, err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	w.Header().Set(contentTypeHeader, contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hemobras/esocial/internal/esocial"
	"github.com/hemobras/esocial/internal/keystore"
	"github.com/hemobras/esocial/internal/logger"
	"github.com/hemobras/esocial/internal/transport"
	"github.com/hemobras/esocial/internal/xmlsig"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxBodyBytes bounds request documents.
	DefaultMaxBodyBytes = 16 << 20

	xmlContentType = "application/xml; charset=UTF-8"

	upstreamStatusHeader = "X-Esocial-Status"
	journalIDHeader      = "X-Journal-Id"
)

// Gateway is the subset of *esocial.Gateway the handlers use.
type Gateway interface {
	Sign(ctx context.Context, event []byte) (*xmlsig.Result, error)
	Send(ctx context.Context, batch []byte) (*esocial.Reply, error)
	SignAndSend(ctx context.Context, event []byte) (*esocial.Reply, error)
	Query(ctx context.Context, protocol string) (*esocial.Reply, error)
}

// KeyStore is the subset of *keystore.Store the handlers use.
type KeyStore interface {
	Current() (*keystore.KeyMaterial, error)
	Reload() (*keystore.KeyMaterial, error)
}

// Handler serves the gateway API.
type Handler struct {
	gateway      Gateway
	keys         KeyStore
	verifier     *xmlsig.Verifier
	maxBodyBytes int64
}

func New(gateway Gateway, keys KeyStore, verifier *xmlsig.Verifier) *Handler {
	if verifier == nil {
		verifier = xmlsig.NewVerifier("", nil)
	}
	return &Handler{
		gateway:      gateway,
		keys:         keys,
		verifier:     verifier,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
}

// Register mounts the API endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/api/health", h.HandleHealth)
	r.Get("/api/consultar-lote", h.HandleQuery)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/xml", "text/xml"))
		r.Post("/api/assinar", h.HandleSign)
		r.Post("/api/verificar", h.HandleVerify)
		r.Post("/api/enviar-lote", h.HandleSend)
		r.Post("/api/assinar-e-enviar", h.HandleSignAndSend)
	})

	r.With(LoopbackOnly).Post("/api/keystore/reload", h.HandleReload)
}

// Router builds the complete HTTP handler with logging, request context and CORS.
func Router(h *Handler, log zerolog.Logger, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.HTTPRequests(log))
	r.Use(RequestContext())
	r.Use(middleware.Recoverer)
	h.Register(r)

	if len(allowedOrigins) == 0 {
		return r
	}
	return withCORS(allowedOrigins, r)
}

func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader, upstreamStatusHeader, journalIDHeader},
	})
	return middleware.Handler(h)
}

type certificateInfo struct {
	Subject     string    `json:"subject"`
	Fingerprint string    `json:"fingerprint"`
	NotAfter    time.Time `json:"not_after"`
	LoadedAt    time.Time `json:"loaded_at"`
}

func newCertificateInfo(m *keystore.KeyMaterial) *certificateInfo {
	return &certificateInfo{
		Subject:     m.Subject(),
		Fingerprint: m.Fingerprint,
		NotAfter:    m.Certificate.NotAfter,
		LoadedAt:    m.LoadedAt,
	}
}

type healthResponse struct {
	OK          bool             `json:"ok"`
	Certificate *certificateInfo `json:"certificate,omitempty"`
}

// HandleHealth handles GET /api/health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{OK: true}
	if material, err := h.keys.Current(); err == nil {
		resp.Certificate = newCertificateInfo(material)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSign handles POST /api/assinar and returns the signed event.
func (h *Handler) HandleSign(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	res, err := h.gateway.Sign(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", xmlContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Document)
}

type verifyResponse struct {
	Valid       bool   `json:"valid"`
	ElementID   string `json:"element_id"`
	Tag         string `json:"tag"`
	Subject     string `json:"subject"`
	Fingerprint string `json:"fingerprint"`
}

// HandleVerify handles POST /api/verificar.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	verified, err := h.verifier.Verify(body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		Valid:       true,
		ElementID:   verified.ElementID,
		Tag:         verified.Tag,
		Subject:     verified.Certificate.Subject.String(),
		Fingerprint: verified.Fingerprint,
	})
}

// HandleSend handles POST /api/enviar-lote with an already signed batch.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	reply, err := h.gateway.Send(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeReply(w, reply)
}

// HandleSignAndSend handles POST /api/assinar-e-enviar.
func (h *Handler) HandleSignAndSend(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	reply, err := h.gateway.SignAndSend(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeReply(w, reply)
}

// HandleQuery handles GET /api/consultar-lote?protocolo=.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	reply, err := h.gateway.Query(r.Context(), r.URL.Query().Get("protocolo"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeReply(w, reply)
}

// HandleReload handles POST /api/keystore/reload. Register limits it to loopback clients.
func (h *Handler) HandleReload(w http.ResponseWriter, r *http.Request) {
	material, err := h.keys.Reload()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCertificateInfo(material))
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large", Kind: "too_large"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body", Kind: "bad_request"})
		return nil, false
	}
	return body, true
}

// writeReply returns the remote body as is. The remote status code travels in a header.
func writeReply(w http.ResponseWriter, reply *esocial.Reply) {
	w.Header().Set("Content-Type", xmlContentType)
	w.Header().Set(upstreamStatusHeader, strconv.Itoa(reply.StatusCode))
	if reply.JournalID != "" {
		w.Header().Set(journalIDHeader, reply.JournalID)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, reply.Body)
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Stage     string `json:"stage,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// classify maps an error to an HTTP status and a short kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, xmlsig.ErrMalformedInput):
		return http.StatusBadRequest, "malformed_input"
	case errors.Is(err, xmlsig.ErrNoSignableElement):
		return http.StatusBadRequest, "no_signable_element"
	case errors.Is(err, xmlsig.ErrAlreadySigned):
		return http.StatusBadRequest, "already_signed"
	case errors.Is(err, xmlsig.ErrInvalidSignature):
		return http.StatusUnprocessableEntity, "invalid_signature"
	case errors.Is(err, esocial.ErrInvalidProtocol):
		return http.StatusBadRequest, "invalid_protocol"
	case errors.Is(err, esocial.ErrInvalidHeader):
		return http.StatusInternalServerError, "invalid_batch_header"
	case errors.Is(err, transport.ErrPoolExhausted):
		return http.StatusServiceUnavailable, "pool_exhausted"
	case errors.Is(err, transport.ErrConnect):
		return http.StatusBadGateway, "connect"
	case errors.Is(err, transport.ErrRead):
		return http.StatusBadGateway, "read"
	case errors.Is(err, xmlsig.ErrKeyLoad):
		return http.StatusInternalServerError, "key_load"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)

	resp := errorResponse{
		Error:     err.Error(),
		Kind:      kind,
		RequestID: RequestIDFromContext(r.Context()),
	}

	var se *xmlsig.SignError
	if errors.As(err, &se) {
		resp.Stage = string(se.Stage)
	}
	var te *transport.TransportError
	if errors.As(err, &te) {
		resp.Stage = string(te.Stage)
	}

	event := zerolog.Ctx(r.Context()).Warn()
	if status >= http.StatusInternalServerError {
		event = zerolog.Ctx(r.Context()).Error()
	}
	event.Err(err).Str("kind", kind).Msg("request failed")

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

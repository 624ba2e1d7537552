// Package api exposes the gate operations over HTTP.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/quotagate/internal/auth"
	"github.com/AlexKimmel/quotagate/internal/gate"
)

const (
	PathPreflight = "/v1/preflight"
	PathAsk       = "/v1/ask"
)

// Routes lists the API paths, for metric labels.
var Routes = map[string]struct{}{
	PathPreflight: {},
	PathAsk:       {},
}

type usageBody struct {
	IsPro  bool   `json:"isPro"`
	Used   int    `json:"used"`
	Limit  int    `json:"limit"`
	Period string `json:"period,omitempty"`
}

type preflightResponse struct {
	Type  gate.ResultType `json:"type"`
	Usage usageBody       `json:"usage"`
}

type askRequest struct {
	Messages json.RawMessage `json:"messages"`
}

type askResponse struct {
	Type    gate.ResultType `json:"type"`
	Content *string         `json:"content,omitempty"`
	Usage   usageBody       `json:"usage"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type Handler struct {
	svc *gate.Service
}

func NewHandler(svc *gate.Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+PathPreflight, h.preflight)
	mux.HandleFunc("POST "+PathAsk, h.ask)
}

func (h *Handler) preflight(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFrom(r.Context())

	u, err := h.svc.Preflight(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preflightResponse{
		Type:  gate.TypeUsage,
		Usage: usageBody{IsPro: u.IsPro, Used: u.Used, Limit: u.Limit, Period: u.Period},
	})
}

func (h *Handler) ask(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFrom(r.Context())

	// An undecodable body leaves messages empty and the service rejects it
	// after the authentication check.
	var req askRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	res, err := h.svc.Ask(r.Context(), userID, req.Messages)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := askResponse{
		Type:  res.Type,
		Usage: usageBody{IsPro: res.Usage.IsPro, Used: res.Usage.Used, Limit: res.Usage.Limit},
	}
	if res.Type == gate.TypeAutofill {
		content := res.Content
		out.Content = &content
	}
	writeJSON(w, http.StatusOK, out)
}

func statusOf(k gate.Kind) int {
	switch k {
	case gate.Unauthenticated:
		return http.StatusUnauthorized
	case gate.InvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := gate.KindOf(err)
	if kind == gate.Internal {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	}

	var b errorBody
	b.Error.Code = kind.String()
	b.Error.Message = gate.Message(err)
	writeJSON(w, statusOf(kind), b)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

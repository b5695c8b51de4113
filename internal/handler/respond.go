package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/apperr"
	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
)

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Reason is set for discount code rejections.
	Reason string `json:"reason,omitempty"`
}

var errInvalidJSON = apperr.Validation("invalid json body")

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err onto the API error format. Unclassified errors are
// logged and answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	resp := errorResponse{Code: code, Message: apperr.Message(err, "internal error")}
	if code == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}

	var rej *discount.RejectedError
	if errors.As(err, &rej) {
		resp.Reason = string(rej.Reason)
	}
	writeJSON(w, code, resp)
}

// decode reads a JSON body of at most h.maxBodyBytes into v.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return &apperr.Error{Kind: apperr.KindValidation, Message: errInvalidJSON.Message, Err: err}
	}
	return nil
}

func identityParam(r *http.Request) (identity.Identity, error) {
	id, err := identity.Parse(chi.URLParam(r, "identity"))
	if err != nil {
		return identity.Identity{}, &apperr.Error{
			Kind:    apperr.KindValidation,
			Message: "identity must be user:<id> or guest:<token>",
			Err:     err,
		}
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperr.Validation(name + " must be an integer")
	}
	return v, nil
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func optMoney(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := money(d.Decimal)
	return &s
}

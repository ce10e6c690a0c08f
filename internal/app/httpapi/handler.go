// Package httpapi exposes the custody ledger over HTTP.
package httpapi

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	app "github.com/jsegovia1984/KipuBankV2/internal/app"
	"github.com/jsegovia1984/KipuBankV2/internal/app/domain/custody"
	"github.com/jsegovia1984/KipuBankV2/internal/app/events"
	"github.com/jsegovia1984/KipuBankV2/internal/app/metrics"
	"github.com/jsegovia1984/KipuBankV2/internal/app/services/access"
	custodysvc "github.com/jsegovia1984/KipuBankV2/internal/app/services/custody"
	pricefeedsvc "github.com/jsegovia1984/KipuBankV2/internal/app/services/pricefeed"
	"github.com/jsegovia1984/KipuBankV2/internal/app/storage"
	"github.com/jsegovia1984/KipuBankV2/internal/httputil"
	"github.com/jsegovia1984/KipuBankV2/internal/middleware"
	"github.com/jsegovia1984/KipuBankV2/pkg/logger"
)

const defaultRecordLimit = 100

// Options configures the HTTP surface.
type Options struct {
	Auth        middleware.AuthConfig
	RateLimit   float64
	Burst       int
	CORSOrigins []string
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
	log *logger.Logger
	now func() time.Time
}

// NewHandler returns a router exposing the custody REST API.
func NewHandler(application *app.Application, opts Options, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{app: application, log: log, now: time.Now}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	auth := middleware.NewAuthMiddleware(opts.Auth, log.Named("auth"))
	limiter := middleware.NewRateLimiter(opts.RateLimit, opts.Burst, log.Named("ratelimit"))

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(auth.Handler, limiter.Handler)

	api.HandleFunc("/deposits", h.deposit).Methods(http.MethodPost)
	api.HandleFunc("/withdrawals", h.withdraw).Methods(http.MethodPost)
	api.HandleFunc("/balances/{asset}", h.balance).Methods(http.MethodGet)
	api.HandleFunc("/capacity", h.capacity).Methods(http.MethodGet)
	api.HandleFunc("/state", h.state).Methods(http.MethodGet)
	api.Handle("/records", h.privileged(http.HandlerFunc(h.records))).Methods(http.MethodGet)
	api.HandleFunc("/assets/{asset}/precision", h.precision).Methods(http.MethodGet)

	api.HandleFunc("/admin/cap", h.setCap).Methods(http.MethodPut)
	api.HandleFunc("/admin/assets/{asset}/precision", h.setPrecision).Methods(http.MethodPut)
	api.Handle("/admin/roles/{role}", h.privileged(http.HandlerFunc(h.roleMembers))).Methods(http.MethodGet)
	api.HandleFunc("/admin/roles/{role}/{principal}", h.grantRole).Methods(http.MethodPut)
	api.HandleFunc("/admin/roles/{role}/{principal}", h.revokeRole).Methods(http.MethodDelete)

	api.HandleFunc("/oracle/price", h.latestPrice).Methods(http.MethodGet)
	api.HandleFunc("/oracle/prices", h.recordPrice).Methods(http.MethodPost)

	if application.Vault != nil {
		api.HandleFunc("/vault/faucet", h.faucet).Methods(http.MethodPost)
	}
	api.Handle("/events", h.privileged(application.Events)).Methods(http.MethodGet)

	var out http.Handler = r
	out = middleware.NewCORSMiddleware(opts.CORSOrigins).Handler(out)
	out = middleware.NewTracingMiddleware(log.Named("http")).Handler(out)
	return metrics.InstrumentHandler(out)
}

// privileged limits next to ADMIN and MANAGER holders. The journal, the
// event stream and role membership span every account.
func (h *handler) privileged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := middleware.PrincipalFrom(r.Context())
		if err := access.RequireAny(r.Context(), h.app.Access, caller, custody.RoleAdmin, custody.RoleManager); err != nil {
			h.writeErr(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.app.Custody.BankState(r.Context()); err != nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"services": h.app.Services(),
	})
}

// --- custody ----------------------------------------------------------------

type movementRequest struct {
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	var payload movementRequest
	if err := httputil.ReadJSON(r, &payload); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, amount, err := parseMovement(payload)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.app.Custody.Deposit(r.Context(), custodysvc.DepositRequest{
		Account:   middleware.PrincipalFrom(r.Context()),
		Asset:     asset,
		Amount:    amount,
		Reference: payload.Reference,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, events.FromRecord(rec))
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	var payload movementRequest
	if err := httputil.ReadJSON(r, &payload); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, amount, err := parseMovement(payload)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.app.Custody.Withdraw(r.Context(), custodysvc.WithdrawRequest{
		Account: middleware.PrincipalFrom(r.Context()),
		Asset:   asset,
		Amount:  amount,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, events.FromRecord(rec))
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	asset, err := custody.ParseAsset(mux.Vars(r)["asset"])
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	account := middleware.PrincipalFrom(r.Context())
	bal, err := h.app.Custody.BalanceOf(r.Context(), account, asset)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"account": account,
		"asset":   asset.String(),
		"balance": bal.String(),
	})
}

func (h *handler) capacity(w http.ResponseWriter, r *http.Request) {
	available, err := h.app.Custody.AvailableCapacity(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"available": available.String()})
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	state, err := h.app.Custody.BankState(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	available := new(big.Int).Sub(state.CapNormalized, state.TotalDepositedNormalized)
	if available.Sign() < 0 {
		available.SetInt64(0)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"cap":                custody.FormatNormalized(state.CapNormalized),
		"cap_normalized":     state.CapNormalized.String(),
		"total_deposited":    custody.FormatNormalized(state.TotalDepositedNormalized),
		"total_normalized":   state.TotalDepositedNormalized.String(),
		"available":          available.String(),
		"internal_precision": custody.InternalPrecision,
	})
}

func (h *handler) records(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecordLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = v
	}
	recs, err := h.app.Custody.Records(r.Context(), limit)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	out := make([]events.Event, 0, len(recs))
	for _, rec := range recs {
		out = append(out, events.FromRecord(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *handler) precision(w http.ResponseWriter, r *http.Request) {
	asset, err := custody.ParseAsset(mux.Vars(r)["asset"])
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok, err := h.app.Custody.Precision(r.Context(), asset)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, fmt.Sprintf("%s: %s", asset, custody.ErrUnconfiguredAsset))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"asset": asset.String(), "precision": p})
}

// --- administration ---------------------------------------------------------

func (h *handler) setCap(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Cap string `json:"cap"`
	}
	if err := httputil.ReadJSON(r, &payload); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	newCap, err := parseInt("cap", payload.Cap)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := h.app.Custody.SetCap(r.Context(), middleware.PrincipalFrom(r.Context()), newCap)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, events.FromRecord(rec))
}

func (h *handler) setPrecision(w http.ResponseWriter, r *http.Request) {
	asset, err := custody.ParseAsset(mux.Vars(r)["asset"])
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var payload struct {
		Precision *int `json:"precision"`
	}
	if err := httputil.ReadJSON(r, &payload); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Precision == nil {
		httputil.WriteError(w, http.StatusBadRequest, "precision is required")
		return
	}
	rec, err := h.app.Custody.SetAssetPrecision(r.Context(), middleware.PrincipalFrom(r.Context()), asset, *payload.Precision)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, events.FromRecord(rec))
}

func (h *handler) roleMembers(w http.ResponseWriter, r *http.Request) {
	role, err := custody.ParseRole(mux.Vars(r)["role"])
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	members, err := h.app.Access.Members(r.Context(), role)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if members == nil {
		members = []string{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"role": role, "members": members})
}

func (h *handler) grantRole(w http.ResponseWriter, r *http.Request) {
	role, principal, err := roleTarget(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.app.Access.GrantRole(r.Context(), middleware.PrincipalFrom(r.Context()), role, principal); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// revokeRole renounces when the caller targets itself.
func (h *handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	role, principal, err := roleTarget(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller := middleware.PrincipalFrom(r.Context())
	if caller == principal {
		err = h.app.Access.RenounceRole(r.Context(), caller, role, principal)
	} else {
		err = h.app.Access.RevokeRole(r.Context(), caller, role, principal)
	}
	if err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- oracle -----------------------------------------------------------------

func (h *handler) latestPrice(w http.ResponseWriter, r *http.Request) {
	price, updatedAt, err := h.app.Oracle.LatestPrice(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"feed_id":    h.app.Oracle.FeedID(),
		"price":      pricefeedsvc.FormatPrice(price, custody.OraclePrecision),
		"raw":        price.String(),
		"decimals":   custody.OraclePrecision,
		"updated_at": updatedAt,
	})
}

func (h *handler) recordPrice(w http.ResponseWriter, r *http.Request) {
	caller := middleware.PrincipalFrom(r.Context())
	if err := access.Require(r.Context(), h.app.Access, caller, custody.RoleManager); err != nil {
		h.writeErr(w, err)
		return
	}
	var payload struct {
		Price       string     `json:"price"`
		Source      string     `json:"source"`
		CollectedAt *time.Time `json:"collected_at,omitempty"`
	}
	if err := httputil.ReadJSON(r, &payload); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := pricefeedsvc.ScalePrice(payload.Price, custody.OraclePrecision)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	collectedAt := h.now().UTC()
	if payload.CollectedAt != nil {
		collectedAt = payload.CollectedAt.UTC()
	}
	source := strings.TrimSpace(payload.Source)
	if source == "" {
		source = "manual:" + caller
	}

	snap, err := h.app.PriceFeeds.RecordSnapshot(r.Context(), h.app.Oracle.FeedID(), price, source, collectedAt)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"id":           snap.ID,
		"feed_id":      snap.FeedID,
		"price":        pricefeedsvc.FormatPrice(snap.Price, custody.OraclePrecision),
		"raw":          snap.Price.String(),
		"source":       snap.Source,
		"collected_at": snap.CollectedAt,
	})
}

// --- local vault ------------------------------------------------------------

// faucet credits the caller's external wallet in the local vault and, for
// tokens, approves custody to pull the amount.
func (h *handler) faucet(w http.ResponseWriter, r *http.Request) {
	var payload movementRequest
	if err := httputil.ReadJSON(r, &payload); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, amount, err := parseMovement(payload)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if amount.Sign() <= 0 {
		httputil.WriteError(w, http.StatusBadRequest, custody.ErrInvalidAmount.Error())
		return
	}
	owner := middleware.PrincipalFrom(r.Context())
	h.app.Vault.Fund(owner, asset, amount)
	if !asset.IsNative() {
		h.app.Vault.Approve(owner, asset, amount)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"owner":     owner,
		"asset":     asset.String(),
		"wallet":    h.app.Vault.WalletBalance(owner, asset).String(),
		"allowance": h.app.Vault.Allowance(owner, asset).String(),
	})
}

// --- helpers ----------------------------------------------------------------

func (h *handler) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("status", status).Warn("request failed")
	}
	httputil.WriteError(w, status, err.Error())
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, custody.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, custody.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, custody.ErrInvalidAmount),
		errors.Is(err, custody.ErrInvalidAccount),
		errors.Is(err, custody.ErrUnconfiguredAsset),
		errors.Is(err, pricefeedsvc.ErrInvalidSnapshot):
		return http.StatusBadRequest
	case errors.Is(err, custody.ErrCapExceeded),
		errors.Is(err, custody.ErrInsufficientFunds),
		errors.Is(err, custody.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, custody.ErrBalanceOverflow),
		errors.Is(err, custody.ErrAccountingUnderflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, custody.ErrOracleInvalid),
		errors.Is(err, custody.ErrOraclePriceStale):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func parseMovement(payload movementRequest) (custody.Asset, *big.Int, error) {
	asset, err := custody.ParseAsset(payload.Asset)
	if err != nil {
		return custody.Asset{}, nil, err
	}
	amount, err := parseInt("amount", payload.Amount)
	if err != nil {
		return custody.Asset{}, nil, err
	}
	return asset, amount, nil
}

func parseInt(field, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("%s %q is not a base-10 integer", field, raw)
	}
	return v, nil
}

func roleTarget(r *http.Request) (custody.Role, string, error) {
	vars := mux.Vars(r)
	role, err := custody.ParseRole(vars["role"])
	if err != nil {
		return "", "", err
	}
	principal := strings.TrimSpace(vars["principal"])
	if principal == "" {
		return "", "", fmt.Errorf("principal is required")
	}
	return role, principal, nil
}

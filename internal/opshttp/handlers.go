package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"slipdesk/internal/config"
	"slipdesk/internal/courier"
	"slipdesk/internal/dispatch"
	"slipdesk/internal/domain"
	"slipdesk/internal/slip"
	logx "slipdesk/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Dispatch interface {
	Status(ctx context.Context) (dispatch.Status, error)
	Override(ctx context.Context, id, actor string) (domain.Slip, error)
}

type Slips interface {
	Create(ctx context.Context, in slip.CreateInput) (domain.Slip, error)
	Get(ctx context.Context, id string) (domain.Slip, error)
	Failed(ctx context.Context, limit int) ([]domain.Slip, error)
	ResetFailure(ctx context.Context, id, actor string) (domain.Slip, error)
}

type Couriers interface {
	Add(ctx context.Context, in courier.AddInput, actor string) (domain.Courier, error)
	List(ctx context.Context, includeDeleted bool) ([]domain.Courier, error)
}

type Settings interface {
	Current() domain.Settings
	Update(ctx context.Context, next domain.Settings, actor string) (domain.Settings, error)
}

// API is what the router serves. Couriers is optional; without it the
// courier routes are not mounted.
type API struct {
	Dispatch Dispatch
	Slips    Slips
	Couriers Couriers
	Settings Settings
	Log      logx.Logger
}

// CourierRequest is the body of POST /v1/couriers.
type CourierRequest struct {
	ID            string                    `json:"id"`
	Name          string                    `json:"name"`
	Prefix        string                    `json:"prefix"`
	Charges       map[domain.Method]float64 `json:"charges"`
	Active        *bool                     `json:"active"`
	StartCounter  uint64                    `json:"start_counter"`
	ExpressToggle bool                      `json:"express_toggle"`
}

// SlipRequest is the body of POST /v1/slips.
type SlipRequest struct {
	Customer      domain.Contact `json:"customer"`
	Sender        domain.Contact `json:"sender"`
	CourierID     string         `json:"courier_id"`
	Method        domain.Method  `json:"method"`
	NumberOfBoxes int            `json:"number_of_boxes"`
	ToPayShipping bool           `json:"to_pay_shipping"`
}

// SettingsDTO is the wire form of domain.Settings. Durations are Go
// duration strings; absent fields are left unchanged by PUT.
type SettingsDTO struct {
	AutoSendDelay             *string `json:"auto_send_delay,omitempty"`
	EnableAutoSend            *bool   `json:"enable_auto_send,omitempty"`
	StartSendingTime          *string `json:"start_sending_time,omitempty"`
	SendDelayBetweenCustomers *string `json:"send_delay_between_customers,omitempty"`
	AllowManualOverride       *bool   `json:"allow_manual_override,omitempty"`
	EnableBatchSummary        *bool   `json:"enable_batch_summary,omitempty"`
}

func settingsView(s domain.Settings) SettingsDTO {
	delay, spacing := s.AutoSendDelay.String(), s.SendDelayBetweenCustomers.String()
	return SettingsDTO{
		AutoSendDelay:             &delay,
		EnableAutoSend:            &s.EnableAutoSend,
		StartSendingTime:          &s.StartSendingTime,
		SendDelayBetweenCustomers: &spacing,
		AllowManualOverride:       &s.AllowManualOverride,
		EnableBatchSummary:        &s.EnableBatchSummary,
	}
}

// applyTo merges the present fields onto cur.
func (d SettingsDTO) applyTo(cur domain.Settings) (domain.Settings, error) {
	var errs []error
	if d.AutoSendDelay != nil {
		v, err := config.ParseDurationField("auto_send_delay", *d.AutoSendDelay)
		errs = append(errs, err)
		cur.AutoSendDelay = v
	}
	if d.SendDelayBetweenCustomers != nil {
		v, err := config.ParseDurationField("send_delay_between_customers", *d.SendDelayBetweenCustomers)
		errs = append(errs, err)
		cur.SendDelayBetweenCustomers = v
	}
	if d.EnableAutoSend != nil {
		cur.EnableAutoSend = *d.EnableAutoSend
	}
	if d.StartSendingTime != nil {
		cur.StartSendingTime = strings.TrimSpace(*d.StartSendingTime)
	}
	if d.AllowManualOverride != nil {
		cur.AllowManualOverride = *d.AllowManualOverride
	}
	if d.EnableBatchSummary != nil {
		cur.EnableBatchSummary = *d.EnableBatchSummary
	}
	if err := errors.Join(errs...); err != nil {
		return domain.Settings{}, errors.Join(domain.ErrInvalidSettings, err)
	}
	return cur, nil
}

// NewRouter builds the ops API. token, when set, guards everything except
// /healthz.
func NewRouter(api API, token string, pprof bool) http.Handler {
	if api.Log.IsZero() {
		api.Log = logx.Nop()
	}
	h := &handlers{api: api}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireToken(token))
		r.Handle("/metrics", promhttp.Handler())
		r.Route("/v1", func(r chi.Router) {
			r.Get("/dispatch/status", h.dispatchStatus)
			if api.Couriers != nil {
				r.Get("/couriers", h.listCouriers)
				r.Post("/couriers", h.addCourier)
			}
			r.Post("/slips", h.createSlip)
			r.Get("/slips/failed", h.failedSlips)
			r.Get("/slips/{id}", h.getSlip)
			r.Post("/slips/{id}/resend", h.resend)
			r.Post("/slips/{id}/reset", h.reset)
			r.Get("/settings", h.getSettings)
			r.Put("/settings", h.putSettings)
		})
		if pprof {
			r.HandleFunc("/debug/pprof/*", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		}
	})
	return r
}

type handlers struct {
	api API
}

func (h *handlers) dispatchStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.api.Dispatch.Status(r.Context())
	if err != nil {
		h.fail(w, r, "dispatch status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) listCouriers(w http.ResponseWriter, r *http.Request) {
	list, err := h.api.Couriers.List(r.Context(), r.URL.Query().Get("deleted") == "true")
	if err != nil {
		h.fail(w, r, "list couriers", err)
		return
	}
	if list == nil {
		list = []domain.Courier{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"couriers": list, "count": len(list)})
}

func (h *handlers) addCourier(w http.ResponseWriter, r *http.Request) {
	var req CourierRequest
	if !decodeBody(w, r, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	c, err := h.api.Couriers.Add(r.Context(), courier.AddInput{
		ID:            req.ID,
		Name:          req.Name,
		Prefix:        req.Prefix,
		Charges:       req.Charges,
		Active:        active,
		StartCounter:  req.StartCounter,
		ExpressToggle: req.ExpressToggle,
	}, actor(r))
	if err != nil {
		h.fail(w, r, "add courier", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *handlers) createSlip(w http.ResponseWriter, r *http.Request) {
	var req SlipRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sl, err := h.api.Slips.Create(r.Context(), slip.CreateInput{
		Customer:        req.Customer,
		Sender:          req.Sender,
		CourierID:       req.CourierID,
		Method:          req.Method,
		NumberOfBoxes:   req.NumberOfBoxes,
		IsToPayShipping: req.ToPayShipping,
		GeneratedBy:     actor(r),
	})
	if err != nil {
		h.fail(w, r, "create slip", err)
		return
	}
	writeJSON(w, http.StatusCreated, slipView{Slip: sl, State: sl.State()})
}

func (h *handlers) failedSlips(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	slips, err := h.api.Slips.Failed(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "list failed slips", err)
		return
	}
	if slips == nil {
		slips = []domain.Slip{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"slips": slips, "count": len(slips)})
}

func (h *handlers) getSlip(w http.ResponseWriter, r *http.Request) {
	sl, err := h.api.Slips.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get slip", err)
		return
	}
	writeJSON(w, http.StatusOK, slipView{Slip: sl, State: sl.State()})
}

func (h *handlers) resend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// The send outlives a dropped connection once it has started.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Minute)
	defer cancel()
	sl, err := h.api.Dispatch.Override(ctx, id, actor(r))
	if err != nil {
		h.fail(w, r, "manual resend", err)
		return
	}
	writeJSON(w, http.StatusOK, slipView{Slip: sl, State: sl.State()})
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	sl, err := h.api.Slips.ResetFailure(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.fail(w, r, "reset failure", err)
		return
	}
	writeJSON(w, http.StatusOK, slipView{Slip: sl, State: sl.State()})
}

func (h *handlers) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, settingsView(h.api.Settings.Current()))
}

func (h *handlers) putSettings(w http.ResponseWriter, r *http.Request) {
	var dto SettingsDTO
	if !decodeBody(w, r, &dto) {
		return
	}
	next, err := dto.applyTo(h.api.Settings.Current())
	if err != nil {
		h.fail(w, r, "update settings", err)
		return
	}
	saved, err := h.api.Settings.Update(r.Context(), next, actor(r))
	if err != nil {
		h.fail(w, r, "update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settingsView(saved))
}

// decodeBody reads a JSON body into v, answering 400 itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

type slipView struct {
	domain.Slip
	State domain.State `json:"state"`
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "ops-http"
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrSlipNotFound), errors.Is(err, domain.ErrCourierNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidSettings),
		errors.Is(err, domain.ErrInvalidPrefix),
		errors.Is(err, domain.ErrInvalidCharge),
		errors.Is(err, domain.ErrInvalidMethod),
		errors.Is(err, domain.ErrInvalidBoxCount),
		errors.Is(err, domain.ErrMissingCustomer):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicatePrefix),
		errors.Is(err, courier.ErrToggleAssigned),
		errors.Is(err, domain.ErrAllocationConflict),
		errors.Is(err, domain.ErrAlreadyNotified),
		errors.Is(err, domain.ErrSlipCancelled),
		errors.Is(err, domain.ErrDispatchInFlight),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrOverrideDisabled):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrDeliveryTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := statusFor(err)
	if code >= 500 {
		h.api.Log.Error(op+" failed", logx.String("path", r.URL.Path), logx.Err(err))
	} else {
		h.api.Log.Debug(op+" rejected", logx.String("path", r.URL.Path), logx.Int("status", code), logx.Err(err))
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
func requireToken(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

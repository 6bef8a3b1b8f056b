// Package httpapi exposes the shop and seckill services over HTTP. Every
// response uses the {success, errorMsg, data} envelope.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/correlation"
	"pkt.systems/voucherd/internal/failure"
	"pkt.systems/voucherd/internal/loggingutil"
	"pkt.systems/voucherd/internal/store"
)

// HeaderUserID identifies the buyer on seckill requests. Token issuance lives
// outside this service; an upstream gateway sets the header.
const HeaderUserID = "X-User-ID"

const maxBodyBytes = 64 << 10

// ShopService is the subset of the shop service the API needs.
type ShopService interface {
	QueryByID(ctx context.Context, id int64) (*store.Shop, error)
	Update(ctx context.Context, shop *store.Shop) error
	TypeList(ctx context.Context) ([]store.ShopType, error)
}

// SeckillService is the subset of the seckill service the API needs.
type SeckillService interface {
	RegisterVoucher(ctx context.Context, v *store.SeckillVoucher) error
	Seckill(ctx context.Context, voucherID, buyerID int64) (int64, error)
	Order(ctx context.Context, orderID int64) (*store.VoucherOrder, error)
}

// Config wires a Handler.
type Config struct {
	Shops   ShopService
	Seckill SeckillService
	// Health backs /healthz. Nil always reports healthy.
	Health         func(ctx context.Context) error
	Logger         pslog.Logger
	TracingEnabled bool
}

// Handler serves the HTTP API.
type Handler struct {
	shops   ShopService
	seckill SeckillService
	health  func(ctx context.Context) error
	logger  pslog.Logger
	tracing bool
}

// New returns a Handler.
func New(cfg Config) *Handler {
	return &Handler{
		shops:   cfg.Shops,
		seckill: cfg.Seckill,
		health:  cfg.Health,
		logger:  loggingutil.EnsureLogger(cfg.Logger),
		tracing: cfg.TracingEnabled,
	}
}

// Router returns a router with every route registered.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.Register(r)
	return r
}

// Register wires the routes onto r.
func (h *Handler) Register(r *mux.Router) {
	r.Handle("/shop/{id:[0-9]+}", h.wrap("shop.get", h.handleShopGet)).Methods(http.MethodGet)
	r.Handle("/shop", h.wrap("shop.update", h.handleShopUpdate)).Methods(http.MethodPut)
	r.Handle("/shop-type/list", h.wrap("shop_type.list", h.handleShopTypeList)).Methods(http.MethodGet)
	r.Handle("/voucher/seckill", h.wrap("voucher.register", h.handleVoucherRegister)).Methods(http.MethodPost)
	r.Handle("/voucher-order/seckill/{id:[0-9]+}", h.wrap("order.seckill", h.handleSeckill)).Methods(http.MethodPost)
	r.Handle("/voucher-order/{id:[0-9]+}", h.wrap("order.get", h.handleOrderGet)).Methods(http.MethodGet)
	r.Handle("/healthz", h.wrap("healthz", h.handleHealth)).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, Result{ErrorMsg: "no such route"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, Result{ErrorMsg: "method not allowed"})
	})
}

// Result is the response envelope.
type Result struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg,omitempty"`
	Data     any    `json:"data,omitempty"`
	Total    *int64 `json:"total,omitempty"`
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) (any, error)

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := correlation.FromHeader(r.Context(), r.Header.Get(correlation.Header))
		corr := correlation.ID(ctx)
		w.Header().Set(correlation.Header, corr)
		logger := loggingutil.WithSubsystem(h.logger, "http."+operation).With(
			"correlation_id", corr,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("voucherd.operation", operation))
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		data, err := fn(w, r)
		if err != nil {
			status, msg := errorResponse(err)
			if status >= http.StatusInternalServerError {
				span.RecordError(err)
				span.SetStatus(codes.Error, msg)
				logger.Warn("http.request.error", "status", status, "elapsed", time.Since(start), "error", err)
			} else {
				logger.Debug("http.request.rejected", "status", status, "error", err)
			}
			writeJSON(w, status, Result{ErrorMsg: msg})
			return
		}
		writeJSON(w, http.StatusOK, Result{Success: true, Data: data})
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, "voucherd.http."+operation)
}

func errorResponse(err error) (int, string) {
	var f *failure.Failure
	if errors.As(err, &f) {
		msg := f.Detail
		if msg == "" {
			msg = string(f.Code)
		}
		return f.Status(), msg
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "request canceled"
	}
	return http.StatusInternalServerError, "internal error"
}

func writeJSON(w http.ResponseWriter, status int, body Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return failure.Validation("invalid request body: %v", err)
	}
	return nil
}

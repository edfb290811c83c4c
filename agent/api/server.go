package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tanpawarit/chative-commerce-agent/agent/catalog"
	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
)

const maxBodyBytes = 64 << 10

// MessageHandler runs one conversation turn.
type MessageHandler interface {
	HandleMessage(ctx context.Context, in contractx.Inbound) (contractx.Outbound, error)
}

// SignatureVerifier authenticates a request body against its signature
// header, as QStash deliveries carry.
type SignatureVerifier interface {
	Verify(token string, body []byte, requestURL string) error
}

// ThreadLister lists the threads that currently have a checkpoint.
type ThreadLister interface {
	Threads(ctx context.Context) ([]string, error)
}

// OrderLister lists the orders recorded for a thread.
type OrderLister interface {
	Orders(ctx context.Context, threadID string) ([]catalog.Order, error)
}

type Option func(*options)

type options struct {
	verifier   SignatureVerifier
	adminToken string
	threads    ThreadLister
	orders     OrderLister
}

// WithSignatureVerifier requires a valid Upstash-Signature header on
// POST /v1/messages.
func WithSignatureVerifier(v SignatureVerifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithAdmin mounts the read-only /v1/threads routes behind a bearer token.
// Either lister may be nil.
func WithAdmin(token string, threads ThreadLister, orders OrderLister) Option {
	return func(o *options) {
		o.adminToken = token
		o.threads = threads
		o.orders = orders
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler exposes the intake endpoint for normalized inbound events, a
// health probe and the metrics registry gatherer.
func NewHandler(h MessageHandler, gatherer prometheus.Gatherer, opts ...Option) http.Handler {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Group(func(r chi.Router) {
		if o.verifier != nil {
			r.Use(verifySignature(o.verifier))
		}
		r.Post("/v1/messages", handleMessage(h))
	})
	if o.adminToken != "" && (o.threads != nil || o.orders != nil) {
		r.Route("/v1/threads", func(r chi.Router) {
			r.Use(requireBearer(o.adminToken))
			if o.threads != nil {
				r.Get("/", listThreads(o.threads))
			}
			if o.orders != nil {
				r.Get("/{threadID}/orders", listOrders(o.orders))
			}
		})
	}
	return r
}

func handleMessage(h MessageHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in contractx.Inbound
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&in); err != nil {
			log.Warn().Err(err).Msg("invalid inbound payload")
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}

		// A turn runs to completion once started; a dropped connection must
		// not abandon it between a checkout commit and its checkpoint.
		out, err := h.HandleMessage(context.WithoutCancel(r.Context()), in)
		switch {
		case errors.Is(err, contractx.ErrValidation):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		case err != nil:
			log.Error().Err(err).Str("thread_id", in.ThreadID).Msg("handle message failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func verifySignature(v SignatureVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
				return
			}
			if err := v.Verify(r.Header.Get("Upstash-Signature"), body, ""); err != nil {
				log.Warn().Err(err).Msg("rejected unsigned inbound payload")
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

type threadsResponse struct {
	Threads []string `json:"threads"`
}

type orderView struct {
	ID         string    `json:"id"`
	CheckoutID string    `json:"checkout_id"`
	ProductID  int64     `json:"product_id"`
	Quantity   int       `json:"quantity"`
	TotalPrice float64   `json:"total_price"`
	OrderedAt  time.Time `json:"ordered_at"`
}

type ordersResponse struct {
	ThreadID string      `json:"thread_id"`
	Orders   []orderView `json:"orders"`
}

func listThreads(l ThreadLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := l.Threads(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("list threads failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusOK, threadsResponse{Threads: ids})
	}
}

func listOrders(l OrderLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := chi.URLParam(r, "threadID")
		orders, err := l.Orders(r.Context(), threadID)
		if err != nil {
			log.Error().Err(err).Str("thread_id", threadID).Msg("list orders failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		out := ordersResponse{ThreadID: threadID, Orders: make([]orderView, 0, len(orders))}
		for _, o := range orders {
			out.Orders = append(out.Orders, orderView{
				ID:         o.ID,
				CheckoutID: o.CheckoutID,
				ProductID:  o.ProductID,
				Quantity:   o.Quantity,
				TotalPrice: o.TotalPrice,
				OrderedAt:  o.OrderedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func requireBearer(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response failed")
	}
}

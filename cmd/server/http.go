package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"tradepost/internal/bus"
	"tradepost/internal/checkout"
	"tradepost/internal/realtime"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type apiServer struct {
	orders   *checkout.Service
	issues   *bus.Publisher
	hub      *realtime.Hub
	upgrader websocket.Upgrader
	logf     func(format string, args ...any)
}

func newAPIServer(orders *checkout.Service, issues *bus.Publisher, hub *realtime.Hub, logf func(format string, args ...any)) *apiServer {
	if logf == nil {
		logf = log.Printf
	}
	return &apiServer{
		orders: orders,
		issues: issues,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logf: logf,
	}
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", s.handlePlaceOrder)
	mux.HandleFunc("POST /coupons/{id}/claims", s.handleClaimCoupon)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

type lineItemPayload struct {
	ProductID string `json:"product_id"`
	OptionID  string `json:"option_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type placeOrderPayload struct {
	UserID   string            `json:"user_id"`
	Items    []lineItemPayload `json:"items"`
	CouponID string            `json:"coupon_id"`
	Discount int64             `json:"discount"`
}

type orderResponse struct {
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	Subtotal int64  `json:"subtotal"`
	Discount int64  `json:"discount"`
	Total    int64  `json:"total"`
}

func (s *apiServer) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var payload placeOrderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.UserID == "" || len(payload.Items) == 0 {
		writeError(w, http.StatusBadRequest, "user_id and items are required")
		return
	}
	items := make([]checkout.LineItem, 0, len(payload.Items))
	for _, it := range payload.Items {
		if it.OptionID == "" || it.Quantity <= 0 || it.UnitPrice < 0 {
			writeError(w, http.StatusBadRequest, "invalid line item")
			return
		}
		items = append(items, checkout.LineItem{
			ProductID: it.ProductID,
			OptionID:  it.OptionID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	order, err := s.orders.PlaceOrder(r.Context(), checkout.PlaceOrderInput{
		UserID:           payload.UserID,
		Items:            items,
		CouponID:         payload.CouponID,
		Discount:         payload.Discount,
		IdempotencyToken: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		cause := checkout.UserError(err)
		s.logf("place order for user %s: %v", payload.UserID, err)
		writeError(w, orderStatusCode(cause), cause.Error())
		return
	}

	writeJSON(w, http.StatusCreated, orderResponse{
		OrderID:  order.ID,
		Status:   string(order.Status),
		Subtotal: order.Subtotal,
		Discount: order.Discount,
		Total:    order.Total,
	})
}

func orderStatusCode(err error) int {
	var timeout *checkout.TimeoutError
	switch {
	case errors.Is(err, checkout.ErrRequestInFlight):
		return http.StatusConflict
	case checkout.IsValidation(err):
		return http.StatusUnprocessableEntity
	case checkout.IsConflict(err):
		return http.StatusConflict
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type claimCouponPayload struct {
	UserID string `json:"user_id"`
}

// handleClaimCoupon enqueues an issuance request; grants happen
// asynchronously in arrival order.
func (s *apiServer) handleClaimCoupon(w http.ResponseWriter, r *http.Request) {
	couponID := r.PathValue("id")
	var payload claimCouponPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if couponID == "" || payload.UserID == "" {
		writeError(w, http.StatusBadRequest, "coupon id and user_id are required")
		return
	}

	req := bus.IssueRequest{
		RequestID:   uuid.NewString(),
		UserID:      payload.UserID,
		CouponID:    couponID,
		RequestedAt: time.Now().UTC(),
	}
	if err := s.issues.PublishIssueRequest(r.Context(), req); err != nil {
		s.logf("enqueue coupon claim %s: %v", req.RequestID, err)
		writeError(w, http.StatusServiceUnavailable, "coupon claim could not be accepted")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": req.RequestID})
}

func (s *apiServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("websocket upgrade: %v", err)
		return
	}
	s.hub.Register <- conn

	// Drain client frames so close/ping handling keeps working; the hub
	// owns all writes.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unregister <- conn
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

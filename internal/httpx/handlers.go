package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"fulfillment/internal/orders"
	"fulfillment/internal/projection"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var errServer = errors.New("httpx: server error")

type handlers struct {
	cmd   Commands
	query Queries
	logf  func(format string, args ...any)
}

type checkoutReq struct {
	OrderID    uuid.UUID       `json:"orderId"`
	BasketID   uuid.UUID       `json:"basketId"`
	Email      string          `json:"email"`
	TotalMoney decimal.Decimal `json:"totalMoney"`
}

type checkoutResp struct {
	OrderID uuid.UUID `json:"orderId"`
	Status  string    `json:"status"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

type listResp struct {
	Items  []projection.OrderSummary `json:"items"`
	Offset int                       `json:"offset"`
	Count  int                       `json:"count"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// fail maps domain errors to status codes.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orders.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orders.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, orders.ErrOrderClosed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logf("httpx: %s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func orderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *handlers) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := h.cmd.Checkout(r.Context(), orders.CheckoutRequest{
		OrderID:    req.OrderID,
		BasketID:   req.BasketID,
		Email:      req.Email,
		TotalMoney: req.TotalMoney,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, checkoutResp{OrderID: id, Status: "submitted"})
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req cancelReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.cmd.RequestCancellation(r.Context(), id, req.Reason); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"orderId": id.String(), "status": "cancellation requested"})
}

func (h *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	s, err := h.query.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handlers) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := projection.Filter{Status: q.Get("status"), Buyer: q.Get("buyer")}
	var err error
	if v := q.Get("page_size"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid page_size")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
	}
	items, err := h.query.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []projection.OrderSummary{}
	}
	writeJSON(w, http.StatusOK, listResp{Items: items, Offset: f.Offset, Count: len(items)})
}

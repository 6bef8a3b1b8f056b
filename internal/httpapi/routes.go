package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"pkt.systems/voucherd/internal/failure"
	"pkt.systems/voucherd/internal/store"
)

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, failure.Validation("invalid id %q", raw)
	}
	return id, nil
}

func (h *Handler) handleShopGet(_ http.ResponseWriter, r *http.Request) (any, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	return h.shops.QueryByID(r.Context(), id)
}

func (h *Handler) handleShopUpdate(w http.ResponseWriter, r *http.Request) (any, error) {
	var shop store.Shop
	if err := decodeBody(w, r, &shop); err != nil {
		return nil, err
	}
	if shop.ID <= 0 {
		return nil, failure.Validation("shop id must not be empty")
	}
	return nil, h.shops.Update(r.Context(), &shop)
}

func (h *Handler) handleShopTypeList(_ http.ResponseWriter, r *http.Request) (any, error) {
	return h.shops.TypeList(r.Context())
}

func (h *Handler) handleVoucherRegister(w http.ResponseWriter, r *http.Request) (any, error) {
	var v store.SeckillVoucher
	if err := decodeBody(w, r, &v); err != nil {
		return nil, err
	}
	if err := h.seckill.RegisterVoucher(r.Context(), &v); err != nil {
		return nil, err
	}
	return v.VoucherID, nil
}

func (h *Handler) handleSeckill(_ http.ResponseWriter, r *http.Request) (any, error) {
	voucherID, err := pathID(r)
	if err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(r.Header.Get(HeaderUserID))
	buyerID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || buyerID <= 0 {
		return nil, failure.Validation("%s header must carry a positive user id", HeaderUserID)
	}
	return h.seckill.Seckill(r.Context(), voucherID, buyerID)
}

func (h *Handler) handleOrderGet(_ http.ResponseWriter, r *http.Request) (any, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	return h.seckill.Order(r.Context(), id)
}

func (h *Handler) handleHealth(_ http.ResponseWriter, r *http.Request) (any, error) {
	if h.health == nil {
		return "ok", nil
	}
	if err := h.health(r.Context()); err != nil {
		return nil, failure.CoordinationUnavailable("health check failed", err)
	}
	return "ok", nil
}

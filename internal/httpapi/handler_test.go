package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"pkt.systems/voucherd/internal/correlation"
	"pkt.systems/voucherd/internal/failure"
	"pkt.systems/voucherd/internal/store"
)

type fakeShops struct {
	shops   map[int64]store.Shop
	updated []store.Shop
	types   []store.ShopType
}

func (f *fakeShops) QueryByID(_ context.Context, id int64) (*store.Shop, error) {
	s, ok := f.shops[id]
	if !ok {
		return nil, failure.NotFound("shop")
	}
	return &s, nil
}

func (f *fakeShops) Update(_ context.Context, shop *store.Shop) error {
	f.updated = append(f.updated, *shop)
	return nil
}

func (f *fakeShops) TypeList(context.Context) ([]store.ShopType, error) {
	return f.types, nil
}

type fakeSeckill struct {
	registered []store.SeckillVoucher
	err        error
	buyers     []int64
	orders     map[int64]store.VoucherOrder
}

func (f *fakeSeckill) RegisterVoucher(_ context.Context, v *store.SeckillVoucher) error {
	f.registered = append(f.registered, *v)
	return nil
}

func (f *fakeSeckill) Seckill(_ context.Context, voucherID, buyerID int64) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.buyers = append(f.buyers, buyerID)
	return voucherID*1000 + buyerID, nil
}

func (f *fakeSeckill) Order(_ context.Context, id int64) (*store.VoucherOrder, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, failure.NotFound("order")
	}
	return &o, nil
}

type envelope struct {
	Success  bool            `json:"success"`
	ErrorMsg string          `json:"errorMsg"`
	Data     json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, shops *fakeShops, seckill *fakeSeckill, health func(context.Context) error) *httptest.Server {
	t.Helper()
	h := New(Config{Shops: shops, Seckill: seckill, Health: health})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp, env
}

func TestShopRoutes(t *testing.T) {
	shops := &fakeShops{
		shops: map[int64]store.Shop{1: {ID: 1, Name: "noodles"}},
		types: []store.ShopType{{ID: 1, Name: "food", Sort: 1}},
	}
	srv := newTestServer(t, shops, &fakeSeckill{}, nil)

	resp, env := do(t, srv, http.MethodGet, "/shop/1", "", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("get shop: status=%d env=%+v", resp.StatusCode, env)
	}
	var shop store.Shop
	if err := json.Unmarshal(env.Data, &shop); err != nil || shop.Name != "noodles" {
		t.Fatalf("unexpected shop %s (%v)", env.Data, err)
	}

	resp, env = do(t, srv, http.MethodGet, "/shop/2", "", nil)
	if resp.StatusCode != http.StatusNotFound || env.Success || env.ErrorMsg == "" {
		t.Fatalf("missing shop: status=%d env=%+v", resp.StatusCode, env)
	}

	resp, env = do(t, srv, http.MethodPut, "/shop", `{"id":1,"name":"ramen"}`, nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("update: status=%d env=%+v", resp.StatusCode, env)
	}
	if len(shops.updated) != 1 || shops.updated[0].Name != "ramen" {
		t.Fatalf("update not forwarded: %+v", shops.updated)
	}

	resp, _ = do(t, srv, http.MethodPut, "/shop", `{"name":"no id"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("update without id: status=%d", resp.StatusCode)
	}
	resp, _ = do(t, srv, http.MethodPut, "/shop", `{"id":1,"bogus":true}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: status=%d", resp.StatusCode)
	}

	resp, env = do(t, srv, http.MethodGet, "/shop-type/list", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(env.Data), `"food"`) {
		t.Fatalf("type list: status=%d data=%s", resp.StatusCode, env.Data)
	}
}

func TestSeckillRoutes(t *testing.T) {
	seckill := &fakeSeckill{orders: map[int64]store.VoucherOrder{7: {ID: 7, UserID: 3, VoucherID: 2}}}
	srv := newTestServer(t, &fakeShops{}, seckill, nil)

	begin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	end := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	body := `{"voucherId":2,"stock":100,"beginTime":"` + begin + `","endTime":"` + end + `"}`
	resp, env := do(t, srv, http.MethodPost, "/voucher/seckill", body, nil)
	if resp.StatusCode != http.StatusOK || string(env.Data) != "2" {
		t.Fatalf("register: status=%d env=%+v", resp.StatusCode, env)
	}
	if len(seckill.registered) != 1 || seckill.registered[0].Stock != 100 {
		t.Fatalf("unexpected registration %+v", seckill.registered)
	}

	resp, env = do(t, srv, http.MethodPost, "/voucher-order/seckill/2", "", map[string]string{HeaderUserID: "3"})
	if resp.StatusCode != http.StatusOK || string(env.Data) != "2003" {
		t.Fatalf("seckill: status=%d env=%+v", resp.StatusCode, env)
	}

	resp, _ = do(t, srv, http.MethodPost, "/voucher-order/seckill/2", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing user header: status=%d", resp.StatusCode)
	}

	seckill.err = failure.CapacityExhausted("voucher 2 is sold out")
	resp, env = do(t, srv, http.MethodPost, "/voucher-order/seckill/2", "", map[string]string{HeaderUserID: "4"})
	if resp.StatusCode != http.StatusConflict || env.ErrorMsg != "voucher 2 is sold out" {
		t.Fatalf("sold out: status=%d env=%+v", resp.StatusCode, env)
	}

	seckill.err = errors.New("boom")
	resp, env = do(t, srv, http.MethodPost, "/voucher-order/seckill/2", "", map[string]string{HeaderUserID: "4"})
	if resp.StatusCode != http.StatusInternalServerError || env.ErrorMsg != "internal error" {
		t.Fatalf("internal error must not leak: status=%d env=%+v", resp.StatusCode, env)
	}

	resp, env = do(t, srv, http.MethodGet, "/voucher-order/7", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(env.Data), `"userId":3`) {
		t.Fatalf("order: status=%d data=%s", resp.StatusCode, env.Data)
	}
	resp, _ = do(t, srv, http.MethodGet, "/voucher-order/8", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing order: status=%d", resp.StatusCode)
	}
}

func TestHealthAndRouting(t *testing.T) {
	var healthErr error
	srv := newTestServer(t, &fakeShops{}, &fakeSeckill{}, func(context.Context) error { return healthErr })

	resp, env := do(t, srv, http.MethodGet, "/healthz", "", map[string]string{correlation.Header: "health-1"})
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("healthz: status=%d env=%+v", resp.StatusCode, env)
	}
	if got := resp.Header.Get(correlation.Header); got != "health-1" {
		t.Fatalf("correlation id not echoed, got %q", got)
	}

	healthErr = errors.New("redis down")
	resp, _ = do(t, srv, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy: status=%d", resp.StatusCode)
	}
	if resp.Header.Get(correlation.Header) == "" {
		t.Fatal("expected generated correlation id")
	}

	resp, _ = do(t, srv, http.MethodGet, "/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown route: status=%d", resp.StatusCode)
	}
	resp, _ = do(t, srv, http.MethodDelete, "/shop/1", "", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method: status=%d", resp.StatusCode)
	}
}

package sale

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(h *harness) *gin.Engine {
	r := gin.New()
	NewHandler(h.service).RegisterRoutes(r.Group("/v1"))
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type saleBody struct {
	Sale  Sale  `json:"sale"`
	Flags Flags `json:"flags"`
}

func TestHandler_CreateAndGet(t *testing.T) {
	h := newHarness(t, testSettings())
	r := newTestRouter(h)

	w := doJSON(t, r, http.MethodPost, "/v1/sales", validRequest())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created saleBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, StateAwaitingPayment, created.Sale.State)
	assert.Equal(t, "0.204", created.Sale.ExpectedPayment.String())
	assert.False(t, created.Flags.PaymentReceived)

	w = doJSON(t, r, http.MethodGet, "/v1/sales/"+created.Sale.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got saleBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, created.Sale.ID, got.Sale.ID)
}

func TestHandler_CreateValidation(t *testing.T) {
	h := newHarness(t, testSettings())
	r := newTestRouter(h)

	req := validRequest()
	req.SellerPayoutAddress = "not-monero"
	w := doJSON(t, r, http.MethodPost, "/v1/sales", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	w = doJSON(t, r, http.MethodPost, "/v1/sales", map[string]string{"itemId": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestHandler_WalletDown(t *testing.T) {
	h := newHarness(t, testSettings())
	h.wallet.down = true
	r := newTestRouter(h)

	w := doJSON(t, r, http.MethodPost, "/v1/sales", validRequest())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "wallet_unavailable")
}

func TestHandler_GetNotFound(t *testing.T) {
	h := newHarness(t, testSettings())
	r := newTestRouter(h)
	w := doJSON(t, r, http.MethodGet, "/v1/sales/sale_0123456789abcdef01234567", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/sales/sale_missing", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_id")
}

func TestHandler_Marks(t *testing.T) {
	h := newHarness(t, testSettings())
	r := newTestRouter(h)
	s := h.createSale(t, "1", StatePaymentConfirmed)

	w := doJSON(t, r, http.MethodPost, "/v1/sales/"+s.ID+"/shipped", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/v1/sales/"+s.ID+"/received", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body saleBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, StateDelivered, body.Sale.State)
	assert.True(t, body.Flags.ItemReceived)

	// Delivered sales can still be cancelled; shipped again cannot.
	w = doJSON(t, r, http.MethodPost, "/v1/sales/"+s.ID+"/shipped", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_state")
}

func TestHandler_CancelAwaitingPayment(t *testing.T) {
	h := newHarness(t, testSettings())
	s := h.createSale(t, "1", StateAwaitingPayment)

	w := doJSON(t, newTestRouter(h), http.MethodPost, "/v1/sales/"+s.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StateCancelled, h.get(t, s.ID).State)
}

func TestHandler_List(t *testing.T) {
	h := newHarness(t, testSettings())
	r := newTestRouter(h)
	h.createSale(t, "1", StateAwaitingPayment)
	h.createSale(t, "2", StateCancelled)

	w := doJSON(t, r, http.MethodGet, "/v1/sales", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	w = doJSON(t, r, http.MethodGet, "/v1/sales?state=cancelled", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doJSON(t, r, http.MethodGet, "/v1/sales?state=lost", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/sales?cursor=bm9waXBl", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_cursor")
}

func TestHandler_ListPages(t *testing.T) {
	h := newHarness(t, testSettings())
	r := newTestRouter(h)
	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, h.createSale(t, "1", StateAwaitingPayment).ID)
		h.advance(time.Second)
	}

	type page struct {
		Sales      []Sale `json:"sales"`
		HasMore    bool   `json:"hasMore"`
		NextCursor string `json:"nextCursor"`
	}
	var got []string
	path := "/v1/sales?limit=2"
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5)
		w := doJSON(t, r, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var p page
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
		for _, s := range p.Sales {
			got = append(got, s.ID)
		}
		if !p.HasMore {
			assert.Empty(t, p.NextCursor)
			break
		}
		path = "/v1/sales?limit=2&cursor=" + p.NextCursor
	}
	assert.Equal(t, want, got)
}

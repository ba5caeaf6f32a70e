package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/fieldcap/internal/common"
	"github.com/dmitrijs2005/fieldcap/internal/server/auth"
	"github.com/dmitrijs2005/fieldcap/internal/server/config"
	"github.com/dmitrijs2005/fieldcap/internal/server/dayindex"
	"github.com/dmitrijs2005/fieldcap/internal/server/faults"
	"github.com/dmitrijs2005/fieldcap/internal/server/ingest"
	"github.com/dmitrijs2005/fieldcap/internal/server/metrics"
	"github.com/dmitrijs2005/fieldcap/internal/server/notify"
	"github.com/dmitrijs2005/fieldcap/internal/server/services"
	"github.com/dmitrijs2005/fieldcap/internal/server/storage"
)

const (
	secret      = "0123456789abcdef0123456789abcdef"
	tenBytes    = "0123456789"
	tenBytesSum = "84d89877f0d4041efb6bf91a16f0248f2fd573e6af05c19f96bedb9f882f7882"
)

func init() { gin.SetMode(gin.TestMode) }

type testEnv struct {
	cfg    *config.Config
	issuer *auth.Issuer
	photos *storage.MemoryStore
	index  *storage.MemoryStore
	hub    *notify.Hub
	srv    *Server
}

func newTestEnv(t *testing.T, withFaults bool) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Env:             "test",
		HTTPAddr:        "127.0.0.1:0",
		PublicBaseURL:   "http://api.test",
		SigningSecret:   secret,
		IndexSafeAppend: true,
		MaxEventsPerDay: 100,
		MaxIndexRetries: 5,
		MaxUploadBytes:  1024,
		CORSOrigins:     []string{"https://gallery.test"},
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	e := &testEnv{
		cfg:    cfg,
		issuer: auth.NewIssuer(secret, time.Minute),
		photos: storage.NewMemoryStore("photos"),
		index:  storage.NewMemoryStore("index"),
		hub:    notify.NewHub(nil, m),
	}
	parts := storage.Partitions{Photos: e.photos, Clips: storage.NewMemoryStore("clips"), Index: e.index}
	rec := dayindex.New(e.index, dayindex.Options{SafeMode: true, MaxEventsPerDay: 100}, nil, m)
	in := ingest.New(e.issuer, parts, rec, cfg.MaxUploadBytes, nil, m).WithNotifier(e.hub)

	d := Deps{
		Config:   cfg,
		Presign:  services.NewPresignService(e.issuer, parts, cfg.PublicBaseURL, time.Minute),
		Ingest:   in,
		Index:    rec,
		Hub:      e.hub,
		Gatherer: reg,
		Metrics:  m,
	}
	if withFaults {
		h := faults.New()
		in.WithFaults(h)
		d.Faults = h
	}
	e.srv = NewServer(d)
	return e
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func (e *testEnv) presignPut(t *testing.T, body string) services.UploadTicket {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/presign/put", strings.NewReader(body))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var tk services.UploadTicket
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tk))
	return tk
}

func uploadPath(t *testing.T, uploadURL string) string {
	t.Helper()
	u, err := url.Parse(uploadURL)
	require.NoError(t, err)
	return u.Path
}

func TestEndToEnd_UploadLandsInDayIndex(t *testing.T) {
	e := newTestEnv(t, false)

	tk := e.presignPut(t, `{"deviceId":"dev1","kind":"photos","contentType":"image/jpeg"}`)
	assert.Equal(t, "PUT", tk.Method)
	assert.True(t, strings.HasPrefix(tk.UploadURL, "http://api.test/fput/"))
	assert.Equal(t, "image/jpeg", tk.Headers["Content-Type"])

	rr := e.do(t, http.MethodPut, uploadPath(t, tk.UploadURL), strings.NewReader(tenBytes))
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	assert.Empty(t, rr.Body.String())

	body, _, err := e.photos.Get(context.Background(), tk.Key)
	require.NoError(t, err)
	assert.Equal(t, tenBytes, string(body))

	date := time.Now().UTC().Format("2006-01-02")
	rr = e.do(t, http.MethodGet, "/v1/index/dev1/"+date, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var doc dayindex.Document
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Equal(t, "dev1", doc.DeviceID)
	assert.Equal(t, date, doc.Date)
	require.Len(t, doc.Events, 1)
	assert.Equal(t, tk.Key, doc.Events[0].Key)
	assert.EqualValues(t, 10, doc.Events[0].Bytes)
	assert.Equal(t, tenBytesSum, doc.Events[0].SHA256)
	assert.Equal(t, common.KindPhotos, doc.Events[0].Kind)
}

func TestPresignPut_Errors(t *testing.T) {
	e := newTestEnv(t, false)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed json", `{"deviceId":`, "bad_request"},
		{"missing device", `{"kind":"photos"}`, "bad_request"},
		{"traversal", `{"deviceId":"dev1","objectKey":"../dev2/x.jpg"}`, "unsafe_key"},
		{"index directory", `{"deviceId":"dev1","objectKey":"indices/day-2024-06-01.json"}`, "unsafe_key"},
		{"unknown kind", `{"deviceId":"dev1","kind":"audio"}`, "invalid_kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/v1/presign/put", strings.NewReader(tt.body))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, tt.want, decode(t, rr)["error"])
		})
	}
}

func TestPresignGet(t *testing.T) {
	e := newTestEnv(t, false)

	rr := e.do(t, http.MethodGet, "/v1/presign/get?deviceId=dev1&objectKey=a.jpg&kind=photos", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	out := decode(t, rr)
	assert.Equal(t, "dev1/a.jpg", out["key"])
	assert.Equal(t, "photos", out["kind"])
	assert.EqualValues(t, 60, out["expiresIn"])
	assert.Contains(t, out["downloadUrl"], "memory://photos/dev1/a.jpg")

	rr = e.do(t, http.MethodGet, "/v1/presign/get?deviceId=dev1&objectKey=../x.jpg", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "unsafe_key", decode(t, rr)["error"])

	rr = e.do(t, http.MethodGet, "/v1/presign/get?deviceId=dev1&objectKey=dev1/indices/day-2024-06-01.json", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "unsafe_key", decode(t, rr)["error"])
}

func TestUpload_TokenErrors(t *testing.T) {
	e := newTestEnv(t, false)

	rr := e.do(t, http.MethodPut, "/fput/not-a-token", strings.NewReader(tenBytes))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, map[string]any{"error": "invalid_token"}, decode(t, rr))

	old := auth.NewIssuer(secret, time.Minute).WithClock(func() time.Time { return time.Now().Add(-time.Hour) })
	tok, _, err := old.Issue("dev1", "a.jpg", "", "")
	require.NoError(t, err)
	rr = e.do(t, http.MethodPut, "/fput/"+tok, strings.NewReader(tenBytes))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, map[string]any{"error": "invalid_token", "reason": "token_expired"}, decode(t, rr))

	assert.Empty(t, e.photos.Keys(""))
}

func TestUpload_TooLarge(t *testing.T) {
	e := newTestEnv(t, false)
	tk := e.presignPut(t, `{"deviceId":"dev1"}`)

	rr := e.do(t, http.MethodPut, uploadPath(t, tk.UploadURL), bytes.NewReader(make([]byte, 2048)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, "payload_too_large", decode(t, rr)["error"])
	assert.Empty(t, e.photos.Keys(""))
}

func TestFaults(t *testing.T) {
	e := newTestEnv(t, true)
	until := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	rr := e.do(t, http.MethodPost, "/v1/test/faults",
		strings.NewReader(fmt.Sprintf(`{"deviceId":"dev1","failPutRate":1,"httpCode":503,"untilTs":%q}`, until)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodGet, "/v1/test/faults", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode(t, rr)["faults"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "dev1", list[0].(map[string]any)["deviceId"])

	tk := e.presignPut(t, `{"deviceId":"dev1"}`)
	rr = e.do(t, http.MethodPut, uploadPath(t, tk.UploadURL), strings.NewReader(tenBytes))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "simulated_failure", decode(t, rr)["error"])
	assert.Empty(t, e.photos.Keys(""))

	tk = e.presignPut(t, `{"deviceId":"dev2"}`)
	rr = e.do(t, http.MethodPut, uploadPath(t, tk.UploadURL), strings.NewReader(tenBytes))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = e.do(t, http.MethodPost, "/v1/test/faults", strings.NewReader(`{"deviceId":"dev1"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode(t, rr)["faults"])
}

func TestFaults_NotMountedWhenDisabled(t *testing.T) {
	e := newTestEnv(t, false)
	rr := e.do(t, http.MethodGet, "/v1/test/faults", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDayIndex_Errors(t *testing.T) {
	e := newTestEnv(t, false)

	rr := e.do(t, http.MethodGet, "/v1/index/dev1/2024-06-01", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", decode(t, rr)["error"])

	rr = e.do(t, http.MethodGet, "/v1/index/dev1/yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, false)
	e.srv.now = func() time.Time { return time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC) }

	rr := e.do(t, http.MethodGet, "/v1/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]any{
		"ok":                     true,
		"env":                    "test",
		"weakSecret":             false,
		"indexSafeAppendEnabled": true,
		"maxEventsPerDay":        float64(100),
		"ts":                     "2024-06-01T10:00:00Z",
	}, decode(t, rr))

	e.cfg.SigningSecret = config.DevSigningSecret
	rr = e.do(t, http.MethodGet, "/v1/healthz", nil)
	assert.Equal(t, true, decode(t, rr)["weakSecret"])
}

func TestMetricsAndRequestID(t *testing.T) {
	e := newTestEnv(t, false)

	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	req.Header.Set(requestIDHeader, "abc123")
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, "abc123", rr.Header().Get(requestIDHeader))

	rr = e.do(t, http.MethodGet, "/metrics", nil)
	assert.Len(t, rr.Header().Get(requestIDHeader), 16)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `fieldcap_http_requests_total{method="GET",route="/v1/healthz",status="200"} 1`)
}

func TestCORS(t *testing.T) {
	e := newTestEnv(t, false)

	req := httptest.NewRequest(http.MethodOptions, "/v1/presign/put", nil)
	req.Header.Set("Origin", "https://gallery.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://gallery.test", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	req.Header.Set("Origin", "https://evil.test")
	rr = httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestEvents_WebSocket(t *testing.T) {
	e := newTestEnv(t, false)
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/events/ws?deviceId=dev1", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return e.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	tk := e.presignPut(t, `{"deviceId":"dev1","objectKey":"a.jpg"}`)
	rr := e.do(t, http.MethodPut, uploadPath(t, tk.UploadURL), strings.NewReader(tenBytes))
	require.Equal(t, http.StatusNoContent, rr.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var n notify.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, "dev1/a.jpg", n.Key)
	assert.Equal(t, tenBytesSum, n.SHA256)
	assert.NotEmpty(t, n.IndexKey)
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&ingest.FaultError{Status: 502}, 502, "simulated_failure"},
		{fmt.Errorf("x: %w", common.ErrInvalidToken), 401, "invalid_token"},
		{common.ErrTokenExpired, 401, "invalid_token"},
		{common.ErrTooLarge, 413, "payload_too_large"},
		{common.ErrUnsafeKey, 400, "unsafe_key"},
		{common.ErrInvalidKind, 400, "invalid_kind"},
		{common.ErrInvalidDevice, 400, "bad_request"},
		{common.ErrNotFound, 404, "not_found"},
		{fmt.Errorf("put: %w", common.ErrStorageUnavailable), 503, "storage_unavailable"},
		{context.DeadlineExceeded, 503, "storage_unavailable"},
		{errors.New("boom"), 500, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, body := errorResponse(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	e := newTestEnv(t, false)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.srv.Serve(ctx, l) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + "/v1/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop after context cancel")
	}
}

func TestRun_ReturnsErrorOnBadAddress(t *testing.T) {
	e := newTestEnv(t, false)
	e.cfg.HTTPAddr = "127.0.0.1:99999"
	assert.Error(t, e.srv.Run(context.Background()))
}

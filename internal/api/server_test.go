package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/ecrlink/internal/api"
	"github.com/danmuck/ecrlink/internal/auth"
	"github.com/danmuck/ecrlink/internal/protocol/ecr"
	"github.com/danmuck/ecrlink/internal/protocol/session"
	"github.com/danmuck/ecrlink/internal/service"
	"github.com/danmuck/ecrlink/internal/terminal"
	"github.com/danmuck/ecrlink/internal/testutil/testlog"
	"github.com/danmuck/ecrlink/internal/transport"
	"github.com/danmuck/ecrlink/internal/transport/sim"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type harness struct {
	srv    *api.Server
	bridge *service.Bridge
	sims   chan *sim.Adapter
	pub    *publisher
}

type publisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *publisher) Publish(topic string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *publisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

func newHarness(t *testing.T, silent bool) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := service.DefaultServiceConfig()
	cfg.Transport = service.TransportSim
	cfg.Terminal.TerminalID = "api-test"
	cfg.Terminal.Session.TransactionTimeout = time.Second
	cfg.MQTT.Enabled = true
	simCfg := cfg.Sim
	simCfg.ConnectDelay = time.Millisecond
	simCfg.ResponseDelay = 5 * time.Millisecond
	simCfg.Silent = silent

	h := &harness{sims: make(chan *sim.Adapter, 4), pub: &publisher{}}
	factory := func(terminal.Config) (transport.Adapter, error) {
		a := sim.New(simCfg)
		h.sims <- a
		return a, nil
	}
	b, err := service.NewBridge(cfg, service.WithAdapterFactory(factory), service.WithMQTTPublisher(h.pub))
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	if err := b.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.bridge = b
	h.srv = api.New("api-test", b, api.Options{Defaults: cfg.Terminal})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rr, req)
	out := map[string]any{}
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return rr, out
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	rr, _ := h.do(t, http.MethodPost, "/v1/initialize", map[string]any{"host": "127.0.0.1", "port": 6100})
	if rr.Code != http.StatusOK {
		t.Fatalf("initialize status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr, body := h.do(t, http.MethodPost, "/v1/connect", nil)
	if rr.Code != http.StatusOK || body["state"] != string(terminal.StateConnected) {
		t.Fatalf("connect status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestHealthReadyAndMetrics(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, false)
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		rr, _ := h.do(t, http.MethodGet, path, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}
	rr, body := h.do(t, http.MethodGet, "/ready", nil)
	if body["state"] != string(terminal.StateUninitialized) {
		t.Fatalf("ready should report state: %s", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id header missing")
	}
}

func TestErrorStatusMapping(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, true)

	rr, body := h.do(t, http.MethodPost, "/v1/connect", nil)
	if rr.Code != http.StatusPreconditionFailed || body["kind"] != "not_initialized" {
		t.Fatalf("connect before initialize: %d %v", rr.Code, body)
	}
	rr, body = h.do(t, http.MethodPost, "/v1/initialize", map[string]any{"host": "", "port": 1})
	if rr.Code != http.StatusBadRequest || body["kind"] != "config_error" {
		t.Fatalf("bad initialize: %d %v", rr.Code, body)
	}
	rr, body = h.do(t, http.MethodPost, "/v1/initialize", map[string]any{"host": "h", "port": 1, "connect_timeout": "soon"})
	if rr.Code != http.StatusBadRequest || body["kind"] != "config_error" {
		t.Fatalf("bad duration: %d %v", rr.Code, body)
	}

	rr, _ = h.do(t, http.MethodPost, "/v1/initialize", map[string]any{"host": "127.0.0.1", "port": 6100})
	if rr.Code != http.StatusOK {
		t.Fatalf("initialize: %d", rr.Code)
	}
	rr, body = h.do(t, http.MethodPost, "/v1/transactions", map[string]any{"type": "purchase", "amount": 100})
	if rr.Code != http.StatusServiceUnavailable || body["kind"] != "not_connected" {
		t.Fatalf("submit before connect: %d %v", rr.Code, body)
	}

	rr, _ = h.do(t, http.MethodPost, "/v1/connect", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("connect: %d", rr.Code)
	}
	rr, body = h.do(t, http.MethodPost, "/v1/connect", nil)
	if rr.Code != http.StatusConflict || body["kind"] != "invalid_state" {
		t.Fatalf("double connect: %d %v", rr.Code, body)
	}
	rr, body = h.do(t, http.MethodPost, "/v1/transactions", map[string]any{"type": "purchase"})
	if rr.Code != http.StatusBadRequest || body["kind"] != "invalid_request" {
		t.Fatalf("invalid request: %d %v", rr.Code, body)
	}
	rr, body = h.do(t, http.MethodPost, "/v1/transactions", map[string]any{"type": "no-such-type"})
	if rr.Code != http.StatusBadRequest || body["kind"] != "bad_request" {
		t.Fatalf("unknown type: %d %v", rr.Code, body)
	}
	rr, _ = h.do(t, http.MethodPost, "/v1/transactions", map[string]any{"type": "purchase", "amount": 100})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit: %d", rr.Code)
	}
	rr, body = h.do(t, http.MethodPost, "/v1/transactions", map[string]any{"type": "purchase", "amount": 100})
	if rr.Code != http.StatusConflict || body["kind"] != "busy" {
		t.Fatalf("busy: %d %v", rr.Code, body)
	}
	rr, body = h.do(t, http.MethodGet, "/v1/transactions/unknown", nil)
	if rr.Code != http.StatusNotFound || body["kind"] != "not_found" {
		t.Fatalf("unknown id: %d %v", rr.Code, body)
	}
	rr, _ = h.do(t, http.MethodGet, "/v1/transactions/x?wait=forever", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad wait: %d", rr.Code)
	}
}

func TestSubmitAndWaitForResult(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, false)
	h.connect(t)

	rr, body := h.do(t, http.MethodPost, "/v1/transactions", map[string]any{"type": "purchase", "amount": 1000, "print_receipt": true})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rr.Code, rr.Body.String())
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("missing id: %v", body)
	}

	rr, body = h.do(t, http.MethodGet, "/v1/transactions/"+id+"?wait=2s", nil)
	if rr.Code != http.StatusOK || body["status"] != "completed" || body["response_code"] != "00" {
		t.Fatalf("result: %d %s", rr.Code, rr.Body.String())
	}

	rr, body = h.do(t, http.MethodGet, "/v1/transactions?limit=5", nil)
	list, _ := body["transactions"].([]any)
	if rr.Code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list: %d %s", rr.Code, rr.Body.String())
	}

	rr, body = h.do(t, http.MethodPost, "/v1/disconnect", nil)
	if rr.Code != http.StatusOK || body["state"] != string(terminal.StateDisconnected) {
		t.Fatalf("disconnect: %d %s", rr.Code, rr.Body.String())
	}
	rr, body = h.do(t, http.MethodGet, "/v1/status", nil)
	if rr.Code != http.StatusOK || body["state"] != string(terminal.StateDisconnected) {
		t.Fatalf("status: %d %s", rr.Code, rr.Body.String())
	}
}

func TestPendingTransactionReturnsAccepted(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, true)
	h.connect(t)

	_, body := h.do(t, http.MethodPost, "/v1/transactions", map[string]any{"type": "purchase", "amount": 1})
	id, _ := body["id"].(string)
	rr, body := h.do(t, http.MethodGet, "/v1/transactions/"+id, nil)
	if rr.Code != http.StatusAccepted || body["status"] != service.StatusPending {
		t.Fatalf("pending: %d %s", rr.Code, rr.Body.String())
	}
}

func TestEventsWebSocketReplacesMQTTSink(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, false)
	h.connect(t)
	adapter := <-h.sims
	before := h.pub.count()

	ts := httptest.NewServer(h.srv.Router())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	// the upgrade response is written before the handler subscribes
	time.Sleep(50 * time.Millisecond)
	adapter.Inject(sim.Reply("B1", "00", "SETTLED", "ws"))
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev terminal.Event
	if err := client.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != terminal.EventOutOfBand || ev.Response == nil || ev.Response.Command != "B1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if h.pub.count() != before {
		t.Fatalf("mqtt sink should be replaced while the websocket is attached")
	}

	_ = client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.pub.count() == before && time.Now().Before(deadline) {
		adapter.Inject(sim.Reply("B1", "00", "SETTLED", "mqtt"))
		time.Sleep(25 * time.Millisecond)
	}
	if h.pub.count() == before {
		t.Fatalf("mqtt sink should be re-attached after the websocket closes")
	}
}

func TestConnectBodyOverridesEndpoint(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, false)
	rr, _ := h.do(t, http.MethodPost, "/v1/initialize", map[string]any{"host": "127.0.0.1", "port": 6100})
	if rr.Code != http.StatusOK {
		t.Fatalf("initialize: %d", rr.Code)
	}
	rr, body := h.do(t, http.MethodPost, "/v1/connect", session.Endpoint{Host: "10.0.0.9", Port: 7000})
	if rr.Code != http.StatusOK {
		t.Fatalf("connect: %d %s", rr.Code, rr.Body.String())
	}
	ep, _ := body["endpoint"].(map[string]any)
	if ep["host"] != "10.0.0.9" || ep["port"] != float64(7000) {
		t.Fatalf("endpoint not applied: %v", body)
	}
}

func TestTokenGuardsVersionedRoutes(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, false)
	srv := api.New("api-test", h.bridge, api.Options{Auth: auth.StaticToken{Token: "s3cret"}})

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("valid token: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health should stay open: %d", rr.Code)
	}
}

func TestReadyFailsAfterBridgeClose(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, false)
	if err := h.bridge.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	rr, body := h.do(t, http.MethodGet, "/ready", nil)
	if rr.Code != http.StatusServiceUnavailable || body["ready"] != false {
		t.Fatalf("ready after close: %d %s", rr.Code, rr.Body.String())
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "journal") {
		t.Fatalf("ready error should name the journal: %v", body)
	}
}

func TestInitializeKeepsDefaultEndpoint(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, false)
	defaults := h.bridge.Config().Terminal
	defaults.Endpoint = session.Endpoint{Host: "10.0.0.5", Port: 6100}
	h.srv = api.New("api-test", h.bridge, api.Options{Defaults: defaults})

	rr, body := h.do(t, http.MethodPost, "/v1/initialize", map[string]any{"transaction_timeout": "30s"})
	if rr.Code != http.StatusOK {
		t.Fatalf("initialize: %d %s", rr.Code, rr.Body.String())
	}
	ep, _ := body["endpoint"].(map[string]any)
	if ep["host"] != "10.0.0.5" || ep["port"] != float64(6100) {
		t.Fatalf("default endpoint lost: %v", body)
	}

	rr, body = h.do(t, http.MethodPost, "/v1/initialize", map[string]any{"port": 7000})
	if rr.Code != http.StatusOK {
		t.Fatalf("re-initialize: %d %s", rr.Code, rr.Body.String())
	}
	ep, _ = body["endpoint"].(map[string]any)
	if ep["host"] != "10.0.0.5" || ep["port"] != float64(7000) {
		t.Fatalf("port override should keep host: %v", body)
	}
}

func TestSubmitRequestString(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, false)
	h.connect(t)

	rr, body := h.do(t, http.MethodPost, "/v1/transactions", map[string]any{"type": "purchase", "request": "050324143015;1000!"})
	if rr.Code != http.StatusBadRequest || body["kind"] != "invalid_request" {
		t.Fatalf("short request string: %d %v", rr.Code, body)
	}

	const raw = "050324143015;1000;1;ECR0001!"
	rr, body = h.do(t, http.MethodPost, "/v1/transactions", map[string]any{"type": "purchase", "request": raw})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rr.Code, rr.Body.String())
	}
	id, _ := body["id"].(string)
	rr, body = h.do(t, http.MethodGet, "/v1/transactions/"+id+"?wait=2s", nil)
	if rr.Code != http.StatusOK || body["status"] != "completed" {
		t.Fatalf("result: %d %s", rr.Code, rr.Body.String())
	}
	if body["request"] != raw || body["amount"] != float64(1000) || body["ref_num"] != "ECR0001" {
		t.Fatalf("request string not applied: %v", body)
	}
	if d, _ := body["delimited"].(string); !strings.HasPrefix(d, "A1;00;") {
		t.Fatalf("delimited response: %q", d)
	}
}

func TestSubmitSignatureInput(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, true)
	h.connect(t)
	a := <-h.sims

	sig := strings.Repeat("a", ecr.SignatureLen)
	rr, body := h.do(t, http.MethodPost, "/v1/transactions", map[string]any{
		"type": "purchase", "amount": 100, "signature": sig, "signature_input": "till-7",
	})
	if rr.Code != http.StatusBadRequest || body["kind"] != "invalid_request" {
		t.Fatalf("both signatures: %d %v", rr.Code, body)
	}

	rr, _ = h.do(t, http.MethodPost, "/v1/transactions", map[string]any{
		"type": "purchase", "amount": 100, "signature_input": "till-7",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rr.Code, rr.Body.String())
	}
	sent := a.Sent()
	if len(sent) != 1 || !bytes.Contains(sent[0], []byte(ecr.ComputeSignature("till-7"))) {
		t.Fatalf("signature not on the wire: %q", sent)
	}
}

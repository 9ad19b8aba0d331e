package bidi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autohub-io/autohub/internal/capabilities"
	"github.com/autohub-io/autohub/internal/drivers"
	"github.com/autohub-io/autohub/internal/drivers/drivertest"
	"github.com/autohub-io/autohub/internal/event"
	"github.com/autohub-io/autohub/internal/session"
)

const readWait = 2 * time.Second

type stubPlugins struct {
	plugins []drivers.Plugin
}

func (s stubPlugins) PluginsFor(string) []drivers.Plugin { return s.plugins }

type harness struct {
	gateway  *Gateway
	sessions *session.Service
	bus      *event.Bus
	server   *httptest.Server
}

// newHarness wires a gateway around a registry holding one factory that
// returns drv, creates a session through it, and serves both socket routes.
func newHarness(t *testing.T, drv drivers.Driver, plugins ...drivers.Plugin) (*harness, string) {
	t.Helper()

	registry := drivers.NewRegistry()
	require.NoError(t, registry.RegisterDriver(&drivers.DriverFactory{
		Name:   "fake",
		TypeID: "fake",
		Match:  drivertest.MatchPlatform("fake"),
		New:    func() drivers.Driver { return drv },
	}))

	bus := event.NewBus()
	svc := session.NewService(registry, bus, session.Config{})
	g := New(svc, stubPlugins{plugins: plugins}, bus, Config{
		OpenWaitTimeout: time.Second,
		DialTimeout:     2 * time.Second,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/session/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/session/"), "/bidi")
		g.HandleSession(w, r, id)
	})
	mux.HandleFunc("/bidi", g.HandleServer)
	srv := httptest.NewServer(mux)

	result, err := svc.Create(context.Background(), nil, nil, &capabilities.W3CCapabilities{
		AlwaysMatch: capabilities.Capabilities{"platformName": "fake"},
	})
	require.NoError(t, err)

	h := &harness{gateway: g, sessions: svc, bus: bus, server: srv}
	t.Cleanup(func() {
		g.Close()
		srv.Close()
		bus.Close()
	})
	return h, result.SessionID
}

func (h *harness) dialSession(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/session/" + sessionID + "/bidi"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) dialServer(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/bidi"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readWait)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func TestRejectsUnknownSession(t *testing.T) {
	h, _ := newHarness(t, drivertest.NewFakeBidiDriver())
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/session/nope/bidi"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMissingMethodError(t *testing.T) {
	h, id := newHarness(t, drivertest.NewFakeBidiDriver())
	conn := h.dialSession(t, id)

	sendFrame(t, conn, `{"id":7}`)
	frame := readFrame(t, conn)

	assert.Equal(t, float64(7), frame["id"])
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "invalid argument", frame["error"])
	assert.Contains(t, frame["message"], "missing method")
}

func TestMissingParamsError(t *testing.T) {
	h, id := newHarness(t, drivertest.NewFakeBidiDriver())
	conn := h.dialSession(t, id)

	sendFrame(t, conn, `{"id":8,"method":"session.status"}`)
	frame := readFrame(t, conn)

	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["message"], "missing params")
}

func TestCommandRoutedToDriver(t *testing.T) {
	drv := drivertest.NewFakeBidiDriver()
	drv.Results["script.evaluate"] = map[string]any{"value": 42}
	h, id := newHarness(t, drv)
	conn := h.dialSession(t, id)

	sendFrame(t, conn, `{"id":1,"method":"script.evaluate","params":{"expression":"6*7"}}`)
	frame := readFrame(t, conn)

	assert.Equal(t, float64(1), frame["id"])
	assert.Equal(t, "success", frame["type"])
	result := frame["result"].(map[string]any)
	assert.Equal(t, float64(42), result["value"])
}

func TestDriverWithoutBidiSupport(t *testing.T) {
	h, id := newHarness(t, drivertest.NewFakeDriver())
	conn := h.dialSession(t, id)

	sendFrame(t, conn, `{"id":2,"method":"script.evaluate","params":{}}`)
	frame := readFrame(t, conn)

	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "unknown error", frame["error"])
}

func TestPluginInterceptsClaimedModule(t *testing.T) {
	plugin := drivertest.NewFakeBidiPlugin("interceptor", "proxy")
	plugin.Handle = func(ctx context.Context, method string, params json.RawMessage, next drivers.Next, d drivers.Driver) (any, error) {
		return map[string]any{"handledBy": "interceptor"}, nil
	}
	drv := drivertest.NewFakeBidiDriver()
	h, id := newHarness(t, drv, plugin)
	conn := h.dialSession(t, id)

	sendFrame(t, conn, `{"id":3,"method":"proxy.getState","params":{}}`)
	frame := readFrame(t, conn)
	result := frame["result"].(map[string]any)
	assert.Equal(t, "interceptor", result["handledBy"])

	// Commands in other modules fall through to the driver.
	sendFrame(t, conn, `{"id":4,"method":"script.evaluate","params":{}}`)
	frame = readFrame(t, conn)
	result = frame["result"].(map[string]any)
	assert.Equal(t, "script.evaluate", result["method"])
}

func TestPluginDelegatesDownChain(t *testing.T) {
	plugin := drivertest.NewFakeBidiPlugin("wrapper", "script")
	plugin.Handle = func(ctx context.Context, method string, params json.RawMessage, next drivers.Next, d drivers.Driver) (any, error) {
		inner, err := next(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"wrapped": inner}, nil
	}
	drv := drivertest.NewFakeBidiDriver()
	drv.Results["script.evaluate"] = "from driver"
	h, id := newHarness(t, drv, plugin)
	conn := h.dialSession(t, id)

	sendFrame(t, conn, `{"id":5,"method":"script.evaluate","params":{}}`)
	frame := readFrame(t, conn)
	result := frame["result"].(map[string]any)
	assert.Equal(t, "from driver", result["wrapped"])
}

func TestSubscribeFiltersEvents(t *testing.T) {
	drv := drivertest.NewFakeBidiDriver()
	h, id := newHarness(t, drv)
	conn := h.dialSession(t, id)

	sendFrame(t, conn, `{"id":1,"method":"session.subscribe","params":{"events":["log.entryAdded"],"contexts":["ctx1"]}}`)
	frame := readFrame(t, conn)
	require.Equal(t, "success", frame["type"])

	// Neither of these match the subscription: wrong method, then wrong
	// context. The matching event arrives last; the first frame the
	// client reads must be the matching one.
	drv.EventBus().PublishSync(event.Event{Type: event.DriverBidi, Data: event.BidiEvent{
		Context: "ctx1", Method: "browsingContext.load", Params: map[string]any{},
	}})
	drv.EventBus().PublishSync(event.Event{Type: event.DriverBidi, Data: event.BidiEvent{
		Context: "other", Method: "log.entryAdded", Params: map[string]any{"n": 1},
	}})
	drv.EventBus().PublishSync(event.Event{Type: event.DriverBidi, Data: event.BidiEvent{
		Context: "ctx1", Method: "log.entryAdded", Params: map[string]any{"n": 2},
	}})

	frame = readFrame(t, conn)
	assert.Equal(t, "event", frame["type"])
	assert.Equal(t, "log.entryAdded", frame["method"])
	assert.Equal(t, "ctx1", frame["context"])
	params := frame["params"].(map[string]any)
	assert.Equal(t, float64(2), params["n"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	drv := drivertest.NewFakeBidiDriver()
	h, id := newHarness(t, drv)
	conn := h.dialSession(t, id)

	sendFrame(t, conn, `{"id":1,"method":"session.subscribe","params":{"events":["log.entryAdded"],"contexts":["ctx1"]}}`)
	readFrame(t, conn)
	sendFrame(t, conn, `{"id":2,"method":"session.unsubscribe","params":{"events":["log.entryAdded"],"contexts":["ctx1"]}}`)
	readFrame(t, conn)

	drv.EventBus().PublishSync(event.Event{Type: event.DriverBidi, Data: event.BidiEvent{
		Context: "ctx1", Method: "log.entryAdded", Params: map[string]any{},
	}})

	// A follow-up command response is the next frame, proving the event
	// was dropped.
	sendFrame(t, conn, `{"id":3,"method":"script.evaluate","params":{}}`)
	frame := readFrame(t, conn)
	assert.Equal(t, "success", frame["type"])
	assert.Equal(t, float64(3), frame["id"])
}

func TestSessionDeleteClosesSocketGoingAway(t *testing.T) {
	h, id := newHarness(t, drivertest.NewFakeBidiDriver())
	conn := h.dialSession(t, id)

	require.NoError(t, h.sessions.Delete(context.Background(), id))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readWait)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}

func TestServerSocketHearsServerEvents(t *testing.T) {
	h, _ := newHarness(t, drivertest.NewFakeBidiDriver())
	conn := h.dialServer(t)

	sendFrame(t, conn, `{"id":1,"method":"session.subscribe","params":{"events":["server.status"]}}`)
	frame := readFrame(t, conn)
	require.Equal(t, "success", frame["type"])

	h.bus.PublishSync(event.Event{Type: event.DriverBidi, Data: event.BidiEvent{
		Method: "server.status", Params: map[string]any{"ready": true},
	}})

	frame = readFrame(t, conn)
	assert.Equal(t, "event", frame["type"])
	assert.Equal(t, "server.status", frame["method"])
}

func TestServerSocketCommandHasNoDriver(t *testing.T) {
	h, _ := newHarness(t, drivertest.NewFakeBidiDriver())
	conn := h.dialServer(t)

	sendFrame(t, conn, `{"id":1,"method":"script.evaluate","params":{}}`)
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "unknown error", frame["error"])
}

func TestRemapCloseCode(t *testing.T) {
	assert.Equal(t, websocket.CloseNormalClosure, remapCloseCode(1000))
	assert.Equal(t, websocket.CloseGoingAway, remapCloseCode(1001))
	assert.Equal(t, 1015, remapCloseCode(1015))
	assert.Equal(t, websocket.CloseInternalServerErr, remapCloseCode(999))
	assert.Equal(t, websocket.CloseInternalServerErr, remapCloseCode(4000))
	assert.Equal(t, websocket.CloseInternalServerErr, remapCloseCode(1016))
}

func TestSplitMethod(t *testing.T) {
	module, command := splitMethod("browsingContext.captureScreenshot")
	assert.Equal(t, "browsingContext", module)
	assert.Equal(t, "captureScreenshot", command)

	module, command = splitMethod("bare")
	assert.Equal(t, "", module)
	assert.Equal(t, "bare", command)
}

// proxyingDriver declares an upstream socket endpoint the gateway must relay
// to verbatim.
type proxyingDriver struct {
	*drivertest.FakeDriver
	url string
}

func (d *proxyingDriver) BidiProxyURL() string { return d.url }

func TestProxyModeRelaysVerbatim(t *testing.T) {
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	drv := &proxyingDriver{
		FakeDriver: drivertest.NewFakeDriver(),
		url:        "ws" + strings.TrimPrefix(upstream.URL, "http"),
	}
	h, id := newHarness(t, drv)
	conn := h.dialSession(t, id)

	// Even a malformed frame is relayed untouched in proxy mode.
	sendFrame(t, conn, `not json at all`)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readWait)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:not json at all", string(data))
}

func TestProxyModeRejectsBadURL(t *testing.T) {
	drv := &proxyingDriver{
		FakeDriver: drivertest.NewFakeDriver(),
		url:        "http://not-a-socket",
	}
	h, id := newHarness(t, drv)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/session/" + id + "/bidi"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

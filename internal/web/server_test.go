package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"simroute/internal/airports"
	"simroute/internal/bridge"
	"simroute/internal/control"
	"simroute/internal/route"
	"simroute/internal/worker"
)

type fakeWorker struct{}

func (fakeWorker) Snapshot() worker.Snapshot {
	return worker.Snapshot{Source: "sim", State: worker.StatePolling, Samples: 7}
}

type testEnv struct {
	ts        *httptest.Server
	route     *route.Route
	rx        *control.Receiver
	logs      *LogBuffer
	shutdowns atomic.Int32
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	env := &testEnv{route: route.New(), logs: NewLogBuffer(100)}
	tx, rx := control.New(4)
	env.rx = rx

	d := Deps{
		Handle: bridge.NewHandle(env.route, tx),
		Worker: fakeWorker{},
		Airports: airports.New([]airports.Airport{
			{Ident: "LSZB", Type: "medium_airport", Name: "Bern", LatitudeDeg: 46.9141, LongitudeDeg: 7.49715},
			{Ident: "LSGG", Type: "large_airport", Name: "Geneva", LatitudeDeg: 46.238098, LongitudeDeg: 6.10895},
		}),
		Logs:   env.logs,
		Logger: zerolog.Nop(),
		Options: Options{
			FrontDir:     filepath.Join(t.TempDir(), "missing"),
			PushInterval: 10 * time.Millisecond,
		},
		OnShutdown: func() { env.shutdowns.Add(1) },
	}
	if mutate != nil {
		mutate(&d)
	}
	env.ts = httptest.NewServer(Handler(d))
	t.Cleanup(env.ts.Close)
	return env
}

func (e *testEnv) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func (e *testEnv) manage(t *testing.T, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(e.ts.URL+"/management", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /management: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func decodeDiff(t *testing.T, body string) route.Diff {
	t.Helper()
	var d route.Diff
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		t.Fatalf("decode diff %q: %v", body, err)
	}
	return d
}

func TestPosition_EmptyIsEmptyObject(t *testing.T) {
	env := newTestEnv(t, nil)
	code, body := env.get(t, "/position")
	if code != http.StatusOK || body != "{}" {
		t.Fatalf("code=%d body=%q", code, body)
	}
}

func TestPosition_Latest(t *testing.T) {
	env := newTestEnv(t, nil)
	env.route.Append(route.Sample{LatDeg: 1, LonDeg: 2})
	env.route.Append(route.Sample{LatDeg: 3, LonDeg: 4, AltFeet: 5000, HeadingDeg: 270, GroundKt: 120})

	code, body := env.get(t, "/position")
	if code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	var p map[string]float64
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]float64{"lat": 3, "lon": 4, "alt": 5000, "hdg": 270, "speed": 120, "seq": 1}
	for k, v := range want {
		if p[k] != v {
			t.Fatalf("%s=%v want %v (body=%s)", k, p[k], v, body)
		}
	}
}

func TestPositionSince(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 5; i++ {
		env.route.Append(route.Sample{LatDeg: float64(i)})
	}
	id := env.route.ID()

	cases := []struct {
		known     string
		wantCount int
		wantFirst int
	}{
		{"0", 5, 0},
		{"3", 2, 3},
		{"4", 1, 4},
		{"5", 0, 0},
		{"100", 0, 0},
		{"-2", 5, 0},
		{"99999999999999999999999", 0, 0},
		{"-99999999999999999999999", 5, 0},
	}
	for _, tc := range cases {
		t.Run(tc.known, func(t *testing.T) {
			code, body := env.get(t, "/position/"+tc.known)
			if code != http.StatusOK {
				t.Fatalf("code=%d body=%q", code, body)
			}
			if !strings.Contains(body, `"points":[`) {
				t.Fatalf("points must serialize as an array: %s", body)
			}
			d := decodeDiff(t, body)
			if d.ID != id {
				t.Fatalf("id=%q want %q", d.ID, id)
			}
			if len(d.Points) != tc.wantCount {
				t.Fatalf("points=%d want %d", len(d.Points), tc.wantCount)
			}
			if tc.wantCount > 0 && d.Points[0].Seq != tc.wantFirst {
				t.Fatalf("first seq=%d want %d", d.Points[0].Seq, tc.wantFirst)
			}
		})
	}

	if code, _ := env.get(t, "/position/abc"); code != http.StatusBadRequest {
		t.Fatalf("non-integer code=%d want 400", code)
	}
}

func TestReset(t *testing.T) {
	env := newTestEnv(t, nil)
	env.route.Append(route.Sample{LatDeg: 1})
	old := env.route.ID()

	code, body := env.get(t, "/reset")
	if code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID == "" || resp.ID == old {
		t.Fatalf("id=%q old=%q", resp.ID, old)
	}

	_, body = env.get(t, "/position/1")
	d := decodeDiff(t, body)
	if d.ID != resp.ID || len(d.Points) != 0 {
		t.Fatalf("diff after reset=%+v", d)
	}
	if _, body := env.get(t, "/position"); body != "{}" {
		t.Fatalf("position after reset=%q", body)
	}
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	code, body := env.get(t, "/shutdown")
	if code != http.StatusOK || body != "Shutting down..." {
		t.Fatalf("code=%d body=%q", code, body)
	}
	if !env.rx.StopRequested() {
		t.Fatalf("expected stop sent")
	}
	if env.shutdowns.Load() != 1 {
		t.Fatalf("OnShutdown calls=%d", env.shutdowns.Load())
	}

	// A second request is harmless.
	if code, _ := env.get(t, "/shutdown"); code != http.StatusOK {
		t.Fatalf("second shutdown code=%d", code)
	}
}

func TestManagement(t *testing.T) {
	env := newTestEnv(t, nil)
	env.route.Append(route.Sample{LatDeg: 1})
	old := env.route.ID()

	code, body := env.manage(t, `{"command":"ResetRoute"}`)
	if code != http.StatusOK || env.route.ID() == old || env.route.Len() != 0 {
		t.Fatalf("reset code=%d body=%q", code, body)
	}

	code, body = env.manage(t, `{"command":"Pause"}`)
	if code != http.StatusOK || !strings.Contains(body, `"ok":true`) {
		t.Fatalf("pause code=%d body=%q", code, body)
	}
	select {
	case m := <-env.rx.Messages():
		if m != control.Pause {
			t.Fatalf("message=%v want pause", m)
		}
	default:
		t.Fatalf("pause not delivered")
	}

	if code, _ := env.manage(t, `{"command":"Fly"}`); code != http.StatusBadRequest {
		t.Fatalf("unknown command code=%d", code)
	}
	if code, _ := env.manage(t, `{`); code != http.StatusBadRequest {
		t.Fatalf("bad json code=%d", code)
	}

	if code, _ := env.manage(t, `{"command":"Shutdown"}`); code != http.StatusOK {
		t.Fatalf("shutdown code=%d", code)
	}
	if !env.rx.StopRequested() || env.shutdowns.Load() != 1 {
		t.Fatalf("shutdown not propagated")
	}
	if code, body := env.manage(t, `{"command":"Resume"}`); code != http.StatusOK || !strings.Contains(body, `"ok":false`) {
		t.Fatalf("resume after stop code=%d body=%q", code, body)
	}

	if code, _ := env.get(t, "/management"); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /management code=%d want 405", code)
	}
}

func TestAPIKey(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "api_key.txt")
	if err := os.WriteFile(keyFile, []byte("  abc123\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	env := newTestEnv(t, func(d *Deps) { d.Options.APIKeyFile = keyFile })
	if code, body := env.get(t, "/api_key"); code != http.StatusOK || body != "abc123" {
		t.Fatalf("code=%d body=%q", code, body)
	}

	missing := newTestEnv(t, func(d *Deps) { d.Options.APIKeyFile = keyFile + ".nope" })
	if code, body := missing.get(t, "/api_key"); code != http.StatusOK || body != "" {
		t.Fatalf("missing key code=%d body=%q", code, body)
	}
}

func TestAirports(t *testing.T) {
	env := newTestEnv(t, nil)
	code, body := env.get(t, "/airports/46.948/7.4474/50")
	if code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	var got []airports.Airport
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Ident != "LSZB" || got[0].DistanceKm <= 0 {
		t.Fatalf("airports=%+v", got)
	}

	if _, body := env.get(t, "/airports/0/0/1"); body != "[]" {
		t.Fatalf("empty result=%q want []", body)
	}
	if code, _ := env.get(t, "/airports/north/7/50"); code != http.StatusBadRequest {
		t.Fatalf("bad lat code=%d", code)
	}
}

func TestAPIStatus(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Status = NewStatus()
		d.Status.SetRelay("127.0.0.1:4000", time.Second)
		d.Status.MarkTick(time.Now().UTC(), 2)
	})
	env.route.Append(route.Sample{})

	resp, err := http.Get(env.ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}
	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Service != "simroute" {
		t.Fatalf("service=%q", snap.Service)
	}
	if snap.Route.ID != env.route.ID() || snap.Route.Points != 1 {
		t.Fatalf("route=%+v", snap.Route)
	}
	if snap.Worker == nil || snap.Worker.State != worker.StatePolling || snap.Worker.Samples != 7 {
		t.Fatalf("worker=%+v", snap.Worker)
	}
	if snap.GDL90 == nil || snap.GDL90.FramesSentTotal != 2 || snap.GDL90.LastTickUTC == "" {
		t.Fatalf("gdl90=%+v", snap.GDL90)
	}
}

func TestAPIStatus_RelayDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	_, body := env.get(t, "/api/status")
	if strings.Contains(body, `"gdl90"`) {
		t.Fatalf("gdl90 block must be omitted when disabled: %s", body)
	}
}

func TestAPILogs(t *testing.T) {
	env := newTestEnv(t, nil)
	_, _ = env.logs.Write([]byte("first line\nsecond"))
	_, _ = env.logs.Write([]byte(" half\n"))

	code, body := env.get(t, "/api/logs?format=text&tail=5")
	if code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	if !strings.Contains(body, "first line\nsecond half\n") {
		t.Fatalf("body=%q", body)
	}
	if code, _ := env.get(t, "/api/logs?tail=0"); code != http.StatusBadRequest {
		t.Fatalf("tail=0 code=%d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.get(t, "/position")
	code, body := env.get(t, "/metrics")
	if code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	if !strings.Contains(body, `simroute_api_requests_total{method="GET",route="/position",status="200"}`) {
		t.Fatalf("request metric missing")
	}
}

func TestFront_EmbeddedFallback(t *testing.T) {
	env := newTestEnv(t, nil)
	code, body := env.get(t, "/")
	if code != http.StatusOK || !strings.Contains(body, "<title>simroute</title>") {
		t.Fatalf("code=%d body=%q", code, body)
	}
}

func TestFront_FromDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("front-index"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "js"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "js", "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	env := newTestEnv(t, func(d *Deps) { d.Options.FrontDir = dir })

	if _, body := env.get(t, "/"); body != "front-index" {
		t.Fatalf("index=%q", body)
	}
	if _, body := env.get(t, "/js/app.js"); body != "console.log(1)" {
		t.Fatalf("app.js=%q", body)
	}
	if code, _ := env.get(t, "/js/missing.js"); code != http.StatusNotFound {
		t.Fatalf("missing file code=%d", code)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, nil)
	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/position", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin=%q", got)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Options.RateLimit = 2
		d.Options.RateWindow = time.Minute
	})
	for i := 0; i < 2; i++ {
		if code, _ := env.get(t, "/position"); code != http.StatusOK {
			t.Fatalf("request %d code=%d", i, code)
		}
	}
	if code, _ := env.get(t, "/position"); code != http.StatusTooManyRequests {
		t.Fatalf("code=%d want 429", code)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) route.Diff {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return decodeDiff(t, string(b))
}

func TestPositionStream(t *testing.T) {
	env := newTestEnv(t, nil)
	env.route.Append(route.Sample{LatDeg: 1})
	env.route.Append(route.Sample{LatDeg: 2})

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/position"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readFrame(t, conn)
	if first.ID != env.route.ID() || len(first.Points) != 2 {
		t.Fatalf("first frame=%+v", first)
	}

	env.route.Append(route.Sample{LatDeg: 3})
	next := readFrame(t, conn)
	if len(next.Points) != 1 || next.Points[0].Seq != 2 {
		t.Fatalf("next frame=%+v", next)
	}

	newID := env.route.Reset()
	env.route.Append(route.Sample{LatDeg: 9})
	deadline := time.Now().Add(3 * time.Second)
	for {
		f := readFrame(t, conn)
		if f.ID == newID && len(f.Points) > 0 {
			if f.Points[0].Seq != 0 || f.Points[0].Lat != 9 {
				t.Fatalf("post-reset frame=%+v", f)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no frame for new route id")
		}
	}
}

func TestPositionStream_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Options.CORSOrigins = []string{"http://allowed.test"} })
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/position"
	h := http.Header{}
	h.Set("Origin", "http://evil.test")
	_, resp, err := websocket.DefaultDialer.Dial(url, h)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v", resp)
	}
}

func TestParseKnownCount(t *testing.T) {
	if n, err := parseKnownCount("12"); err != nil || n != 12 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if _, err := parseKnownCount("1.5"); err == nil {
		t.Fatalf("expected error for 1.5")
	}
	if _, err := parseKnownCount(""); err == nil {
		t.Fatalf("expected error for empty")
	}
}

func TestLogBuffer_DropsOldest(t *testing.T) {
	b := NewLogBuffer(2)
	_, _ = b.Write(bytes.Repeat([]byte("x\n"), 1))
	_, _ = b.Write([]byte("y\nz\n"))
	lines, dropped := b.Snapshot(10)
	if len(lines) != 2 || lines[0] != "y" || lines[1] != "z" || dropped != 1 {
		t.Fatalf("lines=%v dropped=%d", lines, dropped)
	}
}

func TestLogBuffer_LevelFilter(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte(`{"level":"debug","message":"noise"}` + "\n"))
	_, _ = b.Write([]byte(`{"level":"warn","message":"device retry"}` + "\n"))
	_, _ = b.Write([]byte("plain text\n"))

	lines, _ := b.snapshot(10, zerolog.WarnLevel)
	if len(lines) != 2 || !strings.Contains(lines[0], "device retry") || lines[1] != "plain text" {
		t.Fatalf("lines=%v", lines)
	}
}

func TestAPILogs_LevelQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	_, _ = env.logs.Write([]byte(`{"level":"info","message":"started"}` + "\n"))
	_, _ = env.logs.Write([]byte(`{"level":"error","message":"gps lost"}` + "\n"))

	code, body := env.get(t, "/api/logs?level=error&format=text")
	if code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	if strings.Contains(body, "started") || !strings.Contains(body, "gps lost") {
		t.Fatalf("body=%q", body)
	}
	if code, _ := env.get(t, "/api/logs?level=loud"); code != http.StatusBadRequest {
		t.Fatalf("bad level code=%d", code)
	}
}

func TestAPIAbout(t *testing.T) {
	env := newTestEnv(t, nil)
	code, body := env.get(t, "/api/about")
	if code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	var got AboutResponse
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Service != "simroute" || got.Source != "sim" {
		t.Fatalf("about=%+v", got)
	}
	want := map[string]bool{"GET /position/{known_count}": false, "POST /management": false, "GET /ws/position": false}
	for _, e := range got.Endpoints {
		if _, ok := want[e]; ok {
			want[e] = true
		}
		if e == "GET /*" {
			t.Fatalf("front catch-all listed")
		}
	}
	for e, seen := range want {
		if !seen {
			t.Fatalf("endpoint %q missing from %v", e, got.Endpoints)
		}
	}
}

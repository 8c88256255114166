package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dashctl/dashctl/internal/logging"
	"github.com/dashctl/dashctl/pkg/catalog"
	"github.com/dashctl/dashctl/pkg/models"
	"github.com/dashctl/dashctl/pkg/session"
	"github.com/dashctl/dashctl/pkg/transport"
)

const listXML = `<?xml version="1.0" encoding="UTF-8" ?><LIST>` +
	`<ALLFile><File><NAME>b.MP4</NAME><FPATH>A:\CARDV\MOVIE\b.MP4</FPATH><SIZE>2097152</SIZE><TIME>2024/01/02 00:00:00</TIME></File></ALLFile>` +
	`<ALLFile><File><NAME>a.MP4</NAME><FPATH>A:\CARDV\MOVIE\a.MP4</FPATH><SIZE>1048576</SIZE><TIME>2024/01/01 00:00:00</TIME></File></ALLFile>` +
	`</LIST>`

type fakeDevice struct {
	mu      sync.Mutex
	replies map[string]string
	down    bool
	log     []string
	calls   atomic.Int32
}

func (d *fakeDevice) requests() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.log...)
}

func (d *fakeDevice) set(cmd, body string) {
	d.mu.Lock()
	d.replies[cmd] = body
	d.mu.Unlock()
}

func (d *fakeDevice) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.calls.Add(1)
	cmd := r.URL.Query().Get("cmd")
	d.mu.Lock()
	body, ok := d.replies[cmd]
	down := d.down
	d.log = append(d.log, r.URL.RawQuery)
	d.mu.Unlock()
	if down {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		body = fmt.Sprintf(`<Function><Cmd>%s</Cmd><Status>0</Status></Function>`, cmd)
	}
	w.Write([]byte(body))
}

type fakeArchiver struct {
	got []models.FileRecord
}

func (a *fakeArchiver) Archive(ctx context.Context, rec models.FileRecord) (string, error) {
	a.got = append(a.got, rec)
	return "dashcam/2024/01/" + rec.Name, nil
}

type fixture struct {
	dev     *fakeDevice
	ctrl    *session.Controller
	cat     *catalog.Catalog
	handler http.Handler
	arch    *fakeArchiver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := &fakeDevice{replies: map[string]string{"3015": listXML}}
	ts := httptest.NewServer(dev)
	t.Cleanup(ts.Close)

	client := transport.New(transport.Config{BaseURL: ts.URL, Timeout: 2 * time.Second})
	ctrl := session.New(client, session.Config{HeartbeatInterval: -1, FailureThreshold: 2})
	t.Cleanup(ctrl.Close)
	cat := catalog.New(client, ctrl.Guard)
	arch := &fakeArchiver{}

	srv := NewServer(ctrl, cat, arch)
	srv.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	return &fixture{dev: dev, ctrl: ctrl, cat: cat, handler: srv.Handler(), arch: arch}
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[map[string]string](t, rec); got["status"] != "ok" {
		t.Errorf("health = %v", got)
	}
}

func TestToggleRecording(t *testing.T) {
	f := newFixture(t)
	f.dev.set("2016", `<Function><Cmd>2016</Cmd><Status>0</Status><Value>0</Value></Function>`)
	rec := f.do("POST", "/api/v1/recording/toggle", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if got := decode[map[string]bool](t, rec); !got["recording"] {
		t.Errorf("response = %v", got)
	}

	state := decode[models.StateSnapshot](t, f.do("GET", "/api/v1/state", ""))
	if !state.Recording {
		t.Error("state should reflect the toggle")
	}
	if reqs := f.dev.requests(); len(reqs) != 2 || reqs[1] != "custom=1&cmd=2001&par=1" {
		t.Errorf("requests = %v", reqs)
	}
}

func TestToggleRecording_StopsWhenDeviceAlreadyRecording(t *testing.T) {
	f := newFixture(t)
	f.dev.set("2016", `<Function><Cmd>2016</Cmd><Status>0</Status><Value>1</Value></Function>`)

	rec := f.do("POST", "/api/v1/recording/toggle", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if got := decode[map[string]bool](t, rec); got["recording"] {
		t.Errorf("response = %v, want recording false", got)
	}
	reqs := f.dev.requests()
	if len(reqs) != 2 || reqs[0] != "custom=1&cmd=2016" || reqs[1] != "custom=1&cmd=2001&par=0" {
		t.Errorf("requests = %v, want status query then stop", reqs)
	}
	if f.ctrl.IsRecording() {
		t.Error("belief should be not recording")
	}
}

func TestToggleRecording_StatusFailureSendsNothing(t *testing.T) {
	f := newFixture(t)
	f.dev.set("2016", `<Function><Cmd>2016</Cmd><Status>-1</Status></Function>`)

	if rec := f.do("POST", "/api/v1/recording/toggle", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, q := range f.dev.requests() {
		if strings.Contains(q, "cmd=2001") {
			t.Errorf("record command sent after a failed status query: %v", f.dev.requests())
		}
	}
}

func TestToggleRecording_RejectedMapsTo502(t *testing.T) {
	f := newFixture(t)
	f.dev.set("2016", `<Function><Cmd>2016</Cmd><Status>0</Status><Value>0</Value></Function>`)
	f.dev.set("2001", `<Function><Cmd>2001</Cmd><Status>-12</Status></Function>`)

	rec := f.do("POST", "/api/v1/recording/toggle", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[ErrorResponse](t, rec)
	if got.DeviceStatus != "-12" || got.Kind != "device_rejected" {
		t.Errorf("error = %+v", got)
	}
}

func TestAdvanceMode_QueriesDeviceFirst(t *testing.T) {
	f := newFixture(t)
	f.dev.set("3037", `<Function><Cmd>3037</Cmd><Status>0</Status><Value>4</Value></Function>`)

	rec := f.do("POST", "/api/v1/mode/advance", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if got := decode[map[string]string](t, rec); got["mode"] != "review" {
		t.Errorf("advance = %v", got)
	}
	reqs := f.dev.requests()
	if len(reqs) != 2 || reqs[0] != "custom=1&cmd=3037" || reqs[1] != "custom=1&cmd=3001&par=2" {
		t.Errorf("requests = %v", reqs)
	}
}

func TestAdvanceMode_QueryFailureSendsNothing(t *testing.T) {
	f := newFixture(t)
	// Default reply carries no Value node.
	rec := f.do("POST", "/api/v1/mode/advance", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[ErrorResponse](t, rec); got.Kind != "missing_field" {
		t.Errorf("error = %+v", got)
	}
	if reqs := f.dev.requests(); len(reqs) != 1 {
		t.Errorf("requests = %v, want only the mode query", reqs)
	}
	if f.ctrl.CurrentMode() != models.ModeUnknown {
		t.Errorf("mode = %v", f.ctrl.CurrentMode())
	}
}

func TestRefreshThenAdvance(t *testing.T) {
	f := newFixture(t)
	f.dev.set("3037", `<Function><Cmd>3037</Cmd><Status>0</Status><Value>4</Value></Function>`)
	f.dev.set("2016", `<Function><Cmd>2016</Cmd><Status>0</Status><Value>0</Value></Function>`)

	if rec := f.do("POST", "/api/v1/state/refresh", ""); rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d: %s", rec.Code, rec.Body)
	}
	rec := f.do("POST", "/api/v1/mode/advance", "")
	if got := decode[map[string]string](t, rec); got["mode"] != "review" {
		t.Errorf("advance = %v", got)
	}
}

func TestLiveView_ReviewIs400(t *testing.T) {
	f := newFixture(t)
	f.dev.set("3037", `<Function><Cmd>3037</Cmd><Status>0</Status><Value>3</Value></Function>`)
	f.ctrl.QueryMode(context.Background())
	calls := f.dev.calls.Load()

	if rec := f.do("GET", "/api/v1/liveview", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	if f.dev.calls.Load() != calls {
		t.Error("live view in review must not reach the device")
	}
}

func TestSyncClock_Partial(t *testing.T) {
	f := newFixture(t)
	f.dev.set("3006", `<Function><Cmd>3006</Cmd><Status>-1</Status></Function>`)

	rec := f.do("POST", "/api/v1/clock/sync", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[map[string]string](t, rec)
	if got["date"] != "" || got["time"] == "" {
		t.Errorf("response = %v", got)
	}
}

func TestWifi(t *testing.T) {
	f := newFixture(t)

	if rec := f.do("POST", "/api/v1/wifi", `{"ssid":"cam","password":"short"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("short password status = %d", rec.Code)
	}
	if rec := f.do("POST", "/api/v1/wifi", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", rec.Code)
	}
	if f.dev.calls.Load() != 0 {
		t.Error("invalid requests must not reach the device")
	}
	if rec := f.do("POST", "/api/v1/wifi", `{"ssid":"cam","password":"longenough"}`); rec.Code != http.StatusOK {
		t.Errorf("status = %d: %s", rec.Code, rec.Body)
	}
}

func TestFiles(t *testing.T) {
	f := newFixture(t)

	rec := f.do("POST", "/api/v1/files/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if recs := decode[[]models.FileRecord](t, rec); len(recs) != 2 || recs[0].Name != "b.MP4" {
		t.Fatalf("records = %+v", recs)
	}

	recs := decode[[]models.FileRecord](t, f.do("GET", "/api/v1/files?sort=size&order=asc", ""))
	if recs[0].Name != "a.MP4" {
		t.Errorf("sorted = %+v", recs)
	}
	if rec := f.do("GET", "/api/v1/files?sort=colour", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad column status = %d", rec.Code)
	}
}

func TestPlayback(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", `/api/v1/playback?path=A%3A%5CCARDV%5CMOVIE%5Ca.MP4`, "")
	got := decode[map[string]string](t, rec)
	if !strings.HasSuffix(got["url"], "/CARDV/MOVIE/a.MP4") {
		t.Errorf("url = %q", got["url"])
	}
}

func TestDelete_Rejected(t *testing.T) {
	f := newFixture(t)
	f.dev.set("4003", `<Function><Cmd>4003</Cmd><Status>-256</Status></Function>`)

	rec := f.do("DELETE", `/api/v1/files?path=A%3A%5CCARDV%5CMOVIE%5Ca.MP4`, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[ErrorResponse](t, rec); got.DeviceStatus != "-256" {
		t.Errorf("error = %+v", got)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	f.dev.set("3015", `<LIST><ALLFile><File><NAME>b.MP4</NAME><FPATH>A:\CARDV\MOVIE\b.MP4</FPATH><SIZE>1</SIZE><TIME>t</TIME></File></ALLFile></LIST>`)

	rec := f.do("DELETE", `/api/v1/files?path=A%3A%5CCARDV%5CMOVIE%5Ca.MP4`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	got := decode[deleteResponse](t, rec)
	if got.Deleted != `A:\CARDV\MOVIE\a.MP4` || got.RefreshError != "" || len(got.Files) != 1 {
		t.Errorf("response = %+v", got)
	}
}

func TestDelete_ReloadFailureStillReportsDeletion(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logging.Use(zap.New(core))
	defer logging.Use(zap.NewNop())

	f := newFixture(t)
	f.dev.set("3015", `<LIST><ALLFile><File><NAME>a.MP4</NAME>`)

	rec := f.do("DELETE", `/api/v1/files?path=A%3A%5CCARDV%5CMOVIE%5Ca.MP4`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	got := decode[deleteResponse](t, rec)
	if got.Deleted != `A:\CARDV\MOVIE\a.MP4` {
		t.Errorf("deleted = %q", got.Deleted)
	}
	if !strings.Contains(got.RefreshError, "malformed_body") {
		t.Errorf("refresh_error = %q", got.RefreshError)
	}
	if n := logs.FilterMessage("file list reload after delete failed").Len(); n != 1 {
		t.Errorf("expected one reload warning, got %d", n)
	}
}

func TestArchive(t *testing.T) {
	f := newFixture(t)
	rec := f.do("POST", `/api/v1/archive?path=A%3A%5CCARDV%5CMOVIE%5Ca.MP4`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(f.arch.got) != 1 || f.arch.got[0].Bytes != 1048576 {
		t.Errorf("archived = %+v", f.arch.got)
	}

	if rec := f.do("POST", `/api/v1/archive?path=A%3A%5Cnope`, ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d", rec.Code)
	}
}

func TestDisconnectedIs503(t *testing.T) {
	f := newFixture(t)
	f.dev.mu.Lock()
	f.dev.down = true
	f.dev.mu.Unlock()

	f.ctrl.HeartbeatOnce(context.Background())
	f.ctrl.HeartbeatOnce(context.Background())

	for _, target := range []string{"/api/v1/recording/toggle", "/api/v1/files/refresh"} {
		if rec := f.do("POST", target, ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d", target, rec.Code)
		}
	}
	if got := decode[map[string]string](t, f.do("GET", "/health", "")); got["status"] != "disconnected" {
		t.Errorf("health = %v", got)
	}
}

func TestUnreachableIs504(t *testing.T) {
	f := newFixture(t)
	f.dev.mu.Lock()
	f.dev.down = true
	f.dev.mu.Unlock()

	if rec := f.do("POST", "/api/v1/photo", ""); rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	next := func() string {
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "event: ") {
				return strings.TrimPrefix(line, "event: ")
			}
		}
		return ""
	}

	if ev := next(); ev != "snapshot" {
		t.Fatalf("first event = %q", ev)
	}
	if _, err := f.ctrl.ToggleRecording(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if ev := next(); ev != "recording" {
		t.Errorf("event = %q, want recording", ev)
	}
}

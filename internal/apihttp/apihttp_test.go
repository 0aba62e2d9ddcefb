package apihttp

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/kazuph/modulehost/internal/capacity"
	"github.com/kazuph/modulehost/internal/examplemodule"
	"github.com/kazuph/modulehost/internal/jsonvalue"
	"github.com/kazuph/modulehost/internal/logger"
	"github.com/kazuph/modulehost/internal/modulehost"
	"github.com/kazuph/modulehost/internal/storage"
	"github.com/kazuph/modulehost/internal/supervisor"
	"github.com/kazuph/modulehost/internal/taskid"
)

const (
	testModuleName      = examplemodule.Name
	failingModuleName   = "failing"
	panickingModuleName = "panicking"
	sleepingModuleName  = "sleeping"
)

func TestMain(m *testing.M) {
	if supervisor.IsWorkerProcess() {
		reg := modulehost.NewRegistry()
		reg.Register(testModuleName, examplemodule.Callback)
		reg.Register(failingModuleName, failingCallback)
		reg.Register(panickingModuleName, panickingCallback)
		reg.Register(sleepingModuleName, sleepingCallback)
		supervisor.RunWorker(reg)
		return
	}
	logger.Init(false)
	os.Exit(m.Run())
}

// failingCallback always signals a domain failure, exercising spec.md §8
// scenario 3 (callback domain failure with attached errorData) through
// the /state wire contract.
func failingCallback(req jsonvalue.Value, workDir string, blobNames []string, logPath, resultDir string) (jsonvalue.Value, error) {
	return jsonvalue.Null, &modulehost.ModuleError{
		Message:   "bad template",
		ErrorData: jsonvalue.Of(map[string]any{"template": "foo"}),
	}
}

// panickingCallback always panics, exercising spec.md §8 scenario 4 (an
// unexpected exception) through the /state wire contract.
func panickingCallback(req jsonvalue.Value, workDir string, blobNames []string, logPath, resultDir string) (jsonvalue.Value, error) {
	panic("boom")
}

// sleepingCallback sleeps long enough for a test to reliably kill it
// mid-run, exercising spec.md §8 scenario 5 through the /kill and
// /state wire contract.
func sleepingCallback(req jsonvalue.Value, workDir string, blobNames []string, logPath, resultDir string) (jsonvalue.Value, error) {
	time.Sleep(30 * time.Second)
	return req, nil
}

func newTestServer(t *testing.T, maxTasks int) (*httptest.Server, *storage.Layout) {
	t.Helper()
	return newTestServerWithModule(t, maxTasks, testModuleName)
}

func newTestServerWithModule(t *testing.T, maxTasks int, modName string) (*httptest.Server, *storage.Layout) {
	t.Helper()
	layout, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	gate := capacity.New(layout, maxTasks)
	sup := supervisor.New(layout, modName)
	h := NewHandler(layout, gate, sup, Info{APIVersion: "1", ModuleName: modName, ImplementationName: "modulehost-test"})
	return httptest.NewServer(NewMux(h)), layout
}

func buildMultipart(t *testing.T, payload map[string]any, blobs map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	pw, err := w.CreateFormField(jsonPayloadPartName)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pw.Write(raw); err != nil {
		t.Fatal(err)
	}

	for name, content := range blobs {
		bw, err := w.CreateFormField(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := bw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func submit(t *testing.T, srv *httptest.Server, payload map[string]any, blobs map[string]string) string {
	t.Helper()
	body, contentType := buildMultipart(t, payload, blobs)
	resp, err := http.Post(srv.URL+"/submit", contentType, body)
	if err != nil {
		t.Fatalf("POST /submit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	id, _ := out["taskId"].(string)
	if id == "" {
		t.Fatal("expected non-empty taskId")
	}
	return id
}

func waitCompleted(t *testing.T, srv *httptest.Server, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(srv.URL + "/state/" + id)
		if err != nil {
			t.Fatal(err)
		}
		var out map[string]any
		json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if out["state"] != "RUNNING" {
			return out
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("timed out waiting for task completion")
	return nil
}

func TestInfoReportsZeroRunningTasksInitially(t *testing.T) {
	srv, _ := newTestServer(t, 3)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/info")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if out["runningTasks"] != float64(0) {
		t.Fatalf("expected runningTasks=0, got %v", out["runningTasks"])
	}
	if out["maxTasks"] != float64(3) {
		t.Fatalf("expected maxTasks=3, got %v", out["maxTasks"])
	}
}

func TestSubmitAndStateHappyPath(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	defer srv.Close()

	id := submit(t, srv, map[string]any{"x": float64(1)}, nil)
	out := waitCompleted(t, srv, id)

	if out["state"] != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %v", out)
	}
	response, _ := out["response"].(map[string]any)
	if response["x"] != float64(1) {
		t.Fatalf("expected echoed response x=1, got %v", response)
	}
}

func TestSubmitMissingJSONPayloadIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	defer srv.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, _ := w.CreateFormField("notTheRightName")
	fw.Write([]byte("{}"))
	w.Close()

	resp, err := http.Post(srv.URL+"/submit", w.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSubmitRefusedAtCapacity(t *testing.T) {
	srv, layout := newTestServer(t, 1)
	defer srv.Close()

	// Occupy the single slot directly, deterministically, rather than
	// racing a real task's completion against the second submit.
	occupying := taskid.New()
	if err := os.MkdirAll(layout.RunningDir(occupying), 0o700); err != nil {
		t.Fatal(err)
	}

	body, contentType := buildMultipart(t, map[string]any{}, nil)
	resp, err := http.Post(srv.URL+"/submit", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestStateUnknownTaskIs404(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/state/t_does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestResultBlobRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	defer srv.Close()

	id := submit(t, srv, map[string]any{}, map[string]string{"a.bin": "hi"})
	waitCompleted(t, srv, id)

	resp, err := http.Get(srv.URL + "/result/" + id + "/a.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	// The echo module copies uploaded blobs into its result directory
	// unchanged (internal/examplemodule), so the blob must round-trip
	// bit-exact even though it was never used by /state's response.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got bytes.Buffer
	got.ReadFrom(resp.Body)
	if got.String() != "hi" {
		t.Fatalf("expected blob content %q, got %q", "hi", got.String())
	}
}

func TestKillUnknownTaskIs404(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/kill/t_does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

// TestKillMidRunStateHasNoExtraKeys exercises spec.md §8 scenario 5: a
// killed task's /state body must be exactly {state:"FAILED",
// stackTrace:"Task cancelled by user"}, with no extra "message" key —
// the kill path writes an empty structured response (spec.md §4.4),
// not one carrying the cancellation text a second time.
func TestKillMidRunStateHasNoExtraKeys(t *testing.T) {
	srv, _ := newTestServerWithModule(t, 0, sleepingModuleName)
	defer srv.Close()

	id := submit(t, srv, map[string]any{}, nil)
	time.Sleep(200 * time.Millisecond)

	resp, err := http.Get(srv.URL + "/kill/" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	out := waitCompleted(t, srv, id)
	want := map[string]any{"state": "FAILED", "stackTrace": "Task cancelled by user"}
	if len(out) != len(want) {
		t.Fatalf("expected exactly %v, got %v", want, out)
	}
	for k, v := range want {
		if out[k] != v {
			t.Fatalf("expected exactly %v, got %v", want, out)
		}
	}
}

func TestLogOffsetBeyondEOFIsEmpty(t *testing.T) {
	srv, layout := newTestServer(t, 0)
	defer srv.Close()

	id := submit(t, srv, map[string]any{}, nil)
	waitCompleted(t, srv, id)

	_ = layout
	resp, err := http.Get(srv.URL + "/log/" + id + "?offset=999999")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if buf.Len() != 0 {
		t.Fatalf("expected empty body past EOF, got %q", buf.String())
	}
}

// TestStateReflectsModuleErrorFailure exercises spec.md §8 scenario 3: a
// callback domain failure must surface through /state as {state:"FAILED",
// message, errorData, stackTrace}.
func TestStateReflectsModuleErrorFailure(t *testing.T) {
	srv, _ := newTestServerWithModule(t, 0, failingModuleName)
	defer srv.Close()

	id := submit(t, srv, map[string]any{}, nil)
	out := waitCompleted(t, srv, id)

	if out["state"] != "FAILED" {
		t.Fatalf("expected FAILED, got %v", out)
	}
	if out["message"] != "bad template" {
		t.Fatalf("expected message %q, got %v", "bad template", out["message"])
	}
	errorData, _ := out["errorData"].(map[string]any)
	if errorData["template"] != "foo" {
		t.Fatalf("expected errorData.template=foo, got %v", out["errorData"])
	}
	if s, _ := out["stackTrace"].(string); s == "" {
		t.Fatalf("expected a non-empty stackTrace, got %v", out["stackTrace"])
	}
}

// TestStateReflectsPanicFailure exercises spec.md §8 scenario 4: an
// unexpected exception must surface through /state as {state:"FAILED",
// message, stackTrace}, not crash the worker or leave the task RUNNING.
func TestStateReflectsPanicFailure(t *testing.T) {
	srv, _ := newTestServerWithModule(t, 0, panickingModuleName)
	defer srv.Close()

	id := submit(t, srv, map[string]any{}, nil)
	out := waitCompleted(t, srv, id)

	if out["state"] != "FAILED" {
		t.Fatalf("expected FAILED, got %v", out)
	}
	if out["message"] != "boom" {
		t.Fatalf("expected message %q, got %v", "boom", out["message"])
	}
	if s, _ := out["stackTrace"].(string); s == "" {
		t.Fatalf("expected a non-empty stackTrace, got %v", out["stackTrace"])
	}
}

// TestSecurityHeadersSetOnResponse exercises the baseline security
// headers securityMiddleware adds to every response (SPEC_FULL.md's HTTP
// facade module).
func TestSecurityHeadersSetOnResponse(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/info")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	} {
		if got := resp.Header.Get(header); got != want {
			t.Fatalf("expected %s=%q, got %q", header, want, got)
		}
	}
}

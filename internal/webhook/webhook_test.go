package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func newTestClient(t *testing.T, url string, opts Opts) (*Client, *sleepRecorder) {
	t.Helper()
	opts.URL = url
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	return c, rec
}

func writeShot(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("fake png bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := New(Opts{URL: "not a url"}); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Opts{URL: "https://discord.com/api/webhooks/1/abc"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.maxAttempts != DefaultMaxAttempts {
		t.Errorf("maxAttempts = %d, want %d", c.maxAttempts, DefaultMaxAttempts)
	}
	if c.http.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", c.http.Timeout, DefaultTimeout)
	}
	if c.baseBackoff != 5*time.Second {
		t.Errorf("baseBackoff = %v, want 5s", c.baseBackoff)
	}
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

func TestSend_Success(t *testing.T) {
	var (
		gotQuery   string
		gotParams  discordgo.WebhookParams
		gotFile    string
		gotFileCT  string
		gotContent string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := json.Unmarshal([]byte(r.FormValue("payload_json")), &gotParams); err != nil {
			t.Errorf("payload_json: %v", err)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile(file): %v", err)
		} else {
			gotFile = hdr.Filename
			gotFileCT = hdr.Header.Get("Content-Type")
			b, _ := io.ReadAll(f)
			gotContent = string(b)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg-42","channel_id":"chan-1"}`))
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL+"/api/webhooks/1/abc", Opts{Username: "Camera", Version: "v1.2.3"})
	path := writeShot(t, "VRChat_2026-02-01_18-45-30.960_3840x2160.png")
	captured := time.Date(2026, 2, 1, 18, 45, 30, 0, time.Local)

	res, err := c.Send(context.Background(), Upload{
		Path:         path,
		OriginalSize: 14,
		ThreadID:     "thread-7",
		CapturedAt:   captured,
		World:        "The Black Cat",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID != "msg-42" {
		t.Errorf("MessageID = %q, want msg-42", res.MessageID)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if len(rec.recorded()) != 0 {
		t.Errorf("unexpected sleeps: %v", rec.recorded())
	}

	if !strings.Contains(gotQuery, "wait=true") || !strings.Contains(gotQuery, "thread_id=thread-7") {
		t.Errorf("query = %q, want wait=true and thread_id=thread-7", gotQuery)
	}
	if gotFile != "VRChat_2026-02-01_18-45-30.960_3840x2160.png" {
		t.Errorf("file name = %q", gotFile)
	}
	if gotFileCT != "image/png" {
		t.Errorf("file content type = %q, want image/png", gotFileCT)
	}
	if gotContent != "fake png bytes" {
		t.Errorf("file content = %q", gotContent)
	}
	if gotParams.Username != "Camera" {
		t.Errorf("username = %q, want Camera", gotParams.Username)
	}
	if len(gotParams.Embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(gotParams.Embeds))
	}
	e := gotParams.Embeds[0]
	if e.Color != EmbedColor {
		t.Errorf("color = %#x, want %#x", e.Color, EmbedColor)
	}
	if e.Image == nil || e.Image.URL != "attachment://"+gotFile {
		t.Errorf("image = %+v, want attachment://%s", e.Image, gotFile)
	}
	if e.Footer == nil || e.Footer.Text != "shutterpost v1.2.3" {
		t.Errorf("footer = %+v", e.Footer)
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", e.Timestamp, err)
	}
	fields := map[string]string{}
	for _, f := range e.Fields {
		fields[f.Name] = f.Value
	}
	if fields["File"] != gotFile {
		t.Errorf("File field = %q", fields["File"])
	}
	if fields["World"] != "The Black Cat" {
		t.Errorf("World field = %q", fields["World"])
	}
	if fields["Compression"] != "Not compressed" {
		t.Errorf("Compression field = %q", fields["Compression"])
	}
	if fields["Captured"] != "2026-02-01 18:45:30" {
		t.Errorf("Captured field = %q", fields["Captured"])
	}
	if fields["Size"] != "14 B" {
		t.Errorf("Size field = %q", fields["Size"])
	}
}

func TestSend_NoThreadNoWorld(t *testing.T) {
	var gotQuery string
	var gotParams discordgo.WebhookParams
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		r.ParseMultipartForm(1 << 20)
		json.Unmarshal([]byte(r.FormValue("payload_json")), &gotParams)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Opts{})
	res, err := c.Send(context.Background(), Upload{Path: writeShot(t, "a.png")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID != "" {
		t.Errorf("MessageID = %q, want empty for 204", res.MessageID)
	}
	if strings.Contains(gotQuery, "thread_id") {
		t.Errorf("query = %q, want no thread_id", gotQuery)
	}
	for _, f := range gotParams.Embeds[0].Fields {
		if f.Name == "World" {
			t.Error("unexpected World field")
		}
	}
}

func TestSend_CompressedSizeSummary(t *testing.T) {
	var gotParams discordgo.WebhookParams
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		json.Unmarshal([]byte(r.FormValue("payload_json")), &gotParams)
		w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Opts{})
	_, err := c.Send(context.Background(), Upload{
		Path:           writeShot(t, "a.compressed.png"),
		OriginalSize:   12 * 1024 * 1024,
		CompressedSize: 6 * 1024 * 1024,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	fields := map[string]string{}
	for _, f := range gotParams.Embeds[0].Fields {
		fields[f.Name] = f.Value
	}
	if fields["Size"] != "12.0 MB → 6.0 MB" {
		t.Errorf("Size = %q", fields["Size"])
	}
	if fields["Compression"] != "Compressed" {
		t.Errorf("Compression = %q", fields["Compression"])
	}
}

func TestSend_NameOverridesFileName(t *testing.T) {
	var gotFile string
	var gotParams discordgo.WebhookParams
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		json.Unmarshal([]byte(r.FormValue("payload_json")), &gotParams)
		if _, hdr, err := r.FormFile("file"); err == nil {
			gotFile = hdr.Filename
		}
		w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Opts{})
	_, err := c.Send(context.Background(), Upload{
		Path: writeShot(t, "a.8341927.compressed.png"),
		Name: "a.compressed.png",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotFile != "a.compressed.png" {
		t.Errorf("file name = %q, want a.compressed.png", gotFile)
	}
	if img := gotParams.Embeds[0].Image; img == nil || img.URL != "attachment://a.compressed.png" {
		t.Errorf("image = %+v, want attachment://a.compressed.png", img)
	}
}

func TestSend_ServerErrorExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"internal failure","code":0}`))
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, Opts{})
	_, err := c.Send(context.Background(), Upload{Path: writeShot(t, "a.png")})
	if err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
	if !strings.Contains(err.Error(), "HTTP 500") || !strings.Contains(err.Error(), "internal failure") {
		t.Errorf("error = %q, want HTTP 500 and message", err.Error())
	}
	if !errors.Is(err, ErrPermanentRemote) {
		t.Errorf("error %v does not wrap ErrPermanentRemote", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 500 {
		t.Errorf("errors.As StatusError = %+v", se)
	}
	waits := rec.recorded()
	if len(waits) != 2 || waits[0] != 5*time.Second || waits[1] != 10*time.Second {
		t.Errorf("waits = %v, want [5s 10s]", waits)
	}
}

func TestSend_RateLimitIsFree(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"You are being rate limited.","retry_after":2,"global":false}`))
			return
		}
		w.Write([]byte(`{"id":"msg-1"}`))
	}))
	defer srv.Close()

	// A single attempt still succeeds because the 429 does not consume it.
	c, rec := newTestClient(t, srv.URL, Opts{MaxAttempts: 1})
	res, err := c.Send(context.Background(), Upload{Path: writeShot(t, "a.png")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID != "msg-1" {
		t.Errorf("MessageID = %q, want msg-1", res.MessageID)
	}
	if res.RateLimited != 1 {
		t.Errorf("RateLimited = %d, want 1", res.RateLimited)
	}
	waits := rec.recorded()
	if len(waits) != 1 || waits[0] != 2*time.Second {
		t.Errorf("waits = %v, want [2s]", waits)
	}
}

func TestSend_RateLimitHeaderFallback(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch hits.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Write([]byte(`{"id":"ok"}`))
		}
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, Opts{})
	if _, err := c.Send(context.Background(), Upload{Path: writeShot(t, "a.png")}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waits := rec.recorded()
	if len(waits) != 2 || waits[0] != 3*time.Second || waits[1] != 60*time.Second {
		t.Errorf("waits = %v, want [3s 1m0s]", waits)
	}
}

func TestSend_TransportErrorFailsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, rec := newTestClient(t, url, Opts{})
	_, err := c.Send(context.Background(), Upload{Path: writeShot(t, "a.png")})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrPermanentRemote) {
		t.Errorf("error %v should be neither transient nor remote", err)
	}
	if len(rec.recorded()) != 0 {
		t.Errorf("waits = %v, want none", rec.recorded())
	}
}

func TestSend_TimeoutRetriesThenFails(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, Opts{Timeout: 20 * time.Millisecond})
	_, err := c.Send(context.Background(), Upload{Path: writeShot(t, "a.png")})
	if !errors.Is(err, ErrTransientNetwork) {
		t.Fatalf("error = %v, want ErrTransientNetwork", err)
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
	waits := rec.recorded()
	if len(waits) != 2 || waits[0] != 5*time.Second || waits[1] != 5*time.Second {
		t.Errorf("waits = %v, want [5s 5s]", waits)
	}
}

func TestSend_MissingFile(t *testing.T) {
	c, _ := newTestClient(t, "https://example.invalid/hook", Opts{})
	if _, err := c.Send(context.Background(), Upload{Path: filepath.Join(t.TempDir(), "gone.png")}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ---------------------------------------------------------------------------
// CreateThread
// ---------------------------------------------------------------------------

func threadServer(t *testing.T, status int, body string, gotBody *discordgo.WebhookParams) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("wait") != "true" {
			t.Errorf("wait param missing: %q", r.URL.RawQuery)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if gotBody != nil {
			json.NewDecoder(r.Body).Decode(gotBody)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCreateThread_ThreadObject(t *testing.T) {
	var got discordgo.WebhookParams
	srv := threadServer(t, http.StatusOK, `{"id":"m1","channel_id":"c1","thread":{"id":"t1"}}`, &got)
	c, _ := newTestClient(t, srv.URL, Opts{})

	id, err := c.CreateThread(context.Background(), "2026-02")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if id != "t1" {
		t.Errorf("id = %q, want t1", id)
	}
	if got.ThreadName != "2026-02" {
		t.Errorf("thread_name = %q, want 2026-02", got.ThreadName)
	}
	if !strings.Contains(got.Content, "2026-02") {
		t.Errorf("content = %q, want month", got.Content)
	}
}

func TestCreateThread_ChannelIDFallback(t *testing.T) {
	srv := threadServer(t, http.StatusCreated, `{"id":"m1","channel_id":"c9"}`, nil)
	c, _ := newTestClient(t, srv.URL, Opts{})

	id, err := c.CreateThread(context.Background(), "2026-02")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if id != "c9" {
		t.Errorf("id = %q, want c9", id)
	}
}

func TestCreateThread_NoID(t *testing.T) {
	srv := threadServer(t, http.StatusNoContent, ``, nil)
	c, _ := newTestClient(t, srv.URL, Opts{})

	if _, err := c.CreateThread(context.Background(), "2026-02"); err == nil {
		t.Fatal("expected error when response has no id")
	}
}

func TestCreateThread_NotForum(t *testing.T) {
	srv := threadServer(t, http.StatusBadRequest,
		`{"message":"Webhooks can only create threads in forum channels","code":220003}`, nil)
	c, _ := newTestClient(t, srv.URL, Opts{})

	_, err := c.CreateThread(context.Background(), "2026-02")
	if !errors.Is(err, ErrGroupingUnsupported) {
		t.Fatalf("error = %v, want ErrGroupingUnsupported", err)
	}
	if !IsGroupingUnsupported(err) {
		t.Error("IsGroupingUnsupported = false")
	}
}

func TestCreateThread_ChannelTypeCode(t *testing.T) {
	srv := threadServer(t, http.StatusBadRequest,
		`{"message":"Cannot execute action on this channel type","code":50024}`, nil)
	c, _ := newTestClient(t, srv.URL, Opts{})

	if _, err := c.CreateThread(context.Background(), "2026-02"); !errors.Is(err, ErrGroupingUnsupported) {
		t.Fatalf("error = %v, want ErrGroupingUnsupported", err)
	}
}

func TestCreateThread_OtherBadRequest(t *testing.T) {
	srv := threadServer(t, http.StatusBadRequest, `{"message":"Invalid Form Body","code":50035}`, nil)
	c, _ := newTestClient(t, srv.URL, Opts{})

	_, err := c.CreateThread(context.Background(), "2026-02")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrGroupingUnsupported) {
		t.Error("generic 400 reported as grouping unsupported")
	}
	if !strings.Contains(err.Error(), "Invalid Form Body") {
		t.Errorf("error = %q, want remote message", err.Error())
	}
}

// ---------------------------------------------------------------------------
// TestConnection
// ---------------------------------------------------------------------------

func TestTestConnection_Name(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		w.Write([]byte(`{"id":"1","name":"Screenshots","channel_id":"c"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Opts{})
	name, err := c.TestConnection(context.Background())
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if name != "Screenshots" {
		t.Errorf("name = %q, want Screenshots", name)
	}
}

func TestTestConnection_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Invalid Webhook Token","code":50027}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, Opts{})
	_, err := c.TestConnection(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "HTTP 401") {
		t.Errorf("error = %q, want HTTP 401", err.Error())
	}
}

// ---------------------------------------------------------------------------
// FormatSize
// ---------------------------------------------------------------------------

func TestFormatSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1024 * 1024, "1.0 MB"},
		{15 * 1024 * 1024 / 2, "7.5 MB"},
	}
	for _, tt := range tests {
		if got := FormatSize(tt.n); got != tt.want {
			t.Errorf("FormatSize(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

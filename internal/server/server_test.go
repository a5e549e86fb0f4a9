package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
	"golang.org/x/net/http2"

	"text-anonymizer/internal/anonymizer"
	"text-anonymizer/internal/config"
	"text-anonymizer/internal/metrics"
)

func testConfig() *config.Config {
	return &config.Config{
		HFModel:          "test/ner",
		ListenAddress:    "127.0.0.1:0",
		CaseAwarePersons: true,
		MaxTextBytes:     64,
		CacheCapacity:    100,
	}
}

// names marks every occurrence of the listed words as PERSON.
func names(words ...string) anonymizer.EntityDetector {
	return anonymizer.DetectorFunc(func(_ context.Context, text string) ([]anonymizer.Span, error) {
		var spans []anonymizer.Span
		for _, w := range words {
			if i := strings.Index(text, w); i >= 0 {
				spans = append(spans, anonymizer.Span{Start: i, End: i + len(w), Label: anonymizer.LabelPerson})
			}
		}
		return spans, nil
	})
}

var unavailable = anonymizer.DetectorFunc(func(context.Context, string) ([]anonymizer.Span, error) {
	return nil, anonymizer.ErrDetectionUnavailable
})

func newTestServer(cfg *config.Config, d anonymizer.EntityDetector) (*Server, *metrics.Metrics) {
	m := metrics.New()
	anon := anonymizer.New(d, cfg.AnonymizerOptions(nil, m))
	return New(cfg, anon, m, nil), m
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAnonymize(t *testing.T) {
	srv, m := newTestServer(testConfig(), names("Alice"))
	w := do(t, srv.Handler(), http.MethodPost, "/anonymize", `{"text":"Alice: a@b.com"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp anonymizeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Text != "[Person]: [EMAIL]" {
		t.Errorf("text: got %q", resp.Text)
	}
	if len(resp.Entities) != 2 || resp.Entities[0].Label != anonymizer.LabelPerson || resp.Entities[1].Label != anonymizer.LabelEmail {
		t.Errorf("entities: %+v", resp.Entities)
	}
	if resp.Degraded {
		t.Error("should not be degraded")
	}
	if _, err := ulid.ParseStrict(resp.ID); err != nil {
		t.Errorf("id %q is not a ULID: %v", resp.ID, err)
	}
	if w.Header().Get("X-Request-Id") != resp.ID {
		t.Errorf("X-Request-Id %q differs from body id %q", w.Header().Get("X-Request-Id"), resp.ID)
	}
	if strings.Contains(w.Body.String(), "Alice") {
		t.Error("response leaks the original name")
	}
	if m.Snapshot().Calls.Total != 1 {
		t.Error("call not counted")
	}
}

func TestAnonymize_EmptyEntitiesIsArray(t *testing.T) {
	srv, _ := newTestServer(testConfig(), nil)
	w := do(t, srv.Handler(), http.MethodPost, "/anonymize", `{"text":"nothing here"}`)
	if !strings.Contains(w.Body.String(), `"entities":[]`) {
		t.Errorf("expected empty entities array, got %s", w.Body.String())
	}
}

func TestAnonymize_BadRequests(t *testing.T) {
	srv, _ := newTestServer(testConfig(), nil)
	h := srv.Handler()

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"not json", http.MethodPost, "hello", http.StatusBadRequest},
		{"missing text", http.MethodPost, `{"msg":"hi"}`, http.StatusBadRequest},
		{"text too large", http.MethodPost, `{"text":"` + strings.Repeat("x", 65) + `"}`, http.StatusRequestEntityTooLarge},
		{"body too large", http.MethodPost, `{"text":"` + strings.Repeat("x", 2<<20) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, "/anonymize", tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestAnonymize_DetectorUnavailable(t *testing.T) {
	srv, _ := newTestServer(testConfig(), unavailable)
	w := do(t, srv.Handler(), http.MethodPost, "/anonymize", `{"text":"Bob at b@c.org"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestAnonymize_Degraded(t *testing.T) {
	cfg := testConfig()
	cfg.AllowDegraded = true
	srv, _ := newTestServer(cfg, unavailable)
	w := do(t, srv.Handler(), http.MethodPost, "/anonymize", `{"text":"Bob at b@c.org"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp anonymizeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Degraded || resp.Text != "Bob at [EMAIL]" {
		t.Errorf("degraded=%v text=%q", resp.Degraded, resp.Text)
	}
}

func TestAnonymizeJSON(t *testing.T) {
	srv, _ := newTestServer(testConfig(), names("Alice"))
	body := `{"model":"Alice","messages":[{"role":"user","content":"Alice: a@b.com"}]}`
	w := do(t, srv.Handler(), http.MethodPost, "/anonymize/json", body)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var doc struct {
		Model    string `json:"model"`
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if doc.Model != "Alice" {
		t.Errorf("structural key rewritten: %q", doc.Model)
	}
	if len(doc.Messages) != 1 || doc.Messages[0].Content != "[Person]: [EMAIL]" {
		t.Errorf("messages: %+v", doc.Messages)
	}
}

func TestAnonymizeJSON_WrongMethod(t *testing.T) {
	srv, _ := newTestServer(testConfig(), nil)
	w := do(t, srv.Handler(), http.MethodGet, "/anonymize/json", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestAuth(t *testing.T) {
	cfg := testConfig()
	cfg.APIToken = "secret"
	srv, _ := newTestServer(cfg, nil)
	h := srv.Handler()

	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{"no header", nil, http.StatusUnauthorized},
		{"wrong token", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"wrong scheme", []string{"Authorization", "Basic secret"}, http.StatusUnauthorized},
		{"valid", []string{"Authorization", "Bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, "/status", "", tt.header...)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	cfg := testConfig()
	cfg.HFToken = "hf_x"
	cfg.CachePath = "/var/lib/anonymizer/spans.db"
	srv, _ := newTestServer(cfg, nil)
	w := do(t, srv.Handler(), http.MethodGet, "/status", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "running" {
		t.Errorf("status: %v", resp["status"])
	}
	det, _ := resp["detector"].(map[string]any)
	if det["model"] != "test/ner" || det["enabled"] != true {
		t.Errorf("detector: %v", det)
	}
	cache, _ := resp["cache"].(map[string]any)
	if cache["kind"] != "bbolt" {
		t.Errorf("cache: %v", cache)
	}
	if strings.Contains(w.Body.String(), "hf_x") {
		t.Error("status leaks the API token")
	}
}

func TestMetrics(t *testing.T) {
	srv, _ := newTestServer(testConfig(), nil)
	h := srv.Handler()
	do(t, h, http.MethodPost, "/anonymize", `{"text":"mail a@b.com"}`)

	w := do(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap metrics.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Calls.Total != 1 || snap.Spans.Replaced["EMAIL"] != 1 {
		t.Errorf("snapshot: %+v", snap)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	cfg := testConfig()
	srv := New(cfg, anonymizer.New(nil, anonymizer.Options{}), nil, nil)
	w := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestH2C(t *testing.T) {
	srv, _ := newTestServer(testConfig(), nil)
	ts := httptest.NewServer(srv.h2cHandler())
	defer ts.Close()

	client := &http.Client{Transport: &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}}
	resp, err := client.Post(ts.URL+"/anonymize", "application/json", strings.NewReader(`{"text":"call +1 555 123 4567"}`))
	if err != nil {
		t.Fatalf("h2c request: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.ProtoMajor != 2 {
		t.Errorf("expected HTTP/2, got %s", resp.Proto)
	}
	var body anonymizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Text != "call [PHONE]" {
		t.Errorf("text: got %q", body.Text)
	}
}

func TestListenAndServe_Shutdown(t *testing.T) {
	srv, _ := newTestServer(testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}

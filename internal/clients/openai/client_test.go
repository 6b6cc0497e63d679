package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/veridoc/prospectus-backend/internal/platform/logger"
)

type stubTransport struct {
	handler func(req *http.Request) (*http.Response, error)
	calls   int
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls++
	return s.handler(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func newTestClient(t *testing.T, transport http.RoundTripper) *client {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "test-key")

	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}

	c, err := NewClient(log)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	impl := c.(*client)
	impl.httpClient.Transport = transport
	impl.maxRetries = 2
	return impl
}

func responsesBody(t *testing.T, outputJSON string, inputTokens, outputTokens int) string {
	t.Helper()
	body := map[string]any{
		"output": []map[string]any{
			{
				"type": "message",
				"role": "assistant",
				"content": []map[string]any{
					{"type": "output_text", "text": outputJSON},
				},
			},
		},
		"usage": map[string]any{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal responses body: %v", err)
	}
	return string(raw)
}

func TestEmbedPreservesInputOrder(t *testing.T) {
	transport := &stubTransport{
		handler: func(req *http.Request) (*http.Response, error) {
			if req.URL.Path != "/v1/embeddings" {
				t.Fatalf("unexpected path %s", req.URL.Path)
			}
			if got := req.Header.Get("Authorization"); got != "Bearer test-key" {
				t.Fatalf("unexpected auth header %q", got)
			}
			// Responses deliberately out of order; index must restore it.
			return jsonResponse(200, `{
				"data": [
					{"embedding": [0.5, 0.5], "index": 1},
					{"embedding": [1.0, 0.0], "index": 0}
				],
				"usage": {"prompt_tokens": 7, "total_tokens": 7}
			}`), nil
		},
	}
	c := newTestClient(t, transport)

	vecs, counts, err := c.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	if vecs[0][0] != 1.0 || vecs[1][0] != 0.5 {
		t.Fatalf("vectors out of order: %v", vecs)
	}
	if counts.Input != 7 {
		t.Fatalf("expected 7 input tokens, got %d", counts.Input)
	}
}

func TestEmbedMissingVectorFails(t *testing.T) {
	transport := &stubTransport{
		handler: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(200, `{
				"data": [{"embedding": [1.0], "index": 0}],
				"usage": {"prompt_tokens": 3, "total_tokens": 3}
			}`), nil
		},
	}
	c := newTestClient(t, transport)

	_, _, err := c.Embed(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatal("expected error for missing embedding index")
	}
}

func TestRetryOnServerErrorThenSuccess(t *testing.T) {
	body := responsesBody(t, `{"hypothetical_facts":["The issuer lists its directors."],"verdict_query":"Are directors listed?"}`, 11, 5)
	transport := &stubTransport{}
	transport.handler = func(req *http.Request) (*http.Response, error) {
		if transport.calls == 1 {
			return jsonResponse(500, `{"error":"overloaded"}`), nil
		}
		return jsonResponse(200, body), nil
	}
	c := newTestClient(t, transport)

	dec, counts, err := c.Decompose(context.Background(), "Does the prospectus list the directors?")
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if transport.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", transport.calls)
	}
	if len(dec.HypotheticalFacts) != 1 || dec.VerdictQuery != "Are directors listed?" {
		t.Fatalf("unexpected decomposition: %+v", dec)
	}
	// Only the successful attempt counts.
	if counts.Input != 11 || counts.Output != 5 {
		t.Fatalf("unexpected usage: %+v", counts)
	}
}

func TestNoRetryOnBadRequest(t *testing.T) {
	transport := &stubTransport{
		handler: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(400, `{"error":"bad schema"}`), nil
		},
	}
	c := newTestClient(t, transport)

	_, _, err := c.Decompose(context.Background(), "question")
	if err == nil {
		t.Fatal("expected error")
	}
	if transport.calls != 1 {
		t.Fatalf("expected 1 attempt for 400, got %d", transport.calls)
	}
	if !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestVerdictParsesStructuredOutput(t *testing.T) {
	body := responsesBody(t, `{
		"flag_status": "FLAGGED",
		"detailed_reasoning": "No risk factors section found in the cited pages.",
		"citations": ["12", "13"]
	}`, 40, 25)
	transport := &stubTransport{
		handler: func(req *http.Request) (*http.Response, error) {
			raw, _ := io.ReadAll(req.Body)
			if !bytes.Contains(raw, []byte("json_schema")) {
				t.Fatal("expected structured output format in request")
			}
			return jsonResponse(200, body), nil
		},
	}
	c := newTestClient(t, transport)

	verdict, counts, err := c.Verdict(context.Background(), "Page 12 (printed page \"10\")\n...", "Are risk factors disclosed?")
	if err != nil {
		t.Fatalf("Verdict: %v", err)
	}
	if verdict.FlagStatus != "FLAGGED" {
		t.Fatalf("unexpected flag status %q", verdict.FlagStatus)
	}
	if len(verdict.Citations) != 2 || verdict.Citations[0] != "12" {
		t.Fatalf("unexpected citations %v", verdict.Citations)
	}
	if counts.Input != 40 || counts.Output != 25 {
		t.Fatalf("unexpected usage %+v", counts)
	}
}

func TestDecomposeFallsBackToQuestion(t *testing.T) {
	body := responsesBody(t, `{"hypothetical_facts":[],"verdict_query":""}`, 5, 2)
	transport := &stubTransport{
		handler: func(req *http.Request) (*http.Response, error) {
			return jsonResponse(200, body), nil
		},
	}
	c := newTestClient(t, transport)

	dec, _, err := c.Decompose(context.Background(), "Is the auditor named?")
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if dec.VerdictQuery != "Is the auditor named?" {
		t.Fatalf("expected fallback to question, got %q", dec.VerdictQuery)
	}
}

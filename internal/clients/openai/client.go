package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/veridoc/prospectus-backend/internal/pkg/httpx"
	"github.com/veridoc/prospectus-backend/internal/pkg/usage"
	"github.com/veridoc/prospectus-backend/internal/platform/logger"
)

// Decomposition is the model's breakdown of one checklist question into
// hypothetical factual restatements plus the consolidated verdict query.
type Decomposition struct {
	HypotheticalFacts []string
	VerdictQuery      string
}

// VerdictResult is the structured verdict for one checklist row.
type VerdictResult struct {
	FlagStatus        string
	DetailedReasoning string
	Citations         []string
}

type PageNumberResult struct {
	IsPageNumber bool
	PageNumber   string
}

type QRCodeResult struct {
	Found   bool
	Content string
}

type PageHintsResult struct {
	Facts   []string
	Queries []string
}

// Client is the language-model service boundary. Dynamic model responses are
// parsed into these explicit result types here, never passed around as maps.
type Client interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, usage.Counts, error)
	Decompose(ctx context.Context, question string) (Decomposition, usage.Counts, error)
	Verdict(ctx context.Context, contextText, verdictQuery string) (VerdictResult, usage.Counts, error)
	RecognizePageNumber(ctx context.Context, imagePNG []byte) (PageNumberResult, usage.Counts, error)
	DescribeQRCode(ctx context.Context, imagePNG []byte) (QRCodeResult, usage.Counts, error)
	PageHints(ctx context.Context, content string) (PageHintsResult, usage.Counts, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	httpClient *http.Client

	maxRetries int
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}

	baseURL := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	if model == "" {
		model = "gpt-4o"
	}

	embed := strings.TrimSpace(os.Getenv("OPENAI_EMBED_MODEL"))
	if embed == "" {
		embed = "text-embedding-3-small"
	}

	timeoutSec := 120
	if v := os.Getenv("OPENAI_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	maxRetries := 4
	if v := os.Getenv("OPENAI_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	return &client{
		log:        log.With("service", "OpenAIClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		embedModel: embed,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

type openAIHTTPError struct {
	StatusCode int
	Body       string
}

func (e *openAIHTTPError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

func (e *openAIHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &openAIHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

// do retries transient failures with exponential backoff and jitter. Usage
// is only taken from the attempt that succeeds, so retried calls never
// double-count tokens.
func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("openai decode error: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}

		if !httpx.IsRetryableError(err) {
			return err
		}
		if attempt == c.maxRetries {
			return err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("OpenAI request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}

// -------------------- Embeddings --------------------

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *client) Embed(ctx context.Context, inputs []string) ([][]float32, usage.Counts, error) {
	if len(inputs) == 0 {
		return [][]float32{}, usage.Counts{}, nil
	}

	clean := make([]string, len(inputs))
	for i := range inputs {
		s := strings.TrimSpace(inputs[i])
		if s == "" {
			s = " "
		}
		clean[i] = s
	}

	req := embeddingsRequest{
		Model: c.embedModel,
		Input: clean,
	}

	var resp embeddingsResponse
	if err := c.do(ctx, "POST", "/v1/embeddings", req, &resp); err != nil {
		return nil, usage.Counts{}, err
	}

	counts := usage.Counts{Input: resp.Usage.PromptTokens}

	out := make([][]float32, len(clean))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = vec
		}
	}

	for i := range out {
		if len(out[i]) == 0 {
			return nil, counts, fmt.Errorf("openai embeddings missing index %d: requested=%d returned=%d model=%s", i, len(clean), len(resp.Data), c.embedModel)
		}
	}
	return out, counts, nil
}

// -------------------- Responses API --------------------

type responsesRequest struct {
	Model string `json:"model"`

	Input []responsesMessage `json:"input"`

	Text struct {
		Format map[string]any `json:"format,omitempty"`
	} `json:"text,omitempty"`

	Temperature float64 `json:"temperature,omitempty"`
}

type responsesMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
	Refusal string `json:"refusal,omitempty"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func extractOutputText(resp responsesResponse) string {
	var out strings.Builder
	for _, item := range resp.Output {
		if item.Type == "message" && item.Role == "assistant" {
			for _, c := range item.Content {
				if c.Type == "output_text" && c.Text != "" {
					out.WriteString(c.Text)
				}
			}
		}
	}
	return out.String()
}

func (c *client) generateJSON(ctx context.Context, system string, userContent any, schemaName string, schema map[string]any, out any) (usage.Counts, error) {
	req := responsesRequest{
		Model: c.model,
		Input: []responsesMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: userContent},
		},
		Temperature: 0.2,
	}
	req.Text.Format = map[string]any{
		"type":   "json_schema",
		"name":   schemaName,
		"schema": schema,
		"strict": true,
	}

	var resp responsesResponse
	if err := c.do(ctx, "POST", "/v1/responses", req, &resp); err != nil {
		return usage.Counts{}, err
	}
	counts := usage.Counts{Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens}
	if resp.Refusal != "" {
		return counts, fmt.Errorf("model refused: %s", resp.Refusal)
	}

	jsonText := extractOutputText(resp)
	if strings.TrimSpace(jsonText) == "" {
		return counts, errors.New("no output_text found in response")
	}
	if err := json.Unmarshal([]byte(jsonText), out); err != nil {
		return counts, fmt.Errorf("failed to parse model JSON: %w; text=%s", err, jsonText)
	}
	return counts, nil
}

func imageContent(prompt string, imagePNG []byte) []map[string]any {
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(imagePNG)
	return []map[string]any{
		{"type": "input_text", "text": prompt},
		{"type": "input_image", "image_url": dataURL},
	}
}

func schemaObject(properties map[string]any, required []string) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

func stringArraySchema() map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
}

// -------------------- Contract calls --------------------

const decomposeSystem = "You analyze compliance checklist questions about an IPO prospectus. " +
	"Given a question, produce 2-4 hypothetical_facts: short declarative sentences that a prospectus page answering the question would contain. " +
	"Also produce verdict_query: a single consolidated question used to decide whether the issue must be flagged."

func (c *client) Decompose(ctx context.Context, question string) (Decomposition, usage.Counts, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Decomposition{}, usage.Counts{}, errors.New("question required")
	}

	var raw struct {
		HypotheticalFacts []string `json:"hypothetical_facts"`
		VerdictQuery      string   `json:"verdict_query"`
	}
	schema := schemaObject(map[string]any{
		"hypothetical_facts": stringArraySchema(),
		"verdict_query":      map[string]any{"type": "string"},
	}, []string{"hypothetical_facts", "verdict_query"})

	counts, err := c.generateJSON(ctx, decomposeSystem, question, "question_decomposition", schema, &raw)
	if err != nil {
		return Decomposition{}, counts, err
	}
	out := Decomposition{
		HypotheticalFacts: compactStrings(raw.HypotheticalFacts),
		VerdictQuery:      strings.TrimSpace(raw.VerdictQuery),
	}
	if out.VerdictQuery == "" {
		out.VerdictQuery = question
	}
	return out, counts, nil
}

const verdictSystem = "You are a compliance reviewer for IPO prospectuses. " +
	"Given context passages from the prospectus and a question, decide whether the issue must be flagged. " +
	"flag_status must be FLAGGED, NOT FLAGGED, or REQUIRES FURTHER REVIEW. " +
	"Use REQUIRES FURTHER REVIEW when the evidence is ambiguous or contradictory. " +
	"detailed_reasoning must cite the evidence. " +
	"citations must list the physical page numbers (the 'Page N' headers in the context) that support the verdict; leave it empty when no page supports it. " +
	"If the context is empty or insufficient, say so in detailed_reasoning and answer NOT FLAGGED."

func (c *client) Verdict(ctx context.Context, contextText, verdictQuery string) (VerdictResult, usage.Counts, error) {
	verdictQuery = strings.TrimSpace(verdictQuery)
	if verdictQuery == "" {
		return VerdictResult{}, usage.Counts{}, errors.New("verdict query required")
	}

	user := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextText, verdictQuery)

	var raw struct {
		FlagStatus        string   `json:"flag_status"`
		DetailedReasoning string   `json:"detailed_reasoning"`
		Citations         []string `json:"citations"`
	}
	schema := schemaObject(map[string]any{
		"flag_status":        map[string]any{"type": "string", "enum": []string{"FLAGGED", "NOT FLAGGED", "REQUIRES FURTHER REVIEW"}},
		"detailed_reasoning": map[string]any{"type": "string"},
		"citations":          stringArraySchema(),
	}, []string{"flag_status", "detailed_reasoning", "citations"})

	counts, err := c.generateJSON(ctx, verdictSystem, user, "checklist_verdict", schema, &raw)
	if err != nil {
		return VerdictResult{}, counts, err
	}
	return VerdictResult{
		FlagStatus:        strings.TrimSpace(raw.FlagStatus),
		DetailedReasoning: strings.TrimSpace(raw.DetailedReasoning),
		Citations:         compactStrings(raw.Citations),
	}, counts, nil
}

const pageNumberSystem = "The image is the footer strip of a document page. " +
	"Report whether it contains a printed page number. Page numbers may be plain (188) or sectioned (F-12, A-3). " +
	"If there is no page number, set is_page_number to false and page_number to an empty string."

func (c *client) RecognizePageNumber(ctx context.Context, imagePNG []byte) (PageNumberResult, usage.Counts, error) {
	if len(imagePNG) == 0 {
		return PageNumberResult{}, usage.Counts{}, errors.New("image required")
	}

	var raw struct {
		IsPageNumber bool   `json:"is_page_number"`
		PageNumber   string `json:"page_number"`
	}
	schema := schemaObject(map[string]any{
		"is_page_number": map[string]any{"type": "boolean"},
		"page_number":    map[string]any{"type": "string"},
	}, []string{"is_page_number", "page_number"})

	content := imageContent("Read the page number in this footer strip, if any.", imagePNG)
	counts, err := c.generateJSON(ctx, pageNumberSystem, content, "page_number_recognition", schema, &raw)
	if err != nil {
		return PageNumberResult{}, counts, err
	}
	return PageNumberResult{
		IsPageNumber: raw.IsPageNumber,
		PageNumber:   strings.TrimSpace(raw.PageNumber),
	}, counts, nil
}

const qrCodeSystem = "The image is a rendered document page. " +
	"Report whether a QR code is visible on the page and, if it is readable, what it encodes or where it points."

func (c *client) DescribeQRCode(ctx context.Context, imagePNG []byte) (QRCodeResult, usage.Counts, error) {
	if len(imagePNG) == 0 {
		return QRCodeResult{}, usage.Counts{}, errors.New("image required")
	}

	var raw struct {
		QRFound bool   `json:"qr_found"`
		Content string `json:"content"`
	}
	schema := schemaObject(map[string]any{
		"qr_found": map[string]any{"type": "boolean"},
		"content":  map[string]any{"type": "string"},
	}, []string{"qr_found", "content"})

	content := imageContent("Is there a QR code on this page? Describe what it encodes if readable.", imagePNG)
	counts, err := c.generateJSON(ctx, qrCodeSystem, content, "qr_code_check", schema, &raw)
	if err != nil {
		return QRCodeResult{}, counts, err
	}
	return QRCodeResult{
		Found:   raw.QRFound,
		Content: strings.TrimSpace(raw.Content),
	}, counts, nil
}

const pageHintsSystem = "Given the text of one prospectus page, produce facts: up to 5 short declarative sentences restating the page's key figures and statements, " +
	"and queries: up to 3 short questions this page answers. Keep each under 20 words."

func (c *client) PageHints(ctx context.Context, content string) (PageHintsResult, usage.Counts, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return PageHintsResult{}, usage.Counts{}, nil
	}

	var raw struct {
		Facts   []string `json:"facts"`
		Queries []string `json:"queries"`
	}
	schema := schemaObject(map[string]any{
		"facts":   stringArraySchema(),
		"queries": stringArraySchema(),
	}, []string{"facts", "queries"})

	counts, err := c.generateJSON(ctx, pageHintsSystem, content, "page_hints", schema, &raw)
	if err != nil {
		return PageHintsResult{}, counts, err
	}
	return PageHintsResult{
		Facts:   compactStrings(raw.Facts),
		Queries: compactStrings(raw.Queries),
	}, counts, nil
}

func compactStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

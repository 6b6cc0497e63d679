package sparseembed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/veridoc/prospectus-backend/internal/pkg/httpx"
	"github.com/veridoc/prospectus-backend/internal/platform/logger"
)

// SparseVector is a term-id -> weight mapping in parallel-array form, the
// shape Qdrant expects for sparse vector spaces. Weights are non-negative.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

func (v SparseVector) IsEmpty() bool {
	return len(v.Indices) == 0
}

// Client scores text against a masked-language-model sparse embedder
// (a text-embeddings-inference style sidecar exposing POST /embed_sparse).
type Client interface {
	EmbedSparse(ctx context.Context, inputs []string) ([]SparseVector, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	httpClient *http.Client

	maxRetries int
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	baseURL := strings.TrimSpace(os.Getenv("SPARSE_EMBED_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("missing SPARSE_EMBED_URL")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeoutSec := 60
	if v := os.Getenv("SPARSE_EMBED_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	maxRetries := 5
	if v := os.Getenv("SPARSE_EMBED_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	return &client{
		log:        log.With("service", "SparseEmbedClient"),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

type sparseHTTPError struct {
	StatusCode int
	Body       string
}

func (e *sparseHTTPError) Error() string {
	return fmt.Sprintf("sparse embed http %d: %s", e.StatusCode, e.Body)
}

func (e *sparseHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

type embedSparseRequest struct {
	Inputs []string `json:"inputs"`
}

type sparseTerm struct {
	Index uint32  `json:"index"`
	Value float32 `json:"value"`
}

// EmbedSparse returns one sparse vector per input. Blank inputs are not sent
// to the service; they come back as empty mappings.
func (c *client) EmbedSparse(ctx context.Context, inputs []string) ([]SparseVector, error) {
	out := make([]SparseVector, len(inputs))
	if len(inputs) == 0 {
		return out, nil
	}

	sendIdx := make([]int, 0, len(inputs))
	sendTexts := make([]string, 0, len(inputs))
	for i, raw := range inputs {
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		sendIdx = append(sendIdx, i)
		sendTexts = append(sendTexts, text)
	}
	if len(sendTexts) == 0 {
		return out, nil
	}

	var terms [][]sparseTerm
	if err := c.do(ctx, "/embed_sparse", embedSparseRequest{Inputs: sendTexts}, &terms); err != nil {
		return nil, err
	}
	if len(terms) != len(sendTexts) {
		return nil, fmt.Errorf("sparse embed count mismatch: requested=%d returned=%d", len(sendTexts), len(terms))
	}

	for pos, termList := range terms {
		vec := SparseVector{
			Indices: make([]uint32, 0, len(termList)),
			Values:  make([]float32, 0, len(termList)),
		}
		for _, term := range termList {
			if term.Value <= 0 {
				continue
			}
			vec.Indices = append(vec.Indices, term.Index)
			vec.Values = append(vec.Values, term.Value)
		}
		out[sendIdx[pos]] = vec
	}
	return out, nil
}

func (c *client) do(ctx context.Context, path string, body any, out any) error {
	// Linear backoff: the sidecar recovers quickly, so base*attempt with
	// jitter is enough and keeps tail latency low.
	base := 500 * time.Millisecond

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("sparse embed decode error: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}

		if !httpx.IsRetryableError(err) {
			return err
		}
		if attempt == c.maxRetries {
			return err
		}

		sleepFor := httpx.RetryAfterDuration(resp, base*time.Duration(attempt+1), 5*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("Sparse embed request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
	}

	return fmt.Errorf("unreachable retry loop")
}

func (c *client) doOnce(ctx context.Context, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
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
		return resp, raw, &sparseHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

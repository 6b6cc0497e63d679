package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veridoc/prospectus-backend/internal/clients/sparseembed"
	"github.com/veridoc/prospectus-backend/internal/platform/logger"
)

const (
	payloadCompanyIDKey = "company_id"
	payloadOrdinalKey   = "pdf_ordinal"
	payloadLabelKey     = "document_label"
	payloadContentKey   = "content"
	denseVectorName     = "dense"
	sparseVectorName    = "sparse"
	sparseLegLimit      = 50
	denseLegLimit       = 10
	rrfRankConstant     = 60
	maxErrorBodyBytes   = 1024
	defaultSearchLimit  = 10
)

var pointIDNamespaceUUID = uuid.MustParse("8c2f0a61-74b5-4d22-9c19-3ac1be6e2f07")

// PagePoint is one indexed page: a dense vector, a sparse vector and a
// payload mirroring the page row.
type PagePoint struct {
	CompanyID     uuid.UUID
	PdfOrdinal    int
	DocumentLabel string
	Content       string
	Dense         []float32
	Sparse        sparseembed.SparseVector
}

type PageHit struct {
	CompanyID     uuid.UUID
	PdfOrdinal    int
	DocumentLabel string
	Content       string
	Score         float64
}

// VectorStore is the page vector index. One point per (company, pdf_ordinal),
// all queries filtered to a single company: a hit from another company's
// document is a correctness bug, not just a privacy leak.
type VectorStore interface {
	EnsureCollection(ctx context.Context) error
	UpsertPages(ctx context.Context, points []PagePoint) error
	HybridSearch(ctx context.Context, companyID uuid.UUID, dense []float32, sparse sparseembed.SparseVector, limit int) ([]PageHit, error)
	DeleteCompany(ctx context.Context, companyID uuid.UUID) error
}

type vectorStore struct {
	log     *logger.Logger
	cfg     Config
	baseURL string
	http    *http.Client
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type qdrantQueryResult struct {
	Points []qdrantScoredPoint `json:"points"`
}

type qdrantScoredPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func NewVectorStore(log *logger.Logger, cfg Config) (VectorStore, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg, true); err != nil {
		return nil, err
	}

	s := &vectorStore{
		log:     log.With("service", "QdrantVectorStore"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}

	log.Info(
		"Qdrant vector store configured",
		"url", s.baseURL,
		"collection", cfg.Collection,
		"vector_dim", cfg.VectorDim,
	)
	return s, nil
}

// EnsureCollection is idempotent: it creates the collection with a dense and
// a sparse vector space if absent, and (re)declares the keyword index on the
// company id payload field that the per-company filter depends on.
func (s *vectorStore) EnsureCollection(ctx context.Context) error {
	const op = "ensure_collection"

	exists, err := s.collectionExists(ctx, op)
	if err != nil {
		return err
	}

	if !exists {
		req := map[string]any{
			"vectors": map[string]any{
				denseVectorName: map[string]any{
					"size":     s.cfg.VectorDim,
					"distance": "Cosine",
				},
			},
			"sparse_vectors": map[string]any{
				sparseVectorName: map[string]any{},
			},
		}
		if err := s.doJSON(ctx, op, http.MethodPut, s.collectionPath(""), req, nil); err != nil {
			return err
		}
		s.log.Info("Qdrant collection created", "collection", s.cfg.Collection)
	}

	indexReq := map[string]any{
		"field_name":   payloadCompanyIDKey,
		"field_schema": "keyword",
	}
	if err := s.doJSON(ctx, op, http.MethodPut, s.collectionPath("/index?wait=true"), indexReq, nil); err != nil {
		var opErrTyped *OperationError
		if errors.As(err, &opErrTyped) && strings.Contains(strings.ToLower(opErrTyped.Message), "already exists") {
			return nil
		}
		return err
	}
	return nil
}

func (s *vectorStore) collectionExists(ctx context.Context, op string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+s.collectionPath(""), nil)
	if err != nil {
		return false, opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false, classifyHTTPCallError(op, "qdrant collection check failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant collection check returned status=%d", resp.StatusCode),
		}
	}
}

// UpsertPages writes one point per page under a deterministic id derived from
// (company_id, pdf_ordinal), so re-indexing overwrites instead of appending.
func (s *vectorStore) UpsertPages(ctx context.Context, points []PagePoint) error {
	const op = "upsert"
	if len(points) == 0 {
		return nil
	}

	body := make([]map[string]any, 0, len(points))
	for _, p := range points {
		if p.CompanyID == uuid.Nil {
			return opErr(op, OperationErrorValidation, "company id is required", nil)
		}
		if p.PdfOrdinal < 1 {
			return opErr(op, OperationErrorValidation, fmt.Sprintf("pdf ordinal must be >= 1, got %d", p.PdfOrdinal), nil)
		}
		if len(p.Dense) == 0 {
			return opErr(op, OperationErrorValidation, fmt.Sprintf("page %d has empty dense vector", p.PdfOrdinal), nil)
		}
		if s.cfg.VectorDim > 0 && len(p.Dense) != s.cfg.VectorDim {
			return opErr(
				op,
				OperationErrorValidation,
				fmt.Sprintf(
					"page %d dense dimension mismatch: expected=%d got=%d",
					p.PdfOrdinal,
					s.cfg.VectorDim,
					len(p.Dense),
				),
				nil,
			)
		}

		vectors := map[string]any{
			denseVectorName: p.Dense,
		}
		if !p.Sparse.IsEmpty() {
			vectors[sparseVectorName] = map[string]any{
				"indices": p.Sparse.Indices,
				"values":  p.Sparse.Values,
			}
		}

		body = append(body, map[string]any{
			"id":     PointID(p.CompanyID, p.PdfOrdinal),
			"vector": vectors,
			"payload": map[string]any{
				payloadCompanyIDKey: p.CompanyID.String(),
				payloadOrdinalKey:   p.PdfOrdinal,
				payloadLabelKey:     p.DocumentLabel,
				payloadContentKey:   p.Content,
			},
		})
	}

	req := map[string]any{"points": body}
	return s.doJSON(ctx, op, http.MethodPut, s.collectionPath("/points?wait=true"), req, nil)
}

// HybridSearch runs a wide sparse leg and a narrow dense leg, both filtered
// to the company, and fuses the ranked lists with reciprocal rank fusion:
// each leg contributes 1/(rank+60) per point and contributions sum.
func (s *vectorStore) HybridSearch(ctx context.Context, companyID uuid.UUID, dense []float32, sparse sparseembed.SparseVector, limit int) ([]PageHit, error) {
	const op = "hybrid_search"
	if companyID == uuid.Nil {
		return nil, opErr(op, OperationErrorValidation, "company id is required", nil)
	}
	if len(dense) == 0 && sparse.IsEmpty() {
		return nil, opErr(op, OperationErrorValidation, "at least one query vector required", nil)
	}
	if s.cfg.VectorDim > 0 && len(dense) > 0 && len(dense) != s.cfg.VectorDim {
		return nil, opErr(
			op,
			OperationErrorValidation,
			fmt.Sprintf("query dense dimension mismatch: expected=%d got=%d", s.cfg.VectorDim, len(dense)),
			nil,
		)
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	filter := map[string]any{
		"must": []any{
			map[string]any{
				"key":   payloadCompanyIDKey,
				"match": map[string]any{"value": companyID.String()},
			},
		},
	}

	var legs [][]qdrantScoredPoint
	if !sparse.IsEmpty() {
		leg, err := s.queryLeg(ctx, op, map[string]any{
			"query": map[string]any{
				"indices": sparse.Indices,
				"values":  sparse.Values,
			},
			"using":        sparseVectorName,
			"limit":        sparseLegLimit,
			"filter":       filter,
			"with_payload": true,
		})
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}
	if len(dense) > 0 {
		leg, err := s.queryLeg(ctx, op, map[string]any{
			"query":        dense,
			"using":        denseVectorName,
			"limit":        denseLegLimit,
			"filter":       filter,
			"with_payload": true,
		})
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}

	fused := fuseRanked(legs)

	hits := make([]PageHit, 0, len(fused))
	for _, f := range fused {
		hit, ok := s.hitFromPayload(f.point.Payload, f.score)
		if !ok {
			continue
		}
		// Defense against stale points: the filter should make this
		// impossible, but a cross-company hit must never surface.
		if hit.CompanyID != companyID {
			s.log.Warn("qdrant returned point for wrong company",
				"want", companyID.String(),
				"got", hit.CompanyID.String(),
			)
			continue
		}
		hits = append(hits, hit)
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func (s *vectorStore) DeleteCompany(ctx context.Context, companyID uuid.UUID) error {
	const op = "delete_company"
	if companyID == uuid.Nil {
		return opErr(op, OperationErrorValidation, "company id is required", nil)
	}
	req := map[string]any{
		"filter": map[string]any{
			"must": []any{
				map[string]any{
					"key":   payloadCompanyIDKey,
					"match": map[string]any{"value": companyID.String()},
				},
			},
		},
	}
	return s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/delete?wait=true"), req, nil)
}

func (s *vectorStore) queryLeg(ctx context.Context, op string, req map[string]any) ([]qdrantScoredPoint, error) {
	var result qdrantQueryResult
	if err := s.doJSON(ctx, op, http.MethodPost, s.collectionPath("/points/query"), req, &result); err != nil {
		return nil, err
	}
	return result.Points, nil
}

type fusedPoint struct {
	point qdrantScoredPoint
	score float64
}

// fuseRanked merges ranked legs by reciprocal rank: score(p) = sum over legs
// of 1/(rank+k). Points are keyed by ordinal payload so the same page found
// by both legs accumulates both contributions.
func fuseRanked(legs [][]qdrantScoredPoint) []fusedPoint {
	type entry struct {
		point qdrantScoredPoint
		score float64
		order int
	}
	byKey := make(map[string]*entry)
	order := 0
	for _, leg := range legs {
		for rank, p := range leg {
			key := pointKey(p)
			contribution := 1.0 / float64(rank+rrfRankConstant)
			if e, ok := byKey[key]; ok {
				e.score += contribution
				continue
			}
			byKey[key] = &entry{point: p, score: contribution, order: order}
			order++
		}
	}

	out := make([]fusedPoint, 0, len(byKey))
	entries := make([]*entry, 0, len(byKey))
	for _, e := range byKey {
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].score == entries[j].score {
			return entries[i].order < entries[j].order
		}
		return entries[i].score > entries[j].score
	})
	for _, e := range entries {
		out = append(out, fusedPoint{point: e.point, score: e.score})
	}
	return out
}

func pointKey(p qdrantScoredPoint) string {
	if ord, ok := payloadInt(p.Payload, payloadOrdinalKey); ok {
		if cid, ok := p.Payload[payloadCompanyIDKey].(string); ok {
			return cid + "|" + strconv.Itoa(ord)
		}
		return strconv.Itoa(ord)
	}
	return strings.TrimSpace(string(p.ID))
}

func (s *vectorStore) hitFromPayload(payload map[string]any, score float64) (PageHit, bool) {
	ord, ok := payloadInt(payload, payloadOrdinalKey)
	if !ok {
		return PageHit{}, false
	}
	rawCompany, _ := payload[payloadCompanyIDKey].(string)
	companyID, err := uuid.Parse(strings.TrimSpace(rawCompany))
	if err != nil {
		return PageHit{}, false
	}
	label, _ := payload[payloadLabelKey].(string)
	content, _ := payload[payloadContentKey].(string)
	return PageHit{
		CompanyID:     companyID,
		PdfOrdinal:    ord,
		DocumentLabel: label,
		Content:       content,
		Score:         score,
	}, true
}

func payloadInt(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// PointID derives the point identity from (company_id, pdf_ordinal) so
// re-ingestion upserts instead of appending a duplicate.
func PointID(companyID uuid.UUID, pdfOrdinal int) string {
	deterministic := uuid.NewSHA1(pointIDNamespaceUUID, []byte(companyID.String()+"|"+strconv.Itoa(pdfOrdinal)))
	return deterministic.String()
}

func (s *vectorStore) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(s.cfg.Collection) + suffix
}

func (s *vectorStore) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if readErr != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(envelope.Status); statusErr != "" {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    statusErr,
		}
	}

	if out == nil {
		return nil
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

func classifyHTTPCallError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}

	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") || strings.EqualFold(statusString, "acknowledged") || strings.EqualFold(statusString, "completed") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}

	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil {
		if strings.TrimSpace(statusObject.Error) != "" {
			return strings.TrimSpace(statusObject.Error)
		}
	}

	return fmt.Sprintf("qdrant status=%s", status)
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}

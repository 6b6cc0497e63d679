package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/veridoc/prospectus-backend/internal/clients/openai"
	"github.com/veridoc/prospectus-backend/internal/clients/sparseembed"
	"github.com/veridoc/prospectus-backend/internal/ingestion/extractor"
	"github.com/veridoc/prospectus-backend/internal/pkg/usage"
	"github.com/veridoc/prospectus-backend/internal/platform/logger"
	"github.com/veridoc/prospectus-backend/internal/platform/qdrant"
	"github.com/veridoc/prospectus-backend/internal/repos"
	"github.com/veridoc/prospectus-backend/internal/types"
	"github.com/veridoc/prospectus-backend/internal/utils"
)

const embedBatchSize = 64

type IngestDocumentDeps struct {
	Log         *logger.Logger
	Extractor   extractor.Extractor
	LLM         openai.Client
	Sparse      sparseembed.Client
	VectorStore qdrant.VectorStore
	PageRepo    repos.PageRepo
}

type IngestDocumentInput struct {
	CompanyID uuid.UUID
	PdfPath   string
}

type IngestDocumentOutput struct {
	PagesExtracted int
	PagesIndexed   int
	Usage          usage.Counts
}

// IngestDocument extracts a prospectus, recovers printed page labels, embeds
// every non-empty page, and writes both the relational rows and the vector
// points. Re-running for the same company overwrites pages in place; point
// ids are deterministic so the vector index never accumulates duplicates.
func IngestDocument(ctx context.Context, deps IngestDocumentDeps, input IngestDocumentInput) (IngestDocumentOutput, error) {
	if err := validateDeps(deps); err != nil {
		return IngestDocumentOutput{}, err
	}
	if input.CompanyID == uuid.Nil {
		return IngestDocumentOutput{}, fmt.Errorf("company id is required")
	}
	if strings.TrimSpace(input.PdfPath) == "" {
		return IngestDocumentOutput{}, fmt.Errorf("pdf path is required")
	}

	log := deps.Log.With("step", "IngestDocument", "company_id", input.CompanyID.String())

	extracted, extractUsage, err := deps.Extractor.Extract(ctx, input.PdfPath)
	if err != nil {
		return IngestDocumentOutput{}, fmt.Errorf("extract pdf: %w", err)
	}
	total := extractUsage

	hints, hintUsage, err := enrichPages(ctx, deps, log, extracted)
	if err != nil {
		return IngestDocumentOutput{}, err
	}
	total = total.Add(hintUsage)

	rows := make([]*types.Page, 0, len(extracted))
	for _, page := range extracted {
		row := &types.Page{
			CompanyID:     input.CompanyID,
			PdfOrdinal:    page.PdfOrdinal,
			DocumentLabel: page.DocumentLabel,
			Content:       page.Content,
		}
		if hint, ok := hints[page.PdfOrdinal]; ok {
			row.Facts = marshalStrings(hint.Facts)
			row.Queries = marshalStrings(hint.Queries)
		}
		rows = append(rows, row)
	}

	if _, err := deps.PageRepo.Upsert(ctx, nil, rows); err != nil {
		return IngestDocumentOutput{}, fmt.Errorf("upsert pages: %w", err)
	}

	points, embedUsage, err := buildPoints(ctx, deps, input.CompanyID, extracted, hints)
	if err != nil {
		return IngestDocumentOutput{}, err
	}
	total = total.Add(embedUsage)

	if err := deps.VectorStore.UpsertPages(ctx, points); err != nil {
		return IngestDocumentOutput{}, fmt.Errorf("upsert vector points: %w", err)
	}

	log.Info("Document ingested",
		"pages_extracted", len(extracted),
		"pages_indexed", len(points),
		"input_tokens", total.Input,
		"output_tokens", total.Output,
	)

	return IngestDocumentOutput{
		PagesExtracted: len(extracted),
		PagesIndexed:   len(points),
		Usage:          total,
	}, nil
}

func validateDeps(deps IngestDocumentDeps) error {
	switch {
	case deps.Log == nil:
		return fmt.Errorf("logger required")
	case deps.Extractor == nil:
		return fmt.Errorf("extractor required")
	case deps.LLM == nil:
		return fmt.Errorf("openai client required")
	case deps.Sparse == nil:
		return fmt.Errorf("sparse embed client required")
	case deps.VectorStore == nil:
		return fmt.Errorf("vector store required")
	case deps.PageRepo == nil:
		return fmt.Errorf("page repo required")
	}
	return nil
}

// enrichPages asks the model for per-page fact and query restatements when
// INGEST_SPARSE_ENRICHMENT is enabled. These feed the sparse leg only; a
// failure on one page degrades to no hints for that page.
func enrichPages(
	ctx context.Context,
	deps IngestDocumentDeps,
	log *logger.Logger,
	pages []extractor.Page,
) (map[int]openai.PageHintsResult, usage.Counts, error) {
	hints := make(map[int]openai.PageHintsResult)
	if utils.GetEnv("INGEST_SPARSE_ENRICHMENT", "false", deps.Log) != "true" {
		return hints, usage.Counts{}, nil
	}

	poolSize := utils.GetEnvAsInt("INGEST_ENRICH_CONCURRENCY", 5, deps.Log)
	if poolSize < 1 {
		poolSize = 1
	}
	collectors := usage.NewPool(poolSize)

	results := make([]openai.PageHintsResult, len(pages))
	found := make([]bool, len(pages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize)
	for i := range pages {
		idx := i
		page := pages[i]
		collector := collectors[idx%poolSize]
		if strings.TrimSpace(page.Content) == "" {
			continue
		}
		g.Go(func() error {
			res, counts, err := deps.LLM.PageHints(gctx, page.Content)
			collector.Record(counts)
			if err != nil {
				log.Warn("Page hint enrichment failed",
					"pdf_ordinal", page.PdfOrdinal, "error", err.Error())
				return nil
			}
			results[idx] = res
			found[idx] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, usage.Sum(collectors), err
	}

	for i := range pages {
		if found[i] {
			hints[pages[i].PdfOrdinal] = results[i]
		}
	}
	return hints, usage.Sum(collectors), nil
}

// buildPoints embeds the non-empty pages and assembles vector points. The
// dense space carries the page content; the sparse space carries content plus
// any fact and query hints so exact terms from restatements match too.
func buildPoints(
	ctx context.Context,
	deps IngestDocumentDeps,
	companyID uuid.UUID,
	pages []extractor.Page,
	hints map[int]openai.PageHintsResult,
) ([]qdrant.PagePoint, usage.Counts, error) {
	indexable := make([]extractor.Page, 0, len(pages))
	for _, page := range pages {
		if strings.TrimSpace(page.Content) != "" {
			indexable = append(indexable, page)
		}
	}
	if len(indexable) == 0 {
		return []qdrant.PagePoint{}, usage.Counts{}, nil
	}

	denseInputs := make([]string, len(indexable))
	sparseInputs := make([]string, len(indexable))
	for i, page := range indexable {
		denseInputs[i] = page.Content
		sparseInputs[i] = sparseText(page, hints[page.PdfOrdinal])
	}

	var total usage.Counts
	dense := make([][]float32, 0, len(denseInputs))
	for start := 0; start < len(denseInputs); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(denseInputs) {
			end = len(denseInputs)
		}
		vecs, counts, err := deps.LLM.Embed(ctx, denseInputs[start:end])
		total = total.Add(counts)
		if err != nil {
			return nil, total, fmt.Errorf("dense embed pages: %w", err)
		}
		dense = append(dense, vecs...)
	}

	sparse, err := deps.Sparse.EmbedSparse(ctx, sparseInputs)
	if err != nil {
		return nil, total, fmt.Errorf("sparse embed pages: %w", err)
	}

	points := make([]qdrant.PagePoint, len(indexable))
	for i, page := range indexable {
		points[i] = qdrant.PagePoint{
			CompanyID:     companyID,
			PdfOrdinal:    page.PdfOrdinal,
			DocumentLabel: page.DocumentLabel,
			Content:       page.Content,
			Dense:         dense[i],
			Sparse:        sparse[i],
		}
	}
	return points, total, nil
}

func sparseText(page extractor.Page, hint openai.PageHintsResult) string {
	parts := make([]string, 0, 1+len(hint.Facts)+len(hint.Queries))
	parts = append(parts, page.Content)
	parts = append(parts, hint.Facts...)
	parts = append(parts, hint.Queries...)
	return strings.Join(parts, "\n")
}

func marshalStrings(values []string) datatypes.JSON {
	if len(values) == 0 {
		return datatypes.JSON("[]")
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}

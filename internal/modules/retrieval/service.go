package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/veridoc/prospectus-backend/internal/clients/openai"
	"github.com/veridoc/prospectus-backend/internal/clients/sparseembed"
	"github.com/veridoc/prospectus-backend/internal/pkg/usage"
	"github.com/veridoc/prospectus-backend/internal/platform/logger"
	"github.com/veridoc/prospectus-backend/internal/platform/qdrant"
	"github.com/veridoc/prospectus-backend/internal/utils"
)

// Result is the assembled evidence for one checklist question. ContextText
// is the concatenated page blocks handed to the verdict call; Ordinals lists
// the physical pages behind those blocks in retrieval order. ContextText is
// empty when no restatement found any page; the verdict still runs on it.
type Result struct {
	VerdictQuery string
	ContextText  string
	Ordinals     []int
	Usage        usage.Counts
}

type Service interface {
	// Retrieve decomposes the question into factual restatements, runs a
	// hybrid search per restatement, and assembles the deduplicated context.
	Retrieve(ctx context.Context, companyID uuid.UUID, question string) (Result, error)

	// Search runs one hybrid query and returns the raw hits.
	Search(ctx context.Context, companyID uuid.UUID, query string, limit int) ([]qdrant.PageHit, error)
}

type service struct {
	log         *logger.Logger
	llm         openai.Client
	sparse      sparseembed.Client
	vectorStore qdrant.VectorStore

	perQueryLimit int
}

func NewService(log *logger.Logger, llm openai.Client, sparse sparseembed.Client, vectorStore qdrant.VectorStore) (Service, error) {
	switch {
	case log == nil:
		return nil, fmt.Errorf("logger required")
	case llm == nil:
		return nil, fmt.Errorf("openai client required")
	case sparse == nil:
		return nil, fmt.Errorf("sparse embed client required")
	case vectorStore == nil:
		return nil, fmt.Errorf("vector store required")
	}
	return &service{
		log:           log.With("service", "RetrievalService"),
		llm:           llm,
		sparse:        sparse,
		vectorStore:   vectorStore,
		perQueryLimit: utils.GetEnvAsInt("RETRIEVE_PER_QUERY_LIMIT", 2, log),
	}, nil
}

func (s *service) Retrieve(ctx context.Context, companyID uuid.UUID, question string) (Result, error) {
	if companyID == uuid.Nil {
		return Result{}, fmt.Errorf("company id is required")
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return Result{}, fmt.Errorf("question is required")
	}

	var total usage.Counts

	dec, counts, err := s.llm.Decompose(ctx, question)
	total = total.Add(counts)
	if err != nil {
		return Result{}, fmt.Errorf("decompose question: %w", err)
	}

	restatements := dec.HypotheticalFacts
	if len(restatements) == 0 {
		restatements = []string{dec.VerdictQuery}
	}

	denseVecs, counts, err := s.llm.Embed(ctx, restatements)
	total = total.Add(counts)
	if err != nil {
		return Result{}, fmt.Errorf("embed restatements: %w", err)
	}

	sparseVecs, err := s.sparse.EmbedSparse(ctx, restatements)
	if err != nil {
		return Result{}, fmt.Errorf("sparse embed restatements: %w", err)
	}

	// Hits are deduplicated by ordinal with first occurrence winning, so the
	// strongest pages of earlier restatements lead the context.
	seen := make(map[int]bool)
	var blocks []string
	var ordinals []int
	for i, restatement := range restatements {
		hits, hErr := s.vectorStore.HybridSearch(ctx, companyID, denseVecs[i], sparseVecs[i], s.perQueryLimit)
		if hErr != nil {
			s.log.Warn("Restatement search failed, continuing with remaining restatements",
				"company_id", companyID.String(),
				"restatement", restatement,
				"error", hErr.Error(),
			)
			continue
		}
		for _, hit := range hits {
			if seen[hit.PdfOrdinal] {
				continue
			}
			seen[hit.PdfOrdinal] = true
			blocks = append(blocks, contextBlock(hit))
			ordinals = append(ordinals, hit.PdfOrdinal)
		}
	}

	return Result{
		VerdictQuery: dec.VerdictQuery,
		ContextText:  strings.Join(blocks, "\n\n"),
		Ordinals:     ordinals,
		Usage:        total,
	}, nil
}

func (s *service) Search(ctx context.Context, companyID uuid.UUID, query string, limit int) ([]qdrant.PageHit, error) {
	if companyID == uuid.Nil {
		return nil, fmt.Errorf("company id is required")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	denseVecs, _, err := s.llm.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	sparseVecs, err := s.sparse.EmbedSparse(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("sparse embed query: %w", err)
	}

	return s.vectorStore.HybridSearch(ctx, companyID, denseVecs[0], sparseVecs[0], limit)
}

// contextBlock renders one retrieved page for the verdict prompt. The header
// carries both the physical ordinal (what verdict citations use) and the
// printed label (what a human reading the PDF sees).
func contextBlock(hit qdrant.PageHit) string {
	header := fmt.Sprintf("Page %d", hit.PdfOrdinal)
	if hit.DocumentLabel != "" {
		header = fmt.Sprintf("Page %d (printed page %q)", hit.PdfOrdinal, hit.DocumentLabel)
	}
	return header + "\n" + hit.Content
}

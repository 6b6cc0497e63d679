package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/veridoc/prospectus-backend/internal/clients/openai"
	"github.com/veridoc/prospectus-backend/internal/clients/sparseembed"
	"github.com/veridoc/prospectus-backend/internal/pkg/usage"
	"github.com/veridoc/prospectus-backend/internal/platform/logger"
	"github.com/veridoc/prospectus-backend/internal/platform/qdrant"
)

type fakeLLM struct {
	decomposition openai.Decomposition
	decomposeErr  error
}

func (f *fakeLLM) Embed(ctx context.Context, inputs []string) ([][]float32, usage.Counts, error) {
	out := make([][]float32, len(inputs))
	for i := range out {
		out[i] = []float32{float32(i + 1), 0}
	}
	return out, usage.Counts{Input: len(inputs)}, nil
}

func (f *fakeLLM) Decompose(ctx context.Context, question string) (openai.Decomposition, usage.Counts, error) {
	if f.decomposeErr != nil {
		return openai.Decomposition{}, usage.Counts{}, f.decomposeErr
	}
	return f.decomposition, usage.Counts{Input: 10, Output: 5}, nil
}

func (f *fakeLLM) Verdict(ctx context.Context, contextText, verdictQuery string) (openai.VerdictResult, usage.Counts, error) {
	return openai.VerdictResult{}, usage.Counts{}, errors.New("not used")
}

func (f *fakeLLM) RecognizePageNumber(ctx context.Context, imagePNG []byte) (openai.PageNumberResult, usage.Counts, error) {
	return openai.PageNumberResult{}, usage.Counts{}, errors.New("not used")
}

func (f *fakeLLM) DescribeQRCode(ctx context.Context, imagePNG []byte) (openai.QRCodeResult, usage.Counts, error) {
	return openai.QRCodeResult{}, usage.Counts{}, errors.New("not used")
}

func (f *fakeLLM) PageHints(ctx context.Context, content string) (openai.PageHintsResult, usage.Counts, error) {
	return openai.PageHintsResult{}, usage.Counts{}, errors.New("not used")
}

type fakeSparse struct{}

func (f *fakeSparse) EmbedSparse(ctx context.Context, inputs []string) ([]sparseembed.SparseVector, error) {
	out := make([]sparseembed.SparseVector, len(inputs))
	for i := range out {
		out[i] = sparseembed.SparseVector{Indices: []uint32{uint32(i)}, Values: []float32{1}}
	}
	return out, nil
}

type fakeVectorStore struct {
	// hitsByQuery returns hits keyed by the first dense component, which the
	// fake embedder sets to the restatement's 1-based position.
	hitsByQuery map[int][]qdrant.PageHit
	searchErrAt int
	searches    int
}

func (f *fakeVectorStore) EnsureCollection(ctx context.Context) error { return nil }

func (f *fakeVectorStore) UpsertPages(ctx context.Context, points []qdrant.PagePoint) error {
	return nil
}

func (f *fakeVectorStore) HybridSearch(ctx context.Context, companyID uuid.UUID, dense []float32, sparse sparseembed.SparseVector, limit int) ([]qdrant.PageHit, error) {
	f.searches++
	pos := int(dense[0])
	if f.searchErrAt != 0 && pos == f.searchErrAt {
		return nil, errors.New("search leg down")
	}
	hits := f.hitsByQuery[pos]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (f *fakeVectorStore) DeleteCompany(ctx context.Context, companyID uuid.UUID) error {
	return nil
}

func newTestService(t *testing.T, llm *fakeLLM, vs *fakeVectorStore) Service {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	svc, err := NewService(log, llm, &fakeSparse{}, vs)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestRetrieveDeduplicatesByOrdinal(t *testing.T) {
	llm := &fakeLLM{decomposition: openai.Decomposition{
		HypotheticalFacts: []string{
			"The issuer discloses its auditor.",
			"The auditor's name appears in the experts section.",
		},
		VerdictQuery: "Is the auditor disclosed?",
	}}
	vs := &fakeVectorStore{hitsByQuery: map[int][]qdrant.PageHit{
		1: {
			{PdfOrdinal: 12, DocumentLabel: "10", Content: "Auditor: Grant & Co."},
			{PdfOrdinal: 45, Content: "Experts section."},
		},
		2: {
			{PdfOrdinal: 12, DocumentLabel: "10", Content: "Auditor: Grant & Co."},
			{PdfOrdinal: 3, DocumentLabel: "iii", Content: "Table of contents."},
		},
	}}
	svc := newTestService(t, llm, vs)

	res, err := svc.Retrieve(context.Background(), uuid.New(), "Does the prospectus name the auditor?")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	// Ordinal 12 appears in both restatements but only once in the context.
	want := []int{12, 45, 3}
	if len(res.Ordinals) != len(want) {
		t.Fatalf("expected ordinals %v, got %v", want, res.Ordinals)
	}
	for i, ord := range want {
		if res.Ordinals[i] != ord {
			t.Fatalf("expected ordinals %v, got %v", want, res.Ordinals)
		}
	}
	if strings.Count(res.ContextText, "Auditor: Grant & Co.") != 1 {
		t.Fatalf("expected deduplicated context, got:\n%s", res.ContextText)
	}
	if res.VerdictQuery != "Is the auditor disclosed?" {
		t.Fatalf("unexpected verdict query %q", res.VerdictQuery)
	}
}

func TestRetrieveContextHeadersCarryLabels(t *testing.T) {
	llm := &fakeLLM{decomposition: openai.Decomposition{
		HypotheticalFacts: []string{"Risk factors are listed."},
		VerdictQuery:      "Are risk factors listed?",
	}}
	vs := &fakeVectorStore{hitsByQuery: map[int][]qdrant.PageHit{
		1: {
			{PdfOrdinal: 7, DocumentLabel: "F-2", Content: "Risk factors."},
			{PdfOrdinal: 8, Content: "More risks."},
		},
	}}
	svc := newTestService(t, llm, vs)

	res, err := svc.Retrieve(context.Background(), uuid.New(), "Are risk factors listed?")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !strings.Contains(res.ContextText, `Page 7 (printed page "F-2")`) {
		t.Fatalf("expected labeled header, got:\n%s", res.ContextText)
	}
	if !strings.Contains(res.ContextText, "Page 8\nMore risks.") {
		t.Fatalf("expected plain header for unlabeled page, got:\n%s", res.ContextText)
	}
}

func TestRetrieveToleratesFailedRestatement(t *testing.T) {
	llm := &fakeLLM{decomposition: openai.Decomposition{
		HypotheticalFacts: []string{"First restatement.", "Second restatement."},
		VerdictQuery:      "Query?",
	}}
	vs := &fakeVectorStore{
		hitsByQuery: map[int][]qdrant.PageHit{
			2: {{PdfOrdinal: 5, Content: "Found by second."}},
		},
		searchErrAt: 1,
	}
	svc := newTestService(t, llm, vs)

	res, err := svc.Retrieve(context.Background(), uuid.New(), "Question?")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Ordinals) != 1 || res.Ordinals[0] != 5 {
		t.Fatalf("expected surviving restatement's hit, got %v", res.Ordinals)
	}
}

func TestRetrieveEmptyContextIsNotAnError(t *testing.T) {
	llm := &fakeLLM{decomposition: openai.Decomposition{
		HypotheticalFacts: []string{"Something never disclosed."},
		VerdictQuery:      "Is it disclosed?",
	}}
	vs := &fakeVectorStore{hitsByQuery: map[int][]qdrant.PageHit{}}
	svc := newTestService(t, llm, vs)

	res, err := svc.Retrieve(context.Background(), uuid.New(), "Is it disclosed?")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.ContextText != "" || len(res.Ordinals) != 0 {
		t.Fatalf("expected empty context, got %+v", res)
	}
}

func TestRetrieveFallsBackToVerdictQuery(t *testing.T) {
	llm := &fakeLLM{decomposition: openai.Decomposition{
		HypotheticalFacts: nil,
		VerdictQuery:      "Only the query.",
	}}
	vs := &fakeVectorStore{hitsByQuery: map[int][]qdrant.PageHit{
		1: {{PdfOrdinal: 2, Content: "Hit."}},
	}}
	svc := newTestService(t, llm, vs)

	res, err := svc.Retrieve(context.Background(), uuid.New(), "Question?")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if vs.searches != 1 {
		t.Fatalf("expected a single search for the verdict query, got %d", vs.searches)
	}
	if len(res.Ordinals) != 1 || res.Ordinals[0] != 2 {
		t.Fatalf("unexpected ordinals %v", res.Ordinals)
	}
}

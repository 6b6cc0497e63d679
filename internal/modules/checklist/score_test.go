package checklist

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/veridoc/prospectus-backend/internal/clients/openai"
	"github.com/veridoc/prospectus-backend/internal/modules/retrieval"
	"github.com/veridoc/prospectus-backend/internal/pkg/usage"
	"github.com/veridoc/prospectus-backend/internal/platform/logger"
	"github.com/veridoc/prospectus-backend/internal/platform/qdrant"
	"github.com/veridoc/prospectus-backend/internal/types"
)

type fakeRetrieval struct {
	results map[string]retrieval.Result
	failFor map[string]bool
	calls   int
}

func (f *fakeRetrieval) Retrieve(ctx context.Context, companyID uuid.UUID, question string) (retrieval.Result, error) {
	f.calls++
	if f.failFor[question] {
		return retrieval.Result{}, errors.New("retrieval down")
	}
	if res, ok := f.results[question]; ok {
		return res, nil
	}
	return retrieval.Result{VerdictQuery: question, Usage: usage.Counts{Input: 3}}, nil
}

func (f *fakeRetrieval) Search(ctx context.Context, companyID uuid.UUID, query string, limit int) ([]qdrant.PageHit, error) {
	return nil, errors.New("not used")
}

type fakeVerdictLLM struct {
	verdicts map[string]openai.VerdictResult
	failFor  map[string]bool
	calls    int
}

func (f *fakeVerdictLLM) Embed(ctx context.Context, inputs []string) ([][]float32, usage.Counts, error) {
	return nil, usage.Counts{}, errors.New("not used")
}

func (f *fakeVerdictLLM) Decompose(ctx context.Context, question string) (openai.Decomposition, usage.Counts, error) {
	return openai.Decomposition{}, usage.Counts{}, errors.New("not used")
}

func (f *fakeVerdictLLM) Verdict(ctx context.Context, contextText, verdictQuery string) (openai.VerdictResult, usage.Counts, error) {
	f.calls++
	if f.failFor[verdictQuery] {
		return openai.VerdictResult{}, usage.Counts{Input: 1}, errors.New("verdict down")
	}
	if v, ok := f.verdicts[verdictQuery]; ok {
		return v, usage.Counts{Input: 20, Output: 10}, nil
	}
	return openai.VerdictResult{
		FlagStatus:        types.FlagStatusNotFlagged,
		DetailedReasoning: "Nothing found.",
	}, usage.Counts{Input: 20, Output: 10}, nil
}

func (f *fakeVerdictLLM) RecognizePageNumber(ctx context.Context, imagePNG []byte) (openai.PageNumberResult, usage.Counts, error) {
	return openai.PageNumberResult{}, usage.Counts{}, errors.New("not used")
}

func (f *fakeVerdictLLM) DescribeQRCode(ctx context.Context, imagePNG []byte) (openai.QRCodeResult, usage.Counts, error) {
	return openai.QRCodeResult{Found: true, Content: "https://issuer.example"}, usage.Counts{Input: 5}, nil
}

func (f *fakeVerdictLLM) PageHints(ctx context.Context, content string) (openai.PageHintsResult, usage.Counts, error) {
	return openai.PageHintsResult{}, usage.Counts{}, errors.New("not used")
}

type fakePageRepo struct {
	labels map[int]string
}

func (f *fakePageRepo) Upsert(ctx context.Context, tx *gorm.DB, pages []*types.Page) ([]*types.Page, error) {
	return pages, nil
}

func (f *fakePageRepo) GetByCompanyID(ctx context.Context, tx *gorm.DB, companyID uuid.UUID) ([]*types.Page, error) {
	return nil, nil
}

func (f *fakePageRepo) GetByOrdinals(ctx context.Context, tx *gorm.DB, companyID uuid.UUID, ordinals []int) ([]*types.Page, error) {
	var out []*types.Page
	for _, ord := range ordinals {
		if label, ok := f.labels[ord]; ok {
			out = append(out, &types.Page{CompanyID: companyID, PdfOrdinal: ord, DocumentLabel: label})
		}
	}
	return out, nil
}

func (f *fakePageRepo) DeleteByCompanyID(ctx context.Context, tx *gorm.DB, companyID uuid.UUID) error {
	return nil
}

type fakeChecklistItemRepo struct {
	replaced [][]*types.ChecklistItem
}

func (f *fakeChecklistItemRepo) GetByCompanyAndType(ctx context.Context, tx *gorm.DB, companyID uuid.UUID, checklistType types.ChecklistType) ([]*types.ChecklistItem, error) {
	return nil, nil
}

func (f *fakeChecklistItemRepo) ReplaceForCompanyType(ctx context.Context, companyID uuid.UUID, checklistType types.ChecklistType, items []*types.ChecklistItem) error {
	f.replaced = append(f.replaced, items)
	return nil
}

func testDeps(t *testing.T) (ScoreChecklistDeps, *fakeRetrieval, *fakeVerdictLLM, *fakePageRepo, *fakeChecklistItemRepo) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	ret := &fakeRetrieval{results: map[string]retrieval.Result{}, failFor: map[string]bool{}}
	llm := &fakeVerdictLLM{verdicts: map[string]openai.VerdictResult{}, failFor: map[string]bool{}}
	pr := &fakePageRepo{labels: map[int]string{}}
	cr := &fakeChecklistItemRepo{}
	deps := ScoreChecklistDeps{
		Log:               log,
		Retrieval:         ret,
		LLM:               llm,
		PageRepo:          pr,
		ChecklistItemRepo: cr,
	}
	return deps, ret, llm, pr, cr
}

func pageNumbers(t *testing.T, item *types.ChecklistItem) []string {
	t.Helper()
	var out []string
	if err := json.Unmarshal(item.PageNumbers, &out); err != nil {
		t.Fatalf("unmarshal page numbers: %v", err)
	}
	return out
}

func TestScoreChecklistFlaggedRowCitesPrintedLabel(t *testing.T) {
	deps, ret, llm, pr, cr := testDeps(t)
	companyID := uuid.New()

	question := "Has the net worth been negative?"
	ret.results[question] = retrieval.Result{
		VerdictQuery: "Is net worth negative?",
		ContextText:  "Page 2 (printed page \"34\")\nNet worth has been negative for 3 years.",
		Ordinals:     []int{2},
		Usage:        usage.Counts{Input: 8},
	}
	llm.verdicts["Is net worth negative?"] = openai.VerdictResult{
		FlagStatus:        types.FlagStatusFlagged,
		DetailedReasoning: "Negative net worth disclosed on page 2.",
		Citations:         []string{"2"},
	}
	pr.labels[2] = "34"

	out, err := ScoreChecklist(context.Background(), deps, ScoreChecklistInput{
		CompanyID:     companyID,
		ChecklistType: types.ChecklistTypeEligibility,
		Rows:          []Row{{RowIndex: 1, Regulation: "Reg 6(1)", Particulars: question}},
	})
	if err != nil {
		t.Fatalf("ScoreChecklist: %v", err)
	}

	if out.RowsScored != 1 {
		t.Fatalf("expected 1 scored row, got %+v", out)
	}
	if len(cr.replaced) != 1 || len(cr.replaced[0]) != 1 {
		t.Fatalf("expected one replace with one item, got %+v", cr.replaced)
	}
	item := cr.replaced[0][0]
	if item.FlagStatus != types.FlagStatusFlagged {
		t.Fatalf("expected FLAGGED, got %q", item.FlagStatus)
	}
	// The stored citation is the printed label, not the physical ordinal.
	got := pageNumbers(t, item)
	if len(got) != 1 || got[0] != "34" {
		t.Fatalf("expected citation [34], got %v", got)
	}
	if out.Usage.Input != 8+20 || out.Usage.Output != 10 {
		t.Fatalf("unexpected usage %+v", out.Usage)
	}
}

func TestScoreChecklistBlankParticularsSkippedWithoutCalls(t *testing.T) {
	deps, ret, llm, _, cr := testDeps(t)

	out, err := ScoreChecklist(context.Background(), deps, ScoreChecklistInput{
		CompanyID:     uuid.New(),
		ChecklistType: types.ChecklistTypeDisclosure,
		Rows: []Row{
			{RowIndex: 1, Particulars: "   "},
			{RowIndex: 2, Particulars: "Is the auditor named?"},
		},
	})
	if err != nil {
		t.Fatalf("ScoreChecklist: %v", err)
	}

	if out.RowsSkipped != 1 || out.RowsScored != 1 {
		t.Fatalf("expected 1 skipped + 1 scored, got %+v", out)
	}
	if ret.calls != 1 || llm.calls != 1 {
		t.Fatalf("blank row must not trigger model calls: retrieval=%d verdict=%d", ret.calls, llm.calls)
	}
	if len(cr.replaced[0]) != 1 || cr.replaced[0][0].RowIndex != 2 {
		t.Fatalf("skipped row must not produce an item: %+v", cr.replaced[0])
	}
}

func TestScoreChecklistLeavesPreviousSetWhenNothingScores(t *testing.T) {
	deps, ret, _, _, cr := testDeps(t)

	ret.failFor["q1"] = true
	ret.failFor["q2"] = true

	out, err := ScoreChecklist(context.Background(), deps, ScoreChecklistInput{
		CompanyID:     uuid.New(),
		ChecklistType: types.ChecklistTypeEligibility,
		Rows: []Row{
			{RowIndex: 1, Particulars: "q1"},
			{RowIndex: 2, Particulars: "q2"},
		},
	})
	if err != nil {
		t.Fatalf("ScoreChecklist: %v", err)
	}

	if out.RowsFailed != 2 || out.RowsScored != 0 {
		t.Fatalf("expected 2 failed rows, got %+v", out)
	}
	if len(cr.replaced) != 0 {
		t.Fatal("previous result set must be untouched when no row scores")
	}
}

func TestScoreChecklistDropsFailedRowKeepsSiblings(t *testing.T) {
	deps, _, llm, _, cr := testDeps(t)

	llm.failFor["q2"] = true

	out, err := ScoreChecklist(context.Background(), deps, ScoreChecklistInput{
		CompanyID:     uuid.New(),
		ChecklistType: types.ChecklistTypeEligibility,
		Rows: []Row{
			{RowIndex: 1, Particulars: "q1"},
			{RowIndex: 2, Particulars: "q2"},
			{RowIndex: 3, Particulars: "q3"},
		},
	})
	if err != nil {
		t.Fatalf("ScoreChecklist: %v", err)
	}

	if out.RowsScored != 2 || out.RowsFailed != 1 {
		t.Fatalf("expected 2 scored + 1 failed, got %+v", out)
	}
	if len(cr.replaced) != 1 || len(cr.replaced[0]) != 2 {
		t.Fatalf("expected replace with surviving rows, got %+v", cr.replaced)
	}
	for _, item := range cr.replaced[0] {
		if item.RowIndex == 2 {
			t.Fatal("failed row must be dropped from the result set")
		}
	}
}

func TestScoreChecklistUnresolvableCitationIsNA(t *testing.T) {
	deps, ret, llm, pr, cr := testDeps(t)

	ret.results["q"] = retrieval.Result{VerdictQuery: "vq", ContextText: "Page 9\ntext"}
	llm.verdicts["vq"] = openai.VerdictResult{
		FlagStatus:        types.FlagStatusNotFlagged,
		DetailedReasoning: "ok",
		Citations:         []string{"9", "banana"},
	}
	// Ordinal 9 exists but has no printed label.
	pr.labels[9] = ""

	if _, err := ScoreChecklist(context.Background(), deps, ScoreChecklistInput{
		CompanyID:     uuid.New(),
		ChecklistType: types.ChecklistTypeEligibility,
		Rows:          []Row{{RowIndex: 1, Particulars: "q"}},
	}); err != nil {
		t.Fatalf("ScoreChecklist: %v", err)
	}

	got := pageNumbers(t, cr.replaced[0][0])
	if len(got) != 2 || got[0] != "N/A" || got[1] != "N/A" {
		t.Fatalf("expected [N/A N/A], got %v", got)
	}
}

func TestScoreChecklistNoCitationsReportsNA(t *testing.T) {
	deps, ret, llm, _, cr := testDeps(t)

	ret.results["q"] = retrieval.Result{VerdictQuery: "vq"}
	llm.verdicts["vq"] = openai.VerdictResult{
		FlagStatus:        types.FlagStatusNotFlagged,
		DetailedReasoning: "no evidence either way",
	}

	if _, err := ScoreChecklist(context.Background(), deps, ScoreChecklistInput{
		CompanyID:     uuid.New(),
		ChecklistType: types.ChecklistTypeEligibility,
		Rows:          []Row{{RowIndex: 1, Particulars: "q"}},
	}); err != nil {
		t.Fatalf("ScoreChecklist: %v", err)
	}

	got := pageNumbers(t, cr.replaced[0][0])
	if len(got) != 1 || got[0] != "N/A" {
		t.Fatalf("expected [N/A], got %v", got)
	}
}

func TestSpecialRowKindMatching(t *testing.T) {
	qr := Row{Particulars: "Does the cover page carry a QR code linking to the issuer website?"}
	if kind, ok := specialRowKind(types.ChecklistTypeQuestionnaire, qr); !ok || kind != specialKindQRCode {
		t.Fatalf("expected qr kind, got %q %v", kind, ok)
	}

	link := Row{Particulars: "Are the weblinks printed on the first page functional?"}
	if kind, ok := specialRowKind(types.ChecklistTypeQuestionnaire, link); !ok || kind != specialKindLinks {
		t.Fatalf("expected links kind, got %q %v", kind, ok)
	}

	// Only questionnaire rows are special.
	if _, ok := specialRowKind(types.ChecklistTypeEligibility, qr); ok {
		t.Fatal("eligibility rows must never be special")
	}

	plain := Row{Particulars: "Is the auditor named?"}
	if _, ok := specialRowKind(types.ChecklistTypeQuestionnaire, plain); ok {
		t.Fatal("plain questionnaire rows must not be special")
	}
}

func TestScoreChecklistInvalidType(t *testing.T) {
	deps, _, _, _, _ := testDeps(t)
	_, err := ScoreChecklist(context.Background(), deps, ScoreChecklistInput{
		CompanyID:     uuid.New(),
		ChecklistType: types.ChecklistType("bogus"),
		Rows:          []Row{{RowIndex: 1, Particulars: "q"}},
	})
	if err == nil || !strings.Contains(err.Error(), "unknown checklist type") {
		t.Fatalf("expected checklist type error, got %v", err)
	}
}

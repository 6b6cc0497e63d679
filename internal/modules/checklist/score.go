package checklist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/veridoc/prospectus-backend/internal/clients/openai"
	"github.com/veridoc/prospectus-backend/internal/ingestion/extractor"
	"github.com/veridoc/prospectus-backend/internal/modules/retrieval"
	"github.com/veridoc/prospectus-backend/internal/pkg/usage"
	"github.com/veridoc/prospectus-backend/internal/platform/logger"
	"github.com/veridoc/prospectus-backend/internal/repos"
	"github.com/veridoc/prospectus-backend/internal/types"
	"github.com/veridoc/prospectus-backend/internal/utils"
)

const unresolvedCitation = "N/A"

// Row is one checklist question, already parsed from whatever template the
// caller maintains.
type Row struct {
	RowIndex    int    `json:"row_index"`
	Regulation  string `json:"regulation"`
	Particulars string `json:"particulars"`
}

type ScoreChecklistDeps struct {
	Log               *logger.Logger
	Retrieval         retrieval.Service
	LLM               openai.Client
	Extractor         extractor.Extractor
	PageRepo          repos.PageRepo
	ChecklistItemRepo repos.ChecklistItemRepo
	ModelCallLogRepo  repos.ModelCallLogRepo

	// LinkClient issues the outbound requests for link-validation rows.
	LinkClient *http.Client
}

type ScoreChecklistInput struct {
	CompanyID     uuid.UUID
	ChecklistType types.ChecklistType
	Rows          []Row

	// PdfPath is only needed for checklist types containing QR rows.
	PdfPath string
}

type ScoreChecklistOutput struct {
	RowsScored  int
	RowsSkipped int
	RowsFailed  int
	Usage       usage.Counts
}

// ScoreChecklist drives every row through retrieval and a verdict call on a
// bounded worker pool, then atomically replaces the stored result set. Rows
// with blank particulars are skipped without any model call; a row that fails
// is logged and dropped without aborting its siblings. If no row scores, the
// previous result set is left untouched so a systemic outage cannot wipe it.
func ScoreChecklist(ctx context.Context, deps ScoreChecklistDeps, input ScoreChecklistInput) (ScoreChecklistOutput, error) {
	if err := validateDeps(deps); err != nil {
		return ScoreChecklistOutput{}, err
	}
	if input.CompanyID == uuid.Nil {
		return ScoreChecklistOutput{}, fmt.Errorf("company id is required")
	}
	if _, err := types.ParseChecklistType(string(input.ChecklistType)); err != nil {
		return ScoreChecklistOutput{}, err
	}

	log := deps.Log.With(
		"step", "ScoreChecklist",
		"company_id", input.CompanyID.String(),
		"checklist_type", string(input.ChecklistType),
	)

	poolSize := utils.GetEnvAsInt("CHECKLIST_CONCURRENCY", 5, deps.Log)
	if poolSize < 1 {
		poolSize = 1
	}
	collectors := usage.NewPool(poolSize)

	results := make([]*types.ChecklistItem, len(input.Rows))
	skipped := make([]bool, len(input.Rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize)
	for i := range input.Rows {
		idx := i
		row := input.Rows[i]
		collector := collectors[idx%poolSize]
		g.Go(func() error {
			if strings.TrimSpace(row.Particulars) == "" {
				skipped[idx] = true
				return nil
			}
			item, err := scoreRow(gctx, deps, log, input, row, collector)
			if err != nil {
				log.Warn("Checklist row failed, dropping from result set",
					"row_index", row.RowIndex,
					"error", err.Error(),
				)
				return nil
			}
			results[idx] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ScoreChecklistOutput{Usage: usage.Sum(collectors)}, err
	}

	out := ScoreChecklistOutput{Usage: usage.Sum(collectors)}
	items := make([]*types.ChecklistItem, 0, len(input.Rows))
	for i := range input.Rows {
		switch {
		case skipped[i]:
			out.RowsSkipped++
		case results[i] != nil:
			items = append(items, results[i])
			out.RowsScored++
		default:
			out.RowsFailed++
		}
	}

	if out.RowsScored == 0 {
		log.Warn("No checklist rows scored, leaving previous result set untouched",
			"rows_skipped", out.RowsSkipped,
			"rows_failed", out.RowsFailed,
		)
		return out, nil
	}

	if err := deps.ChecklistItemRepo.ReplaceForCompanyType(ctx, input.CompanyID, input.ChecklistType, items); err != nil {
		return out, fmt.Errorf("replace checklist items: %w", err)
	}

	log.Info("Checklist run complete",
		"rows_scored", out.RowsScored,
		"rows_skipped", out.RowsSkipped,
		"rows_failed", out.RowsFailed,
		"input_tokens", out.Usage.Input,
		"output_tokens", out.Usage.Output,
	)
	return out, nil
}

func validateDeps(deps ScoreChecklistDeps) error {
	switch {
	case deps.Log == nil:
		return fmt.Errorf("logger required")
	case deps.Retrieval == nil:
		return fmt.Errorf("retrieval service required")
	case deps.LLM == nil:
		return fmt.Errorf("openai client required")
	case deps.PageRepo == nil:
		return fmt.Errorf("page repo required")
	case deps.ChecklistItemRepo == nil:
		return fmt.Errorf("checklist item repo required")
	}
	return nil
}

func scoreRow(
	ctx context.Context,
	deps ScoreChecklistDeps,
	log *logger.Logger,
	input ScoreChecklistInput,
	row Row,
	collector *usage.Collector,
) (*types.ChecklistItem, error) {
	var contextText, verdictQuery string

	if kind, ok := specialRowKind(input.ChecklistType, row); ok {
		synthesized, counts, err := specialContext(ctx, deps, input, kind)
		collector.Record(counts)
		if err != nil {
			return nil, fmt.Errorf("special row context: %w", err)
		}
		contextText = synthesized
		verdictQuery = row.Particulars
	} else {
		res, err := deps.Retrieval.Retrieve(ctx, input.CompanyID, row.Particulars)
		if err != nil {
			return nil, fmt.Errorf("retrieve context: %w", err)
		}
		collector.Record(res.Usage)
		contextText = res.ContextText
		verdictQuery = res.VerdictQuery
	}

	verdict, counts, err := deps.LLM.Verdict(ctx, contextText, verdictQuery)
	collector.Record(counts)
	logModelCall(ctx, deps, log, input.CompanyID, counts, err)
	if err != nil {
		return nil, fmt.Errorf("verdict call: %w", err)
	}

	labels := resolveCitations(ctx, deps, log, input.CompanyID, verdict.Citations)

	return &types.ChecklistItem{
		CompanyID:     input.CompanyID,
		ChecklistType: input.ChecklistType,
		RowIndex:      row.RowIndex,
		Regulation:    row.Regulation,
		Particulars:   row.Particulars,
		FlagStatus:    normalizeFlagStatus(verdict.FlagStatus),
		Reasoning:     verdict.DetailedReasoning,
		PageNumbers:   marshalStrings(labels),
	}, nil
}

// resolveCitations maps the physical ordinals the verdict cited back to the
// printed page labels humans see in the PDF. An empty or unresolvable
// citation is reported as "N/A" rather than dropped.
func resolveCitations(
	ctx context.Context,
	deps ScoreChecklistDeps,
	log *logger.Logger,
	companyID uuid.UUID,
	citations []string,
) []string {
	if len(citations) == 0 {
		return []string{unresolvedCitation}
	}

	ordinals := make([]int, 0, len(citations))
	for _, c := range citations {
		if ord, err := strconv.Atoi(strings.TrimSpace(c)); err == nil && ord > 0 {
			ordinals = append(ordinals, ord)
		}
	}

	labelByOrdinal := make(map[int]string)
	if len(ordinals) > 0 {
		pages, err := deps.PageRepo.GetByOrdinals(ctx, nil, companyID, ordinals)
		if err != nil {
			log.Warn("Citation lookup failed, reporting citations as unresolved",
				"company_id", companyID.String(),
				"error", err.Error(),
			)
		} else {
			for _, page := range pages {
				labelByOrdinal[page.PdfOrdinal] = page.DocumentLabel
			}
		}
	}

	labels := make([]string, 0, len(citations))
	for _, c := range citations {
		ord, err := strconv.Atoi(strings.TrimSpace(c))
		if err != nil || ord <= 0 {
			labels = append(labels, unresolvedCitation)
			continue
		}
		label, ok := labelByOrdinal[ord]
		if !ok || label == "" {
			labels = append(labels, unresolvedCitation)
			continue
		}
		labels = append(labels, label)
	}
	return labels
}

func normalizeFlagStatus(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case types.FlagStatusFlagged:
		return types.FlagStatusFlagged
	case types.FlagStatusNotFlagged:
		return types.FlagStatusNotFlagged
	case types.FlagStatusFurtherReview:
		return types.FlagStatusFurtherReview
	default:
		return types.FlagStatusFurtherReview
	}
}

// logModelCall writes the audit row best-effort; accounting must never sink
// a scoring run.
func logModelCall(
	ctx context.Context,
	deps ScoreChecklistDeps,
	log *logger.Logger,
	companyID uuid.UUID,
	counts usage.Counts,
	callErr error,
) {
	if deps.ModelCallLogRepo == nil {
		return
	}

	entry := &types.ModelCallLog{
		CompanyID: &companyID,
		CallType:  "checklist_verdict",
		Model:     utils.GetEnv("OPENAI_MODEL", "gpt-4o", nil),
		Success:   callErr == nil,
		Usage:     marshalUsage(counts),
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}

	if _, err := deps.ModelCallLogRepo.Create(ctx, nil, entry); err != nil {
		log.Warn("Model call log write failed", "error", err.Error())
	}
}

func marshalUsage(counts usage.Counts) datatypes.JSON {
	raw, err := json.Marshal(map[string]int{
		"input_tokens":  counts.Input,
		"output_tokens": counts.Output,
	})
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
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

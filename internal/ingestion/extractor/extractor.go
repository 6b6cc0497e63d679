package extractor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/veridoc/prospectus-backend/internal/clients/openai"
	"github.com/veridoc/prospectus-backend/internal/pkg/usage"
	"github.com/veridoc/prospectus-backend/internal/platform/logger"
	"github.com/veridoc/prospectus-backend/internal/utils"
)

// Page is one extracted PDF page. PdfOrdinal is the 1-based physical position;
// DocumentLabel is the printed page number recovered from the footer, empty
// when none was found. A page whose extraction failed still appears, with
// empty Content and DocumentLabel, so downstream ordinals stay contiguous.
type Page struct {
	PdfOrdinal    int
	DocumentLabel string
	Content       string
}

type Extractor interface {
	Extract(ctx context.Context, pdfPath string) ([]Page, usage.Counts, error)
	RenderPage(ctx context.Context, pdfPath string, ordinal int) ([]byte, error)
}

type extractor struct {
	log         *logger.Logger
	llm         openai.Client
	concurrency int
	renderDPI   int
}

func New(log *logger.Logger, llm openai.Client) (Extractor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if llm == nil {
		return nil, fmt.Errorf("openai client required")
	}
	return &extractor{
		log:         log.With("service", "PDFExtractor"),
		llm:         llm,
		concurrency: utils.GetEnvAsInt("EXTRACT_CONCURRENCY", 10, log),
		renderDPI:   utils.GetEnvAsInt("EXTRACT_RENDER_DPI", 150, log),
	}, nil
}

// Extract pulls text and footer page labels for every page of the PDF. Pages
// are processed concurrently; a failure on one page is logged and yields an
// empty entry for that ordinal rather than failing the whole document.
func (e *extractor) Extract(ctx context.Context, pdfPath string) ([]Page, usage.Counts, error) {
	pageCount, err := e.pageCount(ctx, pdfPath)
	if err != nil {
		return nil, usage.Counts{}, err
	}
	if pageCount == 0 {
		return []Page{}, usage.Counts{}, nil
	}

	poolSize := e.concurrency
	if poolSize < 1 {
		poolSize = 1
	}
	collectors := usage.NewPool(poolSize)

	pages := make([]Page, pageCount)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize)
	for i := 0; i < pageCount; i++ {
		idx := i
		ordinal := i + 1
		collector := collectors[idx%poolSize]
		g.Go(func() error {
			page, pErr := e.extractPage(gctx, pdfPath, ordinal, collector)
			if pErr != nil {
				e.log.Warn("Page extraction failed, emitting empty page",
					"pdf_path", pdfPath,
					"pdf_ordinal", ordinal,
					"error", pErr.Error(),
				)
				pages[idx] = Page{PdfOrdinal: ordinal}
				return nil
			}
			pages[idx] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, usage.Sum(collectors), err
	}

	return pages, usage.Sum(collectors), nil
}

func (e *extractor) extractPage(ctx context.Context, pdfPath string, ordinal int, collector *usage.Collector) (Page, error) {
	content, err := e.pageText(ctx, pdfPath, ordinal)
	if err != nil {
		return Page{}, err
	}

	label := e.recoverLabel(ctx, pdfPath, ordinal, collector)

	return Page{
		PdfOrdinal:    ordinal,
		DocumentLabel: label,
		Content:       content,
	}, nil
}

// recoverLabel renders the page, crops the footer band, and asks the vision
// model for the printed page number. Any failure here degrades to an empty
// label; a missing label must never sink the page.
func (e *extractor) recoverLabel(ctx context.Context, pdfPath string, ordinal int, collector *usage.Collector) string {
	render, err := e.RenderPage(ctx, pdfPath, ordinal)
	if err != nil {
		e.log.Warn("Page render failed, skipping footer recognition",
			"pdf_ordinal", ordinal, "error", err.Error())
		return ""
	}

	footer, ok, err := FooterPNG(render)
	if err != nil {
		e.log.Warn("Footer crop failed, skipping footer recognition",
			"pdf_ordinal", ordinal, "error", err.Error())
		return ""
	}
	if !ok {
		return ""
	}

	result, counts, err := e.llm.RecognizePageNumber(ctx, footer)
	collector.Record(counts)
	if err != nil {
		e.log.Warn("Page number recognition failed",
			"pdf_ordinal", ordinal, "error", err.Error())
		return ""
	}
	if !result.IsPageNumber {
		return ""
	}
	return result.PageNumber
}

// pageText extracts one page in reading order, then re-extracts with layout
// preserved. When the layout pass looks tabular the layout text is appended
// under a [TABLES] marker so table cells survive for retrieval.
func (e *extractor) pageText(ctx context.Context, pdfPath string, ordinal int) (string, error) {
	raw, err := e.pdftotext(ctx, pdfPath, ordinal, "-raw")
	if err != nil {
		return "", err
	}

	layout, err := e.pdftotext(ctx, pdfPath, ordinal, "-layout")
	if err != nil {
		// Layout pass is an enrichment; keep the raw text.
		e.log.Warn("Layout extraction failed, keeping raw text only",
			"pdf_ordinal", ordinal, "error", err.Error())
		return strings.TrimSpace(raw), nil
	}

	content := strings.TrimSpace(raw)
	if looksTabular(layout) {
		content = content + "\n\n[TABLES]\n" + strings.TrimSpace(layout)
	}
	return content, nil
}

func (e *extractor) pdftotext(ctx context.Context, pdfPath string, ordinal int, modeFlag string) (string, error) {
	args := []string{
		"-f", strconv.Itoa(ordinal),
		"-l", strconv.Itoa(ordinal),
		modeFlag,
		pdfPath,
		"-",
	}
	cmd := exec.CommandContext(ctx, "pdftotext", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pdftotext %s page %d: %w: %s", modeFlag, ordinal, err, stderr.String())
	}
	return stdout.String(), nil
}

// RenderPage rasterizes one page to PNG via pdftoppm.
func (e *extractor) RenderPage(ctx context.Context, pdfPath string, ordinal int) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "page-render-*")
	if err != nil {
		return nil, fmt.Errorf("create render dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	args := []string{
		"-png",
		"-r", strconv.Itoa(e.renderDPI),
		"-f", strconv.Itoa(ordinal),
		"-l", strconv.Itoa(ordinal),
		"-singlefile",
		pdfPath,
		prefix,
	}
	cmd := exec.CommandContext(ctx, "pdftoppm", args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm page %d: %w: %s", ordinal, err, stderr.String())
	}

	render, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("read page render: %w", err)
	}
	return render, nil
}

var pdfinfoPagesRe = regexp.MustCompile(`(?m)^Pages:\s+(\d+)`)

func (e *extractor) pageCount(ctx context.Context, pdfPath string) (int, error) {
	cmd := exec.CommandContext(ctx, "pdfinfo", pdfPath)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("pdfinfo: %w: %s", err, stderr.String())
	}

	match := pdfinfoPagesRe.FindStringSubmatch(stdout.String())
	if match == nil {
		return 0, fmt.Errorf("pdfinfo output missing page count for %s", pdfPath)
	}
	count, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, fmt.Errorf("pdfinfo page count %q: %w", match[1], err)
	}
	return count, nil
}

var multiSpaceRunRe = regexp.MustCompile(`\S {3,}\S`)

// looksTabular reports whether layout-preserved text resembles a table:
// several lines containing two or more wide space runs between tokens.
func looksTabular(layout string) bool {
	tabularLines := 0
	for _, line := range strings.Split(layout, "\n") {
		if len(multiSpaceRunRe.FindAllStringIndex(line, 3)) >= 2 {
			tabularLines++
			if tabularLines >= 3 {
				return true
			}
		}
	}
	return false
}

package checklist

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/veridoc/prospectus-backend/internal/pkg/usage"
	"github.com/veridoc/prospectus-backend/internal/types"
)

type specialKind string

const (
	specialKindQRCode specialKind = "qr_code"
	specialKindLinks  specialKind = "links"
)

// specialRowKind matches questionnaire rows whose answer source is a side
// computation on the document's first page instead of the vector index.
func specialRowKind(checklistType types.ChecklistType, row Row) (specialKind, bool) {
	if checklistType != types.ChecklistTypeQuestionnaire {
		return "", false
	}
	text := strings.ToLower(row.Regulation + " " + row.Particulars)
	if strings.Contains(text, "qr code") || strings.Contains(text, "qr-code") {
		return specialKindQRCode, true
	}
	if strings.Contains(text, "weblink") || strings.Contains(text, "web link") ||
		strings.Contains(text, "website link") || strings.Contains(text, "hyperlink") {
		return specialKindLinks, true
	}
	return "", false
}

func specialContext(ctx context.Context, deps ScoreChecklistDeps, input ScoreChecklistInput, kind specialKind) (string, usage.Counts, error) {
	switch kind {
	case specialKindQRCode:
		return qrCodeContext(ctx, deps, input)
	case specialKindLinks:
		counts := usage.Counts{}
		text, err := linkContext(ctx, deps, input)
		return text, counts, err
	default:
		return "", usage.Counts{}, fmt.Errorf("unknown special row kind %q", kind)
	}
}

// qrCodeContext renders the cover page and asks the vision model whether a
// QR code is present, synthesizing the finding into verdict context.
func qrCodeContext(ctx context.Context, deps ScoreChecklistDeps, input ScoreChecklistInput) (string, usage.Counts, error) {
	if deps.Extractor == nil {
		return "", usage.Counts{}, fmt.Errorf("extractor required for qr code rows")
	}
	if strings.TrimSpace(input.PdfPath) == "" {
		return "", usage.Counts{}, fmt.Errorf("pdf path required for qr code rows")
	}

	render, err := deps.Extractor.RenderPage(ctx, input.PdfPath, 1)
	if err != nil {
		return "", usage.Counts{}, fmt.Errorf("render cover page: %w", err)
	}

	result, counts, err := deps.LLM.DescribeQRCode(ctx, render)
	if err != nil {
		return "", counts, fmt.Errorf("qr code check: %w", err)
	}

	if !result.Found {
		return "Cover page inspection: no QR code is visible on the document's first page.", counts, nil
	}
	text := "Cover page inspection: a QR code is present on the document's first page."
	if result.Content != "" {
		text += " It encodes: " + result.Content
	}
	return text, counts, nil
}

var urlRe = regexp.MustCompile(`https?://[^\s)\]>"']+`)

// linkContext pulls the URLs printed on the cover page and probes each with
// a HEAD request, synthesizing reachability results into verdict context.
func linkContext(ctx context.Context, deps ScoreChecklistDeps, input ScoreChecklistInput) (string, error) {
	pages, err := deps.PageRepo.GetByOrdinals(ctx, nil, input.CompanyID, []int{1})
	if err != nil {
		return "", fmt.Errorf("load cover page: %w", err)
	}
	if len(pages) == 0 {
		return "Cover page inspection: the document's first page has not been ingested.", nil
	}

	urls := dedupeURLs(urlRe.FindAllString(pages[0].Content, -1))
	if len(urls) == 0 {
		return "Cover page inspection: no web links are printed on the document's first page.", nil
	}

	client := deps.LinkClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	var b strings.Builder
	b.WriteString("Cover page inspection: web links printed on the document's first page.\n")
	for _, u := range urls {
		b.WriteString(fmt.Sprintf("- %s: %s\n", u, probeLink(ctx, client, u)))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func probeLink(ctx context.Context, client *http.Client, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "invalid URL"
	}
	resp, err := client.Do(req)
	if err != nil {
		return "unreachable"
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Sprintf("returned HTTP %d", resp.StatusCode)
	}
	return "reachable"
}

func dedupeURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimRight(u, ".,;")
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

package extract

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

// RenderHeuristic decides whether a static fetch returned a JavaScript
// shell that needs a headless re-fetch.
type RenderHeuristic struct {
	BodyLengthThreshold int
	MinWords            int
}

// NewRenderHeuristic creates a heuristic with defaults for zero values.
func NewRenderHeuristic(threshold, minWords int) *RenderHeuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	if minWords <= 0 {
		minWords = 50
	}
	return &RenderHeuristic{BodyLengthThreshold: threshold, MinWords: minWords}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// NeedsRender reports whether resp looks client rendered given the number
// of words static extraction managed to pull out of it.
func (h *RenderHeuristic) NeedsRender(resp newsdesk.FetchResponse, extractedWords int) bool {
	if resp.UsedHeadless || resp.StatusCode != http.StatusOK {
		return false
	}
	if extractedWords >= h.MinWords {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements cover a quarter or
// more of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for pos < total {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := total
		if closeRel := strings.Index(lower[start:], closeTag); closeRel != -1 {
			end = start + closeRel + len(closeTag)
		}
		covered += end - start
		pos = end
	}
	return covered*100/total >= 25
}

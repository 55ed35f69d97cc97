// Package extract turns article HTML into plain body text.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// ErrNoContent is returned when neither strategy yields any text.
var ErrNoContent = errors.New("no article text found")

// Method names the strategy that produced a Result.
type Method string

// Extraction strategies.
const (
	MethodReadability Method = "readability"
	MethodParagraphs  Method = "paragraphs"
)

// Result is the extracted article text.
type Result struct {
	Title     string
	Text      string
	WordCount int
	Method    Method
}

// Extractor runs readability first and falls back to a paragraph scrape
// when readability returns too little text.
type Extractor struct {
	MinWords int
}

// New creates an Extractor. minWords <= 0 uses 50.
func New(minWords int) *Extractor {
	if minWords <= 0 {
		minWords = 50
	}
	return &Extractor{MinWords: minWords}
}

// Extract parses body fetched from pageURL.
func (e *Extractor) Extract(pageURL string, body []byte) (Result, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Result{}, ErrNoContent
	}

	best := Result{}
	if res, err := e.readability(pageURL, body); err == nil {
		if res.WordCount >= e.MinWords {
			return res, nil
		}
		best = res
	}

	res, err := paragraphs(body)
	if err != nil && best.WordCount == 0 {
		return Result{}, err
	}
	if res.WordCount > best.WordCount {
		if res.Title == "" {
			res.Title = best.Title
		}
		best = res
	}
	if best.WordCount == 0 {
		return Result{}, ErrNoContent
	}
	return best, nil
}

func (e *Extractor) readability(pageURL string, body []byte) (Result, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return Result{}, fmt.Errorf("parse page url: %w", err)
	}
	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err != nil {
		return Result{}, fmt.Errorf("readability: %w", err)
	}
	text := CollapseSpace(article.TextContent)
	return Result{
		Title:     strings.TrimSpace(article.Title),
		Text:      text,
		WordCount: WordCount(text),
		Method:    MethodReadability,
	}, nil
}

const nonContentSelectors = "script, style, nav, header, footer, aside, form, figure figcaption"

// paragraphs joins <p> text inside the first <article>, or the whole body.
func paragraphs(body []byte) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}
	doc.Find(nonContentSelectors).Remove()

	scope := doc.Find("article").First()
	if scope.Length() == 0 {
		scope = doc.Find("body").First()
	}

	var parts []string
	scope.Find("p").Each(func(_ int, s *goquery.Selection) {
		if text := CollapseSpace(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	text := strings.Join(parts, "\n\n")

	return Result{
		Title:     CollapseSpace(doc.Find("title").First().Text()),
		Text:      text,
		WordCount: WordCount(text),
		Method:    MethodParagraphs,
	}, nil
}

// WordCount counts whitespace separated tokens.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// CollapseSpace trims text and squeezes runs of whitespace to one space.
func CollapseSpace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

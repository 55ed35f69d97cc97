// Package feed pulls RSS, Atom and JSON feeds for the configured sources.
package feed

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

// Parse decodes a feed body into raw items tagged with sourceID.
func Parse(sourceID string, body []byte) ([]newsdesk.RawItem, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	items := make([]newsdesk.RawItem, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		if entry == nil {
			continue
		}
		items = append(items, newsdesk.RawItem{
			SourceID:    sourceID,
			Title:       entry.Title,
			Link:        itemLink(entry),
			GUID:        entry.GUID,
			Summary:     entry.Description,
			Content:     entry.Content,
			Author:      itemAuthor(entry),
			PublishedAt: itemTime(entry),
		})
	}
	return items, nil
}

// itemLink prefers the explicit link and falls back to a URL-shaped GUID.
func itemLink(entry *gofeed.Item) string {
	if link := strings.TrimSpace(entry.Link); link != "" {
		return link
	}
	for _, link := range entry.Links {
		if link = strings.TrimSpace(link); link != "" {
			return link
		}
	}
	if strings.HasPrefix(entry.GUID, "http") {
		return entry.GUID
	}
	return ""
}

func itemAuthor(entry *gofeed.Item) string {
	if entry.Author != nil && entry.Author.Name != "" {
		return entry.Author.Name
	}
	for _, a := range entry.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	return ""
}

func itemTime(entry *gofeed.Item) *time.Time {
	ts := entry.PublishedParsed
	if ts == nil {
		ts = entry.UpdatedParsed
	}
	if ts == nil || ts.IsZero() {
		return nil
	}
	utc := ts.UTC()
	return &utc
}

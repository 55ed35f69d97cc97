// Package normalize converts raw feed items into article records and
// derives their dedup keys.
package normalize

import (
	"html"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/JakeFAU/defense-newsdesk/internal/hash/sha256"
	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

const (
	// SummaryLimit caps the stored summary in runes.
	SummaryLimit = 600
	keyLength    = 32
)

// Normalizer turns RawItems into ArticleRecords.
type Normalizer struct {
	policy *bluemonday.Policy
	clock  newsdesk.Clock
}

// New creates a Normalizer. FetchedAt is stamped from clock.
func New(clock newsdesk.Clock) *Normalizer {
	return &Normalizer{policy: bluemonday.StrictPolicy(), clock: clock}
}

// Normalize maps item onto an article. It returns false when the item has
// neither a usable URL nor a usable title.
func (n *Normalizer) Normalize(item newsdesk.RawItem) (newsdesk.ArticleRecord, bool) {
	title := n.Clean(item.Title)
	canonical, urlOK := CanonicalURL(item.Link)
	if !urlOK && title == "" {
		return newsdesk.ArticleRecord{}, false
	}
	link := ""
	if urlOK {
		link = strings.TrimSpace(item.Link)
	}
	if title == "" {
		title = link
	}

	summary := n.Clean(item.Summary)
	if summary == "" {
		summary = n.Clean(item.Content)
	}

	var published *time.Time
	if item.PublishedAt != nil && !item.PublishedAt.IsZero() {
		ts := item.PublishedAt.UTC()
		published = &ts
	}

	return newsdesk.ArticleRecord{
		ID:            DedupKey(item.SourceID, title, link, published),
		Title:         title,
		Summary:       Truncate(summary, SummaryLimit),
		URL:           link,
		CanonicalURL:  canonical,
		SourceID:      item.SourceID,
		PublishedAt:   published,
		FetchedAt:     n.clock.Now(),
		ContentStatus: newsdesk.ContentPending,
		TopicStatus:   newsdesk.TopicPending,
	}, true
}

// NormalizeAll maps items and collapses records sharing a dedup key. The
// first observation wins; later ones only fill empty fields.
func (n *Normalizer) NormalizeAll(items []newsdesk.RawItem) []newsdesk.ArticleRecord {
	out := make([]newsdesk.ArticleRecord, 0, len(items))
	index := make(map[string]int, len(items))
	for _, it := range items {
		rec, ok := n.Normalize(it)
		if !ok {
			continue
		}
		if i, seen := index[rec.ID]; seen {
			out[i] = fill(out[i], rec)
			continue
		}
		index[rec.ID] = len(out)
		out = append(out, rec)
	}
	return out
}

func fill(dst, src newsdesk.ArticleRecord) newsdesk.ArticleRecord {
	if dst.Summary == "" {
		dst.Summary = src.Summary
	}
	if dst.PublishedAt == nil {
		dst.PublishedAt = src.PublishedAt
	}
	return dst
}

// Clean strips markup, decodes entities and collapses whitespace.
func (n *Normalizer) Clean(s string) string {
	if s == "" {
		return ""
	}
	stripped := n.policy.Sanitize(s)
	// Sanitize re-escapes text; decode twice to undo feeds that double encode.
	decoded := html.UnescapeString(html.UnescapeString(stripped))
	return strings.Join(strings.Fields(decoded), " ")
}

// Truncate cuts s to at most limit runes on a word boundary when possible.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	cut := string(runes[:limit-1])
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}

// DedupKey derives the article identity. Usable URLs hash their canonical
// form; otherwise source, lowercased title and publish date are hashed.
func DedupKey(sourceID, title, link string, published *time.Time) string {
	if canonical, ok := CanonicalURL(link); ok {
		return sha256.Key("u_", keyLength, canonical)
	}
	day := ""
	if published != nil {
		day = published.UTC().Format(time.DateOnly)
	}
	return sha256.Key("t_", keyLength, sourceID, strings.ToLower(title), day)
}

// SourceID returns the configured slug, or one derived from the feed URL's
// host and path.
func SourceID(cfg newsdesk.SourceConfig) string {
	if id := slug(cfg.ID); id != "" {
		return id
	}
	u, err := url.Parse(strings.TrimSpace(cfg.FeedURL))
	if err != nil || u.Host == "" {
		return slug(cfg.FeedURL)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return slug(host + "-" + u.Path)
}

// Sources resolves source configs into records with stable ids. Duplicate
// ids keep the first entry.
func Sources(cfgs []newsdesk.SourceConfig) []newsdesk.SourceRecord {
	out := make([]newsdesk.SourceRecord, 0, len(cfgs))
	seen := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		id := SourceID(cfg)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			name = id
		}
		out = append(out, newsdesk.SourceRecord{
			ID:      id,
			Name:    name,
			FeedURL: strings.TrimSpace(cfg.FeedURL),
			Badge:   cfg.Badge,
			Role:    newsdesk.ParseRole(cfg.Role),
		})
	}
	return out
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

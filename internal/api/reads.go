package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

const (
	defaultStoryLimit = 50
	maxStoryLimit     = 200
	readTimeout       = 3 * time.Second
)

// Store is the subset of persistence the HTTP surface reads and writes.
type Store interface {
	newsdesk.ReadStore
	ActiveClusters(ctx context.Context) ([]newsdesk.StoryCluster, error)
	LinkContract(ctx context.Context, link newsdesk.ContractLink) error
}

// ReadHandler exposes stories, articles and contract links to downstream
// consumers.
type ReadHandler struct {
	store   Store
	timeout time.Duration
	logger  *zap.Logger
}

// NewReadHandler wires the store and logger.
func NewReadHandler(store Store, logger *zap.Logger) *ReadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadHandler{store: store, timeout: readTimeout, logger: logger}
}

// ListStories handles GET /v1/stories?topic=&limit=&offset=. Stories are
// ordered by congestion score, then most recent activity.
func (h *ReadHandler) ListStories(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultStoryLimit, maxStoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	topic := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("topic")))

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	clusters, err := h.store.ActiveClusters(ctx)
	if err != nil {
		h.storeError(w, err, "list stories")
		return
	}
	filtered := clusters[:0]
	for _, c := range clusters {
		if topic == "" || c.Topic == topic {
			filtered = append(filtered, c)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if a.CongestionScore != b.CongestionScore {
			return a.CongestionScore > b.CongestionScore
		}
		if !a.LatestPublishedAt.Equal(b.LatestPublishedAt) {
			return a.LatestPublishedAt.After(b.LatestPublishedAt)
		}
		return a.Key < b.Key
	})
	if offset >= len(filtered) {
		filtered = nil
	} else {
		filtered = filtered[offset:]
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	out := make([]storySummary, 0, len(filtered))
	for _, c := range filtered {
		summary := toStorySummary(c)
		d, err := h.store.Digest(ctx, c.Key)
		switch {
		case err == nil:
			summary.Headline = d.Headline
			summary.RiskLevel = string(d.RiskLevel)
			summary.ReviewStatus = string(d.ReviewStatus)
		case !errors.Is(err, newsdesk.ErrNotFound):
			h.storeError(w, err, "load digest")
			return
		}
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"stories": out})
}

// GetStory handles GET /v1/stories/{cluster_key}. Superseded clusters are
// returned as stored so callers can follow superseded_by.
func (h *ReadHandler) GetStory(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	key := chi.URLParam(r, "cluster_key")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c, err := h.store.Cluster(ctx, key)
	if err != nil {
		h.storeError(w, err, "story")
		return
	}
	var digest *newsdesk.StoryDigest
	d, err := h.store.Digest(ctx, key)
	switch {
	case err == nil:
		digest = &d
	case !errors.Is(err, newsdesk.ErrNotFound):
		h.storeError(w, err, "digest")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cluster": c, "digest": digest})
}

// GetArticle handles GET /v1/articles/{article_id}.
func (h *ReadHandler) GetArticle(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	id := chi.URLParam(r, "article_id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	article, err := h.store.Article(ctx, id)
	if err != nil {
		h.storeError(w, err, "article")
		return
	}
	links, err := h.store.ContractLinks(ctx, id)
	if err != nil && !errors.Is(err, newsdesk.ErrLegacySchema) {
		h.storeError(w, err, "contract links")
		return
	}
	if links == nil {
		links = []newsdesk.ContractLink{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"article": article, "contract_links": links})
}

type linkRequest struct {
	ContractID string  `json:"contract_id"`
	MatchType  string  `json:"match_type"`
	Confidence float64 `json:"confidence"`
}

// LinkContract handles POST /v1/articles/{article_id}/contracts.
func (h *ReadHandler) LinkContract(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.ContractID = strings.TrimSpace(req.ContractID)
	if req.ContractID == "" {
		writeError(w, http.StatusBadRequest, "contract_id required")
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		writeError(w, http.StatusBadRequest, "confidence must be within [0,1]")
		return
	}
	if req.MatchType == "" {
		req.MatchType = "manual"
	}
	link := newsdesk.ContractLink{
		ArticleID:  chi.URLParam(r, "article_id"),
		ContractID: req.ContractID,
		MatchType:  req.MatchType,
		Confidence: req.Confidence,
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.store.LinkContract(ctx, link); err != nil {
		h.storeError(w, err, "article")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"contract_link": link})
}

func (h *ReadHandler) storeError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, newsdesk.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, newsdesk.ErrLegacySchema):
		writeError(w, http.StatusConflict, "enriched schema unavailable")
	default:
		h.logger.Error("store read failed", zap.String("what", what), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load "+what)
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type storySummary struct {
	ClusterKey         string    `json:"cluster_key"`
	Topic              string    `json:"topic"`
	TopicLabel         string    `json:"topic_label"`
	Headline           string    `json:"headline,omitempty"`
	RiskLevel          string    `json:"risk_level,omitempty"`
	ReviewStatus       string    `json:"review_status,omitempty"`
	MemberCount        int       `json:"member_count"`
	ArticleCount24h    int       `json:"article_count_24h"`
	UniqueSources24h   int       `json:"unique_sources_24h"`
	CongestionScore    float64   `json:"congestion_score"`
	CongestionBucket   int       `json:"congestion_bucket"`
	PressReleaseDriven bool      `json:"press_release_driven"`
	OpinionLimited     bool      `json:"opinion_limited"`
	NeedsDigest        bool      `json:"needs_digest"`
	LatestPublishedAt  time.Time `json:"latest_published_at"`
}

func toStorySummary(c newsdesk.StoryCluster) storySummary {
	return storySummary{
		ClusterKey:         c.Key,
		Topic:              c.Topic,
		TopicLabel:         c.TopicLabel,
		MemberCount:        len(c.Members),
		ArticleCount24h:    c.ArticleCount24h,
		UniqueSources24h:   c.UniqueSources24h,
		CongestionScore:    c.CongestionScore,
		CongestionBucket:   c.CongestionBucket,
		PressReleaseDriven: c.PressReleaseDriven,
		OpinionLimited:     c.OpinionLimited,
		NeedsDigest:        c.NeedsDigest,
		LatestPublishedAt:  c.LatestPublishedAt,
	}
}

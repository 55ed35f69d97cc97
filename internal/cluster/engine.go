package cluster

import (
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/hash/sha256"
	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

const keyPrefix = "sc_"

// Result is the outcome of one clustering pass.
type Result struct {
	// Active holds every live cluster with signals recomputed, sorted by key.
	Active []newsdesk.StoryCluster
	// Superseded holds prior records whose membership changed.
	Superseded []newsdesk.StoryCluster
	// Assigned counts articles that joined or formed a cluster this pass.
	Assigned int
}

// Engine assigns articles to clusters. It is pure: the same inputs always
// produce the same keys and membership.
type Engine struct {
	policy Policy
	logger *zap.Logger
}

// NewEngine constructs an Engine.
func NewEngine(policy Policy, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{policy: policy.WithDefaults(), logger: logger}
}

// Policy returns the effective policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

type working struct {
	cluster  newsdesk.StoryCluster
	priorKey string
	ident    string
	latest   time.Time
	changed  bool
}

// Cluster folds articles into existing clusters or new ones. roles maps
// source id to its role; unknown sources count as reporting.
func (e *Engine) Cluster(
	articles []newsdesk.ArticleRecord,
	existing []newsdesk.StoryCluster,
	roles map[string]newsdesk.SourceRole,
	now time.Time,
) Result {
	clusters := make([]*working, 0, len(existing))
	member := make(map[string]bool)
	for _, c := range existing {
		if c.SupersededBy != "" || len(c.Members) == 0 {
			continue
		}
		w := &working{cluster: c, priorKey: c.Key, ident: c.Key}
		w.cluster.Members = append([]newsdesk.ClusterMember(nil), c.Members...)
		for i, m := range w.cluster.Members {
			member[m.ArticleID] = true
			if role, ok := roles[m.SourceID]; ok {
				w.cluster.Members[i].Role = role
			}
			if m.PublishedAt.After(w.latest) {
				w.latest = m.PublishedAt
			}
		}
		clusters = append(clusters, w)
	}

	pending := make([]newsdesk.ArticleRecord, 0, len(articles))
	for _, a := range articles {
		if member[a.ID] {
			continue
		}
		if _, ok := a.PrimaryTopic(); !ok {
			continue
		}
		member[a.ID] = true
		pending = append(pending, a)
	}
	sort.Slice(pending, func(i, j int) bool {
		ti, tj := articleTime(pending[i]), articleTime(pending[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return pending[i].ID < pending[j].ID
	})

	assigned := 0
	for _, a := range pending {
		topic, _ := a.PrimaryTopic()
		at := articleTime(a)
		m := newsdesk.ClusterMember{
			ArticleID:   a.ID,
			SourceID:    a.SourceID,
			Role:        roleOf(roles, a.SourceID),
			PublishedAt: at,
		}
		target := e.nearest(clusters, topic.Slug, at)
		if target == nil {
			target = &working{
				cluster: newsdesk.StoryCluster{Topic: topic.Slug, TopicLabel: topic.Label},
				ident:   a.ID,
			}
			clusters = append(clusters, target)
		}
		target.cluster.Members = append(target.cluster.Members, m)
		if at.After(target.latest) {
			target.latest = at
		}
		target.changed = true
		assigned++
	}

	result := Result{Assigned: assigned}
	for _, w := range clusters {
		c := e.finalize(w.cluster, now)
		if w.priorKey != "" && w.priorKey != c.Key {
			old := w.cluster
			for _, ex := range existing {
				if ex.Key == w.priorKey {
					old = ex
					break
				}
			}
			old.SupersededBy = c.Key
			old.UpdatedAt = now
			result.Superseded = append(result.Superseded, old)
			c.DigestSignature = ""
			c.NeedsDigest = false
			e.logger.Debug("cluster superseded",
				zap.String("old_key", w.priorKey),
				zap.String("new_key", c.Key),
				zap.Int("members", len(c.Members)))
		}
		result.Active = append(result.Active, c)
	}
	sort.Slice(result.Active, func(i, j int) bool { return result.Active[i].Key < result.Active[j].Key })
	sort.Slice(result.Superseded, func(i, j int) bool { return result.Superseded[i].Key < result.Superseded[j].Key })
	return result
}

// nearest picks the same-topic cluster whose latest member is closest to at
// and within the window. Ties go to the lexically smaller identity.
func (e *Engine) nearest(clusters []*working, topic string, at time.Time) *working {
	var (
		best     *working
		bestDist time.Duration
	)
	for _, w := range clusters {
		if w.cluster.Topic != topic {
			continue
		}
		dist := at.Sub(w.latest)
		if dist < 0 {
			dist = -dist
		}
		if dist > e.policy.window() {
			continue
		}
		if best == nil || dist < bestDist || (dist == bestDist && w.ident < best.ident) {
			best, bestDist = w, dist
		}
	}
	return best
}

// finalize orders members, picks the representative, derives the key and
// recomputes every signal relative to now.
func (e *Engine) finalize(c newsdesk.StoryCluster, now time.Time) newsdesk.StoryCluster {
	sort.Slice(c.Members, func(i, j int) bool { return memberLess(c.Members[i], c.Members[j]) })
	c.RepresentativeID = c.Members[0].ArticleID
	c.Key = Key(c.RepresentativeID, c.MemberIDs())

	cutoff := now.Add(-24 * time.Hour)
	sources := make(map[string]bool)
	c.ArticleCount24h = 0
	c.RoleCounts = newsdesk.RoleCounts{}
	c.LatestPublishedAt = time.Time{}
	for _, m := range c.Members {
		c.RoleCounts.Add(m.Role)
		if m.PublishedAt.After(c.LatestPublishedAt) {
			c.LatestPublishedAt = m.PublishedAt
		}
		if !m.PublishedAt.Before(cutoff) && !m.PublishedAt.After(now) {
			c.ArticleCount24h++
			sources[m.SourceID] = true
		}
	}
	c.UniqueSources24h = len(sources)
	c.CongestionScore = CongestionScore(c.ArticleCount24h, c.UniqueSources24h)
	c.CongestionBucket = e.policy.Bucket(c.CongestionScore)

	total := float64(c.RoleCounts.Total())
	c.PressReleaseDriven = total > 0 && float64(c.RoleCounts.Official)/total > e.policy.OfficialMajority
	c.OpinionLimited = total > 0 && float64(c.RoleCounts.Opinion)/total > e.policy.OpinionCeiling
	c.UpdatedAt = now
	return c
}

// Key derives the cluster identity from its representative and members.
func Key(representativeID string, memberIDs []string) string {
	ids := append([]string(nil), memberIDs...)
	sort.Strings(ids)
	return sha256.Key(keyPrefix, 32, append([]string{representativeID}, ids...)...)
}

// Signature captures the fields whose change warrants a new digest.
func Signature(c newsdesk.StoryCluster) string {
	return sha256.Key("", 16,
		c.Key,
		strconv.Itoa(c.CongestionBucket),
		boolString(c.PressReleaseDriven),
		boolString(c.OpinionLimited))
}

// NeedsRegeneration reports whether c's digest is missing or stale.
func NeedsRegeneration(c newsdesk.StoryCluster) bool {
	return c.NeedsDigest || c.DigestSignature != Signature(c)
}

// memberLess orders by citation worthiness, then earliest, then id.
func memberLess(a, b newsdesk.ClusterMember) bool {
	if a.Role.Rank() != b.Role.Rank() {
		return a.Role.Rank() < b.Role.Rank()
	}
	if !a.PublishedAt.Equal(b.PublishedAt) {
		return a.PublishedAt.Before(b.PublishedAt)
	}
	return a.ArticleID < b.ArticleID
}

func articleTime(a newsdesk.ArticleRecord) time.Time {
	if a.PublishedAt != nil {
		return a.PublishedAt.UTC()
	}
	return a.FetchedAt.UTC()
}

func roleOf(roles map[string]newsdesk.SourceRole, sourceID string) newsdesk.SourceRole {
	if role, ok := roles[sourceID]; ok {
		return role
	}
	return newsdesk.RoleReporting
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

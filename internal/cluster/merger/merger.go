// Package merger implements story deduplication: token-Jaccard similarity
// grouping via union-find, followed by a field-by-field fold of every
// duplicate into a canonical row.
package merger

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Story is the subset of a story row the merger reasons about. String
// fields use the empty string to mean SQL NULL; float fields use NaN.
type Story struct {
	ID                 string
	TeamID             string
	RequirementID      string
	Title              string
	Description        string
	AcceptanceCriteria string
	AssignedAgentID    string
	BranchName         string
	PRURL              string
	ComplexityScore    float64 // NaN means null
	StoryPoints        float64 // NaN means null
	Status             string
}

var statusOrder = map[string]int{
	"draft":        0,
	"estimated":    1,
	"planned":      2,
	"in_progress":  3,
	"review":       4,
	"qa":           5,
	"qa_failed":    6,
	"pr_submitted": 7,
	"merged":       8,
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// tokenize lowercases title+description and returns the set of
// alphanumeric tokens of length >= 3.
func tokenize(title, description string) map[string]struct{} {
	text := strings.ToLower(title + " " + description)
	tokens := make(map[string]struct{})
	for _, tok := range tokenPattern.FindAllString(text, -1) {
		if len(tok) >= 3 {
			tokens[tok] = struct{}{}
		}
	}
	return tokens
}

// jaccard returns |A∩B| / |A∪B|, 0 for two empty sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// unionFind is a small disjoint-set keyed by story id, rooted at the
// lexically smallest id in each group.
type unionFind struct {
	parent map[string]string
}

func newUnionFind(ids []string) *unionFind {
	parent := make(map[string]string, len(ids))
	for _, id := range ids {
		parent[id] = id
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(id string) string {
	root := id
	for u.parent[root] != root {
		root = u.parent[root]
	}
	// path compression
	for u.parent[id] != root {
		next := u.parent[id]
		u.parent[id] = root
		id = next
	}
	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	// Root is always the lexically smaller of the two.
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}

func (u *unionFind) groups() map[string][]string {
	groups := make(map[string][]string)
	ids := make([]string, 0, len(u.parent))
	for id := range u.parent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		root := u.find(id)
		groups[root] = append(groups[root], id)
	}
	return groups
}

// Store is the persistence contract the merger needs from the DAO layer:
// loading unmerged stories, rebinding foreign references, rewriting
// dependency edges, and deleting the duplicate row. It is kept separate
// from the replication Adapter because merging mutates more than one
// table per duplicate.
type Store interface {
	LoadUnmergedStories(ctx context.Context) ([]Story, error)
	AlreadyMerged(ctx context.Context, duplicateID string) (bool, error)
	SaveCanonical(ctx context.Context, s Story) error
	RebindReferences(ctx context.Context, duplicateID, canonicalID string) error
	RebindDependencyEdges(ctx context.Context, duplicateID, canonicalID string) error
	DeleteStory(ctx context.Context, id string) error
	RecordMerge(ctx context.Context, duplicateID, canonicalID string, mergedAt time.Time) error
}

// Merger runs the similarity pass over a Store at a configured threshold.
type Merger struct {
	store      Store
	threshold  float64
}

// New constructs a Merger. threshold is clamped to [0,1].
func New(store Store, threshold float64) *Merger {
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	return &Merger{store: store, threshold: threshold}
}

// Run executes one deduplication pass and returns the number of
// duplicates merged.
func (m *Merger) Run(ctx context.Context) (int, error) {
	stories, err := m.store.LoadUnmergedStories(ctx)
	if err != nil {
		return 0, fmt.Errorf("load unmerged stories: %w", err)
	}
	if len(stories) < 2 {
		return 0, nil
	}

	byID := make(map[string]Story, len(stories))
	ids := make([]string, 0, len(stories))
	tokens := make(map[string]map[string]struct{}, len(stories))
	for _, s := range stories {
		byID[s.ID] = s
		ids = append(ids, s.ID)
		tokens[s.ID] = tokenize(s.Title, s.Description)
	}
	sort.Strings(ids)

	uf := newUnionFind(ids)
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := byID[ids[i]], byID[ids[j]]
			if a.TeamID != b.TeamID || a.RequirementID != b.RequirementID {
				continue
			}
			if jaccard(tokens[a.ID], tokens[b.ID]) >= m.threshold {
				uf.union(a.ID, b.ID)
			}
		}
	}

	merged := 0
	for root, members := range uf.groups() {
		if len(members) < 2 {
			continue
		}
		sort.Strings(members)
		canonicalID := root // always the lexically smallest id in the group
		canonical := byID[canonicalID]

		for _, dupID := range members {
			if dupID == canonicalID {
				continue
			}
			already, err := m.store.AlreadyMerged(ctx, dupID)
			if err != nil {
				return merged, fmt.Errorf("check already merged %s: %w", dupID, err)
			}
			if already {
				continue
			}

			dup := byID[dupID]
			canonical = foldFields(canonical, dup)

			if err := m.store.SaveCanonical(ctx, canonical); err != nil {
				return merged, fmt.Errorf("save canonical %s: %w", canonical.ID, err)
			}
			if err := m.store.RebindReferences(ctx, dupID, canonicalID); err != nil {
				return merged, fmt.Errorf("rebind references %s -> %s: %w", dupID, canonicalID, err)
			}
			if err := m.store.RebindDependencyEdges(ctx, dupID, canonicalID); err != nil {
				return merged, fmt.Errorf("rebind dependency edges %s -> %s: %w", dupID, canonicalID, err)
			}
			if err := m.store.DeleteStory(ctx, dupID); err != nil {
				return merged, fmt.Errorf("delete duplicate %s: %w", dupID, err)
			}
			if err := m.store.RecordMerge(ctx, dupID, canonicalID, time.Now()); err != nil {
				return merged, fmt.Errorf("record merge %s -> %s: %w", dupID, canonicalID, err)
			}
			merged++
		}
	}

	return merged, nil
}

// foldFields applies the field-folding rules, returning the updated
// canonical row. dup is never mutated.
func foldFields(canonical, dup Story) Story {
	out := canonical

	out.Title = longerString(canonical.Title, dup.Title)
	out.Description = longerString(canonical.Description, dup.Description)

	out.AcceptanceCriteria = nonNullOrFallback(canonical.AcceptanceCriteria, dup.AcceptanceCriteria)
	out.AssignedAgentID = nonNullOrFallback(canonical.AssignedAgentID, dup.AssignedAgentID)
	out.BranchName = nonNullOrFallback(canonical.BranchName, dup.BranchName)
	out.PRURL = nonNullOrFallback(canonical.PRURL, dup.PRURL)

	out.ComplexityScore = maxNullable(canonical.ComplexityScore, dup.ComplexityScore)
	out.StoryPoints = maxNullable(canonical.StoryPoints, dup.StoryPoints)

	out.Status = moreProgressedStatus(canonical.Status, dup.Status)

	return out
}

// longerString returns whichever string is longer; ties favor a.
func longerString(a, b string) string {
	if len(b) > len(a) {
		return b
	}
	return a
}

// nonNullOrFallback returns a if non-empty (non-null), else b.
func nonNullOrFallback(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// maxNullable returns the arithmetic max of a, b, treating NaN as -inf.
func maxNullable(a, b float64) float64 {
	av, bv := a, b
	if math.IsNaN(av) {
		av = math.Inf(-1)
	}
	if math.IsNaN(bv) {
		bv = math.Inf(-1)
	}
	if bv > av {
		return b
	}
	return a
}

// moreProgressedStatus returns whichever status is later in the fixed
// total order; unrecognized statuses sort before every known one.
func moreProgressedStatus(a, b string) string {
	rank := func(s string) int {
		if r, ok := statusOrder[s]; ok {
			return r
		}
		return -1
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

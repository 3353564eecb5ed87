package compose

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/manifest"
	"github.com/flemzord/strata/internal/part"
	"github.com/flemzord/strata/internal/source"
	"github.com/flemzord/strata/internal/tokens"
)

// Choice is the version picked for one part of a component.
type Choice struct {
	PartNumber   int
	VersionID    string
	OutputTokens int
	Score        float64
	Range        manifest.MessageRange
}

// Selection is the plan for one component.
type Selection struct {
	SessionID string
	Order     int
	Budget    int
	MultiPart bool

	// Parts are in ascending part order.
	Parts []Choice
}

// Tokens is the selection's token contribution.
func (s Selection) Tokens() int {
	total := 0
	for _, c := range s.Parts {
		total += c.OutputTokens
	}
	return total
}

// Plan is a composition before anything is written.
type Plan struct {
	Selections  []Selection
	TotalTokens int

	manifest *manifest.Manifest
	format   Format
}

// Plan selects a version for every component without writing anything.
func (e *Engine) Plan(ctx context.Context, req Request) (*Plan, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	m, err := e.repo.Load(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	p := &Plan{manifest: m, format: req.Format}
	budgets := allocate(req.TotalBudget, req.Components)
	for i, c := range req.Components {
		sess, err := m.Session(c.SessionID)
		if err != nil {
			return nil, err
		}
		sel, err := e.selectComponent(ctx, sess, c.Version, budgets[i], req.Prefer)
		if err != nil {
			return nil, err
		}
		sel.Order = i
		p.Selections = append(p.Selections, sel)
		p.TotalTokens += sel.Tokens()
	}
	return p, nil
}

// allocate splits total across components in proportion to their weights.
func allocate(total int, comps []ComponentRequest) []int {
	weights := make([]float64, len(comps))
	sum := 0.0
	for i, c := range comps {
		weights[i] = c.Weight
		if weights[i] == 0 {
			weights[i] = 1
		}
		sum += weights[i]
	}
	out := make([]int, len(comps))
	for i, w := range weights {
		out[i] = int(float64(total) * w / sum)
	}
	return out
}

func (e *Engine) selectComponent(ctx context.Context, sess *manifest.Session, version string, budget int, prefer Preferences) (Selection, error) {
	sel := Selection{SessionID: sess.ID, Budget: budget}
	nums := part.Numbers(sess)

	switch {
	case version == VersionOriginal:
		sel.Parts = []Choice{originalChoice(sess)}
		return sel, nil

	case version == VersionAutoParts, version == VersionAuto && len(nums) > 1:
		if len(nums) == 0 {
			return e.selectWhole(sess, budget, prefer)
		}
		return e.selectParts(ctx, sess, nums, budget, prefer)

	case version == VersionAuto:
		return e.selectWhole(sess, budget, prefer)
	}

	rec, ok := sess.Version(version)
	if !ok {
		return Selection{}, apperr.New(apperr.VersionNotFound, "compose", "session %s has no version %s", sess.ID, version)
	}
	c := candidateFromRecord(rec)
	sel.Parts = []Choice{{
		PartNumber:   rec.PartNumber,
		VersionID:    rec.VersionID,
		OutputTokens: rec.OutputTokens,
		Score:        Score(c, budget, prefer, e.config.Score),
		Range:        rec.Range,
	}}
	return sel, nil
}

// selectWhole picks among the versions of a single-part session and the
// original messages.
func (e *Engine) selectWhole(sess *manifest.Session, budget int, prefer Preferences) (Selection, error) {
	var cands []Candidate
	for i := range sess.Compressions {
		cands = append(cands, candidateFromRecord(&sess.Compressions[i]))
	}
	if sess.OriginalTokens > 0 && sess.OriginalTokens <= budget {
		cands = append(cands, Candidate{VersionID: VersionOriginal, OutputTokens: sess.OriginalTokens, Ratio: 1})
	}

	best, ok := Best(cands, budget, prefer, e.config.Score)
	if !ok {
		return Selection{}, needsCompression(sess.ID, 0, budget, best)
	}

	sel := Selection{SessionID: sess.ID, Budget: budget}
	if best.VersionID == VersionOriginal {
		ch := originalChoice(sess)
		ch.Score = best.Score
		sel.Parts = []Choice{ch}
		return sel, nil
	}
	rec, _ := sess.Version(best.VersionID)
	sel.Parts = []Choice{{
		PartNumber:   rec.PartNumber,
		VersionID:    rec.VersionID,
		OutputTokens: rec.OutputTokens,
		Score:        best.Score,
		Range:        rec.Range,
	}}
	return sel, nil
}

// selectParts picks a version for every part under an equal share of the
// component budget.
func (e *Engine) selectParts(ctx context.Context, sess *manifest.Session, nums []int, budget int, prefer Preferences) (Selection, error) {
	sub := budget / len(nums)
	sel := Selection{SessionID: sess.ID, Budget: budget, MultiPart: true}

	var original []source.Message
	originalRead := false

	for _, n := range nums {
		versions := part.Versions(sess, n)
		cands := make([]Candidate, 0, len(versions)+1)
		for _, v := range versions {
			cands = append(cands, candidateFromRecord(v))
		}
		rng := versions[0].Range

		if !originalRead {
			originalRead = true
			msgs, err := e.reader.Read(ctx, sess.LinkedPath)
			if err != nil {
				e.logger.Debug("original messages unavailable for scoring",
					"session", sess.ID, "error", err)
			} else {
				original = msgs
			}
		}
		if rng.EndIndex <= len(original) && rng.StartIndex < rng.EndIndex {
			t := tokens.Messages(e.estimator, original[rng.StartIndex:rng.EndIndex])
			if t <= sub {
				cands = append(cands, Candidate{VersionID: VersionOriginal, PartNumber: n, OutputTokens: t, Ratio: 1})
			}
		}

		best, ok := Best(cands, sub, prefer, e.config.Score)
		if !ok {
			return Selection{}, needsCompression(sess.ID, n, sub, best)
		}
		sel.Parts = append(sel.Parts, Choice{
			PartNumber:   n,
			VersionID:    best.VersionID,
			OutputTokens: best.OutputTokens,
			Score:        best.Score,
			Range:        rng,
		})
	}
	return sel, nil
}

func originalChoice(sess *manifest.Session) Choice {
	return Choice{
		VersionID:    VersionOriginal,
		OutputTokens: sess.OriginalTokens,
		Score:        1,
		Range: manifest.MessageRange{
			StartIndex:     0,
			EndIndex:       sess.OriginalMessages,
			StartTimestamp: sess.FirstTimestamp,
			EndTimestamp:   sess.LastTimestamp,
			MessageCount:   sess.OriginalMessages,
		},
	}
}

func needsCompression(sessionID string, partNumber, budget int, best Scored) error {
	where := "session " + sessionID
	if partNumber > 0 {
		where = fmt.Sprintf("part %d of %s", partNumber, where)
	}
	if best.VersionID == "" {
		return apperr.New(apperr.NeedsCompression, "compose",
			"%s has no version and its original does not fit %d tokens; create a compression", where, budget)
	}
	return apperr.New(apperr.NeedsCompression, "compose",
		"no version of %s is good enough for %d tokens (best %s scored %.2f); create a compression",
		where, budget, best.VersionID, best.Score)
}

func sortCompositions(cs []*manifest.Composition) {
	slices.SortFunc(cs, func(a, b *manifest.Composition) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
}

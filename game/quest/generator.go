package quest

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Rand is the subset of *rand.Rand the generator draws from.
type Rand interface {
	IntN(n int) int
	Int64N(n int64) int64
}

// Points is the fixed quest-point reward per tier.
type Points map[Tier]int64

// DefaultPoints are the per-tier point rewards used when none are configured.
var DefaultPoints = Points{TierDaily: 1, TierWeekly: 5, TierShared: 10}

// Generator draws quest instances from the catalog.
type Generator struct {
	catalog *Catalog
	points  Points
	newRand func() Rand
	now     func() time.Time
}

// GeneratorOption customises a Generator.
type GeneratorOption func(*Generator)

// WithRand replaces the per-call random source.
func WithRand(fn func() Rand) GeneratorOption {
	return func(g *Generator) { g.newRand = fn }
}

// WithClock replaces the creation timestamp source.
func WithClock(fn func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = fn }
}

// NewGenerator creates a Generator. Each call to Generate uses a freshly
// seeded random source unless WithRand is given.
func NewGenerator(catalog *Catalog, points Points, opts ...GeneratorOption) *Generator {
	if points == nil {
		points = DefaultPoints
	}
	g := &Generator{
		catalog: catalog,
		points:  points,
		newRand: func() Rand { return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) },
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns up to count instances of distinct templates for tier.
func (g *Generator) Generate(tier Tier, count int) []*Instance {
	return g.GenerateExcluding(tier, count, nil)
}

// GenerateExcluding is Generate restricted to templates for which exclude
// returns false. When the restriction leaves nothing, the whole tier is used.
func (g *Generator) GenerateExcluding(tier Tier, count int, exclude func(Template) bool) []*Instance {
	if count <= 0 {
		return nil
	}
	pool := g.catalog.Eligible(tier)
	if exclude != nil {
		filtered := make([]Template, 0, len(pool))
		for _, t := range pool {
			if !exclude(t) {
				filtered = append(filtered, t)
			}
		}
		if len(filtered) > 0 {
			pool = filtered
		}
	}

	rng := g.newRand()
	now := g.now()
	chosen := SelectWeighted(pool, count, rng)
	out := make([]*Instance, 0, len(chosen))
	for _, t := range chosen {
		out = append(out, Instantiate(t, tier, g.points[tier], rng, now))
	}
	return out
}

// SelectWeighted picks up to count templates without replacement, each draw
// proportional to weight. A pool whose remaining weights are all zero is
// sampled uniformly.
func SelectWeighted(pool []Template, count int, rng Rand) []Template {
	remaining := append([]Template(nil), pool...)
	out := make([]Template, 0, min(count, len(remaining)))
	for len(out) < count && len(remaining) > 0 {
		total := 0
		for _, t := range remaining {
			if t.Weight > 0 {
				total += t.Weight
			}
		}

		idx := 0
		if total <= 0 {
			idx = rng.IntN(len(remaining))
		} else {
			r := rng.IntN(total)
			for i, t := range remaining {
				if t.Weight <= 0 {
					continue
				}
				if r < t.Weight {
					idx = i
					break
				}
				r -= t.Weight
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

// Instantiate resolves a template into a fresh instance.
func Instantiate(t Template, tier Tier, points int64, rng Rand, now time.Time) *Instance {
	amount := drawRange(t.Amount, rng)
	if amount < 1 {
		amount = 1
	}
	target := t.Target
	if target == "" {
		target = DefaultTarget(t.Requirement)
	}
	reward := Reward{
		Money:      drawRange(t.Reward.Money, rng),
		Experience: drawRange(t.Reward.Experience, rng),
		Points:     points,
		Commands:   cloneStrings(t.Reward.Commands),
	}
	if t.Reward.Items != nil {
		reward.Items = append([]ItemReward(nil), t.Reward.Items...)
	}
	return &Instance{
		ID:           uuid.NewString(),
		TemplateID:   t.ID,
		Tier:         tier,
		Name:         t.Name,
		Description:  FormatDescription(t.Description, amount, target, tier == TierShared),
		Category:     t.Category,
		Target:       target,
		TargetAmount: amount,
		Requirement:  t.Requirement.Clone(),
		Reward:       reward,
		CreatedAt:    now,
	}
}

// DefaultTarget picks the primary target for a template that names none.
func DefaultTarget(req Requirement) string {
	for _, list := range [][]string{req.Materials, req.MobTypes, req.Items} {
		if len(list) > 0 {
			return list[0]
		}
	}
	return Wildcard
}

func drawRange(r Range, rng Rand) int64 {
	lo, hi := r.Min, r.Max
	if hi < lo {
		lo, hi = hi, lo
	}
	if hi == lo {
		return lo
	}
	return lo + rng.Int64N(hi-lo+1)
}

// FormatDescription substitutes {amount} and {target}. Shared quests use the
// compact K/M notation for large amounts.
func FormatDescription(desc string, amount int64, target string, compact bool) string {
	n := strconv.FormatInt(amount, 10)
	if compact {
		n = FormatAmount(amount)
	}
	return strings.NewReplacer("{amount}", n, "{target}", target).Replace(desc)
}

// FormatAmount renders 1500 as "1.5K" and 2000000 as "2M".
func FormatAmount(n int64) string {
	switch {
	case n >= 1_000_000:
		return trimZero(strconv.FormatFloat(float64(n)/1_000_000, 'f', 1, 64)) + "M"
	case n >= 1_000:
		return trimZero(strconv.FormatFloat(float64(n)/1_000, 'f', 1, 64)) + "K"
	}
	return strconv.FormatInt(n, 10)
}

func trimZero(s string) string {
	return strings.TrimSuffix(s, ".0")
}

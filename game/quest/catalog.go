package quest

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// TemplateSet is one complete, immutable catalog snapshot.
type TemplateSet struct {
	Daily   []Template
	Weekly  []Template
	Shared  []Template
	Aliases Aliases
}

// ForTier returns the templates of tier.
func (s *TemplateSet) ForTier(tier Tier) []Template {
	switch tier {
	case TierDaily:
		return s.Daily
	case TierWeekly:
		return s.Weekly
	case TierShared:
		return s.Shared
	}
	return nil
}

// Size returns the total number of templates.
func (s *TemplateSet) Size() int {
	return len(s.Daily) + len(s.Weekly) + len(s.Shared)
}

// Loader produces a new TemplateSet from the catalog source.
type Loader func() (*TemplateSet, error)

// Catalog serves the active TemplateSet. Reload swaps the whole set, so
// readers see either the old or the new catalog and never a mix.
type Catalog struct {
	current atomic.Pointer[TemplateSet]
	version atomic.Int64
	loader  Loader
	logger  *zap.Logger
}

// NewCatalog creates an empty catalog backed by loader.
func NewCatalog(loader Loader, logger *zap.Logger) *Catalog {
	c := &Catalog{loader: loader, logger: logger}
	c.current.Store(&TemplateSet{Aliases: DefaultAliases})
	return c
}

// NewStaticCatalog returns a catalog serving set. Reload re-serves the same set.
func NewStaticCatalog(set *TemplateSet) *Catalog {
	c := NewCatalog(func() (*TemplateSet, error) { return set, nil }, zap.NewNop())
	c.Set(set)
	return c
}

// Load runs the loader and activates its result. On error the active set is kept.
func (c *Catalog) Load() (*TemplateSet, error) {
	set, err := c.loader()
	if err != nil {
		return nil, err
	}
	c.Set(set)
	c.logger.Info("quest templates loaded",
		zap.Int("daily", len(set.Daily)),
		zap.Int("weekly", len(set.Weekly)),
		zap.Int("shared", len(set.Shared)),
		zap.Int64("version", c.version.Load()))
	return set, nil
}

// Reload is Load for a running catalog.
func (c *Catalog) Reload() error {
	_, err := c.Load()
	if err != nil {
		c.logger.Error("quest template reload failed, keeping previous catalog", zap.Error(err))
	}
	return err
}

// Set activates set directly.
func (c *Catalog) Set(set *TemplateSet) {
	cp := *set
	if cp.Aliases == nil {
		cp.Aliases = DefaultAliases
	}
	c.current.Store(&cp)
	c.version.Add(1)
}

// Version increases by one on every swap.
func (c *Catalog) Version() int64 { return c.version.Load() }

// Templates returns every template of tier, including zero-weight ones.
func (c *Catalog) Templates(tier Tier) []Template {
	return append([]Template(nil), c.current.Load().ForTier(tier)...)
}

// Eligible returns the templates of tier with a positive weight. A tier with
// no positive weights yields all its templates so the generator can fall
// back to uniform sampling.
func (c *Catalog) Eligible(tier Tier) []Template {
	all := c.current.Load().ForTier(tier)
	out := make([]Template, 0, len(all))
	for _, t := range all {
		if t.Weight > 0 {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return append(out, all...)
	}
	return out
}

// Lookup finds a template by id.
func (c *Catalog) Lookup(tier Tier, id string) (Template, bool) {
	for _, t := range c.current.Load().ForTier(tier) {
		if t.ID == id {
			return t, true
		}
	}
	return Template{}, false
}

// Aliases returns the active alias families.
func (c *Catalog) Aliases() Aliases {
	return c.current.Load().Aliases
}

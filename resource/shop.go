package resource

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kasuganosora/questforge/game/quest"
	"github.com/kasuganosora/questforge/game/shop"
)

//go:embed schema/shop_item.schema.json
var shopSchemaJSON []byte

const shopSchemaURL = "shop_item.schema.json"

var (
	shopSchemaOnce sync.Once
	shopSchema     *jsonschema.Schema
	shopSchemaErr  error
)

func compiledShopSchema() (*jsonschema.Schema, error) {
	shopSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(shopSchemaURL, bytes.NewReader(shopSchemaJSON)); err != nil {
			shopSchemaErr = err
			return
		}
		shopSchema, shopSchemaErr = c.Compile(shopSchemaURL)
	})
	return shopSchema, shopSchemaErr
}

type shopFile struct {
	Items yaml.Node `yaml:"items"`
}

type shopItemDef struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Cost        int64  `yaml:"cost"`
	Enabled     *bool  `yaml:"enabled"`
	Items       []struct {
		ID  string `yaml:"id"`
		Qty int    `yaml:"qty"`
	} `yaml:"items"`
	Commands []string       `yaml:"commands"`
	Limits   map[string]int `yaml:"limits"`
}

func (d *shopItemDef) toItem(id string) (shop.Item, error) {
	if d.Enabled != nil && !*d.Enabled {
		return shop.Item{}, errDisabled
	}
	if len(d.Items) == 0 && len(d.Commands) == 0 {
		return shop.Item{}, errors.New("item grants nothing")
	}
	it := shop.Item{
		ID:          id,
		Name:        d.Name,
		Description: d.Description,
		Cost:        d.Cost,
		Commands:    d.Commands,
	}
	if it.Name == "" {
		it.Name = id
	}
	for _, g := range d.Items {
		qty := g.Qty
		if qty <= 0 {
			qty = 1
		}
		it.Items = append(it.Items, quest.ItemReward{ID: strings.ToUpper(g.ID), Qty: qty})
	}
	keys := make([]string, 0, len(d.Limits))
	for k := range d.Limits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := shop.Period(strings.ToLower(strings.TrimSpace(k)))
		if !p.Known() {
			return shop.Item{}, unknownPeriod(k)
		}
		if d.Limits[k] == 0 {
			continue
		}
		if it.Limits == nil {
			it.Limits = make(map[shop.Period]int, len(d.Limits))
		}
		it.Limits[p] = d.Limits[k]
	}
	return it, nil
}

func unknownPeriod(got string) error {
	best, bestDist := "", -1
	for _, p := range shop.Periods {
		d := levenshtein.ComputeDistance(strings.ToLower(got), string(p))
		if bestDist < 0 || d < bestDist {
			best, bestDist = string(p), d
		}
	}
	if bestDist >= 0 && bestDist <= len(best)/2 {
		return fmt.Errorf("unknown limit period %q (did you mean %q?)", got, best)
	}
	return fmt.Errorf("unknown limit period %q", got)
}

// LoadShop reads and parses the shop catalog file at path.
func LoadShop(path string, logger *zap.Logger) ([]shop.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resource: read shop %s: %w", path, err)
	}
	return ParseShop(data, logger)
}

// ShopLoader adapts LoadShop to shop.Loader.
func ShopLoader(path string, logger *zap.Logger) shop.Loader {
	return func() ([]shop.Item, error) { return LoadShop(path, logger) }
}

// ParseShop parses a shop document. Entries that fail validation are
// skipped with a warning.
func ParseShop(data []byte, logger *zap.Logger) ([]shop.Item, error) {
	schema, err := compiledShopSchema()
	if err != nil {
		return nil, fmt.Errorf("resource: compile shop schema: %w", err)
	}
	var doc shopFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("resource: parse shop: %w", err)
	}
	node := &doc.Items
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("resource: shop items at line %d is not a mapping", node.Line)
	}

	var out []shop.Item
	seen := make(map[string]bool)
	for i := 0; i+1 < len(node.Content); i += 2 {
		id, body := node.Content[i].Value, node.Content[i+1]
		skip := func(err error) {
			logger.Warn("invalid shop item skipped",
				zap.String("item", id),
				zap.Int("line", body.Line),
				zap.Error(err))
		}
		if seen[id] {
			skip(errors.New("duplicate id"))
			continue
		}
		if err := validateNode(schema, body); err != nil {
			skip(err)
			continue
		}
		var def shopItemDef
		if err := body.Decode(&def); err != nil {
			skip(err)
			continue
		}
		it, err := def.toItem(id)
		if errors.Is(err, errDisabled) {
			logger.Debug("shop item disabled", zap.String("item", id))
			continue
		}
		if err != nil {
			skip(err)
			continue
		}
		seen[id] = true
		out = append(out, it)
	}
	return out, nil
}

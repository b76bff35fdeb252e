package resource

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kasuganosora/questforge/game/quest"
)

//go:embed schema/template.schema.json
var templateSchemaJSON []byte

const templateSchemaURL = "template.schema.json"

const defaultTemplateWeight = 10

var (
	schemaOnce     sync.Once
	templateSchema *jsonschema.Schema
	schemaErr      error
)

func compiledTemplateSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(templateSchemaURL, bytes.NewReader(templateSchemaJSON)); err != nil {
			schemaErr = err
			return
		}
		templateSchema, schemaErr = c.Compile(templateSchemaURL)
	})
	return templateSchema, schemaErr
}

// ---- YAML document ----

type templateFile struct {
	Aliases map[string]string `yaml:"aliases"`
	Daily   yaml.Node         `yaml:"daily"`
	Weekly  yaml.Node         `yaml:"weekly"`
	Shared  yaml.Node         `yaml:"shared"`
}

// rangeDef accepts either a single number or a [min, max] pair.
type rangeDef quest.Range

func (r *rangeDef) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		var v int64
		if err := n.Decode(&v); err != nil {
			return err
		}
		r.Min, r.Max = v, v
		return nil
	}
	var pair []int64
	if err := n.Decode(&pair); err != nil {
		return err
	}
	switch len(pair) {
	case 1:
		r.Min, r.Max = pair[0], pair[0]
	case 2:
		r.Min, r.Max = pair[0], pair[1]
	default:
		return fmt.Errorf("range needs one or two values, got %d", len(pair))
	}
	return nil
}

type requirementDef struct {
	Materials      []string `yaml:"materials"`
	MobTypes       []string `yaml:"mob_types"`
	Items          []string `yaml:"items"`
	Worlds         []string `yaml:"worlds"`
	Biomes         []string `yaml:"biomes"`
	YMin           *int     `yaml:"y_min"`
	YMax           *int     `yaml:"y_max"`
	FromSmelting   bool     `yaml:"from_smelting"`
	SourceCategory string   `yaml:"source_category"`
}

type rewardDef struct {
	Money      rangeDef `yaml:"money"`
	Experience rangeDef `yaml:"experience"`
	Items      []struct {
		ID  string `yaml:"id"`
		Qty int    `yaml:"qty"`
	} `yaml:"items"`
	Commands []string `yaml:"commands"`
}

type templateDef struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Category     string         `yaml:"category"`
	Target       string         `yaml:"target"`
	Amount       rangeDef       `yaml:"amount"`
	Weight       *int           `yaml:"weight"`
	Enabled      *bool          `yaml:"enabled"`
	Requirements requirementDef `yaml:"requirements"`
	Rewards      rewardDef      `yaml:"rewards"`
}

// errDisabled marks a template switched off in the source file.
var errDisabled = errors.New("disabled")

func (d *templateDef) toTemplate(id string) (quest.Template, error) {
	if d.Enabled != nil && !*d.Enabled {
		return quest.Template{}, errDisabled
	}
	cat := quest.Category(strings.ToUpper(strings.TrimSpace(d.Category)))
	if !cat.Known() {
		return quest.Template{}, unknownCategory(string(cat))
	}
	src := quest.Category(strings.ToUpper(strings.TrimSpace(d.Requirements.SourceCategory)))
	if src != "" && !src.Known() {
		return quest.Template{}, unknownCategory(string(src))
	}
	if d.Amount.Min > d.Amount.Max {
		return quest.Template{}, fmt.Errorf("amount range [%d,%d] is inverted", d.Amount.Min, d.Amount.Max)
	}
	if y := d.Requirements; y.YMin != nil && y.YMax != nil && *y.YMin > *y.YMax {
		return quest.Template{}, fmt.Errorf("y range [%d,%d] is inverted", *y.YMin, *y.YMax)
	}

	weight := defaultTemplateWeight
	if d.Weight != nil {
		weight = *d.Weight
	}
	req := quest.Requirement{
		Materials:      upperAll(d.Requirements.Materials),
		MobTypes:       upperAll(d.Requirements.MobTypes),
		Items:          upperAll(d.Requirements.Items),
		Worlds:         d.Requirements.Worlds,
		Biomes:         upperAll(d.Requirements.Biomes),
		YMin:           d.Requirements.YMin,
		YMax:           d.Requirements.YMax,
		FromSmelting:   d.Requirements.FromSmelting,
		SourceCategory: src,
	}
	target := strings.ToUpper(strings.TrimSpace(d.Target))
	if target == "" {
		target = quest.DefaultTarget(req)
	}
	name := d.Name
	if name == "" {
		name = id
	}

	reward := quest.RewardSpec{
		Money:      quest.Range(d.Rewards.Money),
		Experience: quest.Range(d.Rewards.Experience),
		Commands:   d.Rewards.Commands,
	}
	for _, it := range d.Rewards.Items {
		qty := it.Qty
		if qty <= 0 {
			qty = 1
		}
		reward.Items = append(reward.Items, quest.ItemReward{ID: strings.ToUpper(it.ID), Qty: qty})
	}

	return quest.Template{
		ID:          id,
		Name:        name,
		Description: d.Description,
		Category:    cat,
		Target:      target,
		Amount:      quest.Range(d.Amount),
		Weight:      weight,
		Requirement: req,
		Reward:      reward,
	}, nil
}

// unknownCategory builds the load error with the closest known category.
func unknownCategory(got string) error {
	best, bestDist := "", -1
	for _, c := range quest.Categories {
		d := levenshtein.ComputeDistance(got, string(c))
		if bestDist < 0 || d < bestDist {
			best, bestDist = string(c), d
		}
	}
	if bestDist >= 0 && bestDist <= len(best)/2 {
		return fmt.Errorf("unknown category %q (did you mean %q?)", got, best)
	}
	return fmt.Errorf("unknown category %q", got)
}

func upperAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}

// ---- loading ----

// LoadTemplates reads and parses the quest catalog file at path.
func LoadTemplates(path string, logger *zap.Logger) (*quest.TemplateSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resource: read templates %s: %w", path, err)
	}
	return ParseTemplates(data, logger)
}

// TemplateLoader adapts LoadTemplates to quest.Loader.
func TemplateLoader(path string, logger *zap.Logger) quest.Loader {
	return func() (*quest.TemplateSet, error) { return LoadTemplates(path, logger) }
}

// ParseTemplates parses a catalog document. A malformed document is an
// error; a malformed entry is skipped with a warning.
func ParseTemplates(data []byte, logger *zap.Logger) (*quest.TemplateSet, error) {
	schema, err := compiledTemplateSchema()
	if err != nil {
		return nil, fmt.Errorf("resource: compile template schema: %w", err)
	}
	var doc templateFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("resource: parse templates: %w", err)
	}

	set := &quest.TemplateSet{Aliases: quest.Aliases{}}
	for k, v := range quest.DefaultAliases {
		set.Aliases[k] = v
	}
	for k, v := range doc.Aliases {
		set.Aliases[strings.ToUpper(k)] = strings.ToUpper(v)
	}
	set.Daily = parseTier(&doc.Daily, quest.TierDaily, schema, logger)
	set.Weekly = parseTier(&doc.Weekly, quest.TierWeekly, schema, logger)
	set.Shared = parseTier(&doc.Shared, quest.TierShared, schema, logger)
	return set, nil
}

func parseTier(node *yaml.Node, tier quest.Tier, schema *jsonschema.Schema, logger *zap.Logger) []quest.Template {
	if node.Kind == 0 {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		logger.Warn("quest tier is not a mapping, skipped", zap.String("tier", string(tier)), zap.Int("line", node.Line))
		return nil
	}

	var out []quest.Template
	seen := make(map[string]bool)
	for i := 0; i+1 < len(node.Content); i += 2 {
		id, body := node.Content[i].Value, node.Content[i+1]
		skip := func(err error) {
			logger.Warn("invalid quest template skipped",
				zap.String("tier", string(tier)),
				zap.String("template", id),
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
		var def templateDef
		if err := body.Decode(&def); err != nil {
			skip(err)
			continue
		}
		t, err := def.toTemplate(id)
		if errors.Is(err, errDisabled) {
			logger.Debug("quest template disabled", zap.String("tier", string(tier)), zap.String("template", id))
			continue
		}
		if err != nil {
			skip(err)
			continue
		}
		seen[id] = true
		out = append(out, t)
	}
	return out
}

// validateNode checks one YAML entry against the template schema. The entry
// is normalised through JSON so the validator sees plain JSON values.
func validateNode(schema *jsonschema.Schema, n *yaml.Node) error {
	var raw any
	if err := n.Decode(&raw); err != nil {
		return err
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

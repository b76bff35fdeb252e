// Package reward turns successful claims into reward intents and hands them
// to the external collaborators that fulfil them.
package reward

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kasuganosora/questforge/game/quest"
)

// EconomyProvider credits in-game currency.
type EconomyProvider interface {
	Deposit(ctx context.Context, playerID string, amount int64) error
}

// ExperienceProvider grants experience.
type ExperienceProvider interface {
	GiveExperience(ctx context.Context, playerID string, amount int64) error
}

// PointsProvider credits the secondary quest-point currency.
type PointsProvider interface {
	Credit(ctx context.Context, playerID string, amount int64) error
}

// ItemProvider hands out items.
type ItemProvider interface {
	GiveItem(ctx context.Context, playerID string, item quest.ItemReward) error
}

// CommandRunner executes a templated command with placeholders resolved.
type CommandRunner interface {
	Run(ctx context.Context, command string) error
}

type noEconomy struct{}

func (noEconomy) Deposit(context.Context, string, int64) error { return nil }

type noExperience struct{}

func (noExperience) GiveExperience(context.Context, string, int64) error { return nil }

type noPoints struct{}

func (noPoints) Credit(context.Context, string, int64) error { return nil }

type noItems struct{}

func (noItems) GiveItem(context.Context, string, quest.ItemReward) error { return nil }

type noCommands struct{}

func (noCommands) Run(context.Context, string) error { return nil }

// LogCommandRunner writes commands to the log instead of executing them.
type LogCommandRunner struct {
	Logger *zap.Logger
}

// Run logs the command.
func (r LogCommandRunner) Run(_ context.Context, command string) error {
	r.Logger.Info("reward command", zap.String("command", command))
	return nil
}

// Intent is one reward to fulfil.
type Intent struct {
	TraceID    string             `json:"trace_id"`
	PlayerID   string             `json:"player_id"`
	PlayerName string             `json:"player_name,omitempty"`
	Tier       quest.Tier         `json:"tier"`
	QuestID    string             `json:"quest_id"`
	TemplateID string             `json:"template_id"`
	Money      int64              `json:"money"`
	Experience int64              `json:"experience"`
	Points     int64              `json:"points"`
	Items      []quest.ItemReward `json:"items,omitempty"`
	Commands   []string           `json:"commands,omitempty"`
}

// ExpandCommand substitutes {player} and {amount} in a reward command.
func ExpandCommand(command, player string, amount int64) string {
	return strings.NewReplacer("{player}", player, "{amount}", strconv.FormatInt(amount, 10)).Replace(command)
}

// Issuer dispatches intents to the configured providers. Absent providers
// are null objects, resolved once at construction.
type Issuer struct {
	economy    EconomyProvider
	experience ExperienceProvider
	points     PointsProvider
	items      ItemProvider
	commands   CommandRunner
	caps       map[string]bool
	logger     *zap.Logger
}

// IssuerOption installs a provider.
type IssuerOption func(*Issuer)

func WithEconomy(p EconomyProvider) IssuerOption {
	return func(i *Issuer) { i.economy = p; i.caps["economy"] = true }
}

func WithExperience(p ExperienceProvider) IssuerOption {
	return func(i *Issuer) { i.experience = p; i.caps["experience"] = true }
}

func WithPoints(p PointsProvider) IssuerOption {
	return func(i *Issuer) { i.points = p; i.caps["points"] = true }
}

func WithItems(p ItemProvider) IssuerOption {
	return func(i *Issuer) { i.items = p; i.caps["items"] = true }
}

func WithCommands(r CommandRunner) IssuerOption {
	return func(i *Issuer) { i.commands = r; i.caps["commands"] = true }
}

// NewIssuer creates an Issuer with the given providers.
func NewIssuer(logger *zap.Logger, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		economy:    noEconomy{},
		experience: noExperience{},
		points:     noPoints{},
		items:      noItems{},
		commands:   noCommands{},
		caps:       map[string]bool{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	for _, name := range []string{"economy", "experience", "points", "items", "commands"} {
		if !i.caps[name] {
			i.caps[name] = false
		}
	}
	logger.Info("reward providers", zap.Any("capabilities", i.caps))
	return i
}

// Capabilities reports which providers are installed.
func (i *Issuer) Capabilities() map[string]bool {
	out := make(map[string]bool, len(i.caps))
	for k, v := range i.caps {
		out[k] = v
	}
	return out
}

// Fulfil delivers every part of the intent. A failing part does not stop
// the others; all failures are returned joined.
func (i *Issuer) Fulfil(ctx context.Context, in Intent) error {
	var errs []error
	if in.Money > 0 {
		if err := i.economy.Deposit(ctx, in.PlayerID, in.Money); err != nil {
			errs = append(errs, fmt.Errorf("money: %w", err))
		}
	}
	if in.Experience > 0 {
		if err := i.experience.GiveExperience(ctx, in.PlayerID, in.Experience); err != nil {
			errs = append(errs, fmt.Errorf("experience: %w", err))
		}
	}
	if in.Points > 0 {
		if err := i.points.Credit(ctx, in.PlayerID, in.Points); err != nil {
			errs = append(errs, fmt.Errorf("points: %w", err))
		}
	}
	for _, item := range in.Items {
		if err := i.items.GiveItem(ctx, in.PlayerID, item); err != nil {
			errs = append(errs, fmt.Errorf("item %s: %w", item.ID, err))
		}
	}
	for _, cmd := range in.Commands {
		if err := i.commands.Run(ctx, cmd); err != nil {
			errs = append(errs, fmt.Errorf("command %q: %w", cmd, err))
		}
	}
	return errors.Join(errs...)
}

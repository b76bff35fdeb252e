package reward

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kasuganosora/questforge/audit"
	"github.com/kasuganosora/questforge/game/quest"
	"github.com/kasuganosora/questforge/plugin/hook"
)

// Claim failure reasons.
const (
	ReasonNotFound       = "not_found"
	ReasonNotCompleted   = "not_completed"
	ReasonAlreadyClaimed = "already_claimed"
	ReasonNotContributor = "not_contributor"
	ReasonUnknownTier    = "unknown_tier"
	ReasonUnavailable    = "unavailable"
	ReasonInternal       = "internal"
)

// ReasonOf maps a store error to its claim failure reason.
func ReasonOf(err error) string {
	switch {
	case errors.Is(err, quest.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, quest.ErrNotCompleted):
		return ReasonNotCompleted
	case errors.Is(err, quest.ErrAlreadyClaimed):
		return ReasonAlreadyClaimed
	case errors.Is(err, quest.ErrNotContributor):
		return ReasonNotContributor
	case errors.Is(err, quest.ErrUnknownTier):
		return ReasonUnknownTier
	case errors.Is(err, quest.ErrStorageUnavailable):
		return ReasonUnavailable
	}
	return ReasonInternal
}

// Claimer is implemented by both quest stores.
type Claimer interface {
	Claim(ctx context.Context, playerID, questID string) (quest.Instance, error)
}

// Auditor records emitted intents.
type Auditor interface {
	Log(entry audit.AuditEntry)
}

// Request identifies the quest being claimed.
type Request struct {
	Tier       quest.Tier
	PlayerID   string
	PlayerName string
	QuestID    string
}

// Result is the outcome of a claim.
type Result struct {
	OK     bool            `json:"ok"`
	Reason string          `json:"reason,omitempty"`
	Quest  *quest.Instance `json:"quest,omitempty"`
	Intent *Intent         `json:"intent,omitempty"`
}

// Coordinator gates reward emission on the store's claim.
type Coordinator struct {
	issuer  *Issuer
	auditor Auditor
	hooks   *hook.HookCenter
	logger  *zap.Logger
}

// NewCoordinator creates a Coordinator. auditor may be nil.
func NewCoordinator(issuer *Issuer, auditor Auditor, hooks *hook.HookCenter, logger *zap.Logger) *Coordinator {
	return &Coordinator{issuer: issuer, auditor: auditor, hooks: hooks, logger: logger}
}

// Claim asks the store to claim the quest and, only if that succeeds,
// emits the reward intent exactly once.
func (c *Coordinator) Claim(ctx context.Context, store Claimer, req Request) Result {
	inst, err := store.Claim(ctx, req.PlayerID, req.QuestID)
	if err != nil {
		return Result{Reason: ReasonOf(err)}
	}

	name := req.PlayerName
	if name == "" {
		name = req.PlayerID
	}
	traceID := audit.TraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	in := Intent{
		TraceID:    traceID,
		PlayerID:   req.PlayerID,
		PlayerName: req.PlayerName,
		Tier:       req.Tier,
		QuestID:    inst.ID,
		TemplateID: inst.TemplateID,
		Money:      inst.Reward.Money,
		Experience: inst.Reward.Experience,
		Points:     inst.Reward.Points,
		Items:      inst.Reward.Items,
	}
	for _, cmd := range inst.Reward.Commands {
		in.Commands = append(in.Commands, ExpandCommand(cmd, name, inst.Reward.Points))
	}

	ferr := c.issuer.Fulfil(ctx, in)
	if ferr != nil {
		c.logger.Error("reward fulfilment failed",
			zap.String("player", req.PlayerID),
			zap.String("quest_id", inst.ID),
			zap.String("trace_id", in.TraceID),
			zap.Error(ferr))
	}
	if c.auditor != nil {
		entry := audit.AuditEntry{
			TraceID:  in.TraceID,
			PlayerID: req.PlayerID,
			Tier:     string(req.Tier),
			QuestID:  inst.ID,
			Action:   audit.ActionRewardClaim,
			Payload:  in,
		}
		if ferr != nil {
			entry.Error = ferr.Error()
		}
		c.auditor.Log(entry)
	}
	c.hooks.Emit(ctx, hook.OnQuestClaimed, quest.Event{
		Kind: hook.OnQuestClaimed, Player: req.PlayerID, Tier: req.Tier,
		Quest: &inst, Amount: in.Points, At: time.Now(),
	})
	return Result{OK: true, Quest: &inst, Intent: &in}
}

package quest

import "strings"

// Aliases maps a virtual target to the identifier suffix shared by its
// family, e.g. WOOD_PLANKS -> _PLANKS matches OAK_PLANKS and BIRCH_PLANKS.
type Aliases map[string]string

// DefaultAliases are used when the catalog source declares none.
var DefaultAliases = Aliases{"WOOD_PLANKS": "_PLANKS"}

// Matches decides whether a signal of the given category and target advances
// inst. It is pure; callers apply the mutation. Rules run in order:
//
//  1. a completed instance never matches
//  2. a wildcard quest only matches the identical generic tag
//  3. exact target equality matches
//  4. membership in the requirement identifier lists matches
//  5. a source-exclusive requirement rejects any other category, even for
//     identifiers that rules 3 and 4 would accept
//  6. alias families match by suffix
func Matches(inst *Instance, category Category, target string, aliases Aliases) bool {
	if inst == nil || inst.Completed {
		return false
	}
	// Rule 5 is checked first so it can veto rules 3 and 4.
	if pathway := inst.Requirement.Pathway(); pathway != "" {
		if category != pathway {
			return false
		}
	} else if category != inst.Category {
		return false
	}

	if IsWildcard(inst.Target) {
		return target == inst.Target
	}
	if target == inst.Target {
		return true
	}
	if inst.Requirement.Accepts(target) {
		return true
	}
	if suffix, ok := aliases[inst.Target]; ok && suffix != "" && !IsWildcard(target) {
		return strings.HasSuffix(target, suffix)
	}
	return false
}

// MeetsConstraints checks the optional world, biome and height constraints.
// Context the signal does not carry is not held against it.
func MeetsConstraints(req Requirement, sig Signal) bool {
	if sig.World != "" && len(req.Worlds) > 0 && !containsFold(req.Worlds, sig.World) {
		return false
	}
	if sig.Biome != "" && len(req.Biomes) > 0 && !containsFold(req.Biomes, sig.Biome) {
		return false
	}
	if sig.Y != nil {
		if req.YMin != nil && *sig.Y < *req.YMin {
			return false
		}
		if req.YMax != nil && *sig.Y > *req.YMax {
			return false
		}
	}
	return true
}

// MatchesSignal combines Matches and MeetsConstraints.
func MatchesSignal(inst *Instance, sig Signal, aliases Aliases) bool {
	return Matches(inst, sig.Category, sig.Target, aliases) && MeetsConstraints(inst.Requirement, sig)
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

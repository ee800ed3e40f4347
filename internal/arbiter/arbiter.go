// Package arbiter gates every command behind the safety policy before it
// can run. Checks are pure given current vitals: no mutation, no caching,
// safe to call repeatedly. Vitals change continuously, so every check polls
// the provider fresh.
package arbiter

import (
	"fmt"

	"pilot/internal/config"
	"pilot/internal/logging"
)

// Verdict is the outcome of one safety check. Computed fresh per call.
type Verdict struct {
	Safe   bool
	Reason string
}

// Vitals are the live survival metrics consulted by the gate.
type Vitals struct {
	Health float64
	Hunger float64
}

// VitalsProvider supplies live vitals. The second return value is false
// when the agent is not yet embodied and no vitals exist.
type VitalsProvider interface {
	Vitals() (Vitals, bool)
}

// TrustProvider answers trust questions about external requesters.
type TrustProvider interface {
	IsTrusted(userID, category string) bool
	TrustScore(userID string) float64
}

// TrustCategoryDestructive is the category consulted for destructive
// commands.
const TrustCategoryDestructive = "destructive"

// Arbiter vets command names against live vitals and the trust policy.
// Command categories are explicit enumerations from configuration; a
// command absent from every set is subject only to the hunger rule.
type Arbiter struct {
	cfg    config.SafetyConfig
	vitals VitalsProvider
	trust  TrustProvider

	destructive map[string]bool
	dangerous   map[string]bool
	safe        map[string]bool
	food        map[string]bool
}

// New builds an arbiter. trust may be nil when no external requesters
// exist; destructive commands from unidentified requesters are then vetoed.
func New(cfg config.SafetyConfig, vitals VitalsProvider, trust TrustProvider) *Arbiter {
	return &Arbiter{
		cfg:         cfg,
		vitals:      vitals,
		trust:       trust,
		destructive: toSet(cfg.DestructiveCommands),
		dangerous:   toSet(cfg.DangerousCommands),
		safe:        toSet(cfg.SafeCommands),
		food:        toSet(cfg.FoodCommands),
	}
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Check evaluates a proposed command. requesterID identifies the external
// actor asking for it; the empty string means the agent's own planner,
// which is implicitly trusted for destructive commands.
//
// Rules are evaluated in order, first match wins:
//  1. destructive command from an untrusted requester
//  2. hunger below critical and the command is neither food nor safe
//  3. health below critical and the command is dangerous
func (a *Arbiter) Check(command, requesterID string) Verdict {
	if a.destructive[command] && requesterID != "" {
		if a.trust == nil || !a.trust.IsTrusted(requesterID, TrustCategoryDestructive) {
			v := Verdict{Safe: false, Reason: fmt.Sprintf(
				"command %q is destructive and requester %q lacks sufficient trust", command, requesterID)}
			a.log(command, requesterID, v)
			return v
		}
	}

	vitals, ok := a.vitals.Vitals()
	if !ok {
		if a.cfg.FailClosed {
			v := Verdict{Safe: false, Reason: "vitals unavailable (fail-closed policy)"}
			a.log(command, requesterID, v)
			return v
		}
		// Fail-open: the agent is not embodied yet and bootstrap commands
		// must not be blocked. See config.SafetyConfig.FailClosed.
		return Verdict{Safe: true}
	}

	if vitals.Hunger < a.cfg.CriticalHunger && !a.food[command] && !a.safe[command] {
		v := Verdict{Safe: false, Reason: fmt.Sprintf(
			"STARVING: hunger %.0f below critical %.0f, only food or safe commands allowed",
			vitals.Hunger, a.cfg.CriticalHunger)}
		a.log(command, requesterID, v)
		return v
	}

	if vitals.Health < a.cfg.CriticalHealth && a.dangerous[command] {
		v := Verdict{Safe: false, Reason: fmt.Sprintf(
			"critical health %.0f below %.0f, command %q is too dangerous",
			vitals.Health, a.cfg.CriticalHealth, command)}
		a.log(command, requesterID, v)
		return v
	}

	return Verdict{Safe: true}
}

func (a *Arbiter) log(command, requesterID string, v Verdict) {
	logging.Get(logging.CategoryArbiter).Info("veto %q (requester=%q): %s", command, requesterID, v.Reason)
}

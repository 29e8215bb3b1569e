package automember

import (
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/discord"
)

// Eligibility is the flag-based result of evaluating a user against all
// promotion criteria simultaneously. Eligible and NotEligible are mutually
// exclusive in a final result.
type Eligibility uint16

const (
	// Eligible indicates the user passed every promotion criterion.
	Eligible Eligibility = 1 << iota
	// NotEligible indicates at least one criterion failed.
	NotEligible
	// AlreadyMember indicates the user already holds the member role.
	AlreadyMember
	// TooYoung indicates the user has not met the minimum tenure.
	TooYoung
	// MissingRoles indicates a required role group is unsatisfied or the
	// hold role is present.
	MissingRoles
	// MissingIntroduction indicates the user has not posted an introduction.
	MissingIntroduction
	// PunishmentReceived indicates the user has an active warning or case.
	PunishmentReceived
	// NotEnoughMessages indicates recent activity is below the minimum.
	NotEnoughMessages
	// AutoMemberHold indicates an administrative hold, via the hold role
	// or a hold record on the persistent record.
	AutoMemberHold
)

// eligibilityNames is a static lookup table; no reflection at runtime.
var eligibilityNames = []struct {
	flag Eligibility
	name string
}{
	{Eligible, "Eligible"},
	{NotEligible, "NotEligible"},
	{AlreadyMember, "AlreadyMember"},
	{TooYoung, "TooYoung"},
	{MissingRoles, "MissingRoles"},
	{MissingIntroduction, "MissingIntroduction"},
	{PunishmentReceived, "PunishmentReceived"},
	{NotEnoughMessages, "NotEnoughMessages"},
	{AutoMemberHold, "AutoMemberHold"},
}

// Has reports whether all given flags are set.
func (e Eligibility) Has(flags Eligibility) bool {
	return e&flags == flags
}

// String returns the set flags joined with "|".
func (e Eligibility) String() string {
	var names []string

	for _, entry := range eligibilityNames {
		if e&entry.flag != 0 {
			names = append(names, entry.name)
		}
	}

	if len(names) == 0 {
		return "None"
	}

	return strings.Join(names, "|")
}

// Config is the auto member system configuration, re-read each cycle so
// live reconfiguration takes effect on the next sweep.
type Config struct {
	GuildID                uint64
	MinimumJoinAge         time.Duration
	MinimumMessages        int
	MessageWindow          time.Duration
	RequiredRoleGroups     [][]uint64
	HoldRoleID             uint64
	MemberRoleID           uint64
	NewMemberRoleID        uint64
	IntroductionChannelID  uint64
	ActivityChannelIDs     []uint64
	PunishmentCheckEnabled bool
}

// EvalInput is the cached and persisted state a single evaluation needs.
type EvalInput struct {
	// Now is the evaluation time; tenure is measured against it.
	Now time.Time
	// MessageCount is the user's recent message count. Absence from the
	// activity cache counts as zero, not as exempt.
	MessageCount int
	// Introduced reports membership in the introduction poster set.
	Introduced bool
	// Punished reports membership in the punished set. Never set when
	// punishment checking is disabled or the feed is unavailable.
	Punished bool
	// OnHold reports an administrative hold record on the user.
	OnHold bool
}

// Evaluate is a pure function of configuration and user state. Each check
// contributes its flag independently; at the end any disqualifying flag
// flips the optimistic Eligible into NotEligible.
func Evaluate(cfg Config, user discord.UserSnapshot, in EvalInput) Eligibility {
	result := Eligible

	if user.HasRole(cfg.MemberRoleID) {
		result |= AlreadyMember
	}

	if user.JoinedAt.After(in.Now.Add(-cfg.MinimumJoinAge)) {
		result |= TooYoung
	}

	if cfg.HoldRoleID != 0 && user.HasRole(cfg.HoldRoleID) {
		result |= MissingRoles | AutoMemberHold
	}

	for _, group := range cfg.RequiredRoleGroups {
		if !user.HasAnyRole(group) {
			result |= MissingRoles
			break
		}
	}

	if !in.Introduced {
		result |= MissingIntroduction
	}

	if in.MessageCount < cfg.MinimumMessages {
		result |= NotEnoughMessages
	}

	if in.Punished {
		result |= PunishmentReceived
	}

	if in.OnHold {
		result |= AutoMemberHold
	}

	if result != Eligible {
		result = (result &^ Eligible) | NotEligible
	}

	return result
}

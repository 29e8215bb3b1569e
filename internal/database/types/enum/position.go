package enum

// Position represents a user's membership standing within a guild.
type Position int

const (
	// PositionUnknown indicates the user's standing has not been determined.
	PositionUnknown Position = iota
	// PositionNewMember indicates a user who joined but has not met promotion criteria.
	PositionNewMember
	// PositionMember indicates a user who holds full membership.
	PositionMember
	// PositionModerator indicates a user with moderation privileges.
	PositionModerator
	// PositionAdmin indicates a user with administrative privileges.
	PositionAdmin
	// PositionOwner indicates the guild owner.
	PositionOwner
)

// positionNames maps positions to their persisted string form. Built once
// so no reflection is needed at runtime.
var positionNames = map[Position]string{
	PositionUnknown:   "Unknown",
	PositionNewMember: "NewMember",
	PositionMember:    "Member",
	PositionModerator: "Moderator",
	PositionAdmin:     "Admin",
	PositionOwner:     "Owner",
}

// positionValues is the reverse lookup of positionNames.
var positionValues = func() map[string]Position {
	values := make(map[string]Position, len(positionNames))
	for position, name := range positionNames {
		values[name] = position
	}

	return values
}()

// String returns the persisted name of the position.
func (p Position) String() string {
	if name, ok := positionNames[p]; ok {
		return name
	}

	return positionNames[PositionUnknown]
}

// ParsePosition converts a persisted name back into a Position. Unrecognized
// names map to PositionUnknown.
func ParsePosition(name string) Position {
	if position, ok := positionValues[name]; ok {
		return position
	}

	return PositionUnknown
}

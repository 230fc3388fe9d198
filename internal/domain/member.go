package domain

// Member represents user's participation meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	User         *User
	ConnectionID string
	AudioMuted   bool
	VideoPaused  bool
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user *User, connectionID string) *Member {
	return &Member{User: user, ConnectionID: connectionID}
}

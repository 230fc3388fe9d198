package domain

import (
	"errors"
	"fmt"
)

var ErrUnknownRole = errors.New("unknown role")

// Role is passed through to other participants; nothing is gated on it.
type Role string

const (
	RoleCandidate   Role = "candidate"
	RoleInterviewer Role = "interviewer"
	RoleRecruiter   Role = "recruiter"
)

var Roles = []Role{RoleCandidate, RoleInterviewer, RoleRecruiter}

// ParseRole defaults an empty value to candidate.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case "":
		return RoleCandidate, nil
	case RoleCandidate, RoleInterviewer, RoleRecruiter:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

func (r Role) String() string { return string(r) }

package app

import (
	"testing"

	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/domain"
	"github.com/stretchr/testify/assert"
)

type nopSignal struct{}

func (nopSignal) TrySend(core.Frame) error { return nil }
func (nopSignal) Close()                   {}

func TestUserDroppedWithLastConnection(t *testing.T) {
	r := NewRegistry()
	r.BindSignal("s1", "u1", nopSignal{}, nil)
	r.BindSignal("s2", "u1", nopSignal{}, nil)
	r.UpdateUser("u1", "alice", domain.RoleInterviewer)

	r.Unbind("s1")
	assert.Equal(t, 1, r.Users())
	u, ok := r.UserOf("s2")
	assert.True(t, ok)
	assert.Equal(t, "alice", u.Username)

	r.Unbind("s2")
	assert.Equal(t, 0, r.Users())
	assert.Equal(t, 0, r.Len())
}

func TestUnbindUnknownKeepsUsers(t *testing.T) {
	r := NewRegistry()
	r.BindSignal("s1", "u1", nopSignal{}, nil)

	assert.Nil(t, r.Unbind("nope"))
	assert.Equal(t, 1, r.Users())
}

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowPatchNextState(t *testing.T) {
	cases := []struct {
		current, patch, want string
		invalid              bool
	}{
		{current: "sent", patch: "delivered", want: "delivered"},
		{current: "sent", patch: "read", want: "read"},
		{current: "delivered", patch: "read", want: "read"},
		{current: "read", patch: "read", want: "read"},
		{current: "deleted", patch: "read", want: "deleted"},
		{current: "read", patch: "sent", invalid: true},
		{current: "read", patch: "delivered", invalid: true},
		{current: "sent", patch: "pending", invalid: true},
		{current: "sent", patch: "failed", invalid: true},
		{current: "sent", patch: "sending", invalid: true},
		{current: "sent", patch: "deleted", invalid: true},
	}
	for _, c := range cases {
		patch := RowPatch{State: &c.patch}
		got, err := patch.NextState(c.current)
		if c.invalid {
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", c.current, c.patch)
			continue
		}
		require.NoError(t, err, "%s -> %s", c.current, c.patch)
		assert.Equal(t, c.want, got, "%s -> %s", c.current, c.patch)
	}

	bogus := "teleported"
	_, err := RowPatch{State: &bogus}.NextState("sent")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidTransition)
}

package monitor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunState_AdmissionRules(t *testing.T) {
	s := NewRunState()

	superseded, err := s.AddRoot("/data/sub")
	require.NoError(t, err)
	assert.Empty(t, superseded)

	_, err = s.AddRoot("/other")
	require.NoError(t, err)

	// An ancestor replaces its descendants and keeps the rest in order.
	superseded, err = s.AddRoot("/data")
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/sub"}, superseded)
	assert.Equal(t, []string{"/other", "/data"}, s.Roots())

	// A descendant of a registered root is rejected.
	_, err = s.AddRoot("/data/sub")
	assert.ErrorIs(t, err, ErrRootOverlap)

	// Prefix siblings do not overlap.
	_, err = s.AddRoot("/database")
	require.NoError(t, err)

	// Duplicates are ignored.
	_, err = s.AddRoot("/data")
	require.NoError(t, err)
	assert.Equal(t, []string{"/other", "/data", "/database"}, s.Roots())
}

func TestRunState_RemoveRoot(t *testing.T) {
	s := NewRunState()
	_, err := s.AddRoot("/a")
	require.NoError(t, err)

	require.NoError(t, s.RemoveRoot("/a"))
	assert.Empty(t, s.Roots())
	assert.ErrorIs(t, s.RemoveRoot("/a"), ErrRootNotFound)
}

func TestRunState_RootsFrozenWhileActive(t *testing.T) {
	s := NewRunState()
	_, err := s.AddRoot("/a")
	require.NoError(t, err)

	num, roots, ok := s.activate()
	require.True(t, ok)
	assert.Equal(t, []string{"/a"}, roots)

	_, err = s.AddRoot("/b")
	assert.ErrorIs(t, err, ErrActive)
	assert.ErrorIs(t, s.RemoveRoot("/a"), ErrActive)

	_, _, ok = s.activate()
	assert.False(t, ok, "a second activation must not start another session")

	assert.True(t, s.deactivate())
	assert.False(t, s.deactivate())
	require.NoError(t, s.RemoveRoot("/a"))
	assert.NotZero(t, num)
}

func TestRunState_GateIsPerSession(t *testing.T) {
	s := NewRunState()

	first, _, _ := s.activate()
	g1 := s.gate(first)
	assert.True(t, g1.Active())

	s.deactivate()
	assert.False(t, g1.Active())

	second, _, _ := s.activate()
	assert.False(t, g1.Active(), "an old loop must stay closed after a restart")
	assert.True(t, s.gate(second).Active())

	// Ending a stale session leaves the current one running.
	s.end(first)
	assert.True(t, s.Active())
	s.end(second)
	assert.False(t, s.Active())
}

func TestCheckPath(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		cwd       string
		wantErr   bool
	}{
		{"unrelated", "/data", "/srv/fimd", false},
		{"below cwd", "/srv/fimd/watched", "/srv/fimd", false},
		{"equal to cwd", "/srv/fimd", "/srv/fimd", true},
		{"ancestor of cwd", "/srv", "/srv/fimd", true},
		{"filesystem root", "/", "/srv/fimd", true},
		{"prefix sibling", "/srv/fim", "/srv/fimd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPath(tt.candidate, tt.cwd)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrSelfReferential), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

package prompts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s, err := NewStore(Config{})
	require.NoError(t, err)

	assert.Contains(t, s.System(), "pickids")
	assert.Contains(t, s.System(), "order")
	assert.Contains(t, s.System(), "reasons")
	assert.Contains(t, s.User(), PlaceholderQuery)
	assert.Contains(t, s.User(), PlaceholderCandidates)
}

func TestFillUser(t *testing.T) {
	s, err := NewStore(Config{})
	require.NoError(t, err)

	filled := s.FillUser("rent a car in Munich", "svc-a:\n  description: rentals")
	assert.Contains(t, filled, "rent a car in Munich")
	assert.Contains(t, filled, "svc-a:\n  description: rentals")
	assert.NotContains(t, filled, PlaceholderQuery)
	assert.NotContains(t, filled, PlaceholderCandidates)
}

func TestFileOverrides(t *testing.T) {
	dir := t.TempDir()
	systemPath := filepath.Join(dir, "system.txt")
	userPath := filepath.Join(dir, "user.txt")
	require.NoError(t, os.WriteFile(systemPath, []byte("custom system"), 0o644))
	require.NoError(t, os.WriteFile(userPath, []byte("q={{query}} c={{candidates}}"), 0o644))

	s, err := NewStore(Config{SystemPath: systemPath, UserPath: userPath})
	require.NoError(t, err)

	assert.Equal(t, "custom system", s.System())
	assert.Equal(t, "q=hello c=list", s.FillUser("hello", "list"))
}

func TestMissingOverrideFile(t *testing.T) {
	_, err := NewStore(Config{SystemPath: filepath.Join(t.TempDir(), "absent.txt")})
	require.Error(t, err)
}

func TestUserOverrideMissingPlaceholder(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "user.txt")
	require.NoError(t, os.WriteFile(userPath, []byte("no markers here"), 0o644))

	_, err := NewStore(Config{UserPath: userPath})
	require.Error(t, err)
	assert.Contains(t, err.Error(), PlaceholderQuery)
}

func TestWatchReloadsSystemTemplate(t *testing.T) {
	dir := t.TempDir()
	systemPath := filepath.Join(dir, "system.txt")
	require.NoError(t, os.WriteFile(systemPath, []byte("v1"), 0o644))

	s, err := NewStore(Config{
		SystemPath:    systemPath,
		DebounceDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))

	require.NoError(t, os.WriteFile(systemPath, []byte("v2"), 0o644))

	require.Eventually(t, func() bool {
		return s.System() == "v2"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchKeepsPreviousOnBadUserTemplate(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "user.txt")
	require.NoError(t, os.WriteFile(userPath, []byte("ok {{query}} {{candidates}}"), 0o644))

	s, err := NewStore(Config{
		UserPath:      userPath,
		DebounceDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))

	// Rewrite without placeholders: the reload must be rejected.
	require.NoError(t, os.WriteFile(userPath, []byte("broken"), 0o644))

	// Give the debounced reload a chance to run, then confirm the
	// template is unchanged.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, "ok {{query}} {{candidates}}", s.User())
}

func TestWatchWithoutOverridesIsNoop(t *testing.T) {
	s, err := NewStore(Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))
	require.NoError(t, s.Close())
}

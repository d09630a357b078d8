package version

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	assert.NotEmpty(t, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Contains(t, info.Platform, runtime.GOOS)
	assert.Contains(t, info.Platform, runtime.GOARCH)
}

func TestGetInfo_InjectedCommitWins(t *testing.T) {
	originalCommit := Commit
	defer func() { Commit = originalCommit }()

	Commit = "0123456789abcdef"
	info := GetInfo()
	assert.Equal(t, "0123456789abcdef", info.Commit)
	assert.Equal(t, "01234567", info.ShortCommit())
}

func TestShortCommit(t *testing.T) {
	tests := []struct {
		commit string
		want   string
	}{
		{"unknown", ""},
		{"abc", ""},
		{"0123456789abcdef", "01234567"},
	}
	for _, tt := range tests {
		t.Run(tt.commit, func(t *testing.T) {
			assert.Equal(t, tt.want, Info{Commit: tt.commit}.ShortCommit())
		})
	}
}

func TestString(t *testing.T) {
	s := String()
	assert.True(t, strings.HasPrefix(s, ApplicationName+" version "))
}

func TestShort(t *testing.T) {
	originalVersion, originalCommit := Version, Commit
	defer func() { Version, Commit = originalVersion, originalCommit }()

	Version = "1.0.0"
	Commit = "0123456789abcdef"
	assert.Equal(t, "1.0.0 (01234567)", Short())
}

func TestInfo_JSON(t *testing.T) {
	data, err := json.Marshal(GetInfo())
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))
	for _, key := range []string{"version", "commit", "date", "go_version", "platform"} {
		assert.Contains(t, parsed, key)
	}
}

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecmesh/vector"
)

func TestParsePeers(t *testing.T) {
	peers, ids, err := parsePeers([]string{"a=http://10.0.0.1:7070", "b=http://10.0.0.2:7070"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, "http://10.0.0.2:7070", peers["b"])

	for _, bad := range [][]string{
		{"a"},
		{"=http://x"},
		{"a="},
		{"a=http://x", "a=http://y"},
	} {
		_, _, err := parsePeers(bad)
		assert.Error(t, err, "%v", bad)
	}
}

func TestParseVector(t *testing.T) {
	v, err := parseVector("0.5, -1,2.25")
	require.NoError(t, err)
	assert.Equal(t, vector.Vector{0.5, -1, 2.25}, v)

	_, err = parseVector("1,x")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug", true)
	require.NoError(t, err)
	_, err = newLogger("loud", false)
	assert.Error(t, err)
}

func TestRouteCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"route", "--nodes", "a,b", "--shards", "4", "--replicas", "2", "0.1,-0.4,0.9"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "key:")
	assert.Contains(t, out.String(), "owner:")
	assert.Contains(t, out.String(), "replicas:")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

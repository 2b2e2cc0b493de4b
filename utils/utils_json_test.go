package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Ports []int  `json:"ports"`
}

func TestWriteThenReadJsonFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sample.json")
	in := sample{Name: "front", Ports: []int{8551, 8552}}

	require.NoError(t, WriteJsonFile(path, in))

	out, err := ReadJsonFile[sample](path)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	want, err := MarshalJson(in)
	require.NoError(t, err)
	assert.Equal(t, want, data)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestReadJsonFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadJsonFile[sample](filepath.Join(dir, "missing.json"))
	assert.True(t, os.IsNotExist(err))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))
	_, err = ReadJsonFile[sample](bad)
	assert.Error(t, err)
}

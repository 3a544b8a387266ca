package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOverrides(t *testing.T) {
	got, err := parseOverrides([]string{"BASE_URL=http://localhost:8080/?a=b", "EMPTY=", " USER =bob"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"BASE_URL": "http://localhost:8080/?a=b",
		"EMPTY":    "",
		"USER":     "bob",
	}, got)

	got, err = parseOverrides(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, bad := range []string{"NOVALUE", "=x"} {
		_, err := parseOverrides([]string{bad})
		assert.Error(t, err, bad)
	}
}

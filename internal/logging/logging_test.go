package logging_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codor/internal/logging"
)

func TestVerboseEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	l, err := logging.New(logging.Options{Output: &buf})
	require.NoError(t, err)
	l.Debug("hidden")
	l.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	l, err = logging.New(logging.Options{Output: &buf, Verbose: true, Format: "json"})
	require.NoError(t, err)
	l.Debug("visible")
	assert.True(t, strings.HasPrefix(buf.String(), "{"), buf.String())
	assert.Contains(t, buf.String(), `"msg":"visible"`)
}

func TestInvalidLevel(t *testing.T) {
	_, err := logging.New(logging.Options{Level: "loud"})
	require.Error(t, err)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, logging.OrNop(nil))
}

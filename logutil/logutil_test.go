package logutil

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	t.Cleanup(func() { Setup(os.Stderr, "info", "text") })

	var buf bytes.Buffer
	require.NoError(t, Setup(&buf, "debug", "json"))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	logrus.WithField("request_id", "abc").Debug("request added")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "abc", entry["request_id"])
	assert.Equal(t, "request added", entry["msg"])
}

func TestSetupRejectsBadInput(t *testing.T) {
	assert.Error(t, Setup(os.Stderr, "loud", "text"))
	assert.Error(t, Setup(os.Stderr, "info", "xml"))
}

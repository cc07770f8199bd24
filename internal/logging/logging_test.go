package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputSplitterWriteReturnsLength(t *testing.T) {
	splitter := outputSplitter{}

	messages := [][]byte{
		[]byte(`time="2026-07-31T10:00:00Z" level=info msg="started"`),
		[]byte(`time="2026-07-31T10:00:00Z" level=error msg="db down"`),
		[]byte(""),
	}

	for _, msg := range messages {
		n, err := splitter.Write(msg)
		require.NoError(t, err)
		assert.Equal(t, len(msg), n)
	}
}

func TestOutputSplitterRoutesOnLevelErrorPattern(t *testing.T) {
	splitter := outputSplitter{}

	assert.True(t, bytes.Contains([]byte("level=error msg=boom"), []byte("level=error")))
	n, err := splitter.Write([]byte("level=error msg=boom"))
	require.NoError(t, err)
	assert.Equal(t, len("level=error msg=boom"), n)

	n, err = splitter.Write([]byte("level=info msg=ok"))
	require.NoError(t, err)
	assert.Equal(t, len("level=info msg=ok"), n)
}

func TestNewDefaultsToInfoOnUnknownLevel(t *testing.T) {
	l := New("not-a-real-level", false)
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestNewHonorsRequestedLevel(t *testing.T) {
	l := New("debug", false)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
}

func TestNewUsesJSONFormatterWhenRequested(t *testing.T) {
	l := New("info", true)
	_, ok := l.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
}

func TestNewUsesTextFormatterByDefault(t *testing.T) {
	l := New("info", false)
	_, ok := l.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}

func TestComponentTagsEntryWithComponentField(t *testing.T) {
	l := New("info", false)
	entry := Component(l, "manager")
	assert.Equal(t, "manager", entry.Data["component"])
}

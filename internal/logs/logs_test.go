package logs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitReusesLogFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	t.Cleanup(func() { Init(Options{Level: "info"}) })

	Init(Options{Level: "info", File: first})
	opened := file
	require.NotNil(t, opened)

	Init(Options{Level: "debug", File: first})
	assert.Same(t, opened, file, "same path keeps the open handle")
	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())

	Init(Options{Level: "info", File: filepath.Join(dir, "b.log")})
	assert.NotSame(t, opened, file)
	_, err := opened.WriteString("x")
	assert.ErrorIs(t, err, os.ErrClosed, "previous file is closed")

	Component("test").Info("hello")
	b, err := os.ReadFile(filepath.Join(dir, "b.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello")

	Init(Options{Level: "info"})
	assert.Nil(t, file)
}

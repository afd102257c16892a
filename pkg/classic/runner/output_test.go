package runner

import (
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineFormatterPlainOmitsColorCodes(t *testing.T) {
	f := &lineFormatter{colorize: false}
	entry := &logrus.Entry{Time: time.Now(), Level: logrus.WarnLevel, Message: "uh oh"}
	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Contains(t, string(out), "uh oh")
	assert.NotContains(t, string(out), "\x1b[")
}

func TestLineFormatterColorizesWarnAndError(t *testing.T) {
	f := &lineFormatter{colorize: true}

	warn, err := f.Format(&logrus.Entry{Time: time.Now(), Level: logrus.WarnLevel, Message: "careful"})
	require.NoError(t, err)
	assert.Contains(t, string(warn), "\x1b[33m")

	errOut, err := f.Format(&logrus.Entry{Time: time.Now(), Level: logrus.ErrorLevel, Message: "broken"})
	require.NoError(t, err)
	assert.Contains(t, string(errOut), "\x1b[31m")
}

func TestLineFormatterColorizeLeavesInfoPlain(t *testing.T) {
	f := &lineFormatter{colorize: true}
	out, err := f.Format(&logrus.Entry{Time: time.Now(), Level: logrus.InfoLevel, Message: "routine"})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "\x1b[")
}

func TestIsTerminalFalseForNonFile(t *testing.T) {
	var sb strings.Builder
	assert.False(t, isTerminal(&sb))
}

package runner

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"
)

// lineFormatter renders each log entry as a single timestamped line,
// matching the session log format produced by the original Runner. Warnings
// and errors get colored when the destination is a live terminal, the way
// the original's console handler does; a plain log file never does.
type lineFormatter struct {
	colorize bool
}

var levelColor = map[logrus.Level]string{
	logrus.WarnLevel:  "33", // yellow
	logrus.ErrorLevel: "31", // red
	logrus.FatalLevel: "31",
	logrus.PanicLevel: "31",
}

func (f *lineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}
	b.WriteString(entry.Time.Format("2006-01-02 15:04:05.000"))
	b.WriteByte(' ')
	if f.colorize {
		if color, ok := levelColor[entry.Level]; ok {
			fmt.Fprintf(b, "\x1b[%sm%s\x1b[0m", color, entry.Message)
		} else {
			b.WriteString(entry.Message)
		}
	} else {
		b.WriteString(entry.Message)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

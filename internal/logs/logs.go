package logs

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger; Init configures it once at startup.
var Logger = logrus.New()

var (
	mu   sync.Mutex
	file *os.File // current log file, reused while the path is unchanged
)

type Options struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	File   string // optional, appended in addition to stdout
}

func Init(o Options) {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(o.Level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	switch strings.ToLower(o.Format) {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	mu.Lock()
	defer mu.Unlock()
	if file != nil && file.Name() == o.File {
		return
	}

	out := io.Writer(os.Stdout)
	var f *os.File
	if o.File != "" {
		f, err = os.OpenFile(o.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			Logger.Warnf("log file %s: %v (stdout only)", o.File, err)
			f = nil
		} else {
			out = io.MultiWriter(os.Stdout, f)
		}
	}
	Logger.SetOutput(out)
	if file != nil {
		_ = file.Close()
	}
	file = f
}

// Component returns a logger entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}

package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/gin-gonic/gin"
)

var (
	// Logger is the process-wide structured logger; request handlers pull a
	// request-scoped child of it via gmw.GetLogger(c) once gin is wired up.
	Logger glog.Logger

	// LogDir, when non-empty, mirrors gin's output to a daily file under this
	// directory in addition to stdout/stderr. Logger's own output is not
	// written to that file.
	LogDir string

	setupLogOnce sync.Once
	initLogOnce  sync.Once
)

func init() {
	initLogger(false)
}

// initLogger creates the go-utils console logger.
func initLogger(debug bool) {
	initLogOnce.Do(func() {
		level := glog.LevelInfo
		if debug {
			level = glog.LevelDebug
		}

		var err error
		Logger, err = glog.NewConsoleWithName("kirobridge", level)
		if err != nil {
			panic(fmt.Sprintf("failed to create logger: %+v", err))
		}
	})
}

// Init (re)configures the logger's level once the config file has been
// loaded. Safe to call even though the package-level init() already ran.
func Init(debug bool) {
	if debug {
		_ = Logger.ChangeLevel("debug")
	} else {
		_ = Logger.ChangeLevel("info")
	}
}

// SetupLogger mirrors gin's DefaultWriter and DefaultErrorWriter into a daily
// log file under LogDir, if one is configured. No-op otherwise. Logger's own
// zap output is not redirected and still goes only to the console.
func SetupLogger() {
	setupLogOnce.Do(func() {
		if LogDir == "" {
			return
		}

		logPath := filepath.Join(LogDir, fmt.Sprintf("kirobridge-%s.log", time.Now().Format("20060102")))
		fd, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal("failed to open log file")
		}
		gin.DefaultWriter = io.MultiWriter(os.Stdout, fd)
		gin.DefaultErrorWriter = io.MultiWriter(os.Stderr, fd)
	})
}

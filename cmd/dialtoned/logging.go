package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opd-ai/dialtone/config"
)

// logFile rotates the file sink when one is configured.
var logFile *lumberjack.Logger

// initLogging configures the process-wide logger: console always,
// plus a size-rotated file when cfg.File is set. Console and file
// keep independent levels.
func initLogging(cfg config.LogConfig) error {
	consoleLevel, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	}

	if cfg.File == "" {
		logrus.SetOutput(os.Stdout)
		logrus.SetLevel(consoleLevel)
		return nil
	}

	fileLevel := consoleLevel
	if cfg.FileLevel != "" {
		fileLevel, err = logrus.ParseLevel(cfg.FileLevel)
		if err != nil {
			return fmt.Errorf("invalid file log level %q: %w", cfg.FileLevel, err)
		}
	}

	logFile = &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}

	// The hooks do the writing. The logger itself is silenced and set
	// to the most verbose sink so each hook can apply its own level.
	logrus.SetOutput(io.Discard)
	logrus.SetLevel(mostVerbose(consoleLevel, fileLevel))
	logrus.AddHook(&writerHook{writer: os.Stdout, levels: levelsThrough(consoleLevel)})
	logrus.AddHook(&writerHook{writer: logFile, levels: levelsThrough(fileLevel)})
	return nil
}

// closeLogging flushes and closes the rotating file sink.
func closeLogging() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// writerHook writes entries at its levels to one sink.
type writerHook struct {
	writer io.Writer
	levels []logrus.Level
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level { return h.levels }

// levelsThrough lists every level at or above min severity. Logrus
// orders levels from Panic (0) up, so "through" means <= min.
func levelsThrough(min logrus.Level) []logrus.Level {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

func mostVerbose(a, b logrus.Level) logrus.Level {
	if a > b {
		return a
	}
	return b
}

// Package logrecorder sends the process log to dated files: one directory
// per day, one file per rotation interval.
package logrecorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

const rotateInterval = 5 * time.Minute

// NowString returns the current time as "20060102_1504", the suffix used
// in rotated file names.
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir creates (if needed) the day directory, e.g. base/2026_08_27.
func MakeDir(base string) (string, error) {
	now := time.Now()
	dirName := fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day())
	fullPath := filepath.Join(base, dirName)
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}
	return fullPath, nil
}

// Recorder rotates a logger's output through timestamped files.
type Recorder struct {
	base    string
	name    string
	logger  *logrus.Logger
	current *os.File
}

func New(base, name string, logger *logrus.Logger) *Recorder {
	return &Recorder{base: base, name: name, logger: logger}
}

// open points the logger at a fresh timestamped file, closing the old one.
func (r *Recorder) open() error {
	dir, err := MakeDir(r.base)
	if err != nil {
		return err
	}
	logPath := filepath.Join(dir, fmt.Sprintf("%s%s.log", r.name, NowString()))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.logger.SetOutput(f)
	if r.current != nil {
		r.current.Close()
	}
	r.current = f
	return nil
}

// Start opens the initial file and rotates on a timer until the context
// ends.
func (r *Recorder) Start(ctx context.Context) error {
	if err := r.open(); err != nil {
		return err
	}
	go func() {
		ticker := time.NewTicker(rotateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if r.current != nil {
					r.current.Close()
				}
				return
			case <-ticker.C:
				if err := r.open(); err != nil {
					r.logger.WithError(err).Error("log rotation failed")
				}
			}
		}
	}()
	return nil
}

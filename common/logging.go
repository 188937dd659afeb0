// Package common provides logging and small shared helpers used across the
// broker, controller, worker, responder, and frontend packages.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes logrus's formatted output to stderr for error-level
// (and above) records and stdout for everything else, so operators can pipe
// the two streams separately without a log shipper parsing levels itself.
type OutputSplitter struct{}

func (s *OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("level=fatal")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. Every component logs through it with
// structured fields rather than fmt.Printf.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// Config controls the global logger's level and format. Format "json" is
// intended for production deployments behind a log shipper; anything else
// gets the human-readable text formatter.
type Config struct {
	Level  string
	Format string
}

// Configure applies cfg to the global Logger. Called once at startup from
// each cli subcommand after config is loaded.
func Configure(cfg Config) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	Logger.SetLevel(level)

	if cfg.Format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// RequestFields returns the structured fields a broker-pipeline component
// should attach when logging about a specific request.
func RequestFields(fingerprint, metric, cohortExpr string) logrus.Fields {
	return logrus.Fields{
		"fingerprint": fingerprint,
		"metric":      metric,
		"cohort_expr": cohortExpr,
	}
}

// JobFields returns the structured fields the controller and worker attach
// when logging about a dispatched job.
func JobFields(jobID, fingerprint string) logrus.Fields {
	return logrus.Fields{
		"job_id":      jobID,
		"fingerprint": fingerprint,
	}
}

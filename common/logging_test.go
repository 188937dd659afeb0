package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputSplitter_RoutesByLevel(t *testing.T) {
	splitter := &OutputSplitter{}

	tests := []struct {
		name     string
		message  []byte
		toStderr bool
	}{
		{"ErrorLevel", []byte(`time="2026-01-15T10:30:00Z" level=error msg="db connection failed"`), true},
		{"FatalLevel", []byte(`time="2026-01-15T10:30:00Z" level=fatal msg="unrecoverable"`), true},
		{"InfoLevel", []byte(`time="2026-01-15T10:30:00Z" level=info msg="controller started"`), false},
		{"WarnLevel", []byte(`time="2026-01-15T10:30:00Z" level=warning msg="queue depth high"`), false},
		{"ErrorWordInMessageOnly", []byte(`time="2026-01-15T10:30:00Z" level=info msg="no error here"`), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			stdout, err := os.Create(filepath.Join(dir, "stdout"))
			require.NoError(t, err)
			defer stdout.Close()
			stderr, err := os.Create(filepath.Join(dir, "stderr"))
			require.NoError(t, err)
			defer stderr.Close()

			origOut, origErr := os.Stdout, os.Stderr
			os.Stdout, os.Stderr = stdout, stderr
			n, err := splitter.Write(tt.message)
			os.Stdout, os.Stderr = origOut, origErr

			assert.NoError(t, err)
			assert.Equal(t, len(tt.message), n)

			gotOut, err := os.ReadFile(stdout.Name())
			require.NoError(t, err)
			gotErr, err := os.ReadFile(stderr.Name())
			require.NoError(t, err)
			if tt.toStderr {
				assert.Equal(t, tt.message, gotErr)
				assert.Empty(t, gotOut)
			} else {
				assert.Equal(t, tt.message, gotOut)
				assert.Empty(t, gotErr)
			}
		})
	}
}

func TestLogger_Initialization(t *testing.T) {
	assert.NotNil(t, Logger)
	_, ok := Logger.Out.(*OutputSplitter)
	assert.True(t, ok, "Logger should write through OutputSplitter")
}

func TestConfigure(t *testing.T) {
	Configure(Config{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())
	_, isJSON := Logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)

	Configure(Config{Level: "bogus", Format: "text"})
	assert.Equal(t, logrus.InfoLevel, Logger.GetLevel(), "unparseable level falls back to info")
}

func TestRequestFields(t *testing.T) {
	f := RequestFields("abc123", "edit_count", "1&2")
	assert.Equal(t, "abc123", f["fingerprint"])
	assert.Equal(t, "edit_count", f["metric"])
	assert.Equal(t, "1&2", f["cohort_expr"])
}

func TestJobFields(t *testing.T) {
	f := JobFields("job-1", "abc123")
	assert.Equal(t, "job-1", f["job_id"])
	assert.Equal(t, "abc123", f["fingerprint"])
}

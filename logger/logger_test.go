package logger_test

import (
	"os"
	"strings"
	"testing"

	"github.com/remiges-tech/refinery/logger"
)

func TestFileLogger(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "log")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name()) // clean up

	fl := &logger.FileLogger{FilePath: tmpfile.Name()}

	if err := fl.Log("Test message 1"); err != nil {
		t.Fatal(err)
	}
	if err := fl.Log("Test message 2"); err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(tmpfile.Name())
	if err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(string(content), "\n")
	if len(lines) < 2 {
		t.Fatalf("Expected at least 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "Test message 1") {
		t.Errorf("Expected 'Test message 1', got '%s'", lines[0])
	}
	if !strings.Contains(lines[1], "Test message 2") {
		t.Errorf("Expected 'Test message 2', got '%s'", lines[1])
	}
}

func TestFileLoggerRequiresPath(t *testing.T) {
	fl := &logger.FileLogger{}
	if err := fl.Log("dropped"); err == nil {
		t.Error("expected an error for an empty FilePath")
	}
}

func TestLoadLogger(t *testing.T) {
	l := logger.LoadLogger("refinery-test")
	if l == nil {
		t.Fatal("LoadLogger returned nil")
	}
	if err := l.Log("startup"); err != nil {
		t.Errorf("Log returned error: %v", err)
	}
}

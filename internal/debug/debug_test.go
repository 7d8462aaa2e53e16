package debug

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// saveAndRestoreState saves the debug package state and returns a cleanup function
func saveAndRestoreState() func() {
	originalDebug := EnableDebug
	originalMode := QuietMode
	originalOutput := debugOutput
	originalFile := debugFile
	return func() {
		EnableDebug = originalDebug
		QuietMode = originalMode
		debugOutput = originalOutput
		debugFile = originalFile
	}
}

// TestSetQuietMode tests the set quiet mode.
func TestSetQuietMode(t *testing.T) {
	defer saveAndRestoreState()()

	SetQuietMode(true)
	assert.True(t, QuietMode)

	SetQuietMode(false)
	assert.False(t, QuietMode)
}

// TestIsDebugEnabled tests the is debug enabled.
func TestIsDebugEnabled(t *testing.T) {
	defer saveAndRestoreState()()

	EnableDebug = "false"
	QuietMode = false
	assert.False(t, IsDebugEnabled())

	EnableDebug = "true"
	QuietMode = false
	assert.True(t, IsDebugEnabled())

	EnableDebug = "invalid"
	assert.False(t, IsDebugEnabled())
}

// TestLog tests the log.
func TestLog(t *testing.T) {
	defer saveAndRestoreState()()

	var buf bytes.Buffer
	SetDebugOutput(&buf)
	EnableDebug = "true"
	QuietMode = false
	Log("TEST", "Hello %s", "World")

	output := buf.String()
	assert.Contains(t, output, "[DEBUG:TEST]")
	assert.Contains(t, output, "Hello World")
}

// TestLog_QuietMode tests that quiet mode suppresses all log output.
func TestLog_QuietMode(t *testing.T) {
	defer saveAndRestoreState()()

	var buf bytes.Buffer
	SetDebugOutput(&buf)
	EnableDebug = "true"
	QuietMode = true
	Log("TEST", "Should not appear")

	output := buf.String()
	assert.Empty(t, output)
}

// TestLogScan tests the scanner/indexer log helper.
func TestLogScan(t *testing.T) {
	defer saveAndRestoreState()()

	var buf bytes.Buffer
	SetDebugOutput(&buf)
	EnableDebug = "true"
	QuietMode = false
	LogScan("scanning %s", "file.go")

	output := buf.String()
	assert.Contains(t, output, "[DEBUG:SCAN]")
	assert.Contains(t, output, "scanning file.go")
}

// TestFatal tests the fatal.
func TestFatal(t *testing.T) {
	defer saveAndRestoreState()()

	var buf bytes.Buffer
	SetDebugOutput(&buf)
	QuietMode = false
	err := Fatal("test error: %s", "details")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "fatal error: test error: details")
	assert.Contains(t, buf.String(), "[FATAL]")

	buf.Reset()
	QuietMode = true
	err = Fatal("another error")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "fatal error: another error")
	assert.Empty(t, buf.String())
}

// TestFatalAndExit verifies the function exists and can be referenced.
func TestFatalAndExit(t *testing.T) {
	defer saveAndRestoreState()()

	if os.Getenv("BE_FATAL_TEST") == "1" {
		var buf bytes.Buffer
		SetDebugOutput(&buf)
		QuietMode = false
		FatalAndExit("test fatal exit")
		return
	}

	assert.NotNil(t, FatalAndExit)
}

// TestCatastrophicError tests the catastrophic error.
func TestCatastrophicError(t *testing.T) {
	defer saveAndRestoreState()()

	var buf bytes.Buffer
	SetDebugOutput(&buf)
	QuietMode = false
	CatastrophicError("system failure: %s", "disk full")

	output := buf.String()
	assert.Contains(t, output, "[CATASTROPHIC]")
	assert.Contains(t, output, "system failure: disk full")
}

// TestCatastrophicError_QuietMode tests quiet mode suppression.
func TestCatastrophicError_QuietMode(t *testing.T) {
	defer saveAndRestoreState()()

	var buf bytes.Buffer
	SetDebugOutput(&buf)
	QuietMode = true
	CatastrophicError("should not appear")

	output := buf.String()
	assert.Empty(t, output)
}

// TestLogHelpers exercises the component-tagged log wrappers.
func TestLogHelpers(t *testing.T) {
	defer saveAndRestoreState()()

	EnableDebug = "true"
	QuietMode = false

	tests := []struct {
		name    string
		logFunc func(string, ...interface{})
		prefix  string
		message string
	}{
		{"LogServer", LogServer, "[DEBUG:SERVER]", "request %s"},
		{"LogWatch", LogWatch, "[DEBUG:WATCH]", "batch of %d"},
		{"LogMemory", LogMemory, "[DEBUG:MEMORY]", "put %s"},
		{"LogCompose", LogCompose, "[DEBUG:COMPOSE]", "focus %s"},
		{"LogCache", LogCache, "[DEBUG:CACHE]", "hit %s"},
		{"LogTasks", LogTasks, "[DEBUG:TASKS]", "queued %s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			SetDebugOutput(&buf)

			tt.logFunc(tt.message, "test")

			output := buf.String()
			assert.Contains(t, output, tt.prefix)
			assert.True(t, strings.Contains(output, "test") || strings.Contains(output, tt.message))
		})
	}
}

// TestConcurrentLogging tests that concurrent access doesn't race.
func TestConcurrentLogging(t *testing.T) {
	defer saveAndRestoreState()()

	var buf bytes.Buffer
	SetDebugOutput(&buf)
	EnableDebug = "true"
	QuietMode = false

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			Log("CONCURRENT", "Message from goroutine %d", id)
			LogScan("Scan from goroutine %d", id)
			LogWatch("Watch from goroutine %d", id)
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	assert.True(t, true)
}

// TestNoOutputWithNilWriter tests that no output occurs when writer is nil.
func TestNoOutputWithNilWriter(t *testing.T) {
	defer saveAndRestoreState()()

	SetDebugOutput(nil)
	EnableDebug = "true"
	QuietMode = false

	Printf("test %s", "message")
	Println("test message")
	Log("TEST", "test %s", "message")
	LogScan("test %s", "message")
	LogWatch("test %s", "message")
	LogMemory("test %s", "message")
	Fatal("test %s", "message")
	CatastrophicError("test %s", "message")
}

// TestInitDebugLogFile tests the init debug log file.
func TestInitDebugLogFile(t *testing.T) {
	defer saveAndRestoreState()()

	logPath, err := InitDebugLogFile()
	assert.NoError(t, err)
	assert.NotEmpty(t, logPath)

	_, err = os.Stat(logPath)
	assert.NoError(t, err)

	EnableDebug = "true"
	QuietMode = false
	Printf("Test log message\n")

	err = CloseDebugLog()
	assert.NoError(t, err)

	content, err := os.ReadFile(logPath)
	assert.NoError(t, err)
	assert.Contains(t, string(content), "Test log message")

	os.Remove(logPath)
}

package logging

import (
	"reflect"
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger whose entries are kept in memory.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger records every entry at debug level and above.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(zapcore.DebugLevel)
	return &TestLogger{Logger: &Logger{zap: zap.New(core)}, observed: observed}
}

// All returns all logged entries.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries whose message contains msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessageSnippet(msg)
}

// Reset clears all logged entries.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

// Count returns the number of entries at level whose message contains msg.
func (t *TestLogger) Count(level zapcore.Level, msg string) int {
	return t.observed.FilterLevelExact(level).FilterMessageSnippet(msg).Len()
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.Count(level, msg) == 0 {
		tb.Errorf("expected %v log containing %q, got %s", level, msg, t.summary())
	}
}

// AssertNotLogged fails tb if an entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if n := t.Count(level, msg); n > 0 {
		tb.Errorf("unexpected %v log containing %q (%d entries)", level, msg, n)
	}
}

// AssertField fails tb unless an entry containing msg carries key=expected.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected any) {
	tb.Helper()
	for _, entry := range t.FilterMessage(msg).All() {
		v, ok := entry.ContextMap()[key]
		if ok && reflect.DeepEqual(v, expected) {
			return
		}
	}
	tb.Errorf("field %q=%v not found in %q entries, got %s", key, expected, msg, t.summary())
}

// AssertNoSecrets fails tb if a credential-looking key carries a plain
// value or a value matches one of the default token patterns.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	patterns := make([]*regexp.Regexp, 0, len(defaultRedactedPatterns))
	for _, p := range defaultRedactedPatterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	leaks := func(s string) bool {
		for _, re := range patterns {
			if re.MatchString(s) {
				return true
			}
		}
		return false
	}

	for _, entry := range t.observed.All() {
		if leaks(entry.Message) {
			tb.Errorf("token pattern in message %q", entry.Message)
		}
		for _, f := range entry.Context {
			if f.Type != zapcore.StringType {
				continue
			}
			if leaks(f.String) {
				tb.Errorf("token pattern in field %q", f.Key)
			}
			if sensitiveKey(f.Key) && f.String != "" && !strings.HasPrefix(f.String, "[REDACTED") {
				tb.Errorf("field %q is not redacted", f.Key)
			}
		}
	}
}

func (t *TestLogger) summary() string {
	var b strings.Builder
	for _, e := range t.observed.All() {
		b.WriteString("\n  ")
		b.WriteString(e.Level.String())
		b.WriteString(" ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range defaultRedactedFields {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

package logger

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestSanitizeValueRedactsSecrets(t *testing.T) {
	cases := []struct {
		key  string
		val  interface{}
		want interface{}
	}{
		{key: "redis_password", val: "hunter2", want: "[REDACTED]"},
		{key: "authorization", val: "Bearer abc", want: "[REDACTED]"},
		{key: "topic", val: "brainstorm:session:s1:ideas", want: "brainstorm:session:s1:ideas"},
		{key: "count", val: 3, want: 3},
	}
	for _, tc := range cases {
		if got := sanitizeValue(tc.key, tc.val); got != tc.want {
			t.Fatalf("sanitizeValue(%q): want=%v got=%v", tc.key, tc.want, got)
		}
	}
}

func TestSanitizeValueHashesIdentifiers(t *testing.T) {
	for _, key := range []string{"participant_id", "session_id", "user_id"} {
		got, ok := sanitizeValue(key, "abc-123").(string)
		if !ok || !strings.HasPrefix(got, "hash:") {
			t.Fatalf("%s: expected hashed value, got %v", key, got)
		}
		again := sanitizeValue(key, "abc-123")
		if again != got {
			t.Fatalf("%s: hash not stable: %v vs %v", key, got, again)
		}
	}
	if got := sanitizeValue("session_id", ""); got != "" {
		t.Fatalf("empty identifier should stay empty, got %v", got)
	}
}

func TestSanitizeKVsKeepsDanglingKey(t *testing.T) {
	redactOnce.Do(func() { redactionEnabled = true })
	out := sanitizeKVs([]interface{}{"topic", "t1", "orphan"})
	if len(out) != 3 || out[2] != "orphan" {
		t.Fatalf("unexpected kvs: %#v", out)
	}
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	log := Nop()
	log.With("component", "test").Info("hello", "k", "v")
	log.Sync()
}

func TestLevelFromEnv(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{raw: "", want: "debug"},
		{raw: "warn", want: "warn"},
		{raw: "ERROR", want: "error"},
		{raw: "chatty", want: "debug"},
	}
	for _, tc := range cases {
		t.Setenv("LOG_LEVEL", tc.raw)
		if got := levelFromEnv().Level().String(); got != tc.want {
			t.Fatalf("LOG_LEVEL=%q: want=%s got=%s", tc.raw, tc.want, got)
		}
	}
}

func TestNewHonoursLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	log, err := New("production")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer log.Sync()
	core := log.SugaredLogger.Desugar().Core()
	if core.Enabled(zap.InfoLevel) {
		t.Fatalf("info enabled with LOG_LEVEL=warn")
	}
	if !core.Enabled(zap.WarnLevel) {
		t.Fatalf("warn disabled with LOG_LEVEL=warn")
	}
}

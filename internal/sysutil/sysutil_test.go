package sysutil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetLogLevel(t *testing.T) {
	orig := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(orig) })

	for in, want := range map[string]zerolog.Level{
		"debug":     zerolog.DebugLevel,
		"  DeBuG  ": zerolog.DebugLevel,
		"":          zerolog.InfoLevel,
		"warning":   zerolog.WarnLevel,
		"ERROR":     zerolog.ErrorLevel,
		"panic":     zerolog.PanicLevel,
		"trace":     zerolog.TraceLevel,
		"verbose":   zerolog.InfoLevel,
	} {
		got := SetLogLevel(in)
		if got != want || zerolog.GlobalLevel() != want {
			t.Errorf("SetLogLevel(%q) = %v (global %v), want %v", in, got, zerolog.GlobalLevel(), want)
		}
	}
}

func TestIsTruthy(t *testing.T) {
	for v, want := range map[string]bool{
		"1": true, "TRUE": true, " yes ": true, "Y": true, "On": true,
		"": false, "0": false, "off": false, "n": false, "random": false,
	} {
		if got := IsTruthy(v); got != want {
			t.Errorf("IsTruthy(%q) = %v, want %v", v, got, want)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	cases := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{" ", "\t", "\n"}, ""},
		{[]string{"   ", "  hello  ", "world"}, "  hello  "},
		{[]string{"alpha", "beta"}, "alpha"},
	}
	for _, tc := range cases {
		if got := FirstNonEmpty(tc.in...); got != tc.want {
			t.Errorf("FirstNonEmpty(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSetupLogger_TagsServiceAndLevel(t *testing.T) {
	origLevel := zerolog.GlobalLevel()
	origLogger := log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(origLevel)
		log.Logger = origLogger
	})

	var buf bytes.Buffer
	SetupLogger(&buf, "warn", false, "tuition-api", "v1.0.0")
	log.Info().Msg("dropped")
	log.Warn().Str("post_id", "p1").Msg("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info line written at warn level: %s", out)
	}
	for _, want := range []string{`"service":"tuition-api"`, `"version":"v1.0.0"`, `"post_id":"p1"`, `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}

	buf.Reset()
	SetupLogger(&buf, "info", true, "tuition-api", "dev")
	log.Info().Msg("pretty")
	if strings.Contains(buf.String(), `"message"`) || !strings.Contains(buf.String(), "pretty") {
		t.Fatalf("expected console output, got %s", buf.String())
	}
}

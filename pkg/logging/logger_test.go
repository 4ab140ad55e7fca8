package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Level = %s, want %s", cfg.Level, LevelInfo)
	}
	if cfg.Pretty {
		t.Error("Pretty = true, want JSON output by default")
	}
	if cfg.Output == nil {
		t.Error("Output is nil")
	}
}

// TestSetup_LevelFiltering logs one line per level and checks which survive.
func TestSetup_LevelFiltering(t *testing.T) {
	emit := func(l zerolog.Logger) {
		l.Debug().Msg("csrf token reused")
		l.Info().Msg("metadata loaded")
		l.Warn().Msg("retrying after 503")
		l.Error().Msg("batch failed")
	}

	tests := []struct {
		level LogLevel
		want  []string
		drop  []string
	}{
		{
			level: LevelDebug,
			want:  []string{"csrf token reused", "metadata loaded", "retrying after 503", "batch failed"},
		},
		{
			level: LevelInfo,
			want:  []string{"metadata loaded", "retrying after 503", "batch failed"},
			drop:  []string{"csrf token reused"},
		},
		{
			level: LevelWarn,
			want:  []string{"retrying after 503", "batch failed"},
			drop:  []string{"csrf token reused", "metadata loaded"},
		},
		{
			level: LevelError,
			want:  []string{"batch failed"},
			drop:  []string{"csrf token reused", "metadata loaded", "retrying after 503"},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := &bytes.Buffer{}
			emit(Setup(Config{Level: tt.level, Output: buf}))

			output := buf.String()
			for _, msg := range tt.want {
				if !strings.Contains(output, msg) {
					t.Errorf("output missing %q:\n%s", msg, output)
				}
			}
			for _, msg := range tt.drop {
				if strings.Contains(output, msg) {
					t.Errorf("output should not contain %q at level %s", msg, tt.level)
				}
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"WARNING", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"invalid", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseLevel_Exported(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{input: "Debug", want: LevelDebug},
		{input: "", want: LevelInfo},
		{input: " warn ", want: LevelWarn},
		{input: "warning", want: LevelWarn},
		{input: "ERROR", want: LevelError},
		{input: "trace", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewLogger_ComponentField(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	logger := NewLogger("odata-client")
	logger.Info().
		Str("service_path", "/sap/opu/odata/sap/ZSALES_SRV/").
		Int("status_code", 201).
		Msg("entity created")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("output is not one JSON line: %v\n%s", err, buf.String())
	}

	if line["component"] != "odata-client" {
		t.Errorf("component = %v, want odata-client", line["component"])
	}
	if line["service_path"] != "/sap/opu/odata/sap/ZSALES_SRV/" {
		t.Errorf("service_path = %v", line["service_path"])
	}
	if line["message"] != "entity created" {
		t.Errorf("message = %v", line["message"])
	}
	if _, ok := line["time"]; !ok {
		t.Error("timestamp missing")
	}
}

func TestSetup_PrettyOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: LevelInfo, Pretty: true, Output: buf})

	logger.Info().Str("service_path", "/sap/opu/odata/sap/ZSALES_SRV/").Msg("metadata loaded")

	output := buf.String()
	if strings.HasPrefix(strings.TrimSpace(output), "{") {
		t.Errorf("Expected console output, got JSON %q", output)
	}
	if !strings.Contains(output, "metadata loaded") {
		t.Errorf("Expected output to contain message, got %q", output)
	}
}

func TestSetup_NilOutputFallsBack(t *testing.T) {
	// Must not panic
	logger := Setup(Config{Level: LevelError})
	logger.Debug().Msg("dropped")
}

package log

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestInit_Level(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		Init("prod", tt.level)
		if got := zerolog.GlobalLevel(); got != tt.want {
			t.Errorf("Init(%q) level = %v, want %v", tt.level, got, tt.want)
		}
	}
}

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAcceptsKnownLevelsAndFormats(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		for _, format := range []string{"", "json", "console"} {
			log, err := New(level, format)
			require.NoError(t, err, "level=%s format=%s", level, format)
			require.NotNil(t, log)
		}
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", "json")
	assert.Error(t, err)

	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestNopNeverPanics(t *testing.T) {
	log := Nop()
	log.Infow("discarded", "k", "v")
	log.Errorw("also discarded")
}

package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lueurxax/scam-relay/internal/platform/config"
)

func TestParseModes(t *testing.T) {
	tests := []struct {
		mode string
		want []string
	}{
		{ModeWebhook, []string{ModeWebhook}},
		{ModeSweeper, []string{ModeSweeper}},
		{ModeWorker, []string{ModeWorker}},
		{ModeAll, []string{ModeWebhook, ModeSweeper, ModeWorker}},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			got, err := ParseModes(tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseModesUnknown(t *testing.T) {
	for _, mode := range []string{"", "bot", "WEBHOOK"} {
		_, err := ParseModes(mode)
		assert.ErrorIs(t, err, ErrUnknownMode, mode)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	a := New(&config.Config{
		AggWindow:       10 * time.Second,
		AggMaxFragments: 4,
		AggMaxMedia:     2,
		AggMaxWait:      time.Second,
	}, nil, nil)

	p := a.Policy()

	assert.Equal(t, 10*time.Second, p.Window)
	assert.Equal(t, 4, p.MaxFragments)
	assert.Equal(t, 2, p.MaxMedia)
	assert.Equal(t, time.Second, p.MaxWait)
}

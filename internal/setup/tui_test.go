package setup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidators(t *testing.T) {
	tests := []struct {
		name    string
		check   func(string) error
		in      string
		wantErr bool
	}{
		{"https backend", validateURL("http", "https"), "https://api.example.pe", false},
		{"ws for backend", validateURL("http", "https"), "ws://api.example.pe", true},
		{"wss events", validateURL("ws", "wss"), "wss://api.example.pe/ws", false},
		{"no host", validateURL("ws", "wss"), "wss://", true},
		{"dni digits", validateDNI, "12345678", false},
		{"dni letters", validateDNI, "1234abcd", true},
		{"dni empty", validateDNI, "  ", true},
		{"timeout", validatePositiveDuration, "15m", false},
		{"zero timeout", validatePositiveDuration, "0s", true},
		{"garbage timeout", validatePositiveDuration, "soon", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.check(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAnswersConfig(t *testing.T) {
	a := defaultAnswers()
	a.backendURL = " https://api.example.pe/ "
	a.eventsURL = "wss://api.example.pe/ws"
	a.dni = "12345678"
	a.expirationTimeout = "10m"

	cfg, err := a.config()
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.pe", cfg.BackendURL)
	assert.Equal(t, 10*time.Minute, cfg.ExpirationTimeout)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.ReconnectAttempts)
	assert.True(t, cfg.Notifications)
	assert.Contains(t, summary(cfg), "Dashboard: disabled")
}

package config

import (
	"testing"
	"time"

	"CentralLedger/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "Hub", cfg.HubName)
	assert.Equal(t, TransportNATS, cfg.NotificationTransport)
	assert.Equal(t, 8, cfg.TransferPartitions)
	assert.Equal(t, 10*time.Millisecond, cfg.PositionBatchTimeout)
	assert.Equal(t, 12*time.Hour, cfg.InternalTransferValidity())
	assert.False(t, cfg.OutboxEnabled)

	fx, err := cfg.FxFulfilInvalid()
	require.NoError(t, err)
	assert.Equal(t, state.StateAbortedRejected, fx)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CL_HUB_NAME", "Switch")
	t.Setenv("CL_TRANSFER_PARTITIONS", "16")
	t.Setenv("CL_POSITION_BATCH_TIMEOUT", "25ms")
	t.Setenv("CL_OUTBOX_ENABLED", "true")
	t.Setenv("CL_NOTIFICATION_TRANSPORT", "amqp")
	t.Setenv("CL_FX_FULFIL_INVALID_STATE", "none")
	t.Setenv("CL_INTERNAL_TRANSFER_VALIDITY_SECONDS", "60")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "Switch", cfg.HubName)
	assert.Equal(t, 16, cfg.TransferPartitions)
	assert.Equal(t, 25*time.Millisecond, cfg.PositionBatchTimeout)
	assert.True(t, cfg.OutboxEnabled)
	assert.Equal(t, TransportAMQP, cfg.NotificationTransport)
	assert.Equal(t, time.Minute, cfg.InternalTransferValidity())

	fx, err := cfg.FxFulfilInvalid()
	require.NoError(t, err)
	assert.Equal(t, state.StateNone, fx)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown transport", map[string]string{"CL_NOTIFICATION_TRANSPORT": "kafka"}, "NOTIFICATION_TRANSPORT"},
		{"non-final fx state", map[string]string{"CL_FX_FULFIL_INVALID_STATE": "RESERVED"}, "not a final state"},
		{"zero partitions", map[string]string{"CL_POSITION_PARTITIONS": "0"}, "partition counts"},
		{"zero validity", map[string]string{"CL_INTERNAL_TRANSFER_VALIDITY_SECONDS": "0"}, "INTERNAL_TRANSFER_VALIDITY_SECONDS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

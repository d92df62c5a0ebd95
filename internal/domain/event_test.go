package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	t.Run("status changed", func(t *testing.T) {
		ev, err := DecodeEvent(EventOperationStatusChanged,
			json.RawMessage(`{"operation_id":12,"operation_code":"OP-00012","status":"Expirada","previous_status":"En proceso"}`))
		require.NoError(t, err)

		changed, ok := ev.(OperationStatusChanged)
		require.True(t, ok)
		assert.Equal(t, int64(12), changed.OperationID)
		assert.Equal(t, "OP-00012", changed.OperationCode)

		status, ok := changed.AuthoritativeStatus()
		assert.True(t, ok)
		assert.Equal(t, StatusExpired, status)
	})

	t.Run("completed implies status", func(t *testing.T) {
		ev, err := DecodeEvent(EventOperationCompleted, json.RawMessage(`{"operation_code":"OP-00003"}`))
		require.NoError(t, err)

		opEv, ok := ev.(OperationEvent)
		require.True(t, ok)
		assert.Equal(t, "OP-00003", opEv.Ref().OperationCode)
		status, _ := opEv.AuthoritativeStatus()
		assert.Equal(t, StatusCompleted, status)
	})

	t.Run("rate updated", func(t *testing.T) {
		ev, err := DecodeEvent(EventRateUpdated, json.RawMessage(`{"compra":"3.71","venta":3.74}`))
		require.NoError(t, err)

		rate := ev.(RateUpdated)
		assert.True(t, decimal.RequireFromString("3.71").Equal(rate.Compra))
		assert.True(t, decimal.RequireFromString("3.74").Equal(rate.Venta))
	})

	t.Run("unknown name is kept raw", func(t *testing.T) {
		ev, err := DecodeEvent("promo", json.RawMessage(`{"x":1}`))
		require.NoError(t, err)
		assert.Equal(t, EventName("promo"), ev.EventName())
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := DecodeEvent(EventOperationExpired, json.RawMessage(`{"operation_id":"abc"}`))
		assert.Error(t, err)
	})

	t.Run("empty payload", func(t *testing.T) {
		ev, err := DecodeEvent(EventDocumentsApproved, nil)
		require.NoError(t, err)
		assert.Equal(t, EventDocumentsApproved, ev.EventName())
	})

	t.Run("status changed with unknown status is not authoritative", func(t *testing.T) {
		ev, err := DecodeEvent(EventOperationStatusChanged, json.RawMessage(`{"operation_id":1,"status":"???"}`))
		require.NoError(t, err)
		_, ok := ev.(OperationEvent).AuthoritativeStatus()
		assert.False(t, ok)
	})
}

package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHandshake(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"connected","itemId":"item-1","clientId":"c-9"}`))
	require.NoError(t, err)
	assert.Equal(t, KindControl, msg.Kind)
	require.NotNil(t, msg.Control)
	assert.Equal(t, "item-1", msg.Control.ItemID)
	assert.Equal(t, "c-9", msg.Control.ClientID)
	assert.Nil(t, msg.Data)
}

func TestDecodeBidEvent(t *testing.T) {
	raw := `{"event_id":"ev-1","item_id":"item-1","user_id":"u1","amount":101.5,"timestamp":"2025-03-01T12:00:00.250Z"}`
	msg, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, KindData, msg.Kind)
	require.NotNil(t, msg.Data)
	assert.Equal(t, "ev-1", msg.Data.EventID)
	assert.Equal(t, 101.5, msg.Data.Amount)

	want := time.Date(2025, 3, 1, 12, 0, 0, 250*int(time.Millisecond), time.UTC)
	assert.True(t, msg.ServerTime.Equal(want), "got %v", msg.ServerTime)
}

func TestDecodeBidEventWithoutTimestamp(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"bid","event_id":"ev-2","amount":5}`))
	require.NoError(t, err)
	assert.Equal(t, KindData, msg.Kind)
	assert.True(t, msg.ServerTime.IsZero())
}

func TestDecodeBadTimestampKeepsEvent(t *testing.T) {
	msg, err := Decode([]byte(`{"event_id":"ev-3","timestamp":"yesterday"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadTimestamp))
	require.NotNil(t, msg)
	assert.Equal(t, "ev-3", msg.Data.EventID)
	assert.True(t, msg.ServerTime.IsZero())
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"invalid json":    `{not json`,
		"missing id":      `{"type":"bid","amount":10}`,
		"empty id":        `{"event_id":""}`,
		"wrong id type":   `{"event_id":42}`,
		"array not obj":   `[1,2,3]`,
		"unknown no id":   `{"type":"mystery"}`,
		"bad amount type": `{"event_id":"x","amount":"ten"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 123456000, time.UTC)
	cases := []string{
		"2025-03-01T12:00:00.123456Z",
		"2025-03-01T12:00:00.123456+00:00",
		"2025-03-01T14:00:00.123456+02:00",
		"2025-03-01T12:00:00.123456",
		"2025-03-01 12:00:00.123456",
	}
	for _, s := range cases {
		got, err := ParseTimestamp(s)
		require.NoError(t, err, s)
		assert.True(t, got.Equal(base), "%s parsed as %v", s, got)
	}

	got, err := ParseTimestamp("2025-03-01T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Nanosecond())
}

func TestEpochSecondsKeepsSubSecondPrecision(t *testing.T) {
	ts := time.Unix(1700000000, 500*int64(time.Millisecond))
	assert.InDelta(t, 1700000000.5, EpochSeconds(ts), 1e-6)
}

func TestNewBidEventRoundTrip(t *testing.T) {
	ev := NewBidEvent("ev-9", "item-1", "u1", 120, 110)
	data, err := Encode(ev)
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindData, msg.Kind)
	assert.Equal(t, "ev-9", msg.Data.EventID)
	assert.False(t, msg.ServerTime.IsZero())
	assert.WithinDuration(t, time.Now(), msg.ServerTime, 5*time.Second)
}

func TestConnectedBytesIsControl(t *testing.T) {
	msg, err := Decode(ConnectedBytes)
	require.NoError(t, err)
	assert.Equal(t, KindControl, msg.Kind)
}

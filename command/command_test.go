package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"CONNECT", Command{Kind: Connect}},
		{"CONNECT:9999", Command{Kind: Connect, Port: 9999}},
		{"DISCONNECT", Command{Kind: Disconnect}},
		{"PING:1700000000.123", Command{Kind: Ping, Timestamp: "1700000000.123"}},
		{"CONTROL:THROTTLE:75", Command{Kind: Throttle, Value: 75}},
		{"CONTROL:BRAKE:50.5", Command{Kind: Brake, Value: 50.5}},
		{"CONTROL:STEERING:-15", Command{Kind: Steering, Value: -15}},
		{"CONTROL:STEERING:150", Command{Kind: Steering, Value: 150}},
		{"CONTROL:BRAKE_BALANCE:60", Command{Kind: BrakeBalance, Value: 60}},
		{"CONTROL:GEAR_UP", Command{Kind: GearUp}},
		{"CONTROL:GEAR_DOWN\r", Command{Kind: GearDown}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := Parse(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejects(t *testing.T) {
	for _, line := range []string{
		"",
		"HELLO",
		"CONNECT:abc",
		"CONNECT:70000",
		"DISCONNECT:now",
		"PING",
		"PING:yesterday",
		"CONTROL:THROTTLE",
		"CONTROL:THROTTLE:fast",
		"CONTROL:THROTTLE:NaN",
		"CONTROL:BRAKE:+Inf",
		"CONTROL:GEAR_UP:2",
		"CONTROL:HORN",
		"control:throttle:10",
	} {
		_, err := Parse(line)
		assert.Error(t, err, "line %q", line)
		assert.True(t, IsParseError(err), "line %q", line)
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, line := range []string{
		"CONNECT",
		"CONNECT:5005",
		"DISCONNECT",
		"PING:12.5",
		"CONTROL:THROTTLE:75",
		"CONTROL:STEERING:-12.25",
		"CONTROL:GEAR_DOWN",
	} {
		c, err := Parse(line)
		require.NoError(t, err)
		assert.Equal(t, line, c.String())
	}
}

func TestLines(t *testing.T) {
	lines := Lines([]byte("CONTROL:THROTTLE:10\n\n  CONTROL:BRAKE:0 \r\n"))
	assert.Equal(t, []string{"CONTROL:THROTTLE:10", "CONTROL:BRAKE:0"}, lines)
	assert.Empty(t, Lines([]byte("\n")))
}

func TestKind(t *testing.T) {
	assert.True(t, Steering.Actuator())
	assert.True(t, GearDown.Actuator())
	assert.False(t, Ping.Actuator())
	assert.Equal(t, "BRAKE_BALANCE", BrakeBalance.String())
	assert.Equal(t, "UNKNOWN", Kind(0).String())
}

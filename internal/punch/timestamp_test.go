package punch

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	nairobi := time.FixedZone("EAT", 3*3600)
	want := time.Date(2025, 3, 1, 9, 2, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
		loc  *time.Location
		want time.Time
	}{
		{"rfc3339 utc", `"2025-03-01T09:02:00Z"`, nil, want},
		{"rfc3339 offset", `"2025-03-01T12:02:00+03:00"`, nil, want},
		{"naive in device zone", `"2025-03-01T12:02:00"`, nairobi, want},
		{"naive with space", `"2025-03-01 12:02:00"`, nairobi, want},
		{"naive defaults to utc", `"2025-03-01T09:02:00"`, nil, want},
		{"epoch number", `1740819720`, nil, want},
		{"epoch string", `"1740819720"`, nil, want},
		{"epoch fractional", `1740819720.5`, nil, want.Add(500 * time.Millisecond)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(json.RawMessage(tt.raw), tt.loc)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseTimestamp_Invalid(t *testing.T) {
	for _, raw := range []string{``, `null`, `""`, `"yesterday"`, `-5`, `true`, `"2025-13-45T00:00:00Z"`} {
		_, err := ParseTimestamp(json.RawMessage(raw), time.UTC)
		assert.Error(t, err, "input %q", raw)
	}
}

func TestParseEventKind(t *testing.T) {
	k, err := ParseEventKind("checkin")
	require.NoError(t, err)
	assert.Equal(t, KindCheckIn, k)

	k, err = ParseEventKind("check_out")
	require.NoError(t, err)
	assert.Equal(t, KindCheckOut, k)

	k, err = ParseEventKind("")
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, k)

	_, err = ParseEventKind("lunch")
	assert.Error(t, err)
}

func TestFlexString(t *testing.T) {
	tests := map[string]string{
		`"7"`:   "7",
		`7`:     "7",
		`null`:  "",
		``:      "",
		`"a-1"`: "a-1",
	}
	for in, want := range tests {
		got, err := FlexString(json.RawMessage(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := FlexString(json.RawMessage(`7.5`))
	assert.Error(t, err)
}

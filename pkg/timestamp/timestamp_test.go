package timestamp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	Location = time.UTC
	defer func() { Location = time.Local }()

	ref := time.Date(2024, 3, 5, 9, 30, 15, 0, time.UTC)
	ms := ref.UnixMilli()

	tests := []struct {
		name  string
		input any
		want  int64
	}{
		{"nil", nil, 0},
		{"empty string", "", 0},
		{"garbage", "not-a-time", 0},
		{"rfc3339", "2024-03-05T09:30:15Z", ms},
		{"wall clock", "2024-03-05 09:30:15", ms},
		{"wall clock millis", "2024-03-05 09:30:15.000", ms},
		{"compact", "20240305093015", ms},
		{"seconds int64", ref.Unix(), ms},
		{"millis int64", ms, ms},
		{"seconds float", float64(ref.Unix()), ms},
		{"millis string", "1709631015000", ms},
		{"json number", json.Number("1709631015000"), ms},
		{"time value", ref, ms},
		{"zero time", time.Time{}, 0},
		{"negative", int64(-5), 0},
		{"unsupported type", []int{1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.input))
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "", Format(0))
	assert.Equal(t, "2024-03-05T09:30:15Z", Format(Parse("2024-03-05T09:30:15Z")))
}

func TestParse_FractionalSeconds(t *testing.T) {
	assert.Equal(t, int64(1709631015500), Parse(1709631015.5))
	assert.Equal(t, int64(1709631015500), Parse("1709631015.5"))
	assert.Equal(t, int64(0), Parse((*time.Time)(nil)))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Now()))
	assert.Error(t, Validate(-1))
	assert.Error(t, Validate(99999999999999))
}

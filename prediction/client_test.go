package prediction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFirstOutput(t *testing.T) {
	tests := []struct {
		name   string
		output interface{}
		want   string
		wantOK bool
	}{
		{"scalar string", "Pan left slowly", "Pan left slowly", true},
		{"empty string", "", "", false},
		{"single element sequence", []interface{}{"Pan left slowly"}, "Pan left slowly", true},
		{"multi element sequence takes first", []interface{}{"first", "second"}, "first", true},
		{"empty sequence", []interface{}{}, "", false},
		{"non-string element", []interface{}{42}, "", false},
		{"string slice", []string{"tilt up", "extra"}, "tilt up", true},
		{"empty string slice", []string{}, "", false},
		{"nil", nil, "", false},
		{"number", 3.14, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FirstOutput(tt.output)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestJobTerminal(t *testing.T) {
	assert.False(t, Job{Status: JobQueued}.Terminal())
	assert.False(t, Job{Status: JobProcessing}.Terminal())
	assert.True(t, Job{Status: JobSucceeded}.Terminal())
	assert.True(t, Job{Status: JobFailed}.Terminal())
	assert.False(t, Job{Status: "starting"}.Terminal())
}

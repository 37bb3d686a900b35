package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromReplicate(t *testing.T) {
	tests := []struct {
		in     string
		want   Status
		wantOK bool
	}{
		{"starting", Queued, true},
		{"processing", Processing, true},
		{"succeeded", Succeeded, true},
		{"failed", Failed, true},
		{"canceled", Canceled, true},
		{"cancelled", Canceled, true},
		{" Succeeded ", Succeeded, true},
		{"booting", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := FromReplicate(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		want    Status
		wantErr error
	}{
		{"queued to processing", Queued, Processing, Processing, nil},
		{"queued straight to succeeded", Queued, Succeeded, Succeeded, nil},
		{"processing to failed", Processing, Failed, Failed, nil},
		{"processing to canceled", Processing, Canceled, Canceled, nil},
		{"same state", Processing, Processing, Processing, ErrNoop},
		{"late processing after success", Succeeded, Processing, Succeeded, ErrIllegalTransition},
		{"terminal to terminal", Failed, Succeeded, Failed, ErrIllegalTransition},
		{"back to queued", Processing, Queued, Processing, ErrIllegalTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.from, tt.to)
			assert.Equal(t, tt.want, got)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range All() {
		if !from.Terminal() {
			continue
		}
		for _, to := range All() {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestSources(t *testing.T) {
	assert.Equal(t, []string{"queued"}, Sources(Processing))
	assert.Equal(t, []string{"queued", "processing"}, Sources(Succeeded))
	assert.Empty(t, Sources(Queued))
}

func TestValid(t *testing.T) {
	assert.True(t, Canceled.Valid())
	assert.False(t, Status("starting").Valid())
}

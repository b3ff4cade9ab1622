package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     *Message
		wantErr string
	}{
		{
			name: "event",
			msg:  NewEvent(1, "file2Image", []Value{{Data: []byte(`1`)}, {}}, []int{1}),
		},
		{
			name:    "event without name",
			msg:     NewEvent(1, "", nil, nil),
			wantErr: "empty event name",
		},
		{
			name:    "callback index out of range",
			msg:     NewEvent(2, "x", []Value{{}}, []int{3}),
			wantErr: "out of range",
		},
		{
			name: "response with errors",
			msg:  NewResponse(3, nil, []string{"boom"}),
		},
		{
			name:    "response carrying event fields",
			msg:     &Message{Kind: KindResponse, ID: 4, Event: "x"},
			wantErr: "another kind",
		},
		{
			name: "proxy",
			msg:  NewProxy(5, ToCaller, NewEvent(0, "__fn0", nil, nil)),
		},
		{
			name:    "proxy without nested",
			msg:     &Message{Kind: KindProxy, ID: 6},
			wantErr: "missing nested",
		},
		{
			name:    "proxy with invalid nested",
			msg:     NewProxy(7, ToCallee, &Message{Kind: KindEvent}),
			wantErr: "empty event name",
		},
		{
			name:    "unknown kind",
			msg:     &Message{Kind: 9},
			wantErr: "unknown kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "event", KindEvent.String())
	assert.Equal(t, "proxy", KindProxy.String())
	assert.Equal(t, "kind(7)", Kind(7).String())
}

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestState_String(t *testing.T) {
	tests := []struct {
		state RequestState
		want  string
	}{
		{RequestState(""), "unset"},
		{RequestStateIdle, "idle"},
		{RequestStateSending, "sending"},
		{RequestStateAwaitingResponse, "awaiting_response"},
		{RequestStateRedirecting, "redirecting"},
		{RequestStateReceiving, "receiving"},
		{RequestStateComplete, "complete"},
		{RequestStateFailed, "failed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestRequestState_IsTerminal(t *testing.T) {
	assert.True(t, RequestStateComplete.IsTerminal())
	assert.True(t, RequestStateFailed.IsTerminal())
	assert.False(t, RequestStateIdle.IsTerminal())
	assert.False(t, RequestStateRedirecting.IsTerminal())
	assert.False(t, RequestStateReceiving.IsTerminal())
}

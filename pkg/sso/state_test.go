package sso

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *StateSigner {
	t.Helper()
	signer, err := NewStateSigner([]byte("test-secret"))
	require.NoError(t, err)
	return signer
}

func TestNewStateSignerRequiresSecret(t *testing.T) {
	_, err := NewStateSigner(nil)
	assert.Error(t, err)
}

func TestStateRoundTrip(t *testing.T) {
	signer := newTestSigner(t)

	token, err := signer.GenerateState()
	require.NoError(t, err)

	encoded := token.Encode()
	assert.Len(t, strings.Split(encoded, "_"), 3)
	assert.True(t, signer.ValidateState(encoded))
	assert.Equal(t, FailureReason(""), signer.InspectState(encoded))
}

func TestStateTokensAreUnique(t *testing.T) {
	signer := newTestSigner(t)

	a, err := signer.GenerateState()
	require.NoError(t, err)
	b, err := signer.GenerateState()
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
}

func TestInspectStateRejections(t *testing.T) {
	signer := newTestSigner(t)
	valid, err := signer.GenerateState()
	require.NoError(t, err)

	tests := []struct {
		name     string
		encoded  string
		expected FailureReason
	}{
		{
			name:     "empty",
			encoded:  "",
			expected: FailureStateParamInvalid,
		},
		{
			name:     "wrong shape",
			encoded:  "not-a-state-token",
			expected: FailureStateParamInvalid,
		},
		{
			name:     "non numeric timestamp",
			encoded:  "abc_" + valid.Nonce + "_" + valid.Signature,
			expected: FailureStateParamInvalid,
		},
		{
			name:     "tampered nonce",
			encoded:  StateToken{Timestamp: valid.Timestamp, Nonce: "deadbeef", Signature: valid.Signature}.Encode(),
			expected: FailureStateParamInvalid,
		},
		{
			name:     "tampered signature",
			encoded:  StateToken{Timestamp: valid.Timestamp, Nonce: valid.Nonce, Signature: "0000"}.Encode(),
			expected: FailureStateParamInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, signer.InspectState(tt.encoded))
			assert.False(t, signer.ValidateState(tt.encoded))
		})
	}
}

func TestInspectStateExpiry(t *testing.T) {
	signer := newTestSigner(t)

	token, err := signer.GenerateState()
	require.NoError(t, err)

	// Shift the signer's clock past the validity window.
	signer.now = func() time.Time { return token.Timestamp.Add(StateMaxAge + time.Second) }
	assert.Equal(t, FailureStateParamExpired, signer.InspectState(token.Encode()))
	assert.False(t, signer.ValidateState(token.Encode()))

	// A token "from the future" is also rejected as outside its window.
	signer.now = func() time.Time { return token.Timestamp.Add(-time.Minute) }
	assert.Equal(t, FailureStateParamExpired, signer.InspectState(token.Encode()))
}

func TestStateSignedByDifferentSecretRejected(t *testing.T) {
	signer := newTestSigner(t)
	other, err := NewStateSigner([]byte("other-secret"))
	require.NoError(t, err)

	token, err := other.GenerateState()
	require.NoError(t, err)
	assert.Equal(t, FailureStateParamInvalid, signer.InspectState(token.Encode()))
}

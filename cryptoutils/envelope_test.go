package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	key, pubPEM := newTestKey(t)

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "Simple secret", data: []byte("correct horse battery staple")},
		{name: "Secret with spaces and quotes", data: []byte(`pa ss "word" 'x'`)},
		{name: "Binary data", data: []byte{0x00, 0x01, 0xFF, 0xFE}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			envelope, err := EncryptEnvelope(pubPEM, tc.data)
			require.NoError(t, err)

			raw, err := DecodeEnvelope(envelope)
			require.NoError(t, err)

			plaintext, err := DecryptOAEP(key, raw)
			require.NoError(t, err)
			assert.Equal(t, tc.data, plaintext)
		})
	}
}

func TestEnvelope_WrongKey(t *testing.T) {
	_, pubPEM := newTestKey(t)
	other, _ := newTestKey(t)

	envelope, err := EncryptEnvelope(pubPEM, []byte("secret"))
	require.NoError(t, err)
	raw, err := DecodeEnvelope(envelope)
	require.NoError(t, err)

	_, err = DecryptOAEP(other, raw)
	assert.Error(t, err)
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	key, _ := newTestKey(t)
	pemBytes, err := MarshalPrivateKeyPEM(key)
	require.NoError(t, err)

	parsed, err := ParsePrivateKeyPEM(pemBytes)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))
}

package clients

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadTokenRoundTrip(t *testing.T) {
	secret := []byte("shared-gateway-secret")
	token, err := NewUploadToken(secret, "meeting.mp4")
	require.NoError(t, err)

	sub, err := VerifyUploadToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "meeting.mp4", sub)
}

func TestUploadTokenWrongSecretRejected(t *testing.T) {
	token, err := NewUploadToken([]byte("right"), "meeting.mp4")
	require.NoError(t, err)

	_, err = VerifyUploadToken([]byte("wrong"), token)
	require.Error(t, err)
}

func TestUploadTokenGarbageRejected(t *testing.T) {
	_, err := VerifyUploadToken([]byte("secret"), "not-a-jwt")
	require.Error(t, err)
}

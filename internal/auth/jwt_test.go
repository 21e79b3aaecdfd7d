package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT(42, "s3cret", time.Hour)
	require.NoError(t, err)

	id, err := ParseJWT(tok, "s3cret")
	require.NoError(t, err)
	require.Equal(t, uint64(42), id)

	_, err = ParseJWT(tok, "other")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseExpired(t *testing.T) {
	tok, err := SignJWT(1, "k", -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWT(tok, "k")
	require.ErrorIs(t, err, ErrInvalidToken)
}

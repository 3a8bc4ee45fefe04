package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveLimit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, EffectiveLimit(0))
	assert.Equal(t, DefaultPageSize, EffectiveLimit(-3))
	assert.Equal(t, 25, EffectiveLimit(25))
	assert.Equal(t, MaxPageSize, EffectiveLimit(5000))
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	token := EncodeCursor(at, "mem-42")
	require.NotEmpty(t, token)

	data, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "mem-42", data.ID)
	assert.True(t, data.CreatedAt.Equal(at))
}

func TestDecodeCursorEmptyMeansStart(t *testing.T) {
	data, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("not-base64!!")
	assert.Error(t, err)

	// Valid base64, invalid payload.
	_, err = DecodeCursor("aGVsbG8=")
	assert.Error(t, err)
}

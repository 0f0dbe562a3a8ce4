package session

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef-test-secret"

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestCodec(t *testing.T, clock *fakeClock) *Codec {
	t.Helper()
	codec, err := NewCodec(testSecret, time.Hour, WithClock(clock.Now))
	require.NoError(t, err)
	return codec
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	codec := newTestCodec(t, clock)

	pairs := [][2]string{
		{"alice", "c-1"},
		{"bob", "7f0c5d1e-2a52-4a59-a3f5-0b6cfc8d0c11"},
		{"名字", "对话"},
	}
	for _, pair := range pairs {
		token, issued, err := codec.Issue(pair[0], pair[1])
		require.NoError(t, err)

		got, err := codec.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, pair[0], got.UserID)
		assert.Equal(t, pair[1], got.ConversationID)
		assert.Equal(t, issued, got)
		assert.Equal(t, clock.t.Add(time.Hour), got.ExpiresAt)
	}
}

func TestIssueRequiresIdentifiers(t *testing.T) {
	codec := newTestCodec(t, &fakeClock{t: time.Now()})
	_, _, err := codec.Issue("", "c-1")
	assert.Error(t, err)
	_, _, err = codec.Issue("alice", "")
	assert.Error(t, err)
}

func TestVerifyRejectsSingleBitFlips(t *testing.T) {
	codec := newTestCodec(t, &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)})
	token, _, err := codec.Issue("alice", "c-1")
	require.NoError(t, err)

	body, sig, ok := strings.Cut(token, ".")
	require.True(t, ok)

	for part, encoded := range map[string]string{"payload": body, "signature": sig} {
		raw, err := base64.RawURLEncoding.DecodeString(encoded)
		require.NoError(t, err)

		for i := range raw {
			for bit := 0; bit < 8; bit++ {
				flipped := append([]byte(nil), raw...)
				flipped[i] ^= 1 << bit
				reencoded := base64.RawURLEncoding.EncodeToString(flipped)

				tampered := reencoded + "." + sig
				if part == "signature" {
					tampered = body + "." + reencoded
				}

				_, err := codec.Verify(tampered)
				require.ErrorIsf(t, err, ErrInvalidSignature, "%s byte %d bit %d", part, i, bit)
			}
		}
	}
}

func TestVerifyExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	codec := newTestCodec(t, clock)
	token, _, err := codec.Issue("alice", "c-1")
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Hour)
	_, err = codec.Verify(token)
	require.NoError(t, err, "token is valid up to and including expiresAt")

	clock.t = clock.t.Add(time.Second)
	_, err = codec.Verify(token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	codec := newTestCodec(t, clock)
	other, err := NewCodec("another-secret-of-enough-length", time.Hour, WithClock(clock.Now))
	require.NoError(t, err)

	token, _, err := other.Issue("alice", "c-1")
	require.NoError(t, err)

	_, err = codec.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyMalformedTokens(t *testing.T) {
	codec := newTestCodec(t, &fakeClock{t: time.Now()})
	for _, token := range []string{"", ".", "abc", "abc.", ".abc", "a.b.c", "!!!.???"} {
		_, err := codec.Verify(token)
		assert.ErrorIsf(t, err, ErrInvalidSignature, "token %q", token)
	}
}

func TestNewCodecValidation(t *testing.T) {
	_, err := NewCodec("short", time.Hour)
	assert.Error(t, err)
	_, err = NewCodec(testSecret, 0)
	assert.Error(t, err)
}

package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountTokenRoundTrip(t *testing.T) {
	for _, userID := range []string{"1", "ab", "deadbeef", "0123456789abcdef0123456789abcd"} {
		token, err := UserIDToAccountToken(userID)
		require.NoError(t, err, userID)
		assert.Len(t, token, 36)

		got, err := AccountTokenToUserID(token)
		require.NoError(t, err, userID)
		assert.Equal(t, userID, got)
	}
}

func TestUserIDToAccountTokenRejectsInvalid(t *testing.T) {
	_, err := UserIDToAccountToken("")
	assert.Error(t, err)
	_, err = UserIDToAccountToken("not-hex!")
	assert.Error(t, err)
	_, err = UserIDToAccountToken("0123456789abcdef0123456789abcdef") // 32 > max
	assert.Error(t, err)
}

func TestAccountTokenToUserIDRejectsForeignUUIDs(t *testing.T) {
	_, err := AccountTokenToUserID("not-a-uuid")
	assert.Error(t, err)
	// A random v4 UUID almost surely violates the length-prefix scheme.
	_, err = AccountTokenToUserID("f47ac10b-58cc-4372-a567-0e02b2c3d479")
	assert.Error(t, err)
}

func TestGenerateUUIDV7Ordered(t *testing.T) {
	a := GenerateUUIDV7()
	b := GenerateUUIDV7()
	assert.Len(t, a, 36)
	assert.LessOrEqual(t, a, b)
}

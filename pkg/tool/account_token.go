package tool

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

const (
	uuidHexLen      = 32
	maxUserIDHexLen = 30
	padChar         = "a"
)

// UserIDToAccountToken encodes a hex user id into UUID form for provider
// passback fields that require a UUID (for example Apple's appAccountToken).
// Format: [2-hex length][hex user id][padding to 32 with 'a'].
func UserIDToAccountToken(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is empty")
	}

	normalized := strings.ToLower(userID)
	if !isHex(normalized) {
		return "", fmt.Errorf("string is not valid hex")
	}
	if len(normalized) > maxUserIDHexLen {
		return "", fmt.Errorf("hex string too long: max length is %d", maxUserIDHexLen)
	}

	prefix := fmt.Sprintf("%02x", len(normalized))
	uuidHex := prefix + normalized
	if len(uuidHex) < uuidHexLen {
		uuidHex += strings.Repeat(padChar, uuidHexLen-len(uuidHex))
	}

	return formatUUID(uuidHex)
}

// AccountTokenToUserID reverses UserIDToAccountToken.
func AccountTokenToUserID(token string) (string, error) {
	cleanUUID := strings.ToLower(strings.ReplaceAll(token, "-", ""))
	if len(cleanUUID) != uuidHexLen || !isHex(cleanUUID) {
		return "", fmt.Errorf("invalid uuid format")
	}

	if n, err := strconv.ParseUint(cleanUUID[:2], 16, 8); err == nil {
		size := int(n)
		if size > 0 && size <= maxUserIDHexLen {
			end := 2 + size
			payload := cleanUUID[2:end]
			padding := cleanUUID[end:]
			if isHex(payload) && strings.Trim(padding, padChar) == "" {
				return payload, nil
			}
		}
	}

	return "", fmt.Errorf("uuid is not encoded by known user id scheme")
}

func formatUUID(uuidHex string) (string, error) {
	if len(uuidHex) != uuidHexLen {
		return "", fmt.Errorf("invalid uuid hex length: %d", len(uuidHex))
	}
	var formatted strings.Builder
	formatted.WriteString(uuidHex[:8])
	formatted.WriteString("-")
	formatted.WriteString(uuidHex[8:12])
	formatted.WriteString("-")
	formatted.WriteString(uuidHex[12:16])
	formatted.WriteString("-")
	formatted.WriteString(uuidHex[16:20])
	formatted.WriteString("-")
	formatted.WriteString(uuidHex[20:32])
	return formatted.String(), nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if !(unicode.IsDigit(ch) || ('a' <= ch && ch <= 'f') || ('A' <= ch && ch <= 'F')) {
			return false
		}
	}
	return true
}

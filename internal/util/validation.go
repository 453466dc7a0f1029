package util

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MinNicknameLength = 3
	MaxNicknameLength = 50
	MinPasswordLength = 6
)

var (
	uuidRegex       = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	inviteCodeRegex = regexp.MustCompile(`^[0-9A-F]{6}$`)
)

func IsValidUUID(s string) bool {
	if s == "" {
		return false
	}
	return uuidRegex.MatchString(s)
}

func IsValidInviteCode(code string) bool {
	return inviteCodeRegex.MatchString(code)
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func NormalizeNickname(nickname string) string {
	return strings.TrimSpace(nickname)
}

// ValidateNickname returns a user-facing message, or "" when the nickname is acceptable.
func ValidateNickname(nickname string) string {
	n := utf8.RuneCountInString(nickname)
	if n < MinNicknameLength {
		return "Nickname must be at least 3 characters"
	}
	if n > MaxNicknameLength {
		return "Nickname must be at most 50 characters"
	}
	return ""
}

// ValidateNewPassword returns a user-facing message, or "" when the pair is acceptable.
func ValidateNewPassword(password, confirm string) string {
	if password != confirm {
		return "Passwords do not match"
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return "Password must be at least 6 characters"
	}
	return ""
}

package loyalty

import (
	"crypto/rand"
	"regexp"
	"strings"
)

const (
	codePrefix   = "RWD-"
	codeLength   = 12
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var codePattern = regexp.MustCompile(`^RWD-[A-Z0-9]{12}$`)

// NewRewardCode draws 12 characters uniformly from [A-Z0-9] using crypto/rand.
// Bytes at or above the largest multiple of the alphabet size are rejected so
// every character is equally likely.
func NewRewardCode() (string, error) {
	const limit = 256 - 256%len(codeAlphabet)

	out := make([]byte, 0, codeLength)
	buf := make([]byte, codeLength*2)
	for len(out) < codeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == codeLength {
				break
			}
		}
	}
	return codePrefix + string(out), nil
}

func ValidRewardCode(code string) bool {
	return codePattern.MatchString(code)
}

// NormalizeRewardCode trims and uppercases user input before lookup.
func NormalizeRewardCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// CodeAlphabet is the character set of one-time codes: uppercase ASCII
// letters and digits.
const CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomChars returns n characters drawn uniformly from CodeAlphabet.
func RandomChars(n int) (string, error) {
	return RandomCharsFrom(CodeAlphabet, n)
}

// RandomCharsFrom returns n characters drawn uniformly from alphabet using
// crypto/rand.
func RandomCharsFrom(alphabet string, n int) (string, error) {
	chars := []rune(alphabet)
	if len(chars) == 0 {
		return "", fmt.Errorf("random chars: empty alphabet")
	}
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(chars))
		if err != nil {
			return "", fmt.Errorf("generating random char index: %w", err)
		}
		sb.WriteRune(chars[idx])
	}
	return sb.String(), nil
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

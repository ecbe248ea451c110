package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE parameters from RFC 7636.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"

	MinVerifierLength = 43
	MaxVerifierLength = 128

	// s256ChallengeLength is the encoded size of a SHA-256 digest.
	s256ChallengeLength = 43
)

// ValidateVerifier checks length and the unreserved character set.
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return ErrInvalidRequest(fmt.Sprintf("code_verifier must be between %d and %d characters", MinVerifierLength, MaxVerifierLength))
	}
	if !unreserved(verifier) {
		return ErrInvalidRequest("code_verifier contains invalid characters")
	}
	return nil
}

// Challenge derives the code challenge for verifier.
func Challenge(verifier, method string) (string, error) {
	if err := ValidateVerifier(verifier); err != nil {
		return "", err
	}
	switch method {
	case PKCEMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	case PKCEMethodPlain:
		return verifier, nil
	default:
		return "", ErrInvalidRequest(fmt.Sprintf("unsupported code_challenge_method %q", method))
	}
}

// Matches reports whether verifier satisfies challenge under method, in constant time.
func Matches(challenge, method, verifier string) bool {
	computed, err := Challenge(verifier, method)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidateChallenge checks a challenge presented at /authorize and returns the
// effective method. An absent method means plain.
func ValidateChallenge(challenge, method string, allowPlain bool) (string, error) {
	if method == "" {
		method = PKCEMethodPlain
	}
	switch method {
	case PKCEMethodS256:
		if len(challenge) != s256ChallengeLength || !unreserved(challenge) {
			return "", ErrInvalidRequest("malformed code_challenge")
		}
	case PKCEMethodPlain:
		if !allowPlain {
			return "", ErrInvalidRequest("code_challenge_method plain is not allowed")
		}
		if err := ValidateVerifier(challenge); err != nil {
			return "", ErrInvalidRequest("malformed code_challenge")
		}
	default:
		return "", ErrInvalidRequest(fmt.Sprintf("unsupported code_challenge_method %q", method))
	}
	return method, nil
}

func unreserved(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

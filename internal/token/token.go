// Package token implements the rotating proof-of-presence token codec.
//
// A token is an opaque string of the form
//
//	<subjectID>_<sessionID>_<rotationIndex>_<nonce>
//
// carrying enough routing information for a scanner to locate the
// session without an extra lookup, plus a random nonce so a value is
// never guessable from its predecessor or from the identifiers alone.
// Subject IDs may contain underscores; session IDs and nonces never do,
// so parsing anchors from the right.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidFormat reports a scanned string that does not parse as a token.
var ErrInvalidFormat = errors.New("token: invalid format")

const nonceBytes = 8

// Token is the decoded form of a rotating proof token.
type Token struct {
	SubjectID     string
	SessionID     string
	RotationIndex int
	Nonce         string
}

// String re-encodes the token to its wire form.
func (t Token) String() string {
	return fmt.Sprintf("%s_%s_%d_%s", t.SubjectID, t.SessionID, t.RotationIndex, t.Nonce)
}

// Generate produces a fresh token value for the given session and
// rotation index.
func Generate(subjectID, sessionID string, rotationIndex int) (string, error) {
	if subjectID == "" || sessionID == "" {
		return "", errors.New("token: subject and session required")
	}
	if strings.Contains(sessionID, "_") {
		return "", errors.New("token: session id must not contain underscores")
	}
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: entropy: %w", err)
	}
	return Token{
		SubjectID:     subjectID,
		SessionID:     sessionID,
		RotationIndex: rotationIndex,
		Nonce:         hex.EncodeToString(buf),
	}.String(), nil
}

// Parse decodes a scanned token string. Malformed input returns
// ErrInvalidFormat; the caller treats that as a user-facing rejection,
// not a fault.
func Parse(s string) (Token, error) {
	parts := strings.Split(s, "_")
	if len(parts) < 4 {
		return Token{}, ErrInvalidFormat
	}
	nonce := parts[len(parts)-1]
	idxPart := parts[len(parts)-2]
	sessionID := parts[len(parts)-3]
	subjectID := strings.Join(parts[:len(parts)-3], "_")

	if subjectID == "" || sessionID == "" || len(nonce) != nonceBytes*2 {
		return Token{}, ErrInvalidFormat
	}
	if _, err := hex.DecodeString(nonce); err != nil {
		return Token{}, ErrInvalidFormat
	}
	idx, err := strconv.Atoi(idxPart)
	if err != nil || idx < 0 {
		return Token{}, ErrInvalidFormat
	}
	return Token{
		SubjectID:     subjectID,
		SessionID:     sessionID,
		RotationIndex: idx,
		Nonce:         nonce,
	}, nil
}

package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateParseRoundtrip(t *testing.T) {
	val, err := Generate("math101", "3f2c9a", 7)
	require.NoError(t, err)

	tok, err := Parse(val)
	require.NoError(t, err)
	assert.Equal(t, "math101", tok.SubjectID)
	assert.Equal(t, "3f2c9a", tok.SessionID)
	assert.Equal(t, 7, tok.RotationIndex)
	assert.Equal(t, val, tok.String())
}

func TestGenerateSubjectWithUnderscores(t *testing.T) {
	val, err := Generate("cs_101_lab", "abc123", 0)
	require.NoError(t, err)

	tok, err := Parse(val)
	require.NoError(t, err)
	assert.Equal(t, "cs_101_lab", tok.SubjectID)
	assert.Equal(t, "abc123", tok.SessionID)
}

func TestGenerateUnpredictable(t *testing.T) {
	a, err := Generate("math101", "s1", 1)
	require.NoError(t, err)
	b, err := Generate("math101", "s1", 1)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGenerateRejectsUnderscoreSession(t *testing.T) {
	_, err := Generate("math101", "session_1", 0)
	assert.Error(t, err)
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"",
		"math101",
		"math101_sess1",
		"math101_sess1_0",
		"math101_sess1_x_0011223344556677",
		"math101_sess1_-1_0011223344556677",
		"math101_sess1_0_shortnonce",
		"math101_sess1_0_zz11223344556677",
		"__0_0011223344556677",
	}
	for _, c := range cases {
		_, err := Parse(c)
		assert.ErrorIs(t, err, ErrInvalidFormat, "input %q", c)
	}
}

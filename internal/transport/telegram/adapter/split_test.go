package adapter

import (
	"errors"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTextShort(t *testing.T) {
	assert.Equal(t, []string{"hello"}, SplitText("hello", 10, ""))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	in := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := SplitText(in, 10, "")
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, got)
}

func TestSplitTextHardCut(t *testing.T) {
	got := SplitText(strings.Repeat("x", 25), 10, "")
	require.Len(t, got, 3)
	assert.Equal(t, 10, len(got[0]))
	assert.Equal(t, 5, len(got[2]))
}

func TestSplitTextCountsRunes(t *testing.T) {
	in := strings.Repeat("課", 12)
	got := SplitText(in, 5, "")
	require.Len(t, got, 3)
	assert.Equal(t, strings.Repeat("課", 5), got[0])
}

func TestSplitTextAvoidsTags(t *testing.T) {
	in := "abcdef<b>bold</b>"
	got := SplitText(in, 8, "HTML")
	assert.Equal(t, "abcdef", got[0])
	assert.True(t, strings.HasPrefix(got[1], "<b>"))
	assert.Equal(t, in, strings.Join(got, ""))
}

func TestClassifyRetryAfter(t *testing.T) {
	err := classify(errors.New("telegram: Too Many Requests: retry after 7 (429)"))
	var ra *backoff.RetryAfterError
	require.True(t, errors.As(err, &ra))
	assert.Equal(t, "7s", ra.Duration.String())

	plain := errors.New("connection reset")
	assert.Equal(t, plain, classify(plain))
}

package redact

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaults = []string{
	`(?i)(?P<key>password\s*[=:]\s*)\S+`,
	`(?i)(?P<key>secret\s*[=:]\s*)\S+`,
	`(?i)(?P<key>token\s*[=:]\s*)\S+`,
	`(?i)(?P<key>api[_-]?key\s*[=:]\s*)\S+`,
	`(?i)(?P<key>private[_-]?key\s*[=:]\s*)\S+`,
	`(?i)(?P<key>auth[_-]?key\s*[=:]\s*)\S+`,
}

func newDefault(t *testing.T) *Redactor {
	t.Helper()
	r, err := New(defaults, "", 4096, DefaultMarker)
	require.NoError(t, err)
	return r
}

func TestApply_DefaultPatterns(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "authentication failure password=hunter2", want: "authentication failure password=[REDACTED]"},
		{in: "login Password: s3cret! ok", want: "login Password: [REDACTED] ok"},
		{in: "client_secret=abc token=xyz", want: "client_secret=[REDACTED] token=[REDACTED]"},
		{in: "API-KEY=AKIA123 api_key: zzz", want: "API-KEY=[REDACTED] api_key: [REDACTED]"},
		{in: "private_key=-----BEGIN", want: "private_key=[REDACTED]"},
		{in: "authkey=1234", want: "authkey=[REDACTED]"},
		{in: "nothing sensitive here", want: "nothing sensitive here"},
	}
	r := newDefault(t)
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			res := r.Apply(tt.in, "<13>"+tt.in)
			assert.Equal(t, tt.want, res.Message)
			assert.Equal(t, "<13>"+tt.want, res.Raw, "raw is processed identically")
			assert.Equal(t, tt.in != tt.want, res.Redacted)
		})
	}
}

func TestApply_UngroupedPatternReplacesWholeMatch(t *testing.T) {
	r, err := New([]string{`password=\S+`}, "[REDACTED]", 4096, DefaultMarker)
	require.NoError(t, err)
	res := r.Apply("authentication failure password=hunter2", "authentication failure password=hunter2")
	assert.Equal(t, "authentication failure [REDACTED]", res.Message)
	assert.NotContains(t, res.Raw, "hunter2")
}

func TestApply_OnlyKeyGroupSurvives(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		in      string
		want    string
	}{
		{
			name:    "key value shaped secret without key group",
			pattern: `[0-9a-f]{8}:[0-9a-f]{8}`,
			in:      "session deadbeef:cafebabe ok",
			want:    "session [REDACTED] ok",
		},
		{
			name:    "unnamed leading group",
			pattern: `(\d{4})-\d{4}-\d{4}-\d{4}`,
			in:      "card 4111-1111-1111-1111",
			want:    "card [REDACTED]",
		},
		{
			name:    "named key group",
			pattern: `(?P<key>pin:\s*)\d+`,
			in:      "pin: 1234 accepted",
			want:    "pin: [REDACTED] accepted",
		},
		{
			name:    "key group not leading is replaced",
			pattern: `\d+(?P<key>=)x`,
			in:      "a 12=x b",
			want:    "a [REDACTED] b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New([]string{tt.pattern}, "", 0, "")
			require.NoError(t, err)
			out, changed := r.Redact(tt.in)
			assert.True(t, changed)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestApply_PlainPatternReplacesWholeMatch(t *testing.T) {
	r, err := New([]string{`\b\d{4}-\d{4}-\d{4}-\d{4}\b`}, "[CARD]", 0, "")
	require.NoError(t, err)
	out, changed := r.Redact("paid with 4111-1111-1111-1111 today")
	assert.True(t, changed)
	assert.Equal(t, "paid with [CARD] today", out)
}

func TestApply_EmptyMatchesIgnored(t *testing.T) {
	r, err := New([]string{`x*`}, "", 0, "")
	require.NoError(t, err)
	out, changed := r.Redact("abc")
	assert.False(t, changed)
	assert.Equal(t, "abc", out)
}

func TestTruncate(t *testing.T) {
	r, err := New(nil, "", 64, DefaultMarker)
	require.NoError(t, err)

	short := strings.Repeat("a", 64)
	res := r.Apply(short, short)
	assert.Equal(t, short, res.Message)
	assert.False(t, res.Truncated)

	long := strings.Repeat("b", 200)
	res = r.Apply(long, long)
	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, len(res.Message), 64)
	assert.True(t, strings.HasSuffix(res.Message, DefaultMarker))
	assert.Equal(t, res.Message, res.Raw)
}

func TestTruncate_UTF8Boundary(t *testing.T) {
	r, err := New(nil, "", 20, " [T]")
	require.NoError(t, err)
	in := strings.Repeat("é", 30)
	res := r.Apply(in, in)
	assert.LessOrEqual(t, len(res.Message), 20)
	assert.True(t, utf8.ValidString(res.Message))
	assert.True(t, strings.HasSuffix(res.Message, " [T]"))
}

func TestTruncate_RedactionThenBound(t *testing.T) {
	r, err := New(defaults, "", 40, DefaultMarker)
	require.NoError(t, err)
	secret := strings.Repeat("s", 100)
	res := r.Apply("password="+secret, "password="+secret)
	assert.NotContains(t, res.Message, secret[:10])
	assert.True(t, res.Redacted)
	assert.True(t, res.Truncated, "pre-redaction content exceeded the bound")
	assert.True(t, strings.HasSuffix(res.Message, DefaultMarker))
	assert.LessOrEqual(t, len(res.Message), 40)
}

func TestNew_Errors(t *testing.T) {
	_, err := New([]string{"(unclosed"}, "", 4096, DefaultMarker)
	assert.Error(t, err)
	_, err = New(nil, "", 5, DefaultMarker)
	assert.Error(t, err)
}

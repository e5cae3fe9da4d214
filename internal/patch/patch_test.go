package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name     string
		original []byte
		fragment []byte
		role     Role
		want     string
	}{
		{
			name:     "pre prepends with separator",
			original: []byte("BODY"),
			fragment: []byte("HEADER"),
			role:     Pre,
			want:     "HEADER\nBODY",
		},
		{
			name:     "post appends with separator",
			original: []byte("BODY"),
			fragment: []byte("FOOTER"),
			role:     Post,
			want:     "BODY\nFOOTER",
		},
		{
			name:     "no separator when fragment already ends with newline",
			original: []byte("BODY"),
			fragment: []byte("HEADER\n"),
			role:     Pre,
			want:     "HEADER\nBODY",
		},
		{
			name:     "no separator when original starts with newline",
			original: []byte("\nBODY"),
			fragment: []byte("HEADER"),
			role:     Pre,
			want:     "HEADER\nBODY",
		},
		{
			name:     "existing boundary newlines are kept, not multiplied",
			original: []byte("BODY\n"),
			fragment: []byte("\nFOOTER"),
			role:     Post,
			want:     "BODY\n\nFOOTER",
		},
		{
			name:     "empty fragment leaves original untouched",
			original: []byte("BODY"),
			fragment: []byte(""),
			role:     Post,
			want:     "BODY",
		},
		{
			name:     "empty original yields fragment",
			original: []byte(""),
			fragment: []byte("FOOTER"),
			role:     Post,
			want:     "FOOTER",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apply(tt.original, tt.fragment, tt.role)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestApplyAbsentOriginal(t *testing.T) {
	fragment := []byte("content\n")
	for _, role := range []Role{Pre, Post} {
		got := Apply(nil, fragment, role)
		assert.Equal(t, string(fragment), string(got), "role %s", role)
	}
}

func TestApplyRoundTrip(t *testing.T) {
	original := []byte("line one\nline two")
	fragment := []byte("# injected")

	pre := Apply(original, fragment, Pre)
	// Stripping fragment plus the single separator recovers the original.
	assert.Equal(t, string(original), string(pre[len(fragment)+1:]))

	post := Apply(original, fragment, Post)
	assert.Equal(t, string(original), string(post[:len(post)-len(fragment)-1]))
}

func TestApplyDoesNotAliasFragment(t *testing.T) {
	fragment := []byte("abc")
	got := Apply(nil, fragment, Pre)
	got[0] = 'X'
	assert.Equal(t, "abc", string(fragment))
}

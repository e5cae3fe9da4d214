// Package patch merges theme-supplied fragments into existing configuration
// files without touching unrelated content.
package patch

// Role determines where a fragment is injected relative to the original
// file content.
type Role int

const (
	// Pre prepends the fragment to the original content.
	Pre Role = iota
	// Post appends the fragment to the original content.
	Post
)

func (r Role) String() string {
	switch r {
	case Pre:
		return "pre"
	case Post:
		return "post"
	}
	return "unknown"
}

// Apply merges fragment into original according to role. A nil original means
// the target file does not exist yet; the result is then the fragment alone.
// The two sides are joined by exactly one newline unless the boundary already
// carries one.
func Apply(original, fragment []byte, role Role) []byte {
	if original == nil {
		return append([]byte(nil), fragment...)
	}

	var head, tail []byte
	switch role {
	case Pre:
		head, tail = fragment, original
	default:
		head, tail = original, fragment
	}

	out := make([]byte, 0, len(head)+1+len(tail))
	out = append(out, head...)
	if needSeparator(head, tail) {
		out = append(out, '\n')
	}
	return append(out, tail...)
}

// needSeparator reports whether a newline must be inserted between head and
// tail. No separator is added when either side is empty or the boundary
// already has a newline, so the join never gains more than one blank line.
func needSeparator(head, tail []byte) bool {
	if len(head) == 0 || len(tail) == 0 {
		return false
	}
	return head[len(head)-1] != '\n' && tail[0] != '\n'
}

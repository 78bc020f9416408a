package request

import (
	"strconv"
	"strings"
)

// Key returns the cache and coalescing identity of r.
//
// Every caller-controlled string is length-prefixed, so no stable key, URI
// or transformation key can fake a segment boundary and collide with an
// unrelated request. Numeric segments are separated by newlines.
func Key(r *Request) string {
	var b strings.Builder
	b.Grow(len(r.source.uri) + len(r.source.resource) + len(r.stableKey) + 64)

	switch {
	case r.stableKey != "":
		writeString(&b, 'k', r.stableKey)
	case r.source.resource != "":
		writeString(&b, 'r', r.source.resource)
	default:
		writeString(&b, 'u', r.source.uri)
	}

	if r.HasSize() {
		b.WriteString("\nresize:")
		b.WriteString(strconv.Itoa(r.targetWidth))
		b.WriteByte('x')
		b.WriteString(strconv.Itoa(r.targetHeight))
	}
	if r.crop != CropNone {
		b.WriteString("\ncrop:")
		b.WriteString(r.crop.String())
	}
	if r.rotation != 0 {
		b.WriteString("\nrotate:")
		b.WriteString(strconv.FormatFloat(r.rotation, 'g', -1, 64))
		if r.hasPivot {
			b.WriteByte('@')
			b.WriteString(strconv.FormatFloat(r.pivotX, 'g', -1, 64))
			b.WriteByte(',')
			b.WriteString(strconv.FormatFloat(r.pivotY, 'g', -1, 64))
		}
	}
	for _, t := range r.transformations {
		b.WriteByte('\n')
		writeString(&b, 't', t.Key())
	}
	return b.String()
}

func writeString(b *strings.Builder, tag byte, s string) {
	b.WriteByte(tag)
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

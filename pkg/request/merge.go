package request

import "encoding/binary"

// Filter decides whether an incoming fragment is relevant. Rejected fragments are dropped.
type Filter func(data []byte) bool

// Merger assembles a value spread over several packets. It receives the buffer built
// so far, the new fragment and the fragment index (starting at 0), and returns the new
// buffer and whether the value is complete.
type Merger interface {
	Merge(buf, fragment []byte, index int) ([]byte, bool)
}

// MergerFunc adapts a function to the Merger interface.
type MergerFunc func(buf, fragment []byte, index int) ([]byte, bool)

func (f MergerFunc) Merge(buf, fragment []byte, index int) ([]byte, bool) {
	return f(buf, fragment, index)
}

// MergeCount concatenates exactly n fragments.
func MergeCount(n int) Merger {
	return MergerFunc(func(buf, fragment []byte, index int) ([]byte, bool) {
		buf = append(buf, fragment...)
		return buf, index+1 >= n
	})
}

// MergeUntil concatenates fragments until done reports true for the buffer.
func MergeUntil(done func(buf []byte) bool) Merger {
	return MergerFunc(func(buf, fragment []byte, _ int) ([]byte, bool) {
		buf = append(buf, fragment...)
		return buf, done(buf)
	})
}

// MergeLengthPrefixed expects the first fragment to start with a little-endian length
// header of headerLen bytes (1, 2 or 4). The completed value excludes the header.
func MergeLengthPrefixed(headerLen int) Merger {
	if headerLen != 1 && headerLen != 2 {
		headerLen = 4
	}
	return MergerFunc(func(buf, fragment []byte, _ int) ([]byte, bool) {
		buf = append(buf, fragment...)
		if len(buf) < headerLen {
			return buf, false
		}
		var want int
		switch headerLen {
		case 1:
			want = int(buf[0])
		case 2:
			want = int(binary.LittleEndian.Uint16(buf))
		default:
			want = int(binary.LittleEndian.Uint32(buf))
		}
		if len(buf)-headerLen < want {
			return buf, false
		}
		return buf[headerLen : headerLen+want], true
	})
}

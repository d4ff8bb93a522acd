// Package clipboard implements the control-stream clipboard-sync fragment
// reassembly codec.ClipboardData leaves to its caller: a transfer larger
// than codec.MaxControlPayload arrives as a run of messages sharing one
// format byte, each but the last with More set, and this package folds
// them back into the original payload.
//
// Per the spec's own note that fragment reassembly is underspecified
// beyond the More bit, this package does no buffering or reordering: a
// format change mid-transfer is treated as a protocol error, while any
// same-format fragment arriving mid-transfer is appended to the transfer
// in progress (a More: false one completes it). Gaps and reordering among
// same-format fragments are not detected.
package clipboard

import "errors"

// ErrFragmentMismatch is returned when a fragment's format byte doesn't
// match the transfer already in progress — the sender either restarted a
// transfer without finishing the last one, or interleaved two transfers.
var ErrFragmentMismatch = errors.New("clipboard: fragment format mismatch mid-transfer")

// MaxFragmentBytes is the largest Data payload one ClipboardData fragment
// should carry; a sender splitting a larger clipboard payload produces a
// run of fragments no larger than this, with More set on all but the last.
// It is 64 KiB less the 5 bytes of format and data_len that precede Data
// in a ClipboardData payload, so a full fragment still encodes within
// codec.MaxControlPayload.
const MaxFragmentBytes = 64*1024 - 5

// Reassembler accumulates the fragments of one in-flight clipboard transfer
// for a single control stream. It is not safe for concurrent use; each
// connection owns its own Reassembler.
type Reassembler struct {
	active bool
	format uint8
	buf    []byte
}

// Add folds in one fragment. When more is false the transfer is complete:
// ok is true and format/data are the reassembled payload. Otherwise ok is
// false and the caller should keep reading fragments.
func (r *Reassembler) Add(format uint8, data []byte, more bool) (outFormat uint8, outData []byte, ok bool, err error) {
	if !r.active {
		r.active = true
		r.format = format
		r.buf = append(r.buf[:0:0], data...)
	} else {
		if format != r.format {
			r.reset()
			return 0, nil, false, ErrFragmentMismatch
		}
		r.buf = append(r.buf, data...)
	}
	if more {
		return 0, nil, false, nil
	}
	outFormat, outData = r.format, r.buf
	r.reset()
	return outFormat, outData, true, nil
}

func (r *Reassembler) reset() {
	r.active = false
	r.buf = nil
}

// Fragments splits data into a run of (format, chunk, more) fragments no
// larger than MaxFragmentBytes each, the inverse of Reassembler.Add. A
// zero-length payload still yields one empty, non-more fragment so an
// empty clipboard can be synced.
func Fragments(format uint8, data []byte) []Fragment {
	if len(data) == 0 {
		return []Fragment{{Format: format}}
	}
	var frags []Fragment
	for off := 0; off < len(data); off += MaxFragmentBytes {
		end := off + MaxFragmentBytes
		if end > len(data) {
			end = len(data)
		}
		frags = append(frags, Fragment{
			Format: format,
			Data:   data[off:end],
			More:   end < len(data),
		})
	}
	return frags
}

// Fragment is one wire-ready chunk of a clipboard transfer.
type Fragment struct {
	Format uint8
	Data   []byte
	More   bool
}

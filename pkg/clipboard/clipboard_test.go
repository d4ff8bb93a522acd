package clipboard

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReassembler_SingleFragmentRoundTrip(t *testing.T) {
	var r Reassembler
	format, data, ok, err := r.Add(1, []byte("hello"), false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint8(1), format)
	assert.Equal(t, []byte("hello"), data)
}

func TestReassembler_MultiFragmentRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), MaxFragmentBytes*2+17)
	frags := Fragments(3, payload)
	require.Greater(t, len(frags), 1)

	var r Reassembler
	var gotFormat uint8
	var gotData []byte
	var done bool
	for _, f := range frags {
		var ok bool
		var err error
		gotFormat, gotData, ok, err = r.Add(f.Format, f.Data, f.More)
		require.NoError(t, err)
		done = ok
		if f.More {
			assert.False(t, ok)
		}
	}
	require.True(t, done)
	assert.Equal(t, uint8(3), gotFormat)
	assert.Equal(t, payload, gotData)
}

func TestReassembler_FormatMismatchMidTransferErrors(t *testing.T) {
	var r Reassembler
	_, _, ok, err := r.Add(1, []byte("partial"), true)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, ok, err = r.Add(2, []byte("other"), false)
	assert.ErrorIs(t, err, ErrFragmentMismatch)
	assert.False(t, ok)

	// the mismatch resets the reassembler, so a fresh transfer can start.
	_, _, ok, err = r.Add(2, []byte("fresh"), false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFragments_EmptyPayloadYieldsOneEmptyFragment(t *testing.T) {
	frags := Fragments(5, nil)
	require.Len(t, frags, 1)
	assert.Equal(t, uint8(5), frags[0].Format)
	assert.Empty(t, frags[0].Data)
	assert.False(t, frags[0].More)
}

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameSplitterVersionThenFrames(t *testing.T) {
	var s FrameSplitter

	_, seen := s.Version()
	assert.False(t, seen)

	payload := []byte{CChat, 0x02, 'h', 'i'}
	stream := append([]byte{Version}, EncodeFrame(payload)...)
	s.Push(stream)

	v, seen := s.Version()
	require.True(t, seen)
	assert.Equal(t, Version, v)

	frame, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, payload, frame)

	frame, err = s.Next()
	require.NoError(t, err)
	assert.Nil(t, frame)
}

func TestFrameSplitterByteAtATime(t *testing.T) {
	var s FrameSplitter
	payload := []byte{CPing}
	stream := append([]byte{Version}, EncodeFrame(payload)...)

	for i, b := range stream {
		s.Push([]byte{b})
		frame, err := s.Next()
		require.NoError(t, err)
		if i < len(stream)-1 {
			assert.Nil(t, frame, "frame must not complete at byte %d", i)
		} else {
			assert.Equal(t, payload, frame)
		}
	}
}

func TestFrameSplitterMultipleFramesOnePush(t *testing.T) {
	var s FrameSplitter
	p1 := []byte{CPing}
	p2 := []byte{CLeaveRoom}
	stream := append([]byte{Version}, EncodeFrame(p1)...)
	stream = append(stream, EncodeFrame(p2)...)
	s.Push(stream)

	f1, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, p1, f1)

	f2, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, p2, f2)
}

func TestFrameSplitterOversizedFrameIsSkipped(t *testing.T) {
	var s FrameSplitter
	s.Push([]byte{Version})

	// Header claims a frame larger than the limit; body follows in chunks.
	w := NewWriter(16)
	w.WriteUvarint(MaxFrameSize + 10)
	s.Push(w.Bytes())

	_, err := s.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// Push the oversized body plus a valid trailing frame; the body is
	// discarded and the trailing frame survives.
	s.Push(make([]byte, MaxFrameSize+10))
	good := []byte{CPing}
	s.Push(EncodeFrame(good))

	frame, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, good, frame)
}

func TestFrameSplitterEmpty(t *testing.T) {
	var s FrameSplitter
	frame, err := s.Next()
	require.NoError(t, err)
	assert.Nil(t, frame)
}

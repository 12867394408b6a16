// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestEncodeLimit(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := New(Command, strings.Repeat("x", MaxSize)).Encode()
	require.ErrorIs(err, ErrTooLarge)

	// The largest packet the encoder produces must decode.
	p := New(Command, strings.Repeat("x", MaxSize-MinSize))
	b, err := p.Encode()
	require.NoError(err)
	require.Len(b, MaxSize)
	d, n, err := FromBytes(b)
	require.NoError(err)
	require.Equal(MaxSize, n)
	require.Equal(p.Data, d.Data)
}

func TestFit(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	small := New(Response, "0", "echo")
	require.True(small.Fit())
	require.Equal("0", small.Data)

	// Context goes first, then Data.
	p := New(Response, strings.Repeat("x", MaxSize), "echo")
	p.Context = strings.Repeat("c", MaxSize)
	require.True(p.Fit())
	require.Empty(p.Context)
	require.Equal(MaxSize, p.Size())
	b, err := p.Encode()
	require.NoError(err)
	_, _, err = FromBytes(b)
	require.NoError(err)

	p = New(Response, "0", "echo")
	p.Context = strings.Repeat("c", MaxSize)
	require.True(p.Fit())
	require.Equal("0", p.Data)
	require.Equal(MaxSize, p.Size())

	// Multi-byte runes are never split.
	l := NewLogEntry([]string{"INFO", "server"}, "a"+strings.Repeat("é", MaxSize/2), time.Now())
	require.True(l.Fit())
	require.True(utf8.ValidString(l.Data))
	require.LessOrEqual(l.Size(), MaxSize)
	require.Greater(l.Size(), MaxSize-utf8.UTFMax)

	tags := New(Settings, "", strings.Repeat("t", MaxSize))
	require.False(tags.Fit())
}

func TestPacketRoundTrip(t *testing.T) {
	t.Parallel()

	large := strings.Repeat("0123456789abcdef", 4096)
	tagSets := [][]string{
		nil,
		{"DEFAULT"},
		{"ERROR", "server", "", "ünïcødé"},
	}
	datas := []string{"", "ping", large}
	contexts := []string{"", "127.0.0.1:4242"}

	for _, kind := range []Kind{Command, Response, LogEntry, Settings} {
		for _, tags := range tagSets {
			for _, data := range datas {
				for _, ctx := range contexts {
					p := &Packet{
						Kind:    kind,
						Tags:    tags,
						Data:    data,
						Context: ctx,
					}
					if kind == LogEntry {
						p.Timestamp = time.Date(2026, 10, 19, 12, 0, 0, 42, time.UTC).UnixNano()
					}

					b := p.ToBytes()
					require.Len(t, b, p.Size(), "%v: ToBytes() length", kind)

					d, n, err := FromBytes(b)
					require.NoError(t, err, "%v: FromBytes()", kind)
					require.Equal(t, len(b), n)
					require.Equal(t, p, d, "%v: round trip", kind)
				}
			}
		}
	}
}

func TestPacketTimestampOnlyOnLogEntry(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	p := New(Command, "help")
	p.Timestamp = 1234
	d, _, err := FromBytes(p.ToBytes())
	require.NoError(err)
	require.Zero(d.Timestamp)
	require.Len(p.ToBytes(), MinSize+len("help"))

	ts := time.Unix(1700000000, 5)
	l := NewLogEntry([]string{"INFO"}, "hello", ts)
	require.Len(l.ToBytes(), MinSize+timestampSize+lengthSize+len("INFO")+len("hello"))
	d, _, err = FromBytes(l.ToBytes())
	require.NoError(err)
	require.True(ts.Equal(d.Time()))
}

func TestDecodeAllBatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	pkts := []*Packet{
		New(Command, "echo hi"),
		NewLogEntry([]string{"DEBUG", "env"}, "Message was hi", time.Unix(10, 0)),
		{Kind: Response, Tags: []string{"echo"}, Data: "0", Context: "ok"},
	}
	var buf []byte
	for _, p := range pkts {
		buf = append(buf, p.ToBytes()...)
	}

	got, n, err := DecodeAll(buf)
	require.NoError(err)
	require.Equal(len(buf), n)
	require.Equal(pkts, got)
}

func TestDecodeAllHanging(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	first := New(Command, "who").ToBytes()
	second := New(Settings, "disconnect", "disconnect").ToBytes()

	// One full packet and a partial header.
	buf := append(append([]byte{}, first...), second[:7]...)
	got, n, err := DecodeAll(buf)
	require.NoError(err)
	require.Len(got, 1)
	require.Equal(len(first), n)
	require.Equal(7, len(buf)-n)

	// One full packet and a complete header but partial body.
	buf = append(append([]byte{}, first...), second[:len(second)-1]...)
	got, n, err = DecodeAll(buf)
	require.NoError(err)
	require.Len(got, 1)
	require.Equal(len(first), n)

	// Feeding the remainder completes the second packet.
	rest := append(buf[n:], second[len(second)-1:]...)
	got, n, err = DecodeAll(rest)
	require.NoError(err)
	require.Len(got, 1)
	require.Equal(len(second), n)
	require.Equal("disconnect", got[0].Data)
}

func TestFromBytesMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	good := New(Command, "echo", "a", "b").ToBytes()

	// Declared length past the end of the buffer.
	_, _, err := FromBytes(good[:len(good)-2])
	require.True(errors.Is(err, ErrMalformedPacket))

	// Data length overruns the packet.
	bad := append([]byte{}, good...)
	binary.BigEndian.PutUint32(bad[12:16], 1000)
	_, _, err = FromBytes(bad)
	require.ErrorIs(err, ErrMalformedPacket)

	// Negative tag count.
	bad = append([]byte{}, good...)
	binary.BigEndian.PutUint32(bad[8:12], 0xffffffff)
	_, _, err = FromBytes(bad)
	require.ErrorIs(err, ErrMalformedPacket)

	// Unknown kind.
	bad = append([]byte{}, good...)
	binary.BigEndian.PutUint32(bad[4:8], 9)
	_, _, err = FromBytes(bad)
	require.ErrorIs(err, ErrMalformedPacket)

	// Total length smaller than the minimum.
	bad = append([]byte{}, good...)
	binary.BigEndian.PutUint32(bad[0:4], 3)
	_, _, err = FromBytes(bad)
	require.ErrorIs(err, ErrMalformedPacket)

	// Total length disagrees with the payload.
	bad = append(append([]byte{}, good...), 0, 0)
	binary.BigEndian.PutUint32(bad[0:4], uint32(len(bad)))
	_, _, err = FromBytes(bad)
	require.ErrorIs(err, ErrMalformedPacket)
}

func TestDecodeAllDropsMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := New(Command, "first").ToBytes()
	b := New(Command, "second").ToBytes()
	binary.BigEndian.PutUint32(b[4:8], 77)
	c := New(Command, "third").ToBytes()

	buf := append(append(append([]byte{}, a...), b...), c...)
	got, n, err := DecodeAll(buf)
	require.ErrorIs(err, ErrMalformedPacket)
	require.Equal(len(buf), n)
	require.Len(got, 2)
	require.Equal("first", got[0].Data)
	require.Equal("third", got[1].Data)

	// An unusable total length stops decoding, keeping what came before.
	bad := append([]byte{}, a...)
	bad = append(bad, 0x7f, 0xff, 0xff, 0xff)
	bad = append(bad, make([]byte, MinSize)...)
	got, n, err = DecodeAll(bad)
	require.ErrorIs(err, ErrMalformedPacket)
	require.Len(got, 1)
	require.Equal(len(a), n)
}

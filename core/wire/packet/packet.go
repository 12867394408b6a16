// SPDX-FileCopyrightText: Copyright (C) 2026  The Hollowhead Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package packet implements the hollowhead wire packet codec.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	lengthSize    = 4
	kindSize      = 4
	timestampSize = 8

	// MinSize is the size of the smallest possible encoded packet: total
	// length, kind, tag count, data length and context length.
	MinSize = lengthSize + kindSize + 3*lengthSize

	// MaxSize is the largest encoded packet accepted by the decoder.
	MaxSize = 1 << 20
)

// Kind is the packet type.
type Kind uint32

const (
	// Command carries a raw command line in Data.
	Command Kind = iota

	// Response carries the decimal status of a command, or a handshake
	// accept/refuse code.
	Response

	// LogEntry carries a timestamped log message.
	LogEntry

	// Settings carries handshake and session control payloads.
	Settings
)

func (k Kind) String() string {
	switch k {
	case Command:
		return "command"
	case Response:
		return "response"
	case LogEntry:
		return "log_entry"
	case Settings:
		return "settings"
	default:
		return fmt.Sprintf("[unknown kind: %d]", uint32(k))
	}
}

func (k Kind) valid() bool {
	return k <= Settings
}

// Packet is a single logical message.
type Packet struct {
	Kind    Kind
	Tags    []string
	Data    string
	Context string

	// Timestamp is in Unix nanoseconds and is only carried on the wire
	// for LogEntry packets.
	Timestamp int64
}

// New returns a packet of the given kind.
func New(kind Kind, data string, tags ...string) *Packet {
	if len(tags) == 0 {
		tags = nil
	}
	return &Packet{
		Kind: kind,
		Tags: tags,
		Data: data,
	}
}

// NewLogEntry returns a LogEntry packet stamped with ts.
func NewLogEntry(tags []string, msg string, ts time.Time) *Packet {
	p := New(LogEntry, msg, tags...)
	p.Timestamp = ts.UnixNano()
	return p
}

// Time returns the packet timestamp as a time.Time.
func (p *Packet) Time() time.Time {
	return time.Unix(0, p.Timestamp)
}

// HasTag returns true if tag is one of the packet's tags.
func (p *Packet) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (p *Packet) headerSize() int {
	n := MinSize
	if p.Kind == LogEntry {
		n += timestampSize
	}
	return n
}

// Size returns the encoded length of the packet.
func (p *Packet) Size() int {
	n := p.headerSize()
	for _, t := range p.Tags {
		n += lengthSize + len(t)
	}
	return n + len(p.Data) + len(p.Context)
}

// Encode serializes the packet, failing with ErrTooLarge if the result
// would exceed MaxSize.
func (p *Packet) Encode() ([]byte, error) {
	if n := p.Size(); n > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, n, MaxSize)
	}
	return p.ToBytes(), nil
}

// Fit shortens Context and then Data until the packet encodes within
// MaxSize. It returns false if the header and tags alone are too large.
func (p *Packet) Fit() bool {
	if over := p.Size() - MaxSize; over > 0 {
		p.Context = truncate(p.Context, len(p.Context)-over)
	}
	if over := p.Size() - MaxSize; over > 0 {
		p.Data = truncate(p.Data, len(p.Data)-over)
	}
	return p.Size() <= MaxSize
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ToBytes serializes the packet without checking its size, see Encode.
func (p *Packet) ToBytes() []byte {
	out := make([]byte, lengthSize, p.Size())
	out = binary.BigEndian.AppendUint32(out, uint32(p.Kind))
	if p.Kind == LogEntry {
		out = binary.BigEndian.AppendUint64(out, uint64(p.Timestamp))
	}
	out = binary.BigEndian.AppendUint32(out, uint32(len(p.Tags)))
	out = binary.BigEndian.AppendUint32(out, uint32(len(p.Data)))
	out = binary.BigEndian.AppendUint32(out, uint32(len(p.Context)))
	for _, t := range p.Tags {
		out = binary.BigEndian.AppendUint32(out, uint32(len(t)))
		out = append(out, t...)
	}
	out = append(out, p.Data...)
	out = append(out, p.Context...)

	// Back-fill the total length now that it is known.
	binary.BigEndian.PutUint32(out[0:lengthSize], uint32(len(out)))
	return out
}

// FromBytes decodes the first packet in b, returning it along with the
// number of bytes it occupied.
func FromBytes(b []byte) (*Packet, int, error) {
	if len(b) < MinSize {
		return nil, 0, truncated(len(b), MinSize)
	}

	total := int(int32(binary.BigEndian.Uint32(b[0:4])))
	if total < MinSize || total > MaxSize {
		return nil, 0, &MalformedError{Reason: fmt.Sprintf("invalid total length %d", total)}
	}
	if total > len(b) {
		return nil, 0, truncated(len(b), total)
	}
	b = b[:total]

	malformed := func(format string, args ...interface{}) (*Packet, int, error) {
		return nil, 0, &MalformedError{Reason: fmt.Sprintf(format, args...), Skip: total}
	}

	p := new(Packet)
	p.Kind = Kind(binary.BigEndian.Uint32(b[4:8]))
	if !p.Kind.valid() {
		return malformed("invalid kind %d", uint32(p.Kind))
	}
	off := 8
	if p.Kind == LogEntry {
		if total < MinSize+timestampSize {
			return malformed("log entry too short for timestamp")
		}
		p.Timestamp = int64(binary.BigEndian.Uint64(b[off : off+timestampSize]))
		off += timestampSize
	}

	tagCount := int(int32(binary.BigEndian.Uint32(b[off:])))
	dataLen := int(int32(binary.BigEndian.Uint32(b[off+4:])))
	ctxLen := int(int32(binary.BigEndian.Uint32(b[off+8:])))
	off += 3 * lengthSize
	if tagCount < 0 || dataLen < 0 || ctxLen < 0 {
		return malformed("negative length (tags %d, data %d, context %d)", tagCount, dataLen, ctxLen)
	}
	// Every tag needs at least its length prefix.
	if tagCount > (total-off)/lengthSize {
		return malformed("tag count %d exceeds packet", tagCount)
	}

	if tagCount > 0 {
		p.Tags = make([]string, 0, tagCount)
	}
	for i := 0; i < tagCount; i++ {
		if total-off < lengthSize {
			return malformed("tag %d header past end of packet", i)
		}
		tagLen := int(int32(binary.BigEndian.Uint32(b[off:])))
		off += lengthSize
		if tagLen < 0 || tagLen > total-off {
			return malformed("tag %d length %d past end of packet", i, tagLen)
		}
		p.Tags = append(p.Tags, string(b[off:off+tagLen]))
		off += tagLen
	}

	if dataLen > total-off {
		return malformed("data length %d past end of packet", dataLen)
	}
	p.Data = string(b[off : off+dataLen])
	off += dataLen

	if ctxLen > total-off {
		return malformed("context length %d past end of packet", ctxLen)
	}
	p.Context = string(b[off : off+ctxLen])
	off += ctxLen

	if off != total {
		return malformed("declared length %d, consumed %d", total, off)
	}
	return p, total, nil
}

// DecodeAll decodes as many packets from b as possible, returning them and
// the number of bytes consumed. A partial packet at the tail of b is left
// unconsumed and is not an error, the caller should retain it and retry once
// more data arrives. Malformed packets with a usable length are dropped and
// the first such error is returned along with whatever else decoded.
func DecodeAll(b []byte) ([]*Packet, int, error) {
	var (
		pkts     []*Packet
		consumed int
		firstErr error
	)
	for len(b)-consumed >= MinSize {
		p, n, err := FromBytes(b[consumed:])
		if err == nil {
			pkts = append(pkts, p)
			consumed += n
			continue
		}

		var mErr *MalformedError
		if !errors.As(err, &mErr) {
			return pkts, consumed, err
		}
		switch {
		case mErr.Truncated:
			return pkts, consumed, firstErr
		case mErr.Skip > 0:
			if firstErr == nil {
				firstErr = err
			}
			consumed += mErr.Skip
		default:
			return pkts, consumed, err
		}
	}
	return pkts, consumed, firstErr
}

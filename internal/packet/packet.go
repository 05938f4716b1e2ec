/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package packet implements the binary message codec used by the QML debug wire protocol.
//
// A Packet is a growable byte buffer with a read cursor. Writes always append to the end
// of the buffer, reads consume from the cursor. All integers, including string and
// sub-packet length prefixes, are big-endian.
//
//	UTF-8 string:   [u32 byte length][bytes]
//	UTF-16 string:  [u32 byte length][UTF-16BE code units]
//	sub-packet:     [u32 byte length][nested packet bytes]
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// utf16BE is safe for concurrent use; the encoders and decoders it creates are not.
var utf16BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

var (
	// ErrShortBuffer is returned when a read needs more bytes than the packet has left.
	ErrShortBuffer = errors.New("packet: insufficient data in buffer")

	// ErrMalformed is returned when the bytes are present but cannot be decoded.
	ErrMalformed = errors.New("packet: malformed data")
)

// Packet is a single-threaded value object; it must not be shared between goroutines
// without external synchronization.
type Packet struct {
	data   []byte
	offset int
}

// New returns an empty packet ready for writing.
func New() *Packet {
	return &Packet{data: make([]byte, 0, 64)}
}

// FromBytes wraps existing bytes for reading. The packet does not copy the slice.
func FromBytes(data []byte) *Packet {
	return &Packet{data: data}
}

// Bytes returns the whole encoded content, regardless of the read cursor.
func (p *Packet) Bytes() []byte {
	return p.data
}

// Size returns the number of bytes in the packet.
func (p *Packet) Size() int {
	return len(p.data)
}

// Offset returns the current read position.
func (p *Packet) Offset() int {
	return p.offset
}

// Remaining returns the number of unread bytes.
func (p *Packet) Remaining() int {
	return len(p.data) - p.offset
}

// Unread returns the bytes after the read cursor.
func (p *Packet) Unread() []byte {
	return p.data[p.offset:]
}

// Clone returns a packet sharing the same bytes, with an independent cursor
// positioned where this packet's cursor currently is.
func (p *Packet) Clone() *Packet {
	return &Packet{data: p.data, offset: p.offset}
}

func (p *Packet) grow(n int) int {
	off := len(p.data)
	need := off + n
	if need <= cap(p.data) {
		p.data = p.data[:need]
		return off
	}
	newCap := cap(p.data) * 2
	if newCap < need {
		newCap = need
	}
	tmp := make([]byte, need, newCap)
	copy(tmp, p.data)
	p.data = tmp
	return off
}

func (p *Packet) need(n int) (int, error) {
	if n < 0 || p.offset+n > len(p.data) {
		return 0, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, p.offset, len(p.data)-p.offset)
	}
	off := p.offset
	p.offset += n
	return off, nil
}

// WriteUint32 appends an unsigned 32-bit big-endian integer.
func (p *Packet) WriteUint32(v uint32) *Packet {
	off := p.grow(4)
	binary.BigEndian.PutUint32(p.data[off:], v)
	return p
}

// WriteInt32 appends a signed 32-bit big-endian integer.
func (p *Packet) WriteInt32(v int32) *Packet {
	return p.WriteUint32(uint32(v))
}

// WriteString appends a length-prefixed UTF-8 string.
func (p *Packet) WriteString(s string) *Packet {
	p.WriteUint32(uint32(len(s)))
	off := p.grow(len(s))
	copy(p.data[off:], s)
	return p
}

// WriteStringUTF16 appends a length-prefixed UTF-16BE string. The prefix counts bytes, not code units.
func (p *Packet) WriteStringUTF16(s string) *Packet {
	// Invalid UTF-8 becomes U+FFFD; the encoder cannot fail on valid input.
	encoded, _ := utf16BE.NewEncoder().String(strings.ToValidUTF8(s, "\uFFFD"))
	p.WriteUint32(uint32(len(encoded)))
	off := p.grow(len(encoded))
	copy(p.data[off:], encoded)
	return p
}

// WritePacket appends the full content of sub as a length-prefixed nested message.
func (p *Packet) WritePacket(sub *Packet) *Packet {
	p.WriteUint32(uint32(sub.Size()))
	return p.Append(sub)
}

// Append concatenates the full content of other without a length prefix.
func (p *Packet) Append(other *Packet) *Packet {
	if other == nil {
		return p
	}
	off := p.grow(other.Size())
	copy(p.data[off:], other.data)
	return p
}

// ReadUint32 reads an unsigned 32-bit big-endian integer.
func (p *Packet) ReadUint32() (uint32, error) {
	off, err := p.need(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p.data[off:]), nil
}

// ReadInt32 reads a signed 32-bit big-endian integer.
func (p *Packet) ReadInt32() (int32, error) {
	v, err := p.ReadUint32()
	return int32(v), err
}

func (p *Packet) readPrefixed() ([]byte, error) {
	length, err := p.ReadUint32()
	if err != nil {
		return nil, err
	}
	if uint64(length) > uint64(p.Remaining()) {
		// Rewind so the cursor does not point into the middle of a half-read field.
		p.offset -= 4
		return nil, fmt.Errorf("%w: length prefix %d exceeds %d remaining bytes", ErrShortBuffer, length, p.Remaining()-4)
	}
	off, _ := p.need(int(length))
	return p.data[off : off+int(length)], nil
}

// ReadString reads a length-prefixed UTF-8 string. The returned string owns its bytes.
func (p *Packet) ReadString() (string, error) {
	raw, err := p.readPrefixed()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ReadStringUTF16 reads a length-prefixed UTF-16BE string. Unpaired surrogates decode to U+FFFD.
func (p *Packet) ReadStringUTF16() (string, error) {
	start := p.offset
	raw, err := p.readPrefixed()
	if err != nil {
		return "", err
	}
	if len(raw)%2 != 0 {
		p.offset = start
		return "", fmt.Errorf("%w: UTF-16 string has odd byte length %d", ErrMalformed, len(raw))
	}
	decoded, decodeErr := utf16BE.NewDecoder().Bytes(raw)
	if decodeErr != nil {
		p.offset = start
		return "", fmt.Errorf("%w: %v", ErrMalformed, decodeErr)
	}
	return string(decoded), nil
}

// ReadPacket reads a length-prefixed nested message. The returned packet shares memory
// with this one and starts with its cursor at zero.
func (p *Packet) ReadPacket() (*Packet, error) {
	raw, err := p.readPrefixed()
	if err != nil {
		return nil, err
	}
	return FromBytes(raw), nil
}

// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package sni implements a pure TLS ClientHello parser that extracts
// the Server Name Indication hostnames from a raw TLS record without
// terminating or otherwise participating in the handshake. Every read
// is bounds-checked: the parser is safe on arbitrary, possibly short
// or hostile buffers.
package sni

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

const (
	contentTypeHandshake  = 0x16
	handshakeTypeClientHi = 0x01
	extensionTypeSNI      = 0x0000
	nameTypeHostName      = 0x00
)

// cursor is a small bounds-checked reader over a byte slice. It never
// lets a caller read past the end of buf.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) remaining() int { return len(c.buf) - c.pos }

func (c *cursor) readByte() (byte, bool) {
	if c.remaining() < 1 {
		return 0, false
	}
	b := c.buf[c.pos]
	c.pos++
	return b, true
}

func (c *cursor) readUint16() (uint16, bool) {
	if c.remaining() < 2 {
		return 0, false
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, true
}

func (c *cursor) readUint24() (int, bool) {
	if c.remaining() < 3 {
		return 0, false
	}
	v := int(c.buf[c.pos])<<16 | int(c.buf[c.pos+1])<<8 | int(c.buf[c.pos+2])
	c.pos += 3
	return v, true
}

func (c *cursor) skip(n int) bool {
	if c.remaining() < n {
		return false
	}
	c.pos += n
	return true
}

func (c *cursor) slice(n int) ([]byte, bool) {
	if c.remaining() < n {
		return nil, false
	}
	s := c.buf[c.pos : c.pos+n]
	c.pos += n
	return s, true
}

// GetSNI parses one TLS record from buf and returns the ordered list
// of hostnames carried by the ClientHello's SNI extension. Anything
// that is not a well-formed handshake/ClientHello record yields an
// empty list rather than an error; callers route that to the
// listener's default upstream. GetSNI never reads past len(buf) and
// is safe to call on arbitrary, possibly short or hostile input.
func GetSNI(buf []byte, log logrus.FieldLogger) []string {
	c := &cursor{buf: buf}

	contentType, ok := c.readByte()
	if !ok || contentType != contentTypeHandshake {
		return nil
	}
	if !c.skip(2) { // protocol version
		return nil
	}
	recordLen, ok := c.readUint16()
	if !ok {
		return nil
	}
	record, ok := c.slice(int(recordLen))
	if !ok {
		// Record claims more bytes than we were handed (e.g. a
		// fragmented ClientHello beyond our peek window); nothing
		// reliable to parse.
		return nil
	}

	hc := &cursor{buf: record}
	handshakeType, ok := hc.readByte()
	if !ok || handshakeType != handshakeTypeClientHi {
		return nil
	}
	bodyLen, ok := hc.readUint24()
	if !ok {
		return nil
	}
	body, ok := hc.slice(bodyLen)
	if !ok {
		return nil
	}

	return parseClientHelloBody(body, log)
}

func parseClientHelloBody(body []byte, log logrus.FieldLogger) []string {
	c := &cursor{buf: body}

	if !c.skip(2) { // client_version
		return nil
	}
	if !c.skip(32) { // random
		return nil
	}

	sessionIDLen, ok := c.readByte()
	if !ok || !c.skip(int(sessionIDLen)) {
		return nil
	}

	cipherSuitesLen, ok := c.readUint16()
	if !ok || !c.skip(int(cipherSuitesLen)) {
		return nil
	}

	compressionLen, ok := c.readByte()
	if !ok || !c.skip(int(compressionLen)) {
		return nil
	}

	if c.remaining() == 0 {
		// No extensions block at all: a valid (if unusual) ClientHello
		// with no SNI.
		return nil
	}

	extensionsLen, ok := c.readUint16()
	if !ok {
		return nil
	}
	extensions, ok := c.slice(int(extensionsLen))
	if !ok {
		return nil
	}

	return parseExtensions(extensions, log)
}

func parseExtensions(buf []byte, log logrus.FieldLogger) []string {
	var names []string
	c := &cursor{buf: buf}

	for c.remaining() > 0 {
		extType, ok := c.readUint16()
		if !ok {
			break
		}
		extLen, ok := c.readUint16()
		if !ok {
			break
		}
		extData, ok := c.slice(int(extLen))
		if !ok {
			break
		}

		if extType == extensionTypeSNI {
			names = append(names, parseSNIExtension(extData, log)...)
		}
	}
	return names
}

func parseSNIExtension(buf []byte, log logrus.FieldLogger) []string {
	var names []string
	c := &cursor{buf: buf}

	listLen, ok := c.readUint16()
	if !ok {
		return nil
	}
	list, ok := c.slice(int(listLen))
	if !ok {
		return nil
	}

	lc := &cursor{buf: list}
	for lc.remaining() > 0 {
		nameType, ok := lc.readByte()
		if !ok {
			break
		}
		nameLen, ok := lc.readUint16()
		if !ok {
			break
		}
		raw, ok := lc.slice(int(nameLen))
		if !ok {
			break
		}
		if nameType != nameTypeHostName {
			continue
		}
		if !utf8.Valid(raw) {
			if log != nil {
				log.WithField("bytes", len(raw)).Warn("dropping non-utf8 SNI entry")
			}
			continue
		}
		names = append(names, string(raw))
	}
	return names
}

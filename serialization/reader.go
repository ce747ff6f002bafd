package serialization

import (
	"encoding/binary"
	"errors"
	"io"
	"time"
	"unicode/utf8"
)

// Reader decodes values written by Writer. A stream that ends before the first
// byte is reported as io.EOF, a stream that ends later as ErrTruncated.
type Reader struct {
	r        io.Reader
	buf      [8]byte
	err      error
	consumed int64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (s *Reader) Err() error {
	return s.err
}

// Consumed returns the number of bytes read so far.
func (s *Reader) Consumed() int64 {
	return s.consumed
}

func (s *Reader) setErr(err error) {
	if s.err == nil && err != nil {
		s.err = err
	}
}

func (s *Reader) read(p []byte) bool {
	if s.err != nil {
		return false
	}

	n, err := io.ReadFull(s.r, p)
	s.consumed += int64(n)

	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF) && s.consumed == 0:
		s.setErr(io.EOF)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		s.setErr(codecError("read", ErrTruncated))
	default:
		s.setErr(err)
	}

	return false
}

func (s *Reader) ReadUInt8() byte {
	if !s.read(s.buf[:1]) {
		return 0
	}

	return s.buf[0]
}

func (s *Reader) ReadBool() bool {
	return s.ReadUInt8() != 0
}

func (s *Reader) ReadInt32() int32 {
	return int32(s.ReadUInt32())
}

func (s *Reader) ReadUInt32() uint32 {
	if !s.read(s.buf[:4]) {
		return 0
	}

	return binary.BigEndian.Uint32(s.buf[:4])
}

func (s *Reader) ReadInt64() int64 {
	if !s.read(s.buf[:8]) {
		return 0
	}

	return int64(binary.BigEndian.Uint64(s.buf[:8]))
}

func (s *Reader) ReadTime() time.Time {
	ticks := s.ReadInt64()
	if s.err != nil {
		return time.Time{}
	}

	return FromTicks(ticks)
}

func (s *Reader) ReadChar() rune {
	lead := s.ReadUInt8()
	if s.err != nil {
		return utf8.RuneError
	}

	size := 0
	switch {
	case lead < 0x80:
		return rune(lead)
	case lead&0xE0 == 0xC0:
		size = 2
	case lead&0xF0 == 0xE0:
		size = 3
	case lead&0xF8 == 0xF0:
		size = 4
	default:
		s.setErr(codecError("read char", ErrInvalidChar))
		return utf8.RuneError
	}

	p := make([]byte, size)
	p[0] = lead
	if !s.read(p[1:]) {
		return utf8.RuneError
	}

	r, n := utf8.DecodeRune(p)
	if r == utf8.RuneError || n != size {
		s.setErr(codecError("read char", ErrInvalidChar))
		return utf8.RuneError
	}

	return r
}

func (s *Reader) readLength(op string) int {
	l := s.ReadInt32()
	if s.err != nil {
		return 0
	}

	if l < nullLength || l > MaxLength {
		s.setErr(codecError(op, ErrInvalidLength))
		return 0
	}

	return int(l)
}

// ReadBytes returns nil for a -1 length and an empty, non nil slice for 0.
func (s *Reader) ReadBytes() []byte {
	l := s.readLength("read bytes")
	if s.err != nil || l == nullLength {
		return nil
	}

	b := make([]byte, l)
	if l > 0 && !s.read(b) {
		return nil
	}

	return b
}

func (s *Reader) ReadString() string {
	b := s.ReadNullableString()
	if b == nil {
		return ""
	}

	return *b
}

func (s *Reader) ReadNullableString() *string {
	l := s.readLength("read string")
	if s.err != nil || l == nullLength {
		return nil
	}

	b := make([]byte, l)
	if l > 0 && !s.read(b) {
		return nil
	}

	str := string(b)
	return &str
}

// ReadObject reads a presence byte and, when set, a new T.
func ReadObject[T any, PT interface {
	*T
	Serializable
}](s *Reader) PT {
	switch s.ReadUInt8() {
	case objectAbsent:
		return nil
	case objectPresent:
	default:
		s.setErr(codecError("read object", ErrInvalidObject))
		return nil
	}

	if s.err != nil {
		return nil
	}

	v := PT(new(T))
	s.setErr(v.Deserialize(s))
	if s.err != nil {
		return nil
	}

	return v
}

func ReadObjectArray[T any, PT interface {
	*T
	Serializable
}](s *Reader) []PT {
	l := s.readLength("read object array")
	if s.err != nil || l == nullLength {
		return nil
	}

	items := make([]PT, 0, min(l, 1024))
	for i := 0; i < l; i++ {
		item := ReadObject[T, PT](s)
		if s.err != nil {
			return nil
		}

		items = append(items, item)
	}

	return items
}

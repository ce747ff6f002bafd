package serialization

import (
	"encoding/binary"
	"io"
	"time"
	"unicode/utf8"
)

// Writer encodes values big-endian and fixed width onto w.
// The first error is kept and every later call becomes a no-op.
type Writer struct {
	w   io.Writer
	buf [8]byte
	err error
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (s *Writer) Err() error {
	return s.err
}

func (s *Writer) setErr(err error) {
	if s.err == nil && err != nil {
		s.err = err
	}
}

func (s *Writer) write(p []byte) {
	if s.err != nil {
		return
	}

	_, err := s.w.Write(p)
	s.setErr(err)
}

func (s *Writer) WriteUInt8(v byte) {
	s.buf[0] = v
	s.write(s.buf[:1])
}

func (s *Writer) WriteBool(v bool) {
	if v {
		s.WriteUInt8(1)
	} else {
		s.WriteUInt8(0)
	}
}

func (s *Writer) WriteInt32(v int32) {
	s.WriteUInt32(uint32(v))
}

func (s *Writer) WriteUInt32(v uint32) {
	binary.BigEndian.PutUint32(s.buf[:4], v)
	s.write(s.buf[:4])
}

func (s *Writer) WriteInt64(v int64) {
	binary.BigEndian.PutUint64(s.buf[:8], uint64(v))
	s.write(s.buf[:8])
}

func (s *Writer) WriteTime(v time.Time) {
	s.WriteInt64(Ticks(v))
}

func (s *Writer) WriteChar(v rune) {
	if !utf8.ValidRune(v) {
		s.setErr(codecError("write char", ErrInvalidChar))
		return
	}

	n := utf8.EncodeRune(s.buf[:4], v)
	s.write(s.buf[:n])
}

// WriteBytes writes a length prefixed byte array, nil is written as -1.
func (s *Writer) WriteBytes(v []byte) {
	if v == nil {
		s.WriteInt32(nullLength)
		return
	}

	if len(v) > MaxLength {
		s.setErr(codecError("write bytes", ErrInvalidLength))
		return
	}

	s.WriteInt32(int32(len(v)))
	if len(v) > 0 {
		s.write(v)
	}
}

func (s *Writer) WriteString(v string) {
	if len(v) > MaxLength {
		s.setErr(codecError("write string", ErrInvalidLength))
		return
	}

	s.WriteInt32(int32(len(v)))
	if len(v) > 0 {
		s.write([]byte(v))
	}
}

func (s *Writer) WriteNullableString(v *string) {
	if v == nil {
		s.WriteInt32(nullLength)
		return
	}

	s.WriteString(*v)
}

// WriteObject writes a presence byte followed by the fields of v.
func WriteObject[T any, PT interface {
	*T
	Serializable
}](s *Writer, v PT) {
	if (*T)(v) == nil {
		s.WriteUInt8(objectAbsent)
		return
	}

	s.WriteUInt8(objectPresent)
	if s.err != nil {
		return
	}

	s.setErr(v.Serialize(s))
}

// WriteObjectArray writes the array length (-1 for nil) and then every element as a nested object.
func WriteObjectArray[T any, PT interface {
	*T
	Serializable
}](s *Writer, items []PT) {
	if items == nil {
		s.WriteInt32(nullLength)
		return
	}

	s.WriteInt32(int32(len(items)))
	for _, item := range items {
		WriteObject[T, PT](s, item)
	}
}

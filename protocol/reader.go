package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	// CRLF is the Redis protocol line terminator
	CRLF = "\r\n"

	// maxBulkSize is the maximum size for bulk strings (512MB, same as Redis)
	maxBulkSize = 512 * 1024 * 1024

	// maxArraySize is the maximum size for arrays
	maxArraySize = 1024 * 1024
)

var (
	crlfBytes = []byte(CRLF)
)

// Reader is a streaming RESP protocol reader that tracks the exact
// number of bytes consumed from the underlying stream.
type Reader struct {
	br     *bufio.Reader
	offset int64
}

// NewReader creates a new streaming RESP reader
func NewReader(r io.Reader) *Reader {
	return &Reader{
		br: bufio.NewReader(r),
	}
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int64 {
	return r.offset
}

// SetOffset moves the consumed-bytes counter to n without touching the
// stream. Replicas call it once the full resynchronization payload has
// been read so that the counter starts at the master's announced offset.
func (r *Reader) SetOffset(n int64) {
	r.offset = n
}

// ReadLine reads a line terminated by CRLF and returns its content.
// The offset advances by the content length plus two.
func (r *Reader) ReadLine() ([]byte, error) {
	return r.readLine()
}

// SkipNewlines discards bare '\n' bytes, which Redis masters send as
// keepalives while they prepare a snapshot.
func (r *Reader) SkipNewlines() error {
	for {
		b, err := r.br.Peek(1)
		if err != nil {
			return err
		}
		if b[0] != '\n' {
			return nil
		}
		if _, err := r.readByte(); err != nil {
			return err
		}
	}
}

// ReadN reads exactly n raw bytes.
func (r *Reader) ReadN(n int) ([]byte, error) {
	if n < 0 || n > maxBulkSize {
		return nil, protocolErrorf(nil, "invalid read length: %d", n)
	}
	data := make([]byte, n)
	if err := r.readFull(data); err != nil {
		return nil, frameErr(err)
	}
	return data, nil
}

// ReadCommand decodes one command array: "*<count>" followed by count
// bulk strings. A peer closing the stream between two commands yields
// io.EOF; anything malformed yields a *ProtocolError.
func (r *Reader) ReadCommand() ([]string, error) {
	typeByte, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if ValueType(typeByte) != TypeArray {
		return nil, protocolErrorf([]byte{typeByte}, "expected command array, got %q", typeByte)
	}

	line, err := r.readLine()
	if err != nil {
		return nil, frameErr(err)
	}

	count, err := parseInt64(line)
	if err != nil || count < 0 || count > maxArraySize {
		return nil, protocolErrorf(line, "invalid array length: %s", line)
	}

	args := make([]string, count)
	for i := range args {
		arg, err := r.readBulk()
		if err != nil {
			return nil, frameErr(err)
		}
		args[i] = string(arg)
	}

	return args, nil
}

// ReadNext reads the next RESP value of any type from the stream
func (r *Reader) ReadNext() (Value, error) {
	typeByte, err := r.readByte()
	if err != nil {
		return Value{}, err
	}

	v, err := r.readValue(ValueType(typeByte))
	if err != nil {
		return Value{}, frameErr(err)
	}
	return v, nil
}

func (r *Reader) readValue(t ValueType) (Value, error) {
	switch t {
	case TypeSimpleString, TypeError:
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: t, Data: line}, nil

	case TypeInteger:
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		n, err := parseInt64(line)
		if err != nil {
			return Value{}, protocolErrorf(line, "invalid integer: %s", line)
		}
		return Value{Type: TypeInteger, Integer: n}, nil

	case TypeBulkString:
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		length, err := parseInt64(line)
		if err != nil {
			return Value{}, protocolErrorf(line, "invalid bulk string length: %s", line)
		}
		if length == -1 {
			return Value{Type: TypeBulkString, IsNull: true}, nil
		}
		data, err := r.readBulkBody(length, line)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: TypeBulkString, Data: data}, nil

	case TypeArray:
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		length, err := parseInt64(line)
		if err != nil {
			return Value{}, protocolErrorf(line, "invalid array length: %s", line)
		}
		if length == -1 {
			return Value{Type: TypeArray, IsNull: true}, nil
		}
		if length < 0 || length > maxArraySize {
			return Value{}, protocolErrorf(line, "invalid array length: %d", length)
		}
		array := make([]Value, length)
		for i := range array {
			b, err := r.readByte()
			if err != nil {
				return Value{}, err
			}
			if array[i], err = r.readValue(ValueType(b)); err != nil {
				return Value{}, err
			}
		}
		return Value{Type: TypeArray, Array: array}, nil

	default:
		if t == 0 {
			return Value{}, protocolErrorf(nil, "unknown RESP type: empty byte (connection may be closed)")
		}
		return Value{}, protocolErrorf([]byte{byte(t)}, "unknown RESP type: %c (0x%02x)", t, byte(t))
	}
}

// readBulk reads one "$<len>\r\n<bytes>\r\n" element of a command array
func (r *Reader) readBulk() ([]byte, error) {
	typeByte, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if ValueType(typeByte) != TypeBulkString {
		return nil, protocolErrorf([]byte{typeByte}, "expected bulk string, got %q", typeByte)
	}

	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	length, err := parseInt64(line)
	if err != nil {
		return nil, protocolErrorf(line, "invalid bulk string length: %s", line)
	}
	return r.readBulkBody(length, line)
}

func (r *Reader) readBulkBody(length int64, header []byte) ([]byte, error) {
	if length < 0 || length > maxBulkSize {
		return nil, protocolErrorf(header, "invalid bulk string length: %d", length)
	}

	data := make([]byte, length)
	if err := r.readFull(data); err != nil {
		return nil, err
	}
	if err := r.expectCRLF(); err != nil {
		return nil, err
	}
	return data, nil
}

// readLine reads a line terminated by CRLF
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	r.offset += int64(len(line))
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		if err == io.EOF {
			return nil, &ProtocolError{Message: "unterminated line", Data: line, Err: io.ErrUnexpectedEOF}
		}
		return nil, err
	}

	if len(line) < 2 || !bytes.HasSuffix(line, crlfBytes) {
		return nil, protocolErrorf(line, "missing CRLF terminator")
	}

	return line[:len(line)-2], nil
}

func (r *Reader) readByte() (byte, error) {
	b, err := r.br.ReadByte()
	if err != nil {
		return 0, err
	}
	r.offset++
	return b, nil
}

func (r *Reader) readFull(buf []byte) error {
	n, err := io.ReadFull(r.br, buf)
	r.offset += int64(n)
	return err
}

// expectCRLF reads and validates CRLF terminator
func (r *Reader) expectCRLF() error {
	crlf := make([]byte, 2)
	if err := r.readFull(crlf); err != nil {
		return err
	}
	if !bytes.Equal(crlf, crlfBytes) {
		return protocolErrorf(crlf, "expected CRLF terminator [13, 10], got [%d, %d]", crlf[0], crlf[1])
	}
	return nil
}

// frameErr turns an end of stream in the middle of a frame into a
// protocol error. Transport errors pass through unchanged.
func frameErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			return err
		}
		return &ProtocolError{Message: "premature end of stream", Err: io.ErrUnexpectedEOF}
	}
	return err
}

// parseInt64 parses an int64 from a byte slice without allocation
func parseInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}

	var neg bool
	var i int

	switch b[0] {
	case '-':
		neg = true
		i = 1
	case '+':
		i = 1
	}

	if i >= len(b) {
		return 0, strconv.ErrSyntax
	}

	var n int64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, strconv.ErrSyntax
		}

		// Check for overflow
		if n > (1<<63-1)/10 {
			return 0, strconv.ErrRange
		}

		n = n*10 + int64(b[i]-'0')
	}

	if neg {
		return -n, nil
	}
	return n, nil
}

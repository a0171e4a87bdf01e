package protocol

import (
	"bufio"
	"bytes"
	"io"
	"sort"
	"strconv"
)

// Writer provides efficient writing of RESP protocol messages
type Writer struct {
	bw *bufio.Writer
}

// NewWriter creates a new RESP protocol writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		bw: bufio.NewWriter(w),
	}
}

// WriteSimpleString writes a simple string
func (w *Writer) WriteSimpleString(s string) error {
	if _, err := w.bw.WriteString("+"); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(s); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteError writes an error message
func (w *Writer) WriteError(msg string) error {
	if _, err := w.bw.WriteString("-"); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(msg); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteInteger writes an integer
func (w *Writer) WriteInteger(n int64) error {
	if _, err := w.bw.WriteString(":"); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(strconv.FormatInt(n, 10)); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteBulkString writes a bulk string
func (w *Writer) WriteBulkString(data []byte) error {
	if err := w.writeHeader('$', len(data)); err != nil {
		return err
	}
	if _, err := w.bw.Write(data); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteBulkStringFromString writes a bulk string from a string
func (w *Writer) WriteBulkStringFromString(s string) error {
	if err := w.writeHeader('$', len(s)); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(s); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteNullBulkString writes a null bulk string
func (w *Writer) WriteNullBulkString() error {
	if _, err := w.bw.WriteString("$-1"); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteSnapshot writes a full resynchronization payload: "$<len>\r\n"
// followed by the raw bytes with no trailing CRLF.
func (w *Writer) WriteSnapshot(payload []byte) error {
	if err := w.writeHeader('$', len(payload)); err != nil {
		return err
	}
	_, err := w.bw.Write(payload)
	return err
}

// WriteCommand writes a Redis command as a RESP array
func (w *Writer) WriteCommand(cmd string, args ...string) error {
	if err := w.writeHeader('*', 1+len(args)); err != nil {
		return err
	}

	if err := w.WriteBulkStringFromString(cmd); err != nil {
		return err
	}

	for _, arg := range args {
		if err := w.WriteBulkStringFromString(arg); err != nil {
			return err
		}
	}

	return nil
}

// WriteArgs writes a command array whose first element is the verb
func (w *Writer) WriteArgs(args []string) error {
	if err := w.writeHeader('*', len(args)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := w.WriteBulkStringFromString(arg); err != nil {
			return err
		}
	}
	return nil
}

// WriteMap writes fields as a single bulk string of "key:value" lines
// joined by CRLF, in key order.
func (w *Writer) WriteMap(fields map[string]string) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			buf.WriteString(CRLF)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(fields[k])
	}
	return w.WriteBulkString(buf.Bytes())
}

// WriteOK writes a simple "OK" response
func (w *Writer) WriteOK() error {
	return w.WriteSimpleString("OK")
}

// WritePONG writes a simple "PONG" response
func (w *Writer) WritePONG() error {
	return w.WriteSimpleString("PONG")
}

// Flush flushes any buffered data to the underlying writer
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

func (w *Writer) writeHeader(prefix byte, n int) error {
	if err := w.bw.WriteByte(prefix); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(strconv.Itoa(n)); err != nil {
		return err
	}
	return w.writeCRLF()
}

// writeCRLF writes the CRLF terminator
func (w *Writer) writeCRLF() error {
	_, err := w.bw.WriteString(CRLF)
	return err
}

// EncodeCommand returns the exact bytes WriteArgs emits for args. Its
// length is the amount a propagated command moves the replication offset.
func EncodeCommand(args []string) []byte {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	_ = w.WriteArgs(args)
	_ = w.Flush()
	return buf.Bytes()
}


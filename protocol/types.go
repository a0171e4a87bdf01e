package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueType represents the type of a RESP value
type ValueType byte

const (
	// RESP value types
	TypeSimpleString ValueType = '+'
	TypeError        ValueType = '-'
	TypeInteger      ValueType = ':'
	TypeBulkString   ValueType = '$'
	TypeArray        ValueType = '*'
)

// Value represents a parsed RESP value
type Value struct {
	Type    ValueType
	Data    []byte
	Integer int64
	Array   []Value
	IsNull  bool
}

// String returns a string representation of the value
func (v Value) String() string {
	switch v.Type {
	case TypeSimpleString, TypeError:
		return string(v.Data)
	case TypeInteger:
		return strconv.FormatInt(v.Integer, 10)
	case TypeBulkString:
		if v.IsNull {
			return "(nil)"
		}
		return string(v.Data)
	case TypeArray:
		if v.IsNull {
			return "(nil)"
		}
		parts := make([]string, len(v.Array))
		for i, item := range v.Array {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("unknown type %c", v.Type)
	}
}

// IsError returns true if this is an error value
func (v Value) IsError() bool {
	return v.Type == TypeError
}

// ProtocolError reports a malformed frame. It is fatal to the
// connection that produced it.
type ProtocolError struct {
	Message string
	Data    []byte
	Err     error
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Message)
}

// Unwrap returns the wrapped error
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErrorf(data []byte, format string, args ...interface{}) error {
	return &ProtocolError{Message: fmt.Sprintf(format, args...), Data: data}
}

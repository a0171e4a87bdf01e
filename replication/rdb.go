package replication

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// RDB format constants
const (
	RDBVersion11           = 11
	MaxSupportedRDBVersion = 12

	RDBOpcodeFunction2 = 0xF5
	RDBOpcodeModuleAux = 0xF7
	RDBOpcodeIdle      = 0xF8
	RDBOpcodeFreq      = 0xF9
	RDBOpcodeAux       = 0xFA
	RDBOpcodeResizeDB  = 0xFB
	RDBOpcodeExpiryMs  = 0xFC
	RDBOpcodeExpiry    = 0xFD
	RDBOpcodeDB        = 0xFE
	RDBOpcodeEOF       = 0xFF

	RDBTypeString = 0
	RDBTypeList   = 1
	RDBTypeSet    = 2
	RDBTypeHash   = 4

	rdbEncInt8  = 0
	rdbEncInt16 = 1
	rdbEncInt32 = 2
	rdbEncLZF   = 3

	// maxRDBString guards against corrupt length prefixes
	maxRDBString = 512 * 1024 * 1024
)

// RDBHandler processes RDB entries during parsing
type RDBHandler interface {
	// OnDatabase is called when switching to a new database
	OnDatabase(index int) error

	// OnKey is called for each key-value pair. value is []byte for
	// strings, [][]byte for lists, map[string]struct{} for sets and
	// map[string][]byte for hashes.
	OnKey(key []byte, value interface{}, expiry *time.Time) error

	// OnAux is called for auxiliary fields
	OnAux(key, value []byte) error

	// OnEnd is called when parsing is complete
	OnEnd() error
}

// RDBParser parses RDB files in streaming mode
type RDBParser struct {
	br      *bufio.Reader
	handler RDBHandler
	version int
}

// NewRDBParser creates a new RDB parser
func NewRDBParser(r io.Reader, handler RDBHandler) *RDBParser {
	return &RDBParser{
		br:      bufio.NewReader(r),
		handler: handler,
	}
}

// Version returns the RDB version read from the header
func (p *RDBParser) Version() int {
	return p.version
}

// Parse parses the RDB stream
func (p *RDBParser) Parse() error {
	header := make([]byte, 9)
	if _, err := io.ReadFull(p.br, header); err != nil {
		return fmt.Errorf("failed to read RDB header: %w", err)
	}

	if string(header[:5]) != "REDIS" {
		return fmt.Errorf("invalid RDB magic: %q", header[:5])
	}

	version, err := strconv.Atoi(string(header[5:]))
	if err != nil {
		return fmt.Errorf("invalid RDB version: %q", header[5:])
	}
	if version > MaxSupportedRDBVersion {
		return fmt.Errorf("unsupported RDB version: %d (max supported: %d)", version, MaxSupportedRDBVersion)
	}
	p.version = version

	var expiry *time.Time
	for {
		opcode, err := p.br.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read opcode: %w", err)
		}

		switch opcode {
		case RDBOpcodeEOF:
			// The 8-byte checksum that follows is not verified
			return p.handler.OnEnd()

		case RDBOpcodeDB:
			db, err := p.readLength()
			if err != nil {
				return fmt.Errorf("failed to read database number: %w", err)
			}
			if err := p.handler.OnDatabase(int(db)); err != nil {
				return err
			}

		case RDBOpcodeExpiry:
			var seconds uint32
			if err := binary.Read(p.br, binary.LittleEndian, &seconds); err != nil {
				return fmt.Errorf("failed to read expiry timestamp: %w", err)
			}
			t := time.Unix(int64(seconds), 0)
			expiry = &t

		case RDBOpcodeExpiryMs:
			var ms uint64
			if err := binary.Read(p.br, binary.LittleEndian, &ms); err != nil {
				return fmt.Errorf("failed to read expiry timestamp: %w", err)
			}
			t := time.UnixMilli(int64(ms))
			expiry = &t

		case RDBOpcodeResizeDB:
			if _, err := p.readLength(); err != nil {
				return err
			}
			if _, err := p.readLength(); err != nil {
				return err
			}

		case RDBOpcodeAux:
			key, err := p.readString()
			if err != nil {
				return fmt.Errorf("failed to read aux key: %w", err)
			}
			value, err := p.readString()
			if err != nil {
				return fmt.Errorf("failed to read aux value for key %s: %w", key, err)
			}
			if err := p.handler.OnAux(key, value); err != nil {
				return err
			}

		case RDBOpcodeIdle:
			if _, err := p.readLength(); err != nil {
				return err
			}

		case RDBOpcodeFreq:
			if _, err := p.br.ReadByte(); err != nil {
				return err
			}

		case RDBOpcodeModuleAux, RDBOpcodeFunction2:
			return fmt.Errorf("unsupported RDB opcode: 0x%02X", opcode)

		default:
			if err := p.readKeyValue(opcode, expiry); err != nil {
				return err
			}
			expiry = nil
		}
	}
}

// readLength reads a length-encoded integer
func (p *RDBParser) readLength() (uint64, error) {
	length, special, err := p.readLengthOrEncoding()
	if err != nil {
		return 0, err
	}
	if special {
		return 0, fmt.Errorf("unexpected special encoding %d where a length was expected", length)
	}
	return length, nil
}

// readLengthOrEncoding reads a length prefix. special is true when the
// prefix announces an encoded string, in which case the returned value
// is the encoding type.
func (p *RDBParser) readLengthOrEncoding() (value uint64, special bool, err error) {
	b, err := p.br.ReadByte()
	if err != nil {
		return 0, false, err
	}

	switch (b & 0xC0) >> 6 {
	case 0:
		// 6-bit length
		return uint64(b & 0x3F), false, nil

	case 1:
		// 14-bit length
		b2, err := p.br.ReadByte()
		if err != nil {
			return 0, false, err
		}
		return uint64(b&0x3F)<<8 | uint64(b2), false, nil

	case 2:
		switch b {
		case 0x80:
			var length uint32
			if err := binary.Read(p.br, binary.BigEndian, &length); err != nil {
				return 0, false, err
			}
			return uint64(length), false, nil
		case 0x81:
			var length uint64
			if err := binary.Read(p.br, binary.BigEndian, &length); err != nil {
				return 0, false, err
			}
			return length, false, nil
		default:
			return 0, false, fmt.Errorf("invalid length prefix: 0x%02X", b)
		}

	default:
		return uint64(b & 0x3F), true, nil
	}
}

// readKeyValue reads a key-value pair
func (p *RDBParser) readKeyValue(valueType byte, expiry *time.Time) error {
	key, err := p.readString()
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}

	value, err := p.readValue(valueType)
	if err != nil {
		return fmt.Errorf("failed to read value for key %s: %w", key, err)
	}

	return p.handler.OnKey(key, value, expiry)
}

func (p *RDBParser) readString() ([]byte, error) {
	length, special, err := p.readLengthOrEncoding()
	if err != nil {
		return nil, err
	}

	if !special {
		return p.readStringData(length)
	}

	switch length {
	case rdbEncInt8:
		val, err := p.br.ReadByte()
		if err != nil {
			return nil, err
		}
		return []byte(strconv.Itoa(int(int8(val)))), nil
	case rdbEncInt16:
		var val int16
		if err := binary.Read(p.br, binary.LittleEndian, &val); err != nil {
			return nil, err
		}
		return []byte(strconv.Itoa(int(val))), nil
	case rdbEncInt32:
		var val int32
		if err := binary.Read(p.br, binary.LittleEndian, &val); err != nil {
			return nil, err
		}
		return []byte(strconv.Itoa(int(val))), nil
	case rdbEncLZF:
		return p.readCompressedString()
	default:
		return nil, fmt.Errorf("invalid special string encoding: %d", length)
	}
}

// readCompressedString reads an LZF compressed string
func (p *RDBParser) readCompressedString() ([]byte, error) {
	compressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed length: %w", err)
	}

	uncompressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("failed to read uncompressed length: %w", err)
	}
	if uncompressedLen > maxRDBString {
		return nil, fmt.Errorf("uncompressed length too large: %d", uncompressedLen)
	}

	compressed, err := p.readStringData(compressedLen)
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed data: %w", err)
	}

	return lzfDecompress(compressed, int(uncompressedLen))
}

func (p *RDBParser) readStringData(length uint64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	if length > maxRDBString {
		return nil, fmt.Errorf("string length too large: %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(p.br, data); err != nil {
		return nil, fmt.Errorf("failed to read string data: %w", err)
	}

	return data, nil
}

// readValue reads a value based on its type
func (p *RDBParser) readValue(valueType byte) (interface{}, error) {
	switch valueType {
	case RDBTypeString:
		return p.readString()

	case RDBTypeList:
		length, err := p.readLength()
		if err != nil {
			return nil, err
		}
		list := make([][]byte, 0, min(length, 1024))
		for i := uint64(0); i < length; i++ {
			element, err := p.readString()
			if err != nil {
				return nil, err
			}
			list = append(list, element)
		}
		return list, nil

	case RDBTypeSet:
		length, err := p.readLength()
		if err != nil {
			return nil, err
		}
		set := make(map[string]struct{})
		for i := uint64(0); i < length; i++ {
			member, err := p.readString()
			if err != nil {
				return nil, err
			}
			set[string(member)] = struct{}{}
		}
		return set, nil

	case RDBTypeHash:
		length, err := p.readLength()
		if err != nil {
			return nil, err
		}
		hash := make(map[string][]byte)
		for i := uint64(0); i < length; i++ {
			field, err := p.readString()
			if err != nil {
				return nil, err
			}
			value, err := p.readString()
			if err != nil {
				return nil, err
			}
			hash[string(field)] = value
		}
		return hash, nil

	default:
		// Encoded aggregates cannot be skipped without decoding them
		return nil, fmt.Errorf("unsupported RDB value type: %d", valueType)
	}
}

// ParseRDB is a convenience function to parse an RDB stream
func ParseRDB(r io.Reader, handler RDBHandler) error {
	return NewRDBParser(r, handler).Parse()
}

// storeLoader loads string keys of database 0 into a storage
type storeLoader struct {
	store     storage.Storage
	logger    Logger
	now       time.Time
	currentDB int
	loaded    int
	skipped   int
}

// LoadRDB parses an RDB stream into store and returns the number of keys
// loaded. Keys already expired, keys outside database 0 and non-string
// values are skipped.
func LoadRDB(r io.Reader, store storage.Storage, logger Logger) (int, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	h := &storeLoader{store: store, logger: logger, now: time.Now()}
	if err := ParseRDB(r, h); err != nil {
		return h.loaded, err
	}
	return h.loaded, nil
}

func (h *storeLoader) OnDatabase(index int) error {
	h.currentDB = index
	return nil
}

func (h *storeLoader) OnKey(key []byte, value interface{}, expiry *time.Time) error {
	if h.currentDB != 0 {
		h.skipped++
		return nil
	}

	v, ok := value.([]byte)
	if !ok {
		h.logger.Debug("Skipping unsupported RDB value", "key", string(key), "type", fmt.Sprintf("%T", value))
		h.skipped++
		return nil
	}

	if expiry == nil {
		h.store.Set(string(key), v)
	} else if expiry.After(h.now) {
		h.store.SetWithExpiry(string(key), v, *expiry)
	} else {
		h.skipped++
		return nil
	}
	h.loaded++
	return nil
}

func (h *storeLoader) OnAux(key, value []byte) error {
	h.logger.Debug("RDB aux field", "key", string(key), "value", string(value))
	return nil
}

func (h *storeLoader) OnEnd() error {
	h.logger.Debug("RDB parsing completed", "loaded", h.loaded, "skipped", h.skipped)
	return nil
}

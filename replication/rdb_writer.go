package replication

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// emptyRDBHex is an RDB v11 file of an empty dataset as written by Redis 7.2
const emptyRDBHex = "524544495330303131fa0972656469732d76657205372e322e30fa0a72656469732d62697473c040fa056374696d65c26d08bc65fa08757365642d6d656dc2b0c41000fa08616f662d62617365c000fff06e3bfec0ff5aa2"

// EmptyRDB returns the canonical empty-dataset RDB payload
func EmptyRDB() []byte {
	b, err := hex.DecodeString(emptyRDBHex)
	if err != nil {
		panic(err)
	}
	return b
}

// rdbWriter appends RDB encoded values to a buffer
type rdbWriter struct {
	buf bytes.Buffer
}

func (w *rdbWriter) length(n uint64) {
	switch {
	case n < 1<<6:
		w.buf.WriteByte(byte(n))
	case n < 1<<14:
		w.buf.WriteByte(byte(n>>8) | 0x40)
		w.buf.WriteByte(byte(n))
	case n <= 0xFFFFFFFF:
		w.buf.WriteByte(0x80)
		_ = binary.Write(&w.buf, binary.BigEndian, uint32(n))
	default:
		w.buf.WriteByte(0x81)
		_ = binary.Write(&w.buf, binary.BigEndian, n)
	}
}

func (w *rdbWriter) str(s []byte) {
	w.length(uint64(len(s)))
	w.buf.Write(s)
}

func (w *rdbWriter) aux(key, value string) {
	w.buf.WriteByte(RDBOpcodeAux)
	w.str([]byte(key))
	w.str([]byte(value))
}

// EncodeRDB serializes every live key of store as an RDB v11 file.
// Strings are written uncompressed and the trailing checksum is zero,
// which readers treat as "not computed".
func EncodeRDB(store storage.Storage) []byte {
	type item struct {
		key   string
		entry storage.Entry
	}

	var items []item
	expires := 0
	store.ForEach(func(key string, e storage.Entry) bool {
		items = append(items, item{key: key, entry: e})
		if e.HasExpiry() {
			expires++
		}
		return true
	})

	w := &rdbWriter{}
	w.buf.WriteString("REDIS0011")
	w.aux("redis-ver", "7.2.0")
	w.aux("redis-bits", "64")
	w.aux("ctime", strconv.FormatInt(time.Now().Unix(), 10))
	w.aux("aof-base", "0")

	if len(items) > 0 {
		w.buf.WriteByte(RDBOpcodeDB)
		w.length(0)
		w.buf.WriteByte(RDBOpcodeResizeDB)
		w.length(uint64(len(items)))
		w.length(uint64(expires))

		for _, it := range items {
			if it.entry.HasExpiry() {
				w.buf.WriteByte(RDBOpcodeExpiryMs)
				_ = binary.Write(&w.buf, binary.LittleEndian, uint64(it.entry.ExpiresAt.UnixMilli()))
			}
			w.buf.WriteByte(RDBTypeString)
			w.str([]byte(it.key))
			w.str(it.entry.Value)
		}
	}

	w.buf.WriteByte(RDBOpcodeEOF)
	w.buf.Write(make([]byte, 8))
	return w.buf.Bytes()
}

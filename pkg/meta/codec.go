package meta

import (
	"encoding/binary"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Index values are CBOR with deterministic encoding and nanosecond
// timestamps so that records round-trip exactly between backends.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("meta: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("meta: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeValue(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	err := decMode.Unmarshal(data, &e)
	return e, err
}

func decodeAlias(data []byte) (Alias, error) {
	var a Alias
	err := decMode.Unmarshal(data, &a)
	return a, err
}

func decodeRecord(data []byte) (Record, error) {
	var r Record
	err := decMode.Unmarshal(data, &r)
	return r, err
}

func encodeTime(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}

func decodeTime(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

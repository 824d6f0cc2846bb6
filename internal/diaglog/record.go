package diaglog

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Record is one log line routed through the pipeline.
type Record struct {
	Time    time.Time `cbor:"1,keyasint"`
	Level   Level     `cbor:"2,keyasint"`
	Message string    `cbor:"3,keyasint"`
}

// Text formats the record as a single text line without a newline.
func (r Record) Text() string {
	return fmt.Sprintf("%s (%s) %s", r.Level.letter(), r.Time.Format("2006-01-02 15:04:05.000"), r.Message)
}

var (
	recordEncMode cbor.EncMode
	recordDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}
	recordEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create record CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	recordDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create record CBOR decoder mode: %v", err))
	}
}

// EncodeRecord encodes r as one CBOR item.
func EncodeRecord(r Record) ([]byte, error) {
	return recordEncMode.Marshal(r)
}

// DecodeRecord decodes one CBOR item.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := recordDecMode.Unmarshal(data, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

// newRecordDecoder reads consecutive records from r.
func newRecordDecoder(r io.Reader) *cbor.Decoder {
	return recordDecMode.NewDecoder(r)
}

package models

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

var (
	// ErrEncode is returned when a record holds a value JSON cannot represent.
	ErrEncode = errors.New("encode weather record")
	// ErrDecode is returned for payloads that are not a JSON object of the expected shape.
	ErrDecode = errors.New("decode weather record")
)

// wireRecord is the JSON layout shared by producer and consumer.
// Pointers distinguish absent keys from zero values. id and timestamp are
// numbers so that peers writing 800.0 or 1.5e12 still decode.
type wireRecord struct {
	ID           *json.Number `json:"id"`
	HighTemp     *float64     `json:"high_temp"`
	LowTemp      *float64     `json:"low_temp"`
	ResourceName *string      `json:"resource_name"`
	Timestamp    *json.Number `json:"timestamp,omitempty"`
}

// Marshal encodes the record as a JSON object with an epoch-millisecond timestamp.
func (r Record) Marshal() ([]byte, error) {
	for _, v := range []float64{r.HighTemperature, r.LowTemperature} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: unrepresentable temperature %v", ErrEncode, v)
		}
	}
	id := json.Number(strconv.Itoa(r.ConditionID))
	ts := json.Number(strconv.FormatInt(r.ObservedAt.UnixMilli(), 10))
	w := wireRecord{
		ID:           &id,
		HighTemp:     &r.HighTemperature,
		LowTemp:      &r.LowTemperature,
		ResourceName: &r.ResourceName,
		Timestamp:    &ts,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return data, nil
}

// Unmarshal decodes a payload produced by Marshal.
// A payload missing id, high_temp, low_temp or resource_name yields EmptyRecord
// and no error, so peers running a different schema degrade to "no data".
// Without a timestamp the record is treated as observed now.
func Unmarshal(data []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return EmptyRecord(), fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if w.ID == nil || w.HighTemp == nil || w.LowTemp == nil || w.ResourceName == nil {
		return EmptyRecord(), nil
	}
	id, err := wholeNumber(*w.ID, strconv.IntSize)
	if err != nil {
		return EmptyRecord(), fmt.Errorf("%w: id: %v", ErrDecode, err)
	}
	rec := NewRecord(int(id), *w.HighTemp, *w.LowTemp, *w.ResourceName)
	// TODO: a missing timestamp makes an old payload look fresh; needs a product decision before rejecting such payloads.
	if w.Timestamp != nil {
		ts, err := wholeNumber(*w.Timestamp, 64)
		if err != nil {
			return EmptyRecord(), fmt.Errorf("%w: timestamp: %v", ErrDecode, err)
		}
		rec.ObservedAt = time.UnixMilli(ts)
	}
	return rec, nil
}

// wholeNumber converts n to an integer of the given bit size. Fractional
// values are truncated toward zero.
func wholeNumber(n json.Number, bits int) (int64, error) {
	if i, err := strconv.ParseInt(n.String(), 10, bits); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return 0, err
	}
	f = math.Trunc(f)
	if limit := math.Ldexp(1, bits-1); f < -limit || f >= limit {
		return 0, fmt.Errorf("%s out of range", n)
	}
	return int64(f), nil
}

// ParseRecord is Unmarshal without the error: anything undecodable becomes EmptyRecord.
func ParseRecord(data []byte) Record {
	rec, err := Unmarshal(data)
	if err != nil {
		return EmptyRecord()
	}
	return rec
}

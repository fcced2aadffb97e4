package models

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// MaxAge is how long a record stays fresh after its observation time.
const MaxAge = 3 * time.Hour

// UnsetTemperature marks a temperature that was never observed.
const UnsetTemperature = -math.MaxFloat64

// Record is one weather observation: condition, high/low temperature and the
// icon key the UI resolves to an image. Values are not modified after construction.
type Record struct {
	ConditionID     int
	HighTemperature float64
	LowTemperature  float64
	ResourceName    string
	ObservedAt      time.Time
}

// now is swapped in tests.
var now = time.Now

// currentTime returns now at millisecond precision, the resolution of the wire timestamp.
func currentTime() time.Time {
	return time.UnixMilli(now().UnixMilli())
}

// NewRecord creates a record observed at the current time.
func NewRecord(conditionID int, high, low float64, resourceName string) Record {
	return Record{
		ConditionID:     conditionID,
		HighTemperature: high,
		LowTemperature:  low,
		ResourceName:    resourceName,
		ObservedAt:      currentTime(),
	}
}

// EmptyRecord returns a record without weather data.
func EmptyRecord() Record {
	return Record{
		HighTemperature: UnsetTemperature,
		LowTemperature:  UnsetTemperature,
		ObservedAt:      currentTime(),
	}
}

// HasData reports whether the record carries an icon key and both temperatures.
func (r Record) HasData() bool {
	return r.ResourceName != "" &&
		r.HighTemperature != UnsetTemperature &&
		r.LowTemperature != UnsetTemperature
}

// IsStale reports whether the record is older than MaxAge.
func (r Record) IsStale() bool {
	return r.IsStaleAt(now())
}

// IsStaleAt reports whether the record is older than MaxAge at t.
func (r Record) IsStaleAt(t time.Time) bool {
	return r.ObservedAt.Add(MaxAge).Before(t)
}

// Age returns the time elapsed between the observation and t.
func (r Record) Age(t time.Time) time.Duration {
	return t.Sub(r.ObservedAt)
}

// Equal compares all fields, using time equality for ObservedAt.
func (r Record) Equal(o Record) bool {
	return r.ConditionID == o.ConditionID &&
		r.HighTemperature == o.HighTemperature &&
		r.LowTemperature == o.LowTemperature &&
		r.ResourceName == o.ResourceName &&
		r.ObservedAt.Equal(o.ObservedAt)
}

func (r Record) String() string {
	return fmt.Sprintf("Record{id=%d high=%s low=%s icon=%q observed=%s}",
		r.ConditionID, formatTemperature(r.HighTemperature), formatTemperature(r.LowTemperature),
		r.ResourceName, r.ObservedAt.UTC().Format(time.RFC3339))
}

func formatTemperature(v float64) string {
	if v == UnsetTemperature {
		return "unset"
	}
	return strconv.FormatFloat(v, 'f', 1, 64)
}

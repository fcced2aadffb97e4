package models

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"
)

func withClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

// TestEmptyRecord_HasNoData verifies that the empty constructor never reports data.
func TestEmptyRecord_HasNoData(t *testing.T) {
	r := EmptyRecord()
	if r.HasData() {
		t.Fatalf("EmptyRecord().HasData() = true, want false: %v", r)
	}
	if r.HighTemperature != UnsetTemperature || r.LowTemperature != UnsetTemperature {
		t.Errorf("EmptyRecord() temperatures = %v/%v, want sentinel", r.HighTemperature, r.LowTemperature)
	}
}

func TestRecord_HasData(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"complete", NewRecord(800, 20, 15, "clear"), true},
		{"zero temperatures are valid", NewRecord(800, 0, 0, "clear"), true},
		{"missing icon", NewRecord(800, 20, 15, ""), false},
		{"unset high", NewRecord(800, UnsetTemperature, 15, "clear"), false},
		{"unset low", NewRecord(800, 20, UnsetTemperature, "clear"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.HasData(); got != tt.want {
				t.Errorf("HasData() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestRecord_IsStale verifies the MaxAge boundary: fresh at observation time,
// stale one millisecond past MaxAge.
func TestRecord_IsStale(t *testing.T) {
	base := time.Date(2026, 5, 5, 12, 0, 0, 0, time.UTC)
	withClock(t, base)

	r := NewRecord(800, 20, 15, "clear")
	if r.IsStale() {
		t.Error("IsStale() = true for record observed now")
	}

	r.ObservedAt = base.Add(-MaxAge - time.Millisecond)
	if !r.IsStale() {
		t.Error("IsStale() = false for record older than MaxAge")
	}

	r.ObservedAt = base.Add(-MaxAge)
	if r.IsStale() {
		t.Error("IsStale() = true at exactly MaxAge, want false")
	}
}

func TestRecord_Age(t *testing.T) {
	base := time.Date(2026, 5, 5, 12, 0, 0, 0, time.UTC)
	withClock(t, base)
	r := NewRecord(800, 20, 15, "clear")
	if got := r.Age(base.Add(90 * time.Second)); got != 90*time.Second {
		t.Errorf("Age() = %v, want 90s", got)
	}
}

// TestMarshal_RoundTrip verifies that records with data survive encode/decode unchanged.
func TestMarshal_RoundTrip(t *testing.T) {
	tests := []Record{
		NewRecord(800, 25.0, 15.0, "clear"),
		NewRecord(501, -3.5, -12.25, "rain"),
		NewRecord(0, 0, 0, "fog"),
		NewRecord(211, 1e6, -1e6, "storm"),
	}
	for _, rec := range tests {
		data, err := rec.Marshal()
		if err != nil {
			t.Fatalf("Marshal(%v) error = %v", rec, err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", data, err)
		}
		if !got.HasData() {
			t.Errorf("Unmarshal(%s).HasData() = false", data)
		}
		if !got.Equal(rec) {
			t.Errorf("round trip = %v, want %v", got, rec)
		}
	}
}

func TestMarshal_WireKeys(t *testing.T) {
	data, err := NewRecord(800, 25, 15, "clear").Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, key := range []string{`"id":800`, `"high_temp":25`, `"low_temp":15`, `"resource_name":"clear"`, `"timestamp":`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("Marshal() = %s, missing %s", data, key)
		}
	}
}

func TestMarshal_EmptyRecordIsEncodable(t *testing.T) {
	data, err := EmptyRecord().Marshal()
	if err != nil {
		t.Fatalf("EmptyRecord().Marshal() error = %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.HasData() {
		t.Error("decoded empty record reports data")
	}
}

func TestMarshal_UnrepresentableTemperature(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		r := NewRecord(800, v, 10, "clear")
		if _, err := r.Marshal(); !errors.Is(err, ErrEncode) {
			t.Errorf("Marshal(high=%v) error = %v, want ErrEncode", v, err)
		}
	}
}

// TestUnmarshal_MissingRequiredKey verifies that any missing required key
// yields an empty record rather than an error.
func TestUnmarshal_MissingRequiredKey(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty object", `{}`},
		{"missing id", `{"high_temp":25,"low_temp":15,"resource_name":"clear"}`},
		{"missing high_temp", `{"id":800,"low_temp":15,"resource_name":"clear"}`},
		{"missing low_temp", `{"id":800,"high_temp":25,"resource_name":"clear"}`},
		{"missing resource_name", `{"id":800,"high_temp":25,"low_temp":15}`},
		{"null field", `{"id":800,"high_temp":null,"low_temp":15,"resource_name":"clear"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tt.payload))
			if err != nil {
				t.Fatalf("Unmarshal() error = %v, want nil", err)
			}
			if got.HasData() {
				t.Errorf("Unmarshal() = %v, want empty record", got)
			}
		})
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	for _, payload := range []string{``, `{`, `not json`, `[1,2]`, `{"id":"eight hundred","high_temp":1,"low_temp":1,"resource_name":"x"}`} {
		got, err := Unmarshal([]byte(payload))
		if !errors.Is(err, ErrDecode) {
			t.Errorf("Unmarshal(%q) error = %v, want ErrDecode", payload, err)
		}
		if got.HasData() {
			t.Errorf("Unmarshal(%q) returned data", payload)
		}
		if ParseRecord([]byte(payload)).HasData() {
			t.Errorf("ParseRecord(%q) returned data", payload)
		}
	}
}

func TestUnmarshal_TimestampOverridesNow(t *testing.T) {
	base := time.Date(2026, 5, 5, 12, 0, 0, 0, time.UTC)
	withClock(t, base)

	observed := base.Add(-4 * time.Hour)
	payload := `{"id":800,"high_temp":25,"low_temp":15,"resource_name":"clear","timestamp":` +
		strconv.FormatInt(observed.UnixMilli(), 10) + `}`
	got, err := Unmarshal([]byte(payload))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !got.ObservedAt.Equal(observed) {
		t.Errorf("ObservedAt = %v, want %v", got.ObservedAt, observed)
	}
	if !got.IsStale() {
		t.Error("IsStale() = false for a 4h old payload")
	}
}

// TestUnmarshal_MissingTimestampDefaultsToNow pins the current behaviour:
// a payload without timestamp is considered observed at decode time.
func TestUnmarshal_MissingTimestampDefaultsToNow(t *testing.T) {
	base := time.Date(2026, 5, 5, 12, 0, 0, 0, time.UTC)
	withClock(t, base)

	got, err := Unmarshal([]byte(`{"id":800,"high_temp":25,"low_temp":15,"resource_name":"clear"}`))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !got.ObservedAt.Equal(base) {
		t.Errorf("ObservedAt = %v, want %v", got.ObservedAt, base)
	}
	if got.IsStale() {
		t.Error("IsStale() = true, want false")
	}
}

func TestRecord_String(t *testing.T) {
	empty := EmptyRecord().String()
	if !strings.Contains(empty, "high=unset") || !strings.Contains(empty, "low=unset") {
		t.Errorf("EmptyRecord().String() = %q, want unset temperatures", empty)
	}
	if len(empty) > 120 {
		t.Errorf("EmptyRecord().String() is %d bytes long", len(empty))
	}

	full := NewRecord(800, 25, -3.5, "clear").String()
	for _, want := range []string{"id=800", "high=25.0", "low=-3.5", `icon="clear"`} {
		if !strings.Contains(full, want) {
			t.Errorf("String() = %q, missing %s", full, want)
		}
	}
}

// TestUnmarshal_FloatEncodedIntegers verifies id and timestamp written as
// JSON floats decode like their integer forms.
func TestUnmarshal_FloatEncodedIntegers(t *testing.T) {
	observed := time.UnixMilli(1_500_000_000_000)
	tests := []struct {
		name    string
		payload string
		wantID  int
	}{
		{"decimal point", `{"id":800.0,"high_temp":25,"low_temp":15,"resource_name":"clear","timestamp":1500000000000.0}`, 800},
		{"exponent", `{"id":8e2,"high_temp":25,"low_temp":15,"resource_name":"clear","timestamp":1.5e12}`, 800},
		{"fraction truncated", `{"id":800.9,"high_temp":25,"low_temp":15,"resource_name":"clear","timestamp":1500000000000.4}`, 800},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tt.payload))
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if !got.HasData() || got.ConditionID != tt.wantID {
				t.Errorf("Unmarshal() = %v, want id %d with data", got, tt.wantID)
			}
			if !got.ObservedAt.Equal(observed) {
				t.Errorf("ObservedAt = %v, want %v", got.ObservedAt, observed)
			}
		})
	}

	for _, payload := range []string{
		`{"id":1e300,"high_temp":25,"low_temp":15,"resource_name":"clear"}`,
		`{"id":800,"high_temp":25,"low_temp":15,"resource_name":"clear","timestamp":1e30}`,
	} {
		if _, err := Unmarshal([]byte(payload)); !errors.Is(err, ErrDecode) {
			t.Errorf("Unmarshal(%s) error = %v, want ErrDecode", payload, err)
		}
	}
}

package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Status is the presence state of one identifier.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
)

// Statuses lists every valid status, in display order.
var Statuses = []Status{StatusOnline, StatusAway, StatusBusy, StatusOffline}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway, StatusBusy:
		return true
	}
	return false
}

// ParseStatus validates a wire status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", ErrInvalidFrame.WithDetails(fmt.Sprintf("unknown status %q", s))
	}
	return st, nil
}

// Metadata limits applied to every patch and merged result.
const (
	MaxMetadataKeys        = 32
	MaxMetadataKeyLength   = 64
	MaxMetadataValueLength = 512
)

// ValueKind tags the primitive held by a Value.
type ValueKind uint8

const (
	KindString ValueKind = iota + 1
	KindNumber
	KindBool
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Value is a metadata value: exactly one of string, number or bool.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
}

func StringValue(s string) Value  { return Value{kind: KindString, str: s} }
func NumberValue(n float64) Value { return Value{kind: KindNumber, num: n} }
func BoolValue(b bool) Value      { return Value{kind: KindBool, b: b} }

func (v Value) Kind() ValueKind { return v.kind }

// Str returns the string form of a string value, or "" for other kinds.
func (v Value) Str() string { return v.str }

func (v Value) Number() float64 { return v.num }

func (v Value) Bool() bool { return v.b }

// Equal reports whether both values hold the same kind and primitive.
func (v Value) Equal(o Value) bool { return v == o }

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return nil, fmt.Errorf("metadata value has no kind")
	}
}

// UnmarshalJSON implements json.Unmarshaler. Objects, arrays and null are
// rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ErrInvalidFrame.WithDetails("empty metadata value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if len(s) > MaxMetadataValueLength {
			return ErrInvalidFrame.WithDetails("metadata value too long")
		}
		*v = StringValue(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case 'n':
		return ErrInvalidFrame.WithDetails("null metadata value")
	case '{', '[':
		return ErrInvalidFrame.WithDetails("nested metadata values are not supported")
	default:
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return ErrInvalidFrame.WithDetails("malformed metadata number")
		}
		*v = NumberValue(n)
	}
	return nil
}

// Metadata is the free-form key/value part of a Presence Record.
type Metadata map[string]Value

// Clone returns an independent copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Equal reports whether both hold the same keys and values. Nil and empty
// are equal.
func (m Metadata) Equal(o Metadata) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		w, ok := o[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}

// MetadataPatch is an inbound metadata update. A nil entry (JSON null)
// deletes the key.
type MetadataPatch map[string]*Value

// Validate checks key count and key length.
func (p MetadataPatch) Validate() error {
	if len(p) > MaxMetadataKeys {
		return ErrInvalidFrame.WithDetails("too many metadata keys")
	}
	for k := range p {
		if k == "" || len(k) > MaxMetadataKeyLength {
			return ErrInvalidFrame.WithDetails(fmt.Sprintf("invalid metadata key %q", k))
		}
	}
	return nil
}

// PatchOf converts full metadata into a patch that sets every key.
func PatchOf(m Metadata) MetadataPatch {
	if len(m) == 0 {
		return nil
	}
	p := make(MetadataPatch, len(m))
	for k, v := range m {
		v := v
		p[k] = &v
	}
	return p
}

// Merge applies p on top of m and returns the result; m is left untouched.
func (m Metadata) Merge(p MetadataPatch) (Metadata, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	out := m.Clone()
	if out == nil {
		out = make(Metadata, len(p))
	}
	for k, v := range p {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = *v
	}
	if len(out) > MaxMetadataKeys {
		return nil, ErrInvalidFrame.WithDetails("merged metadata exceeds key limit")
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Record is the authoritative presence tuple for one identifier.
type Record struct {
	UserID   string    `json:"userId"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
	Metadata Metadata  `json:"metadata,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r Record) Clone() Record {
	r.Metadata = r.Metadata.Clone()
	return r
}

// Active reports whether the record is anything but OFFLINE.
func (r Record) Active() bool {
	return r.Status != StatusOffline
}

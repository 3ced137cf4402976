package ldapper

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	objectsid "github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"

	"github.com/isometry/ldapper/internal/dnutil"
)

// Kind classifies how a field converts between its Go value and the
// directory's attribute values.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
	KindList   // multi-valued string attribute
	KindBinary // raw octets, e.g. jpegPhoto
	KindTime   // generalizedTime
	KindGUID   // objectGUID in Active Directory's mixed-endian layout
	KindSID    // objectSid binary form
	KindDNPart // derived from a component of the entry DN
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindBinary:
		return "binary"
	case KindTime:
		return "time"
	case KindGUID:
		return "guid"
	case KindSID:
		return "sid"
	case KindDNPart:
		return "dnpart"
	default:
		return "unknown"
	}
}

// Field describes one mapped struct field: its LDAP attribute, conversion
// kind, and behavior flags parsed from the `ldap` struct tag.
//
// Go has no unset state for scalars, so the zero value of a scalar field
// (empty string, 0, false, zero time) is treated as "attribute absent"
// throughout diffing and serialization.
type Field struct {
	Name      string // Go field name
	Attr      string // LDAP attribute name
	Kind      Kind
	Primary   bool // the field that primarily identifies the entry
	Optional  bool // not required when adding a new entry
	ReadOnly  bool // never modified by Save after creation
	System    bool // directory-maintained (timestamps etc.), never written
	Sensitive bool // value obscured in logs
	Printable bool // included in pretty-printed output

	index []int
}

// Derived reports whether the field has no concrete attribute of its own:
// it is computed from the DN or maintained by the directory in a form the
// mapper never writes back. Derived fields are skipped by diffs and saves.
func (f *Field) Derived() bool {
	return f.Kind == KindDNPart || f.Kind == KindGUID || f.Kind == KindSID
}

// value returns the field's current value from a struct.
func (f *Field) value(structVal reflect.Value) any {
	return structVal.FieldByIndex(f.index).Interface()
}

// generalizedTime layouts accepted when decoding; the first is also the
// encoding layout.
var generalizedTimeLayouts = []string{
	"20060102150405Z0700",
	"20060102150405.000Z0700",
	"20060102150405",
}

// decode populates the field on structVal from a directory entry.
func (f *Field) decode(entry *ldap.Entry, structVal reflect.Value) error {
	fv := structVal.FieldByIndex(f.index)

	switch f.Kind {
	case KindString:
		fv.SetString(entry.GetAttributeValue(f.Attr))

	case KindInt:
		raw := entry.GetAttributeValue(f.Attr)
		if raw == "" {
			fv.SetInt(0)
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s must be an integer: got %q", f.Attr, raw)
		}
		fv.SetInt(n)

	case KindBool:
		fv.SetBool(strings.EqualFold(entry.GetAttributeValue(f.Attr), "TRUE"))

	case KindList:
		values := entry.GetAttributeValues(f.Attr)
		if len(values) == 0 {
			fv.Set(reflect.Zero(fv.Type()))
			return nil
		}
		fv.Set(reflect.ValueOf(append([]string(nil), values...)))

	case KindBinary:
		raw := entry.GetRawAttributeValue(f.Attr)
		if len(raw) == 0 {
			fv.Set(reflect.Zero(fv.Type()))
			return nil
		}
		fv.SetBytes(append([]byte(nil), raw...))

	case KindTime:
		raw := entry.GetAttributeValue(f.Attr)
		if raw == "" {
			fv.Set(reflect.ValueOf(time.Time{}))
			return nil
		}
		t, err := parseGeneralizedTime(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Attr, err)
		}
		fv.Set(reflect.ValueOf(t))

	case KindGUID:
		raw := entry.GetRawAttributeValue(f.Attr)
		if len(raw) == 0 {
			fv.Set(reflect.ValueOf(uuid.UUID{}))
			return nil
		}
		id, err := guidFromBytes(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Attr, err)
		}
		fv.Set(reflect.ValueOf(id))

	case KindSID:
		raw := entry.GetRawAttributeValue(f.Attr)
		if len(raw) == 0 {
			fv.SetString("")
			return nil
		}
		sid, err := sidFromBytes(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Attr, err)
		}
		fv.SetString(sid)

	case KindDNPart:
		fv.SetString(dnutil.AttributeValue(entry.DN, f.Attr))
	}

	return nil
}

// encode serializes the field's value into directory attribute values.
// A nil result means the attribute is absent. Derived fields never encode.
func (f *Field) encode(structVal reflect.Value) []string {
	if f.Derived() {
		return nil
	}
	return encodeValue(f.Kind, f.value(structVal))
}

func encodeValue(kind Kind, value any) []string {
	switch kind {
	case KindString:
		s := value.(string)
		if s == "" {
			return nil
		}
		return []string{s}

	case KindInt:
		n := reflect.ValueOf(value).Int()
		if n == 0 {
			return nil
		}
		return []string{strconv.FormatInt(n, 10)}

	case KindBool:
		if !value.(bool) {
			return nil
		}
		return []string{"TRUE"}

	case KindList:
		var out []string
		for _, v := range value.([]string) {
			if v != "" {
				out = append(out, v)
			}
		}
		return out

	case KindBinary:
		b := value.([]byte)
		if len(b) == 0 {
			return nil
		}
		return []string{string(b)}

	case KindTime:
		t := value.(time.Time)
		if t.IsZero() {
			return nil
		}
		return []string{t.UTC().Format(generalizedTimeLayouts[0])}

	default:
		return nil
	}
}

// normalized maps a field value into a canonical comparison form so that
// superficial differences are not reported by diffs: empty string and the
// zero value both mean "absent", and empty strings inside lists are dropped.
func (f *Field) normalized(value any) any {
	switch f.Kind {
	case KindList:
		var out []string
		for _, v := range value.([]string) {
			if v != "" {
				out = append(out, v)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out

	case KindBinary:
		b := value.([]byte)
		if len(b) == 0 {
			return nil
		}
		return b

	default:
		encoded := encodeValue(f.Kind, value)
		if len(encoded) == 0 {
			return nil
		}
		return encoded[0]
	}
}

func parseGeneralizedTime(raw string) (time.Time, error) {
	for _, layout := range generalizedTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid generalizedTime value %q", raw)
}

// guidFromBytes decodes an Active Directory objectGUID. AD stores the first
// three UUID groups little-endian and the rest big-endian.
func guidFromBytes(raw []byte) (uuid.UUID, error) {
	if len(raw) != 16 {
		return uuid.UUID{}, fmt.Errorf("invalid GUID length: expected 16 bytes, got %d", len(raw))
	}
	var b [16]byte
	b[0], b[1], b[2], b[3] = raw[3], raw[2], raw[1], raw[0]
	b[4], b[5] = raw[5], raw[4]
	b[6], b[7] = raw[7], raw[6]
	copy(b[8:], raw[8:])
	return uuid.FromBytes(b[:])
}

// guidToBytes is the inverse of guidFromBytes, producing the binary form AD
// expects in search filters.
func guidToBytes(id uuid.UUID) []byte {
	raw := make([]byte, 16)
	raw[0], raw[1], raw[2], raw[3] = id[3], id[2], id[1], id[0]
	raw[4], raw[5] = id[5], id[4]
	raw[6], raw[7] = id[7], id[6]
	copy(raw[8:], id[8:])
	return raw
}

// GUIDFilter builds a search filter matching an Active Directory objectGUID.
func GUIDFilter(id uuid.UUID) string {
	return fmt.Sprintf("(objectGUID=%s)", ldap.EscapeFilter(string(guidToBytes(id))))
}

// sidFromBytes renders a binary objectSid as its S-1-5-21-... string form.
func sidFromBytes(raw []byte) (string, error) {
	if len(raw) < 8 {
		return "", fmt.Errorf("invalid SID length: %d bytes", len(raw))
	}
	subAuthorityCount := int(raw[1])
	if len(raw) != 8+4*subAuthorityCount {
		return "", fmt.Errorf("truncated SID: %d bytes for %d sub-authorities", len(raw), subAuthorityCount)
	}
	return objectsid.Decode(raw).String(), nil
}

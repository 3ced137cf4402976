package ldapper

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// Meta declares how a mapped type corresponds to directory entries.
type Meta struct {
	// ObjectClasses an entry must carry to be considered an instance of
	// this type. Required.
	ObjectClasses []string

	// ExcludedObjectClasses an entry must not carry. Distinguishes types
	// sharing a class hierarchy.
	ExcludedObjectClasses []string

	// DNFormat is the RDN sequence of an entry relative to the connection
	// base DN, with {field} placeholders expanded from the struct, e.g.
	// "uid={uid},ou=people".
	DNFormat string

	// PrimaryDNPrefix narrows searches when its placeholders can be filled
	// from the lookup arguments, e.g. "ou={department},ou=people".
	PrimaryDNPrefix string

	// SecondaryDNPrefix is the fallback search base when the primary prefix
	// cannot be filled, e.g. "ou=people". Empty means the whole base DN.
	SecondaryDNPrefix string

	// SearchableAttrs are the LDAP attributes matched by free-text search.
	SearchableAttrs []string

	// HumanReadableName labels the type in log narration. Defaults to the
	// struct name.
	HumanReadableName string
}

// Node is any struct mapped to directory entries.
type Node interface {
	LDAPMeta() Meta
}

// Schema is the compiled mapping for one Node type: its fields in
// declaration order, the primary field, and the metadata.
type Schema struct {
	typ     reflect.Type
	meta    Meta
	fields  []*Field
	byName  map[string]*Field
	byAttr  map[string]*Field
	primary *Field
}

var schemaCache sync.Map // reflect.Type -> *Schema

// SchemaOf compiles (and caches) the schema for n's type.
func SchemaOf(n Node) (*Schema, error) {
	t := reflect.TypeOf(n)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("ldapper: %s is not a struct type", t)
	}

	if cached, ok := schemaCache.Load(t); ok {
		return cached.(*Schema), nil
	}

	s, err := compileSchema(t, n.LDAPMeta())
	if err != nil {
		return nil, err
	}
	schemaCache.Store(t, s)
	return s, nil
}

func compileSchema(t reflect.Type, meta Meta) (*Schema, error) {
	if len(meta.ObjectClasses) == 0 {
		return nil, fmt.Errorf("ldapper: %s declares no object classes", t)
	}
	if meta.HumanReadableName == "" {
		meta.HumanReadableName = t.Name()
	}

	s := &Schema{
		typ:    t,
		meta:   meta,
		byName: make(map[string]*Field),
		byAttr: make(map[string]*Field),
	}
	if err := s.collectFields(t, nil); err != nil {
		return nil, err
	}

	for _, f := range s.fields {
		if !f.Primary {
			continue
		}
		if s.primary != nil {
			return nil, fmt.Errorf("ldapper: %s declares multiple primary fields (%s and %s)",
				t, s.primary.Name, f.Name)
		}
		s.primary = f
	}
	if s.primary == nil {
		return nil, fmt.Errorf("ldapper: %s declares no primary field; base types without one can only be embedded", t)
	}

	return s, nil
}

// collectFields walks t's fields, recursing into embedded structs first so a
// declaring type overrides mappings inherited from its embeds.
func (s *Schema) collectFields(t reflect.Type, parentIndex []int) error {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		index := append(append([]int(nil), parentIndex...), i)

		if sf.Anonymous && sf.Type.Kind() == reflect.Struct {
			if err := s.collectFields(sf.Type, index); err != nil {
				return err
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}

		tag, ok := sf.Tag.Lookup("ldap")
		if !ok || tag == "-" {
			continue
		}

		f, err := parseField(sf, tag, index)
		if err != nil {
			return fmt.Errorf("ldapper: %s.%s: %w", s.typ, sf.Name, err)
		}

		if existing, ok := s.byName[f.Name]; ok {
			*existing = *f
			continue
		}
		s.fields = append(s.fields, f)
		s.byName[f.Name] = f
		s.byAttr[strings.ToLower(f.Attr)] = f
	}
	return nil
}

func parseField(sf reflect.StructField, tag string, index []int) (*Field, error) {
	parts := strings.Split(tag, ",")
	f := &Field{
		Name:      sf.Name,
		Attr:      parts[0],
		Printable: true,
		index:     index,
	}
	if f.Attr == "" {
		f.Attr = lowerFirst(sf.Name)
	}

	for _, opt := range parts[1:] {
		switch opt {
		case "primary":
			f.Primary = true
		case "optional":
			f.Optional = true
		case "readonly":
			f.ReadOnly = true
		case "system":
			f.System = true
			f.Optional = true
		case "sensitive":
			f.Sensitive = true
		case "noprint":
			f.Printable = false
		case "dnpart":
			f.Kind = KindDNPart
		case "sid":
			f.Kind = KindSID
		case "":
		default:
			return nil, fmt.Errorf("unknown tag option %q", opt)
		}
	}

	if strings.EqualFold(f.Attr, "userPassword") {
		f.Sensitive = true
	}

	if f.Kind == KindDNPart || f.Kind == KindSID {
		if sf.Type.Kind() != reflect.String {
			return nil, fmt.Errorf("%s fields must be declared as string", f.Kind)
		}
		f.Optional = true
		return f, nil
	}

	kind, err := kindForType(sf.Type)
	if err != nil {
		return nil, err
	}
	f.Kind = kind
	if f.Derived() {
		f.Optional = true
	}
	return f, nil
}

func kindForType(t reflect.Type) (Kind, error) {
	switch {
	case t == reflect.TypeOf(time.Time{}):
		return KindTime, nil
	case t == reflect.TypeOf(uuid.UUID{}):
		return KindGUID, nil
	case t.Kind() == reflect.String:
		return KindString, nil
	case t.Kind() == reflect.Bool:
		return KindBool, nil
	case t.Kind() >= reflect.Int && t.Kind() <= reflect.Int64:
		return KindInt, nil
	case t == reflect.TypeOf([]string(nil)):
		return KindList, nil
	case t == reflect.TypeOf([]byte(nil)):
		return KindBinary, nil
	default:
		return 0, fmt.Errorf("unsupported field type %s", t)
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// Meta returns the declared metadata.
func (s *Schema) Meta() Meta { return s.meta }

// Type returns the mapped struct type.
func (s *Schema) Type() reflect.Type { return s.typ }

// Fields returns the mapped fields in declaration order.
func (s *Schema) Fields() []*Field { return s.fields }

// Primary returns the primary identifying field.
func (s *Schema) Primary() *Field { return s.primary }

// Field looks a field up by its Go name.
func (s *Schema) Field(name string) (*Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// ResolveAttribute maps a Go field name to its LDAP attribute, accepting the
// attribute name itself as an alias. Satisfies query.AttributeResolver.
func (s *Schema) ResolveAttribute(name string) (string, bool) {
	if f, ok := s.byName[name]; ok {
		return f.Attr, true
	}
	if f, ok := s.byAttr[strings.ToLower(name)]; ok {
		return f.Attr, true
	}
	return "", false
}

// AttributeList returns the LDAP attributes to request in searches.
func (s *Schema) AttributeList() []string {
	var attrs []string
	seen := make(map[string]bool)
	for _, f := range s.fields {
		if f.Kind == KindDNPart || seen[f.Attr] {
			continue
		}
		seen[f.Attr] = true
		attrs = append(attrs, f.Attr)
	}
	return attrs
}

// RequiredFields returns the fields that must be set before a new entry can
// be added.
func (s *Schema) RequiredFields() []*Field {
	var required []*Field
	for _, f := range s.fields {
		if !f.Optional && !f.Derived() {
			required = append(required, f)
		}
	}
	return required
}

// ObjectClassFilter renders the class membership test for this type,
// conjoining required classes and negating excluded ones.
func (s *Schema) ObjectClassFilter() string {
	var b strings.Builder
	b.WriteString("(&")
	for _, oc := range s.meta.ObjectClasses {
		fmt.Fprintf(&b, "(objectClass=%s)", ldap.EscapeFilter(oc))
	}
	if len(s.meta.ExcludedObjectClasses) > 0 {
		b.WriteString(excludedClassFilter(s.meta.ExcludedObjectClasses))
	}
	b.WriteString(")")
	return b.String()
}

func excludedClassFilter(classes []string) string {
	if len(classes) == 1 {
		return fmt.Sprintf("(!(objectClass=%s))", ldap.EscapeFilter(classes[0]))
	}
	var b strings.Builder
	b.WriteString("(!(|")
	for _, oc := range classes {
		fmt.Fprintf(&b, "(objectClass=%s)", ldap.EscapeFilter(oc))
	}
	b.WriteString("))")
	return b.String()
}

// SearchPrefixFilter matches entries whose searchable attributes start with
// term.
func (s *Schema) SearchPrefixFilter(term string) string {
	return s.searchFilter(term, []string{"%s*"})
}

// SearchSubstringFilter matches term exactly, as a prefix, as a suffix, or
// anywhere within the searchable attributes.
func (s *Schema) SearchSubstringFilter(term string) string {
	return s.searchFilter(term, []string{"%s", "%s*", "*%s", "*%s*"})
}

func (s *Schema) searchFilter(term string, patterns []string) string {
	attrs := s.meta.SearchableAttrs
	if len(attrs) == 0 && s.primary != nil {
		attrs = []string{s.primary.Attr}
	}
	escaped := ldap.EscapeFilter(term)

	var groups []string
	for _, pattern := range patterns {
		var b strings.Builder
		for _, attr := range attrs {
			fmt.Fprintf(&b, "(%s=%s)", attr, fmt.Sprintf(pattern, escaped))
		}
		if len(attrs) > 1 {
			groups = append(groups, "(|"+b.String()+")")
		} else {
			groups = append(groups, b.String())
		}
	}
	if len(groups) == 1 {
		return groups[0]
	}
	return "(|" + strings.Join(groups, "") + ")"
}

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// expandTemplate substitutes {name} placeholders from values, escaping each
// substitution for use in a DN. Missing placeholders are returned so callers
// can decide whether that is fatal.
func expandTemplate(template string, values map[string]string) (string, []string) {
	var missing []string
	expanded := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		v, ok := values[name]
		if !ok || v == "" {
			missing = append(missing, name)
			return match
		}
		return ldap.EscapeDN(v)
	})
	sort.Strings(missing)
	return expanded, missing
}

// DN builds the entry DN for node under baseDN from the DNFormat template.
func (s *Schema) DN(node Node, baseDN string) (string, error) {
	if s.meta.DNFormat == "" {
		return "", fmt.Errorf("ldapper: %s declares no DN format", s.typ)
	}
	rdn, missing := expandTemplate(s.meta.DNFormat, s.IdentifyingValues(node))
	if len(missing) > 0 {
		return "", fmt.Errorf("ldapper: cannot build DN for %s: unset fields %s",
			s.meta.HumanReadableName, strings.Join(missing, ", "))
	}
	if baseDN == "" {
		return rdn, nil
	}
	return rdn + "," + baseDN, nil
}

// IdentifyingValues extracts the field values usable in DN and prefix
// templates: every mapped field rendered to its first string form.
func (s *Schema) IdentifyingValues(node Node) map[string]string {
	v := reflect.ValueOf(node)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}

	values := make(map[string]string, len(s.fields))
	for _, f := range s.fields {
		var str string
		if f.Kind == KindDNPart || f.Kind == KindSID {
			str, _ = f.value(v).(string)
		} else if encoded := encodeValue(f.Kind, f.value(v)); len(encoded) > 0 {
			str = encoded[0]
		}
		if str != "" {
			values[f.Name] = str
			values[f.Attr] = str
		}
	}
	return values
}

// PrimaryValue returns the node's primary field rendered as a string.
func (s *Schema) PrimaryValue(node Node) string {
	return s.IdentifyingValues(node)[s.primary.Name]
}

// Package ldapper maps Go structs onto LDAP directory entries. Types declare
// their attributes with `ldap` struct tags and their entry layout with a
// Meta block; a Mapper then provides lookups, filter-expression queries,
// diff-based saves that touch only changed attributes, and deletes with
// lifecycle hooks.
package ldapper

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/isometry/ldapper/conn"
	"github.com/isometry/ldapper/internal/dnutil"
	"github.com/isometry/ldapper/internal/strutil"
	"github.com/isometry/ldapper/query"
)

// Directory is the slice of a directory connection the mapper needs. A
// *conn.Conn satisfies it; tests substitute fakes.
type Directory interface {
	BaseDN() string
	Search(ctx context.Context, req *conn.SearchRequest) (*conn.SearchResult, error)
	Exists(ctx context.Context, dn string) (bool, error)
	AddEntry(ctx context.Context, dn string, attrs map[string][]string) error
	DeleteEntry(ctx context.Context, dn string) error
	ReplaceAttr(ctx context.Context, dn, attr string, values []string) error
	AddAttr(ctx context.Context, dn, attr string, values []string) error
	DeleteAttr(ctx context.Context, dn, attr string, values ...string) error
}

// Validator lets a type veto a Save.
type Validator interface {
	Validate() error
}

// BeforeAdder runs before a new entry is added; an error aborts the add.
type BeforeAdder interface {
	BeforeAdd(ctx context.Context) error
}

// AfterAdder runs after a new entry was added.
type AfterAdder interface {
	AfterAdd(ctx context.Context) error
}

// BeforeDeleter runs before an entry is deleted; an error aborts the delete.
type BeforeDeleter interface {
	BeforeDelete(ctx context.Context) error
}

// AfterDeleter runs after an entry was deleted.
type AfterDeleter interface {
	AfterDelete(ctx context.Context) error
}

// Change records one attribute difference between the local struct and the
// directory.
type Change struct {
	Old any // value currently in the directory, nil when absent
	New any // local value, nil when unset
}

// Mapper maps one Node type onto directory entries, providing lookups,
// diff-based saves, and deletes.
type Mapper[T Node] struct {
	dir    Directory
	schema *Schema
	log    *Recorder
}

// MapperOption configures a Mapper.
type MapperOption func(*mapperOptions)

type mapperOptions struct {
	recorder *Recorder
}

// WithRecorder routes the mapper's narration through r instead of a fresh
// silent recorder.
func WithRecorder(r *Recorder) MapperOption {
	return func(o *mapperOptions) { o.recorder = r }
}

// WithLogger is shorthand for WithRecorder(NewRecorder(log)).
func WithLogger(log *zap.Logger) MapperOption {
	return func(o *mapperOptions) { o.recorder = NewRecorder(log) }
}

// NewMapper compiles T's schema and binds it to dir. T must be a struct
// type implementing Node on its value or pointer receiver.
func NewMapper[T Node](dir Directory, opts ...MapperOption) (*Mapper[T], error) {
	var zero T
	if reflect.TypeOf(zero) == nil || reflect.TypeOf(zero).Kind() != reflect.Struct {
		return nil, fmt.Errorf("ldapper: the mapped type must be a struct, not a pointer")
	}
	schema, err := SchemaOf(zero)
	if err != nil {
		return nil, err
	}

	var o mapperOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.recorder == nil {
		o.recorder = NewRecorder(nil)
	}

	return &Mapper[T]{dir: dir, schema: schema, log: o.recorder}, nil
}

// Schema returns the compiled schema for T.
func (m *Mapper[T]) Schema() *Schema { return m.schema }

// Recorder returns the mapper's log recorder.
func (m *Mapper[T]) Recorder() *Recorder { return m.log }

// DN computes the directory DN node would occupy.
func (m *Mapper[T]) DN(node *T) (string, error) {
	return m.schema.DN(any(node).(Node), m.dir.BaseDN())
}

func (m *Mapper[T]) name() string { return m.schema.meta.HumanReadableName }

// searchBase resolves the base DN for a lookup. Explicit prefixes win; then
// the primary prefix template when args can fill it; then the secondary
// prefix; then the connection base DN.
func (m *Mapper[T]) searchBase(dnPrefix string, args map[string]string) string {
	base := m.dir.BaseDN()
	prefix := dnPrefix
	if prefix == "" && m.schema.meta.PrimaryDNPrefix != "" && len(args) > 0 {
		expanded, missing := expandTemplate(m.schema.meta.PrimaryDNPrefix, args)
		if len(missing) == 0 {
			prefix = expanded
		} else {
			m.log.Debugf("cannot fill dn prefix %q: missing %s",
				m.schema.meta.PrimaryDNPrefix, strings.Join(missing, ", "))
		}
	}
	if prefix == "" {
		prefix = m.schema.meta.SecondaryDNPrefix
	}
	if prefix == "" {
		return base
	}
	if base == "" {
		return prefix
	}
	return prefix + "," + base
}

func (m *Mapper[T]) newNode() (*T, reflect.Value) {
	ptr := reflect.New(m.schema.typ)
	return ptr.Interface().(*T), ptr.Elem()
}

func (m *Mapper[T]) structValue(node *T) reflect.Value {
	return reflect.ValueOf(node).Elem()
}

func (m *Mapper[T]) parseEntry(entry *ldap.Entry) (*T, error) {
	node, v := m.newNode()
	for _, f := range m.schema.fields {
		if err := f.decode(entry, v); err != nil {
			return nil, fmt.Errorf("parse %s %s: %w", m.name(), entry.DN, err)
		}
	}
	return node, nil
}

func (m *Mapper[T]) search(ctx context.Context, base, filter string, maxResults int) ([]*ldap.Entry, error) {
	req := &conn.SearchRequest{
		BaseDN:     base,
		Scope:      conn.ScopeWholeSubtree,
		Filter:     filter,
		Attributes: m.schema.AttributeList(),
	}
	if maxResults > 0 {
		req.SizeLimit = maxResults
	} else {
		req.Paged = true
	}

	result, err := m.dir.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	if maxResults > 0 && len(result.Entries) > maxResults {
		return result.Entries[:maxResults], nil
	}
	return result.Entries, nil
}

// fetchOne runs a lookup that must match at most one entry. Zero matches and
// ambiguous matches both return nil without error.
func (m *Mapper[T]) fetchOne(ctx context.Context, base, filter string) (*T, error) {
	entries, err := m.search(ctx, base, filter, 0)
	if err != nil {
		if conn.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	switch len(entries) {
	case 0:
		return nil, nil
	case 1:
		return m.parseEntry(entries[0])
	default:
		m.log.Warnf("lookup for %s matched %d entries, expected one", m.name(), len(entries))
		return nil, nil
	}
}

// fetchFirst runs a lookup and returns the first matching entry, nil when
// none match. Unlike fetchOne, additional matches are not an ambiguity.
func (m *Mapper[T]) fetchFirst(ctx context.Context, base, filter string) (*T, error) {
	entries, err := m.search(ctx, base, filter, 1)
	if err != nil {
		if conn.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return m.parseEntry(entries[0])
}

// FetchOptions refine a primary-value lookup.
type FetchOptions struct {
	// DNPrefix overrides the search base prefix.
	DNPrefix string
	// Args fill the primary DN prefix template, narrowing the search base.
	Args map[string]string
}

// Fetch retrieves the entry whose primary attribute equals primary, or nil
// when no such entry exists.
func (m *Mapper[T]) Fetch(ctx context.Context, primary string) (*T, error) {
	return m.FetchWith(ctx, primary, FetchOptions{})
}

// FetchWith is Fetch with an explicit search base or template arguments.
func (m *Mapper[T]) FetchWith(ctx context.Context, primary string, opts FetchOptions) (*T, error) {
	filter := fmt.Sprintf("(&(%s=%s)%s)",
		m.schema.primary.Attr, ldap.EscapeFilter(primary), m.schema.ObjectClassFilter())
	return m.fetchOne(ctx, m.searchBase(opts.DNPrefix, opts.Args), filter)
}

// FetchByDN retrieves the entry at dn, verifying it carries this type's
// object classes. Returns nil when absent.
func (m *Mapper[T]) FetchByDN(ctx context.Context, dn string) (*T, error) {
	attr, value, ok := dnutil.FirstRDN(dn)
	if !ok {
		return nil, fmt.Errorf("ldapper: invalid DN %q", dn)
	}
	prefix, _ := dnutil.MiddleDN(dn, m.dir.BaseDN())
	filter := fmt.Sprintf("(&(%s=%s)%s)",
		attr, ldap.EscapeFilter(value), m.schema.ObjectClassFilter())
	return m.fetchOne(ctx, m.searchBase(prefix, nil), filter)
}

// attrFilter conjoins or disjoins raw attribute=value conditions under op,
// wrapped with the object class filter. Keys are iterated in sorted order so
// filters are deterministic.
func (m *Mapper[T]) attrFilter(op string, attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "(%s=%s)", k, ldap.EscapeFilter(attrs[k]))
	}
	inner := b.String()
	if len(attrs) > 1 || op == "!" {
		inner = "(" + op + inner + ")"
	}
	return "(&" + inner + m.schema.ObjectClassFilter() + ")"
}

// FetchBy retrieves the first entry matching all the given attribute
// values, or nil when none match.
func (m *Mapper[T]) FetchBy(ctx context.Context, attrs map[string]string) (*T, error) {
	if len(attrs) == 0 {
		return nil, fmt.Errorf("ldapper: FetchBy requires at least one attribute")
	}
	return m.fetchFirst(ctx, m.searchBase("", attrs), m.attrFilter("&", attrs))
}

// FetchByUnion retrieves the first entry matching any of the given
// attribute values, or nil when none match.
func (m *Mapper[T]) FetchByUnion(ctx context.Context, attrs map[string]string) (*T, error) {
	if len(attrs) == 0 {
		return nil, fmt.Errorf("ldapper: FetchByUnion requires at least one attribute")
	}
	return m.fetchFirst(ctx, m.searchBase("", attrs), m.attrFilter("|", attrs))
}

// ListOptions refine a List.
type ListOptions struct {
	// Filter is a raw, parenthesized LDAP filter conjoined with the object
	// class filter.
	Filter string
	// Query is a filter expression compiled against this type's schema.
	Query *query.Q
	// Prefix restricts results to entries whose primary attribute starts
	// with it.
	Prefix string
	// Substring restricts results to entries whose primary attribute
	// contains it.
	Substring string
	// SearchPrefix matches the searchable attributes by prefix.
	SearchPrefix string
	// SearchString matches the searchable attributes by substring.
	SearchString string
	// DNPrefix overrides the search base prefix.
	DNPrefix string
	// Args fill the primary DN prefix template.
	Args map[string]string
	// MaxResults truncates the result set; zero means unlimited.
	MaxResults int
}

// List retrieves every entry of this type matching the options.
func (m *Mapper[T]) List(ctx context.Context, opts ListOptions) ([]*T, error) {
	conjuncts := []string{m.schema.ObjectClassFilter()}

	if opts.Filter != "" {
		conjuncts = append(conjuncts, opts.Filter)
	}
	if opts.Query != nil {
		compiled, err := opts.Query.Compile(m.schema)
		if err != nil {
			return nil, err
		}
		conjuncts = append(conjuncts, compiled)
	}
	if opts.Prefix != "" {
		conjuncts = append(conjuncts,
			fmt.Sprintf("(%s=%s*)", m.schema.primary.Attr, ldap.EscapeFilter(opts.Prefix)))
	}
	if opts.Substring != "" {
		conjuncts = append(conjuncts,
			fmt.Sprintf("(%s=*%s*)", m.schema.primary.Attr, ldap.EscapeFilter(opts.Substring)))
	}
	if opts.SearchPrefix != "" {
		conjuncts = append(conjuncts, m.schema.SearchPrefixFilter(opts.SearchPrefix))
	}
	if opts.SearchString != "" {
		conjuncts = append(conjuncts, m.schema.SearchSubstringFilter(opts.SearchString))
	}

	filter := conjuncts[0]
	if len(conjuncts) > 1 {
		filter = "(&" + strings.Join(conjuncts, "") + ")"
	}

	entries, err := m.search(ctx, m.searchBase(opts.DNPrefix, opts.Args), filter, opts.MaxResults)
	if err != nil {
		if conn.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	nodes := make([]*T, 0, len(entries))
	for _, entry := range entries {
		node, err := m.parseEntry(entry)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// ListBy retrieves the entries matching all the given attribute values.
func (m *Mapper[T]) ListBy(ctx context.Context, attrs map[string]string) ([]*T, error) {
	return m.listByOp(ctx, "&", attrs)
}

// ListByUnion retrieves the entries matching any of the given attribute
// values.
func (m *Mapper[T]) ListByUnion(ctx context.Context, attrs map[string]string) ([]*T, error) {
	return m.listByOp(ctx, "|", attrs)
}

// ListByNegation retrieves the entries not matching the single given
// attribute value.
func (m *Mapper[T]) ListByNegation(ctx context.Context, attrs map[string]string) ([]*T, error) {
	if len(attrs) != 1 {
		return nil, fmt.Errorf("ldapper: ListByNegation requires exactly one attribute, got %d", len(attrs))
	}
	return m.listByOp(ctx, "!", attrs)
}

func (m *Mapper[T]) listByOp(ctx context.Context, op string, attrs map[string]string) ([]*T, error) {
	if len(attrs) == 0 {
		return nil, fmt.Errorf("ldapper: attribute lookup requires at least one attribute")
	}
	return m.List(ctx, ListOptions{Filter: m.attrFilter(op, attrs)})
}

// Refetch retrieves the directory's current copy of node, located by its
// identifying values. Returns nil when the entry does not exist.
func (m *Mapper[T]) Refetch(ctx context.Context, node *T) (*T, error) {
	primary := m.schema.PrimaryValue(any(node).(Node))
	if primary == "" {
		return nil, fmt.Errorf("ldapper: cannot refetch %s without its primary value", m.name())
	}
	return m.FetchWith(ctx, primary, FetchOptions{
		Args: m.schema.IdentifyingValues(any(node).(Node)),
	})
}

// Exists reports whether node's entry is present in the directory.
func (m *Mapper[T]) Exists(ctx context.Context, node *T) (bool, error) {
	dn, err := m.DN(node)
	if err != nil {
		return false, err
	}
	return m.dir.Exists(ctx, dn)
}

// DNExists reports whether any entry is present at dn.
func (m *Mapper[T]) DNExists(ctx context.Context, dn string) (bool, error) {
	return m.dir.Exists(ctx, dn)
}

// Diff compares node against the directory's current copy. The result maps
// Go field names to their changes; derived and system fields never appear.
// When the entry does not exist every set field appears with a nil Old.
func (m *Mapper[T]) Diff(ctx context.Context, node *T) (map[string]Change, error) {
	current, err := m.Refetch(ctx, node)
	if err != nil {
		return nil, err
	}

	v := m.structValue(node)
	var cv reflect.Value
	if current != nil {
		cv = m.structValue(current)
	}

	changes := make(map[string]Change)
	for _, f := range m.schema.fields {
		if f.Derived() || f.System {
			continue
		}
		newVal := f.normalized(f.value(v))
		var oldVal any
		if current != nil {
			oldVal = f.normalized(f.value(cv))
		}
		if !reflect.DeepEqual(oldVal, newVal) {
			changes[f.Name] = Change{Old: oldVal, New: newVal}
		}
	}
	return changes, nil
}

// AttrDifference reports which values of a list field would be added to and
// removed from the directory copy if node were saved now.
func (m *Mapper[T]) AttrDifference(ctx context.Context, node *T, field string) (added, removed []string, err error) {
	f, ok := m.schema.Field(field)
	if !ok {
		return nil, nil, fmt.Errorf("ldapper: %s has no field %s", m.name(), field)
	}
	if f.Kind != KindList {
		return nil, nil, fmt.Errorf("ldapper: field %s is not a list", field)
	}

	current, err := m.Refetch(ctx, node)
	if err != nil {
		return nil, nil, err
	}

	local := f.value(m.structValue(node)).([]string)
	var remote []string
	if current != nil {
		remote = f.value(m.structValue(current)).([]string)
	}
	return stringSetDiff(remote, local)
}

func stringSetDiff(old, new []string) (added, removed []string, err error) {
	oldSet := make(map[string]bool, len(old))
	for _, v := range old {
		if v != "" {
			oldSet[v] = true
		}
	}
	newSet := make(map[string]bool, len(new))
	for _, v := range new {
		if v != "" {
			newSet[v] = true
		}
	}
	for v := range newSet {
		if !oldSet[v] {
			added = append(added, v)
		}
	}
	for v := range oldSet {
		if !newSet[v] {
			removed = append(removed, v)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed, nil
}

// AttrAddedSinceLastSave reports the values of a list field present locally
// but not yet in the directory.
func (m *Mapper[T]) AttrAddedSinceLastSave(ctx context.Context, node *T, field string) ([]string, error) {
	added, _, err := m.AttrDifference(ctx, node, field)
	return added, err
}

// AttrRemovedSinceLastSave reports the values of a list field present in the
// directory but no longer held locally.
func (m *Mapper[T]) AttrRemovedSinceLastSave(ctx context.Context, node *T, field string) ([]string, error) {
	_, removed, err := m.AttrDifference(ctx, node, field)
	return removed, err
}

// Save writes node to the directory: a full add when the entry does not
// exist yet, otherwise attribute modifications for exactly the fields that
// differ. Unchanged attributes are never touched.
func (m *Mapper[T]) Save(ctx context.Context, node *T) error {
	if v, ok := any(node).(Validator); ok {
		if err := v.Validate(); err != nil {
			m.log.Errorf("%s failed validation: %v", m.name(), err)
			return fmt.Errorf("validate %s: %w", m.name(), err)
		}
	}

	dn, err := m.DN(node)
	if err != nil {
		return err
	}

	exists, err := m.dir.Exists(ctx, dn)
	if err != nil {
		return err
	}
	if exists {
		return m.saveExisting(ctx, node, dn)
	}
	return m.saveNew(ctx, node, dn)
}

func (m *Mapper[T]) saveNew(ctx context.Context, node *T, dn string) error {
	var unset []string
	v := m.structValue(node)
	for _, f := range m.schema.RequiredFields() {
		if len(f.encode(v)) == 0 {
			unset = append(unset, f.Name)
		}
	}
	if len(unset) > 0 {
		return fmt.Errorf("ldapper: cannot add %s: required %s %s unset",
			m.name(),
			strutil.Inflect("field", len(unset)),
			strutil.Sentence(unset))
	}

	if hook, ok := any(node).(BeforeAdder); ok {
		if err := hook.BeforeAdd(ctx); err != nil {
			return fmt.Errorf("before add %s: %w", m.name(), err)
		}
	}

	attrs := map[string][]string{
		"objectClass": append([]string(nil), m.schema.meta.ObjectClasses...),
	}
	for _, f := range m.schema.fields {
		if f.System || f.Derived() {
			continue
		}
		if values := f.encode(v); len(values) > 0 {
			attrs[f.Attr] = values
		}
	}

	if err := m.dir.AddEntry(ctx, dn, attrs); err != nil {
		m.log.Errorf("failed to add %s %q: %v", m.name(), dn, err)
		return err
	}
	m.log.Infof("added %s %q", m.name(), dn)

	if hook, ok := any(node).(AfterAdder); ok {
		if err := hook.AfterAdd(ctx); err != nil {
			return fmt.Errorf("after add %s: %w", m.name(), err)
		}
	}
	return nil
}

func (m *Mapper[T]) saveExisting(ctx context.Context, node *T, dn string) error {
	changes, err := m.Diff(ctx, node)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		m.log.Debugf("%s %q is unchanged", m.name(), dn)
		return nil
	}

	v := m.structValue(node)
	for _, f := range m.schema.fields {
		change, ok := changes[f.Name]
		if !ok {
			continue
		}
		if f.ReadOnly {
			m.log.Warnf("cannot modify read-only field %s of %s", f.Name, m.name())
			continue
		}
		if err := m.applyChange(ctx, dn, f, v, change); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mapper[T]) applyChange(ctx context.Context, dn string, f *Field, v reflect.Value, change Change) error {
	values := f.encode(v)

	var err error
	switch {
	case len(values) == 0:
		err = m.dir.DeleteAttr(ctx, dn, f.Attr)
	case change.Old == nil:
		err = m.dir.AddAttr(ctx, dn, f.Attr, values)
	default:
		err = m.dir.ReplaceAttr(ctx, dn, f.Attr, values)
	}
	if err != nil {
		m.log.Errorf("failed to update %s of %s %q: %v", f.Attr, m.name(), dn, err)
		return err
	}

	m.narrateChange(f, change, values)
	return nil
}

// narrateChange logs what a modification did in human terms, obscuring
// sensitive values.
func (m *Mapper[T]) narrateChange(f *Field, change Change, values []string) {
	if f.Sensitive {
		m.log.Infof("set %s to %s", f.Attr, strutil.Obscure("", true))
		return
	}

	if f.Kind == KindList {
		old, _ := change.Old.([]string)
		added, removed, _ := stringSetDiff(old, values)
		if len(added) > 0 {
			m.log.Infof("added %d %s to %s: %s",
				len(added), strutil.Inflect("value", len(added)),
				f.Attr, strutil.Sentence(added))
		}
		if len(removed) > 0 {
			m.log.Infof("removed %d %s from %s: %s",
				len(removed), strutil.Inflect("value", len(removed)),
				f.Attr, strutil.Sentence(removed))
		}
		return
	}

	switch {
	case len(values) == 0:
		m.log.Infof("cleared %s", f.Attr)
	case change.Old == nil:
		m.log.Infof("set %s to %q", f.Attr, values[0])
	default:
		m.log.Infof("changed %s from %v to %q", f.Attr, change.Old, values[0])
	}
}

// Delete removes node's entry from the directory.
func (m *Mapper[T]) Delete(ctx context.Context, node *T) error {
	dn, err := m.DN(node)
	if err != nil {
		return err
	}

	if hook, ok := any(node).(BeforeDeleter); ok {
		if err := hook.BeforeDelete(ctx); err != nil {
			return fmt.Errorf("before delete %s: %w", m.name(), err)
		}
	}

	if err := m.dir.DeleteEntry(ctx, dn); err != nil {
		m.log.Errorf("failed to delete %s %q: %v", m.name(), dn, err)
		return err
	}
	m.log.Infof("deleted %s %q", m.name(), dn)

	if hook, ok := any(node).(AfterDeleter); ok {
		if err := hook.AfterDelete(ctx); err != nil {
			return fmt.Errorf("after delete %s: %w", m.name(), err)
		}
	}
	return nil
}

// Equal reports whether two nodes agree on every non-system mapped field.
func (m *Mapper[T]) Equal(a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	av, bv := m.structValue(a), m.structValue(b)
	for _, f := range m.schema.fields {
		if f.System {
			continue
		}
		if !reflect.DeepEqual(f.normalized(f.value(av)), f.normalized(f.value(bv))) {
			return false
		}
	}
	return true
}

// Format renders node as attribute lines for logs and debugging.
func (m *Mapper[T]) Format(node *T) string {
	return m.format(node, false)
}

// PrettyFormat renders node for terminal display: the DN bolded, sensitive
// values obscured, list values wrapped, system attributes last.
func (m *Mapper[T]) PrettyFormat(node *T) string {
	return m.format(node, true)
}

func (m *Mapper[T]) format(node *T, pretty bool) string {
	var b strings.Builder

	dn, err := m.DN(node)
	if err != nil {
		dn = fmt.Sprintf("<incomplete %s>", m.name())
	}
	if pretty {
		fmt.Fprintf(&b, "\x1b[1m%s\x1b[0m\n", dn)
	} else {
		fmt.Fprintf(&b, "%s\n", dn)
	}

	v := m.structValue(node)
	width := 0
	for _, f := range m.schema.fields {
		if f.Printable && len(f.Attr) > width {
			width = len(f.Attr)
		}
	}

	writeField := func(f *Field) {
		value := m.displayValue(f, v, pretty, width)
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "  %-*s : %s\n", width, f.Attr, value)
	}

	for _, f := range m.schema.fields {
		if f.Printable && !f.System {
			writeField(f)
		}
	}
	for _, f := range m.schema.fields {
		if f.Printable && f.System {
			writeField(f)
		}
	}
	return b.String()
}

func (m *Mapper[T]) displayValue(f *Field, v reflect.Value, pretty bool, width int) string {
	value := f.value(v)

	if f.Sensitive {
		if len(encodeValue(f.Kind, value)) == 0 {
			return ""
		}
		return strutil.Obscure("", true)
	}

	switch f.Kind {
	case KindBinary:
		b := value.([]byte)
		if len(b) == 0 {
			return ""
		}
		return fmt.Sprintf("<%d bytes>", len(b))

	case KindList:
		items := value.([]string)
		if len(items) == 0 {
			return ""
		}
		if !pretty {
			return strings.Join(items, ", ")
		}
		wrapped := strings.TrimPrefix(strutil.WordWrap(items, 80-width-5), " ")
		indent := "\n" + strings.Repeat(" ", width+5)
		return strings.ReplaceAll(wrapped, "\n", indent)

	case KindDNPart, KindSID:
		s, _ := value.(string)
		return s

	default:
		encoded := encodeValue(f.Kind, value)
		if f.Kind == KindGUID {
			if id, ok := value.(interface{ String() string }); ok {
				s := id.String()
				if s == "00000000-0000-0000-0000-000000000000" {
					return ""
				}
				return s
			}
		}
		if len(encoded) == 0 {
			return ""
		}
		return encoded[0]
	}
}

package ldapper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldapper/conn"
	"github.com/isometry/ldapper/query"
)

// fakeDirectory implements Directory over an in-memory entry map keyed by
// DN, recording every mutation it is asked to perform.
type fakeDirectory struct {
	baseDN  string
	entries map[string]*ldap.Entry

	searches []string
	mods     []string
	failWith error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		baseDN:  "dc=example,dc=com",
		entries: make(map[string]*ldap.Entry),
	}
}

func (d *fakeDirectory) add(dn string, attrs map[string][]string) {
	d.entries[dn] = ldap.NewEntry(dn, attrs)
}

func (d *fakeDirectory) BaseDN() string { return d.baseDN }

// Search matches entries naively: every (attr=value) pair in the filter must
// be present verbatim, and the entry DN must end in the base DN. Good enough
// to drive the mapper's equality filters.
func (d *fakeDirectory) Search(ctx context.Context, req *conn.SearchRequest) (*conn.SearchResult, error) {
	if d.failWith != nil {
		return nil, d.failWith
	}
	d.searches = append(d.searches, req.Filter)

	result := &conn.SearchResult{}

	var dns []string
	for dn := range d.entries {
		dns = append(dns, dn)
	}
	sort.Strings(dns)

	for _, dn := range dns {
		entry := d.entries[dn]
		if !strings.HasSuffix(strings.ToLower(dn), strings.ToLower(req.BaseDN)) {
			continue
		}
		if matchesFilter(entry, req.Filter) {
			result.Entries = append(result.Entries, entry)
		}
		if req.SizeLimit > 0 && len(result.Entries) >= req.SizeLimit {
			break
		}
	}
	return result, nil
}

// matchesFilter checks equality conditions only; negations and wildcards in
// the filter are ignored rather than evaluated.
func matchesFilter(entry *ldap.Entry, filter string) bool {
	conditions := strings.FieldsFunc(filter, func(r rune) bool {
		return r == '(' || r == ')'
	})
	for _, cond := range conditions {
		if cond == "&" || cond == "|" || cond == "!" {
			continue
		}
		attr, value, ok := strings.Cut(cond, "=")
		if !ok || strings.Contains(value, "*") {
			continue
		}
		found := false
		for _, have := range entry.GetAttributeValues(attr) {
			if have == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (d *fakeDirectory) Exists(ctx context.Context, dn string) (bool, error) {
	if d.failWith != nil {
		return false, d.failWith
	}
	_, ok := d.entries[dn]
	return ok, nil
}

func (d *fakeDirectory) AddEntry(ctx context.Context, dn string, attrs map[string][]string) error {
	if d.failWith != nil {
		return d.failWith
	}
	d.mods = append(d.mods, "add "+dn)
	d.add(dn, attrs)
	return nil
}

func (d *fakeDirectory) DeleteEntry(ctx context.Context, dn string) error {
	if d.failWith != nil {
		return d.failWith
	}
	d.mods = append(d.mods, "delete "+dn)
	delete(d.entries, dn)
	return nil
}

func (d *fakeDirectory) ReplaceAttr(ctx context.Context, dn, attr string, values []string) error {
	d.mods = append(d.mods, fmt.Sprintf("replace %s %s=%v", dn, attr, values))
	return d.setAttr(dn, attr, values)
}

func (d *fakeDirectory) AddAttr(ctx context.Context, dn, attr string, values []string) error {
	d.mods = append(d.mods, fmt.Sprintf("addattr %s %s=%v", dn, attr, values))
	return d.setAttr(dn, attr, values)
}

func (d *fakeDirectory) DeleteAttr(ctx context.Context, dn, attr string, values ...string) error {
	d.mods = append(d.mods, fmt.Sprintf("delattr %s %s", dn, attr))
	return d.setAttr(dn, attr, nil)
}

func (d *fakeDirectory) setAttr(dn, attr string, values []string) error {
	entry, ok := d.entries[dn]
	if !ok {
		return errors.New("no such entry")
	}
	attrs := make(map[string][]string)
	for _, a := range entry.Attributes {
		attrs[a.Name] = a.Values
	}
	if len(values) == 0 {
		delete(attrs, attr)
	} else {
		attrs[attr] = values
	}
	d.entries[dn] = ldap.NewEntry(dn, attrs)
	return nil
}

func seedLiam(d *fakeDirectory) {
	d.add("uid=liam,ou=people,dc=example,dc=com", map[string][]string{
		"objectClass":      {"top", "inetOrgPerson", "inetLocalMailRecipient"},
		"uid":              {"liam"},
		"uidNumber":        {"1000"},
		"givenName":        {"Liam"},
		"sn":               {"Monahan"},
		"mailLocalAddress": {"liam@example.com"},
	})
}

func newPeopleMapper(t *testing.T, d *fakeDirectory) *Mapper[person] {
	t.Helper()
	m, err := NewMapper[person](d)
	require.NoError(t, err)
	return m
}

func TestMapper_Fetch(t *testing.T) {
	d := newFakeDirectory()
	seedLiam(d)
	m := newPeopleMapper(t, d)

	liam, err := m.Fetch(context.Background(), "liam")
	require.NoError(t, err)
	require.NotNil(t, liam)
	assert.Equal(t, "liam", liam.UID)
	assert.Equal(t, 1000, liam.UIDNumber)
	assert.Equal(t, "Monahan", liam.LastName)
	assert.Equal(t, []string{"liam@example.com"}, liam.Emails)

	// searches are scoped under the secondary prefix
	require.NotEmpty(t, d.searches)
	assert.Contains(t, d.searches[0], "(uid=liam)")
	assert.Contains(t, d.searches[0], "(objectClass=inetOrgPerson)")
}

func TestMapper_Fetch_absent(t *testing.T) {
	d := newFakeDirectory()
	m := newPeopleMapper(t, d)

	missing, err := m.Fetch(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing, "absent entries fetch as nil, not as an error")
}

func TestMapper_Fetch_ambiguous(t *testing.T) {
	d := newFakeDirectory()
	seedLiam(d)
	d.add("uid=liam,ou=interns,ou=people,dc=example,dc=com", map[string][]string{
		"objectClass": {"top", "inetOrgPerson", "inetLocalMailRecipient"},
		"uid":         {"liam"},
		"uidNumber":   {"1001"},
	})
	m := newPeopleMapper(t, d)

	got, err := m.Fetch(context.Background(), "liam")
	require.NoError(t, err)
	assert.Nil(t, got, "ambiguous matches fetch as nil")
	assert.True(t, m.Recorder().HasWarnings())
}

func TestMapper_FetchByDN(t *testing.T) {
	d := newFakeDirectory()
	seedLiam(d)
	m := newPeopleMapper(t, d)

	liam, err := m.FetchByDN(context.Background(), "uid=liam,ou=people,dc=example,dc=com")
	require.NoError(t, err)
	require.NotNil(t, liam)
	assert.Equal(t, "liam", liam.UID)

	_, err = m.FetchByDN(context.Background(), "garbage")
	assert.Error(t, err)
}

func TestMapper_FetchBy(t *testing.T) {
	d := newFakeDirectory()
	seedLiam(d)
	m := newPeopleMapper(t, d)

	liam, err := m.FetchBy(context.Background(), map[string]string{"givenName": "Liam"})
	require.NoError(t, err)
	require.NotNil(t, liam)

	_, err = m.FetchBy(context.Background(), nil)
	assert.Error(t, err)
}

func TestMapper_FetchBy_firstOfSeveral(t *testing.T) {
	d := newFakeDirectory()
	seedLiam(d)
	d.add("uid=liam2,ou=people,dc=example,dc=com", map[string][]string{
		"objectClass": {"top", "inetOrgPerson", "inetLocalMailRecipient"},
		"uid":         {"liam2"},
		"uidNumber":   {"1003"},
		"givenName":   {"Liam"},
	})
	m := newPeopleMapper(t, d)
	ctx := context.Background()

	got, err := m.FetchBy(ctx, map[string]string{"givenName": "Liam"})
	require.NoError(t, err)
	require.NotNil(t, got, "several matches still fetch the first one")
	assert.Equal(t, "liam", got.UID)

	got, err = m.FetchByUnion(ctx, map[string]string{"givenName": "Liam"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "liam", got.UID)
}

func TestMapper_List(t *testing.T) {
	d := newFakeDirectory()
	seedLiam(d)
	d.add("uid=robby,ou=people,dc=example,dc=com", map[string][]string{
		"objectClass": {"top", "inetOrgPerson", "inetLocalMailRecipient"},
		"uid":         {"robby"},
		"uidNumber":   {"1002"},
		"givenName":   {"Robby"},
	})
	m := newPeopleMapper(t, d)
	ctx := context.Background()

	all, err := m.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := m.List(ctx, ListOptions{MaxResults: 1})
	require.NoError(t, err)
	assert.Len(t, one, 1)

	q := query.Where("FirstName", "Robby")
	robbies, err := m.List(ctx, ListOptions{Query: q})
	require.NoError(t, err)
	require.Len(t, robbies, 1)
	assert.Equal(t, "robby", robbies[0].UID)

	_, err = m.List(ctx, ListOptions{Query: query.Where("Nickname", "Rob")})
	assert.Error(t, err, "unknown query fields are compile errors")
}

func TestMapper_ListBy(t *testing.T) {
	d := newFakeDirectory()
	seedLiam(d)
	m := newPeopleMapper(t, d)
	ctx := context.Background()

	matches, err := m.ListBy(ctx, map[string]string{"givenName": "Liam", "sn": "Monahan"})
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	_, err = m.ListBy(ctx, nil)
	assert.Error(t, err)

	_, err = m.ListByNegation(ctx, map[string]string{"a": "1", "b": "2"})
	assert.Error(t, err, "negation accepts exactly one attribute")
}

func TestMapper_attrFilter(t *testing.T) {
	m := newPeopleMapper(t, newFakeDirectory())

	filter := m.attrFilter("&", map[string]string{"sn": "Monahan", "givenName": "Liam"})
	assert.True(t, strings.HasPrefix(filter, "(&(&(givenName=Liam)(sn=Monahan))"),
		"conditions are sorted for determinism, got %s", filter)

	single := m.attrFilter("!", map[string]string{"sn": "Monahan"})
	assert.True(t, strings.HasPrefix(single, "(&(!(sn=Monahan))"), "got %s", single)
}

func TestMapper_SaveNew(t *testing.T) {
	d := newFakeDirectory()
	m := newPeopleMapper(t, d)
	ctx := context.Background()

	p := &person{UID: "derek", UIDNumber: 2000, FirstName: "Derek"}
	require.NoError(t, m.Save(ctx, p))

	entry, ok := d.entries["uid=derek,ou=people,dc=example,dc=com"]
	require.True(t, ok)
	assert.Equal(t, []string{"top", "inetOrgPerson", "inetLocalMailRecipient"},
		entry.GetAttributeValues("objectClass"))
	assert.Equal(t, "2000", entry.GetAttributeValue("uidNumber"))
	assert.Empty(t, entry.GetAttributeValue("sn"), "unset optional fields are not written")
}

func TestMapper_SaveNew_missingRequired(t *testing.T) {
	d := newFakeDirectory()
	m := newPeopleMapper(t, d)

	err := m.Save(context.Background(), &person{UID: "derek"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UIDNumber")
	assert.Empty(t, d.mods)
}

func TestMapper_SaveExisting_partialModify(t *testing.T) {
	d := newFakeDirectory()
	seedLiam(d)
	m := newPeopleMapper(t, d)
	ctx := context.Background()

	liam, err := m.Fetch(ctx, "liam")
	require.NoError(t, err)

	liam.LastName = "Smith"
	liam.Emails = append(liam.Emails, "liam.smith@example.com")
	require.NoError(t, m.Save(ctx, liam))

	var touched []string
	for _, mod := range d.mods {
		touched = append(touched, strings.Fields(mod)[0]+" "+strings.SplitN(strings.Fields(mod)[2], "=", 2)[0])
	}
	sort.Strings(touched)
	assert.Equal(t, []string{"replace mailLocalAddress", "replace sn"}, touched,
		"only changed attributes are modified")

	entry := d.entries["uid=liam,ou=people,dc=example,dc=com"]
	assert.Equal(t, "Smith", entry.GetAttributeValue("sn"))
	assert.Len(t, entry.GetAttributeValues("mailLocalAddress"), 2)
}

func TestMapper_SaveExisting_noChanges(t *testing.T) {
	d := newFakeDirectory()
	seedLiam(d)
	m := newPeopleMapper(t, d)
	ctx := context.Background()

	liam, err := m.Fetch(ctx, "liam")
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, liam))
	assert.Empty(t, d.mods, "an unchanged node saves without touching the directory")
}

func TestMapper_SaveExisting_clearsAttr(t *testing.T) {
	d := newFakeDirectory()
	seedLiam(d)
	m := newPeopleMapper(t, d)
	ctx := context.Background()

	liam, err := m.Fetch(ctx, "liam")
	require.NoError(t, err)

	liam.Emails = nil
	require.NoError(t, m.Save(ctx, liam))

	entry := d.entries["uid=liam,ou=people,dc=example,dc=com"]
	assert.Empty(t, entry.GetAttributeValues("mailLocalAddress"))
}

type badgeHolder struct {
	UID   string `ldap:"uid,primary"`
	Badge string `ldap:"employeeNumber,readonly,optional"`
	Name  string `ldap:"cn,optional"`
}

func (badgeHolder) LDAPMeta() Meta {
	return Meta{
		ObjectClasses:     []string{"top", "inetOrgPerson"},
		DNFormat:          "uid={uid},ou=people",
		SecondaryDNPrefix: "ou=people",
	}
}

func TestMapper_SaveExisting_skipsReadOnly(t *testing.T) {
	d := newFakeDirectory()
	d.add("uid=kim,ou=people,dc=example,dc=com", map[string][]string{
		"objectClass":    {"top", "inetOrgPerson"},
		"uid":            {"kim"},
		"employeeNumber": {"E-100"},
		"cn":             {"Kim"},
	})
	m, err := NewMapper[badgeHolder](d)
	require.NoError(t, err)
	ctx := context.Background()

	kim, err := m.Fetch(ctx, "kim")
	require.NoError(t, err)
	require.NotNil(t, kim)

	kim.Badge = "E-999"
	kim.Name = "Kim Lee"
	require.NoError(t, m.Save(ctx, kim))

	require.Len(t, d.mods, 1, "only the writable field is modified")
	assert.Contains(t, d.mods[0], "cn=")
	assert.True(t, m.Recorder().HasWarnings())

	entry := d.entries["uid=kim,ou=people,dc=example,dc=com"]
	assert.Equal(t, "E-100", entry.GetAttributeValue("employeeNumber"),
		"the directory copy of a read-only field is untouched")
}

func TestMapper_Diff(t *testing.T) {
	d := newFakeDirectory()
	seedLiam(d)
	m := newPeopleMapper(t, d)
	ctx := context.Background()

	liam, err := m.Fetch(ctx, "liam")
	require.NoError(t, err)

	changes, err := m.Diff(ctx, liam)
	require.NoError(t, err)
	assert.Empty(t, changes)

	liam.LastName = "Smith"
	liam.Emails = []string{""}
	changes, err = m.Diff(ctx, liam)
	require.NoError(t, err)

	require.Contains(t, changes, "LastName")
	assert.Equal(t, "Monahan", changes["LastName"].Old)
	assert.Equal(t, "Smith", changes["LastName"].New)

	require.Contains(t, changes, "Emails")
	assert.Nil(t, changes["Emails"].New, "a list of empty strings is the same as unset")
}

func TestMapper_AttrDifference(t *testing.T) {
	d := newFakeDirectory()
	seedLiam(d)
	m := newPeopleMapper(t, d)
	ctx := context.Background()

	liam, err := m.Fetch(ctx, "liam")
	require.NoError(t, err)

	liam.Emails = []string{"liam@example.com", "lmonahan@example.com"}
	added, removed, err := m.AttrDifference(ctx, liam, "Emails")
	require.NoError(t, err)
	assert.Equal(t, []string{"lmonahan@example.com"}, added)
	assert.Empty(t, removed)

	liam.Emails = nil
	added, removed, err = m.AttrDifference(ctx, liam, "Emails")
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, []string{"liam@example.com"}, removed)

	_, _, err = m.AttrDifference(ctx, liam, "LastName")
	assert.Error(t, err, "only list fields have set differences")
}

func TestMapper_Delete(t *testing.T) {
	d := newFakeDirectory()
	seedLiam(d)
	m := newPeopleMapper(t, d)
	ctx := context.Background()

	liam, err := m.Fetch(ctx, "liam")
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, liam))
	assert.Empty(t, d.entries)

	exists, err := m.Exists(ctx, liam)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMapper_Equal(t *testing.T) {
	m := newPeopleMapper(t, newFakeDirectory())

	a := &person{UID: "liam", LastName: "Monahan"}
	b := &person{UID: "liam", LastName: "Monahan", Emails: []string{""}}
	assert.True(t, m.Equal(a, b), "normalized values compare equal")

	b.LastName = "Smith"
	assert.False(t, m.Equal(a, b))
}

func TestMapper_Format(t *testing.T) {
	m := newPeopleMapper(t, newFakeDirectory())
	p := &person{UID: "liam", UIDNumber: 1000, LastName: "Monahan"}

	out := m.Format(p)
	assert.Contains(t, out, "uid=liam,ou=people,dc=example,dc=com")
	assert.Contains(t, out, "Monahan")
	assert.NotContains(t, out, "givenName :", "unset fields are omitted")

	pretty := m.PrettyFormat(p)
	assert.Contains(t, pretty, "\x1b[1m", "the DN is bolded")
}

type validatedPerson struct {
	person
	invalid bool
}

func (p *validatedPerson) Validate() error {
	if p.invalid {
		return errors.New("bad person")
	}
	return nil
}

func TestMapper_Save_validation(t *testing.T) {
	d := newFakeDirectory()
	m, err := NewMapper[validatedPerson](d)
	require.NoError(t, err)

	bad := &validatedPerson{invalid: true}
	bad.UID = "x"
	bad.UIDNumber = 1

	err = m.Save(context.Background(), bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad person")
	assert.Empty(t, d.mods)
}

type hookedPerson struct {
	person
	calls []string
}

func (p *hookedPerson) BeforeAdd(ctx context.Context) error {
	p.calls = append(p.calls, "before-add")
	return nil
}

func (p *hookedPerson) AfterAdd(ctx context.Context) error {
	p.calls = append(p.calls, "after-add")
	return nil
}

func (p *hookedPerson) BeforeDelete(ctx context.Context) error {
	p.calls = append(p.calls, "before-delete")
	return nil
}

func (p *hookedPerson) AfterDelete(ctx context.Context) error {
	p.calls = append(p.calls, "after-delete")
	return nil
}

func TestMapper_lifecycleHooks(t *testing.T) {
	d := newFakeDirectory()
	m, err := NewMapper[hookedPerson](d)
	require.NoError(t, err)
	ctx := context.Background()

	p := &hookedPerson{}
	p.UID = "hooked"
	p.UIDNumber = 42

	require.NoError(t, m.Save(ctx, p))
	require.NoError(t, m.Delete(ctx, p))
	assert.Equal(t, []string{"before-add", "after-add", "before-delete", "after-delete"}, p.calls)
}

func TestMapper_Recorder(t *testing.T) {
	d := newFakeDirectory()
	rec := NewRecorder(nil)
	m, err := NewMapper[person](d, WithRecorder(rec))
	require.NoError(t, err)

	p := &person{UID: "derek", UIDNumber: 2000}
	require.NoError(t, m.Save(context.Background(), p))

	messages := rec.Flush()
	require.NotEmpty(t, messages)
	assert.Contains(t, messages[0].Text, "added person")
	assert.False(t, rec.HasErrors())
}

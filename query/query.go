// Package query builds LDAP search filters from boolean combinations of
// attribute conditions. Conditions name fields as they are declared on the
// mapped struct; compilation resolves them to their LDAP attribute names.
package query

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// AttributeResolver maps a declared field name to its LDAP attribute name.
// A compiled schema satisfies this.
type AttributeResolver interface {
	ResolveAttribute(name string) (string, bool)
}

type condition struct {
	field string
	value string
}

// Q is one node of a filter expression: a set of immediate conditions plus
// AND and OR children. Compose with And and Or; both return the receiver so
// expressions chain left to right.
type Q struct {
	conditions []condition
	and        []*Q
	or         []*Q
}

// Where starts an expression with a single field=value condition.
func Where(field, value string) *Q {
	return &Q{conditions: []condition{{field, value}}}
}

// Eq adds another immediate condition; multiple immediate conditions compile
// to a conjunction.
func (q *Q) Eq(field, value string) *Q {
	q.conditions = append(q.conditions, condition{field, value})
	return q
}

// And attaches other as a conjunct of q.
func (q *Q) And(other *Q) *Q {
	q.and = append(q.and, other)
	return q
}

// Or attaches other as a disjunct of q.
func (q *Q) Or(other *Q) *Q {
	q.or = append(q.or, other)
	return q
}

// Compile renders the expression as an LDAP filter string, resolving field
// names through r and escaping values.
func (q *Q) Compile(r AttributeResolver) (string, error) {
	var immediate strings.Builder
	for _, cond := range q.conditions {
		attr, ok := r.ResolveAttribute(cond.field)
		if !ok {
			return "", fmt.Errorf("unknown field %q in query", cond.field)
		}
		fmt.Fprintf(&immediate, "(%s=%s)", attr, ldap.EscapeFilter(cond.value))
	}
	immediateFilter := immediate.String()
	if len(q.conditions) > 1 {
		immediateFilter = "(&" + immediateFilter + ")"
	}

	orFilter, err := compileChildren(q.or, r)
	if err != nil {
		return "", err
	}
	if len(q.or) > 1 {
		orFilter = "(|" + orFilter + ")"
	}

	andFilter, err := compileChildren(q.and, r)
	if err != nil {
		return "", err
	}
	if len(q.and) > 1 {
		andFilter = "(&" + andFilter + ")"
	}

	switch {
	case andFilter != "" && orFilter != "":
		return "(&(|" + immediateFilter + orFilter + ")" + andFilter + ")", nil
	case orFilter != "":
		return "(|" + immediateFilter + orFilter + ")", nil
	case andFilter != "":
		return "(&" + immediateFilter + andFilter + ")", nil
	default:
		return immediateFilter, nil
	}
}

func compileChildren(children []*Q, r AttributeResolver) (string, error) {
	var b strings.Builder
	for _, child := range children {
		compiled, err := child.Compile(r)
		if err != nil {
			return "", err
		}
		b.WriteString(compiled)
	}
	return b.String(), nil
}

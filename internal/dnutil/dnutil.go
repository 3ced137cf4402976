// Package dnutil provides helpers for picking apart distinguished names.
package dnutil

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// AttributeValue returns the value of the first RDN in dn whose attribute
// type matches attr (case-insensitive). It returns "" when the attribute is
// not part of the DN or the DN does not parse.
func AttributeValue(dn, attr string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return ""
	}
	for _, rdn := range parsed.RDNs {
		for _, ava := range rdn.Attributes {
			if strings.EqualFold(ava.Type, attr) {
				return ava.Value
			}
		}
	}
	return ""
}

// FirstRDN splits off the leading RDN of dn and returns its attribute type
// and value. ok is false when dn has no parsable leading RDN.
func FirstRDN(dn string) (attr, value string, ok bool) {
	head := dn
	if idx := strings.Index(dn, ","); idx >= 0 {
		head = dn[:idx]
	}
	parts := strings.SplitN(head, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), true
}

// StripSuffix removes suffix from the end of dn, comparing case-insensitively.
// The DN is returned unchanged when it does not end in suffix.
func StripSuffix(dn, suffix string) string {
	if suffix == "" {
		return dn
	}
	if len(dn) >= len(suffix) && strings.EqualFold(dn[len(dn)-len(suffix):], suffix) {
		return dn[:len(dn)-len(suffix)]
	}
	return dn
}

// MiddleDN drops the leading RDN of dn and strips ","+suffix from the end,
// yielding the container path between the entry and the base DN.
//
//	MiddleDN("uid=liam,ou=people,dc=example,dc=com", "dc=example,dc=com")
//	  -> "ou=people"
//
// ok is false when dn has no component beyond the leading RDN.
func MiddleDN(dn, suffix string) (string, bool) {
	idx := strings.Index(dn, ",")
	if idx < 0 {
		return "", false
	}
	rest := dn[idx+1:]
	return StripSuffix(rest, ","+suffix), true
}

package ldapper_test

import (
	"context"
	"fmt"

	"github.com/isometry/ldapper"
	"github.com/isometry/ldapper/conn"
	"github.com/isometry/ldapper/query"
)

// Person maps entries under ou=people carrying the inetOrgPerson and
// inetLocalMailRecipient classes.
type Person struct {
	UID            string   `ldap:"uid,primary"`
	UIDNumber      int      `ldap:"uidNumber"`
	FirstName      string   `ldap:"givenName"`
	LastName       string   `ldap:"sn"`
	EmailAddresses []string `ldap:"mailLocalAddress"`
	Photo          []byte   `ldap:"jpegPhoto,optional"`
}

func (Person) LDAPMeta() ldapper.Meta {
	return ldapper.Meta{
		ObjectClasses:     []string{"top", "inetOrgPerson", "inetLocalMailRecipient"},
		DNFormat:          "uid={uid},ou=people",
		SecondaryDNPrefix: "ou=people",
		SearchableAttrs:   []string{"uid", "uidNumber", "givenName", "sn", "mailLocalAddress"},
	}
}

func Example() {
	ctx := context.Background()

	cfg := conn.DefaultConfig()
	cfg.URLs = []string{"ldaps://ldap.example.com"}
	cfg.BaseDN = "dc=example,dc=com"

	c, err := conn.Dial(ctx, cfg)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer c.Close()

	people, err := ldapper.NewMapper[Person](c)
	if err != nil {
		fmt.Println(err)
		return
	}

	liam, err := people.Fetch(ctx, "liam")
	if err != nil || liam == nil {
		fmt.Println("no such person")
		return
	}

	liam.LastName = "Monahan"
	liam.EmailAddresses = append(liam.EmailAddresses, "liam@example.com")
	if err := people.Save(ctx, liam); err != nil {
		fmt.Println(err)
	}
}

func ExampleMapper_List() {
	ctx := context.Background()

	c, err := conn.Dial(ctx, &conn.Config{
		URLs:   []string{"ldap://localhost"},
		BaseDN: "dc=example,dc=com",
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	defer c.Close()

	people, err := ldapper.NewMapper[Person](c)
	if err != nil {
		fmt.Println(err)
		return
	}

	q := query.Where("FirstName", "Liam").Or(query.Where("FirstName", "Robby"))
	matches, err := people.List(ctx, ldapper.ListOptions{Query: q})
	if err != nil {
		fmt.Println(err)
		return
	}

	for _, p := range matches {
		fmt.Println(people.Format(p))
	}
}

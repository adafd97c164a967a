// Package routing hosts the pure decision logic of the gateway: which
// terminal handles an activity, whether an address may be serviced, and
// which operator a number belongs to.
package routing

import (
	"fmt"
	"strings"
	"sync"

	"gopkg.in/ini.v1"

	"github.com/smsterm/gateway/internal/gateway/domain"
)

// CountryAuto makes the resolver detect the country code from terminal
// network metadata instead of configuration.
const CountryAuto = "auto"

type operatorEntry struct {
	name     string
	prefixes []string
}

// OperatorTable maps number prefixes to operator names. Order follows the
// source file; resolution returns the first match.
type OperatorTable struct {
	entries []operatorEntry
}

// LoadOperatorTable reads an INI file whose sections are operator names and
// whose values are dash-delimited prefix groups, e.g.
//
//	[telkomsel]
//	simpati = 0812-0813-0821
//
// Only the first segment of each group is used as the literal prefix.
func LoadOperatorTable(filename string) (*OperatorTable, error) {
	f, err := ini.Load(filename)
	if err != nil {
		return nil, fmt.Errorf("load operator table: %w", err)
	}
	table := &OperatorTable{}
	for _, section := range f.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		entry := operatorEntry{name: section.Name()}
		for _, key := range section.Keys() {
			group := strings.Split(key.Value(), "-")
			if len(group) > 0 && group[0] != "" {
				entry.prefixes = append(entry.prefixes, group[0])
			}
		}
		table.entries = append(table.entries, entry)
	}
	return table, nil
}

// NewOperatorTable builds a table from ordered name/prefix pairs, mainly
// for tests.
func NewOperatorTable(entries map[string][]string, order []string) *OperatorTable {
	table := &OperatorTable{}
	for _, name := range order {
		table.entries = append(table.entries, operatorEntry{name: name, prefixes: entries[name]})
	}
	return table
}

// Names returns the operator names in table order.
func (t *OperatorTable) Names() []string {
	names := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		names = append(names, e.name)
	}
	return names
}

// Resolver resolves local numbers to operators. The country code is either
// fixed or auto-detected once via the detect callback.
type Resolver struct {
	table  *OperatorTable
	detect func() string

	mu          sync.Mutex
	countryCode string
}

// NewResolver builds a resolver. countryCode may be CountryAuto, in which
// case detect is consulted on first use; detect returns the country code of
// any connected terminal, or "".
func NewResolver(table *OperatorTable, countryCode string, detect func() string) *Resolver {
	return &Resolver{table: table, countryCode: countryCode, detect: detect}
}

// Resolve returns the operator owning number, or "" when no prefix matches.
// It fails only when the country code cannot be determined while the number
// needs normalizing.
func (r *Resolver) Resolve(number string) (string, error) {
	if strings.HasPrefix(number, "+") {
		cc, err := r.country()
		if err != nil {
			return "", err
		}
		if len(number) > len(cc)+1 {
			number = "0" + number[len(cc)+1:]
		}
	}
	for _, entry := range r.table.entries {
		for _, prefix := range entry.prefixes {
			if strings.HasPrefix(number, prefix) {
				return entry.name, nil
			}
		}
	}
	return "", nil
}

func (r *Resolver) country() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.countryCode != "" && r.countryCode != CountryAuto {
		return r.countryCode, nil
	}
	if r.detect != nil {
		if cc := r.detect(); cc != "" {
			r.countryCode = cc
			return cc, nil
		}
	}
	return "", domain.ErrCountryCodeUnset
}

// Package geosite loads the v2ray geosite.dat domain classification table
// and answers category membership queries.
package geosite

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

// DomainType discriminates how a pattern value matches a query name.
type DomainType int

// Pattern types, in geosite.dat wire order.
const (
	RootDomain DomainType = iota
	Regex
	Plain
	Full
)

// Attribute is an optional key/value tag on a domain entry.
type Attribute struct {
	Key       string
	BoolValue bool
	IntValue  int64
}

// Domain is one classification entry: a typed pattern value.
type Domain struct {
	Type  DomainType
	Value string
	Attrs []Attribute

	compileOnce sync.Once
	re          *matchRegex
}

// List is the loaded geosite table, keyed by lowercased category code.
// Immutable after Load.
type List struct {
	categories map[string][]*Domain

	warned sync.Map
}

// Load reads and parses a geosite.dat file.
func Load(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("geosite: read %s: %w", path, err)
	}

	list, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("geosite: parse %s: %w", path, err)
	}

	return list, nil
}

// Parse decodes the length-delimited geosite wire format. The outer message
// is a repeated field 1 of GeoSite entries; unknown fields are skipped by
// wire type.
func Parse(data []byte) (*List, error) {
	list := &List{categories: make(map[string][]*Domain)}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		if num == 1 && typ == protowire.BytesType {
			entry, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]

			code, domains, err := parseSite(entry)
			if err != nil {
				return nil, err
			}
			if code != "" {
				list.categories[code] = append(list.categories[code], domains...)
			}
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
	}

	return list, nil
}

// parseSite decodes one GeoSite message: field 1 country_code, field 2
// repeated Domain.
func parseSite(data []byte) (string, []*Domain, error) {
	var code string
	var domains []*Domain

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			data = data[n:]
			code = strings.ToLower(v)

		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			data = data[n:]

			d, err := parseDomain(v)
			if err != nil {
				return "", nil, err
			}
			domains = append(domains, d)

		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return code, domains, nil
}

// parseDomain decodes one Domain message: field 1 type varint, field 2 value
// string, field 3 repeated Attribute.
func parseDomain(data []byte) (*Domain, error) {
	d := new(Domain)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			d.Type = DomainType(v)

		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			d.Value = strings.ToLower(v)

		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]

			attr, err := parseAttribute(v)
			if err != nil {
				return nil, err
			}
			d.Attrs = append(d.Attrs, attr)

		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return d, nil
}

// parseAttribute decodes one Attribute message: field 1 key, field 2
// bool_value varint, field 3 int_value varint.
func parseAttribute(data []byte) (Attribute, error) {
	var attr Attribute

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return attr, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return attr, protowire.ParseError(n)
			}
			data = data[n:]
			attr.Key = v

		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return attr, protowire.ParseError(n)
			}
			data = data[n:]
			attr.BoolValue = v != 0

		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return attr, protowire.ParseError(n)
			}
			data = data[n:]
			attr.IntValue = int64(v)

		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return attr, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return attr, nil
}

// Has reports whether the table contains the category code.
func (l *List) Has(code string) bool {
	_, ok := l.categories[strings.ToLower(code)]
	return ok
}

// Codes returns the loaded category codes.
func (l *List) Codes() []string {
	codes := make([]string, 0, len(l.categories))
	for code := range l.categories {
		codes = append(codes, code)
	}
	return codes
}

// Package rules evaluates the ordered routing rules that map query names to
// upstream group names.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mq00fc/GeoSmartDNS/config"
	"github.com/mq00fc/GeoSmartDNS/geosite"
)

// ErrNoMatch is returned by Pick when no rule matches the query name.
var ErrNoMatch = errors.New("no rule matched query name")

type matchKind int

const (
	matchAny matchKind = iota
	matchPrefix
	matchSuffix
	matchRegex
)

type literal struct {
	kind  matchKind
	value string
	re    *regexp.Regexp
}

type rule struct {
	literals []literal
	geosites []string
	server   string
}

// Engine evaluates rules in declaration order, first satisfied rule wins.
type Engine struct {
	rules []rule
	geo   *geosite.List

	suffixLabel bool
}

// Options control pattern semantics.
type Options struct {
	// SuffixMatchLabel requires suffix: patterns to match on a label
	// boundary. When false a raw string suffix is used.
	SuffixMatchLabel bool
}

// New compiles the configured rules. Unknown pattern discriminators and
// regex patterns that do not compile are startup errors.
func New(cfgRules []config.Rule, geo *geosite.List, opts Options) (*Engine, error) {
	e := &Engine{
		geo:         geo,
		suffixLabel: opts.SuffixMatchLabel,
	}

	for i, cr := range cfgRules {
		r := rule{server: cr.DNSServer}

		for _, pattern := range cr.Domain {
			if pattern == "*" {
				r.literals = append(r.literals, literal{kind: matchAny})
				continue
			}

			kind, value, found := strings.Cut(pattern, ":")
			if !found {
				return nil, fmt.Errorf("rules: rule %d pattern %q has no discriminator", i, pattern)
			}

			switch strings.ToLower(kind) {
			case "geosite":
				r.geosites = append(r.geosites, strings.ToLower(value))
			case "prefix":
				r.literals = append(r.literals, literal{kind: matchPrefix, value: strings.ToLower(value)})
			case "suffix":
				value = strings.ToLower(strings.TrimPrefix(value, "."))
				r.literals = append(r.literals, literal{kind: matchSuffix, value: value})
			case "regex":
				re, err := regexp.Compile(value)
				if err != nil {
					return nil, fmt.Errorf("rules: rule %d regex %q: %w", i, value, err)
				}
				r.literals = append(r.literals, literal{kind: matchRegex, re: re})
			default:
				return nil, fmt.Errorf("rules: rule %d has unknown pattern kind %q", i, kind)
			}
		}

		e.rules = append(e.rules, r)
	}

	return e, nil
}

// Pick returns the upstream group name for qname. Literal patterns within a
// rule short-circuit; the rule's geosite codes are pooled and evaluated
// together after the literals missed.
func (e *Engine) Pick(qname string) (string, error) {
	name := strings.ToLower(strings.TrimSuffix(qname, "."))

	for _, r := range e.rules {
		if e.match(&r, name) {
			return r.server, nil
		}
	}

	return "", ErrNoMatch
}

func (e *Engine) match(r *rule, name string) bool {
	for _, l := range r.literals {
		switch l.kind {
		case matchAny:
			return true
		case matchPrefix:
			if strings.HasPrefix(name, l.value) {
				return true
			}
		case matchSuffix:
			if e.suffixMatch(name, l.value) {
				return true
			}
		case matchRegex:
			if l.re.MatchString(name) {
				return true
			}
		}
	}

	if len(r.geosites) > 0 && e.geo != nil {
		return e.geo.Contains(name, r.geosites)
	}

	return false
}

func (e *Engine) suffixMatch(name, suffix string) bool {
	if !e.suffixLabel {
		return strings.HasSuffix(name, suffix)
	}

	return name == suffix || strings.HasSuffix(name, "."+suffix)
}

// GeositeCodes returns every geosite code referenced by the rules, for
// startup diagnostics.
func (e *Engine) GeositeCodes() []string {
	var codes []string
	seen := make(map[string]struct{})

	for _, r := range e.rules {
		for _, code := range r.geosites {
			if _, ok := seen[code]; ok {
				continue
			}
			seen[code] = struct{}{}
			codes = append(codes, code)
		}
	}

	return codes
}

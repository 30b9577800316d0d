package geosite

import (
	"regexp"
	"strings"

	"github.com/semihalev/log"
)

// matchRegex holds a pattern's compiled expression. A nil re means the
// expression failed to compile and the pattern never matches.
type matchRegex struct {
	re *regexp.Regexp
}

// Contains reports whether domain belongs to any of the given categories.
// Categories are scanned in order, patterns within a category in file order;
// the first hit wins. A category missing from the table is logged once at
// warn level and contributes no matches.
func (l *List) Contains(domain string, categories []string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	for _, category := range categories {
		code := strings.ToLower(category)

		domains, ok := l.categories[code]
		if !ok {
			if _, loaded := l.warned.LoadOrStore(code, struct{}{}); !loaded {
				log.Warn("Geosite category not found", "category", code)
			}
			continue
		}

		for _, d := range domains {
			if d.Match(domain) {
				return true
			}
		}
	}

	return false
}

// Match reports whether the already-lowercased domain matches the pattern.
func (d *Domain) Match(domain string) bool {
	switch d.Type {
	case Full:
		return domain == d.Value
	case RootDomain:
		return domain == d.Value || strings.HasSuffix(domain, "."+d.Value)
	case Plain:
		return strings.Contains(domain, d.Value)
	case Regex:
		d.compileOnce.Do(func() {
			re, err := regexp.Compile(d.Value)
			if err != nil {
				log.Warn("Geosite regex does not compile", "pattern", d.Value, "error", err.Error())
				d.re = &matchRegex{}
				return
			}
			d.re = &matchRegex{re: re}
		})

		if d.re.re == nil {
			return false
		}
		return d.re.re.MatchString(domain)
	}

	return false
}

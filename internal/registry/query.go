package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/lydakis/mcpbrowser/internal/metrics"
)

// ErrInvalidQuery reports a query that does not parse.
var ErrInvalidQuery = errors.New("invalid jsonpath")

// regexFilter matches $.tools[?(@.name =~ /pattern/flags)] with an optional
// trailing path applied to each matching tool.
var regexFilter = regexp.MustCompile(`^\$\.tools\[\?\(\s*@\.(name|description)\s*=~\s*/(.*)/([a-zA-Z]*)\s*\)\](.*)$`)

// Discover evaluates a JSONPath query against the snapshot document.
//
// Zero matches yield nil, one match yields the bare value, and two or more
// yield a []any of the matches.
func (s *Snapshot) Discover(path string) (any, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		metrics.Discovers.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}

	var (
		matches []any
		err     error
	)
	if m := regexFilter.FindStringSubmatch(path); m != nil {
		matches, err = s.regexMatches(m[1], m[2], m[3], m[4])
	} else {
		matches, err = evaluate(path, s.doc)
	}
	if err != nil {
		metrics.Discovers.WithLabelValues("error").Inc()
		return nil, err
	}

	if len(matches) == 0 {
		metrics.Discovers.WithLabelValues("empty").Inc()
	} else {
		metrics.Discovers.WithLabelValues("match").Inc()
	}
	return collapse(matches), nil
}

func evaluate(path string, data any) ([]any, error) {
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return expr.Get(data), nil
}

func (s *Snapshot) regexMatches(field, pattern, flags, rest string) ([]any, error) {
	re, err := compilePattern(pattern, flags)
	if err != nil {
		return nil, err
	}

	var sub jp.Expr
	if rest = strings.TrimSpace(rest); rest != "" {
		if rest[0] != '.' && rest[0] != '[' {
			return nil, fmt.Errorf("%w: unexpected %q after filter", ErrInvalidQuery, rest)
		}
		if sub, err = jp.ParseString("$" + rest); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
	}

	tools, _ := s.doc[KeyTools].([]any)
	var out []any
	for _, t := range tools {
		obj, ok := t.(map[string]any)
		if !ok {
			continue
		}
		value, _ := obj[field].(string)
		if !re.MatchString(value) {
			continue
		}
		if sub == nil {
			out = append(out, obj)
			continue
		}
		out = append(out, sub.Get(obj)...)
	}
	return out, nil
}

func compilePattern(pattern, flags string) (*regexp.Regexp, error) {
	var prefix strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			prefix.WriteRune(f)
		default:
			return nil, fmt.Errorf("%w: unsupported regex flag %q", ErrInvalidQuery, f)
		}
	}
	if prefix.Len() > 0 {
		pattern = "(?" + prefix.String() + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return re, nil
}

func collapse(matches []any) any {
	switch len(matches) {
	case 0:
		return nil
	case 1:
		return matches[0]
	default:
		return matches
	}
}

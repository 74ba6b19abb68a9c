package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/UnimibEsami/ditto/internal/signal"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-z]+):([A-Za-z0-9_\-.]+)\s*\}\}`)

// placeholderScope holds the values placeholders resolve against.
// Header keys must be lower case.
type placeholderScope struct {
	headers map[string]string
	entity  signal.EntityID
	topic   signal.Topic
}

func newPlaceholderScope(headers map[string]string, sig *signal.Signal) placeholderScope {
	scope := placeholderScope{headers: make(map[string]string, len(headers))}
	for k, v := range headers {
		scope.headers[strings.ToLower(k)] = v
	}
	if sig != nil {
		scope.entity = sig.EntityID
		scope.topic = sig.Topic
	}
	return scope
}

// lookup resolves one placeholder.
//
// Supported: header:<name>, thing:id, thing:namespace, thing:name (entity:
// is an alias of thing:), topic:full, topic:channel, topic:criterion.
func (s placeholderScope) lookup(prefix, name string) (string, error) {
	switch prefix {
	case "header":
		if v, ok := s.headers[strings.ToLower(name)]; ok {
			return v, nil
		}
		return "", fmt.Errorf("%w: header %q", ErrUnresolvedPlaceholder, name)

	case "thing", "entity":
		if s.entity.IsZero() {
			return "", fmt.Errorf("%w: %s:%s without entity", ErrUnresolvedPlaceholder, prefix, name)
		}
		switch name {
		case "id":
			return s.entity.String(), nil
		case "namespace":
			return s.entity.Namespace, nil
		case "name":
			return s.entity.Name, nil
		}

	case "topic":
		if s.topic == "" {
			return "", fmt.Errorf("%w: %s:%s without topic", ErrUnresolvedPlaceholder, prefix, name)
		}
		channel, criterion, _ := strings.Cut(string(s.topic), "/")
		switch name {
		case "full":
			return string(s.topic), nil
		case "channel":
			return channel, nil
		case "criterion":
			return criterion, nil
		}
	}
	return "", fmt.Errorf("%w: %s:%s", ErrUnknownPlaceholder, prefix, name)
}

// resolve replaces every placeholder in template. The first placeholder
// that cannot be resolved fails the whole template.
func (s placeholderScope) resolve(template string) (string, error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}

	var firstErr error
	out := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		if firstErr != nil {
			return m
		}
		parts := placeholderPattern.FindStringSubmatch(m)
		v, err := s.lookup(parts[1], parts[2])
		if err != nil {
			firstErr = err
			return m
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// applyHeaderMapping resolves every mapping value and returns the
// resulting headers. Entries that cannot be resolved are skipped.
func (s placeholderScope) applyHeaderMapping(mapping map[string]string) (map[string]string, []error) {
	if len(mapping) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(mapping))
	var errs []error
	for k, tmpl := range mapping {
		v, err := s.resolve(tmpl)
		if err != nil {
			errs = append(errs, fmt.Errorf("header %q: %w", k, err))
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out, errs
}

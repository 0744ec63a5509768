// Package pvrequest parses the textual field request grammar from
// spec.md §4.10 (`field(a,b.c)`, optionally prefixed by
// `record[option=value,...]`) and maps a source structure descriptor
// against it to produce a projected descriptor and an offset mask over the
// source's offsets; it does not copy values into the projected shape.
package pvrequest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/epics-go/pvaccess/internal/pverrors"
)

// Request is a parsed field request.
type Request struct {
	// Options holds record[...] key/value pairs, e.g. "queueSize"->"10".
	Options map[string]string
	// Fields lists the dotted field paths named inside field(...). An
	// empty slice with Fields != nil but len==0 means field() with no
	// selector, i.e. "request everything".
	Fields []string
}

// QueueSize returns the parsed record[queueSize=N] option, or (0, false)
// if absent or unparsable.
func (r Request) QueueSize() (uint32, bool) {
	v, ok := r.Options["queueSize"]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// Pipeline returns the parsed record[pipeline=true/false] option,
// defaulting to false if absent or unparsable.
func (r Request) Pipeline() bool {
	v, ok := r.Options["pipeline"]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Parse parses a field request string, e.g. "field(value,alarm.severity)"
// or "record[queueSize=10,pipeline=true]field(value)".
func Parse(s string) (Request, error) {
	s = strings.TrimSpace(s)
	req := Request{Options: map[string]string{}}

	if strings.HasPrefix(s, "record[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return Request{}, fmt.Errorf("pvrequest: unterminated record[...]: %w", pverrors.ErrInvalidRequest)
		}
		body := s[len("record[") : end]
		if err := parseOptions(body, req.Options); err != nil {
			return Request{}, err
		}
		s = s[end+1:]
	}

	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "field(") || !strings.HasSuffix(s, ")") {
		return Request{}, fmt.Errorf("pvrequest: expected field(...): %w", pverrors.ErrInvalidRequest)
	}
	selector := s[len("field(") : len(s)-1]
	selector = strings.TrimSpace(selector)
	if selector == "" {
		req.Fields = []string{}
		return req, nil
	}

	parts := strings.Split(selector, ",")
	fields := make([]string, 0, len(parts))
	for _, p := range parts {
		name := strings.TrimSpace(p)
		if name == "" {
			return Request{}, fmt.Errorf("pvrequest: empty field name: %w", pverrors.ErrInvalidRequest)
		}
		if err := validateFieldName(name); err != nil {
			return Request{}, err
		}
		fields = append(fields, name)
	}
	req.Fields = fields
	return req, nil
}

func parseOptions(body string, out map[string]string) error {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	for _, kv := range strings.Split(body, ",") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("pvrequest: malformed option %q: %w", kv, pverrors.ErrInvalidRequest)
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			return fmt.Errorf("pvrequest: empty option name: %w", pverrors.ErrInvalidRequest)
		}
		out[key] = val
	}
	return nil
}

func validateFieldName(name string) error {
	for _, ident := range strings.Split(name, ".") {
		if ident == "" {
			return fmt.Errorf("pvrequest: empty path segment in %q: %w", name, pverrors.ErrInvalidRequest)
		}
		for i, r := range ident {
			isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
			isDigit := r >= '0' && r <= '9'
			if i == 0 && !isLetter {
				return fmt.Errorf("pvrequest: invalid field name %q: %w", name, pverrors.ErrInvalidRequest)
			}
			if !isLetter && !isDigit {
				return fmt.Errorf("pvrequest: invalid field name %q: %w", name, pverrors.ErrInvalidRequest)
			}
		}
	}
	return nil
}

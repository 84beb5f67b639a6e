package bus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/mowaka/brokerd/internal/wire"
)

// Match-rule error conditions.
var (
	ErrMatchInvalid  = errors.New("invalid match rule")
	ErrMatchNotFound = errors.New("match does not exist")
)

const maxMatchArgs = 64

// MatchRule is a parsed filter over message metadata. Zero values mean
// "any" for every key.
type MatchRule struct {
	owner *Peer
	raw   string

	Type          dbus.Type // zero: any type
	Sender        string
	Interface     string
	Member        string
	Path          dbus.ObjectPath
	PathNamespace dbus.ObjectPath
	Destination   string
	Args          map[int]string
	ArgPaths      map[int]string
	Arg0Namespace string
	Eavesdrop     bool
}

// Owner returns the subscribing peer.
func (r *MatchRule) Owner() *Peer { return r.owner }

// ParseMatchRule parses the textual match-rule grammar: comma-separated
// key='value' pairs, apostrophes quoting values, backslash escaping only
// outside quotes.
func ParseMatchRule(s string) (*MatchRule, error) {
	rule := &MatchRule{raw: s}

	rest := s
	for rest != "" {
		var pair string
		pair, rest = cutMatchPair(rest)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: missing '=' in %q", ErrMatchInvalid, pair)
		}
		value, ok = unquoteMatchValue(value)
		if !ok {
			return nil, fmt.Errorf("%w: unbalanced quotes in %q", ErrMatchInvalid, pair)
		}
		if err := rule.setKey(key, value); err != nil {
			return nil, err
		}
	}

	if rule.PathNamespace != "" && rule.Path != "" {
		return nil, fmt.Errorf("%w: path and path_namespace are mutually exclusive", ErrMatchInvalid)
	}
	if rule.Arg0Namespace != "" && rule.Args[0] != "" {
		return nil, fmt.Errorf("%w: arg0 and arg0namespace are mutually exclusive", ErrMatchInvalid)
	}

	return rule, nil
}

// cutMatchPair splits off the next comma-separated pair, honoring quoting.
func cutMatchPair(s string) (pair, rest string) {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			quoted = !quoted
		case ',':
			if !quoted {
				return s[:i], s[i+1:]
			}
		}
	}
	return s, ""
}

// unquoteMatchValue strips apostrophe quoting. Outside quotes a backslash
// escapes the next byte; inside quotes everything is literal.
func unquoteMatchValue(v string) (string, bool) {
	var b strings.Builder
	quoted := false
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c == '\'':
			quoted = !quoted
		case !quoted && c == '\\' && i+1 < len(v):
			i++
			b.WriteByte(v[i])
		default:
			b.WriteByte(c)
		}
	}
	if quoted {
		return "", false
	}
	return b.String(), true
}

func (r *MatchRule) setKey(key, value string) error {
	switch key {
	case "type":
		switch value {
		case "method_call":
			r.Type = dbus.TypeMethodCall
		case "method_return":
			r.Type = dbus.TypeMethodReply
		case "error":
			r.Type = dbus.TypeError
		case "signal":
			r.Type = dbus.TypeSignal
		default:
			return fmt.Errorf("%w: unknown type %q", ErrMatchInvalid, value)
		}
	case "sender":
		if !wire.ValidBusName(value) {
			return fmt.Errorf("%w: bad sender %q", ErrMatchInvalid, value)
		}
		r.Sender = value
	case "interface":
		if !wire.ValidInterface(value) {
			return fmt.Errorf("%w: bad interface %q", ErrMatchInvalid, value)
		}
		r.Interface = value
	case "member":
		if !wire.ValidMember(value) {
			return fmt.Errorf("%w: bad member %q", ErrMatchInvalid, value)
		}
		r.Member = value
	case "path":
		p := dbus.ObjectPath(value)
		if !p.IsValid() {
			return fmt.Errorf("%w: bad path %q", ErrMatchInvalid, value)
		}
		r.Path = p
	case "path_namespace":
		p := dbus.ObjectPath(value)
		if !p.IsValid() {
			return fmt.Errorf("%w: bad path namespace %q", ErrMatchInvalid, value)
		}
		r.PathNamespace = p
	case "destination":
		if !wire.ValidBusName(value) {
			return fmt.Errorf("%w: bad destination %q", ErrMatchInvalid, value)
		}
		r.Destination = value
	case "arg0namespace":
		if !wire.ValidInterface(value) {
			return fmt.Errorf("%w: bad arg0namespace %q", ErrMatchInvalid, value)
		}
		r.Arg0Namespace = value
	case "eavesdrop":
		switch value {
		case "true":
			r.Eavesdrop = true
		case "false":
			r.Eavesdrop = false
		default:
			return fmt.Errorf("%w: bad eavesdrop %q", ErrMatchInvalid, value)
		}
	default:
		if idx, isPath, ok := parseArgKey(key); ok {
			if isPath {
				if r.ArgPaths == nil {
					r.ArgPaths = make(map[int]string)
				}
				r.ArgPaths[idx] = value
			} else {
				if r.Args == nil {
					r.Args = make(map[int]string)
				}
				r.Args[idx] = value
			}
			return nil
		}
		return fmt.Errorf("%w: unknown key %q", ErrMatchInvalid, key)
	}
	return nil
}

// parseArgKey recognizes argN and argNpath keys, N in [0, 63].
func parseArgKey(key string) (idx int, isPath, ok bool) {
	num, found := strings.CutPrefix(key, "arg")
	if !found {
		return 0, false, false
	}
	num, isPath = strings.CutSuffix(num, "path")
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 || n >= maxMatchArgs {
		return 0, false, false
	}
	if len(num) > 1 && num[0] == '0' {
		return 0, false, false
	}
	return n, isPath, true
}

// Matches evaluates the rule against message metadata for normal signal
// delivery: destination-carrying traffic is only visible to eavesdroppers.
func (r *MatchRule) Matches(meta *wire.Metadata) bool {
	if meta.Destination != "" && !r.Eavesdrop {
		return false
	}
	return r.matchesFields(meta)
}

// MatchesEavesdrop evaluates the rule as a monitor rule: the eavesdrop key
// is implied and ignored.
func (r *MatchRule) MatchesEavesdrop(meta *wire.Metadata) bool {
	return r.matchesFields(meta)
}

func (r *MatchRule) matchesFields(meta *wire.Metadata) bool {
	if r.Type != 0 && r.Type != meta.Type {
		return false
	}
	// A well-known sender key is resolved by index placement (the rule
	// lives in that name's registry); only unique names and the driver's
	// reserved name compare against the stitched sender field.
	if r.Sender != "" && (wire.IsUniqueName(r.Sender) || r.Sender == wire.BusName) && r.Sender != meta.Sender {
		return false
	}
	if r.Interface != "" && r.Interface != meta.Interface {
		return false
	}
	if r.Member != "" && r.Member != meta.Member {
		return false
	}
	if r.Path != "" && r.Path != meta.Path {
		return false
	}
	if r.PathNamespace != "" && !pathHasPrefix(meta.Path, r.PathNamespace) {
		return false
	}
	if r.Destination != "" && r.Destination != meta.Destination {
		return false
	}
	for i, want := range r.Args {
		if i >= len(meta.Args) || meta.Args[i] != want {
			return false
		}
	}
	for i, want := range r.ArgPaths {
		if i >= len(meta.Args) || !argPathMatches(meta.Args[i], want) {
			return false
		}
	}
	if r.Arg0Namespace != "" {
		if len(meta.Args) == 0 || !namespaceHasPrefix(meta.Args[0], r.Arg0Namespace) {
			return false
		}
	}
	return true
}

func pathHasPrefix(path, prefix dbus.ObjectPath) bool {
	if path == prefix {
		return true
	}
	p, pre := string(path), string(prefix)
	if pre == "/" {
		return true
	}
	return strings.HasPrefix(p, pre) && len(p) > len(pre) && p[len(pre)] == '/'
}

// argPathMatches implements the argNpath rule: either side may be a prefix
// of the other, provided the prefix ends in '/'.
func argPathMatches(arg, want string) bool {
	if arg == want {
		return true
	}
	if strings.HasSuffix(want, "/") && strings.HasPrefix(arg, want) {
		return true
	}
	if strings.HasSuffix(arg, "/") && strings.HasPrefix(want, arg) {
		return true
	}
	return false
}

func namespaceHasPrefix(name, ns string) bool {
	if name == ns {
		return true
	}
	return strings.HasPrefix(name, ns) && len(name) > len(ns) && name[len(ns)] == '.'
}

// ownerChangedName reports the well-known name this rule is pinned to, if
// the rule can only ever select NameOwnerChanged about that name. Such
// rules index per-name instead of in the wildcard registry.
func (r *MatchRule) ownerChangedName() (string, bool) {
	if r.Interface != wire.BusInterface || r.Member != "NameOwnerChanged" {
		return "", false
	}
	name, ok := r.Args[0]
	if !ok || !wire.ValidWellKnownName(name) {
		return "", false
	}
	return name, true
}

// MatchRegistry is one index of match rules.
type MatchRegistry struct {
	rules []*MatchRule
}

// Empty reports whether the registry holds no rules.
func (m *MatchRegistry) Empty() bool { return len(m.rules) == 0 }

// Add links a rule into the registry.
func (m *MatchRegistry) Add(rule *MatchRule) {
	m.rules = append(m.rules, rule)
}

// Remove unlinks a rule.
func (m *MatchRegistry) Remove(rule *MatchRule) {
	for i, r := range m.rules {
		if r == rule {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return
		}
	}
}

// Flush unlinks every rule and detaches them from their owners.
func (m *MatchRegistry) Flush() {
	for _, rule := range m.rules {
		if rule.owner != nil {
			rule.owner.dropOwnedMatch(rule)
		}
	}
	m.rules = nil
}

// Matching appends to dst the owners of rules matching meta, skipping
// duplicates already present.
func (m *MatchRegistry) Matching(meta *wire.Metadata, dst []*Peer) []*Peer {
	for _, rule := range m.rules {
		if !rule.Matches(meta) {
			continue
		}
		if containsPeer(dst, rule.owner) {
			continue
		}
		dst = append(dst, rule.owner)
	}
	return dst
}

func containsPeer(peers []*Peer, p *Peer) bool {
	for _, q := range peers {
		if q == p {
			return true
		}
	}
	return false
}

// Equal reports whether two parsed rules select the same messages.
// RemoveMatch removes by parsed equality, not raw-string equality.
func (r *MatchRule) Equal(o *MatchRule) bool {
	if r.Type != o.Type || r.Sender != o.Sender || r.Interface != o.Interface ||
		r.Member != o.Member || r.Path != o.Path || r.PathNamespace != o.PathNamespace ||
		r.Destination != o.Destination || r.Arg0Namespace != o.Arg0Namespace ||
		r.Eavesdrop != o.Eavesdrop {
		return false
	}
	if len(r.Args) != len(o.Args) || len(r.ArgPaths) != len(o.ArgPaths) {
		return false
	}
	for i, v := range r.Args {
		if o.Args[i] != v {
			return false
		}
	}
	for i, v := range r.ArgPaths {
		if o.ArgPaths[i] != v {
			return false
		}
	}
	return true
}

// Package policy evaluates controller and action access from a TOML file.
//
// A policy is an ordered list of rules plus a default effect. The first rule
// that matches the caller decides; when none matches, the default applies.
//
//	default = "deny"
//	allow_anonymous = true
//
//	[[identity]]
//	token = "a-long-random-token"
//	id = "alice"
//	roles = ["admin"]
//
//	[[rule]]
//	controller = "Chat"
//	anonymous = true
//	effect = "allow"
//
//	[[rule]]
//	controller = "Admin"
//	actions = ["Kick*"]
//	roles = ["admin"]
//	effect = "allow"
//
// Controller and action names are matched with path.Match globs.
package policy

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"path"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/luciancaetano/mrpc"
)

// Rule effects.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

var (
	// ErrAuthenticationRequired is returned by Identify when a request
	// carries no token and anonymous access is disabled.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrUnknownToken is returned by Identify for a token not in the policy.
	ErrUnknownToken = errors.New("unknown token")
)

type fileConfig struct {
	Default        string         `toml:"default"`
	AllowAnonymous bool           `toml:"allow_anonymous"`
	Identities     []identityFile `toml:"identity"`
	Rules          []ruleFile     `toml:"rule"`
}

type identityFile struct {
	Token  string            `toml:"token"`
	ID     string            `toml:"id"`
	Name   string            `toml:"name"`
	Roles  []string          `toml:"roles"`
	Claims map[string]string `toml:"claims"`
}

type ruleFile struct {
	Controller string   `toml:"controller"`
	Actions    []string `toml:"actions"`
	Roles      []string `toml:"roles"`
	Identities []string `toml:"identities"`
	Anonymous  bool     `toml:"anonymous"`
	Effect     string   `toml:"effect"`
}

// Rule grants or denies a subject access to a controller, or to some of its
// actions.
type Rule struct {
	// Controller is a glob over controller names. Empty matches all.
	Controller string

	// Actions are globs over action names. Empty makes the rule apply to the
	// whole controller.
	Actions []string

	// A rule applies to identities listed by ID, to identities holding any
	// of Roles, and to anonymous identities when Anonymous is set. A rule
	// naming no subject applies to everyone.
	Roles      []string
	Identities []string
	Anonymous  bool

	Effect string
}

// Policy is an mrpc.Authorizer backed by an ordered rule list. It is
// immutable once loaded and safe for concurrent use.
type Policy struct {
	defaultEffect  string
	allowAnonymous bool
	rules          []Rule
	tokens         map[string]mrpc.Identity
}

var _ mrpc.Authorizer = (*Policy)(nil)

// Load reads a policy file.
func Load(file string) (*Policy, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(file, &raw)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return build(raw, meta)
}

// Parse reads a policy from TOML text.
func Parse(data string) (*Policy, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return build(raw, meta)
}

func build(raw fileConfig, meta toml.MetaData) (*Policy, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("policy: unknown key %q", undecoded[0].String())
	}

	p := &Policy{
		defaultEffect:  EffectDeny,
		allowAnonymous: raw.AllowAnonymous,
		tokens:         make(map[string]mrpc.Identity, len(raw.Identities)),
	}

	if meta.IsDefined("default") {
		effect, err := parseEffect(raw.Default)
		if err != nil {
			return nil, fmt.Errorf("policy: default: %w", err)
		}
		p.defaultEffect = effect
	}

	for i, id := range raw.Identities {
		token := strings.TrimSpace(id.Token)
		if token == "" {
			return nil, fmt.Errorf("policy: identity %d: token is required", i)
		}
		if strings.TrimSpace(id.ID) == "" {
			return nil, fmt.Errorf("policy: identity %d: id is required", i)
		}
		if _, dup := p.tokens[token]; dup {
			return nil, fmt.Errorf("policy: identity %d (%s): duplicate token", i, id.ID)
		}
		p.tokens[token] = mrpc.Identity{
			ID:     strings.TrimSpace(id.ID),
			Name:   id.Name,
			Roles:  id.Roles,
			Claims: id.Claims,
		}
	}

	for i, r := range raw.Rules {
		effect, err := parseEffect(r.Effect)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %d: %w", i, err)
		}
		rule := Rule{
			Controller: strings.TrimSpace(r.Controller),
			Actions:    r.Actions,
			Roles:      r.Roles,
			Identities: r.Identities,
			Anonymous:  r.Anonymous,
			Effect:     effect,
		}
		for _, pattern := range append([]string{rule.Controller}, rule.Actions...) {
			if _, err := path.Match(pattern, ""); err != nil {
				return nil, fmt.Errorf("policy: rule %d: pattern %q: %w", i, pattern, err)
			}
		}
		p.rules = append(p.rules, rule)
	}

	return p, nil
}

func parseEffect(s string) (string, error) {
	switch e := strings.ToLower(strings.TrimSpace(s)); e {
	case EffectAllow, EffectDeny:
		return e, nil
	default:
		return "", fmt.Errorf("effect %q is not %q or %q", s, EffectAllow, EffectDeny)
	}
}

// Rules returns a copy of the rule list in evaluation order.
func (p *Policy) Rules() []Rule {
	return slices.Clone(p.rules)
}

// AuthorizeController allows a controller when an allow rule for it matches
// the identity before any controller wide deny rule does. An allow rule
// limited to some actions is enough: those actions are then checked by
// AuthorizeAction.
func (p *Policy) AuthorizeController(ctx context.Context, id mrpc.Identity, controller string) bool {
	for _, r := range p.rules {
		if !r.matchesController(controller) || !r.matchesSubject(id) {
			continue
		}
		if r.Effect == EffectAllow {
			return true
		}
		if len(r.Actions) == 0 {
			return false
		}
	}
	return p.defaultEffect == EffectAllow
}

// AuthorizeAction applies the first rule matching the controller, the action
// and the identity.
func (p *Policy) AuthorizeAction(ctx context.Context, id mrpc.Identity, controller string, action mrpc.Action) bool {
	for _, r := range p.rules {
		if r.matchesController(controller) && r.matchesAction(action.Name) && r.matchesSubject(id) {
			return r.Effect == EffectAllow
		}
	}
	return p.defaultEffect == EffectAllow
}

// Identify resolves the identity of an upgrade request from a bearer token,
// taken from the Authorization header or the access_token query parameter.
func (p *Policy) Identify(r *http.Request) (mrpc.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		if !p.allowAnonymous {
			return mrpc.Identity{}, ErrAuthenticationRequired
		}
		return mrpc.Anonymous(), nil
	}

	for known, id := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return id, nil
		}
	}
	return mrpc.Identity{}, ErrUnknownToken
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("access_token")
}

func (r Rule) matchesController(name string) bool {
	return r.Controller == "" || glob(r.Controller, name)
}

func (r Rule) matchesAction(name string) bool {
	if len(r.Actions) == 0 {
		return true
	}
	for _, pattern := range r.Actions {
		if glob(pattern, name) {
			return true
		}
	}
	return false
}

func (r Rule) matchesSubject(id mrpc.Identity) bool {
	if len(r.Roles) == 0 && len(r.Identities) == 0 && !r.Anonymous {
		return true
	}
	if r.Anonymous && id.Anonymous {
		return true
	}
	if id.Anonymous {
		return false
	}
	if slices.Contains(r.Identities, id.ID) {
		return true
	}
	return slices.ContainsFunc(r.Roles, id.HasRole)
}

// glob reports whether name matches pattern. Patterns are validated on load.
func glob(pattern, name string) bool {
	ok, _ := path.Match(pattern, name)
	return ok
}

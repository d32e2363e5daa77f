package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// The accessors address config values by their JSON names joined with dots,
// e.g. "outbound.textLimit" or "accounts.main.dmPolicy". Array elements are
// addressed by index ("runtime.fallbacks.0.apiBase").

// tree is the generic JSON form of a Config.
type tree = map[string]any

func toTree(cfg *Config) (tree, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var t tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return t, nil
}

func splitPath(path string) ([]string, error) {
	keys := strings.Split(path, ".")
	for _, k := range keys {
		if k == "" {
			return nil, fmt.Errorf("invalid config path %q", path)
		}
	}
	return keys, nil
}

// GetByPath returns the value at path in its JSON form.
func GetByPath(cfg *Config, path string) (any, error) {
	keys, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	t, err := toTree(cfg)
	if err != nil {
		return nil, err
	}

	var node any = t
	for i, k := range keys {
		switch n := node.(type) {
		case map[string]any:
			v, ok := n[k]
			if !ok {
				return nil, fmt.Errorf("unknown config key %q", strings.Join(keys[:i+1], "."))
			}
			node = v
		case []any:
			idx, err := strconv.Atoi(k)
			if err != nil || idx < 0 || idx >= len(n) {
				return nil, fmt.Errorf("index %q out of range at %q", k, strings.Join(keys[:i], "."))
			}
			node = n[idx]
		default:
			return nil, fmt.Errorf("%q is a single value", strings.Join(keys[:i], "."))
		}
	}
	return node, nil
}

// SetByPath assigns raw to the value at path. raw is converted to the type
// of the current value: strings stay strings even when they look numeric,
// lists take a JSON array or a comma-separated string. The top-level section
// must exist; keys below it are created as needed (e.g. a new account).
func SetByPath(cfg *Config, path string, raw any) error {
	keys, err := splitPath(path)
	if err != nil {
		return err
	}
	t, err := toTree(cfg)
	if err != nil {
		return err
	}
	if _, ok := t[keys[0]]; !ok {
		return fmt.Errorf("unknown config section %q", keys[0])
	}

	var node any = t
	for i, k := range keys[:len(keys)-1] {
		switch n := node.(type) {
		case map[string]any:
			child, ok := n[k]
			if !ok || child == nil {
				child = map[string]any{}
				n[k] = child
			}
			node = child
		case []any:
			idx, err := strconv.Atoi(k)
			if err != nil || idx < 0 || idx >= len(n) {
				return fmt.Errorf("index %q out of range at %q", k, strings.Join(keys[:i], "."))
			}
			node = n[idx]
		default:
			return fmt.Errorf("%q is a single value", strings.Join(keys[:i], "."))
		}
	}

	last := keys[len(keys)-1]
	var (
		current any
		put     func(v any)
	)
	switch n := node.(type) {
	case map[string]any:
		current, put = n[last], func(v any) { n[last] = v }
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(n) {
			return fmt.Errorf("index %q out of range in %q", last, path)
		}
		current, put = n[idx], func(v any) { n[idx] = v }
	default:
		return fmt.Errorf("cannot set %q", path)
	}

	v, err := coerce(current, raw)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	put(v)
	next, err := fromTree(t)
	if s, ok := raw.(string); ok && err != nil && current == nil {
		// Omitted fields have no JSON type to follow. A guess that does not
		// fit the field is retried as plain text, then as a list.
		for _, alt := range []func() (any, error){
			func() (any, error) { return s, nil },
			func() (any, error) { return parseList(s) },
		} {
			if v, perr := alt(); perr == nil {
				put(v)
				if next, err = fromTree(t); err == nil {
					break
				}
			}
		}
	}
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = *next
	return nil
}

func fromTree(t tree) (*Config, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// coerce converts raw to the JSON type of current. A missing current value
// gets the type raw looks like.
func coerce(current, raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return raw, nil
	}
	switch current.(type) {
	case string:
		return s, nil
	case bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", s)
		}
		return b, nil
	case float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", s)
		}
		return f, nil
	case []any:
		return parseList(s)
	case map[string]any:
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("%q is not a JSON object", s)
		}
		return m, nil
	}
	return guess(s), nil
}

func parseList(s string) ([]any, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var l []any
		if err := json.Unmarshal([]byte(s), &l); err != nil {
			return nil, fmt.Errorf("%q is not a JSON array", s)
		}
		return l, nil
	}
	out := []any{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

func guess(s string) any {
	if s == "true" || s == "false" {
		return s == "true"
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		var v any
		if json.Unmarshal([]byte(s), &v) == nil {
			return v
		}
	}
	return s
}

// Sanitize returns a deep copy of cfg with credentials masked.
func Sanitize(cfg *Config) *Config {
	t, err := toTree(cfg)
	if err != nil {
		return &Config{}
	}
	out, err := fromTree(t)
	if err != nil {
		return &Config{}
	}
	for _, secret := range out.secrets() {
		*secret = maskSecret(*secret)
	}
	for id, acc := range out.Accounts {
		for _, secret := range acc.secrets() {
			*secret = maskSecret(*secret)
		}
		out.Accounts[id] = acc
	}
	return out
}

// secrets points at the top-level credential fields of c.
func (c *Config) secrets() []*string {
	fields := []*string{&c.Pairing.APIToken, &c.Runtime.APIKey, &c.Telegram.Token}
	for i := range c.Runtime.Fallbacks {
		fields = append(fields, &c.Runtime.Fallbacks[i].APIKey)
	}
	return fields
}

func (a *AccountConfig) secrets() []*string {
	return []*string{&a.AppSecret, &a.Token, &a.PairingAPIToken}
}

// maskSecret keeps the first and last four characters of long values.
func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths flattens cfg into path → value, the addresses GetByPath and
// SetByPath accept. Lists are reported whole.
func ListPaths(cfg *Config) map[string]any {
	t, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, n map[string]any)
	walk = func(prefix string, n map[string]any) {
		for k, v := range n {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok && len(child) > 0 {
				walk(p, child)
				continue
			}
			out[p] = v
		}
	}
	walk("", t)
	return out
}

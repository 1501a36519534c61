package config

import (
	"fmt"

	"github.com/angeloszaimis/experella/internal/backend"
)

// Descriptor converts a validated backend entry.
func (b BackendConfig) Descriptor() (backend.Descriptor, error) {
	d := backend.Descriptor{
		Name:        b.Name,
		Host:        b.Host,
		Port:        b.Port,
		Concurrency: b.Concurrency,
		Accepts:     b.Accepts,
	}

	if len(b.Mangle) > 0 {
		d.Mangle = make(map[string]backend.MangleAction, len(b.Mangle))
		for key, raw := range b.Mangle {
			action, err := mangleAction(raw)
			if err != nil {
				return backend.Descriptor{}, fmt.Errorf("backend %s: mangle %s: %w", b.Name, key, err)
			}
			d.Mangle[key] = action
		}
	}

	return d, nil
}

// Servers builds one backend server per entry, in order.
func Servers(configs []BackendConfig) ([]*backend.Server, error) {
	servers := make([]*backend.Server, 0, len(configs))
	for _, bc := range configs {
		d, err := bc.Descriptor()
		if err != nil {
			return nil, err
		}
		s, err := backend.New(d)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, nil
}

func mangleAction(raw any) (backend.MangleAction, error) {
	switch v := raw.(type) {
	case string:
		return backend.Literal(v), nil
	case map[string]any:
		pattern, _ := v["pattern"].(string)
		replace, _ := v["replace"].(string)
		if pattern == "" {
			return nil, fmt.Errorf("transform needs a pattern")
		}
		re, err := backend.CompilePattern(pattern)
		if err != nil {
			return nil, err
		}
		return backend.Transform(func(old string) string {
			out, err := re.Replace(old, replace, -1, -1)
			if err != nil {
				return old
			}
			return out
		}), nil
	default:
		return nil, fmt.Errorf("unsupported value of type %T", raw)
	}
}

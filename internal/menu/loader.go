package menu

import (
	"fmt"
	"os"

	"wemp/internal/domain"

	"gopkg.in/yaml.v3"
)

// Definition is a custom menu as written by the operator in YAML.
type Definition struct {
	Buttons []ButtonDef `yaml:"button"`
}

// ButtonDef is one button of a menu definition. A click button either names a
// raw Key or an Action whose payload is stored in the registry.
type ButtonDef struct {
	Name       string      `yaml:"name"`
	Type       string      `yaml:"type,omitempty"`
	Key        string      `yaml:"key,omitempty"`
	URL        string      `yaml:"url,omitempty"`
	AppID      string      `yaml:"appid,omitempty"`
	PagePath   string      `yaml:"pagepath,omitempty"`
	Action     *Payload    `yaml:"action,omitempty"`
	SubButtons []ButtonDef `yaml:"sub_button,omitempty"`
}

// Button is the WeChat menu/create wire format.
type Button struct {
	Name       string   `json:"name"`
	Type       string   `json:"type,omitempty"`
	Key        string   `json:"key,omitempty"`
	URL        string   `json:"url,omitempty"`
	AppID      string   `json:"appid,omitempty"`
	PagePath   string   `json:"pagepath,omitempty"`
	SubButtons []Button `json:"sub_button,omitempty"`
}

const (
	maxTopButtons = 3
	maxSubButtons = 5
)

// LoadDefinition reads a YAML menu definition from path.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read menu file: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition parses a YAML menu definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse menu definition: %w", err)
	}
	if len(def.Buttons) == 0 {
		return nil, fmt.Errorf("%w: menu has no buttons", domain.ErrValidation)
	}
	if len(def.Buttons) > maxTopButtons {
		return nil, fmt.Errorf("%w: menu has %d top-level buttons, max %d", domain.ErrValidation, len(def.Buttons), maxTopButtons)
	}
	for _, b := range def.Buttons {
		if len(b.SubButtons) > maxSubButtons {
			return nil, fmt.Errorf("%w: button %q has %d sub buttons, max %d", domain.ErrValidation, b.Name, len(b.SubButtons), maxSubButtons)
		}
	}
	return &def, nil
}

// Build converts the definition into WeChat buttons. Every click button with
// an Action is registered for accountID and gets a short click key.
func (d *Definition) Build(accountID string, reg *Registry) ([]Button, error) {
	out := make([]Button, 0, len(d.Buttons))
	for _, bd := range d.Buttons {
		b, err := buildButton(accountID, bd, reg)
		if err != nil {
			return nil, err
		}
		if len(bd.SubButtons) > 0 {
			b.Type = ""
			for _, sd := range bd.SubButtons {
				sb, err := buildButton(accountID, sd, reg)
				if err != nil {
					return nil, err
				}
				b.SubButtons = append(b.SubButtons, sb)
			}
		}
		out = append(out, b)
	}
	return out, nil
}

func buildButton(accountID string, bd ButtonDef, reg *Registry) (Button, error) {
	b := Button{
		Name:     bd.Name,
		Type:     bd.Type,
		Key:      bd.Key,
		URL:      bd.URL,
		AppID:    bd.AppID,
		PagePath: bd.PagePath,
	}
	if bd.Name == "" {
		return b, fmt.Errorf("%w: button without name", domain.ErrValidation)
	}
	if bd.Action == nil {
		if len(b.Key) > MaxClickKeyBytes {
			return b, fmt.Errorf("%w: key of button %q exceeds %d bytes", domain.ErrValidation, bd.Name, MaxClickKeyBytes)
		}
		return b, nil
	}

	if b.Type == "" {
		b.Type = "click"
	}
	if b.Type != "click" {
		return b, fmt.Errorf("%w: button %q has an action but type %q", domain.ErrValidation, bd.Name, b.Type)
	}
	id, err := reg.Register(accountID, *bd.Action)
	if err != nil {
		return b, err
	}
	b.Key = ClickKey(id)
	return b, nil
}

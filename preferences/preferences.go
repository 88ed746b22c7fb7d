package preferences

import (
	"encoding/json"
	"fmt"
)

// Theme is the UI theme.
type Theme string

const (
	ThemeLight  Theme = "Light"
	ThemeDark   Theme = "Dark"
	ThemeSystem Theme = "System"
)

// UnmarshalJSON rejects unknown themes.
func (t *Theme) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch Theme(s) {
	case ThemeLight, ThemeDark, ThemeSystem:
		*t = Theme(s)
		return nil
	}
	return fmt.Errorf("unknown theme %q", s)
}

// EncryptedKey is a private key encrypted with the user's passphrase.
type EncryptedKey struct {
	Ciphertext string `json:"ciphertext"`
	Salt       string `json:"salt"`
	Algorithm  string `json:"algorithm"`
}

// Nostr holds the publishing identity and relay list.
type Nostr struct {
	EncryptedNsec *EncryptedKey `json:"encrypted_nsec,omitempty"`
	Npub          string        `json:"npub,omitempty"`
	Relays        []string      `json:"relays"`
	AutoPublish   bool          `json:"auto_publish"`
}

// Editor holds editor settings.
type Editor struct {
	FontSize     uint32 `json:"font_size"`
	TabSize      uint32 `json:"tab_size"`
	LineNumbers  bool   `json:"line_numbers"`
	WordWrap     bool   `json:"word_wrap"`
	Autocomplete bool   `json:"autocomplete"`
}

// Query holds query execution settings.
type Query struct {
	MaxRows        uint32 `json:"max_rows"`
	TimeoutSeconds uint32 `json:"timeout_seconds"`
	AutoRun        bool   `json:"auto_run"`
}

// Preferences is the user's preference record. Fields missing from decoded
// JSON take their default values.
type Preferences struct {
	Theme  Theme  `json:"theme"`
	Nostr  Nostr  `json:"nostr"`
	Editor Editor `json:"editor"`
	Query  Query  `json:"query"`
}

// Defaults returns the preferences of a new user.
func Defaults() Preferences {
	return Preferences{
		Theme: ThemeSystem,
		Nostr: Nostr{Relays: []string{}},
		Editor: Editor{
			FontSize:     14,
			TabSize:      2,
			LineNumbers:  true,
			WordWrap:     false,
			Autocomplete: true,
		},
		Query: Query{
			MaxRows:        10000,
			TimeoutSeconds: 30,
			AutoRun:        false,
		},
	}
}

// UnmarshalJSON implements json.Unmarshaler, starting from Defaults.
func (p *Preferences) UnmarshalJSON(data []byte) error {
	type plain Preferences
	v := plain(Defaults())
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Nostr.Relays == nil {
		v.Nostr.Relays = []string{}
	}
	*p = Preferences(v)
	return nil
}

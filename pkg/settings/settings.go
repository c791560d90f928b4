// Package settings holds the extension's user options. The coordinator is the only writer.
package settings

import (
	"context"
	"encoding/json"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/kv"
)

const (
	KeyDarkMode    = "darkMode"
	KeyAutoProcess = "autoProcess"
	KeyShowSources = "showSources"
	KeyBackendURL  = "backendUrl"
	KeyLanguage    = "language"

	storageKey = "settings"
)

// SupportedLanguages are the transcript languages the backend can translate to.
var SupportedLanguages = []string{"en", "es", "fr", "de", "it", "pt", "ru", "zh", "ja", "ko", "ar", "ur"}

var ErrInvalid = errors.New("invalid setting")

type Settings struct {
	DarkMode    bool   `json:"darkMode"`
	AutoProcess bool   `json:"autoProcess"`
	ShowSources bool   `json:"showSources"`
	BackendURL  string `json:"backendUrl"`
	Language    string `json:"language"`
}

func Defaults() Settings {
	return Settings{
		ShowSources: true,
		BackendURL:  "http://localhost:8000",
		Language:    "en",
	}
}

// Keys lists the option names in a stable order.
func Keys() []string {
	return []string{KeyDarkMode, KeyAutoProcess, KeyShowSources, KeyBackendURL, KeyLanguage}
}

func (s Settings) Map() map[string]any {
	return map[string]any{
		KeyDarkMode:    s.DarkMode,
		KeyAutoProcess: s.AutoProcess,
		KeyShowSources: s.ShowSources,
		KeyBackendURL:  s.BackendURL,
		KeyLanguage:    s.Language,
	}
}

// Apply returns s with patch applied. Unknown keys and values of the wrong type are rejected and
// leave s untouched.
func (s Settings) Apply(patch map[string]any) (Settings, error) {
	out := s
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := patch[k]
		switch k {
		case KeyDarkMode, KeyAutoProcess, KeyShowSources:
			b, ok := v.(bool)
			if !ok {
				return s, errors.Wrapf(ErrInvalid, "%s must be a boolean", k)
			}
			switch k {
			case KeyDarkMode:
				out.DarkMode = b
			case KeyAutoProcess:
				out.AutoProcess = b
			default:
				out.ShowSources = b
			}
		case KeyBackendURL:
			str, ok := v.(string)
			if !ok {
				return s, errors.Wrapf(ErrInvalid, "%s must be a string", k)
			}
			u, err := ValidateBackendURL(str)
			if err != nil {
				return s, err
			}
			out.BackendURL = u
		case KeyLanguage:
			str, ok := v.(string)
			if !ok || !slices.Contains(SupportedLanguages, str) {
				return s, errors.Wrapf(ErrInvalid, "%s must be one of %s", k, strings.Join(SupportedLanguages, ", "))
			}
			out.Language = str
		default:
			return s, errors.Wrapf(ErrInvalid, "unknown setting %q", k)
		}
	}
	return out, nil
}

// ValidateBackendURL accepts absolute http(s) URLs and strips a trailing slash.
func ValidateBackendURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errors.Wrapf(ErrInvalid, "backendUrl %q is not an http(s) URL", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

// Store persists Settings in a kv.Store.
type Store struct {
	kv       kv.Store
	defaults Settings
	mu       sync.Mutex
}

type StoreOption func(*Store)

// WithDefaults replaces the values used for options that were never written.
func WithDefaults(d Settings) StoreOption {
	return func(s *Store) {
		s.defaults = d
	}
}

func NewStore(s kv.Store, opts ...StoreOption) *Store {
	st := &Store{kv: s, defaults: Defaults()}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Load returns the stored settings over the defaults. Missing or corrupt data yields defaults.
func (s *Store) Load(ctx context.Context) Settings {
	out := s.defaults
	raw, err := s.kv.Get(ctx, storageKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			log.Warn().Err(err).Str("component", "settings").Msg("settings unreadable, using defaults")
		}
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		log.Warn().Err(err).Str("component", "settings").Msg("settings corrupt, using defaults")
		return s.defaults
	}
	return out
}

// Update applies patch to the stored settings and persists the result.
func (s *Store) Update(ctx context.Context, patch map[string]any) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.Load(ctx)
	next, err := cur.Apply(patch)
	if err != nil {
		return cur, err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return cur, errors.Wrap(err, "encode settings")
	}
	if err := s.kv.Set(ctx, storageKey, raw); err != nil {
		return cur, errors.Wrap(err, "save settings")
	}
	log.Debug().Str("component", "settings").Interface("patch", patch).Msg("settings updated")
	return next, nil
}

// Reset removes stored settings so that defaults apply again.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(ctx, storageKey)
}

// ParseValue converts a command-line value into the type the named setting expects.
func ParseValue(key, raw string) (any, error) {
	switch key {
	case KeyDarkMode, KeyAutoProcess, KeyShowSources:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return nil, errors.Wrapf(ErrInvalid, "%s expects a boolean, got %q", key, raw)
	case KeyBackendURL, KeyLanguage:
		return raw, nil
	}
	return nil, errors.Wrapf(ErrInvalid, "unknown setting %q", key)
}

// Package settings holds crawl configuration: a flat mapping of upper-case
// keys, the defaults every crawl starts from, and the project-wide provider
// that produces the baseline for each run.
package settings

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cast"
)

// Settings is a crawl configuration keyed by setting name.
type Settings map[string]any

// Defaults are the engine defaults the project file and environment build on.
func Defaults() Settings {
	return Settings{
		"BOT_NAME":                 "airscrapy",
		"USER_AGENT":               "airscrapy (+https://github.com/airscrapy)",
		"ROBOTSTXT_OBEY":           false,
		"DEPTH_LIMIT":              0,
		"ALLOWED_DOMAINS":          []string{},
		"CONCURRENT_REQUESTS":      16,
		"DOWNLOAD_DELAY":           0.0,
		"RANDOMIZE_DOWNLOAD_DELAY": true,
		"DOWNLOAD_TIMEOUT":         180.0,
		"DEFAULT_REQUEST_HEADERS": map[string]any{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language": "en",
		},
		"CLOSESPIDER_ITEMCOUNT":  0,
		"CLOSESPIDER_PAGECOUNT":  0,
		"CLOSESPIDER_ERRORCOUNT": 0,
		"ITEM_PIPELINES":         []string{},
		"ITEM_REQUIRED_FIELDS":   []string{},
		"DEDUP_FIELD":            "",
		"FEED_URI":               "",
		"FEED_FORMAT":            "jsonlines",
		"LOG_LEVEL":              "DEBUG",
	}
}

// Update overlays overrides onto s. Colliding keys are replaced wholesale;
// nested mappings are not merged.
func (s Settings) Update(overrides map[string]any) {
	for k, v := range overrides {
		s[k] = v
	}
}

// Copy returns a shallow copy of s.
func (s Settings) Copy() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Keys returns the setting names in sorted order.
func (s Settings) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s Settings) Get(key string) (any, bool) {
	v, ok := s[key]
	return v, ok
}

func (s Settings) GetString(key string) (string, error) {
	v, ok := s[key]
	if !ok || v == nil {
		return "", nil
	}
	out, err := cast.ToStringE(v)
	if err != nil {
		return "", fmt.Errorf("setting %s: %w", key, err)
	}
	return out, nil
}

func (s Settings) GetInt(key string) (int, error) {
	v, ok := s[key]
	if !ok || v == nil {
		return 0, nil
	}
	out, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	return out, nil
}

func (s Settings) GetFloat(key string) (float64, error) {
	v, ok := s[key]
	if !ok || v == nil {
		return 0, nil
	}
	out, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	return out, nil
}

func (s Settings) GetBool(key string) (bool, error) {
	v, ok := s[key]
	if !ok || v == nil {
		return false, nil
	}
	out, err := cast.ToBoolE(v)
	if err != nil {
		return false, fmt.Errorf("setting %s: %w", key, err)
	}
	return out, nil
}

// GetSeconds reads a setting expressed in (possibly fractional) seconds.
func (s Settings) GetSeconds(key string) (time.Duration, error) {
	f, err := s.GetFloat(key)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("setting %s: negative duration %v", key, f)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// GetStringSlice accepts a list or a comma separated string.
func (s Settings) GetStringSlice(key string) ([]string, error) {
	v, ok := s[key]
	if !ok || v == nil {
		return nil, nil
	}
	if str, isStr := v.(string); isStr {
		return splitList(str), nil
	}
	out, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil, fmt.Errorf("setting %s: %w", key, err)
	}
	return out, nil
}

func (s Settings) GetStringMap(key string) (map[string]string, error) {
	v, ok := s[key]
	if !ok || v == nil {
		return nil, nil
	}
	out, err := cast.ToStringMapStringE(v)
	if err != nil {
		return nil, fmt.Errorf("setting %s: %w", key, err)
	}
	return out, nil
}

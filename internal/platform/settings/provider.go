package settings

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to setting names when reading overrides from the
// environment, e.g. AIRSCRAPY_DOWNLOAD_DELAY.
const EnvPrefix = "AIRSCRAPY"

// ErrNilProvider is returned when no settings provider was supplied.
var ErrNilProvider = errors.New("settings provider is nil")

// Provider supplies the baseline settings for a crawl run. Each call returns
// a fresh copy the caller may modify.
type Provider interface {
	Load() (Settings, error)
}

// ProjectProvider reads the project settings once per process: engine
// defaults, then the optional project file, then environment overrides.
type ProjectProvider struct {
	file string

	once sync.Once
	base Settings
	err  error
}

func NewProjectProvider(file string) *ProjectProvider {
	return &ProjectProvider{file: file}
}

func (p *ProjectProvider) Load() (Settings, error) {
	if p == nil {
		return nil, ErrNilProvider
	}
	p.once.Do(func() { p.base, p.err = p.read() })
	if p.err != nil {
		return nil, p.err
	}
	return p.base.Copy(), nil
}

func (p *ProjectProvider) read() (Settings, error) {
	v := viper.New()
	for k, val := range Defaults() {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if p.file != "" {
		v.SetConfigFile(p.file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings file %s: %w", p.file, err)
		}
	}

	out := make(Settings)
	for k, val := range v.AllSettings() {
		out[strings.ToUpper(k)] = val
	}
	return out, nil
}

// Static is a Provider over a fixed mapping.
type Static Settings

func (s Static) Load() (Settings, error) { return Settings(s).Copy(), nil }

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package spiders

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"airscrapy/internal/core/spider"
	"airscrapy/internal/platform/orchestrator"
)

const (
	KindSelectors = "selectors"
	KindPages     = "pages"
)

// File is the layout of a spiders YAML file.
type File struct {
	Spiders []Definition `yaml:"spiders"`
}

// Definition declares a spider and how it is scheduled as a task.
type Definition struct {
	Name      string   `yaml:"name"`
	Kind      string   `yaml:"kind"`
	StartURLs []string `yaml:"start_urls"`

	// selectors
	Item   string            `yaml:"item"`
	Fields map[string]string `yaml:"fields"`
	Follow string            `yaml:"follow"`

	// pages
	Patterns          []string `yaml:"patterns"`
	IncludeSubdomains bool     `yaml:"include_subdomains"`

	Settings map[string]any `yaml:"settings"`
	Task     TaskDefinition `yaml:"task"`
}

type TaskDefinition struct {
	Retries  *int           `yaml:"retries"`
	Queue    string         `yaml:"queue"`
	Timeout  string         `yaml:"timeout"`
	Schedule string         `yaml:"schedule"`
	Params   map[string]any `yaml:"params"`
}

// LoadDefinitions reads a spiders file. A missing path yields no definitions.
func LoadDefinitions(path string) ([]Definition, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spiders file: %w", err)
	}
	return ParseDefinitions(b)
}

func ParseDefinitions(b []byte) ([]Definition, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse spiders file: %w", err)
	}
	var errs []error
	for i := range f.Spiders {
		if err := f.Spiders[i].validate(); err != nil {
			errs = append(errs, fmt.Errorf("spiders[%d]: %w", i, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f.Spiders, nil
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return errors.New("name is required")
	}
	if len(d.StartURLs) == 0 {
		return fmt.Errorf("%s: start_urls is required", d.Name)
	}
	switch d.Kind {
	case "", KindSelectors:
		d.Kind = KindSelectors
		if d.Item == "" || len(d.Fields) == 0 {
			return fmt.Errorf("%s: selectors spiders need item and fields", d.Name)
		}
	case KindPages:
	default:
		return fmt.Errorf("%s: unknown kind %q", d.Name, d.Kind)
	}
	return nil
}

// Spider builds the job definition.
func (d Definition) Spider() spider.Spider {
	if d.Kind == KindPages {
		opts := []PagesOption{WithPatterns(d.Patterns...), WithSettings(d.Settings)}
		if d.IncludeSubdomains {
			opts = append(opts, WithSubdomains())
		}
		return NewPages(d.Name, d.StartURLs, opts...)
	}
	return &Selectors{
		name:   d.Name,
		start:  d.StartURLs,
		item:   d.Item,
		fields: d.Fields,
		follow: d.Follow,
		custom: d.Settings,
	}
}

// TaskOptions converts the task block into orchestrator options.
func (d Definition) TaskOptions() ([]orchestrator.Option, error) {
	var opts []orchestrator.Option
	if d.Task.Retries != nil {
		opts = append(opts, orchestrator.WithRetries(*d.Task.Retries))
	}
	if d.Task.Queue != "" {
		opts = append(opts, orchestrator.WithQueue(d.Task.Queue))
	}
	if d.Task.Timeout != "" {
		timeout, err := time.ParseDuration(d.Task.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%s: task timeout: %w", d.Name, err)
		}
		opts = append(opts, orchestrator.WithTimeout(timeout))
	}
	if d.Task.Schedule != "" {
		opts = append(opts, orchestrator.WithSchedule(d.Task.Schedule))
	}
	if len(d.Task.Params) > 0 {
		opts = append(opts, orchestrator.WithParams(d.Task.Params))
	}
	return opts, nil
}

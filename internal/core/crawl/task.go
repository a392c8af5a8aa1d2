package crawl

import (
	"context"
	"fmt"

	"airscrapy/internal/core/spider"
	"airscrapy/internal/logger"
	"airscrapy/internal/platform/crawler"
	"airscrapy/internal/platform/orchestrator"
	"airscrapy/internal/platform/settings"
)

// ExtraSettingsParam is the run param holding setting overrides for one run.
const ExtraSettingsParam = "extra_settings"

// Runner is the part of a crawler process a CrawlTask drives.
type Runner interface {
	Crawl(sp spider.Spider) error
	Start(ctx context.Context) error
}

// ProcessFactory builds a runner from effective settings.
type ProcessFactory func(s settings.Settings, installRootHandler bool) Runner

func newCrawlerProcess(s settings.Settings, installRootHandler bool) Runner {
	return crawler.NewProcess(s, installRootHandler)
}

// CrawlTask runs a spider as a pipeline task. Its task id is the spider name.
type CrawlTask struct {
	orchestrator.BaseTask

	spider     spider.Spider
	settings   settings.Provider
	newProcess ProcessFactory
	log        *logger.Logger
}

// NewCrawlTask wraps sp. opts are passed to the base task untouched.
func NewCrawlTask(sp spider.Spider, provider settings.Provider, opts ...orchestrator.Option) (*CrawlTask, error) {
	if sp == nil {
		return nil, spider.ErrNilSpider
	}
	if provider == nil {
		return nil, settings.ErrNilProvider
	}
	base, err := orchestrator.NewBaseTask(sp.Name(), opts...)
	if err != nil {
		return nil, err
	}
	return &CrawlTask{
		BaseTask:   base,
		spider:     sp,
		settings:   provider,
		newProcess: newCrawlerProcess,
		log:        logger.New("CrawlTask"),
	}, nil
}

// Spider returns the wrapped job definition.
func (t *CrawlTask) Spider() spider.Spider { return t.spider }

// Execute runs the crawl to completion on the calling goroutine. Errors from
// the settings provider and the crawler are returned as is.
func (t *CrawlTask) Execute(ctx context.Context, tc *orchestrator.TaskContext) error {
	extra, err := extraSettings(tc)
	if err != nil {
		return err
	}

	s, err := t.settings.Load()
	if err != nil {
		return err
	}
	s.Update(extra)

	t.log.LogInfof("run %s: crawling %s with %d setting overrides", tc.RunID, t.spider.Name(), len(extra))

	// the orchestrator owns signals and logging
	process := t.newProcess(s, false)
	if err := process.Crawl(t.spider); err != nil {
		return err
	}
	return process.Start(ctx)
}

func extraSettings(tc *orchestrator.TaskContext) (map[string]any, error) {
	if tc == nil || tc.Params == nil {
		return map[string]any{}, nil
	}
	raw, ok := tc.Params[ExtraSettingsParam]
	if !ok || raw == nil {
		return map[string]any{}, nil
	}
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case settings.Settings:
		return v, nil
	case orchestrator.Params:
		return v, nil
	default:
		return nil, fmt.Errorf("param %s must be a mapping, got %T", ExtraSettingsParam, raw)
	}
}

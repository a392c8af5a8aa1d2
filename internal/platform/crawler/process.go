// Package crawler runs spiders on top of colly. A Process owns one or more
// crawls that share a settings baseline and blocks in Start until all of them
// have finished.
package crawler

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"airscrapy/internal/core/spider"
	"airscrapy/internal/logger"
	"airscrapy/internal/platform/settings"
)

// ErrAlreadyStarted is returned when Start or Crawl is called on a process that has run.
var ErrAlreadyStarted = errors.New("crawler process already started")

type Process struct {
	settings           settings.Settings
	installRootHandler bool
	log                *logger.Logger

	mu      sync.Mutex
	crawls  []*crawl
	started bool
}

// NewProcess creates a runner for s. With installRootHandler the process
// takes over SIGINT/SIGTERM handling and applies LOG_LEVEL globally while it
// runs; embedders that own the process lifecycle pass false.
func NewProcess(s settings.Settings, installRootHandler bool) *Process {
	return &Process{
		settings:           s,
		installRootHandler: installRootHandler,
		log:                logger.New("CrawlerProcess"),
	}
}

// Crawl registers sp. Settings are validated here so configuration mistakes
// surface before any request is made.
func (p *Process) Crawl(sp spider.Spider) error {
	if sp == nil {
		return spider.ErrNilSpider
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}

	effective := p.settings.Copy()
	if cs, ok := sp.(spider.Configurable); ok {
		effective.Update(cs.CustomSettings())
	}
	c, err := newCrawl(sp, effective)
	if err != nil {
		return err
	}
	p.crawls = append(p.crawls, c)
	p.log.LogDebugf("registered spider %s", sp.Name())
	return nil
}

// Start runs every registered crawl and blocks until they all finish.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	crawls := append([]*crawl(nil), p.crawls...)
	p.mu.Unlock()

	if p.installRootHandler {
		if level, _ := p.settings.GetString("LOG_LEVEL"); level != "" {
			if err := logger.SetGlobalLevel(level); err != nil {
				return err
			}
		}
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
	}

	errs := make([]error, len(crawls))
	var wg sync.WaitGroup
	for i, c := range crawls {
		wg.Add(1)
		go func(i int, c *crawl) {
			defer wg.Done()
			errs[i] = c.run(ctx)
		}(i, c)
	}
	wg.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	return joinErrors(failed)
}

// Stats returns a snapshot per registered crawl, in registration order.
func (p *Process) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Stats, 0, len(p.crawls))
	for _, c := range p.crawls {
		out = append(out, c.snapshot())
	}
	return out
}

package spiders

import (
	"strings"
	"sync"

	"github.com/gocolly/colly"

	"airscrapy/internal/core/spider"
	"airscrapy/internal/logger"
	"airscrapy/internal/utils/markdown"
)

// Pages crawls a site and emits every page as markdown. Links are followed
// when they stay on the start hosts and match Patterns.
type Pages struct {
	name       string
	start      []string
	patterns   []string
	includeSub bool
	custom     map[string]any
	log        *logger.Logger
}

type PagesOption func(*Pages)

// WithPatterns limits followed links to paths matching the glob patterns.
func WithPatterns(p ...string) PagesOption { return func(s *Pages) { s.patterns = p } }

func WithSubdomains() PagesOption { return func(s *Pages) { s.includeSub = true } }

// WithSettings sets per-spider settings.
func WithSettings(m map[string]any) PagesOption { return func(s *Pages) { s.custom = m } }

func NewPages(name string, start []string, opts ...PagesOption) *Pages {
	p := &Pages{name: name, start: start, log: logger.New("PagesSpider")}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pages) Name() string                   { return p.name }
func (p *Pages) StartURLs() []string            { return p.start }
func (p *Pages) CustomSettings() map[string]any { return p.custom }

func (p *Pages) Bind(c *colly.Collector, emit spider.EmitFunc) {
	hosts := make([]string, 0, len(p.start))
	for _, u := range p.start {
		hosts = append(hosts, hostOf(u))
	}
	var mu sync.Mutex
	seen := make(map[string]bool)

	c.OnHTML("html", func(e *colly.HTMLElement) {
		content, err := markdown.FromSelection(e.DOM)
		if err != nil {
			p.log.LogWarnf("convert %s: %v", e.Request.URL, err)
			return
		}
		emit(spider.Item{
			"url":      e.Request.URL.String(),
			"title":    strings.TrimSpace(e.DOM.Find("title").First().Text()),
			"markdown": content,
			"depth":    e.Request.Depth,
		})
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := normalize(e.Request.AbsoluteURL(e.Attr("href")))
		if link == "" || !strings.HasPrefix(link, "http") {
			return
		}
		if !p.onSite(hostOf(link), hosts) || !matchesPattern(link, p.patterns) {
			return
		}
		mu.Lock()
		dup := seen[link]
		seen[link] = true
		mu.Unlock()
		if dup {
			return
		}
		if err := e.Request.Visit(link); err != nil {
			p.log.LogDebugf("skip %s: %v", link, err)
		}
	})
}

func (p *Pages) onSite(host string, hosts []string) bool {
	for _, h := range hosts {
		if domainsMatch(host, h, p.includeSub) {
			return true
		}
	}
	return false
}

package spiders

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"

	"airscrapy/internal/core/spider"
)

const quotesStartURL = "https://quotes.toscrape.com/"

// Quotes scrapes quotes.toscrape.com and follows its pagination.
type Quotes struct {
	start string
}

// NewQuotes returns the quotes spider. An empty start URL means the public site.
func NewQuotes(start string) *Quotes {
	if start == "" {
		start = quotesStartURL
	}
	return &Quotes{start: start}
}

func (q *Quotes) Name() string        { return "quotes" }
func (q *Quotes) StartURLs() []string { return []string{q.start} }

// CustomSettings keeps the crawl on the start host.
func (q *Quotes) CustomSettings() map[string]any {
	u, err := url.Parse(q.start)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	return map[string]any{"ALLOWED_DOMAINS": []string{u.Hostname()}}
}

func (q *Quotes) Bind(c *colly.Collector, emit spider.EmitFunc) {
	c.OnHTML("div.quote", func(e *colly.HTMLElement) {
		tags := []string{}
		e.DOM.Find("div.tags a.tag").Each(func(_ int, s *goquery.Selection) {
			tags = append(tags, strings.TrimSpace(s.Text()))
		})
		emit(spider.Item{
			"text":   strings.TrimSpace(e.ChildText("span.text")),
			"author": strings.TrimSpace(e.ChildText("small.author")),
			"tags":   tags,
		})
	})
	c.OnHTML("li.next a[href]", func(e *colly.HTMLElement) {
		_ = e.Request.Visit(e.Attr("href"))
	})
}

package spiders

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"

	"airscrapy/internal/core/spider"
)

// Selectors extracts one item per match of an item selector. Field
// selectors are relative to the item; "sel@attr" reads an attribute and an
// empty selector means the item element itself.
type Selectors struct {
	name   string
	start  []string
	item   string
	fields map[string]string
	follow string
	custom map[string]any
}

func (s *Selectors) Name() string                   { return s.name }
func (s *Selectors) StartURLs() []string            { return s.start }
func (s *Selectors) CustomSettings() map[string]any { return s.custom }

func (s *Selectors) Bind(c *colly.Collector, emit spider.EmitFunc) {
	c.OnHTML(s.item, func(e *colly.HTMLElement) {
		item := spider.Item{}
		for field, sel := range s.fields {
			item[field] = extract(e.DOM, sel)
		}
		emit(item)
	})
	if s.follow != "" {
		c.OnHTML(s.follow, func(e *colly.HTMLElement) {
			if href := e.Attr("href"); href != "" {
				_ = e.Request.Visit(href)
			}
		})
	}
}

func extract(root *goquery.Selection, field string) string {
	sel, attr, hasAttr := strings.Cut(field, "@")
	target := root
	if sel = strings.TrimSpace(sel); sel != "" {
		target = root.Find(sel).First()
	}
	if hasAttr {
		v, _ := target.Attr(strings.TrimSpace(attr))
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(target.Text())
}

// Package spider defines crawl job definitions: what to fetch first and how
// pages turn into items and follow-up requests.
package spider

import (
	"errors"

	"github.com/gocolly/colly"
)

// ErrNilSpider is returned wherever a job definition is required but absent.
var ErrNilSpider = errors.New("spider is nil")

// Item is one scraped record.
type Item map[string]any

// EmitFunc hands a scraped item to the engine's item pipeline.
type EmitFunc func(Item)

// Spider is a crawl job definition. Bind installs the spider's callbacks on
// the collector the engine built for it; the engine visits StartURLs after
// Bind returns.
type Spider interface {
	Name() string
	StartURLs() []string
	Bind(c *colly.Collector, emit EmitFunc)
}

// Configurable spiders carry settings that take precedence over the
// process settings for their own crawl.
type Configurable interface {
	CustomSettings() map[string]any
}

package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly"

	"airscrapy/internal/core/spider"
	"airscrapy/internal/logger"
	"airscrapy/internal/platform/settings"
)

// Finish reasons recorded in Stats.
const (
	ReasonFinished       = "finished"
	ReasonItemCount      = "closespider_itemcount"
	ReasonPageCount      = "closespider_pagecount"
	ReasonErrorCount     = "closespider_errorcount"
	ReasonCancelled      = "cancelled"
	ReasonPipelineFailed = "pipeline_error"
)

// Stats summarizes one spider's crawl.
type Stats struct {
	Spider       string    `json:"spider"`
	StartTime    time.Time `json:"start_time"`
	FinishTime   time.Time `json:"finish_time"`
	FinishReason string    `json:"finish_reason"`
	Requests     int       `json:"requests"`
	Responses    int       `json:"responses"`
	Errors       int       `json:"errors"`
	ItemsScraped int       `json:"items_scraped"`
	ItemsDropped int       `json:"items_dropped"`
}

// options are the settings a crawl reads, parsed once at registration.
type options struct {
	userAgent      string
	obeyRobots     bool
	depthLimit     int
	allowedDomains []string
	concurrency    int
	delay          time.Duration
	randomizeDelay bool
	timeout        time.Duration
	headers        map[string]string
	itemCount      int
	pageCount      int
	errorCount     int
}

func parseOptions(s settings.Settings) (options, error) {
	var (
		o    options
		errs []error
		err  error
	)
	collect := func(e error) {
		if e != nil {
			errs = append(errs, e)
		}
	}
	o.userAgent, err = s.GetString("USER_AGENT")
	collect(err)
	o.obeyRobots, err = s.GetBool("ROBOTSTXT_OBEY")
	collect(err)
	o.depthLimit, err = s.GetInt("DEPTH_LIMIT")
	collect(err)
	o.allowedDomains, err = s.GetStringSlice("ALLOWED_DOMAINS")
	collect(err)
	o.concurrency, err = s.GetInt("CONCURRENT_REQUESTS")
	collect(err)
	o.delay, err = s.GetSeconds("DOWNLOAD_DELAY")
	collect(err)
	o.randomizeDelay, err = s.GetBool("RANDOMIZE_DOWNLOAD_DELAY")
	collect(err)
	o.timeout, err = s.GetSeconds("DOWNLOAD_TIMEOUT")
	collect(err)
	o.headers, err = s.GetStringMap("DEFAULT_REQUEST_HEADERS")
	collect(err)
	o.itemCount, err = s.GetInt("CLOSESPIDER_ITEMCOUNT")
	collect(err)
	o.pageCount, err = s.GetInt("CLOSESPIDER_PAGECOUNT")
	collect(err)
	o.errorCount, err = s.GetInt("CLOSESPIDER_ERRORCOUNT")
	collect(err)

	if len(errs) > 0 {
		return o, errors.Join(errs...)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	return o, nil
}

// crawl runs one spider with its own collector and pipeline chain.
type crawl struct {
	spider spider.Spider
	opts   options
	chain  chain
	feed   *feedExporter
	log    *logger.Logger

	mu      sync.Mutex
	stats   Stats
	closing bool
	failure error
}

func newCrawl(sp spider.Spider, s settings.Settings) (*crawl, error) {
	opts, err := parseOptions(s)
	if err != nil {
		return nil, err
	}
	ch, err := buildChain(s)
	if err != nil {
		return nil, err
	}
	feed, err := newFeedExporter(s)
	if err != nil {
		return nil, err
	}
	if feed != nil {
		ch = append(ch, feed)
	}
	return &crawl{
		spider: sp,
		opts:   opts,
		chain:  ch,
		feed:   feed,
		log:    logger.New("Crawler." + sp.Name()),
		stats:  Stats{Spider: sp.Name()},
	}, nil
}

func (c *crawl) collector() (*colly.Collector, error) {
	opts := []func(*colly.Collector){colly.UserAgent(c.opts.userAgent)}
	if c.opts.depthLimit > 0 {
		// colly counts the start request as depth 1
		opts = append(opts, colly.MaxDepth(c.opts.depthLimit+1))
	}
	if len(c.opts.allowedDomains) > 0 {
		opts = append(opts, colly.AllowedDomains(c.opts.allowedDomains...))
	}
	if c.opts.concurrency > 1 {
		opts = append(opts, colly.Async(true))
	}
	coll := colly.NewCollector(opts...)
	coll.IgnoreRobotsTxt = !c.opts.obeyRobots
	if c.opts.timeout > 0 {
		coll.SetRequestTimeout(c.opts.timeout)
	}

	rule := &colly.LimitRule{DomainGlob: "*", Parallelism: c.opts.concurrency}
	if c.opts.randomizeDelay {
		rule.Delay = c.opts.delay / 2
		rule.RandomDelay = c.opts.delay
	} else {
		rule.Delay = c.opts.delay
	}
	if err := coll.Limit(rule); err != nil {
		return nil, fmt.Errorf("limit rule: %w", err)
	}
	return coll, nil
}

func (c *crawl) run(ctx context.Context) error {
	for _, u := range c.spider.StartURLs() {
		if err := validateStartURL(u); err != nil {
			return err
		}
	}

	coll, err := c.collector()
	if err != nil {
		return err
	}
	if err := c.chain.open(c.spider); err != nil {
		return fmt.Errorf("open pipelines: %w", err)
	}

	c.mu.Lock()
	c.stats.StartTime = time.Now().UTC()
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { c.close(ReasonCancelled) })
	defer stop()

	c.install(ctx, coll)
	c.spider.Bind(coll, c.emit)

	c.log.LogInfof("crawl started: %d start urls, concurrency=%d delay=%v", len(c.spider.StartURLs()), c.opts.concurrency, c.opts.delay)
	for _, u := range c.spider.StartURLs() {
		if err := coll.Visit(u); err != nil {
			c.log.LogWarnf("start url %s: %v", u, err)
		}
	}
	coll.Wait()

	closeErr := c.chain.close()

	c.mu.Lock()
	c.stats.FinishTime = time.Now().UTC()
	if c.stats.FinishReason == "" {
		c.stats.FinishReason = ReasonFinished
		if ctx.Err() != nil {
			c.stats.FinishReason = ReasonCancelled
		}
	}
	c.closing = true
	st := c.stats
	failure := c.failure
	c.mu.Unlock()

	c.log.WithFields(map[string]interface{}{
		"requests":      st.Requests,
		"responses":     st.Responses,
		"errors":        st.Errors,
		"items_scraped": st.ItemsScraped,
		"items_dropped": st.ItemsDropped,
		"reason":        st.FinishReason,
		"elapsed":       st.FinishTime.Sub(st.StartTime).String(),
	}).Msg("crawl finished")
	if c.feed != nil && closeErr == nil {
		c.log.LogInfof("stored feed with %d items at %s", c.feed.count, c.feed)
	}

	var errs []error
	if failure != nil {
		errs = append(errs, failure)
	}
	if closeErr != nil {
		errs = append(errs, fmt.Errorf("close pipelines: %w", closeErr))
	}
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	return joinErrors(errs)
}

// install registers the engine callbacks. They run before the spider's own.
func (c *crawl) install(ctx context.Context, coll *colly.Collector) {
	coll.OnRequest(func(r *colly.Request) {
		c.mu.Lock()
		closing := c.closing
		if !closing {
			c.stats.Requests++
		}
		c.mu.Unlock()
		if closing || ctx.Err() != nil {
			r.Abort()
			return
		}
		for k, v := range c.opts.headers {
			if r.Headers.Get(k) == "" {
				r.Headers.Set(k, v)
			}
		}
	})

	coll.OnResponse(func(r *colly.Response) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stats.Responses++
		if c.opts.pageCount > 0 && c.stats.Responses >= c.opts.pageCount {
			c.closeLocked(ReasonPageCount)
		}
	})

	coll.OnError(func(r *colly.Response, err error) {
		c.log.LogWarnf("request %s failed (status %d): %v", r.Request.URL, r.StatusCode, err)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stats.Errors++
		if c.opts.errorCount > 0 && c.stats.Errors >= c.opts.errorCount {
			c.closeLocked(ReasonErrorCount)
		}
	})
}

// emit pushes an item through the pipeline chain. Items still arrive from
// in-flight responses after the spider starts closing; they are accepted
// until the item limit is reached or a pipeline has failed.
func (c *crawl) emit(item spider.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure != nil || (c.opts.itemCount > 0 && c.stats.ItemsScraped >= c.opts.itemCount) {
		return
	}
	if _, err := c.chain.process(item); err != nil {
		if errors.Is(err, ErrDropItem) {
			c.stats.ItemsDropped++
			c.log.LogDebugf("%v", err)
			return
		}
		c.failure = err
		c.closeLocked(ReasonPipelineFailed)
		return
	}
	c.stats.ItemsScraped++
	if c.opts.itemCount > 0 && c.stats.ItemsScraped >= c.opts.itemCount {
		c.closeLocked(ReasonItemCount)
	}
}

func (c *crawl) close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(reason)
}

func (c *crawl) closeLocked(reason string) {
	if c.closing {
		return
	}
	c.closing = true
	c.stats.FinishReason = reason
	c.log.LogInfof("closing spider (%s)", reason)
}

func (c *crawl) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func validateStartURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid start url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid start url %q: want an absolute http(s) url", raw)
	}
	return nil
}

// joinErrors keeps a lone error as is so callers can compare it directly.
func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Join(errs...)
	}
}

package crawler

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"airscrapy/internal/core/spider"
	"airscrapy/internal/platform/settings"
)

// ErrDropItem is returned by a pipeline to discard an item without failing the crawl.
var ErrDropItem = errors.New("item dropped")

// ItemPipeline processes every item a spider emits. Calls for one crawl are
// serialized, so implementations need no locking of their own.
type ItemPipeline interface {
	Open(sp spider.Spider) error
	Process(item spider.Item) (spider.Item, error)
	Close() error
}

// PipelineFactory builds a pipeline from the effective settings of a crawl.
type PipelineFactory func(s settings.Settings) (ItemPipeline, error)

var (
	pipelinesMu sync.RWMutex
	pipelines   = map[string]PipelineFactory{
		"required_fields": newRequiredFields,
		"dedup":           newDedup,
	}
)

// RegisterPipeline makes a pipeline available to ITEM_PIPELINES under name.
func RegisterPipeline(name string, f PipelineFactory) {
	pipelinesMu.Lock()
	defer pipelinesMu.Unlock()
	pipelines[name] = f
}

// Pipelines lists the registered pipeline names.
func Pipelines() []string {
	pipelinesMu.RLock()
	defer pipelinesMu.RUnlock()
	names := make([]string, 0, len(pipelines))
	for n := range pipelines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type chain []ItemPipeline

func buildChain(s settings.Settings) (chain, error) {
	names, err := s.GetStringSlice("ITEM_PIPELINES")
	if err != nil {
		return nil, err
	}
	pipelinesMu.RLock()
	defer pipelinesMu.RUnlock()

	out := make(chain, 0, len(names)+1)
	for _, n := range names {
		f, ok := pipelines[n]
		if !ok {
			return nil, fmt.Errorf("unknown item pipeline %q", n)
		}
		p, err := f(s)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", n, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (c chain) open(sp spider.Spider) error {
	for i, p := range c {
		if err := p.Open(sp); err != nil {
			// close the ones already opened
			_ = c[:i].close()
			return err
		}
	}
	return nil
}

func (c chain) process(item spider.Item) (spider.Item, error) {
	var err error
	for _, p := range c {
		if item, err = p.Process(item); err != nil {
			return nil, err
		}
	}
	return item, nil
}

func (c chain) close() error {
	var errs []error
	for _, p := range c {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// requiredFields drops items missing any of ITEM_REQUIRED_FIELDS or holding an empty value there.
type requiredFields struct{ fields []string }

func newRequiredFields(s settings.Settings) (ItemPipeline, error) {
	fields, err := s.GetStringSlice("ITEM_REQUIRED_FIELDS")
	if err != nil {
		return nil, err
	}
	return &requiredFields{fields: fields}, nil
}

func (p *requiredFields) Open(spider.Spider) error { return nil }
func (p *requiredFields) Close() error             { return nil }

func (p *requiredFields) Process(item spider.Item) (spider.Item, error) {
	for _, f := range p.fields {
		v, ok := item[f]
		if !ok || v == nil || v == "" {
			return nil, fmt.Errorf("%w: missing field %s", ErrDropItem, f)
		}
	}
	return item, nil
}

// dedup drops items whose DEDUP_FIELD value was already seen in this crawl.
type dedup struct {
	field string
	seen  map[string]struct{}
}

func newDedup(s settings.Settings) (ItemPipeline, error) {
	field, err := s.GetString("DEDUP_FIELD")
	if err != nil {
		return nil, err
	}
	if field == "" {
		return nil, errors.New("DEDUP_FIELD is required")
	}
	return &dedup{field: field}, nil
}

func (p *dedup) Open(spider.Spider) error {
	p.seen = make(map[string]struct{})
	return nil
}

func (p *dedup) Close() error { return nil }

func (p *dedup) Process(item spider.Item) (spider.Item, error) {
	key := fmt.Sprint(item[p.field])
	if _, ok := p.seen[key]; ok {
		return nil, fmt.Errorf("%w: duplicate %s=%s", ErrDropItem, p.field, key)
	}
	p.seen[key] = struct{}{}
	return item, nil
}

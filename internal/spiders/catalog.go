package spiders

import (
	"airscrapy/internal/core/spider"
	"airscrapy/internal/platform/orchestrator"
)

// Entry is a spider with the task options it is registered with.
type Entry struct {
	Spider  spider.Spider
	Options []orchestrator.Option
}

// Catalog returns the built-in spiders followed by those declared in path.
func Catalog(path string) ([]Entry, error) {
	entries := []Entry{{Spider: NewQuotes("")}}

	defs, err := LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		opts, err := d.TaskOptions()
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Spider: d.Spider(), Options: opts})
	}
	return entries, nil
}

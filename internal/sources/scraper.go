package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/bjpl/open-learn-co-sub001/internal/collection"
)

// Selector keys a scraper source must configure.
const (
	selectorItem    = "item"
	selectorTitle   = "title"
	selectorContent = "content"
	selectorURL     = "url" // optional
)

// Scraper is a selector-driven HTML adapter built on colly. One instance
// serves one configured source; the CSS selectors come from its definition,
// so adding an outlet is configuration, not code.
type Scraper struct {
	source    collection.SourceDefinition
	clock     collection.Clock
	userAgent string
	timeout   time.Duration
	base      *colly.Collector
}

// NewScraper validates the selector table and builds a Scraper.
func NewScraper(source collection.SourceDefinition, clock collection.Clock, userAgent string) (*Scraper, error) {
	for _, required := range []string{selectorItem, selectorTitle, selectorContent} {
		if strings.TrimSpace(source.Selectors[required]) == "" {
			return nil, fmt.Errorf("source %q missing selector %q", source.Key, required)
		}
	}
	timeout := source.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Scraper{
		source:    source,
		clock:     clock,
		userAgent: userAgent,
		timeout:   timeout,
		base:      colly.NewCollector(colly.Async(false)),
	}, nil
}

// Fetch visits the listing page and extracts one item per matched element.
func (s *Scraper) Fetch(ctx context.Context) ([]collection.RawItem, error) {
	collector := s.base.Clone()
	if s.userAgent != "" {
		collector.UserAgent = s.userAgent
	}
	collector.SetRequestTimeout(s.timeout)

	var (
		items    []collection.RawItem
		fetchErr error
	)
	now := s.clock.Now()

	collector.OnRequest(func(r *colly.Request) {
		select {
		case <-ctx.Done():
			r.Abort()
			fetchErr = collection.Transient(ctx.Err())
		default:
		}
	})
	collector.OnHTML(s.source.Selectors[selectorItem], func(e *colly.HTMLElement) {
		item := s.extractItem(e.DOM, now)
		items = append(items, item)
	})
	collector.OnError(func(resp *colly.Response, err error) {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		if statusErr := classifyStatus(code); code != 0 && statusErr != nil {
			fetchErr = statusErr
			return
		}
		fetchErr = collection.Transient(fmt.Errorf("visit %s: %w", s.source.Key, err))
	})

	if err := collector.Visit(s.source.Endpoint); err != nil {
		if fetchErr != nil {
			return nil, fetchErr
		}
		return nil, collection.Transient(fmt.Errorf("visit %s: %w", s.source.Key, err))
	}
	collector.Wait()
	if fetchErr != nil {
		return nil, fetchErr
	}
	if len(items) == 0 {
		return nil, collection.Invalid(errors.New("page matched no items; selectors likely stale"))
	}
	return items, nil
}

// TestConnection probes the listing page.
func (s *Scraper) TestConnection(ctx context.Context) bool {
	client := &http.Client{Timeout: s.timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.source.Endpoint, nil)
	if err != nil {
		return false
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close() //nolint:errcheck // probe only
	return resp.StatusCode < http.StatusBadRequest
}

func (s *Scraper) extractItem(sel *goquery.Selection, fetchedAt time.Time) collection.RawItem {
	payload := map[string]any{
		"title":   strings.TrimSpace(sel.Find(s.source.Selectors[selectorTitle]).First().Text()),
		"content": strings.TrimSpace(sel.Find(s.source.Selectors[selectorContent]).Text()),
	}
	if urlSel := s.source.Selectors[selectorURL]; urlSel != "" {
		if href, ok := sel.Find(urlSel).First().Attr("href"); ok {
			payload["url"] = href
		}
	}
	return collection.RawItem{
		SourceKey: s.source.Key,
		FetchedAt: fetchedAt,
		Payload:   payload,
	}
}

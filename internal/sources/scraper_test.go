package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bjpl/open-learn-co-sub001/internal/collection"
)

const listingHTML = `<html><body>
<article class="news-item">
	<h2 class="headline"><a href="/nota/1">Reforma tributaria avanza</a></h2>
	<div class="body">El congreso aprobo en primer debate la reforma.</div>
</article>
<article class="news-item">
	<h2 class="headline"><a href="/nota/2">Inflacion de enero</a></h2>
	<div class="body">El DANE reporto una variacion mensual de 1.5 por ciento.</div>
</article>
</body></html>`

func scraperSource(endpoint string) collection.SourceDefinition {
	return collection.SourceDefinition{
		Key:      "el_tiempo",
		Kind:     collection.SourceKindScraper,
		Endpoint: endpoint,
		Enabled:  true,
		Selectors: map[string]string{
			"item":    "article.news-item",
			"title":   "h2.headline",
			"content": "div.body",
			"url":     "h2.headline a",
		},
	}
}

func TestScraper_FetchExtractsItems(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(listingHTML))
	}))
	defer srv.Close()

	scraper, err := NewScraper(scraperSource(srv.URL), fakeClock{now: time.Unix(1700000000, 0).UTC()}, "open-learn-bot/0.1")
	require.NoError(t, err)

	items, err := scraper.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "Reforma tributaria avanza", items[0].Title())
	require.Contains(t, items[0].Content(), "primer debate")
	require.Equal(t, "/nota/1", items[0].Payload["url"])
	require.NoError(t, collection.ValidateItem(collection.SourceKindScraper, items[0]))
}

func TestScraper_NoMatchesIsValidationError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><p>redesigned site</p></body></html>`))
	}))
	defer srv.Close()

	scraper, err := NewScraper(scraperSource(srv.URL), fakeClock{now: time.Now()}, "")
	require.NoError(t, err)

	_, err = scraper.Fetch(context.Background())
	require.Error(t, err)
	require.Equal(t, collection.ClassValidation, collection.Classify(err))
}

func TestScraper_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	scraper, err := NewScraper(scraperSource(srv.URL), fakeClock{now: time.Now()}, "")
	require.NoError(t, err)

	_, err = scraper.Fetch(context.Background())
	require.Error(t, err)
	require.Equal(t, collection.ClassTransient, collection.Classify(err))
}

func TestNewScraper_RequiresSelectors(t *testing.T) {
	t.Parallel()

	src := scraperSource("http://example.com")
	delete(src.Selectors, "content")
	_, err := NewScraper(src, fakeClock{now: time.Now()}, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "content")
}

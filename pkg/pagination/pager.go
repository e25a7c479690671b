package pagination

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/client"
)

// Prometheus metrics for pagination.
var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_pages_fetched_total",
		Help: "Pages fetched by step",
	}, []string{"step"})

	pageItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanner_page_items_total",
		Help: "Items yielded by paginated fetches, by step",
	}, []string{"step"})
)

// Pager produces a lazy, finite, non-restartable sequence of raw items by
// repeatedly invoking the executor with advancing parameters. Each page is
// fetched only once the previous page's items are consumed.
type Pager struct {
	exec     client.Doer
	creds    client.CredentialSource
	def      client.RequestDefinition
	strategy Strategy
	pageCap  int
	logger   zerolog.Logger

	params  url.Values
	buffer  []json.RawMessage
	pages   int
	items   int
	started bool
	done    bool
}

// NewPager creates a pager for one request definition. pageCap bounds the
// number of pages fetched; 0 means unbounded.
func NewPager(exec client.Doer, creds client.CredentialSource, def client.RequestDefinition, strategy Strategy, pageCap int, logger zerolog.Logger) *Pager {
	// Seed parameters: strategy defaults first, explicit query wins.
	params := url.Values{}
	if seeder, ok := strategy.(initialParamser); ok {
		params = seeder.InitialParams()
	}
	for key, list := range def.Query {
		params[key] = append([]string(nil), list...)
	}

	return &Pager{
		exec:     exec,
		creds:    creds,
		def:      def,
		strategy: strategy,
		pageCap:  pageCap,
		logger:   logger,
		params:   params,
	}
}

// Next returns the next raw item. ok=false signals the end of the sequence.
// Once exhausted or failed the pager stays exhausted; it is not restartable.
func (p *Pager) Next(ctx context.Context) (item json.RawMessage, ok bool, err error) {
	for len(p.buffer) == 0 {
		if p.done {
			return nil, false, nil
		}
		if err := p.fetchPage(ctx); err != nil {
			p.done = true
			return nil, false, err
		}
	}

	item = p.buffer[0]
	p.buffer = p.buffer[1:]
	p.items++
	pageItemsTotal.WithLabelValues(p.def.Step).Inc()
	return item, true, nil
}

// Pages reports how many pages have been fetched so far.
func (p *Pager) Pages() int {
	return p.pages
}

func (p *Pager) fetchPage(ctx context.Context) error {
	if p.pageCap > 0 && p.pages >= p.pageCap {
		p.logger.Warn().
			Str("step", p.def.Step).
			Int("page_cap", p.pageCap).
			Msg("Page cap reached, truncating sequence")
		p.done = true
		return nil
	}

	def := p.def
	def.Query = p.params
	p.started = true

	resp, err := p.exec.Execute(ctx, def, p.creds)
	if err != nil {
		return err
	}

	p.pages++
	pagesFetchedTotal.WithLabelValues(def.Step).Inc()

	items, err := p.strategy.ExtractItems(resp)
	if err != nil {
		return &client.PermanentError{StatusCode: resp.StatusCode, Message: err.Error()}
	}
	p.buffer = items

	advance, err := p.strategy.NextPage(resp, p.params)
	if err != nil {
		return &client.PermanentError{StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if advance == nil {
		p.done = true
	} else {
		if advance.URL != "" {
			p.def.URL = advance.URL
			p.params = url.Values{}
		}
		if advance.Query != nil {
			p.params = advance.Query
		}
	}

	p.logger.Debug().
		Str("step", def.Step).
		Int("page", p.pages).
		Int("items", len(items)).
		Bool("last", p.done).
		Msg("Fetched page")

	if p.done {
		p.logger.Info().
			Str("step", def.Step).
			Int("pages", p.pages).
			Int("items", p.items+len(items)).
			Msg("Paginated fetch complete")
	}

	return nil
}

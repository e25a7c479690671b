// Package pagination provides polymorphic page-advance strategies and a
// lazy, pull-based pager over the request executor. The consumer pulls one
// item at a time; the pager performs I/O only when its buffered page is
// drained, so downstream processing starts before later pages are fetched.
package pagination

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/Mubeen213/saas-risk-scanner-backend/pkg/client"
)

// Advance describes how to reach the next page. Query replaces the request
// query parameters; a non-empty URL replaces the request target entirely
// (link-header style providers return full URLs).
type Advance struct {
	Query url.Values
	URL   string
}

// Strategy is a polymorphic page-advance policy.
type Strategy interface {
	// ExtractItems returns the raw items carried by one page.
	ExtractItems(resp *client.Response) ([]json.RawMessage, error)

	// NextPage computes how to fetch the page after resp, or nil when the
	// sequence is exhausted.
	NextPage(resp *client.Response, current url.Values) (*Advance, error)
}

// initialParamser is implemented by strategies that seed the first request
// with parameters (e.g. a page-size hint).
type initialParamser interface {
	InitialParams() url.Values
}

// PageToken advances through cursor-token pagination: the response carries
// an opaque token under TokenKey which is passed back as TokenParam.
type PageToken struct {
	// ItemsKey is the response field holding the page's items array.
	ItemsKey string

	// TokenKey is the response field holding the next-page token.
	TokenKey string

	// TokenParam is the request parameter carrying the token.
	TokenParam string

	// SizeParam optionally names the page-size request parameter.
	SizeParam string

	// PageSize is sent via SizeParam when set.
	PageSize int
}

func (p PageToken) ExtractItems(resp *client.Response) ([]json.RawMessage, error) {
	return itemsField(resp.Body, p.ItemsKey)
}

func (p PageToken) NextPage(resp *client.Response, current url.Values) (*Advance, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, fmt.Errorf("decode page envelope: %w", err)
	}

	raw, ok := envelope[p.TokenKey]
	if !ok {
		return nil, nil
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil || token == "" {
		return nil, nil
	}

	next := cloneValues(current)
	next.Set(p.TokenParam, token)
	return &Advance{Query: next}, nil
}

func (p PageToken) InitialParams() url.Values {
	params := url.Values{}
	if p.SizeParam != "" && p.PageSize > 0 {
		params.Set(p.SizeParam, strconv.Itoa(p.PageSize))
	}
	return params
}

// OffsetLimit advances through offset/limit pagination. The sequence ends
// when a page returns fewer items than the limit, or when TotalKey reports
// that the offset has passed the total.
type OffsetLimit struct {
	ItemsKey    string
	OffsetParam string
	LimitParam  string
	Limit       int

	// TotalKey optionally names a response field with the total item count.
	TotalKey string
}

func (o OffsetLimit) ExtractItems(resp *client.Response) ([]json.RawMessage, error) {
	return itemsField(resp.Body, o.ItemsKey)
}

func (o OffsetLimit) NextPage(resp *client.Response, current url.Values) (*Advance, error) {
	items, err := o.ExtractItems(resp)
	if err != nil {
		return nil, err
	}

	limit := o.Limit
	if v := current.Get(o.LimitParam); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if len(items) < limit {
		return nil, nil
	}

	offset := 0
	if v := current.Get(o.OffsetParam); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}

	if o.TotalKey != "" {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(resp.Body, &envelope); err == nil {
			if raw, ok := envelope[o.TotalKey]; ok {
				var total int
				if err := json.Unmarshal(raw, &total); err == nil && offset+limit >= total {
					return nil, nil
				}
			}
		}
	}

	next := cloneValues(current)
	next.Set(o.OffsetParam, strconv.Itoa(offset+limit))
	next.Set(o.LimitParam, strconv.Itoa(limit))
	return &Advance{Query: next}, nil
}

func (o OffsetLimit) InitialParams() url.Values {
	params := url.Values{}
	params.Set(o.OffsetParam, "0")
	params.Set(o.LimitParam, strconv.Itoa(o.Limit))
	return params
}

// LinkHeader advances by following the RFC 5988 Link header's rel="next"
// target. The response body is either a bare JSON array, or an object with
// items under ItemsKey when ItemsKey is set.
type LinkHeader struct {
	ItemsKey string
}

func (l LinkHeader) ExtractItems(resp *client.Response) ([]json.RawMessage, error) {
	if l.ItemsKey != "" {
		return itemsField(resp.Body, l.ItemsKey)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(resp.Body, &items); err != nil {
		return nil, fmt.Errorf("decode item array: %w", err)
	}
	return items, nil
}

func (l LinkHeader) NextPage(resp *client.Response, current url.Values) (*Advance, error) {
	next := nextLink(resp.Header.Get("Link"))
	if next == "" {
		return nil, nil
	}
	// The link carries its own query string; do not re-apply ours.
	return &Advance{URL: next}, nil
}

// nextLink extracts the rel="next" target from a Link header value.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		section := strings.Split(part, ";")
		if len(section) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(section[0]), "<>")
		for _, param := range section[1:] {
			param = strings.TrimSpace(param)
			if param == `rel="next"` || param == "rel=next" {
				return target
			}
		}
	}
	return ""
}

// itemsField decodes the named array field from a JSON object body. A
// missing field is an empty page, not an error (providers omit empty lists).
func itemsField(body []byte, key string) ([]json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode page envelope: %w", err)
	}

	raw, ok := envelope[key]
	if !ok {
		return nil, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode items %q: %w", key, err)
	}
	return items, nil
}

func cloneValues(values url.Values) url.Values {
	clone := make(url.Values, len(values))
	for key, list := range values {
		clone[key] = append([]string(nil), list...)
	}
	return clone
}

package literature

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const defaultEutilsURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

// PubMed queries NCBI E-utilities (esearch + esummary, JSON mode).
type PubMed struct {
	baseURL    string
	email      string
	apiKey     string
	minYear    int
	maxResults int
	client     *http.Client
}

// PubMedOption configures a PubMed client.
type PubMedOption func(*PubMed)

// WithBaseURL overrides the E-utilities endpoint.
func WithBaseURL(u string) PubMedOption {
	return func(p *PubMed) {
		if u != "" {
			p.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithCredentials sets the contact email and API key NCBI asks for.
func WithCredentials(email, apiKey string) PubMedOption {
	return func(p *PubMed) {
		p.email = email
		p.apiKey = apiKey
	}
}

// WithMinYear restricts hits to publications from year onward.
func WithMinYear(year int) PubMedOption {
	return func(p *PubMed) { p.minYear = year }
}

// WithMaxResults sets the default hit count.
func WithMaxResults(n int) PubMedOption {
	return func(p *PubMed) {
		if n > 0 {
			p.maxResults = n
		}
	}
}

// WithClient overrides the HTTP client.
func WithClient(c *http.Client) PubMedOption {
	return func(p *PubMed) { p.client = c }
}

// NewPubMed creates a PubMed searcher.
func NewPubMed(opts ...PubMedOption) *PubMed {
	p := &PubMed{
		baseURL:    defaultEutilsURL,
		minYear:    2015,
		maxResults: 5,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Search runs esearch, drops excluded PMIDs, then fetches summaries.
func (p *PubMed) Search(ctx context.Context, q Query) (*Result, error) {
	max := q.MaxResults
	if max <= 0 {
		max = p.maxResults
	}
	if max > 10 {
		max = 10
	}
	exclude := make(map[string]bool, len(q.Exclude))
	for _, id := range q.Exclude {
		if id = strings.TrimSpace(id); id != "" {
			exclude[id] = true
		}
	}
	retmax := max + len(exclude)
	if retmax > 50 {
		retmax = 50
	}

	params := p.params()
	params.Set("term", q.Terms)
	params.Set("retmax", strconv.Itoa(retmax))
	params.Set("sort", "relevance")
	if p.minYear > 0 {
		params.Set("datetype", "pdat")
		params.Set("mindate", strconv.Itoa(p.minYear))
		params.Set("maxdate", "3000")
	}
	body, err := p.get(ctx, "esearch.fcgi", params)
	if err != nil {
		return nil, fmt.Errorf("esearch: %w", err)
	}

	res := &Result{Query: q.Terms, Total: int(gjson.GetBytes(body, "esearchresult.count").Int())}
	var ids []string
	for _, id := range gjson.GetBytes(body, "esearchresult.idlist").Array() {
		if exclude[id.String()] {
			res.Excluded++
			continue
		}
		if len(ids) < max {
			ids = append(ids, id.String())
		}
	}
	if len(ids) == 0 {
		return res, nil
	}

	params = p.params()
	params.Set("id", strings.Join(ids, ","))
	body, err = p.get(ctx, "esummary.fcgi", params)
	if err != nil {
		return nil, fmt.Errorf("esummary: %w", err)
	}

	for _, id := range ids {
		doc := gjson.GetBytes(body, "result."+id)
		if !doc.Exists() {
			continue
		}
		pubdate := doc.Get("pubdate").String()
		year := pubdate
		if len(pubdate) >= 4 {
			year = pubdate[:4]
		}
		author := doc.Get("authors.0.name").String()
		if author == "" {
			author = "Unknown author"
		}
		res.Articles = append(res.Articles, Article{
			PMID:        id,
			Title:       doc.Get("title").String(),
			Journal:     doc.Get("source").String(),
			Year:        year,
			FirstAuthor: author,
		})
	}
	return res, nil
}

func (p *PubMed) params() url.Values {
	v := url.Values{}
	v.Set("db", "pubmed")
	v.Set("retmode", "json")
	if p.email != "" {
		v.Set("email", p.email)
	}
	if p.apiKey != "" {
		v.Set("api_key", p.apiKey)
	}
	return v
}

func (p *PubMed) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON response")
	}
	return body, nil
}

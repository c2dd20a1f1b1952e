package literature

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSearcher struct {
	mu    sync.Mutex
	calls []Query
	err   error
}

func (c *countingSearcher) Search(_ context.Context, q Query) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, q)
	if c.err != nil {
		return nil, c.err
	}
	return &Result{Query: q.Terms, Total: 1, Articles: []Article{{PMID: "1", Title: "T", Year: "2020", FirstAuthor: "Doe J"}}}, nil
}

func TestBudgetIsSharedAcrossGoroutines(t *testing.T) {
	b := NewBudget(2)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Take() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, granted)
	assert.Equal(t, 10, b.Used())

	b.Reset()
	assert.True(t, b.Take())
}

func TestToolStopsAfterBudget(t *testing.T) {
	s := &countingSearcher{}
	tool := NewTool(s, NewBudget(2), nil)

	for i := 0; i < 2; i++ {
		text, res := tool.Run(context.Background(), Query{Terms: "tinea corporis hand pruritus chronic"})
		require.NotNil(t, res)
		assert.Contains(t, text, "PMID: 1")
	}
	text, res := tool.Run(context.Background(), Query{Terms: "anything"})
	assert.Nil(t, res)
	assert.Contains(t, text, "STOP: Maximum of 2")
	require.Len(t, s.calls, 2)
	assert.Equal(t, "tinea corporis hand pruritus", s.calls[0].Terms)
}

func TestToolReportsSearchErrorsAsText(t *testing.T) {
	tool := NewTool(&countingSearcher{err: errors.New("offline")}, NewBudget(1), nil)
	text, res := tool.Run(context.Background(), Query{Terms: "eczema"})
	assert.Nil(t, res)
	assert.Contains(t, text, "offline")
}

func TestPubMedSearchExcludesSeenIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/esearch.fcgi":
			assert.Equal(t, "granuloma annulare", r.URL.Query().Get("term"))
			assert.Equal(t, "2015", r.URL.Query().Get("mindate"))
			_, _ = w.Write([]byte(`{"esearchresult":{"count":"42","idlist":["111","222","333"]}}`))
		case "/esummary.fcgi":
			assert.Equal(t, "222,333", r.URL.Query().Get("id"))
			_, _ = w.Write([]byte(`{"result":{"uids":["222","333"],
				"222":{"title":"Annular lesions","source":"J Derm","pubdate":"2021 Mar","authors":[{"name":"Smith A"}]},
				"333":{"title":"Review","source":"Br J Derm","pubdate":"2019","authors":[]}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewPubMed(WithBaseURL(srv.URL), WithMaxResults(2))
	res, err := p.Search(context.Background(), Query{Terms: "granuloma annulare", Exclude: []string{"111"}})
	require.NoError(t, err)

	assert.Equal(t, 42, res.Total)
	assert.Equal(t, 1, res.Excluded)
	require.Len(t, res.Articles, 2)
	assert.Equal(t, "2021", res.Articles[0].Year)
	assert.Equal(t, "Smith A", res.Articles[0].FirstAuthor)
	assert.Equal(t, "Unknown author", res.Articles[1].FirstAuthor)
	assert.Equal(t, []string{"222", "333"}, res.PMIDs())
}

func TestFormatAllExcluded(t *testing.T) {
	text := Format(&Result{Query: "q", Excluded: 3})
	assert.Contains(t, text, "already retrieved")
}

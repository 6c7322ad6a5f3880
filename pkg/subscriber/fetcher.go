package subscriber

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultFetchTimeout = 10 * time.Second

// NewHTTPFetcher returns a HistoryFetcher over plain HTTP. A nil client gets
// a dedicated client with a bounded request timeout so a hung pull request
// cannot stall the poll cycle indefinitely.
func NewHTTPFetcher(client *http.Client) HistoryFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &httpFetcher{client: client}
}

type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) Fetch(rawURL string) (int, []Event, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused; the controller decides what
		// a non-success status means.
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}

	events := []Event{}
	if err := json.Unmarshal(body, &events); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("malformed history response: %w", err)
	}
	return resp.StatusCode, events, nil
}

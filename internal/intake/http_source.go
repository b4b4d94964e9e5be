package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"job-orchestrator/internal/models"
)

// HTTPSource reads a JSON feed: GET <url>?since=<cursor> answering
// {"items": [...], "next_cursor": "..."}.
type HTTPSource struct {
	name     string
	feedURL  string
	taskType models.TaskType
	client   *http.Client
}

type feedPage struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// NewHTTPSource creates a feed source. Every item is attributed to name,
// whatever source the feed reports, and items without a task type get
// taskType.
func NewHTTPSource(name, feedURL string, taskType models.TaskType, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		name:     name,
		feedURL:  feedURL,
		taskType: taskType,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Fetch(ctx context.Context, cursor string) ([]Item, string, error) {
	u, err := url.Parse(s.feedURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse feed url: %w", err)
	}
	if cursor != "" {
		q := u.Query()
		q.Set("since", cursor)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", models.Errorf(models.KindTransient, "fetch feed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", models.Errorf(models.KindFromHTTPStatus(resp.StatusCode), "feed returned %d", resp.StatusCode)
	}

	var page feedPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", fmt.Errorf("decode feed: %w", err)
	}
	for i := range page.Items {
		if page.Items[i].TaskType == "" {
			page.Items[i].TaskType = s.taskType
		}
		page.Items[i].Source = s.name
	}
	return page.Items, page.NextCursor, nil
}

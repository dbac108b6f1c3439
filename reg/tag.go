package reg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/dierbei/imagesync/internal/reghttp"
	"github.com/dierbei/imagesync/types"
	"github.com/dierbei/imagesync/types/ref"
)

// TagList is the response to a tag listing request.
type TagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

type tagConfig struct {
	last  string
	limit int
}

// TagOpts is used for options to the tag listing.
type TagOpts func(*tagConfig)

// WithTagLast returns tags after the provided tag.
func WithTagLast(last string) TagOpts {
	return func(tc *tagConfig) {
		tc.last = last
	}
}

// WithTagLimit restricts the number of tags returned.
func WithTagLimit(limit int) TagOpts {
	return func(tc *tagConfig) {
		tc.limit = limit
	}
}

// TagList returns a listing of tags from the repository
func (reg *Reg) TagList(ctx context.Context, r ref.Ref, opts ...TagOpts) (*TagList, error) {
	var tc tagConfig
	for _, opt := range opts {
		opt(&tc)
	}

	query := url.Values{}
	if tc.last != "" {
		query.Set("last", tc.last)
	}
	if tc.limit > 0 {
		query.Set("n", strconv.Itoa(tc.limit))
	}
	req := &reghttp.Req{
		Host:       r.Registry,
		Method:     "GET",
		Repository: r.Repository,
		Path:       "tags/list",
		Query:      query,
		Headers: http.Header{
			"Accept": []string{"application/json"},
		},
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags for %s: %w", r.CommonName(), err)
	}
	defer resp.Close()
	respBody, err := io.ReadAll(resp)
	if err != nil {
		reg.log.WithFields(logrus.Fields{
			"err": err,
			"ref": r.CommonName(),
		}).Warn("Failed to read tag list")
		return nil, fmt.Errorf("failed to read tags for %s: %w", r.CommonName(), err)
	}
	tl := TagList{}
	err = json.Unmarshal(respBody, &tl)
	if err != nil {
		reg.log.WithFields(logrus.Fields{
			"err": err,
			"ref": r.CommonName(),
		}).Warn("Failed to unmarshal tag list")
		return nil, fmt.Errorf("failed to unmarshal tag list for %s%.0w", r.CommonName(), types.ErrParsingFailed)
	}

	return &tl, nil
}

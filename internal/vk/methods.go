package vk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// API method names
const (
	MethodGetFeed       = "execute.getNewsfeedCustom"
	MethodSetPostVote   = "newsfeed.setPostVote"
	MethodGetExpertCard = "newsfeed.getExpertCard"
)

// PageSize is the number of items requested per feed page
const PageSize = 50

// FeedID returns the discovery feed identifier for a category
func FeedID(categoryID int) string {
	return fmt.Sprintf("discover_category_full/%d", categoryID)
}

// FetchFeedPage fetches one page of the category feed starting at cursor.
// An empty cursor starts from the top of the feed.
func (c *Client) FetchFeedPage(ctx context.Context, categoryID int, cursor string) (*FeedPage, error) {
	if cursor == "" {
		cursor = "0"
	}

	resp, err := c.Call(ctx, Request{
		Method: MethodGetFeed,
		Params: map[string]string{
			"count":      strconv.Itoa(PageSize),
			"start_from": cursor,
			"extended":   "1",
			"feed_id":    FeedID(categoryID),
		},
	})
	if err != nil {
		return nil, err
	}

	var page FeedPage
	if err := json.Unmarshal(resp.Response, &page); err != nil {
		return nil, &ProtocolError{Op: MethodGetFeed, Detail: "invalid feed page", Err: err}
	}
	return &page, nil
}

// SetPostVote casts newVote ("+1" or "-1") on a post
func (c *Client) SetPostVote(ctx context.Context, ownerID, postID int64, newVote string) error {
	_, err := c.Call(ctx, Request{
		Method: MethodSetPostVote,
		Params: map[string]string{
			"new_vote": newVote,
			"post_id":  strconv.FormatInt(postID, 10),
			"owner_id": strconv.FormatInt(ownerID, 10),
		},
		Secondary: true,
	})
	return err
}

// GetExpertCard fetches the account's expert status. A zero or null payload
// means the account is not an expert and yields NotEligibleError.
func (c *Client) GetExpertCard(ctx context.Context) (*ExpertCard, error) {
	resp, err := c.Call(ctx, Request{Method: MethodGetExpertCard, Secondary: true})
	if err != nil {
		return nil, err
	}
	return parseExpertCard(c.creds.Login, resp.Response)
}

func parseExpertCard(login string, raw json.RawMessage) (*ExpertCard, error) {
	switch string(bytes.TrimSpace(raw)) {
	case "", "0", "null", "false", "{}":
		return nil, &NotEligibleError{Login: login}
	}

	var card ExpertCard
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, &ProtocolError{Op: MethodGetExpertCard, Detail: "invalid expert card", Err: err}
	}
	return &card, nil
}

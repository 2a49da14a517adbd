package vk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Response is the envelope of every API method call
type Response struct {
	Response json.RawMessage `json:"response"`
	Error    *APIError       `json:"error,omitempty"`
}

// FeedItem is one post from the expert discovery feed
type FeedItem struct {
	TrackCode string `json:"track_code"`
	SourceID  Int    `json:"source_id"` // owner of the post, negative for communities
	PostID    Int    `json:"post_id"`
	Rating    Rating `json:"rating"`
}

// Rating is the expert rating descriptor attached to feed items
type Rating struct {
	Rated Flag `json:"rated"`
	Value Int  `json:"value"`
}

// FeedPage is one page of the discovery feed
type FeedPage struct {
	Items    []FeedItem `json:"items"`
	NextFrom Cursor     `json:"next_from"`
}

// ExpertCard is the account status returned by newsfeed.getExpertCard
type ExpertCard struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Points    Int    `json:"points"`
}

// DisplayName returns "First Last"
func (c *ExpertCard) DisplayName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Flag accepts JSON booleans and numbers; any non-zero number is true
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "null", "false", "0", `""`, `"0"`:
		*f = false
		return nil
	case "true":
		*f = true
		return nil
	}
	n, err := strconv.ParseFloat(strings.Trim(string(data), `"`), 64)
	if err != nil {
		return fmt.Errorf("invalid flag %s", data)
	}
	*f = n != 0
	return nil
}

// Int accepts JSON numbers and numeric strings
type Int int64

func (i *Int) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "" || s == "null" {
		*i = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*i = Int(n)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s", data)
	}
	*i = Int(f)
	return nil
}

// Cursor is the opaque next_from token. Empty means end of feed.
type Cursor string

func (c *Cursor) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Cursor(s)
		return nil
	}
	if string(data) == "0" || string(data) == "false" {
		*c = ""
		return nil
	}
	*c = Cursor(data)
	return nil
}

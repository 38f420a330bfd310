package xapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"xscraper/pkg/models"
)

// searchResponse mirrors the slice of the SearchTimeline payload the
// parser walks; everything else is ignored.
type searchResponse struct {
	Data struct {
		SearchByRawQuery struct {
			SearchTimeline struct {
				Timeline struct {
					Instructions []timelineInstruction `json:"instructions"`
				} `json:"timeline"`
			} `json:"search_timeline"`
		} `json:"search_by_raw_query"`
	} `json:"data"`
	Errors []graphqlError `json:"errors"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code      string `json:"code"`
		ErrorType string `json:"errorType"`
	} `json:"extensions"`
}

type timelineInstruction struct {
	Entries []timelineEntry `json:"entries"`
	Entry   *timelineEntry  `json:"entry"`
}

type timelineEntry struct {
	EntryID string `json:"entryId"`
	Content struct {
		Value       string `json:"value"` // cursor entries carry it here
		ItemContent struct {
			TweetResults struct {
				Result *tweetResult `json:"result"`
			} `json:"tweet_results"`
		} `json:"itemContent"`
	} `json:"content"`
}

type tweetResult struct {
	RestID string       `json:"rest_id"`
	Tweet  *tweetResult `json:"tweet"` // visibility wrapper
	Legacy struct {
		IDStr            string `json:"id_str"`
		FullText         string `json:"full_text"`
		CreatedAt        string `json:"created_at"`
		ReplyCount       int    `json:"reply_count"`
		FavoriteCount    int    `json:"favorite_count"`
		RetweetCount     int    `json:"retweet_count"`
		ExtendedEntities struct {
			Media []struct {
				MediaURLHTTPS string `json:"media_url_https"`
			} `json:"media"`
		} `json:"extended_entities"`
	} `json:"legacy"`
	Core struct {
		UserResults struct {
			Result struct {
				Legacy struct {
					ScreenName string `json:"screen_name"`
					Name       string `json:"name"`
				} `json:"legacy"`
			} `json:"result"`
		} `json:"user_results"`
	} `json:"core"`
	NoteTweet struct {
		NoteTweetResults struct {
			Result struct {
				Text string `json:"text"`
			} `json:"result"`
		} `json:"note_tweet_results"`
	} `json:"note_tweet"`
}

// extractTimeline walks the instruction entries and returns the tweets
// plus the bottom cursor for the next page.
func extractTimeline(resp *searchResponse) ([]models.TweetRecord, string) {
	var tweets []models.TweetRecord
	var cursor string

	for _, instruction := range resp.Data.SearchByRawQuery.SearchTimeline.Timeline.Instructions {
		entries := instruction.Entries
		if instruction.Entry != nil {
			entries = append(entries, *instruction.Entry)
		}

		for _, entry := range entries {
			if strings.Contains(entry.EntryID, "cursor-bottom") || strings.HasPrefix(entry.EntryID, "cursor-") {
				if entry.Content.Value != "" {
					cursor = entry.Content.Value
				}
			}
			if !strings.HasPrefix(entry.EntryID, "tweet-") {
				continue
			}

			result := entry.Content.ItemContent.TweetResults.Result
			if result == nil {
				continue
			}
			if result.Tweet != nil {
				result = result.Tweet
			}

			record := buildTweetRecord(entry.EntryID, result)
			if record.TweetID == "" {
				continue
			}
			tweets = append(tweets, record)
		}
	}

	return tweets, cursor
}

func buildTweetRecord(entryID string, result *tweetResult) models.TweetRecord {
	tweetID := result.Legacy.IDStr
	if tweetID == "" {
		tweetID = result.RestID
	}
	if tweetID == "" {
		tweetID = strings.TrimPrefix(entryID, "tweet-")
	}

	text := result.NoteTweet.NoteTweetResults.Result.Text
	if text == "" {
		text = result.Legacy.FullText
	}

	var mediaLinks []string
	for _, media := range result.Legacy.ExtendedEntities.Media {
		if media.MediaURLHTTPS != "" {
			mediaLinks = append(mediaLinks, media.MediaURLHTTPS)
		}
	}

	screenName := result.Core.UserResults.Result.Legacy.ScreenName
	var tweetURL string
	if screenName != "" && tweetID != "" {
		tweetURL = fmt.Sprintf("https://x.com/%s/status/%s", screenName, tweetID)
	}

	return models.TweetRecord{
		TweetID: tweetID,
		User: models.TweetUser{
			ScreenName: screenName,
			Name:       result.Core.UserResults.Result.Legacy.Name,
		},
		Timestamp: result.Legacy.CreatedAt,
		Text:      text,
		Comments:  result.Legacy.ReplyCount,
		Likes:     result.Legacy.FavoriteCount,
		Retweets:  result.Legacy.RetweetCount,
		Media:     models.TweetMedia{ImageLinks: mediaLinks},
		TweetURL:  tweetURL,
	}
}

// mapGraphQLErrors translates an errors array on a 200 response into the
// HTTP status it stands for, or 0 when no error is actionable.
func mapGraphQLErrors(errs []graphqlError) int {
	for _, e := range errs {
		message := strings.ToLower(e.Message)
		code := strings.ToUpper(firstNonEmpty(e.Extensions.Code, e.Extensions.ErrorType))

		switch {
		case strings.Contains(message, "rate limit"),
			strings.Contains(message, "too many requests"),
			code == "RATE_LIMITED", code == "RATE_LIMIT":
			return 429
		case strings.Contains(message, "unauthorized"),
			strings.Contains(message, "authorization"),
			strings.Contains(message, "auth"),
			code == "UNAUTHORIZED", code == "AUTHENTICATION_ERROR":
			return 401
		case strings.Contains(message, "forbidden"),
			strings.Contains(message, "suspended"),
			code == "FORBIDDEN", code == "ACCOUNT_SUSPENDED":
			return 403
		}
	}
	return 0
}

// decodeSearchResponse is split out so tests can feed fixtures directly.
func decodeSearchResponse(body []byte) (*searchResponse, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

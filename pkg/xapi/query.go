package xapi

import (
	"fmt"
	"strings"

	"xscraper/pkg/models"
)

// BuildSearchQuery renders a SearchRequest into the raw search-operator
// string the timeline endpoint expects. The since/until bounds come from
// the task's interval, not from the request, so one request can fan out
// into several queries.
func BuildSearchQuery(req models.SearchRequest, since, until string) string {
	var parts []string

	if q := strings.TrimSpace(req.SearchQuery); q != "" {
		parts = append(parts, q)
	}

	if group := joinTerms(req.AllWords, " AND "); group != "" {
		parts = append(parts, group)
	}
	if group := joinTerms(req.AnyWords, " OR "); group != "" {
		parts = append(parts, group)
	}
	if group := joinTerms(req.ExactPhrases, " AND "); group != "" {
		parts = append(parts, group)
	}
	for _, word := range req.ExcludeWords {
		if term := formatTerm(word); term != "" {
			parts = append(parts, "-"+term)
		}
	}

	if group := joinHashtags(req.HashtagsAny); group != "" {
		parts = append(parts, group)
	}
	for _, tag := range req.HashtagsExclude {
		if t := normalizeHashtag(tag); t != "" {
			parts = append(parts, "-"+t)
		}
	}

	if group := operatorGroup("from", req.FromUsers); group != "" {
		parts = append(parts, group)
	}
	if group := operatorGroup("to", req.ToUsers); group != "" {
		parts = append(parts, group)
	}
	if group := mentionGroup(req.MentioningUsers); group != "" {
		parts = append(parts, group)
	}

	if req.Lang != "" {
		parts = append(parts, "lang:"+req.Lang)
	}

	if req.VerifiedOnly {
		parts = append(parts, "filter:verified")
	}
	if req.HasImages {
		parts = append(parts, "filter:images")
	}
	if req.HasVideos {
		parts = append(parts, "filter:videos")
	}
	if req.HasLinks {
		parts = append(parts, "filter:links")
	}

	if req.MinLikes > 0 {
		parts = append(parts, fmt.Sprintf("min_faves:%d", req.MinLikes))
	}
	if req.MinReplies > 0 {
		parts = append(parts, fmt.Sprintf("min_replies:%d", req.MinReplies))
	}
	if req.MinRetweets > 0 {
		parts = append(parts, fmt.Sprintf("min_retweets:%d", req.MinRetweets))
	}

	if since != "" {
		parts = append(parts, "since:"+timeToken(since))
	}
	if until != "" {
		parts = append(parts, "until:"+timeToken(until))
	}

	switch {
	case req.Geocode != "":
		parts = append(parts, "geocode:"+req.Geocode)
	case req.Near != "":
		parts = append(parts, "near:"+req.Near)
		if req.Within != "" {
			parts = append(parts, "within:"+req.Within)
		}
	case req.Within != "":
		parts = append(parts, "within:"+req.Within)
	}

	return strings.TrimSpace(strings.Join(parts, " "))
}

// formatTerm quotes a term containing whitespace; already-quoted terms
// pass through.
func formatTerm(text string) string {
	value := strings.TrimSpace(text)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
		return value
	}
	if strings.ContainsAny(value, " \t\n") {
		return `"` + value + `"`
	}
	return value
}

func joinTerms(values []string, sep string) string {
	terms := make([]string, 0, len(values))
	for _, value := range values {
		if term := formatTerm(value); term != "" {
			terms = append(terms, term)
		}
	}
	if len(terms) == 0 {
		return ""
	}
	return "(" + strings.Join(terms, sep) + ")"
}

func normalizeHashtag(value string) string {
	text := strings.TrimSpace(value)
	if text == "" {
		return ""
	}
	if strings.HasPrefix(text, "#") || strings.HasPrefix(text, "$") {
		return text
	}
	return "#" + text
}

func joinHashtags(values []string) string {
	tags := make([]string, 0, len(values))
	for _, value := range values {
		if tag := normalizeHashtag(value); tag != "" {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		return ""
	}
	if len(tags) == 1 {
		return tags[0]
	}
	return "(" + strings.Join(tags, " OR ") + ")"
}

func operatorGroup(operator string, handles []string) string {
	items := make([]string, 0, len(handles))
	for _, handle := range handles {
		h := strings.TrimPrefix(strings.TrimSpace(handle), "@")
		if h == "" {
			continue
		}
		items = append(items, operator+":"+h)
	}
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return "(" + strings.Join(items, " OR ") + ")"
}

func mentionGroup(handles []string) string {
	items := make([]string, 0, len(handles))
	for _, handle := range handles {
		h := strings.TrimPrefix(strings.TrimSpace(handle), "@")
		if h == "" {
			continue
		}
		items = append(items, "@"+h)
	}
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return "(" + strings.Join(items, " OR ") + ")"
}

// timeToken strips the trailing _UTC marker from canonical timestamps;
// search operators take bare "2006-01-02_15:04:05" tokens.
func timeToken(ts string) string {
	return strings.TrimSuffix(strings.TrimSpace(ts), "_UTC")
}

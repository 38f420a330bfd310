// Package xapi is the outbound GraphQL client: it renders search
// operators, signs requests with per-account auth material, and parses
// timeline payloads into pages. Failures that never produced a usable
// HTTP response surface as synthetic statuses (598 decode, 599 network)
// so the caller classifies every outcome through one path.
package xapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"xscraper/pkg/config"
	"xscraper/pkg/cooldown"
	"xscraper/pkg/logger"
	"xscraper/pkg/models"
)

const searchTimelineQueryID = "f_A-Gyo204PRxixpkrchJg"

// searchTimelineFeatures is the feature-flag set the SearchTimeline
// operation requires. The endpoint rejects requests missing flags, so
// the full set ships as a constant.
const searchTimelineFeatures = `{"rweb_video_screen_enabled":false,"profile_label_improvements_pcf_label_in_post_enabled":true,"responsive_web_profile_redirect_enabled":false,"rweb_tipjar_consumption_enabled":false,"verified_phone_label_enabled":false,"creator_subscriptions_tweet_preview_api_enabled":true,"responsive_web_graphql_timeline_navigation_enabled":true,"responsive_web_graphql_skip_user_profile_image_extensions_enabled":false,"premium_content_api_read_enabled":false,"communities_web_enable_tweet_community_results_fetch":true,"c9s_tweet_anatomy_moderator_badge_enabled":true,"responsive_web_grok_analyze_button_fetch_trends_enabled":false,"responsive_web_grok_analyze_post_followups_enabled":true,"responsive_web_jetfuel_frame":true,"responsive_web_grok_share_attachment_enabled":true,"responsive_web_grok_annotations_enabled":false,"articles_preview_enabled":true,"responsive_web_edit_tweet_api_enabled":true,"graphql_is_translatable_rweb_tweet_is_translatable_enabled":true,"view_counts_everywhere_api_enabled":true,"longform_notetweets_consumption_enabled":true,"responsive_web_twitter_article_tweet_consumption_enabled":true,"tweet_awards_web_tipping_enabled":false,"responsive_web_grok_show_grok_translated_post":false,"responsive_web_grok_analysis_button_from_backend":true,"post_ctas_fetch_enabled":true,"creator_subscriptions_quote_tweet_preview_enabled":false,"freedom_of_speech_not_reach_fetch_enabled":true,"standardized_nudges_misinfo":true,"tweet_with_visibility_results_prefer_gql_limited_actions_policy_enabled":true,"longform_notetweets_rich_text_read_enabled":true,"longform_notetweets_inline_media_enabled":true,"responsive_web_grok_image_annotation_enabled":true,"responsive_web_grok_imagine_annotation_enabled":true,"responsive_web_grok_community_note_auto_translation_is_enabled":false,"responsive_web_enhance_cards_enabled":false}`

// Client fetches timeline pages for one run. It is bound to the run's
// search request; per-task interval bounds and cursors come from the task.
type Client struct {
	baseURL   string
	bearer    string
	userAgent string
	pageSize  int
	req       models.SearchRequest
	log       logger.Logger

	mu      sync.Mutex
	clients map[string]*http.Client // keyed by proxy URL, "" = direct
	timeout time.Duration
	proxy   string
}

// New creates a client from the API config, bound to the given request.
// For profile runs pass a zero request.
func New(cfg *config.Config, req models.SearchRequest) *Client {
	bearer := cfg.API.BearerToken
	if bearer == "" {
		bearer = DefaultBearerToken
	}
	return &Client{
		baseURL:   strings.TrimSuffix(cfg.API.BaseURL, "/"),
		bearer:    bearer,
		userAgent: cfg.API.UserAgent,
		pageSize:  cfg.API.PageSize,
		req:       req,
		log:       logger.GetLogger(),
		clients:   make(map[string]*http.Client),
		timeout:   cfg.API.Timeout,
		proxy:     cfg.API.Proxy,
	}
}

type graphqlVariables struct {
	RawQuery              string `json:"rawQuery"`
	Count                 int    `json:"count"`
	QuerySource           string `json:"querySource"`
	Product               string `json:"product"`
	WithGrokTranslatedBio bool   `json:"withGrokTranslatedBio"`
	Cursor                string `json:"cursor,omitempty"`
}

// FetchPage implements scheduler.Fetcher. The returned page always has a
// status; an error return means the context ended mid-request.
func (c *Client) FetchPage(ctx context.Context, account *models.Account, task *models.Task, cursor string, pageSize int) (*models.Page, error) {
	material, err := prepareAuth(account, c.bearer)
	if err != nil {
		// Unusable auth material fails the same way a rejected token
		// would, so the account earns the auth cooldown.
		c.log.WarnWithFields("account auth material unusable", map[string]interface{}{
			"account": account.Username,
			"error":   err.Error(),
		})
		return &models.Page{HTTPStatus: http.StatusUnauthorized}, nil
	}

	variables := graphqlVariables{
		RawQuery:              c.rawQuery(task),
		Count:                 clampPageSize(pageSize, c.pageSize),
		QuerySource:           "typed_query",
		Product:               c.product(),
		WithGrokTranslatedBio: false,
		Cursor:                cursor,
	}
	variablesJSON, err := json.Marshal(variables)
	if err != nil {
		return &models.Page{HTTPStatus: cooldown.StatusDecodeFailed}, nil
	}

	endpoint := c.baseURL + "/" + searchTimelineQueryID + "/SearchTimeline"
	query := url.Values{}
	query.Set("variables", string(variablesJSON))
	query.Set("features", searchTimelineFeatures)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return &models.Page{HTTPStatus: cooldown.StatusNetworkFailed}, nil
	}
	c.setHeaders(httpReq, material)

	resp, err := c.httpClientFor(account.Proxy).Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.WarnWithFields("request failed before a response", map[string]interface{}{
			"account": account.Username,
			"error":   err.Error(),
		})
		return &models.Page{HTTPStatus: cooldown.StatusNetworkFailed}, nil
	}
	defer resp.Body.Close()

	headers := lowercaseHeaders(resp.Header)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &models.Page{HTTPStatus: cooldown.StatusNetworkFailed, Headers: headers}, nil
	}

	if resp.StatusCode != http.StatusOK {
		c.log.InfoWithFields("non-200 page response", map[string]interface{}{
			"account": account.Username,
			"status":  resp.StatusCode,
			"snippet": snippet(body),
		})
		return &models.Page{HTTPStatus: resp.StatusCode, Headers: headers}, nil
	}

	parsed, err := decodeSearchResponse(body)
	if err != nil {
		return &models.Page{HTTPStatus: cooldown.StatusDecodeFailed, Headers: headers}, nil
	}

	if mapped := mapGraphQLErrors(parsed.Errors); mapped != 0 {
		return &models.Page{HTTPStatus: mapped, Headers: headers}, nil
	}

	tweets, nextCursor := extractTimeline(parsed)
	return &models.Page{
		Items:       tweets,
		NextCursor:  nextCursor,
		ResultCount: len(tweets),
		HTTPStatus:  http.StatusOK,
		Headers:     headers,
	}, nil
}

// rawQuery renders the task's query: profile tasks collect via a from:
// operator, search tasks use the bound request over the task's interval.
func (c *Client) rawQuery(task *models.Task) string {
	if task.Kind == "profile" {
		return "from:" + strings.TrimPrefix(task.Handle, "@")
	}
	return BuildSearchQuery(c.req, task.Since, task.Until)
}

func (c *Client) product() string {
	switch strings.ToLower(strings.TrimSpace(c.req.DisplayType)) {
	case "", "latest", "recent":
		return "Latest"
	default:
		return "Top"
	}
}

func (c *Client) setHeaders(req *http.Request, material *authMaterial) {
	req.Header.Set("Authorization", "Bearer "+material.bearer)
	req.Header.Set("X-Csrf-Token", material.csrfToken)
	req.Header.Set("X-Twitter-Auth-Type", "OAuth2Session")
	req.Header.Set("X-Twitter-Active-User", "yes")
	req.Header.Set("X-Twitter-Client-Language", "en")
	req.Header.Set("Referer", "https://x.com/")
	req.Header.Set("Cookie", material.cookieHeader())
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// httpClientFor returns a client routed through the account's proxy,
// falling back to the configured global proxy, then direct. Clients are
// cached per proxy so connections get reused across pages.
func (c *Client) httpClientFor(accountProxy string) *http.Client {
	proxy := strings.TrimSpace(accountProxy)
	if proxy == "" {
		proxy = strings.TrimSpace(c.proxy)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[proxy]; ok {
		return client
	}

	client := &http.Client{Timeout: c.timeout}
	if proxy != "" {
		if !strings.Contains(proxy, "://") {
			proxy = "http://" + proxy
		}
		if proxyURL, err := url.Parse(proxy); err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		} else {
			c.log.WarnWithFields("invalid proxy, using direct connection", map[string]interface{}{
				"proxy": proxy,
			})
		}
	}
	c.clients[proxy] = client
	return client
}

func clampPageSize(hinted, configured int) int {
	size := configured
	if hinted > 0 {
		size = hinted
	}
	if size < 1 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return size
}

func lowercaseHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[strings.ToLower(name)] = values[0]
		}
	}
	return out
}

func snippet(body []byte) string {
	const max = 160
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}

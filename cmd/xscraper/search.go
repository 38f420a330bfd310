package main

import (
	"github.com/spf13/cobra"

	"xscraper/pkg/logger"
	"xscraper/pkg/models"
	"xscraper/pkg/xapi"
)

var (
	// Search command flags
	searchSince        string
	searchUntil        string
	searchQuery        string
	searchAllWords     []string
	searchAnyWords     []string
	searchPhrases      []string
	searchExclude      []string
	searchHashtags     []string
	searchNoHashtags   []string
	searchFrom         []string
	searchTo           []string
	searchMentioning   []string
	searchLang         string
	searchMinLikes     int
	searchMinReplies   int
	searchMinRetweets  int
	searchVerifiedOnly bool
	searchHasImages    bool
	searchHasVideos    bool
	searchHasLinks     bool
	searchNear         string
	searchWithin       string
	searchGeocode      string
	searchDisplay      string
	searchLimit        int
	searchResume       bool
	searchCursor       string
	searchOutputName   string
	searchOutputDir    string
	searchFormat       string
	searchConcurrency  int
	searchSplits       int
	searchStrict       bool
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Collect tweets matching a query over a date window",
	Long: `Collect tweets matching a query between --since and --until.

The window is split into sub-intervals that run concurrently, each on
its own leased account. Every page of results is written to the output
file as it arrives and checkpointed, so a run interrupted by Ctrl-C or
a crash can be continued with --resume.`,
	Example: `  # Everything mentioning golang over three days
  xscraper search --since 2024-01-01 --until 2024-01-04 --all-words golang

  # Popular tweets from one author, JSON lines output
  xscraper search --since 2024-06-01 --from nasa --min-likes 100 --format jsonl

  # Continue an interrupted run
  xscraper search --since 2024-01-01 --until 2024-01-04 --all-words golang --resume`,
	Args: cobra.NoArgs,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().StringVar(&searchSince, "since", "", "start of the window, YYYY-MM-DD or RFC3339 (required)")
	searchCmd.Flags().StringVar(&searchUntil, "until", "", "end of the window (default: now)")
	searchCmd.Flags().StringVarP(&searchQuery, "query", "q", "", "freeform query passed through verbatim")
	searchCmd.Flags().StringSliceVar(&searchAllWords, "all-words", nil, "words that must all appear")
	searchCmd.Flags().StringSliceVar(&searchAnyWords, "any-words", nil, "words of which at least one must appear")
	searchCmd.Flags().StringSliceVar(&searchPhrases, "exact-phrase", nil, "exact phrases to match")
	searchCmd.Flags().StringSliceVar(&searchExclude, "exclude-words", nil, "words that must not appear")
	searchCmd.Flags().StringSliceVar(&searchHashtags, "hashtags", nil, "hashtags of which at least one must appear")
	searchCmd.Flags().StringSliceVar(&searchNoHashtags, "exclude-hashtags", nil, "hashtags that must not appear")
	searchCmd.Flags().StringSliceVar(&searchFrom, "from", nil, "restrict to tweets from these users")
	searchCmd.Flags().StringSliceVar(&searchTo, "to", nil, "restrict to replies to these users")
	searchCmd.Flags().StringSliceVar(&searchMentioning, "mentioning", nil, "restrict to tweets mentioning these users")
	searchCmd.Flags().StringVar(&searchLang, "lang", "", "restrict to a language code")
	searchCmd.Flags().IntVar(&searchMinLikes, "min-likes", 0, "minimum like count")
	searchCmd.Flags().IntVar(&searchMinReplies, "min-replies", 0, "minimum reply count")
	searchCmd.Flags().IntVar(&searchMinRetweets, "min-retweets", 0, "minimum retweet count")
	searchCmd.Flags().BoolVar(&searchVerifiedOnly, "verified", false, "verified authors only")
	searchCmd.Flags().BoolVar(&searchHasImages, "images", false, "tweets with images only")
	searchCmd.Flags().BoolVar(&searchHasVideos, "videos", false, "tweets with videos only")
	searchCmd.Flags().BoolVar(&searchHasLinks, "links", false, "tweets with links only")
	searchCmd.Flags().StringVar(&searchNear, "near", "", "near a place name")
	searchCmd.Flags().StringVar(&searchWithin, "within", "", "radius for --near, e.g. 15km")
	searchCmd.Flags().StringVar(&searchGeocode, "geocode", "", "lat,long,radius (overrides --near)")
	searchCmd.Flags().StringVar(&searchDisplay, "display", "Latest", "result ordering: Latest or Top")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "stop after this many tweets across all tasks (0 = unlimited)")
	searchCmd.Flags().BoolVar(&searchResume, "resume", false, "resume from saved checkpoints for this query")
	searchCmd.Flags().StringVar(&searchCursor, "cursor", "", "explicit initial pagination cursor (overrides checkpoint)")
	searchCmd.Flags().StringVar(&searchOutputName, "output-name", "", "output file base name (default: timestamped)")
	searchCmd.Flags().StringVarP(&searchOutputDir, "output", "o", "", "output directory")
	searchCmd.Flags().StringVar(&searchFormat, "format", "", "output format: csv or jsonl")
	searchCmd.Flags().IntVar(&searchConcurrency, "concurrency", 0, "worker count")
	searchCmd.Flags().IntVar(&searchSplits, "splits", 0, "number of sub-intervals to split the window into")
	searchCmd.Flags().BoolVar(&searchStrict, "strict", false, "exit non-zero when the run makes no progress")

	_ = searchCmd.MarkFlagRequired("since")
}

func runSearch(cmd *cobra.Command, args []string) error {
	flags := make(map[string]interface{})
	if searchOutputDir != "" {
		flags["output"] = searchOutputDir
	}
	if searchFormat != "" {
		flags["format"] = searchFormat
	}
	if searchConcurrency > 0 {
		flags["concurrency"] = searchConcurrency
	}
	if searchSplits > 0 {
		flags["splits"] = searchSplits
	}
	if searchStrict {
		flags["strict"] = true
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	req := models.SearchRequest{
		Since:           searchSince,
		Until:           searchUntil,
		SearchQuery:     searchQuery,
		AllWords:        searchAllWords,
		AnyWords:        searchAnyWords,
		ExactPhrases:    searchPhrases,
		ExcludeWords:    searchExclude,
		HashtagsAny:     searchHashtags,
		HashtagsExclude: searchNoHashtags,
		FromUsers:       searchFrom,
		ToUsers:         searchTo,
		MentioningUsers: searchMentioning,
		Lang:            searchLang,
		MinLikes:        searchMinLikes,
		MinReplies:      searchMinReplies,
		MinRetweets:     searchMinRetweets,
		VerifiedOnly:    searchVerifiedOnly,
		HasImages:       searchHasImages,
		HasVideos:       searchHasVideos,
		HasLinks:        searchHasLinks,
		Near:            searchNear,
		Within:          searchWithin,
		Geocode:         searchGeocode,
		DisplayType:     searchDisplay,
		Limit:           searchLimit,
		Resume:          searchResume,
		InitialCursor:   searchCursor,
		OutputName:      searchOutputName,
	}

	parts, err := buildRuntime(cfg, req.OutputName)
	if err != nil {
		return err
	}
	defer parts.close()

	ctx, cancel := signalContext()
	defer cancel()

	sched := newSchedulerFor(cfg, parts, xapi.New(cfg, req))
	stats, err := sched.RunSearch(ctx, req)
	printRunSummary(stats, parts.writer.Path())
	if err != nil {
		logger.WithError(err).Error("search run failed")
		return err
	}
	return nil
}

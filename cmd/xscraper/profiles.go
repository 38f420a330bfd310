package main

import (
	"github.com/spf13/cobra"

	"xscraper/pkg/logger"
	"xscraper/pkg/models"
	"xscraper/pkg/xapi"
)

var (
	profilesLimit      int
	profilesResume     bool
	profilesOutputName string
	profilesOutputDir  string
	profilesFormat     string
)

var profilesCmd = &cobra.Command{
	Use:   "profiles <handle> [handle...]",
	Short: "Collect recent tweets from a list of profiles",
	Long: `Collect tweets authored by each given handle, one task per
handle. Tasks run concurrently across the account pool and checkpoint
per profile, so interrupted collections resume per handle.`,
	Example: `  xscraper profiles nasa spacex --limit 500

  # Pick up where an interrupted run stopped
  xscraper profiles nasa spacex --resume`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProfiles,
}

func init() {
	rootCmd.AddCommand(profilesCmd)

	profilesCmd.Flags().IntVar(&profilesLimit, "limit", 0, "stop after this many tweets across all profiles (0 = unlimited)")
	profilesCmd.Flags().BoolVar(&profilesResume, "resume", false, "resume from saved per-profile checkpoints")
	profilesCmd.Flags().StringVar(&profilesOutputName, "output-name", "", "output file base name (default: timestamped)")
	profilesCmd.Flags().StringVarP(&profilesOutputDir, "output", "o", "", "output directory")
	profilesCmd.Flags().StringVar(&profilesFormat, "format", "", "output format: csv or jsonl")
}

func runProfiles(cmd *cobra.Command, args []string) error {
	flags := make(map[string]interface{})
	if profilesOutputDir != "" {
		flags["output"] = profilesOutputDir
	}
	if profilesFormat != "" {
		flags["format"] = profilesFormat
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	req := models.ProfileRequest{
		Handles: args,
		Limit:   profilesLimit,
		Resume:  profilesResume,
	}

	parts, err := buildRuntime(cfg, profilesOutputName)
	if err != nil {
		return err
	}
	defer parts.close()

	ctx, cancel := signalContext()
	defer cancel()

	sched := newSchedulerFor(cfg, parts, xapi.New(cfg, models.SearchRequest{DisplayType: "Latest"}))
	stats, err := sched.RunProfiles(ctx, req)
	printRunSummary(stats, parts.writer.Path())
	if err != nil {
		logger.WithError(err).Error("profiles run failed")
		return err
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"xscraper/pkg/auth"
	"xscraper/pkg/config"
	"xscraper/pkg/logger"
	"xscraper/pkg/models"
	"xscraper/pkg/storage"
)

var (
	importAccountsFile string
	importCookiesFile  string
	importEnvFile      string
	importEncrypted    bool
	importVaultPath    string
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the account pool",
	Long: `Inspect and maintain the pool of accounts used for collection.

Accounts enter the pool through 'accounts import' and are leased to
running tasks automatically. The remaining subcommands are operator
tools for when an account gets stuck: releasing a dangling lease,
clearing cooldowns, resetting daily counters, or retiring an account.`,
}

var accountsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import accounts from a credentials file, cookies JSON, or .env",
	Long: `Import accounts into the pool.

Sources, in the order tried: --file (user:pass lines, optionally with
email, TOTP secret, auth token and a tab-separated proxy), --cookies
(exported cookie JSON in any of the common shapes), --env (a dotenv
file describing a single account). Unset flags fall back to the paths
in the accounts section of the config file.

Accounts that arrive without both an auth token and a csrf cookie are
stored as needs_bootstrap and skipped by the scheduler until their
cookies are supplied by a later import.`,
	Example: `  xscraper accounts import --file accounts.txt
  xscraper accounts import --cookies cookies.json --encrypted`,
	Args: cobra.NoArgs,
	RunE: runAccountsImport,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts and their health",
	Args:  cobra.NoArgs,
	RunE:  runAccountsList,
}

var accountsReleaseLeaseCmd = &cobra.Command{
	Use:   "release-lease <username>",
	Short: "Force-release a dangling lease",
	Long: `Clear the lease held on an account. Normally leases expire on
their own; this is for when a crashed worker left one behind and you do
not want to wait out the TTL.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountsReleaseLease,
}

var accountsResetCooldownsCmd = &cobra.Command{
	Use:   "reset-cooldowns [username...]",
	Short: "Clear cooldowns, for all accounts or just the named ones",
	Args:  cobra.ArbitraryArgs,
	RunE:  runAccountsResetCooldowns,
}

var accountsResetCountersCmd = &cobra.Command{
	Use:   "reset-counters",
	Short: "Zero the daily request/item counters for all accounts",
	Args:  cobra.NoArgs,
	RunE:  runAccountsResetCounters,
}

var accountsMarkCmd = &cobra.Command{
	Use:   "mark <username> <usable|unusable|needs_bootstrap>",
	Short: "Set an account's status",
	Args:  cobra.ExactArgs(2),
	RunE:  runAccountsMark,
}

var accountsDiagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Explain why accounts are not eligible for work",
	Args:  cobra.NoArgs,
	RunE:  runAccountsDiagnose,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsImportCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsReleaseLeaseCmd)
	accountsCmd.AddCommand(accountsResetCooldownsCmd)
	accountsCmd.AddCommand(accountsResetCountersCmd)
	accountsCmd.AddCommand(accountsMarkCmd)
	accountsCmd.AddCommand(accountsDiagnoseCmd)

	accountsImportCmd.Flags().StringVar(&importAccountsFile, "file", "", "accounts file (user:pass lines)")
	accountsImportCmd.Flags().StringVar(&importCookiesFile, "cookies", "", "cookies JSON file")
	accountsImportCmd.Flags().StringVar(&importEnvFile, "env", "", "dotenv file describing one account")
	accountsImportCmd.Flags().BoolVar(&importEncrypted, "encrypted", false, "also mirror imported credentials into the encrypted vault")
	accountsImportCmd.Flags().StringVar(&importVaultPath, "vault", "", "vault file path (default: $HOME/.xscraper/credentials.enc)")
}

func openStore(cfg *config.Config) (*storage.Store, error) {
	return storage.Open(cfg.Storage.DBPath)
}

func runAccountsImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	accountsFile := firstNonEmptyString(importAccountsFile, cfg.Accounts.File)
	cookiesFile := firstNonEmptyString(importCookiesFile, cfg.Accounts.CookiesFile)
	envFile := firstNonEmptyString(importEnvFile, cfg.Accounts.EnvFile)

	var accounts []models.Account
	if accountsFile != "" {
		if loaded, err := auth.LoadAccountsFile(accountsFile); err == nil {
			accounts = append(accounts, loaded...)
		} else if importAccountsFile != "" {
			// Only fail on a path the operator asked for explicitly; the
			// configured default may simply not exist yet.
			return err
		}
	}
	if cookiesFile != "" {
		loaded, err := auth.LoadCookiesFile(cookiesFile)
		if err != nil {
			if importCookiesFile != "" {
				return err
			}
		} else {
			accounts = append(accounts, loaded...)
		}
	}
	if envFile != "" {
		loaded, err := auth.LoadEnvAccount(envFile)
		if err != nil {
			if importEnvFile != "" {
				return err
			}
		} else {
			accounts = append(accounts, loaded...)
		}
	}

	if len(accounts) == 0 {
		return fmt.Errorf("no accounts found: give --file, --cookies, or --env, or configure the accounts section")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.UpsertAccounts(ctx, accounts); err != nil {
		return err
	}

	usable := 0
	for _, account := range accounts {
		if account.Status == models.StatusUsable {
			usable++
		}
	}
	logger.WithFields(map[string]interface{}{
		"imported": len(accounts),
		"usable":   usable,
	}).Info("accounts imported")
	fmt.Printf("Imported %d accounts (%d usable, %d awaiting cookies)\n",
		len(accounts), usable, len(accounts)-usable)

	if importEncrypted || cfg.Accounts.Encrypted {
		if err := mirrorToVault(accounts); err != nil {
			return err
		}
		fmt.Println("Credentials mirrored to encrypted vault")
	}
	return nil
}

func mirrorToVault(accounts []models.Account) error {
	passphrase, err := auth.ResolvePassphrase()
	if err != nil {
		return err
	}
	path := importVaultPath
	if path == "" {
		path = filepath.Join(os.Getenv("HOME"), ".xscraper", "credentials.enc")
	}
	vault, err := auth.OpenVault(path, passphrase)
	if err != nil {
		return err
	}
	return vault.Store(accounts...)
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	accounts, err := store.ListAccounts(context.Background())
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts in the pool. Run 'xscraper accounts import' first.")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tSTATUS\tAVAILABLE\tLEASED\tTODAY\tLAST ERROR")
	for _, account := range accounts {
		available := "now"
		if account.AvailableAt.After(now) {
			available = "in " + account.AvailableAt.Sub(now).Round(time.Second).String()
			if account.CooldownReason != "" {
				available += " (" + account.CooldownReason + ")"
			}
		}
		leased := "-"
		if account.Leased(now) {
			leased = "until " + account.LeaseExpiresAt.Format("15:04:05")
		}
		lastError := "-"
		if account.LastErrorCode != 0 {
			lastError = fmt.Sprintf("%d", account.LastErrorCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dr/%di\t%s\n",
			account.Username, account.Status, available, leased,
			account.RequestsToday, account.ItemsToday, lastError)
	}
	return w.Flush()
}

func runAccountsReleaseLease(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ForceReleaseLease(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Lease released for %s\n", args[0])
	return nil
}

func runAccountsResetCooldowns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.ResetCooldowns(context.Background(), args)
	if err != nil {
		return err
	}
	fmt.Printf("Cooldowns cleared on %d accounts\n", n)
	return nil
}

func runAccountsResetCounters(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.ResetDailyCounters(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Daily counters reset on %d accounts\n", n)
	return nil
}

func runAccountsMark(cmd *cobra.Command, args []string) error {
	status := models.AccountStatus(strings.ToLower(args[1]))
	switch status {
	case models.StatusUsable, models.StatusUnusable, models.StatusNeedsBootstrap:
	default:
		return fmt.Errorf("unknown status %q: use usable, unusable, or needs_bootstrap", args[1])
	}

	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetStatus(context.Background(), args[0], status); err != nil {
		return err
	}
	fmt.Printf("%s marked %s\n", args[0], status)
	return nil
}

func runAccountsDiagnose(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	limits := storage.DailyLimits{Requests: cfg.Limits.DailyRequests, Items: cfg.Limits.DailyItems}
	diagnoses, err := store.Diagnose(context.Background(), limits)
	if err != nil {
		return err
	}

	eligible := 0
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tELIGIBLE\tREASONS")
	for _, d := range diagnoses {
		if len(d.Reasons) == 0 {
			eligible++
			fmt.Fprintf(w, "%s\tyes\t-\n", d.Account.Username)
			continue
		}
		fmt.Fprintf(w, "%s\tno\t%s\n", d.Account.Username, strings.Join(d.Reasons, "; "))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d of %d accounts eligible\n", eligible, len(diagnoses))
	return nil
}

func firstNonEmptyString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tgsearch/internal/app"
	"tgsearch/internal/config"
	"tgsearch/internal/configstore"
	"tgsearch/internal/model"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "AcceptDialogs", "Search").
func newApp(ctx context.Context, operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if defaults.APIOnly {
		cfg.Runtime.APIOnly = true
	}

	passphrase, err := secretsPassphrase(cfg.Secrets)
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg, operation, app.Options{Passphrase: passphrase})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// secretsPassphrase returns the passphrase for a protected identity, from
// TGSEARCH_SECRETS_PASSPHRASE or an interactive prompt.
func secretsPassphrase(cfg config.SecretsConfig) (string, error) {
	if !cfg.Protected {
		return "", nil
	}
	if p := os.Getenv("TGSEARCH_SECRETS_PASSPHRASE"); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("secrets identity is protected: set TGSEARCH_SECRETS_PASSPHRASE")
	}
	fmt.Fprint(os.Stderr, "Secrets passphrase: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// finish closes a and reports the first error.
func finish(a *app.App, err error) error {
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid dialog id %q", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func formatIDs(ids []int64) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return &t, nil
}

var rootCmd = &cobra.Command{
	Use:          "tgsearch",
	Short:        "Telegram message search",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := defaults.NewConfig()
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Base Dir:   %s\n", defaults.BaseDir)
		fmt.Printf("Export Dir: %s\n", defaults.ExportDir)
		fmt.Printf("Data Dir:   %s\n", defaults.DataDir)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "View runtime configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ShowConfig")
		if err != nil {
			return err
		}

		cfg, err := a.Config(cmd.Context())
		if err != nil {
			return finish(a, err)
		}

		fmt.Printf("Version:    %d (updated %s)\n", cfg.Version, cfg.UpdatedAt.Format(time.RFC3339))
		fmt.Printf("Policy:     white=[%s] black=[%s]\n", formatIDs(cfg.Policy.WhiteList), formatIDs(cfg.Policy.BlackList))
		fmt.Printf("Sync:       %d dialog(s), available cache ttl %ds\n", len(cfg.Sync.Dialogs), cfg.Sync.AvailableCacheTTLSec)
		fmt.Printf("Storage:    auto clean %t, retention %d day(s)\n", cfg.Storage.AutoCleanEnabled, cfg.Storage.MediaRetentionDays)
		apiKey := "(unset)"
		if cfg.AI.APIKey != "" {
			apiKey = "(set)"
		}
		fmt.Printf("AI:         %s %s model=%s api_key=%s\n", cfg.AI.Provider, cfg.AI.BaseURL, cfg.AI.Model, apiKey)
		fmt.Printf("Snapshots:  %s\n", a.SnapshotSink().Describe())
		return finish(a, nil)
	},
}

var configSetSectionCmd = &cobra.Command{
	Use:       "set-section SECTION",
	Short:     "Update one section of the runtime configuration",
	Long:      "Update one section (sync, storage or ai). Only flags given on the command line are changed.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{configstore.SectionSync, configstore.SectionStorage, configstore.SectionAI},
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := sectionPatch(cmd, args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "SetSection")
		if err != nil {
			return err
		}

		cfg, err := a.UpdateSection(cmd.Context(), patch)
		if err != nil {
			return finish(a, err)
		}
		fmt.Printf("Updated %s section (version %d)\n", args[0], cfg.Version)
		return finish(a, nil)
	},
}

// sectionPatch builds a patch from the flags that were set.
func sectionPatch(cmd *cobra.Command, section string) (configstore.SectionPatch, error) {
	flags := cmd.Flags()
	switch section {
	case configstore.SectionSync:
		var p configstore.SyncPatch
		if flags.Changed("available-cache-ttl") {
			v, _ := flags.GetInt("available-cache-ttl")
			p.AvailableCacheTTLSec = &v
		}
		return p, nil
	case configstore.SectionStorage:
		var p configstore.StoragePatch
		if flags.Changed("auto-clean") {
			v, _ := flags.GetBool("auto-clean")
			p.AutoCleanEnabled = &v
		}
		if flags.Changed("retention-days") {
			v, _ := flags.GetInt("retention-days")
			p.MediaRetentionDays = &v
		}
		return p, nil
	case configstore.SectionAI:
		var p configstore.AIPatch
		for name, dst := range map[string]**string{
			"provider": &p.Provider,
			"base-url": &p.BaseURL,
			"model":    &p.Model,
			"api-key":  &p.APIKey,
		} {
			if flags.Changed(name) {
				v, _ := flags.GetString(name)
				*dst = &v
			}
		}
		return p, nil
	case configstore.SectionPolicy:
		return nil, fmt.Errorf("use the policy command to change the policy section")
	default:
		return nil, fmt.Errorf("unknown section %q", section)
	}
}

var configSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Store a copy of the config database",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Snapshot")
		if err != nil {
			return err
		}

		name, err := a.Snapshot(cmd.Context())
		if err != nil {
			return finish(a, err)
		}
		fmt.Printf("Snapshot %s stored in %s\n", name, a.SnapshotSink().Describe())
		return finish(a, nil)
	},
}

// dialog command
var dialogCmd = &cobra.Command{
	Use:   "dialog",
	Short: "Manage synced dialogs",
}

var dialogAddCmd = &cobra.Command{
	Use:   "add ID...",
	Short: "Add dialogs to the sync list",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		paused, _ := cmd.Flags().GetBool("paused")
		since, _ := cmd.Flags().GetString("since")
		dateFrom, err := parseDate(since)
		if err != nil {
			return err
		}
		state := model.SyncStateActive
		if paused {
			state = model.SyncStatePaused
		}

		a, err := newApp(cmd.Context(), "AcceptDialogs")
		if err != nil {
			return err
		}

		res, err := a.AcceptDialogs(cmd.Context(), ids, state, dateFrom)
		if err != nil {
			return finish(a, err)
		}
		fmt.Printf("Accepted:  %s\n", formatIDs(res.Accepted))
		fmt.Printf("Ignored:   %s\n", formatIDs(res.Ignored))
		fmt.Printf("Not found: %s\n", formatIDs(res.NotFound))
		return finish(a, nil)
	},
}

func dialogStateCmd(use, short string, state model.SyncState) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid dialog id %q", args[0])
			}

			a, err := newApp(cmd.Context(), "SetDialogState")
			if err != nil {
				return err
			}

			if _, err := a.SetDialogState(cmd.Context(), id, state); err != nil {
				return finish(a, err)
			}
			fmt.Printf("Dialog %d is %s\n", id, state)
			return finish(a, nil)
		},
	}
}

var dialogRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a dialog from the sync list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid dialog id %q", args[0])
		}
		purge, _ := cmd.Flags().GetBool("purge")

		a, err := newApp(cmd.Context(), "RemoveDialog")
		if err != nil {
			return err
		}

		res, err := a.RemoveDialog(cmd.Context(), id, purge)
		if err != nil {
			return finish(a, err)
		}
		fmt.Printf("Removed dialog %d\n", id)
		switch {
		case res.Purged:
			fmt.Println("Indexed messages purged")
		case res.PurgeError != "":
			fmt.Printf("Purging indexed messages failed: %s\n", res.PurgeError)
		}
		return finish(a, nil)
	},
}

var dialogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List synced dialogs",
	RunE: func(cmd *cobra.Command, args []string) error {
		available, _ := cmd.Flags().GetBool("available")

		a, err := newApp(cmd.Context(), "ListDialogs")
		if err != nil {
			return err
		}

		if available {
			peers, err := a.AvailableDialogs(cmd.Context())
			if err != nil {
				return finish(a, err)
			}
			for _, p := range peers {
				fmt.Printf("%-16d %-8s %s\n", p.ID, p.Type, p.Title)
			}
			return finish(a, nil)
		}

		dialogs, err := a.ListDialogs(cmd.Context())
		if err != nil {
			return finish(a, err)
		}
		if len(dialogs) == 0 {
			fmt.Println("No dialogs synced.")
			return finish(a, nil)
		}
		for _, d := range dialogs {
			synced := "never"
			if d.LastSyncedAt != nil {
				synced = d.LastSyncedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-16d %-7s synced:%s\n", d.ID, d.SyncState, synced)
		}
		return finish(a, nil)
	},
}

// policy command
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage the chat allow/deny lists",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "View the allow/deny lists",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ShowPolicy")
		if err != nil {
			return err
		}

		p, err := a.Policy(cmd.Context())
		if err != nil {
			return finish(a, err)
		}
		fmt.Printf("Version:   %d\n", p.Version)
		fmt.Printf("Allowed:   %s\n", formatIDs(p.WhiteList))
		fmt.Printf("Denied:    %s\n", formatIDs(p.BlackList))
		return finish(a, nil)
	},
}

func policyChangeCmd(action app.PolicyAction, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " ID...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), "ChangePolicy")
			if err != nil {
				return err
			}

			change, err := a.ChangePolicy(cmd.Context(), action, ids)
			if err != nil {
				return finish(a, err)
			}
			fmt.Printf("Added:   %s\n", formatIDs(change.Added))
			fmt.Printf("Removed: %s\n", formatIDs(change.Removed))
			fmt.Printf("List:    %s (version %d)\n", formatIDs(change.UpdatedList), change.Version)
			return finish(a, nil)
		},
	}
}

// search command
var searchCmd = &cobra.Command{
	Use:   "search [QUERY]",
	Short: "Search indexed messages",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		token, _ := flags.GetString("token")
		if token == "" && len(args) == 0 {
			return fmt.Errorf("a query or --token is required")
		}

		a, err := newApp(cmd.Context(), "Search")
		if err != nil {
			return err
		}

		var res *app.SearchResult
		if token != "" {
			res, err = a.SearchToken(cmd.Context(), token)
		} else {
			var q model.SearchQuery
			q, err = queryFromFlags(cmd, args[0])
			if err == nil {
				page, _ := flags.GetInt("page")
				size, _ := flags.GetInt("page-size")
				res, err = a.Search(cmd.Context(), q, page, size)
			}
		}
		if err != nil {
			return finish(a, err)
		}
		printSearch(res, term.IsTerminal(int(os.Stdout.Fd())))
		return finish(a, nil)
	},
}

func queryFromFlags(cmd *cobra.Command, text string) (model.SearchQuery, error) {
	flags := cmd.Flags()
	q := model.SearchQuery{Q: text}
	if flags.Changed("chat") {
		id, _ := flags.GetInt64("chat")
		q.ChatID = &id
	}
	q.ChatType, _ = flags.GetString("type")
	q.SenderUsername, _ = flags.GetString("from")

	since, _ := flags.GetString("since")
	until, _ := flags.GetString("until")
	var err error
	if q.DateFrom, err = parseDate(since); err != nil {
		return q, err
	}
	if q.DateTo, err = parseDate(until); err != nil {
		return q, err
	}
	if q.DateTo != nil {
		end := q.DateTo.Add(24*time.Hour - time.Second)
		q.DateTo = &end
	}
	return q, nil
}

const (
	markOpen  = "<mark>"
	markClose = "</mark>"
)

func printSearch(res *app.SearchResult, color bool) {
	p := res.Page
	if len(p.Hits) == 0 {
		fmt.Println("No results.")
		return
	}
	pages := (p.TotalHits + int64(res.PageSize) - 1) / int64(res.PageSize)
	fmt.Printf("%d result(s), page %d/%d (%dms)\n\n", p.TotalHits, res.PageNum+1, pages, p.ProcessingTimeMs)

	for _, h := range p.Hits {
		text := h.FormattedText
		if text == "" {
			text = h.Text
		}
		if color {
			text = strings.NewReplacer(markOpen, "\x1b[1;33m", markClose, "\x1b[0m").Replace(text)
		} else {
			text = strings.NewReplacer(markOpen, "", markClose, "").Replace(text)
		}
		from := ""
		if h.FromUser != nil && h.FromUser.Username != "" {
			from = " @" + h.FromUser.Username
		}
		fmt.Printf("[%s] %s%s (%d)\n  %s\n\n", h.Date.Format("2006-01-02 15:04"), h.Chat.Title, from, h.Chat.ID, text)
	}
	if res.Prev != "" {
		fmt.Printf("Previous page: tgsearch search --token %s\n", res.Prev)
	}
	if res.Next != "" {
		fmt.Printf("Next page:     tgsearch search --token %s\n", res.Next)
	}
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Download and index active dialogs until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "Run")
		if err != nil {
			return err
		}

		fmt.Println("Running; press Ctrl-C to stop.")
		err = a.Run(ctx)
		for _, p := range a.Progress() {
			fmt.Printf("%-16d %-11s %d/%d %s\n", p.DialogID, p.Status, p.Current, p.Total, p.Error)
		}
		return finish(a, err)
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show search backend, download and runtime health",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ShowStatus")
		if err != nil {
			return err
		}

		r := a.Status(cmd.Context())
		rt := r.Runtime
		fmt.Printf("Runtime:    %s (running %t, api-only %t, last action %q)\n", rt.State, rt.IsRunning, rt.APIOnlyMode, rt.LastActionSource)
		if rt.LastError != "" {
			fmt.Printf("            last error: %s\n", rt.LastError)
		}
		fmt.Printf("Backend:    connected %t\n", r.Index.BackendConnected)
		fmt.Printf("Index:      %d document(s), indexing %t\n", r.Index.TotalDocuments, r.Index.IsIndexing)
		if r.Storage.TotalBytes != nil {
			fmt.Printf("Storage:    %d byte(s)\n", *r.Storage.TotalBytes)
		}
		if r.Index.LastUpdate != nil {
			fmt.Printf("Updated:    %s\n", r.Index.LastUpdate.Format(time.RFC3339))
		}
		fmt.Printf("Memory:     %.2f MB\n", r.System.MemoryUsageMB)
		fmt.Printf("Downloads:  %d dialog(s), %d active\n", len(r.Progress.Dialogs), r.Progress.ActiveCount)
		for _, p := range r.Progress.Dialogs {
			fmt.Printf("  %-16d %-11s %d/%d %s\n", p.DialogID, p.Status, p.Current, p.Total, p.Error)
		}
		for _, n := range append(r.Storage.Notes, r.Progress.Notes...) {
			fmt.Printf("note: %s\n", n)
		}
		for _, e := range r.Storage.Errors {
			fmt.Printf("error: %s\n", e)
		}
		return finish(a, nil)
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetSectionCmd)
	configCmd.AddCommand(configSnapshotCmd)
	setFlags := configSetSectionCmd.Flags()
	setFlags.Int("available-cache-ttl", 0, "sync: available dialogs cache TTL in seconds")
	setFlags.Bool("auto-clean", false, "storage: enable media auto clean")
	setFlags.Int("retention-days", 0, "storage: media retention in days")
	setFlags.String("provider", "", "ai: provider name")
	setFlags.String("base-url", "", "ai: API base URL")
	setFlags.String("model", "", "ai: model name")
	setFlags.String("api-key", "", "ai: API key")

	// dialog subcommands
	dialogCmd.AddCommand(dialogAddCmd)
	dialogAddCmd.Flags().Bool("paused", false, "Add dialogs in the paused state")
	dialogAddCmd.Flags().String("since", "", "Only download messages from this date (YYYY-MM-DD)")
	dialogCmd.AddCommand(dialogStateCmd("pause", "Pause downloading a dialog", model.SyncStatePaused))
	dialogCmd.AddCommand(dialogStateCmd("resume", "Resume downloading a dialog", model.SyncStateActive))
	dialogCmd.AddCommand(dialogRemoveCmd)
	dialogRemoveCmd.Flags().Bool("purge", false, "Also delete indexed messages")
	dialogCmd.AddCommand(dialogListCmd)
	dialogListCmd.Flags().Bool("available", false, "List dialogs the source can download")

	// policy subcommands
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyChangeCmd(app.PolicyAllow, "Add chats to the allow list"))
	policyCmd.AddCommand(policyChangeCmd(app.PolicyUnallow, "Remove chats from the allow list"))
	policyCmd.AddCommand(policyChangeCmd(app.PolicyDeny, "Add chats to the deny list"))
	policyCmd.AddCommand(policyChangeCmd(app.PolicyUndeny, "Remove chats from the deny list"))

	// search flags
	sf := searchCmd.Flags()
	sf.Int("page", 0, "Page number, starting at 0")
	sf.Int("page-size", 0, "Results per page (default from config)")
	sf.Int64("chat", 0, "Only this chat id")
	sf.String("type", "", "Only this chat type (private, group or channel)")
	sf.String("from", "", "Only messages from this sender")
	sf.String("since", "", "Only messages on or after this date (YYYY-MM-DD)")
	sf.String("until", "", "Only messages on or before this date (YYYY-MM-DD)")
	sf.String("token", "", "Resume from a page token")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dialogCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}

package winupdate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/breeze-rmm/winupdate/internal/logging"
)

// ResultEntry pairs one update of a collection with its result code.
type ResultEntry struct {
	Index      int        `json:"index" yaml:"index"`
	UpdateID   string     `json:"updateId" yaml:"updateId"`
	Title      string     `json:"title" yaml:"title"`
	ResultCode ResultCode `json:"resultCode" yaml:"resultCode"`
	Result     string     `json:"result" yaml:"result"`
	HResult    string     `json:"hresult,omitempty" yaml:"hresult,omitempty"`
}

// Key is the entry's position label, "update N".
func (e ResultEntry) Key() string {
	return fmt.Sprintf("update %d", e.Index)
}

// String renders "<resultCode>: <title>".
func (e ResultEntry) String() string {
	return fmt.Sprintf("%d: %s", int(e.ResultCode), e.Title)
}

// Updater runs one update round against a Session: search, filter,
// download, install, and formatting of what came back.
type Updater struct {
	session    Session
	skips      Skips
	categories []string

	criteria        string
	searchResults   []Update
	candidates      []Update
	downloadColl    []Update
	installColl     []Update
	downloaded      map[string]bool
	downloadResults *OperationResult
	installResults  *OperationResult
	foundCategories []string
}

// NewUpdater creates an Updater. An empty categories list accepts every
// category.
func NewUpdater(session Session, skips Skips, categories []string) *Updater {
	return &Updater{
		session:    session,
		skips:      skips,
		categories: append([]string(nil), categories...),
		downloaded: make(map[string]bool),
	}
}

// SetCategories replaces the requested categories for the next search.
func (u *Updater) SetCategories(categories []string) {
	u.categories = append([]string(nil), categories...)
}

// Categories returns the requested categories.
func (u *Updater) Categories() []string {
	return append([]string(nil), u.categories...)
}

// AvailableCategories returns the categories found in the download
// collection by the last search, in first-seen order.
func (u *Updater) AvailableCategories() []string {
	return append([]string(nil), u.foundCategories...)
}

// SetSkip changes one skip flag for the next search.
func (u *Updater) SetSkip(name string, value bool) error {
	return u.skips.Set(name, value)
}

// Skips returns the current skip flags.
func (u *Updater) Skips() Skips {
	return u.skips
}

// SearchCount is the number of updates the last search returned before
// filtering.
func (u *Updater) SearchCount() int {
	return len(u.searchResults)
}

// Criteria returns the criteria used by the last search.
func (u *Updater) Criteria() string {
	return u.criteria
}

// DownloadCollection returns the updates selected by the last search.
func (u *Updater) DownloadCollection() []Update {
	return append([]Update(nil), u.downloadColl...)
}

// InstallCollection returns the updates handed to the installer.
func (u *Updater) InstallCollection() []Update {
	return append([]Update(nil), u.installColl...)
}

// AutoSearch searches with the criteria derived from the skip flags.
func (u *Updater) AutoSearch(ctx context.Context) error {
	criteria, err := u.skips.Criteria()
	if err != nil {
		return err
	}
	return u.Search(ctx, criteria)
}

// Search asks the service for updates matching criteria and builds the
// download collection. Every call starts from empty collections, so a
// retried search never duplicates entries.
func (u *Updater) Search(ctx context.Context, criteria string) error {
	u.reset()
	u.criteria = criteria

	logger := u.logger(ctx)
	logger.Debug("searching for updates", "criteria", criteria)

	updates, err := u.session.Search(ctx, criteria)
	if err != nil {
		logger.Info("search for updates failed", "error", err)
		return fmt.Errorf("search for updates failed: %w", err)
	}
	u.searchResults = updates
	logger.Debug("search completed", "count", len(updates))

	wanted := categorySet(u.categories)
	for _, update := range updates {
		if u.skips.UI && update.CanRequestUserInput {
			logger.Debug("skipped update, requests user input", "title", update.Title)
			continue
		}
		if wanted != nil && !update.HasCategory(wanted) {
			logger.Debug("skipped update, category not requested", "title", update.Title, "categories", update.Categories)
			continue
		}

		u.candidates = append(u.candidates, update)

		if u.skips.Downloaded && update.IsDownloaded {
			logger.Debug("skipped update, already downloaded", "title", update.Title)
			continue
		}
		u.downloadColl = append(u.downloadColl, update)
		logger.Debug("added update", "title", update.Title)
	}

	u.foundCategories = gatherCategories(u.downloadColl)
	logger.Debug("download collection built", "count", len(u.downloadColl), "categories", u.foundCategories)
	return nil
}

// Download fetches the download collection. An empty collection is a
// successful no-op.
func (u *Updater) Download(ctx context.Context) error {
	logger := u.logger(ctx)
	if len(u.downloadColl) == 0 {
		logger.Debug("skipped downloading, all updates were already cached")
		return nil
	}

	result, err := u.session.Download(ctx, u.downloadColl)
	if err == nil && result == nil {
		err = fmt.Errorf("downloader returned no result")
	}
	if err != nil {
		logger.Debug("download failed", "error", err)
		return fmt.Errorf("download failed: %w", err)
	}
	u.downloadResults = result

	for i, update := range u.downloadColl {
		if i < len(result.Updates) && result.Updates[i].ResultCode.Succeeded() {
			u.downloaded[update.ID] = true
		}
	}
	logger.Debug("download finished", "resultCode", result.ResultCode.String())
	return nil
}

// Install installs every filtered candidate that is downloaded, including
// candidates left out of the download collection because they were
// already cached. Nothing to install is a success.
func (u *Updater) Install(ctx context.Context) error {
	logger := u.logger(ctx)

	u.installColl = u.installColl[:0]
	for _, update := range u.candidates {
		if update.IsDownloaded || u.downloaded[update.ID] {
			u.installColl = append(u.installColl, update)
		}
	}

	if len(u.installColl) == 0 {
		logger.Info("no new updates")
		return nil
	}

	logger.Debug("install list created, installing", "count", len(u.installColl))
	result, err := u.session.Install(ctx, u.installColl)
	if err == nil && result == nil {
		err = fmt.Errorf("installer returned no result")
	}
	if err != nil {
		logger.Info("installation failed", "error", err)
		return fmt.Errorf("installation failed: %w", err)
	}
	u.installResults = result
	logger.Info("installation of updates complete", "resultCode", result.ResultCode.String())
	return nil
}

// RebootRequired reports whether the last install asked for a reboot.
func (u *Updater) RebootRequired() bool {
	if u.installResults == nil {
		return false
	}
	if u.installResults.RebootRequired {
		return true
	}
	for _, r := range u.installResults.Updates {
		if r.RebootRequired {
			return true
		}
	}
	return false
}

// InstallationResults pairs the install collection with its results.
// An empty install collection yields no entries.
func (u *Updater) InstallationResults() ([]ResultEntry, error) {
	if len(u.installColl) == 0 {
		return nil, nil
	}
	return resultEntries(u.installColl, u.installResults)
}

// InstallationResultsPretty renders InstallationResults one per line.
func (u *Updater) InstallationResultsPretty() (string, error) {
	entries, err := u.InstallationResults()
	if err != nil {
		return "", err
	}
	return prettyEntries("The following are the updates and their return codes.\n", entries), nil
}

// DownloadResults pairs the download collection with its results.
func (u *Updater) DownloadResults() ([]ResultEntry, error) {
	if len(u.downloadColl) == 0 {
		return nil, nil
	}
	return resultEntries(u.downloadColl, u.downloadResults)
}

// DownloadResultsPretty renders DownloadResults one per line.
func (u *Updater) DownloadResultsPretty() (string, error) {
	entries, err := u.DownloadResults()
	if err != nil {
		return "", err
	}
	return prettyEntries("The following are the updates and their download codes.\n", entries), nil
}

// SearchResults returns the titles in the download collection.
func (u *Updater) SearchResults() []string {
	titles := make([]string, 0, len(u.downloadColl))
	for _, update := range u.downloadColl {
		if u.skips.UI && update.CanRequestUserInput {
			continue
		}
		titles = append(titles, update.String())
	}
	return titles
}

// SearchResultsPretty lists SearchResults under a count header.
func (u *Updater) SearchResultsPretty() string {
	titles := u.SearchResults()
	var b strings.Builder
	fmt.Fprintf(&b, "There are %d updates. they are as follows:\n", len(titles))
	for _, title := range titles {
		fmt.Fprintf(&b, "\t%s\n", title)
	}
	return b.String()
}

// Summary counts the download collection per found category. Updates
// usually carry more than one category, so the counts overlap.
func (u *Updater) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "There are %d updates, by category there are:\n", len(u.downloadColl))
	for _, category := range u.foundCategories {
		count := 0
		for _, update := range u.downloadColl {
			for _, name := range update.Categories {
				if name == category {
					count++
				}
			}
		}
		fmt.Fprintf(&b, "\t%s: %d\n", category, count)
	}
	return b.String()
}

func (u *Updater) String() string {
	return u.Summary()
}

func (u *Updater) reset() {
	u.criteria = ""
	u.searchResults = nil
	u.candidates = nil
	u.downloadColl = nil
	u.installColl = nil
	u.downloadResults = nil
	u.installResults = nil
	u.foundCategories = nil
	u.downloaded = make(map[string]bool)
}

func (u *Updater) logger(ctx context.Context) *slog.Logger {
	return logging.FromContextOr(ctx, log)
}

func resultEntries(collection []Update, result *OperationResult) ([]ResultEntry, error) {
	if result == nil {
		return nil, fmt.Errorf("no results recorded for %d updates", len(collection))
	}
	if len(result.Updates) < len(collection) {
		return nil, fmt.Errorf("service returned %d results for %d updates", len(result.Updates), len(collection))
	}

	entries := make([]ResultEntry, 0, len(collection))
	for i, update := range collection {
		r := result.Updates[i]
		entry := ResultEntry{
			Index:      i,
			UpdateID:   update.ID,
			Title:      update.Title,
			ResultCode: r.ResultCode,
			Result:     r.ResultCode.String(),
		}
		if r.HResult != 0 {
			entry.HResult = FormatHResult(r.HResult)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func prettyEntries(header string, entries []ResultEntry) string {
	var b strings.Builder
	b.WriteString(header)
	for _, e := range entries {
		fmt.Fprintf(&b, "\t%s\n", e)
	}
	return b.String()
}

func categorySet(categories []string) map[string]bool {
	if len(categories) == 0 {
		return nil
	}
	set := make(map[string]bool, len(categories))
	for _, c := range categories {
		set[c] = true
	}
	return set
}

func gatherCategories(updates []Update) []string {
	seen := make(map[string]bool)
	var found []string
	for _, update := range updates {
		for _, name := range update.Categories {
			if !seen[name] {
				seen[name] = true
				found = append(found, name)
			}
		}
	}
	return found
}

package winupdate

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeSession is a scripted Session. Each call pops the next error from the
// matching queue; a nil entry (or an empty queue) succeeds.
type fakeSession struct {
	updates []Update

	searchErrs   []error
	downloadErrs []error
	installErrs  []error

	downloadCode ResultCode
	installCode  ResultCode
	rebootAfter  bool

	criteria   []string
	downloaded [][]Update
	installed  [][]Update
	closed     bool
}

func (f *fakeSession) Search(_ context.Context, criteria string) ([]Update, error) {
	f.criteria = append(f.criteria, criteria)
	if err := pop(&f.searchErrs); err != nil {
		return nil, err
	}
	return append([]Update(nil), f.updates...), nil
}

func (f *fakeSession) Download(_ context.Context, updates []Update) (*OperationResult, error) {
	f.downloaded = append(f.downloaded, updates)
	if err := pop(&f.downloadErrs); err != nil {
		return nil, err
	}
	return f.result(updates, f.downloadCode, false), nil
}

func (f *fakeSession) Install(_ context.Context, updates []Update) (*OperationResult, error) {
	f.installed = append(f.installed, updates)
	if err := pop(&f.installErrs); err != nil {
		return nil, err
	}
	return f.result(updates, f.installCode, f.rebootAfter), nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSession) result(updates []Update, code ResultCode, reboot bool) *OperationResult {
	if code == ResultNotStarted {
		code = ResultSucceeded
	}
	res := &OperationResult{ResultCode: code, RebootRequired: reboot}
	for range updates {
		r := UpdateResult{ResultCode: code}
		if code == ResultFailed {
			r.HResult = int(int32(-2145124329)) // 0x80240017
		}
		res.Updates = append(res.Updates, r)
	}
	return res
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func sampleUpdates() []Update {
	return []Update{
		{ID: "a", Title: "Security Update for Windows (KB500001)", Categories: []string{"Security Updates", "Windows 11"}, Type: UpdateTypeSoftware},
		{ID: "b", Title: "Defender definitions (KB2267602)", Categories: []string{"Definition Updates"}, Type: UpdateTypeSoftware, IsDownloaded: true},
		{ID: "c", Title: "Feature update with setup questions", Categories: []string{"Upgrades"}, Type: UpdateTypeSoftware, CanRequestUserInput: true},
		{ID: "d", Title: "Intel - Display - 31.0.101", Categories: []string{"Drivers"}, Type: UpdateTypeDriver},
	}
}

func titles(updates []Update) []string {
	out := make([]string, 0, len(updates))
	for _, u := range updates {
		out = append(out, u.Title)
	}
	return out
}

func TestSearchFiltersUIAndDownloaded(t *testing.T) {
	fake := &fakeSession{updates: sampleUpdates()}
	u := NewUpdater(fake, DownloadSkips(), nil)

	if err := u.AutoSearch(context.Background()); err != nil {
		t.Fatalf("AutoSearch: %v", err)
	}
	if len(fake.criteria) != 1 || fake.criteria[0] != u.Criteria() {
		t.Fatalf("criteria passed to service = %v, recorded %q", fake.criteria, u.Criteria())
	}

	got := titles(u.DownloadCollection())
	want := []string{"Security Update for Windows (KB500001)", "Intel - Display - 31.0.101"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("download collection = %v, want %v", got, want)
	}
	if u.SearchCount() != 4 {
		t.Fatalf("SearchCount() = %d, want 4", u.SearchCount())
	}

	cats := u.AvailableCategories()
	if strings.Join(cats, "|") != "Security Updates|Windows 11|Drivers" {
		t.Fatalf("AvailableCategories() = %v", cats)
	}
}

func TestSearchKeepsUIUpdatesWhenNotSkipped(t *testing.T) {
	fake := &fakeSession{updates: sampleUpdates()}
	skips := DefaultSkips()
	skips.UI = false
	u := NewUpdater(fake, skips, nil)

	if err := u.AutoSearch(context.Background()); err != nil {
		t.Fatalf("AutoSearch: %v", err)
	}
	if n := len(u.DownloadCollection()); n != 4 {
		t.Fatalf("download collection has %d updates, want 4", n)
	}
}

func TestSearchCategoryFilter(t *testing.T) {
	fake := &fakeSession{updates: sampleUpdates()}
	u := NewUpdater(fake, DefaultSkips(), []string{"Definition Updates", "Drivers"})

	if err := u.AutoSearch(context.Background()); err != nil {
		t.Fatalf("AutoSearch: %v", err)
	}
	got := titles(u.DownloadCollection())
	if strings.Join(got, "|") != "Defender definitions (KB2267602)|Intel - Display - 31.0.101" {
		t.Fatalf("download collection = %v", got)
	}
}

func TestSearchResetsOnRetry(t *testing.T) {
	fake := &fakeSession{updates: sampleUpdates()}
	u := NewUpdater(fake, DefaultSkips(), nil)

	for i := 0; i < 2; i++ {
		if err := u.AutoSearch(context.Background()); err != nil {
			t.Fatalf("AutoSearch: %v", err)
		}
	}
	if n := len(u.DownloadCollection()); n != 3 {
		t.Fatalf("download collection has %d updates after two searches, want 3", n)
	}
}

func TestSearchPropagatesServiceError(t *testing.T) {
	fake := &fakeSession{searchErrs: []error{errors.New("0x80072EFD")}}
	u := NewUpdater(fake, DefaultSkips(), nil)

	err := u.AutoSearch(context.Background())
	if err == nil || !strings.Contains(err.Error(), "search for updates failed") {
		t.Fatalf("expected wrapped search error, got %v", err)
	}
	if hr, ok := HResultFromError(err); !ok || hr != 0x80072EFD {
		t.Fatalf("HRESULT not preserved through wrapping: %v %v", hr, ok)
	}
}

func TestDownloadEmptyCollectionIsNoop(t *testing.T) {
	fake := &fakeSession{updates: []Update{{ID: "b", Title: "cached", IsDownloaded: true}}}
	u := NewUpdater(fake, DownloadSkips(), nil)

	if err := u.AutoSearch(context.Background()); err != nil {
		t.Fatalf("AutoSearch: %v", err)
	}
	if err := u.Download(context.Background()); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(fake.downloaded) != 0 {
		t.Fatal("service Download should not be called for an empty collection")
	}
	entries, err := u.DownloadResults()
	if err != nil || len(entries) != 0 {
		t.Fatalf("DownloadResults() = %v, %v; want empty", entries, err)
	}
}

func TestInstallIncludesCachedCandidates(t *testing.T) {
	fake := &fakeSession{updates: sampleUpdates()}
	u := NewUpdater(fake, DownloadSkips(), nil)
	ctx := context.Background()

	if err := u.AutoSearch(ctx); err != nil {
		t.Fatalf("AutoSearch: %v", err)
	}
	if err := u.Download(ctx); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := u.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}

	got := titles(u.InstallCollection())
	want := []string{"Security Update for Windows (KB500001)", "Defender definitions (KB2267602)", "Intel - Display - 31.0.101"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("install collection = %v, want %v", got, want)
	}
}

func TestInstallSkipsUpdatesThatFailedToDownload(t *testing.T) {
	fake := &fakeSession{
		updates:      []Update{{ID: "a", Title: "one"}, {ID: "b", Title: "two"}},
		downloadCode: ResultFailed,
	}
	u := NewUpdater(fake, DefaultSkips(), nil)
	ctx := context.Background()

	if err := u.AutoSearch(ctx); err != nil {
		t.Fatalf("AutoSearch: %v", err)
	}
	if err := u.Download(ctx); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := u.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(fake.installed) != 0 {
		t.Fatal("nothing downloaded, installer should not run")
	}

	pretty, err := u.DownloadResultsPretty()
	if err != nil {
		t.Fatalf("DownloadResultsPretty: %v", err)
	}
	want := "The following are the updates and their download codes.\n\t4: one\n\t4: two\n"
	if pretty != want {
		t.Fatalf("DownloadResultsPretty() = %q, want %q", pretty, want)
	}
	entries, _ := u.DownloadResults()
	if entries[0].HResult == "" || entries[0].Result != "Failed" {
		t.Fatalf("failed entry missing details: %+v", entries[0])
	}
}

func TestInstallationResults(t *testing.T) {
	fake := &fakeSession{
		updates:     []Update{{ID: "a", Title: "KB1"}, {ID: "b", Title: "KB2"}},
		installCode: ResultSucceededWithErrors,
		rebootAfter: true,
	}
	u := NewUpdater(fake, DefaultSkips(), nil)
	ctx := context.Background()

	for _, step := range []func(context.Context) error{u.AutoSearch, u.Download, u.Install} {
		if err := step(ctx); err != nil {
			t.Fatalf("round step failed: %v", err)
		}
	}

	entries, err := u.InstallationResults()
	if err != nil {
		t.Fatalf("InstallationResults: %v", err)
	}
	if len(entries) != 2 || entries[1].Key() != "update 1" || entries[1].String() != "3: KB2" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	pretty, _ := u.InstallationResultsPretty()
	if pretty != "The following are the updates and their return codes.\n\t3: KB1\n\t3: KB2\n" {
		t.Fatalf("InstallationResultsPretty() = %q", pretty)
	}
	if !u.RebootRequired() {
		t.Fatal("RebootRequired() = false, want true")
	}
}

func TestInstallNothingToDo(t *testing.T) {
	fake := &fakeSession{}
	u := NewUpdater(fake, DefaultSkips(), nil)
	ctx := context.Background()

	if err := u.AutoSearch(ctx); err != nil {
		t.Fatalf("AutoSearch: %v", err)
	}
	if err := u.Install(ctx); err != nil {
		t.Fatalf("Install with nothing to do: %v", err)
	}
	entries, err := u.InstallationResults()
	if err != nil || entries != nil {
		t.Fatalf("InstallationResults() = %v, %v; want nil, nil", entries, err)
	}
	if u.RebootRequired() {
		t.Fatal("RebootRequired() should be false without an install")
	}
}

func TestResultEntriesMisaligned(t *testing.T) {
	_, err := resultEntries([]Update{{ID: "a"}, {ID: "b"}}, &OperationResult{Updates: []UpdateResult{{}}})
	if err == nil {
		t.Fatal("expected error for fewer results than updates")
	}
	if _, err := resultEntries([]Update{{ID: "a"}}, nil); err == nil {
		t.Fatal("expected error for missing results")
	}
}

func TestSummaryAndSearchResultsPretty(t *testing.T) {
	fake := &fakeSession{updates: []Update{
		{ID: "a", Title: "KB1", Categories: []string{"Security Updates", "Windows 11"}},
		{ID: "b", Title: "KB2", Categories: []string{"Security Updates"}},
	}}
	u := NewUpdater(fake, DefaultSkips(), nil)
	if err := u.AutoSearch(context.Background()); err != nil {
		t.Fatalf("AutoSearch: %v", err)
	}

	summary := "There are 2 updates, by category there are:\n\tSecurity Updates: 2\n\tWindows 11: 1\n"
	if got := u.Summary(); got != summary {
		t.Fatalf("Summary() = %q, want %q", got, summary)
	}
	if u.String() != summary {
		t.Fatal("String() should match Summary()")
	}

	list := "There are 2 updates. they are as follows:\n\tKB1\n\tKB2\n"
	if got := u.SearchResultsPretty(); got != list {
		t.Fatalf("SearchResultsPretty() = %q, want %q", got, list)
	}
}

func TestUpdaterAccessors(t *testing.T) {
	u := NewUpdater(&fakeSession{}, DefaultSkips(), []string{"Drivers"})
	u.SetCategories([]string{"Critical Updates"})
	if got := u.Categories(); len(got) != 1 || got[0] != "Critical Updates" {
		t.Fatalf("Categories() = %v", got)
	}
	if err := u.SetSkip("reboot", true); err != nil {
		t.Fatalf("SetSkip: %v", err)
	}
	if !u.Skips().Reboot {
		t.Fatal("SetSkip did not change the flag")
	}
	if err := u.SetSkip("nope", true); !errors.Is(err, ErrUnknownSkip) {
		t.Fatalf("expected ErrUnknownSkip, got %v", err)
	}
}

//go:build windows

package winupdate

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

// comSession drives the Windows Update Agent through IUpdateSession. COM is
// initialized apartment-threaded, so the goroutine that opened the session
// is locked to its thread until Close and must make every call.
type comSession struct {
	opts    SessionOptions
	session *ole.IDispatch
	updates map[string]*ole.IDispatch
}

// OpenSession creates a Microsoft.Update.Session on the calling thread.
func OpenSession(opts SessionOptions) (Session, error) {
	runtime.LockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		// S_FALSE: COM was already initialized on this thread
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || oleErr.Code() != 1 {
			runtime.UnlockOSThread()
			return nil, fmt.Errorf("failed to initialize COM: %w", err)
		}
	}

	unknown, err := oleutil.CreateObject("Microsoft.Update.Session")
	if err != nil {
		ole.CoUninitialize()
		runtime.UnlockOSThread()
		return nil, wrapCOMError("create update session", err)
	}
	defer unknown.Release()

	session, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		ole.CoUninitialize()
		runtime.UnlockOSThread()
		return nil, wrapCOMError("query update session", err)
	}

	if opts.ClientApplicationID != "" {
		if _, err := oleutil.PutProperty(session, "ClientApplicationID", opts.ClientApplicationID); err != nil {
			log.Debug("failed to set client application id", "error", err)
		}
	}

	return &comSession{
		opts:    opts,
		session: session,
		updates: make(map[string]*ole.IDispatch),
	}, nil
}

func (s *comSession) Search(ctx context.Context, criteria string) ([]Update, error) {
	s.releaseUpdates()

	searcherVar, err := oleutil.CallMethod(s.session, "CreateUpdateSearcher")
	if err != nil {
		return nil, wrapCOMError("CreateUpdateSearcher", err)
	}
	defer searcherVar.Clear()

	searcher := searcherVar.ToIDispatch()
	if searcher == nil {
		return nil, fmt.Errorf("create searcher failed: nil searcher")
	}

	resultVar, err := callWithRetry(ctx, "Search", func() (*ole.VARIANT, error) {
		return oleutil.CallMethod(searcher, "Search", criteria)
	})
	if err != nil {
		return nil, err
	}
	defer resultVar.Clear()

	result := resultVar.ToIDispatch()
	if result == nil {
		return nil, fmt.Errorf("search failed: nil result")
	}

	collVar, err := oleutil.GetProperty(result, "Updates")
	if err != nil {
		return nil, wrapCOMError("ISearchResult.Updates", err)
	}
	defer collVar.Clear()

	coll := collVar.ToIDispatch()
	if coll == nil {
		return nil, fmt.Errorf("search failed: updates collection missing")
	}

	count, err := getIntProperty(coll, "Count")
	if err != nil {
		return nil, wrapCOMError("IUpdateCollection.Count", err)
	}

	updates := make([]Update, 0, count)
	for i := 0; i < count; i++ {
		itemVar, err := oleutil.CallMethod(coll, "Item", i)
		if err != nil {
			log.Debug("failed to read update from search result", "index", i, "error", err)
			continue
		}
		item := itemVar.ToIDispatch()
		if item == nil {
			itemVar.Clear()
			continue
		}
		item.AddRef()
		itemVar.Clear()

		update, err := convertUpdate(item)
		if err != nil {
			item.Release()
			log.Debug("failed to convert update", "index", i, "error", err)
			continue
		}
		if prev, ok := s.updates[update.ID]; ok {
			prev.Release()
		}
		s.updates[update.ID] = item
		updates = append(updates, update)
	}

	return updates, nil
}

func (s *comSession) Download(ctx context.Context, updates []Update) (*OperationResult, error) {
	coll, err := s.collection(updates)
	if err != nil {
		return nil, err
	}
	defer coll.Release()

	downloaderVar, err := oleutil.CallMethod(s.session, "CreateUpdateDownloader")
	if err != nil {
		return nil, wrapCOMError("CreateUpdateDownloader", err)
	}
	defer downloaderVar.Clear()

	downloader := downloaderVar.ToIDispatch()
	if downloader == nil {
		return nil, fmt.Errorf("create downloader failed: nil downloader")
	}
	if _, err := oleutil.PutProperty(downloader, "Updates", coll); err != nil {
		return nil, wrapCOMError("IUpdateDownloader.Updates", err)
	}

	resultVar, err := callWithRetry(ctx, "Download", func() (*ole.VARIANT, error) {
		return oleutil.CallMethod(downloader, "Download")
	})
	if err != nil {
		return nil, err
	}
	defer resultVar.Clear()

	return operationResult(resultVar.ToIDispatch(), len(updates))
}

func (s *comSession) Install(ctx context.Context, updates []Update) (*OperationResult, error) {
	coll, err := s.collection(updates)
	if err != nil {
		return nil, err
	}
	defer coll.Release()

	installerVar, err := oleutil.CallMethod(s.session, "CreateUpdateInstaller")
	if err != nil {
		return nil, wrapCOMError("CreateUpdateInstaller", err)
	}
	defer installerVar.Clear()

	installer := installerVar.ToIDispatch()
	if installer == nil {
		return nil, fmt.Errorf("create installer failed: nil installer")
	}
	if _, err := oleutil.PutProperty(installer, "Updates", coll); err != nil {
		return nil, wrapCOMError("IUpdateInstaller.Updates", err)
	}

	resultVar, err := callWithRetry(ctx, "Install", func() (*ole.VARIANT, error) {
		return oleutil.CallMethod(installer, "Install")
	})
	if err != nil {
		return nil, err
	}
	defer resultVar.Clear()

	return operationResult(resultVar.ToIDispatch(), len(updates))
}

func (s *comSession) Close() error {
	if s.session == nil {
		return nil
	}
	s.releaseUpdates()
	s.session.Release()
	s.session = nil
	ole.CoUninitialize()
	runtime.UnlockOSThread()
	return nil
}

func (s *comSession) releaseUpdates() {
	for id, item := range s.updates {
		item.Release()
		delete(s.updates, id)
	}
}

// collection builds a Microsoft.Update.UpdateColl from updates returned by
// the last search, accepting EULAs on the way when configured.
func (s *comSession) collection(updates []Update) (*ole.IDispatch, error) {
	obj, err := oleutil.CreateObject("Microsoft.Update.UpdateColl")
	if err != nil {
		return nil, wrapCOMError("create update collection", err)
	}
	defer obj.Release()

	coll, err := obj.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return nil, wrapCOMError("query update collection", err)
	}

	for _, update := range updates {
		item, ok := s.updates[update.ID]
		if !ok {
			coll.Release()
			return nil, fmt.Errorf("update %s (%s) is not part of the last search", update.ID, update.Title)
		}
		if s.opts.AcceptEula {
			if err := acceptEulaIfNeeded(item); err != nil {
				log.Warn("EULA acceptance failed", "title", update.Title, "error", err)
			}
		}
		if _, err := oleutil.CallMethod(coll, "Add", item); err != nil {
			coll.Release()
			return nil, wrapCOMError("IUpdateCollection.Add", err)
		}
	}
	return coll, nil
}

func convertUpdate(item *ole.IDispatch) (Update, error) {
	identityVar, err := oleutil.GetProperty(item, "Identity")
	if err != nil {
		return Update{}, wrapCOMError("IUpdate.Identity", err)
	}
	defer identityVar.Clear()

	identity := identityVar.ToIDispatch()
	if identity == nil {
		return Update{}, fmt.Errorf("update identity missing")
	}
	id, err := getStringProperty(identity, "UpdateID")
	if err != nil {
		return Update{}, wrapCOMError("IUpdateIdentity.UpdateID", err)
	}

	update := Update{ID: id, Type: UpdateTypeSoftware}
	update.Title, _ = getStringProperty(item, "Title")
	update.Description, _ = getStringProperty(item, "Description")
	update.Severity, _ = getStringProperty(item, "MsrcSeverity")
	update.IsDownloaded, _ = getBoolProperty(item, "IsDownloaded")
	update.IsInstalled, _ = getBoolProperty(item, "IsInstalled")
	update.IsHidden, _ = getBoolProperty(item, "IsHidden")
	update.RebootRequired, _ = getBoolProperty(item, "RebootRequired")
	update.EulaAccepted, _ = getBoolProperty(item, "EulaAccepted")
	if size, err := getIntProperty(item, "MaxDownloadSize"); err == nil {
		update.MaxDownloadSize = int64(size)
	}
	// UpdateType: 1 software, 2 driver
	if t, _ := getIntProperty(item, "Type"); t == 2 {
		update.Type = UpdateTypeDriver
	}

	if behaviorVar, err := oleutil.GetProperty(item, "InstallationBehavior"); err == nil {
		if behavior := behaviorVar.ToIDispatch(); behavior != nil {
			update.CanRequestUserInput, _ = getBoolProperty(behavior, "CanRequestUserInput")
		}
		behaviorVar.Clear()
	}

	update.KBArticleIDs = stringCollection(item, "KBArticleIDs", func(v *ole.VARIANT) string {
		kb := v.ToString()
		if kb != "" && !strings.HasPrefix(kb, "KB") {
			kb = "KB" + kb
		}
		return kb
	})
	update.Categories = stringCollection(item, "Categories", func(v *ole.VARIANT) string {
		category := v.ToIDispatch()
		if category == nil {
			return ""
		}
		name, _ := getStringProperty(category, "Name")
		return name
	})

	return update, nil
}

// stringCollection maps each item of a collection property through read,
// dropping empty values.
func stringCollection(item *ole.IDispatch, property string, read func(*ole.VARIANT) string) []string {
	collVar, err := oleutil.GetProperty(item, property)
	if err != nil {
		return nil
	}
	defer collVar.Clear()

	coll := collVar.ToIDispatch()
	if coll == nil {
		return nil
	}
	count, err := getIntProperty(coll, "Count")
	if err != nil {
		return nil
	}

	var values []string
	for i := 0; i < count; i++ {
		v, err := oleutil.CallMethod(coll, "Item", i)
		if err != nil {
			continue
		}
		if s := read(v); s != "" {
			values = append(values, s)
		}
		v.Clear()
	}
	return values
}

// operationResult reads an IDownloadResult or IInstallationResult.
func operationResult(result *ole.IDispatch, count int) (*OperationResult, error) {
	if result == nil {
		return nil, fmt.Errorf("operation returned no result")
	}

	code, err := getIntProperty(result, "ResultCode")
	if err != nil {
		return nil, wrapCOMError("ResultCode", err)
	}
	out := &OperationResult{ResultCode: ResultCode(code)}
	out.HResult, _ = getIntProperty(result, "HResult")
	// IDownloadResult has no RebootRequired
	out.RebootRequired, _ = getBoolProperty(result, "RebootRequired")

	for i := 0; i < count; i++ {
		urVar, err := oleutil.CallMethod(result, "GetUpdateResult", i)
		if err != nil {
			out.Updates = append(out.Updates, UpdateResult{ResultCode: out.ResultCode})
			continue
		}
		ur := urVar.ToIDispatch()
		if ur == nil {
			urVar.Clear()
			out.Updates = append(out.Updates, UpdateResult{ResultCode: ResultNotStarted})
			continue
		}
		var r UpdateResult
		c, _ := getIntProperty(ur, "ResultCode")
		r.ResultCode = ResultCode(c)
		r.HResult, _ = getIntProperty(ur, "HResult")
		r.RebootRequired, _ = getBoolProperty(ur, "RebootRequired")
		urVar.Clear()
		out.Updates = append(out.Updates, r)
	}
	return out, nil
}

// callWithRetry repeats a WUA call that failed because another update
// operation holds the agent, waiting 5s, 10s and 20s.
func callWithRetry(ctx context.Context, operation string, fn func() (*ole.VARIANT, error)) (*ole.VARIANT, error) {
	delays := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

	result, err := fn()
	for attempt := 0; err != nil && attempt < len(delays); attempt++ {
		cerr := wrapCOMError(operation, err)
		hr, _ := HResultFromError(cerr)
		if !IsOperationInProgress(hr) {
			return nil, cerr
		}

		log.Warn("WUA operation in progress, retrying",
			"operation", operation, "attempt", attempt+2, "backoff", delays[attempt])
		if werr := sleepContext(ctx, delays[attempt]); werr != nil {
			return nil, werr
		}
		result, err = fn()
	}
	if err != nil {
		return nil, wrapCOMError(operation, err)
	}
	return result, nil
}

func wrapCOMError(op string, err error) error {
	var ce *comError
	if errors.As(err, &ce) {
		return err
	}
	var oleErr *ole.OleError
	if errors.As(err, &oleErr) {
		hr := HResult(uint32(oleErr.Code()))
		// IDispatch failures carry the real code in the exception info
		if hr == 0x80020009 {
			if excep, ok := oleErr.SubError().(ole.EXCEPINFO); ok && excep.SCODE() != 0 {
				hr = HResult(excep.SCODE())
			}
		}
		return &comError{op: op, hr: hr, err: err}
	}
	if hr, ok := HResultFromError(err); ok {
		return &comError{op: op, hr: hr, err: err}
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

func acceptEulaIfNeeded(update *ole.IDispatch) error {
	accepted, _ := getBoolProperty(update, "EulaAccepted")
	if accepted {
		return nil
	}
	if _, err := oleutil.CallMethod(update, "AcceptEula"); err != nil {
		return wrapCOMError("AcceptEula", err)
	}
	return nil
}

func getStringProperty(dispatch *ole.IDispatch, name string) (string, error) {
	value, err := oleutil.GetProperty(dispatch, name)
	if err != nil {
		return "", err
	}
	defer value.Clear()
	return value.ToString(), nil
}

func getIntProperty(dispatch *ole.IDispatch, name string) (int, error) {
	value, err := oleutil.GetProperty(dispatch, name)
	if err != nil {
		return 0, err
	}
	defer value.Clear()
	return int(value.Val), nil
}

func getBoolProperty(dispatch *ole.IDispatch, name string) (bool, error) {
	value, err := oleutil.GetProperty(dispatch, name)
	if err != nil {
		return false, err
	}
	defer value.Clear()
	return value.Val != 0, nil
}

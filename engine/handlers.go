package engine

import (
	"context"
	"fmt"

	storageengine "github.com/dataplayground/storage-engine"
	"github.com/dataplayground/storage-engine/protocol"
)

// handle runs one command and converts its outcome into an event.
func (e *Engine) handle(ctx context.Context, cmd protocol.Command) protocol.Event {
	evt, err := e.route(ctx, cmd)
	if err != nil {
		return protocol.ErrorEvent(string(cmd.Type), err)
	}
	if changesUsage(cmd.Type) {
		e.checkQuota(ctx)
	}
	return evt
}

// changesUsage reports whether a successful cmd can move storage usage
// across the warning threshold in either direction.
func changesUsage(cmd protocol.CommandType) bool {
	switch cmd {
	case protocol.CmdCacheParquet, protocol.CmdEvictCache, protocol.CmdClearCache,
		protocol.CmdSaveNotebook, protocol.CmdDeleteNotebook, protocol.CmdImportNotebook,
		protocol.CmdUpdatePreferences, protocol.CmdClearPreferences,
		protocol.CmdRunCleanup, protocol.CmdImportAll:
		return true
	}
	return false
}

// checkQuota re-evaluates usage so a warning goes out as soon as a write
// crosses the threshold. The command has already succeeded, so failures are
// only logged.
func (e *Engine) checkQuota(ctx context.Context) {
	if e.svc.Quota == nil {
		return
	}
	if _, _, err := e.svc.Quota.Check(ctx); err != nil {
		e.logger.Warn("quota check after write failed", "error", err)
	}
}

func (e *Engine) route(ctx context.Context, cmd protocol.Command) (protocol.Event, error) {
	switch cmd.Type {
	case protocol.CmdCheckCache:
		p, err := payload[protocol.CheckCache](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		return e.checkCache(ctx, p)
	case protocol.CmdCacheParquet:
		p, err := payload[protocol.CacheParquet](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		return e.cacheParquet(ctx, p)
	case protocol.CmdGetCachedParquet:
		p, err := payload[protocol.URLRef](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		return e.getCachedParquet(ctx, p)
	case protocol.CmdEvictCache:
		p, err := payload[protocol.URLRef](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		return e.evictCache(ctx, p)
	case protocol.CmdClearCache:
		return e.clearCache(ctx)
	case protocol.CmdGetCacheStats:
		return e.cacheStats(ctx)

	case protocol.CmdSaveNotebook:
		p, err := payload[protocol.SaveNotebook](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		return e.saveNotebook(ctx, p)
	case protocol.CmdLoadNotebook:
		p, err := payload[protocol.NotebookRef](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		return e.loadNotebook(ctx, p)
	case protocol.CmdDeleteNotebook:
		p, err := payload[protocol.NotebookRef](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		return e.deleteNotebook(ctx, p)
	case protocol.CmdListNotebooks:
		return e.listNotebooks(ctx)
	case protocol.CmdExportNotebook:
		p, err := payload[protocol.NotebookRef](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		return e.exportNotebook(ctx, p)
	case protocol.CmdImportNotebook:
		p, err := payload[protocol.ImportNotebook](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		return e.importNotebook(ctx, p)

	case protocol.CmdGetPreferences:
		return e.getPreferences(ctx)
	case protocol.CmdUpdatePreferences:
		p, err := payload[protocol.UpdatePreferences](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		return e.updatePreferences(ctx, p)
	case protocol.CmdClearPreferences:
		return e.clearPreferences(ctx)

	case protocol.CmdGetQuota:
		return e.getQuota(ctx)
	case protocol.CmdRunCleanup:
		p, err := payload[protocol.RunCleanup](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		return e.runCleanup(ctx, p)
	case protocol.CmdExportAll:
		return e.exportAll(ctx)
	case protocol.CmdImportAll:
		p, err := payload[protocol.ImportAll](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		return e.importAll(ctx, p)

	default:
		return protocol.Event{}, &storageengine.SerializationError{Message: fmt.Sprintf("unknown command %q", cmd.Type)}
	}
}

// payload extracts the typed payload of cmd.
func payload[T any](cmd protocol.Command) (*T, error) {
	switch p := cmd.Payload.(type) {
	case *T:
		if p != nil {
			return p, nil
		}
	case T:
		return &p, nil
	}
	return nil, &storageengine.SerializationError{Message: fmt.Sprintf("command %s: missing or mistyped payload", cmd.Type)}
}

func (e *Engine) checkCache(ctx context.Context, p *protocol.CheckCache) (protocol.Event, error) {
	status, entry, err := e.svc.Cache.Check(ctx, p.URL, p.ETag)
	if err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtCacheStatus, &protocol.CacheStatus{
		URL:      p.URL,
		Status:   status,
		Metadata: entry,
	}), nil
}

func (e *Engine) cacheParquet(ctx context.Context, p *protocol.CacheParquet) (protocol.Event, error) {
	data, err := protocol.DecodeBase64(p.DataBase64)
	if err != nil {
		return protocol.Event{}, err
	}
	entry, err := e.svc.Cache.Put(ctx, p.URL, data, p.ETag)
	if err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtParquetCached, &protocol.ParquetCached{URL: entry.URL, Size: entry.Size}), nil
}

func (e *Engine) getCachedParquet(ctx context.Context, p *protocol.URLRef) (protocol.Event, error) {
	data, entry, err := e.svc.Cache.Get(ctx, p.URL)
	if err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtCachedParquetLoaded, &protocol.CachedParquetLoaded{
		URL:        p.URL,
		DataBase64: protocol.EncodeBase64(data),
		Metadata:   entry,
	}), nil
}

func (e *Engine) evictCache(ctx context.Context, p *protocol.URLRef) (protocol.Event, error) {
	freed, err := e.svc.Cache.Evict(ctx, p.URL)
	if err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtCacheEvicted, &protocol.CacheEvicted{URL: p.URL, FreedBytes: freed}), nil
}

func (e *Engine) clearCache(ctx context.Context) (protocol.Event, error) {
	removed, freed, err := e.svc.Cache.Clear(ctx)
	if err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtCacheCleared, &protocol.Removed{
		EntriesRemoved: count32(removed),
		BytesFreed:     freed,
	}), nil
}

func (e *Engine) cacheStats(ctx context.Context) (protocol.Event, error) {
	stats, err := e.svc.Cache.Stats(ctx)
	if err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtCacheStats, stats), nil
}

func (e *Engine) saveNotebook(ctx context.Context, p *protocol.SaveNotebook) (protocol.Event, error) {
	if p.Notebook == nil {
		return protocol.Event{}, &storageengine.SerializationError{Message: "save_notebook: notebook is required"}
	}
	updatedAt, err := e.svc.Notebooks.Save(ctx, p.Notebook)
	if err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtNotebookSaved, &protocol.NotebookSaved{ID: p.Notebook.ID, UpdatedAt: updatedAt}), nil
}

func (e *Engine) loadNotebook(ctx context.Context, p *protocol.NotebookRef) (protocol.Event, error) {
	nb, err := e.svc.Notebooks.Load(ctx, p.ID)
	if err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtNotebookLoaded, &protocol.NotebookBody{Notebook: nb}), nil
}

func (e *Engine) deleteNotebook(ctx context.Context, p *protocol.NotebookRef) (protocol.Event, error) {
	if err := e.svc.Notebooks.Delete(ctx, p.ID); err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtNotebookDeleted, &protocol.NotebookRef{ID: p.ID}), nil
}

func (e *Engine) listNotebooks(ctx context.Context) (protocol.Event, error) {
	summaries, err := e.svc.Notebooks.List(ctx)
	if err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtNotebookList, &protocol.NotebookList{Notebooks: summaries}), nil
}

func (e *Engine) exportNotebook(ctx context.Context, p *protocol.NotebookRef) (protocol.Event, error) {
	data, err := e.svc.Notebooks.Export(ctx, p.ID)
	if err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtNotebookExported, &protocol.NotebookExported{ID: p.ID, JSON: data}), nil
}

func (e *Engine) importNotebook(ctx context.Context, p *protocol.ImportNotebook) (protocol.Event, error) {
	nb, err := e.svc.Notebooks.Import(ctx, p.JSON)
	if err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtNotebookImported, &protocol.NotebookBody{Notebook: nb}), nil
}

func (e *Engine) getPreferences(ctx context.Context) (protocol.Event, error) {
	prefs, err := e.svc.Preferences.Get(ctx)
	if err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtPreferencesLoaded, &protocol.PreferencesBody{Preferences: prefs}), nil
}

func (e *Engine) updatePreferences(ctx context.Context, p *protocol.UpdatePreferences) (protocol.Event, error) {
	prefs := p.Preferences
	if err := e.svc.Preferences.Update(ctx, &prefs); err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtPreferencesUpdated, &protocol.PreferencesBody{Preferences: &prefs}), nil
}

func (e *Engine) clearPreferences(ctx context.Context) (protocol.Event, error) {
	if err := e.svc.Preferences.Clear(ctx); err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtPreferencesCleared, nil), nil
}

// getQuota reports usage and raises a warning on the hub if usage has just
// crossed the threshold.
func (e *Engine) getQuota(ctx context.Context) (protocol.Event, error) {
	if e.svc.Quota == nil {
		return protocol.Event{}, storageengine.ErrNotSupported
	}
	snap, _, err := e.svc.Quota.Check(ctx)
	if err != nil {
		return protocol.Event{}, storageengine.Database("reading quota", err)
	}
	return protocol.NewEvent(protocol.EvtQuotaInfo, snap), nil
}

func (e *Engine) runCleanup(ctx context.Context, p *protocol.RunCleanup) (protocol.Event, error) {
	result, err := e.svc.Cache.Cleanup(ctx, p.TargetBytes)
	if err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtCleanupCompleted, &protocol.Removed{
		EntriesRemoved: count32(len(result.Evict)),
		BytesFreed:     result.BytesFreed,
	}), nil
}

func (e *Engine) exportAll(ctx context.Context) (protocol.Event, error) {
	data, err := e.svc.Backup.Export(ctx)
	if err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtDataExported, &protocol.DataExported{Data: data}), nil
}

func (e *Engine) importAll(ctx context.Context, p *protocol.ImportAll) (protocol.Event, error) {
	result, err := e.svc.Backup.Import(ctx, &p.Data)
	if err != nil {
		return protocol.Event{}, err
	}
	return protocol.NewEvent(protocol.EvtDataImported, &protocol.DataImported{
		NotebooksCount:    count32(result.Notebooks),
		CacheEntriesCount: count32(result.CacheEntries),
	}), nil
}

func count32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(min(n, int(^uint32(0)))) //nolint:gosec // clamped
}

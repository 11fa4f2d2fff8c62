// Package session implements the Session and Session Manager: the
// stateful unit owning one Engine Adapter and an optional Dump Analyzer,
// plus the admission-controlled registry that creates, restores, and
// evicts sessions across process restarts.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coredump-labs/postmortem/internal/analyzer"
	"github.com/coredump-labs/postmortem/internal/config"
	"github.com/coredump-labs/postmortem/internal/dumpstore"
	"github.com/coredump-labs/postmortem/internal/engine"
	"github.com/coredump-labs/postmortem/internal/errs"
	"github.com/coredump-labs/postmortem/internal/logger"
	"github.com/coredump-labs/postmortem/internal/sessionstore"
	"github.com/coredump-labs/postmortem/internal/symbols"
)

// managedRuntimeMarkers are substrings in an `image list` dump that
// indicate a managed runtime is loaded, triggering an automatic
// runtime-debug plugin load.
var managedRuntimeMarkers = []string{
	"libcoreclr", "libclrjit", "libhostpolicy", "libhostfxr",
	"coreclr.dll", "clrjit.dll", "hostpolicy.dll", "hostfxr.dll",
	"libcoreclr.dylib", "libclrjit.dylib",
}

// Session is one debugging session: a single user's ownership of exactly
// one Engine Adapter for exactly one attached dump at a time.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	Engine   engine.Adapter
	Analyzer *analyzer.Analyzer

	mu                sync.Mutex
	currentDumpID     string
	currentDumpPath   string
	currentExecutable string

	// analyzerResult and symbolCacheDir are the last successful OpenDump's
	// inputs to mapModules, kept so a crash-recovery respawn (which the
	// Adapter itself only replays symbol paths, dump reopen, and the
	// runtime plugin for) can have its native module mappings redone too.
	analyzerResult *analyzer.Result
	symbolCacheDir string

	lastAccessedTicks atomic.Int64 // UnixNano, CAS-updated
}

func (s *Session) touch(now time.Time) {
	for {
		cur := s.lastAccessedTicks.Load()
		next := now.UnixNano()
		if next <= cur {
			return
		}
		if s.lastAccessedTicks.CompareAndSwap(cur, next) {
			return
		}
	}
}

// LastAccessedAt returns the session's last-accessed timestamp.
func (s *Session) LastAccessedAt() time.Time {
	return time.Unix(0, s.lastAccessedTicks.Load()).UTC()
}

// CurrentDump returns the dump id, dump path, and executable path attached
// to this session, or empty strings if none is attached.
func (s *Session) CurrentDump() (dumpID, dumpPath, executablePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentDumpID, s.currentDumpPath, s.currentExecutable
}

// OpenDumpOptions parameterizes the Session.OpenDump orchestration with
// everything not already reachable from the dumpstore/config the Manager
// was built with.
type OpenDumpOptions struct {
	ModuleLister analyzer.ModuleLister
	ArchDetector analyzer.ArchDetector
	Acquirer     *symbols.Acquirer
}

// OpenDump runs the full open-dump orchestration: analyze,
// acquire symbols, set the search path, pick a host binary, open the core,
// load module mappings, and auto-attach the runtime-debug plugin if a
// managed runtime is detected. On success the command cache is already
// enabled (the Adapter enables it itself once OpenDump succeeds).
func (s *Session) OpenDump(ctx context.Context, dumps *dumpstore.Store, cfg *config.Config, dumpID string, executableOverride string, opts OpenDumpOptions) error {
	meta, err := dumps.GetMetadata(s.UserID, dumpID)
	if err != nil {
		return fmt.Errorf("session: open dump: %w", err)
	}
	dumpPath := dumps.DumpPath(s.UserID, dumpID)
	cacheDir := dumps.SymbolCacheDir(s.UserID, dumpID)

	var result *analyzer.Result
	if opts.ModuleLister != nil && opts.ArchDetector != nil {
		a := analyzer.New(opts.ModuleLister, opts.ArchDetector)
		result, err = a.Analyze(ctx, dumpPath)
		if err != nil {
			logger.Warn("session: dump analysis failed, continuing with sidecar metadata only", "dump_id", dumpID, "err", err)
		} else {
			s.Analyzer = a
		}
	}

	if opts.Acquirer != nil && !dumps.HasCompleteSymbolInventory(s.UserID, dumpID, meta) {
		var modules []string
		if result != nil {
			for _, m := range result.ModuleLoadAddresses {
				modules = append(modules, m.Path)
			}
		}
		if err := opts.Acquirer.Ensure(ctx, s.UserID, dumpID, cfg.Static.SymbolServers, cfg.SymbolDownloadTimeout, modules); err != nil {
			logger.Warn("session: symbol acquisition failed; opening with whatever is cached", "dump_id", dumpID, "err", err)
		}
	}

	if !s.Engine.Initialized() {
		if err := s.Engine.Initialize(ctx); err != nil {
			return fmt.Errorf("session: initialize engine: %w", err)
		}
	}

	searchPaths, err := symbols.SearchPaths(cacheDir)
	if err != nil {
		logger.Warn("session: listing symbol search paths failed", "err", err)
	}
	if len(searchPaths) > 0 {
		if err := s.Engine.SetSymbolPath(ctx, searchPaths); err != nil {
			logger.Warn("session: set symbol path failed", "err", err)
		}
	}

	hostBinary := selectHostBinary(executableOverride, meta, result, cacheDir)

	if err := s.Engine.OpenDump(ctx, dumpPath, hostBinary); err != nil {
		return fmt.Errorf("session: open dump: %w", err)
	}

	loadDebugSidecars(ctx, s.Engine, cacheDir)
	if result != nil {
		mapModules(ctx, s.Engine, result, cacheDir)
	}

	if out, err := s.Engine.Execute(ctx, "image list"); err == nil {
		runtimeVersion := ""
		if result != nil {
			runtimeVersion = result.RuntimeVersion
		}
		if runtimeVersion != "" || containsManagedRuntimeMarker(out) {
			pluginOpts := engine.PluginLoadOptions{
				EnvOverride:            cfg.SOSPluginPath,
				DumpSymbolCacheDir:     cacheDir,
				HostPluginDir:          firstOf(cfg.Static.PluginSearchRoots),
				RuntimeInstallRoots:    cfg.Static.RuntimeInstallRoots,
				DetectedRuntimeVersion: runtimeVersion,
				SymbolServers:          cfg.Static.SymbolServers,
			}
			if err := engine.LoadPlugin(ctx, s.Engine, pluginOpts); err != nil {
				logger.Warn("session: runtime-debug plugin load failed", "dump_id", dumpID, "err", err)
			}
		}
	}

	s.mu.Lock()
	s.currentDumpID = dumpID
	s.currentDumpPath = dumpPath
	s.currentExecutable = hostBinary
	s.analyzerResult = result
	s.symbolCacheDir = cacheDir
	s.mu.Unlock()
	return nil
}

// Execute runs cmd against the session's engine. If the command triggered a
// crash-recovery respawn, the Adapter has already reapplied symbol paths,
// reopened the dump, and reloaded the runtime plugin on its own — but it
// has no notion of the native module-rebase script, which is session-level
// state layered on top of OpenDump. Execute detects the respawn via
// RecoveryCount and replays that layer before returning.
func (s *Session) Execute(ctx context.Context, cmd string) (string, error) {
	before := s.Engine.RecoveryCount()
	out, err := s.Engine.Execute(ctx, cmd)

	if after := s.Engine.RecoveryCount(); after != before {
		s.mu.Lock()
		result, cacheDir := s.analyzerResult, s.symbolCacheDir
		s.mu.Unlock()
		if result != nil {
			logger.Warn("session: engine recovered mid-command; re-mapping native modules", "session_id", s.ID)
			mapModules(ctx, s.Engine, result, cacheDir)
		}
	}
	return out, err
}

func containsManagedRuntimeMarker(output string) bool {
	lower := strings.ToLower(output)
	for _, m := range managedRuntimeMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// selectHostBinary implements the host-binary selection rules: an explicit
// override wins; otherwise prefer a usable ELF found in the symbol cache;
// otherwise fall back to the main executable path the analyzer or upload
// already recorded; core-only mode (empty string) if nothing qualifies.
func selectHostBinary(override string, meta *dumpstore.Metadata, result *analyzer.Result, cacheDir string) string {
	if override != "" {
		return override
	}
	if meta.ExecutableForStandaloneApp != "" {
		return meta.ExecutableForStandaloneApp
	}
	if candidate, ok := findUsableELF(cacheDir); ok {
		return candidate
	}
	if result != nil && result.MainExecutablePath != "" {
		return result.MainExecutablePath
	}
	return ""
}

// findUsableELF walks the symbol cache looking for a file with valid ELF
// magic bytes — a stand-in host binary when the dump didn't ship one.
func findUsableELF(cacheDir string) (string, bool) {
	var found string
	_ = filepath.Walk(cacheDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || found != "" || info == nil || info.IsDir() {
			return nil
		}
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil
		}
		defer f.Close()
		magic := make([]byte, 4)
		if n, _ := f.Read(magic); n == 4 && magic[0] == 0x7F && magic[1] == 'E' && magic[2] == 'L' && magic[3] == 'F' {
			found = path
		}
		return nil
	})
	return found, found != ""
}

// loadDebugSidecars issues an explicit symbol-load command for every
// .debug/.dbg sidecar in the cache — debuggers' search paths don't
// auto-discover these the way they do primary symbol files.
func loadDebugSidecars(ctx context.Context, a engine.Adapter, cacheDir string) {
	_ = filepath.Walk(cacheDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".debug") || strings.HasSuffix(path, ".dbg") {
			if _, err := a.Execute(ctx, fmt.Sprintf("target symbols add %q", path)); err != nil {
				logger.Warn("session: load debug sidecar failed", "path", path, "err", err)
			}
		}
		return nil
	})
}

// mapModules issues the add/load pair for every native module the
// analyzer found a cached .so for, falling back to a per-section load on
// failure. Cores carry no implicit module mapping — this is what makes
// symbolication and backtraces resolve.
func mapModules(ctx context.Context, a engine.Adapter, result *analyzer.Result, cacheDir string) {
	for _, m := range result.ModuleLoadAddresses {
		name := filepath.Base(m.Path)
		local, ok := symbols.FindPluginBinary(cacheDir, name)
		if !ok {
			continue
		}
		if _, err := a.Execute(ctx, fmt.Sprintf("target modules add %q", local)); err != nil {
			logger.Warn("session: add module failed", "module", name, "err", err)
			continue
		}
		loadCmd := fmt.Sprintf("target modules load --file %q --slide 0x%x", name, m.LoadAddress)
		if _, err := a.Execute(ctx, loadCmd); err != nil {
			logger.Warn("session: module load failed, falling back to per-section load", "module", name, "err", err)
			if _, err := a.Execute(ctx, fmt.Sprintf("target modules load --file %q --slide 0x%x --section .text", name, m.LoadAddress)); err != nil {
				logger.Warn("session: per-section module load also failed", "module", name, "err", err)
			}
		}
	}
}

func firstOf(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

// CloseDump detaches the current dump: closes it on the engine and clears
// the session's dump-attachment fields. A session can then open another
// dump or be closed outright.
func (s *Session) CloseDump(ctx context.Context) error {
	if err := s.Engine.CloseDump(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.currentDumpID = ""
	s.currentDumpPath = ""
	s.currentExecutable = ""
	s.mu.Unlock()
	return nil
}

// NewAdapterFunc constructs a fresh, platform-selected Engine Adapter. The
// Manager never shares one Adapter across sessions.
type NewAdapterFunc func() engine.Adapter

// Manager creates, restores, evicts, and persists sessions, enforcing the
// per-user and global admission limits. Its session map is a sync.Map
// (lock-free reads/writes); only the multi-step creation path — admission
// accounting plus eviction — is serialized under creationMu.
type Manager struct {
	creationMu sync.Mutex
	sessions   sync.Map // sessionID -> *Session

	store      *sessionstore.Store
	dumps      *dumpstore.Store
	cfg        *config.Config
	newAdapter NewAdapterFunc
	serverID   string
	index      SessionIndexer
	onClose    func(sessionID string)
}

// SessionIndexer is the subset of *metaindex.Index the Manager needs to keep
// warm on Create and every touch, without the session package importing
// metaindex's SQLite-backed admin query surface wholesale.
type SessionIndexer interface {
	UpsertSession(rec sessionstore.Record) error
}

// NewManager returns a Manager. serverID is this process's stable
// identifier, embedded in every persisted record for observability of
// cross-node migrations. index may be nil, in which case the Manager simply
// doesn't keep a live admin-query index warm (tests commonly pass nil).
func NewManager(store *sessionstore.Store, dumps *dumpstore.Store, cfg *config.Config, newAdapter NewAdapterFunc, serverID string, index SessionIndexer, onClose func(sessionID string)) *Manager {
	return &Manager{store: store, dumps: dumps, cfg: cfg, newAdapter: newAdapter, serverID: serverID, index: index, onClose: onClose}
}

func (m *Manager) indexUpsert(rec sessionstore.Record) {
	if m.index == nil {
		return
	}
	if err := m.index.UpsertSession(rec); err != nil {
		logger.Warn("session: metaindex upsert failed", "session_id", rec.SessionID, "err", err)
	}
}

type sessionRef struct {
	id        string
	createdAt time.Time
	userID    string
}

// Create allocates a fresh session for userID, enforcing per-user and
// global session limits.
func (m *Manager) Create(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("session: create: %w", errs.ErrInvalidInput)
	}

	m.creationMu.Lock()
	defer m.creationMu.Unlock()

	now := time.Now().UTC()
	refs, err := m.liveRefsLocked(now)
	if err != nil {
		return nil, err
	}

	var userRefs []sessionRef
	for _, r := range refs {
		if r.userID == userID {
			userRefs = append(userRefs, r)
		}
	}
	sort.Slice(userRefs, func(i, j int) bool {
		if userRefs[i].createdAt.Equal(userRefs[j].createdAt) {
			return userRefs[i].id < userRefs[j].id
		}
		return userRefs[i].createdAt.Before(userRefs[j].createdAt)
	})

	for len(userRefs) >= m.cfg.MaxSessionsPerUser {
		victim := userRefs[0]
		userRefs = userRefs[1:]
		if err := m.closeByID(ctx, victim.id); err != nil {
			logger.Warn("session: eviction close failed", "session_id", victim.id, "err", err)
		}
	}

	totalAfterEviction := m.countLive()
	if totalAfterEviction >= m.cfg.MaxTotalSessions {
		return nil, errs.ErrCapacityExceeded
	}

	sessionID := uuid.New().String()
	adapter := m.newAdapter()
	sess := &Session{ID: sessionID, UserID: userID, CreatedAt: now, Engine: adapter}
	sess.touch(now)
	m.sessions.Store(sessionID, sess)

	rec := sessionstore.Record{
		SessionID:      sessionID,
		UserID:         userID,
		CreatedAt:      now,
		LastAccessedAt: now,
		LastServerID:   m.serverID,
	}
	if err := m.store.Save(rec); err != nil {
		m.sessions.Delete(sessionID)
		_ = adapter.Dispose()
		return nil, fmt.Errorf("session: %w", errs.ErrPersistFailed)
	}
	m.indexUpsert(rec)
	return sess, nil
}

func (m *Manager) countLive() int {
	ids := map[string]struct{}{}
	m.sessions.Range(func(k, _ any) bool {
		ids[k.(string)] = struct{}{}
		return true
	})
	recs, _ := m.store.LoadAll()
	now := time.Now().UTC()
	for _, r := range recs {
		if now.Sub(r.LastAccessedAt) <= m.cfg.SessionInactivity {
			ids[r.SessionID] = struct{}{}
		}
	}
	return len(ids)
}

// liveRefsLocked returns the union of in-memory and non-expired persisted
// session refs, deduplicated by id. Callers must hold creationMu.
func (m *Manager) liveRefsLocked(now time.Time) ([]sessionRef, error) {
	byID := map[string]sessionRef{}
	m.sessions.Range(func(k, v any) bool {
		sess := v.(*Session)
		byID[sess.ID] = sessionRef{id: sess.ID, createdAt: sess.CreatedAt, userID: sess.UserID}
		return true
	})
	recs, err := m.store.LoadAll()
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if now.Sub(r.LastAccessedAt) > m.cfg.SessionInactivity {
			continue
		}
		if _, ok := byID[r.SessionID]; !ok {
			byID[r.SessionID] = sessionRef{id: r.SessionID, createdAt: r.CreatedAt, userID: r.UserID}
		}
	}
	out := make([]sessionRef, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	return out, nil
}

// Get retrieves a session owned by userID, restoring it from the
// persistent store (re-instantiating the engine and reopening its dump)
// if it isn't already resident in memory.
func (m *Manager) Get(ctx context.Context, userID, sessionID string) (*Session, error) {
	if v, ok := m.sessions.Load(sessionID); ok {
		sess := v.(*Session)
		if sess.UserID != userID {
			return nil, errs.ErrUnauthorized
		}
		sess.touch(time.Now().UTC())
		m.persistBestEffort(sess)
		return sess, nil
	}

	rec, err := m.store.Load(sessionID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, errs.ErrUnauthorized
	}
	if time.Since(rec.LastAccessedAt) > m.cfg.SessionInactivity {
		_ = m.store.Delete(sessionID)
		return nil, errs.ErrNotFound
	}

	sess := &Session{ID: sessionID, UserID: userID, CreatedAt: rec.CreatedAt, Engine: m.newAdapter()}
	if rec.DumpPath != "" {
		if _, statErr := os.Stat(rec.DumpPath); statErr == nil {
			if err := sess.Engine.Initialize(ctx); err != nil {
				logger.Error("session: restore: engine initialize failed", "session_id", sessionID, "err", err)
			} else {
				execPath := rec.ExecutablePath
				if execPath == "" && rec.CurrentDumpID != "" {
					if meta, metaErr := m.dumps.GetMetadata(userID, rec.CurrentDumpID); metaErr == nil {
						execPath = meta.ExecutableForStandaloneApp
					}
				}
				if err := sess.Engine.OpenDump(ctx, rec.DumpPath, execPath); err != nil {
					logger.Error("session: restore: reopen dump failed", "session_id", sessionID, "err", err)
				} else {
					sess.currentDumpID = rec.CurrentDumpID
					sess.currentDumpPath = rec.DumpPath
					sess.currentExecutable = execPath
				}
			}
		}
	}

	sess.touch(time.Now().UTC())
	m.sessions.Store(sessionID, sess)
	m.persistBestEffort(sess)
	return sess, nil
}

func (m *Manager) persistBestEffort(sess *Session) {
	dumpID, dumpPath, execPath := sess.CurrentDump()
	rec := sessionstore.Record{
		SessionID:      sess.ID,
		UserID:         sess.UserID,
		CreatedAt:      sess.CreatedAt,
		LastAccessedAt: sess.LastAccessedAt(),
		CurrentDumpID:  dumpID,
		DumpPath:       dumpPath,
		ExecutablePath: execPath,
		LastServerID:   m.serverID,
	}
	if err := m.store.Save(rec); err != nil {
		logger.Warn("session: best-effort persist failed", "session_id", sess.ID, "err", err)
		return
	}
	m.indexUpsert(rec)
}

// Close removes sessionID from memory, disposes its engine, deletes its
// persisted record, and invokes the on-close hook exactly once.
func (m *Manager) Close(sessionID string) error {
	return m.closeByID(context.Background(), sessionID)
}

func (m *Manager) closeByID(ctx context.Context, sessionID string) error {
	if v, ok := m.sessions.LoadAndDelete(sessionID); ok {
		sess := v.(*Session)
		if err := sess.Engine.Dispose(); err != nil {
			logger.Warn("session: engine dispose failed on close", "session_id", sessionID, "err", err)
		}
	}
	if err := m.store.Delete(sessionID); err != nil {
		return err
	}
	if m.onClose != nil {
		m.onClose(sessionID)
	}
	return nil
}

// Cleanup scans both memory and disk for sessions past the inactivity
// threshold and closes them. Intended to run on a ticker from the daemon.
func (m *Manager) Cleanup(ctx context.Context) {
	now := time.Now().UTC()
	var toClose []string
	m.sessions.Range(func(k, v any) bool {
		sess := v.(*Session)
		if now.Sub(sess.LastAccessedAt()) > m.cfg.SessionInactivity {
			toClose = append(toClose, sess.ID)
		}
		return true
	})
	for _, id := range toClose {
		if err := m.closeByID(ctx, id); err != nil {
			logger.Warn("session: cleanup close failed", "session_id", id, "err", err)
		}
	}

	recs, err := m.store.LoadAll()
	if err != nil {
		logger.Warn("session: cleanup: list persisted sessions failed", "err", err)
		return
	}
	for _, r := range recs {
		if _, inMemory := m.sessions.Load(r.SessionID); inMemory {
			continue
		}
		if now.Sub(r.LastAccessedAt) > m.cfg.SessionInactivity {
			if err := m.store.Delete(r.SessionID); err != nil {
				logger.Warn("session: cleanup: delete disk-only record failed", "session_id", r.SessionID, "err", err)
			}
		}
	}
}

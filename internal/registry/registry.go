// Package registry keeps the named connection profiles and the selected
// connection. Profiles live in a JSON file that may be edited by hand; the
// selection lives in a separate key/value store.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/sqlcat/internal/bus"
	otelPkg "github.com/basket/sqlcat/internal/otel"
	"github.com/basket/sqlcat/internal/state"
)

// SelectedKey is the state key holding the selected profile name.
const SelectedKey = "sqlcat.selectedConnection"

var (
	ErrEmptyName = errors.New("profile name is empty")
	ErrNotFound  = errors.New("connection not found")
)

// PersistError reports a failed write. The in-memory change it belongs to
// has already been applied.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// ConnectionsChangedEvent is published on bus.TopicRegistryConnectionsChanged,
// once per committed change. The bus never blocks the registry: a subscriber
// whose buffer is full misses the event and its Subscription.Dropped count
// rises. Every event carries the full snapshot, so the next one delivered is
// complete regardless of what was missed.
type ConnectionsChangedEvent struct {
	Profiles []Profile
}

// SelectionChangedEvent is published on bus.TopicRegistrySelectionChanged.
// Profile is nil when nothing is selected.
type SelectionChangedEvent struct {
	Profile *Profile
}

type Options struct {
	Path    string
	Files   FileStore
	State   state.Store
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelPkg.Metrics
}

type Registry struct {
	path    string
	files   FileStore
	state   state.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otelPkg.Metrics

	mu       sync.Mutex
	profiles []Profile
	selected string

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// Open loads the backing file and the persisted selection. A missing or
// malformed file yields an empty registry; only a missing path is an error.
func Open(ctx context.Context, opts Options) (*Registry, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("registry: connections file path is empty")
	}
	if opts.Files == nil {
		opts.Files = OSFileStore{}
	}
	if opts.State == nil {
		opts.State = state.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{
		path:    opts.Path,
		files:   opts.Files,
		state:   opts.State,
		bus:     opts.Bus,
		logger:  opts.Logger.With("component", "registry"),
		metrics: opts.Metrics,
	}

	r.profiles = r.readSnapshot()

	name, ok, err := r.state.Get(ctx, SelectedKey)
	if err != nil {
		r.logger.Warn("read selected connection failed", "error", err)
	} else if ok {
		r.selected = name
	}
	if r.selected != "" && indexOf(r.profiles, r.selected) < 0 {
		r.logger.Info("clearing selection of missing connection", "name", r.selected)
		r.selected = ""
		if err := r.state.Delete(ctx, SelectedKey); err != nil {
			r.logger.Warn("clear selected connection failed", "error", err)
		}
	}
	r.logger.Debug("registry opened", "path", r.path, "profiles", len(r.profiles))
	return r, nil
}

func (r *Registry) Path() string { return r.path }

// List returns a copy of the current snapshot in insertion order.
func (r *Registry) List() []Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneProfiles(r.profiles)
}

func (r *Registry) Get(name string) (Profile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := indexOf(r.profiles, name); i >= 0 {
		return r.profiles[i], true
	}
	return Profile{}, false
}

// Save inserts p or replaces the profile with the same name, then rewrites the
// backing file.
func (r *Registry) Save(ctx context.Context, p Profile) error {
	if strings.TrimSpace(p.Name) == "" {
		return ErrEmptyName
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	next := cloneProfiles(r.profiles)
	if i := indexOf(next, p.Name); i >= 0 {
		next[i] = p
	} else {
		next = append(next, p)
	}
	changed := !slices.Equal(r.profiles, next)
	r.profiles = next

	err := r.persistLocked()
	if err != nil {
		r.logger.Error("save connection failed", "profile", p, "error", err)
	} else {
		r.logger.Info("connection saved", "profile", p)
	}
	if changed {
		r.publishConnectionsLocked()
		if r.selected == p.Name {
			r.publishSelectionLocked()
		}
	}
	return err
}

// Delete removes the named profile and reports whether it existed. Deleting
// the selected profile clears the selection.
func (r *Registry) Delete(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := indexOf(r.profiles, name)
	if i < 0 {
		return false, nil
	}
	next := cloneProfiles(r.profiles)
	r.profiles = slices.Delete(next, i, i+1)

	err := r.persistLocked()
	if err != nil {
		r.logger.Error("delete connection failed", "name", name, "error", err)
	} else {
		r.logger.Info("connection deleted", "name", name)
	}
	r.publishConnectionsLocked()

	if r.selected == name {
		if serr := r.clearSelectionLocked(ctx); serr != nil && err == nil {
			err = serr
		}
	}
	return true, err
}

// Selected resolves the selected name against the current snapshot.
func (r *Registry) Selected() (Profile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectedLocked()
}

// SetSelected persists name as the selection; "" clears it. Selecting a name
// that is not in the registry returns ErrNotFound.
func (r *Registry) SetSelected(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		if r.selected == "" {
			return nil
		}
		return r.clearSelectionLocked(ctx)
	}
	if indexOf(r.profiles, name) < 0 {
		return fmt.Errorf("select %q: %w", name, ErrNotFound)
	}
	if r.selected == name {
		return nil
	}
	r.selected = name
	var err error
	if serr := r.state.Set(ctx, SelectedKey, name); serr != nil {
		err = &PersistError{Path: SelectedKey, Err: serr}
		r.logger.Error("persist selection failed", "name", name, "error", serr)
	}
	r.logger.Info("connection selected", "name", name)
	r.publishSelectionLocked()
	return err
}

// Reload re-reads the backing file. Observers hear about it only when the
// profiles actually differ. Read failures are logged and leave an empty
// registry; the returned error only reports a failed selection write.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.readSnapshot()
	if slices.Equal(r.profiles, next) {
		r.recordReload(ctx, "unchanged")
		return nil
	}
	prevSelected, hadSelected := r.selectedLocked()
	r.profiles = next
	r.recordReload(ctx, "changed")
	r.logger.Info("connections reloaded", "profiles", len(next))
	r.publishConnectionsLocked()

	if r.selected == "" {
		return nil
	}
	cur, ok := r.selectedLocked()
	if !ok {
		r.logger.Info("selected connection vanished on reload", "name", r.selected)
		return r.clearSelectionLocked(ctx)
	}
	if hadSelected && cur != prevSelected {
		r.publishSelectionLocked()
	}
	return nil
}

// EnsureFile creates the backing file with an empty array if it does not
// exist yet.
func (r *Registry) EnsureFile() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.files.ReadFile(r.path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %s: %w", r.path, err)
	}
	if err := r.files.WriteFile(r.path, []byte("[]\n")); err != nil {
		return &PersistError{Path: r.path, Err: err}
	}
	return nil
}

// Watch reloads the registry on every change notification for the backing
// file until ctx is canceled or Close is called. The file is created first
// so its directory exists.
func (r *Registry) Watch(ctx context.Context) error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watchCancel != nil {
		return errors.New("registry: already watching")
	}
	if err := r.EnsureFile(); err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(ctx)
	w := NewWatcher(r.path, r.logger)
	if err := w.Start(wctx); err != nil {
		cancel()
		return fmt.Errorf("watch %s: %w", r.path, err)
	}
	done := make(chan struct{})
	r.watchCancel = cancel
	r.watchDone = done

	go func() {
		defer close(done)
		for ev := range w.Events() {
			r.logger.Debug("reloading after file change", "op", ev.Op.String())
			if err := r.Reload(wctx); err != nil {
				r.logger.Warn("reload after file change failed", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	cancel, done := r.watchCancel, r.watchDone
	r.watchCancel, r.watchDone = nil, nil
	r.watchMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (r *Registry) selectedLocked() (Profile, bool) {
	if r.selected == "" {
		return Profile{}, false
	}
	if i := indexOf(r.profiles, r.selected); i >= 0 {
		return r.profiles[i], true
	}
	return Profile{}, false
}

func (r *Registry) clearSelectionLocked(ctx context.Context) error {
	r.selected = ""
	var err error
	if serr := r.state.Delete(ctx, SelectedKey); serr != nil {
		err = &PersistError{Path: SelectedKey, Err: serr}
		r.logger.Error("clear selection failed", "error", serr)
	}
	r.publishSelectionLocked()
	return err
}

// readSnapshot never fails; problems are logged and read as empty.
func (r *Registry) readSnapshot() []Profile {
	data, err := r.files.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Profile{}
	}
	if err != nil {
		r.logger.Warn("read connections file failed", "path", r.path, "error", err)
		return []Profile{}
	}
	profiles, err := DecodeProfiles(data)
	if err != nil {
		r.logger.Warn("connections file is invalid, treating as empty", "path", r.path, "error", err)
		return []Profile{}
	}
	return profiles
}

// DecodeProfiles parses backing file content. Empty content is an empty list.
func DecodeProfiles(data []byte) ([]Profile, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []Profile{}, nil
	}
	if err := ValidateFile(data); err != nil {
		return nil, err
	}
	var profiles []Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, err
	}
	if profiles == nil {
		profiles = []Profile{}
	}
	return profiles, nil
}

func (r *Registry) persistLocked() error {
	data, err := json.MarshalIndent(r.profiles, "", "  ")
	if err != nil {
		return &PersistError{Path: r.path, Err: err}
	}
	data = append(data, '\n')
	if err := r.files.WriteFile(r.path, data); err != nil {
		return &PersistError{Path: r.path, Err: err}
	}
	return nil
}

func (r *Registry) publishConnectionsLocked() {
	r.bus.Publish(bus.TopicRegistryConnectionsChanged, ConnectionsChangedEvent{
		Profiles: cloneProfiles(r.profiles),
	})
}

func (r *Registry) publishSelectionLocked() {
	var ev SelectionChangedEvent
	if p, ok := r.selectedLocked(); ok {
		ev.Profile = &p
	}
	r.bus.Publish(bus.TopicRegistrySelectionChanged, ev)
}

func (r *Registry) recordReload(ctx context.Context, outcome string) {
	if r.metrics == nil || r.metrics.RegistryReloads == nil {
		return
	}
	r.metrics.RegistryReloads.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrOutcome.String(outcome)))
}

func cloneProfiles(in []Profile) []Profile {
	out := make([]Profile, len(in))
	copy(out, in)
	return out
}

package plugins

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qbot-dev/qbot/pkg/logger"
	"github.com/qbot-dev/qbot/pkg/middleware"
	"github.com/qbot-dev/qbot/pkg/onebot"
	"github.com/qbot-dev/qbot/pkg/utils"
)

var (
	ErrUnknownPlugin = errors.New("plugins: unknown plugin")
	ErrNotLoaded     = errors.New("plugins: plugin not loaded")
	ErrLoaded        = errors.New("plugins: plugin already loaded")
)

// StateStore persists which plugins are enabled across restarts.
type StateStore interface {
	SetPluginEnabled(ctx context.Context, id string, enabled bool) error
	PluginStates(ctx context.Context) (map[string]bool, error)
}

type loadedPlugin struct {
	plugin  Plugin
	desc    Descriptor
	index   int
	enabled bool
}

// Manager owns the loaded plugins. Lifecycle changes are serialized by one
// lock and run their hooks under it; dispatch only takes the data lock long
// enough to grab the current chain.
type Manager struct {
	registry *Registry
	store    StateStore
	monitor  *Monitor

	lifecycle sync.Mutex

	mu     sync.RWMutex
	loaded map[string]*loadedPlugin
	// chain holds the enabled plugins in dispatch order. It is replaced,
	// never mutated, so readers may keep iterating an old copy.
	chain []*loadedPlugin
}

// NewManager creates a manager for the plugins in registry. store may be nil.
func NewManager(registry *Registry, store StateStore) *Manager {
	return &Manager{
		registry: registry,
		store:    store,
		monitor:  NewMonitor(),
		loaded:   make(map[string]*loadedPlugin),
	}
}

func (m *Manager) Monitor() *Monitor {
	return m.monitor
}

// LoadAll loads every registered plugin and enables those in enabled, or all
// of them when enabled is nil. A persisted state overrides the list. A plugin
// that fails to build or load is logged and left out; the rest still load.
func (m *Manager) LoadAll(ctx context.Context, enabled []string) int {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	var persisted map[string]bool
	if m.store != nil {
		states, err := m.store.PluginStates(ctx)
		if err != nil {
			logger.WarnCF("plugins", "Failed to read persisted plugin states", map[string]interface{}{
				"error": err.Error(),
			})
		}
		persisted = states
	}

	wanted := func(id string) bool {
		if on, ok := persisted[id]; ok {
			return on
		}
		if enabled == nil {
			return true
		}
		for _, e := range enabled {
			if e == id {
				return true
			}
		}
		return false
	}

	var fresh []*loadedPlugin
	for _, id := range m.registry.IDs() {
		if m.get(id) != nil {
			continue
		}
		lp, err := m.load(ctx, id)
		if err != nil {
			logger.ErrorCF("plugins", "Plugin failed to load", map[string]interface{}{
				"plugin": id,
				"error":  err.Error(),
			})
			continue
		}
		fresh = append(fresh, lp)
	}

	for _, lp := range fresh {
		if !wanted(lp.desc.ID) {
			continue
		}
		if err := m.enable(ctx, lp, false, map[string]bool{}); err != nil {
			logger.ErrorCF("plugins", "Plugin failed to enable", map[string]interface{}{
				"plugin": lp.desc.ID,
				"error":  err.Error(),
			})
		}
	}

	m.mu.RLock()
	loaded, active := len(m.loaded), len(m.chain)
	m.mu.RUnlock()

	logger.InfoCF("plugins", "Plugins loaded", map[string]interface{}{
		"registered": m.registry.Count(),
		"loaded":     loaded,
		"enabled":    active,
	})
	return len(fresh)
}

// Load builds and loads one plugin without enabling it.
func (m *Manager) Load(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.get(id) != nil {
		return fmt.Errorf("%w: %s", ErrLoaded, id)
	}
	_, err := m.load(ctx, id)
	return err
}

// Unload disables the plugin if needed and runs its unload hook.
func (m *Manager) Unload(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	lp := m.get(id)
	if lp == nil {
		return fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}
	return m.unload(ctx, lp)
}

// Enable loads the plugin if needed, enables it and its dependencies, and
// persists the choice.
func (m *Manager) Enable(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	lp := m.get(id)
	if lp == nil {
		var err error
		if lp, err = m.load(ctx, id); err != nil {
			return err
		}
	}
	return m.enable(ctx, lp, true, map[string]bool{})
}

// Disable stops dispatching to the plugin and persists the choice. The
// plugin stays loaded.
func (m *Manager) Disable(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	lp := m.get(id)
	if lp == nil {
		return fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}
	return m.disable(ctx, lp, true)
}

// Reload replaces the plugin with a freshly built instance, keeping its
// enabled state.
func (m *Manager) Reload(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	lp := m.get(id)
	if lp == nil {
		return fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}
	wasEnabled := lp.enabled

	if err := m.unload(ctx, lp); err != nil {
		logger.WarnCF("plugins", "Unload hook failed during reload", map[string]interface{}{
			"plugin": id,
			"error":  err.Error(),
		})
	}
	fresh, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if wasEnabled {
		return m.enable(ctx, fresh, false, map[string]bool{})
	}
	return nil
}

// UnloadAll unloads every plugin in reverse discovery order.
func (m *Manager) UnloadAll(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.RLock()
	all := make([]*loadedPlugin, 0, len(m.loaded))
	for _, lp := range m.loaded {
		all = append(all, lp)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].index > all[j].index })
	for _, lp := range all {
		if err := m.unload(ctx, lp); err != nil {
			logger.WarnCF("plugins", "Plugin unload failed", map[string]interface{}{
				"plugin": lp.desc.ID,
				"error":  err.Error(),
			})
		}
	}
}

func (m *Manager) get(id string) *loadedPlugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded[id]
}

func (m *Manager) load(ctx context.Context, id string) (*loadedPlugin, error) {
	factory, index, ok := m.registry.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}

	p, err := build(factory)
	if err != nil {
		return nil, &PluginError{PluginID: id, Hook: "factory", Err: err}
	}
	desc := p.Info()
	switch {
	case desc.ID == "":
		return nil, &PluginError{PluginID: id, Hook: "factory", Err: errors.New("descriptor has empty id")}
	case desc.ID != id:
		return nil, &PluginError{PluginID: id, Hook: "factory", Err: fmt.Errorf("descriptor id %q does not match registration", desc.ID)}
	}

	if err := m.hook(ctx, id, "on_load", p.OnLoad); err != nil {
		return nil, err
	}

	lp := &loadedPlugin{plugin: p, desc: desc, index: index}
	m.mu.Lock()
	m.loaded[id] = lp
	m.mu.Unlock()

	logger.InfoCF("plugins", "Plugin loaded", map[string]interface{}{
		"plugin":   id,
		"version":  desc.Version,
		"priority": desc.Priority,
	})
	return lp, nil
}

func (m *Manager) unload(ctx context.Context, lp *loadedPlugin) error {
	if lp.enabled {
		if err := m.disable(ctx, lp, false); err != nil {
			logger.WarnCF("plugins", "Disable hook failed during unload", map[string]interface{}{
				"plugin": lp.desc.ID,
				"error":  err.Error(),
			})
		}
	}

	m.mu.Lock()
	delete(m.loaded, lp.desc.ID)
	m.mu.Unlock()

	err := m.hook(ctx, lp.desc.ID, "on_unload", lp.plugin.OnUnload)
	logger.InfoCF("plugins", "Plugin unloaded", map[string]interface{}{
		"plugin": lp.desc.ID,
	})
	return err
}

func (m *Manager) enable(ctx context.Context, lp *loadedPlugin, persist bool, visiting map[string]bool) error {
	if lp.enabled {
		return nil
	}
	id := lp.desc.ID
	if visiting[id] {
		return fmt.Errorf("plugin %s: dependency cycle", id)
	}
	visiting[id] = true

	for _, dep := range lp.desc.Depends {
		dl := m.get(dep)
		if dl == nil {
			return fmt.Errorf("plugin %s: dependency %s is not loaded", id, dep)
		}
		if err := m.enable(ctx, dl, persist, visiting); err != nil {
			return fmt.Errorf("plugin %s: enable dependency: %w", id, err)
		}
	}

	if err := m.hook(ctx, id, "on_enable", lp.plugin.OnEnable); err != nil {
		return err
	}

	m.mu.Lock()
	lp.enabled = true
	m.rebuildChain()
	m.mu.Unlock()

	if persist {
		m.persist(ctx, id, true)
	}
	logger.InfoCF("plugins", "Plugin enabled", map[string]interface{}{
		"plugin": id,
	})
	return nil
}

// disable takes the plugin out of the chain before running its hook, so a
// failing hook still leaves it disabled.
func (m *Manager) disable(ctx context.Context, lp *loadedPlugin, persist bool) error {
	if !lp.enabled {
		return nil
	}

	m.mu.Lock()
	lp.enabled = false
	m.rebuildChain()
	m.mu.Unlock()

	err := m.hook(ctx, lp.desc.ID, "on_disable", lp.plugin.OnDisable)
	if persist {
		m.persist(ctx, lp.desc.ID, false)
	}
	logger.InfoCF("plugins", "Plugin disabled", map[string]interface{}{
		"plugin": lp.desc.ID,
	})
	return err
}

// rebuildChain must be called with mu held for writing.
func (m *Manager) rebuildChain() {
	chain := make([]*loadedPlugin, 0, len(m.loaded))
	for _, lp := range m.loaded {
		if lp.enabled {
			chain = append(chain, lp)
		}
	}
	sortDispatchOrder(chain)
	m.chain = chain
}

func sortDispatchOrder(list []*loadedPlugin) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].desc.Priority != list[j].desc.Priority {
			return list[i].desc.Priority > list[j].desc.Priority
		}
		return list[i].index < list[j].index
	})
}

func (m *Manager) persist(ctx context.Context, id string, enabled bool) {
	if m.store == nil {
		return
	}
	if err := m.store.SetPluginEnabled(ctx, id, enabled); err != nil {
		logger.WarnCF("plugins", "Failed to persist plugin state", map[string]interface{}{
			"plugin":  id,
			"enabled": enabled,
			"error":   err.Error(),
		})
	}
}

func (m *Manager) hook(ctx context.Context, id, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PluginError{PluginID: id, Hook: name, Err: fmt.Errorf("panic: %v", r)}
			logger.ErrorCF("plugins", "Plugin hook panicked", map[string]interface{}{
				"plugin": id,
				"hook":   name,
				"stack":  string(debug.Stack()),
			})
		}
	}()
	if err := fn(ctx); err != nil {
		return &PluginError{PluginID: id, Hook: name, Err: err}
	}
	return nil
}

func build(factory Factory) (p Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	p, err = factory()
	if err == nil && p == nil {
		err = errors.New("factory returned nil plugin")
	}
	return p, err
}

func (m *Manager) enabledChain() []*loadedPlugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chain
}

// HandleMessage offers evt to each enabled plugin by descending priority and
// returns the first non-empty reply with the id of the plugin that gave it.
// Plugin failures are logged and skipped.
func (m *Manager) HandleMessage(ctx context.Context, evt *onebot.Event) (string, string) {
	for _, lp := range m.enabledChain() {
		if ctx.Err() != nil {
			return "", ""
		}
		reply, err := dispatch[*onebot.Event](ctx, m, lp.desc.ID, "on_message", lp.plugin.OnMessage, evt)
		if err != nil {
			m.logFailure(err, evt)
			continue
		}
		if reply != "" {
			return reply, lp.desc.ID
		}
	}
	return "", ""
}

// HandleCommand is HandleMessage for parsed commands.
func (m *Manager) HandleCommand(ctx context.Context, cmd Command) (string, string) {
	for _, lp := range m.enabledChain() {
		if ctx.Err() != nil {
			return "", ""
		}
		reply, err := dispatch[Command](ctx, m, lp.desc.ID, "on_command", lp.plugin.OnCommand, cmd)
		if err != nil {
			m.logFailure(err, cmd.Event)
			continue
		}
		if reply != "" {
			return reply, lp.desc.ID
		}
	}
	return "", ""
}

// NotifySend lets observing plugins see a reply that was sent for evt.
func (m *Manager) NotifySend(ctx context.Context, evt *onebot.Event, reply string) {
	for _, lp := range m.enabledChain() {
		obs, ok := lp.plugin.(SendObserver)
		if !ok {
			continue
		}
		err := m.hook(ctx, lp.desc.ID, "on_send", func(ctx context.Context) error {
			obs.OnSend(ctx, evt, reply)
			return nil
		})
		if err != nil {
			m.logFailure(err, evt)
		}
	}
}

func dispatch[Req any](ctx context.Context, m *Manager, id, hook string, fn middleware.Func[Req, string], req Req) (string, error) {
	guarded := middleware.Chain(fn,
		middleware.Timed[Req, string](id, func(d time.Duration, err error) {
			m.monitor.Record(id, d, err)
		}),
		middleware.Recover[Req, string](id+"."+hook),
	)

	reply, err := guarded(ctx, req)
	if err != nil {
		return "", &PluginError{PluginID: id, Hook: hook, Err: err}
	}
	if strings.TrimSpace(reply) == "" {
		return "", nil
	}
	return reply, nil
}

func (m *Manager) logFailure(err error, evt *onebot.Event) {
	fields := map[string]interface{}{
		"error": err.Error(),
	}
	var pe *PluginError
	if errors.As(err, &pe) {
		fields["plugin"] = pe.PluginID
		fields["hook"] = pe.Hook
	}
	if evt != nil {
		fields["context"] = evt.ContextID()
		fields["event"] = utils.Truncate(string(evt.Raw), 300)
	}
	logger.ErrorCF("plugins", "Plugin failed while handling event", fields)
}

func (m *Manager) IsEnabled(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lp, ok := m.loaded[id]
	return ok && lp.enabled
}

// List describes the loaded plugins in dispatch order.
func (m *Manager) List() []Descriptor {
	m.mu.RLock()
	all := make([]*loadedPlugin, 0, len(m.loaded))
	for _, lp := range m.loaded {
		all = append(all, lp)
	}
	out := make([]Descriptor, 0, len(all))
	sortDispatchOrder(all)
	for _, lp := range all {
		d := lp.desc
		d.Enabled = lp.enabled
		out = append(out, d)
	}
	m.mu.RUnlock()
	return out
}

// Available returns registered plugin ids, loaded or not.
func (m *Manager) Available() []string {
	return m.registry.IDs()
}

// Commands lists the commands of enabled plugins in dispatch order.
func (m *Manager) Commands() []CommandInfo {
	var out []CommandInfo
	for _, lp := range m.enabledChain() {
		out = append(out, lp.plugin.Commands()...)
	}
	return out
}

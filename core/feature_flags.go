package core

// feature_flags.go – hot-activatable runtime toggles. Governance hands
// the manager explicit activation commands (tagged values, no closures);
// the manager persists the flag file atomically and applies the matching
// runtime hook. Activation never requires a restart.

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FeatureName selects a flag.
type FeatureName string

const (
	FeatureSharding      FeatureName = "sharding_enabled"
	FeatureGovernance    FeatureName = "governance_enabled"
	FeatureBridges       FeatureName = "bridges_enabled"
	FeatureWASMContracts FeatureName = "wasm_contracts_enabled"
	FeatureEVMContracts  FeatureName = "evm_contracts_enabled"
	FeatureIBC           FeatureName = "ibc_enabled"
)

// FeatureCommand is the command-pattern activation message the governance
// executor enqueues; the node drains and applies.
type FeatureCommand struct {
	Name    FeatureName `json:"name"`
	Enabled bool        `json:"enabled"`
}

// RuntimeHook brings a subsystem up or down when its flag flips.
type RuntimeHook interface {
	Activate() error
	Deactivate() error
}

// FeatureManager owns the flag file and the hook table. Components read
// flags through the immutable Snapshot; only the governance executor gets
// the ActivateFeature write capability.
type FeatureManager struct {
	mu    sync.RWMutex
	path  string
	flags FeatureFlags
	hooks map[FeatureName]RuntimeHook
	queue chan FeatureCommand
}

// NewFeatureManager loads the persisted flags (or starts from zero).
func NewFeatureManager(path string) (*FeatureManager, error) {
	m := &FeatureManager{
		path:  path,
		hooks: make(map[FeatureName]RuntimeHook),
		queue: make(chan FeatureCommand, 16),
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(raw, &m.flags); err != nil {
			return nil, WrapErr(KindConfig, "decode feature flags", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, WrapErr(KindConfig, "read feature flags", err)
	}
	return m, nil
}

// Snapshot returns the current flags by value.
func (m *FeatureManager) Snapshot() FeatureFlags {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags
}

// RegisterHook installs the runtime bring-up/tear-down for a feature.
func (m *FeatureManager) RegisterHook(name FeatureName, hook RuntimeHook) {
	m.mu.Lock()
	m.hooks[name] = hook
	m.mu.Unlock()
}

// Enqueue queues an activation command from the governance executor.
func (m *FeatureManager) Enqueue(cmd FeatureCommand) { m.queue <- cmd }

// Drain applies every queued command; the node calls this from its main
// loop.
func (m *FeatureManager) Drain() error {
	for {
		select {
		case cmd := <-m.queue:
			if err := m.ActivateFeature(cmd.Name, cmd.Enabled); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// ActivateFeature flips a flag: (1) the on-disk config updates atomically
// (temp + rename), (2) the runtime hook runs. A failed hook rolls the
// file back so disk and runtime never disagree.
func (m *FeatureManager) ActivateFeature(name FeatureName, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.flags
	next := m.flags
	switch name {
	case FeatureSharding:
		next.ShardingEnabled = enabled
	case FeatureGovernance:
		next.GovernanceEnabled = enabled
	case FeatureBridges:
		next.BridgesEnabled = enabled
	case FeatureWASMContracts:
		next.WASMContractsEnabled = enabled
	case FeatureEVMContracts:
		next.EVMContractsEnabled = enabled
	case FeatureIBC:
		next.IBCEnabled = enabled
	default:
		return ErrUnknownFeature
	}
	if next == prev {
		return nil
	}
	if err := m.persist(next); err != nil {
		return err
	}
	m.flags = next

	if hook, ok := m.hooks[name]; ok {
		var err error
		if enabled {
			err = hook.Activate()
		} else {
			err = hook.Deactivate()
		}
		if err != nil {
			// Roll the file back; runtime state is unchanged on hook error.
			if perr := m.persist(prev); perr == nil {
				m.flags = prev
			}
			return WrapErr(KindConfig, "feature hook "+string(name), err)
		}
	}
	zap.L().Sugar().Infow("feature flag updated", "name", name, "enabled", enabled)
	return nil
}

// persist writes the flag file atomically.
func (m *FeatureManager) persist(flags FeatureFlags) error {
	raw, err := json.MarshalIndent(flags, "", "  ")
	if err != nil {
		return WrapErr(KindConfig, "encode feature flags", err)
	}
	tmp := m.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return WrapErr(KindConfig, "flag dir", err)
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return WrapErr(KindConfig, "write feature flags", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return WrapErr(KindConfig, "rename feature flags", err)
	}
	return nil
}

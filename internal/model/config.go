package model

import (
	"slices"
	"time"
)

// GlobalConfigID is the identifier of the single runtime configuration aggregate.
const GlobalConfigID = "global"

// SyncState governs whether the download scheduler may work on a dialog.
type SyncState string

const (
	SyncStateActive SyncState = "active"
	SyncStatePaused SyncState = "paused"
)

// Valid reports whether s is one of the known sync states.
func (s SyncState) Valid() bool {
	return s == SyncStateActive || s == SyncStatePaused
}

// DialogSyncState is the persisted sync state of one dialog.
// The resume cursor (latest indexed message id) is stored alongside but is
// addressed separately and is not part of this value.
type DialogSyncState struct {
	SyncState    SyncState  `json:"sync_state"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DateFrom     *time.Time `json:"date_from,omitempty"` // only applied to the first-ever download
}

// PolicyConfig holds the chat allow/deny lists.
type PolicyConfig struct {
	WhiteList []int64 `json:"white_list"`
	BlackList []int64 `json:"black_list"`
}

// SyncConfig holds dialog sync settings. Dialogs is materialised from the
// per-dialog table and is never serialised into the sync section itself.
type SyncConfig struct {
	Dialogs              map[int64]DialogSyncState `json:"-"`
	AvailableCacheTTLSec int                       `json:"available_cache_ttl_sec"`
}

// StorageConfig holds media retention settings.
type StorageConfig struct {
	AutoCleanEnabled   bool `json:"auto_clean_enabled"`
	MediaRetentionDays int  `json:"media_retention_days"`
}

// AIConfig holds the AI provider settings.
type AIConfig struct {
	Provider string `json:"provider"`
	BaseURL  string `json:"base_url"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
}

// GlobalConfig is the versioned runtime configuration aggregate.
// Version increases by exactly one per successful write.
type GlobalConfig struct {
	ID        string
	Version   int64
	UpdatedAt time.Time
	Policy    PolicyConfig
	Sync      SyncConfig
	Storage   StorageConfig
	AI        AIConfig
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{WhiteList: []int64{}, BlackList: []int64{}}
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{Dialogs: map[int64]DialogSyncState{}, AvailableCacheTTLSec: 120}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{AutoCleanEnabled: false, MediaRetentionDays: 30}
}

func DefaultAIConfig() AIConfig {
	return AIConfig{
		Provider: "openai_compatible",
		BaseURL:  "https://api.openai.com/v1",
		Model:    "gpt-4o-mini",
	}
}

// DefaultGlobalConfig returns a fresh aggregate at version 0.
func DefaultGlobalConfig(now time.Time) *GlobalConfig {
	return &GlobalConfig{
		ID:        GlobalConfigID,
		Version:   0,
		UpdatedAt: now,
		Policy:    DefaultPolicyConfig(),
		Sync:      DefaultSyncConfig(),
		Storage:   DefaultStorageConfig(),
		AI:        DefaultAIConfig(),
	}
}

// Clone returns a deep copy so cached values can be handed out safely.
func (c *GlobalConfig) Clone() *GlobalConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Policy.WhiteList = slices.Clone(c.Policy.WhiteList)
	out.Policy.BlackList = slices.Clone(c.Policy.BlackList)
	out.Sync.Dialogs = make(map[int64]DialogSyncState, len(c.Sync.Dialogs))
	for id, st := range c.Sync.Dialogs {
		out.Sync.Dialogs[id] = st.clone()
	}
	return &out
}

func (s DialogSyncState) clone() DialogSyncState {
	out := s
	if s.LastSyncedAt != nil {
		t := *s.LastSyncedAt
		out.LastSyncedAt = &t
	}
	if s.DateFrom != nil {
		t := *s.DateFrom
		out.DateFrom = &t
	}
	return out
}

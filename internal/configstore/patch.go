package configstore

import (
	"fmt"
	"slices"

	"tgsearch/internal/model"
	"tgsearch/internal/tgsearch"
)

// Patch is a typed partial update of the config aggregate. Nil fields are
// left untouched; only sections with a non-nil patch are rewritten.
type Patch struct {
	Policy  *PolicyPatch
	Sync    *SyncPatch
	Storage *StoragePatch
	AI      *AIPatch
}

// SectionPatch is a patch confined to one section, for UpdateSection.
type SectionPatch interface {
	section() string
	asPatch() Patch
}

type PolicyPatch struct {
	WhiteList *[]int64
	BlackList *[]int64
}

// SyncPatch updates the sync section. A non-nil Dialogs map replaces the
// whole set of synced dialogs: dialogs absent from it are removed. Resume
// cursors of dialogs that stay in the set are preserved.
type SyncPatch struct {
	Dialogs              map[int64]model.DialogSyncState
	AvailableCacheTTLSec *int
}

type StoragePatch struct {
	AutoCleanEnabled   *bool
	MediaRetentionDays *int
}

type AIPatch struct {
	Provider *string
	BaseURL  *string
	Model    *string
	APIKey   *string
}

func (PolicyPatch) section() string  { return SectionPolicy }
func (SyncPatch) section() string    { return SectionSync }
func (StoragePatch) section() string { return SectionStorage }
func (AIPatch) section() string      { return SectionAI }

func (p PolicyPatch) asPatch() Patch  { return Patch{Policy: &p} }
func (p SyncPatch) asPatch() Patch    { return Patch{Sync: &p} }
func (p StoragePatch) asPatch() Patch { return Patch{Storage: &p} }
func (p AIPatch) asPatch() Patch      { return Patch{AI: &p} }

// Sections lists the sections p touches, in storage order.
func (p Patch) Sections() []string {
	var out []string
	if p.Policy != nil {
		out = append(out, SectionPolicy)
	}
	if p.Sync != nil {
		out = append(out, SectionSync)
	}
	if p.Storage != nil {
		out = append(out, SectionStorage)
	}
	if p.AI != nil {
		out = append(out, SectionAI)
	}
	return out
}

func (p Patch) validate() error {
	invalid := func(format string, args ...any) error {
		return tgsearch.WrapDomainError(tgsearch.CodeInvalidPatch, "invalid config patch", fmt.Errorf(format, args...))
	}
	if p.Sync != nil {
		if v := p.Sync.AvailableCacheTTLSec; v != nil && *v < 0 {
			return invalid("available_cache_ttl_sec must be >= 0, got %d", *v)
		}
		for id, st := range p.Sync.Dialogs {
			if !st.SyncState.Valid() {
				return invalid("dialog %d: unknown sync_state %q", id, st.SyncState)
			}
		}
	}
	if p.Storage != nil {
		if v := p.Storage.MediaRetentionDays; v != nil && *v < 0 {
			return invalid("media_retention_days must be >= 0, got %d", *v)
		}
	}
	return nil
}

// apply merges p into cfg in place.
func (p Patch) apply(cfg *model.GlobalConfig) {
	if pp := p.Policy; pp != nil {
		if pp.WhiteList != nil {
			cfg.Policy.WhiteList = normalizeIDs(*pp.WhiteList)
		}
		if pp.BlackList != nil {
			cfg.Policy.BlackList = normalizeIDs(*pp.BlackList)
		}
	}
	if sp := p.Sync; sp != nil {
		if sp.AvailableCacheTTLSec != nil {
			cfg.Sync.AvailableCacheTTLSec = *sp.AvailableCacheTTLSec
		}
		if sp.Dialogs != nil {
			cfg.Sync.Dialogs = make(map[int64]model.DialogSyncState, len(sp.Dialogs))
			for id, st := range sp.Dialogs {
				cfg.Sync.Dialogs[id] = st
			}
		}
	}
	if sp := p.Storage; sp != nil {
		if sp.AutoCleanEnabled != nil {
			cfg.Storage.AutoCleanEnabled = *sp.AutoCleanEnabled
		}
		if sp.MediaRetentionDays != nil {
			cfg.Storage.MediaRetentionDays = *sp.MediaRetentionDays
		}
	}
	if ap := p.AI; ap != nil {
		if ap.Provider != nil {
			cfg.AI.Provider = *ap.Provider
		}
		if ap.BaseURL != nil {
			cfg.AI.BaseURL = *ap.BaseURL
		}
		if ap.Model != nil {
			cfg.AI.Model = *ap.Model
		}
		if ap.APIKey != nil {
			cfg.AI.APIKey = *ap.APIKey
		}
	}
}

// normalizeIDs never returns nil, so lists serialise as [] rather than null.
func normalizeIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return slices.Clone(ids)
}

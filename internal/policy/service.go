// Package policy manages the chat white and black lists stored in the
// config store.
package policy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"tgsearch/internal/configstore"
	"tgsearch/internal/model"
	"tgsearch/internal/tgsearch"
)

// Store is the slice of the config store the policy service needs.
type Store interface {
	LoadConfig(ctx context.Context, refresh bool) (*model.GlobalConfig, error)
	SaveConfig(ctx context.Context, patch configstore.Patch, expectedVersion *int64) (*model.GlobalConfig, error)
}

// Subscriber receives the policy after every successful change.
type Subscriber func(model.Policy)

// Options configures a Service.
type Options struct {
	// Bootstrap lists seed an empty policy section on first use.
	BootstrapWhiteList []int64
	BootstrapBlackList []int64
	Logger             tgsearch.Logger
}

type listName string

const (
	whiteList listName = "white_list"
	blackList listName = "black_list"
)

type action string

const (
	actionAdd    action = "add"
	actionRemove action = "remove"
	actionSet    action = "set"
)

// Service reads and mutates the policy lists. Mutations are serialised in
// process and written with the observed version, so a concurrent writer in
// another process surfaces as a policy version conflict.
type Service struct {
	store          Store
	logger         tgsearch.Logger
	bootstrapWhite []int64
	bootstrapBlack []int64

	initMu      sync.Mutex
	initialized bool

	mu sync.Mutex

	subMu       sync.Mutex
	nextSub     int
	subscribers map[int]Subscriber
}

// New creates a Service over store.
func New(store Store, opts Options) *Service {
	return &Service{
		store:          store,
		logger:         tgsearch.OrNop(opts.Logger),
		bootstrapWhite: slices.Clone(opts.BootstrapWhiteList),
		bootstrapBlack: slices.Clone(opts.BootstrapBlackList),
		subscribers:    map[int]Subscriber{},
	}
}

// EnsureInitialized seeds the policy section from the bootstrap lists when
// the stored lists are both empty. It runs once per Service.
func (s *Service) EnsureInitialized(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initialized {
		return nil
	}

	cfg, err := s.load(ctx, true)
	if err != nil {
		return err
	}
	stored := len(cfg.Policy.WhiteList) > 0 || len(cfg.Policy.BlackList) > 0
	bootstrap := len(s.bootstrapWhite) > 0 || len(s.bootstrapBlack) > 0

	if !stored && bootstrap {
		white, black := slices.Clone(s.bootstrapWhite), slices.Clone(s.bootstrapBlack)
		next, err := s.save(ctx, white, black, cfg.Version)
		switch {
		case err == nil:
			cfg = next
		case tgsearch.ErrorCode(err) == tgsearch.CodePolicyVersionConflict:
			// Another writer bootstrapped first.
			if cfg, err = s.load(ctx, true); err != nil {
				return err
			}
		default:
			return err
		}
		s.logger.Info("policy bootstrapped",
			"white", len(cfg.Policy.WhiteList), "black", len(cfg.Policy.BlackList), "version", cfg.Version)
	}
	s.initialized = true
	return nil
}

// GetPolicy returns the current lists.
func (s *Service) GetPolicy(ctx context.Context, refresh bool) (model.Policy, error) {
	started := time.Now()
	if err := s.EnsureInitialized(ctx); err != nil {
		return model.Policy{}, err
	}
	cfg, err := s.load(ctx, refresh)
	if err != nil {
		return model.Policy{}, err
	}
	p := toPolicy(cfg)
	s.logger.Debug("policy loaded", "refresh", refresh, "white", len(p.WhiteList), "black", len(p.BlackList),
		"version", p.Version, "duration_ms", time.Since(started).Milliseconds())
	return p, nil
}

// IsAllowed reports whether chatID passes the current lists.
func (s *Service) IsAllowed(ctx context.Context, chatID int64) (bool, error) {
	p, err := s.GetPolicy(ctx, false)
	if err != nil {
		return false, err
	}
	return p.Allows(chatID), nil
}

func (s *Service) AddWhitelist(ctx context.Context, ids []int64, source string) (model.PolicyChange, error) {
	return s.mutate(ctx, whiteList, actionAdd, ids, source)
}

func (s *Service) RemoveWhitelist(ctx context.Context, ids []int64, source string) (model.PolicyChange, error) {
	return s.mutate(ctx, whiteList, actionRemove, ids, source)
}

func (s *Service) SetWhitelist(ctx context.Context, ids []int64, source string) (model.PolicyChange, error) {
	return s.mutate(ctx, whiteList, actionSet, ids, source)
}

func (s *Service) AddBlacklist(ctx context.Context, ids []int64, source string) (model.PolicyChange, error) {
	return s.mutate(ctx, blackList, actionAdd, ids, source)
}

func (s *Service) RemoveBlacklist(ctx context.Context, ids []int64, source string) (model.PolicyChange, error) {
	return s.mutate(ctx, blackList, actionRemove, ids, source)
}

func (s *Service) SetBlacklist(ctx context.Context, ids []int64, source string) (model.PolicyChange, error) {
	return s.mutate(ctx, blackList, actionSet, ids, source)
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (s *Service) Subscribe(fn Subscriber) (unsubscribe func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Service) mutate(ctx context.Context, target listName, act action, ids []int64, source string) (model.PolicyChange, error) {
	normalized, err := normalizeIDs(ids)
	if err != nil {
		return model.PolicyChange{}, err
	}
	if err := s.EnsureInitialized(ctx); err != nil {
		return model.PolicyChange{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.load(ctx, true)
	if err != nil {
		return model.PolicyChange{}, err
	}
	white := slices.Clone(cfg.Policy.WhiteList)
	black := slices.Clone(cfg.Policy.BlackList)
	current := white
	if target == blackList {
		current = black
	}

	var updated, added, removed []int64
	switch act {
	case actionAdd:
		for _, id := range normalized {
			if !slices.Contains(current, id) {
				added = append(added, id)
			}
		}
		updated = append(slices.Clone(current), added...)
	case actionRemove:
		for _, id := range current {
			if slices.Contains(normalized, id) {
				removed = append(removed, id)
			} else {
				updated = append(updated, id)
			}
		}
	case actionSet:
		updated = normalized
		for _, id := range updated {
			if !slices.Contains(current, id) {
				added = append(added, id)
			}
		}
		for _, id := range current {
			if !slices.Contains(updated, id) {
				removed = append(removed, id)
			}
		}
	}
	if updated == nil {
		updated = []int64{}
	}

	if target == whiteList {
		white = updated
	} else {
		black = updated
	}
	next, err := s.save(ctx, white, black, cfg.Version)
	if err != nil {
		return model.PolicyChange{}, err
	}

	s.logger.Info("policy changed",
		"source", source,
		"action", string(act),
		"target", string(target),
		"before_size", len(current),
		"after_size", len(updated),
		"version", next.Version,
	)
	s.notify(toPolicy(next))

	return model.PolicyChange{
		UpdatedList: updated,
		Added:       orEmpty(added),
		Removed:     orEmpty(removed),
		Version:     next.Version,
	}, nil
}

func (s *Service) notify(p model.Policy) {
	s.subMu.Lock()
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("policy subscriber panicked", "error", fmt.Sprint(r))
				}
			}()
			fn(p)
		}()
	}
}

func (s *Service) load(ctx context.Context, refresh bool) (*model.GlobalConfig, error) {
	cfg, err := s.store.LoadConfig(ctx, refresh)
	if err != nil {
		return nil, tgsearch.WrapDomainError(tgsearch.CodePolicyUnavailable, "policy store unavailable", err)
	}
	return cfg, nil
}

func (s *Service) save(ctx context.Context, white, black []int64, expected int64) (*model.GlobalConfig, error) {
	patch := configstore.Patch{Policy: &configstore.PolicyPatch{WhiteList: &white, BlackList: &black}}
	cfg, err := s.store.SaveConfig(ctx, patch, &expected)
	if errors.Is(err, tgsearch.ErrVersionConflict) {
		return nil, tgsearch.WrapDomainError(tgsearch.CodePolicyVersionConflict, "policy version conflict", err)
	}
	if err != nil {
		return nil, tgsearch.WrapDomainError(tgsearch.CodePolicyUnavailable, "policy store unavailable", err)
	}
	return cfg, nil
}

// normalizeIDs de-duplicates ids, keeping first occurrences in order.
func normalizeIDs(ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, tgsearch.NewDomainError(tgsearch.CodePolicyInvalidIDs, "ids must not be empty")
	}
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func toPolicy(cfg *model.GlobalConfig) model.Policy {
	return model.Policy{
		WhiteList: slices.Clone(cfg.Policy.WhiteList),
		BlackList: slices.Clone(cfg.Policy.BlackList),
		Version:   cfg.Version,
		UpdatedAt: cfg.UpdatedAt,
	}
}

func orEmpty(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

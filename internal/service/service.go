// Package service orchestrates flag evaluation and flag management. It ties
// together the Postgres flag store, the in-process definition cache, the
// Redis result cache, the async evaluation recorder, and the pure evaluator
// in internal/core.
//
// Evaluate and EvaluateAll are total: every failure mode on the read path
// degrades to a boolean (fail-closed unless the flag opts into fail-open),
// with the reason visible only in logs and metrics.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openparl/flaggate/internal/core"
	"github.com/openparl/flaggate/internal/repository"
)

const (
	defaultEvalTimeout         = 200 * time.Millisecond
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second
	invalidateTimeout          = 2 * time.Second
	uniqueViolationCode        = "23505"
)

var (
	ErrFlagNotFound    = errors.New("flag not found")
	ErrFlagExists      = errors.New("flag already exists")
	ErrVersionConflict = repository.ErrVersionConflict
)

// Repository is the flag store consumed by the service.
type Repository interface {
	CreateFlag(ctx context.Context, flag repository.Flag, actor string) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag, actor string) (repository.Flag, error)
	GetFlag(ctx context.Context, name string) (repository.Flag, error)
	ListFlags(ctx context.Context) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, name, actor string) error
	ListChanges(ctx context.Context, name string, limit, offset int) ([]repository.FlagChange, error)
	FlagStats(ctx context.Context, name string) (repository.FlagStats, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// ResultCache caches evaluation results keyed by flag, version, and context
// fingerprint. All methods are best-effort.
type ResultCache interface {
	Get(ctx context.Context, flagName string, version int64, ectx core.Context) (value bool, hit bool, err error)
	Set(ctx context.Context, flagName string, version int64, ectx core.Context, result bool) error
	Invalidate(ctx context.Context, flagName string) (int64, error)
}

// EvaluationRecorder receives fire-and-forget evaluation events.
type EvaluationRecorder interface {
	RecordEvaluation(flagName string, ectx core.Context, result bool)
}

// Service is the evaluation engine and flag management facade.
type Service struct {
	repo     Repository
	results  ResultCache
	recorder EvaluationRecorder

	evaluator       core.Evaluator
	staticOverrides map[string]bool
	evalTimeout     time.Duration
	resyncInterval  time.Duration
	logger          *slog.Logger

	onEvaluation        func(result bool)
	onCacheHit          func()
	onCacheMiss         func()
	onDefinitionReload  func()
	onCacheInvalidation func()

	mu   sync.RWMutex
	defs map[string]core.Flag
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
			s.evaluator.Logger = logger
		}
	}
}

// WithClock overrides the evaluation clock, for tests and replay.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.evaluator.Now = now }
}

// WithResultCache attaches the shared evaluation result cache. Without one,
// every evaluation computes from the in-process definitions.
func WithResultCache(results ResultCache) Option {
	return func(s *Service) { s.results = results }
}

// WithRecorder attaches the asynchronous evaluation recorder.
func WithRecorder(recorder EvaluationRecorder) Option {
	return func(s *Service) { s.recorder = recorder }
}

// WithStaticOverrides installs config-time flag values that win over the
// dynamic store. Legacy flags that predate the database live here.
func WithStaticOverrides(overrides map[string]bool) Option {
	return func(s *Service) {
		if len(overrides) > 0 {
			s.staticOverrides = overrides
		}
	}
}

// WithEvalTimeout bounds backend access per evaluation.
func WithEvalTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.evalTimeout = timeout
		}
	}
}

// WithCacheResyncInterval sets the safety-net definition refresh interval.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithEvaluationMetrics installs metric hooks for evaluation results and
// result-cache hits and misses.
func WithEvaluationMetrics(onEvaluation func(result bool), onCacheHit, onCacheMiss func()) Option {
	return func(s *Service) {
		if onEvaluation != nil {
			s.onEvaluation = onEvaluation
		}
		if onCacheHit != nil {
			s.onCacheHit = onCacheHit
		}
		if onCacheMiss != nil {
			s.onCacheMiss = onCacheMiss
		}
	}
}

// WithDefinitionMetrics installs metric hooks for definition reloads and
// received invalidation notifications.
func WithDefinitionMetrics(onReload, onInvalidation func()) Option {
	return func(s *Service) {
		if onReload != nil {
			s.onDefinitionReload = onReload
		}
		if onInvalidation != nil {
			s.onCacheInvalidation = onInvalidation
		}
	}
}

// New creates the service, eagerly loads flag definitions, and, when the
// repository supports it, starts the LISTEN/NOTIFY invalidation listener
// with a periodic resync safety net.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	s := &Service{
		repo:                repo,
		evalTimeout:         defaultEvalTimeout,
		resyncInterval:      defaultCacheResyncInterval,
		logger:              slog.Default(),
		onEvaluation:        func(bool) {},
		onCacheHit:          func() {},
		onCacheMiss:         func() {},
		onDefinitionReload:  func() {},
		onCacheInvalidation: func() {},
		defs:                make(map[string]core.Flag),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.LoadDefinitions(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := s.startInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// LoadDefinitions replaces the in-process definition cache with the current
// store contents. Definitions that fail to decode are skipped and logged, so
// one corrupt row cannot take down the rest of the flag set.
func (s *Service) LoadDefinitions(ctx context.Context) error {
	records, err := s.repo.ListFlags(ctx)
	if err != nil {
		return fmt.Errorf("load flags: %w", err)
	}

	next := make(map[string]core.Flag, len(records))
	for _, record := range records {
		flag, err := recordToFlag(record)
		if err != nil {
			s.logger.Error("skipping undecodable flag definition", "flag", record.Name, "error", err)
			continue
		}
		next[flag.Name] = flag
	}

	s.mu.Lock()
	s.defs = next
	s.mu.Unlock()

	return nil
}

// Evaluate decides whether the flag is active for the context. It never
// returns an error: unknown flags, store outages, and cache outages all
// degrade to a boolean. The result is cached, counted, and recorded
// asynchronously.
func (s *Service) Evaluate(ctx context.Context, name string, ectx core.Context) bool {
	evalCtx, cancel := context.WithTimeout(ctx, s.evalTimeout)
	defer cancel()

	result := s.evaluateTop(evalCtx, name, ectx)

	s.onEvaluation(result)
	if s.recorder != nil {
		s.recorder.RecordEvaluation(name, ectx, result)
	}

	return result
}

// EvaluateAll evaluates the named flags, or every known flag when names is
// empty. Flags are evaluated independently; one flag's failure degrades that
// entry to false without affecting the rest.
func (s *Service) EvaluateAll(ctx context.Context, ectx core.Context, names ...string) map[string]bool {
	if len(names) == 0 {
		names = s.knownFlagNames()
	}

	results := make(map[string]bool, len(names))
	for _, name := range names {
		results[name] = s.Evaluate(ctx, name, ectx)
	}

	return results
}

func (s *Service) evaluateTop(ctx context.Context, name string, ectx core.Context) bool {
	// Static overrides are the first backend in the chain; a hit is
	// definitive and needs no store, cache, or rules.
	if forced, ok := s.staticOverrides[name]; ok {
		return forced
	}

	flag, found := s.definition(ctx, name)
	if !found {
		s.logger.Warn("evaluating unknown flag", "flag", name)
		return false
	}

	if ctx.Err() != nil {
		// Backends are already out of time; serve the flag's fail policy.
		return flag.FailOpen
	}

	if s.results != nil {
		value, hit, err := s.results.Get(ctx, name, flag.Version, ectx)
		if err != nil {
			s.logger.Warn("result cache read failed, reading through", "flag", name, "error", err)
		}
		if hit {
			s.onCacheHit()
			return value
		}
		s.onCacheMiss()
	}

	result := s.evaluator.Evaluate(flag, ectx, s.dependencyResolver(ctx, ectx, map[string]bool{name: true}))

	if s.results != nil {
		if err := s.results.Set(ctx, name, flag.Version, ectx, result); err != nil {
			s.logger.Warn("result cache write failed", "flag", name, "error", err)
		}
	}

	return result
}

// dependencyResolver evaluates dependency flags for the same context.
// The visiting set breaks cycles that predate write-time validation: a
// dependency already on the path evaluates false instead of recursing
// forever.
func (s *Service) dependencyResolver(ctx context.Context, ectx core.Context, visiting map[string]bool) core.Resolver {
	return func(name string) bool {
		if forced, ok := s.staticOverrides[name]; ok {
			return forced
		}
		if visiting[name] {
			s.logger.Error("dependency cycle hit at evaluation time", "flag", name)
			return false
		}

		flag, found := s.definition(ctx, name)
		if !found {
			s.logger.Warn("dependency on unknown flag", "flag", name)
			return false
		}

		visiting[name] = true
		defer delete(visiting, name)

		return s.evaluator.Evaluate(flag, ectx, s.dependencyResolver(ctx, ectx, visiting))
	}
}

// definition returns the flag definition, preferring the in-process cache
// and reading through to the store on a miss. When the store is unavailable
// the last-known definition keeps serving; a flag never seen by this
// process reports not found.
func (s *Service) definition(ctx context.Context, name string) (core.Flag, bool) {
	s.mu.RLock()
	flag, ok := s.defs[name]
	s.mu.RUnlock()
	if ok {
		return flag, true
	}

	record, err := s.repo.GetFlag(ctx, name)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Error("flag store unavailable", "flag", name, "error", err)
		}
		return core.Flag{}, false
	}

	flag, err = recordToFlag(record)
	if err != nil {
		s.logger.Error("undecodable flag definition", "flag", name, "error", err)
		return core.Flag{}, false
	}

	s.mu.Lock()
	s.defs[name] = flag
	s.mu.Unlock()

	return flag, true
}

// CreateFlag validates and persists a new flag definition. The change audit
// entry is written in the same transaction by the repository.
func (s *Service) CreateFlag(ctx context.Context, flag core.Flag, actor string) (core.Flag, error) {
	if err := flag.Validate(); err != nil {
		return core.Flag{}, err
	}
	if err := s.checkDependencyGraph(flag); err != nil {
		return core.Flag{}, err
	}

	record, err := flagToRecord(flag)
	if err != nil {
		return core.Flag{}, err
	}

	created, err := s.repo.CreateFlag(ctx, record, actor)
	if err != nil {
		if isUniqueViolation(err) {
			return core.Flag{}, fmt.Errorf("%w: %s", ErrFlagExists, flag.Name)
		}
		return core.Flag{}, fmt.Errorf("create flag: %w", err)
	}

	createdFlag, err := recordToFlag(created)
	if err != nil {
		return core.Flag{}, fmt.Errorf("decode created flag: %w", err)
	}

	s.setDefinition(createdFlag)
	return createdFlag, nil
}

// UpdateFlag replaces a flag definition. flag.Version must match the stored
// version; a mismatch surfaces as ErrVersionConflict. On success every
// cached result for the flag is invalidated before the call returns, so a
// subsequent Evaluate in this process cannot serve the old definition.
func (s *Service) UpdateFlag(ctx context.Context, flag core.Flag, actor string) (core.Flag, error) {
	if err := flag.Validate(); err != nil {
		return core.Flag{}, err
	}
	if err := s.checkDependencyGraph(flag); err != nil {
		return core.Flag{}, err
	}

	record, err := flagToRecord(flag)
	if err != nil {
		return core.Flag{}, err
	}

	updated, err := s.repo.UpdateFlag(ctx, record, actor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteDefinition(flag.Name)
			return core.Flag{}, fmt.Errorf("%w: %s", ErrFlagNotFound, flag.Name)
		}
		if errors.Is(err, repository.ErrVersionConflict) {
			return core.Flag{}, err
		}
		return core.Flag{}, fmt.Errorf("update flag: %w", err)
	}

	updatedFlag, err := recordToFlag(updated)
	if err != nil {
		return core.Flag{}, fmt.Errorf("decode updated flag: %w", err)
	}

	s.setDefinition(updatedFlag)
	s.invalidateResults(ctx, flag.Name)

	return updatedFlag, nil
}

// DeleteFlag removes a flag and invalidates its cached results.
func (s *Service) DeleteFlag(ctx context.Context, name, actor string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("flag name is required")
	}

	if err := s.repo.DeleteFlag(ctx, name, actor); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteDefinition(name)
			return fmt.Errorf("%w: %s", ErrFlagNotFound, name)
		}
		return fmt.Errorf("delete flag: %w", err)
	}

	s.deleteDefinition(name)
	s.invalidateResults(ctx, name)

	return nil
}

// GetFlag returns one flag definition.
func (s *Service) GetFlag(ctx context.Context, name string) (core.Flag, error) {
	if strings.TrimSpace(name) == "" {
		return core.Flag{}, errors.New("flag name is required")
	}

	if flag, found := s.definition(ctx, name); found {
		return flag, nil
	}

	// definition() hides the reason; distinguish not-found for callers.
	if _, err := s.repo.GetFlag(ctx, name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Flag{}, fmt.Errorf("%w: %s", ErrFlagNotFound, name)
		}
		return core.Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return core.Flag{}, fmt.Errorf("%w: %s", ErrFlagNotFound, name)
}

// ListFlags returns all known definitions sorted by name.
func (s *Service) ListFlags(_ context.Context) ([]core.Flag, error) {
	s.mu.RLock()
	flags := make([]core.Flag, 0, len(s.defs))
	for _, flag := range s.defs {
		flags = append(flags, flag)
	}
	s.mu.RUnlock()

	sort.Slice(flags, func(i, j int) bool {
		return flags[i].Name < flags[j].Name
	})

	return flags, nil
}

// Stats returns evaluation statistics for a flag.
func (s *Service) Stats(ctx context.Context, name string) (repository.FlagStats, error) {
	if _, err := s.GetFlag(ctx, name); err != nil {
		return repository.FlagStats{}, err
	}

	stats, err := s.repo.FlagStats(ctx, name)
	if err != nil {
		return repository.FlagStats{}, fmt.Errorf("flag stats: %w", err)
	}

	return stats, nil
}

// ListChanges returns the change audit trail for a flag, newest first.
func (s *Service) ListChanges(ctx context.Context, name string, limit, offset int) ([]repository.FlagChange, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	changes, err := s.repo.ListChanges(ctx, name, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list changes for %q: %w", name, err)
	}

	return changes, nil
}

// checkDependencyGraph rejects a write whose dependencies name unknown flags
// or would make the dependency graph cyclic, using the current in-process
// definitions plus the pending flag. Static overrides count as known flags:
// the resolver serves them without a stored definition.
func (s *Service) checkDependencyGraph(flag core.Flag) error {
	s.mu.RLock()
	graph := make(map[string][]string, len(s.defs)+1)
	for name, def := range s.defs {
		graph[name] = def.Dependencies
	}
	s.mu.RUnlock()

	graph[flag.Name] = flag.Dependencies

	for _, dep := range flag.Dependencies {
		if _, ok := graph[dep]; ok {
			continue
		}
		if _, ok := s.staticOverrides[dep]; ok {
			continue
		}
		return fmt.Errorf("%w: dependency %q does not exist", core.ErrInvalidFlag, dep)
	}

	return core.CheckDependencyCycle(flag.Name, graph)
}

func (s *Service) knownFlagNames() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.defs)+len(s.staticOverrides))
	for name := range s.defs {
		names = append(names, name)
	}
	s.mu.RUnlock()

	for name := range s.staticOverrides {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

func (s *Service) setDefinition(flag core.Flag) {
	s.mu.Lock()
	s.defs[flag.Name] = flag
	s.mu.Unlock()
}

func (s *Service) deleteDefinition(name string) {
	s.mu.Lock()
	delete(s.defs, name)
	s.mu.Unlock()
}

// invalidateResults synchronously clears cached results for the flag.
// Mutations have already committed; the invalidation gets its own deadline
// so a canceled request context cannot leave stale entries behind.
func (s *Service) invalidateResults(ctx context.Context, name string) {
	if s.results == nil {
		return
	}

	invalidateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()

	if _, err := s.results.Invalidate(invalidateCtx, name); err != nil {
		// Versioned keys already isolate new reads; the sweep is cleanup.
		s.logger.Warn("result cache invalidation failed", "flag", name, "error", err)
	}
}

func (s *Service) startInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeFlagInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadDefinitions(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.onCacheInvalidation()
				s.reloadDefinitions(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadDefinitions(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadDefinitions(reloadCtx); err != nil {
		s.logger.Warn("definition reload failed", "error", err)
		return
	}
	s.onDefinitionReload()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func recordToFlag(record repository.Flag) (core.Flag, error) {
	var overrides map[string]bool
	if len(record.UserOverrides) > 0 {
		if err := json.Unmarshal(record.UserOverrides, &overrides); err != nil {
			return core.Flag{}, fmt.Errorf("decode user overrides: %w", err)
		}
	}

	var rules core.RuleSet
	if len(record.Rules) > 0 {
		if err := json.Unmarshal(record.Rules, &rules); err != nil {
			return core.Flag{}, fmt.Errorf("decode rule set: %w", err)
		}
	}

	return core.Flag{
		Name:              record.Name,
		Description:       record.Description,
		Kind:              core.Kind(record.Kind),
		Enabled:           record.Enabled,
		FailOpen:          record.FailOpen,
		Environments:      record.Environments,
		StartDate:         record.StartDate,
		EndDate:           record.EndDate,
		Dependencies:      record.Dependencies,
		UserOverrides:     overrides,
		RolloutPercentage: record.RolloutPercentage,
		Rules:             rules,
		Version:           record.Version,
		CreatedAt:         record.CreatedAt,
		UpdatedAt:         record.UpdatedAt,
	}, nil
}

func flagToRecord(flag core.Flag) (repository.Flag, error) {
	overrides, err := json.Marshal(flag.UserOverrides)
	if err != nil {
		return repository.Flag{}, fmt.Errorf("encode user overrides: %w", err)
	}

	rules, err := json.Marshal(flag.Rules)
	if err != nil {
		return repository.Flag{}, fmt.Errorf("encode rule set: %w", err)
	}

	return repository.Flag{
		Name:              flag.Name,
		Description:       flag.Description,
		Kind:              string(flag.Kind),
		Enabled:           flag.Enabled,
		FailOpen:          flag.FailOpen,
		Environments:      flag.Environments,
		StartDate:         flag.StartDate,
		EndDate:           flag.EndDate,
		Dependencies:      flag.Dependencies,
		UserOverrides:     overrides,
		RolloutPercentage: flag.RolloutPercentage,
		Rules:             rules,
		Version:           flag.Version,
	}, nil
}

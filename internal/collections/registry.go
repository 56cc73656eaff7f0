// Package collections implements C7, the collection registry: tenant-scope
// to opaque-collection-name mapping and the access-decision cache guarding
// every C8/C9 query path.
//
// Naming follows §3 exactly: global resolves to a fixed constant;
// workspace(ws) to "ws_" + hex16(SHA-256(ws + ":" + salt)); project(ws,pr) to
// "proj_" + hex16(SHA-256(pr + ":" + ws + ":" + salt)). The salt is process-wide
// configuration, never derivable from a collection name alone, which is
// what makes names unguessable (invariant I4).
package collections

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/errs"
)

// ScopeKind identifies which tenant-scope variant a Scope represents.
type ScopeKind string

const (
	ScopeGlobal    ScopeKind = "global"
	ScopeWorkspace ScopeKind = "workspace"
	ScopeProject   ScopeKind = "project"
)

// Scope is a tenant access scope: global, workspace(ws), or project(ws,pr).
type Scope struct {
	Kind      ScopeKind
	Workspace string
	Project   string
}

// Global constructs the global scope.
func Global() Scope { return Scope{Kind: ScopeGlobal} }

// Workspace constructs a workspace scope.
func Workspace(ws string) Scope { return Scope{Kind: ScopeWorkspace, Workspace: ws} }

// Project constructs a project scope nested under a workspace.
func Project(ws, pr string) Scope {
	return Scope{Kind: ScopeProject, Workspace: ws, Project: pr}
}

// Record is the registry's stored entry for an ensured collection.
type Record struct {
	Name        string
	Scope       Scope
	CreatedBy   string
	CreatedAt   time.Time
}

// Membership resolves whether a user belongs to a workspace or project, the
// external source of truth access decisions are checked against.
type Membership interface {
	InWorkspace(userID, workspace string) bool
	InProject(userID, workspace, project string) bool
}

type accessKey struct {
	user  string
	scope Scope
}

// Registry implements resolve/ensure/can_access over the tenant-scope
// naming rule, with a bounded LRU access-decision cache.
type Registry struct {
	salt       string
	globalName string
	membership Membership

	mu      sync.RWMutex
	records map[string]Record // keyed by collection name

	access    *lru.Cache[accessKey, cachedDecision]
	accessTTL time.Duration
}

type cachedDecision struct {
	allowed bool
	at      time.Time
}

// New constructs a Registry. salt must be non-empty; it is never logged.
func New(cfg config.CollectionConfig, salt config.Secret, membership Membership) (*Registry, error) {
	if !salt.IsSet() {
		return nil, errs.New(errs.KindValidation, "collection registry requires a non-empty salt")
	}
	size := cfg.AccessCacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[accessKey, cachedDecision](size)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "construct access cache", err)
	}
	globalName := cfg.GlobalName
	if globalName == "" {
		globalName = "global"
	}
	return &Registry{
		salt:       salt.Value(),
		globalName: globalName,
		membership: membership,
		records:    make(map[string]Record),
		access:     cache,
		accessTTL:  cfg.AccessCacheTTL.Value(),
	}, nil
}

// Resolve computes the collection name for scope without side effects.
func (r *Registry) Resolve(scope Scope) (string, error) {
	switch scope.Kind {
	case ScopeGlobal:
		return r.globalName, nil
	case ScopeWorkspace:
		if scope.Workspace == "" {
			return "", errs.New(errs.KindValidation, "workspace scope requires a workspace id")
		}
		return "ws_" + r.hash16(scope.Workspace+":"+r.salt), nil
	case ScopeProject:
		if scope.Workspace == "" || scope.Project == "" {
			return "", errs.New(errs.KindValidation, "project scope requires workspace and project ids")
		}
		return "proj_" + r.hash16(scope.Project+":"+scope.Workspace+":"+r.salt), nil
	default:
		return "", errs.New(errs.KindValidation, "unknown scope kind")
	}
}

func (r *Registry) hash16(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// Ensure resolves scope to a collection name and records its creation if
// this is the first time the scope has been seen. Idempotent.
func (r *Registry) Ensure(scope Scope, createdBy string) (string, error) {
	name, err := r.Resolve(scope)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[name]; !ok {
		r.records[name] = Record{
			Name:      name,
			Scope:     scope,
			CreatedBy: createdBy,
			CreatedAt: time.Now(),
		}
	}
	return name, nil
}

// Lookup returns the Record for an ensured collection name, if any.
func (r *Registry) Lookup(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	return rec, ok
}

// CanAccess decides whether userID may read scope, per §4.7's policy:
// global is open to any authenticated caller; workspace scope requires
// workspace membership; project scope requires both workspace and project
// membership. Decisions are cached with a TTL.
func (r *Registry) CanAccess(userID string, scope Scope) bool {
	key := accessKey{user: userID, scope: scope}
	if dec, ok := r.access.Get(key); ok {
		if r.accessTTL <= 0 || time.Since(dec.at) < r.accessTTL {
			return dec.allowed
		}
		r.access.Remove(key)
	}

	allowed := r.evaluate(userID, scope)
	r.access.Add(key, cachedDecision{allowed: allowed, at: time.Now()})
	return allowed
}

func (r *Registry) evaluate(userID string, scope Scope) bool {
	switch scope.Kind {
	case ScopeGlobal:
		return userID != ""
	case ScopeWorkspace:
		return r.membership != nil && r.membership.InWorkspace(userID, scope.Workspace)
	case ScopeProject:
		return r.membership != nil &&
			r.membership.InWorkspace(userID, scope.Workspace) &&
			r.membership.InProject(userID, scope.Workspace, scope.Project)
	default:
		return false
	}
}

// InvalidateAccess drops every cached access decision for userID, called on
// external membership-change events.
func (r *Registry) InvalidateAccess(userID string) {
	for _, key := range r.access.Keys() {
		if key.user == userID {
			r.access.Remove(key)
		}
	}
}

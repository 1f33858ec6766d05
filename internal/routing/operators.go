package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arqonbus/arqonbus/internal/storage"
)

// OperatorInfo tracks one registered worker.
type OperatorInfo struct {
	ClientID       string
	Group          string
	JoinedAt       time.Time
	LastActivity   time.Time
	TasksProcessed int64
}

// OperatorRegistry tracks which clients act as operators and the capability
// group each serves. A client holds at most one group at a time; re-joining
// moves it.
type OperatorRegistry struct {
	groups storage.GroupBackend // nil when the backend has no consumer groups
	prefix string
	log    *slog.Logger

	mu            sync.Mutex
	byGroup       map[string]map[string]*OperatorInfo
	clientToGroup map[string]string
}

// NewOperatorRegistry creates the registry. groups may be nil; operator
// registration then fails with a clear error.
func NewOperatorRegistry(groups storage.GroupBackend, streamPrefix string, log *slog.Logger) *OperatorRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &OperatorRegistry{
		groups:        groups,
		prefix:        streamPrefix,
		log:           log,
		byGroup:       make(map[string]map[string]*OperatorInfo),
		clientToGroup: make(map[string]string),
	}
}

// GroupsAvailable reports whether the storage backend supports task streams.
func (r *OperatorRegistry) GroupsAvailable() bool { return r.groups != nil }

// Stream names the durable task stream backing a group.
func (r *OperatorRegistry) Stream(group string) string {
	return storage.TaskStream(r.prefix, group)
}

// Register joins a client to a capability group, creating the backing
// consumer group when a stream backend is present.
func (r *OperatorRegistry) Register(ctx context.Context, clientID, group string) error {
	if group == "" {
		return fmt.Errorf("operator group is required")
	}
	if r.groups != nil {
		if err := r.groups.EnsureGroup(ctx, r.Stream(group), group); err != nil {
			return fmt.Errorf("ensure consumer group %s: %w", group, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Moving groups: drop the previous registration first.
	if prev, ok := r.clientToGroup[clientID]; ok && prev != group {
		r.removeLocked(clientID, prev)
	}

	if r.byGroup[group] == nil {
		r.byGroup[group] = make(map[string]*OperatorInfo)
	}
	now := time.Now().UTC()
	r.byGroup[group][clientID] = &OperatorInfo{
		ClientID:     clientID,
		Group:        group,
		JoinedAt:     now,
		LastActivity: now,
	}
	r.clientToGroup[clientID] = group
	r.log.Info("operator joined group", "client_id", clientID, "group", group)
	return nil
}

// Unregister removes a client's operator registration, if any.
func (r *OperatorRegistry) Unregister(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, ok := r.clientToGroup[clientID]
	if !ok {
		return
	}
	r.removeLocked(clientID, group)
	r.log.Info("operator left group", "client_id", clientID, "group", group)
}

func (r *OperatorRegistry) removeLocked(clientID, group string) {
	delete(r.clientToGroup, clientID)
	if ops, ok := r.byGroup[group]; ok {
		delete(ops, clientID)
		if len(ops) == 0 {
			delete(r.byGroup, group)
		}
	}
}

// GroupOf returns the group a client serves, "" when it is not an operator.
func (r *OperatorRegistry) GroupOf(clientID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientToGroup[clientID]
}

// Members returns the client ids serving a group.
func (r *OperatorRegistry) Members(group string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := r.byGroup[group]
	out := make([]string, 0, len(ops))
	for id := range ops {
		out = append(out, id)
	}
	return out
}

// RecordTask bumps the operator's processed count and activity.
func (r *OperatorRegistry) RecordTask(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if group, ok := r.clientToGroup[clientID]; ok {
		if info, ok := r.byGroup[group][clientID]; ok {
			info.TasksProcessed++
			info.LastActivity = time.Now().UTC()
		}
	}
}

// Stats reports group membership.
func (r *OperatorRegistry) Stats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := make(map[string]interface{}, len(r.byGroup))
	for group, ops := range r.byGroup {
		ids := make([]string, 0, len(ops))
		for id := range ops {
			ids = append(ids, id)
		}
		groups[group] = map[string]interface{}{
			"count":     len(ops),
			"operators": ids,
		}
	}
	return map[string]interface{}{
		"total_operators": len(r.clientToGroup),
		"groups":          groups,
	}
}

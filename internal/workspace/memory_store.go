package workspace

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "IntentFlow/internal/errors"
)

// MemoryStore 是 Store 的内存实现, 用于开发与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	members map[string]map[string]*Member
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{members: make(map[string]map[string]*Member)}
}

// AddMember 写入成员记录。
func (s *MemoryStore) AddMember(_ context.Context, member *Member) error {
	if member == nil || strings.TrimSpace(member.WorkspaceID) == "" || strings.TrimSpace(member.ClerkUserID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "成员记录缺少工作区或用户标识")
	}
	if !IsValidRole(member.Role) {
		return xerrors.New(xerrors.CodeInvalidArgument, "无效的成员角色: "+string(member.Role))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byUser, ok := s.members[member.WorkspaceID]
	if !ok {
		byUser = make(map[string]*Member)
		s.members[member.WorkspaceID] = byUser
	}
	if _, exists := byUser[member.ClerkUserID]; exists {
		return ErrMemberExists
	}
	now := time.Now().Unix()
	clone := *member
	clone.CreatedAt = now
	clone.UpdatedAt = now
	byUser[member.ClerkUserID] = &clone
	return nil
}

// GetMember 返回指定成员记录。
func (s *MemoryStore) GetMember(_ context.Context, workspaceID, clerkUserID string) (*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if member, ok := s.members[workspaceID][clerkUserID]; ok {
		clone := *member
		return &clone, nil
	}
	return nil, ErrMemberNotFound
}

// ListMembers 返回工作区的全部成员, 按用户标识排序。
func (s *MemoryStore) ListMembers(_ context.Context, workspaceID string) ([]*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byUser := s.members[workspaceID]
	out := make([]*Member, 0, len(byUser))
	for _, member := range byUser {
		clone := *member
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ClerkUserID < out[j].ClerkUserID
	})
	return out, nil
}

// UpdateRole 修改成员角色。
func (s *MemoryStore) UpdateRole(_ context.Context, workspaceID, clerkUserID string, role Role) error {
	if !IsValidRole(role) {
		return xerrors.New(xerrors.CodeInvalidArgument, "无效的成员角色: "+string(role))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	member, ok := s.members[workspaceID][clerkUserID]
	if !ok {
		return ErrMemberNotFound
	}
	member.Role = role
	member.UpdatedAt = time.Now().Unix()
	return nil
}

// RemoveMember 删除成员记录。
func (s *MemoryStore) RemoveMember(_ context.Context, workspaceID, clerkUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[workspaceID][clerkUserID]; !ok {
		return ErrMemberNotFound
	}
	delete(s.members[workspaceID], clerkUserID)
	return nil
}

// Close 对内存存储无需操作。
func (s *MemoryStore) Close() error { return nil }

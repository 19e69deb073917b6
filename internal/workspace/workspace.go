// Package workspace 维护工作区成员关系。身份由外部身份服务签发,
// 本包只负责成员记录的持久化与查询。
package workspace

import (
	"context"

	xerrors "IntentFlow/internal/errors"
)

// Role 枚举成员在工作区内的角色。
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// IsValidRole 检查角色是否为支持的枚举值。
func IsValidRole(role Role) bool {
	switch role {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return true
	default:
		return false
	}
}

// Member 是一条工作区成员记录。同一外部用户在同一工作区内唯一。
type Member struct {
	WorkspaceID string `json:"workspace_id"`
	ClerkUserID string `json:"clerk_user_id"`
	Role        Role   `json:"role"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

var (
	// ErrMemberNotFound 表示成员记录不存在。
	ErrMemberNotFound = xerrors.New(xerrors.CodeNotFound, "workspace member not found")
	// ErrMemberExists 表示成员已存在, 违反 (workspace_id, clerk_user_id) 唯一约束。
	ErrMemberExists = xerrors.New(xerrors.CodeConflict, "workspace member already exists")
)

// Store 抽象成员关系的持久化。
type Store interface {
	// AddMember 写入成员记录; 重复写入返回 ErrMemberExists。
	AddMember(ctx context.Context, member *Member) error
	// GetMember 返回指定成员记录。
	GetMember(ctx context.Context, workspaceID, clerkUserID string) (*Member, error)
	// ListMembers 返回工作区的全部成员。
	ListMembers(ctx context.Context, workspaceID string) ([]*Member, error)
	// UpdateRole 修改成员角色。
	UpdateRole(ctx context.Context, workspaceID, clerkUserID string, role Role) error
	// RemoveMember 删除成员记录。
	RemoveMember(ctx context.Context, workspaceID, clerkUserID string) error

	Close() error
}

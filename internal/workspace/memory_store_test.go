package workspace

import (
	"context"
	stdErrors "errors"
	"testing"
)

func TestMemoryStoreMembershipLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	member := &Member{WorkspaceID: "ws-1", ClerkUserID: "user_2abc", Role: RoleOwner}
	if err := store.AddMember(ctx, member); err != nil {
		t.Fatalf("添加成员失败: %v", err)
	}
	if err := store.AddMember(ctx, member); !stdErrors.Is(err, ErrMemberExists) {
		t.Fatalf("重复添加应返回 ErrMemberExists, 实际 %v", err)
	}

	got, err := store.GetMember(ctx, "ws-1", "user_2abc")
	if err != nil {
		t.Fatalf("查询成员失败: %v", err)
	}
	if got.Role != RoleOwner || got.CreatedAt == 0 {
		t.Fatalf("成员记录异常: %+v", got)
	}

	if err := store.UpdateRole(ctx, "ws-1", "user_2abc", RoleViewer); err != nil {
		t.Fatalf("更新角色失败: %v", err)
	}
	got, _ = store.GetMember(ctx, "ws-1", "user_2abc")
	if got.Role != RoleViewer {
		t.Fatalf("角色未更新: %s", got.Role)
	}

	if err := store.RemoveMember(ctx, "ws-1", "user_2abc"); err != nil {
		t.Fatalf("删除成员失败: %v", err)
	}
	if _, err := store.GetMember(ctx, "ws-1", "user_2abc"); !stdErrors.Is(err, ErrMemberNotFound) {
		t.Fatalf("删除后查询应返回 ErrMemberNotFound, 实际 %v", err)
	}
}

func TestMemoryStoreListMembersSorted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"user_c", "user_a", "user_b"} {
		if err := store.AddMember(ctx, &Member{WorkspaceID: "ws-1", ClerkUserID: id, Role: RoleMember}); err != nil {
			t.Fatalf("添加成员失败: %v", err)
		}
	}
	if err := store.AddMember(ctx, &Member{WorkspaceID: "ws-2", ClerkUserID: "user_z", Role: RoleMember}); err != nil {
		t.Fatalf("添加成员失败: %v", err)
	}

	members, err := store.ListMembers(ctx, "ws-1")
	if err != nil {
		t.Fatalf("查询成员列表失败: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("期望 3 名成员, 实际 %d", len(members))
	}
	for i, want := range []string{"user_a", "user_b", "user_c"} {
		if members[i].ClerkUserID != want {
			t.Fatalf("位置 %d 期望 %s, 实际 %s", i, want, members[i].ClerkUserID)
		}
	}
}

func TestMemoryStoreRejectsInvalidMember(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	cases := []*Member{
		{WorkspaceID: "", ClerkUserID: "user_a", Role: RoleMember},
		{WorkspaceID: "ws-1", ClerkUserID: "", Role: RoleMember},
		{WorkspaceID: "ws-1", ClerkUserID: "user_a", Role: Role("superuser")},
	}
	for i, member := range cases {
		if err := store.AddMember(ctx, member); err == nil {
			t.Fatalf("用例 %d 应被拒绝", i)
		}
	}
}

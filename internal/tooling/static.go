package tooling

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "IntentFlow/internal/errors"
)

// StaticCatalog 通过加载 YAML 文件提供静态工具目录。
// 静态目录对所有工作空间可见，主要用于单机部署与测试。
type StaticCatalog struct {
	tools []Tool
	byID  map[string]*Tool
}

// NewStaticCatalog 创建静态目录实例。
func NewStaticCatalog(tools []Tool) (*StaticCatalog, error) {
	byID := make(map[string]*Tool, len(tools))
	for i := range tools {
		tool := &tools[i]
		if strings.TrimSpace(tool.ID) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具 ID 不能为空")
		}
		if strings.TrimSpace(tool.BaseURL) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工具 %s 缺少 baseUrl", tool.ID))
		}
		if _, dup := byID[tool.ID]; dup {
			return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 ID 重复: %s", tool.ID))
		}
		byID[tool.ID] = tool
	}
	return &StaticCatalog{tools: tools, byID: byID}, nil
}

// LoadStaticCatalog 从 YAML 文件加载工具目录。
func LoadStaticCatalog(path string) (*StaticCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具目录文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析工具目录路径失败")
	}
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取工具目录文件失败")
	}

	var doc struct {
		Tools []Tool `yaml:"tools"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析工具目录文件失败")
	}
	return NewStaticCatalog(doc.Tools)
}

// List 返回全部工具。静态目录不区分工作空间。
func (c *StaticCatalog) List(_ context.Context, _ string) ([]Tool, error) {
	result := make([]Tool, len(c.tools))
	copy(result, c.tools)
	return result, nil
}

// Get 返回指定工具。
func (c *StaticCatalog) Get(_ context.Context, _ string, toolID string) (*Tool, error) {
	tool, ok := c.byID[toolID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("工具不存在: %s", toolID))
	}
	clone := *tool
	return &clone, nil
}

var _ Catalog = (*StaticCatalog)(nil)

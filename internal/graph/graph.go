package graph

import (
	"math/big"
)

// NodeType 枚举了工作流节点的所有类型。
type NodeType string

const (
	NodeToolCall  NodeType = "tool_call"
	NodeLLMReason NodeType = "llm_reason"
	NodeApproval  NodeType = "approval"
	NodeBranch    NodeType = "branch"
	NodeWait      NodeType = "wait"
	NodeMerge     NodeType = "merge"
	NodeFinalize  NodeType = "finalize"
)

// IsValidNodeType 检查节点类型是否为支持的枚举值。
func IsValidNodeType(t NodeType) bool {
	switch t {
	case NodeToolCall, NodeLLMReason, NodeApproval, NodeBranch, NodeWait, NodeMerge, NodeFinalize:
		return true
	default:
		return false
	}
}

// EdgeType 枚举了边的类型。
type EdgeType string

const (
	EdgeSuccess     EdgeType = "success"
	EdgeFailure     EdgeType = "failure"
	EdgeConditional EdgeType = "conditional"
)

// Payment 描述 tool_call 节点的支付上限，金额为原子单位的非负整数。
type Payment struct {
	MaxAtomic *big.Int `json:"maxAtomic"`
}

// Policy 描述节点级的执行策略。
type Policy struct {
	RequiresApproval bool  `json:"requiresApproval,omitempty"`
	MaxRetries       int   `json:"maxRetries,omitempty"`
	TimeoutMs        int64 `json:"timeoutMs,omitempty"`
}

// ToolCallSpec 是 tool_call 节点的专属字段。
type ToolCallSpec struct {
	ToolID          string         `json:"toolId"`
	Endpoint        string         `json:"endpoint"`
	RequestTemplate map[string]any `json:"requestTemplate"`
	Payment         Payment        `json:"payment"`
}

// LLMReasonSpec 是 llm_reason 节点的专属字段。
type LLMReasonSpec struct {
	Prompt    string `json:"prompt"`
	OutputKey string `json:"outputKey,omitempty"`
}

// ApprovalSpec 是 approval 节点的专属字段。
type ApprovalSpec struct {
	Message string `json:"message"`
}

// BranchSpec 是 branch 节点的专属字段。
type BranchSpec struct {
	Condition string `json:"condition"`
}

// WaitSpec 是 wait 节点的专属字段。
type WaitSpec struct {
	DurationMs int64 `json:"durationMs"`
}

// MergeSpec 是 merge 节点的专属字段。
type MergeSpec struct {
	Strategy string `json:"strategy,omitempty"`
}

// FinalizeSpec 是 finalize 节点的专属字段。
type FinalizeSpec struct {
	Output string `json:"output"`
}

// Node 是对节点类型的封闭标签变体：Type 指明变体，对应的 Spec 指针非空，
// 其余指针为空。校验逻辑对 Type 做穷举匹配，不依赖反射。
type Node struct {
	ID        string   `json:"id"`
	Type      NodeType `json:"type"`
	DependsOn []string `json:"dependsOn,omitempty"`
	Policy    *Policy  `json:"policy,omitempty"`

	ToolCall  *ToolCallSpec  `json:"toolCall,omitempty"`
	LLMReason *LLMReasonSpec `json:"llmReason,omitempty"`
	Approval  *ApprovalSpec  `json:"approval,omitempty"`
	Branch    *BranchSpec    `json:"branch,omitempty"`
	Wait      *WaitSpec      `json:"wait,omitempty"`
	Merge     *MergeSpec     `json:"merge,omitempty"`
	Finalize  *FinalizeSpec  `json:"finalize,omitempty"`
}

// Edge 描述两个节点之间的有向边。
type Edge struct {
	From      string   `json:"from"`
	To        string   `json:"to"`
	Type      EdgeType `json:"type"`
	Condition string   `json:"condition,omitempty"`
}

// Graph 是规划器产出的工作流 DAG。
type Graph struct {
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
	EntryNodeID string `json:"entryNodeId"`
}

// NodeByID 返回指定 ID 的节点。
func (g *Graph) NodeByID(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// Predecessors 返回节点的全部前驱：显式 dependsOn 与指向它的 success 边的起点。
// 步骤只有在全部前驱成功完成后才可被领取。
func (g *Graph) Predecessors(nodeID string) []string {
	seen := make(map[string]struct{})
	preds := make([]string, 0, 4)
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		preds = append(preds, id)
	}
	if node, ok := g.NodeByID(nodeID); ok {
		for _, dep := range node.DependsOn {
			add(dep)
		}
	}
	for _, edge := range g.Edges {
		if edge.To == nodeID && edge.Type == EdgeSuccess {
			add(edge.From)
		}
	}
	return preds
}

// FailureTargets 返回节点失败时沿 failure 边可到达的目标节点。
func (g *Graph) FailureTargets(nodeID string) []string {
	targets := make([]string, 0, 1)
	for _, edge := range g.Edges {
		if edge.From == nodeID && edge.Type == EdgeFailure {
			targets = append(targets, edge.To)
		}
	}
	return targets
}

// FailureSources 返回指向该节点的 failure 边的起点。
// 带失败边入边的节点只在起点不可重试地失败后才进入调度；
// 起点成功则该兜底分支成为死路。
func (g *Graph) FailureSources(nodeID string) []string {
	sources := make([]string, 0, 1)
	for _, edge := range g.Edges {
		if edge.To == nodeID && edge.Type == EdgeFailure {
			sources = append(sources, edge.From)
		}
	}
	return sources
}

// Fallback 构造规划失败时的兜底图：单个 finalize 节点、零条边、入口即该节点。
// 这样即使规划彻底失败，运行也始终可以被物化并立即终止。
func Fallback(reason string) *Graph {
	const nodeID = "finalize-fallback"
	return &Graph{
		Nodes: []Node{
			{
				ID:       nodeID,
				Type:     NodeFinalize,
				Finalize: &FinalizeSpec{Output: reason},
			},
		},
		Edges:       []Edge{},
		EntryNodeID: nodeID,
	}
}

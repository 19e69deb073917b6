package graph

import (
	"fmt"
	"math/big"
	"strings"
)

// Validate 校验规划器产出的候选图。candidate 是 JSON 反序列化得到的任意值。
// 所有错误会被累积后一并返回，方便调用方在一次重试中修正全部问题；
// 只有在没有任何错误时才返回构建好的 Graph。
//
// 校验按顺序进行：节点 schema、节点 ID 唯一性、入口节点可解析、边端点可解析、
// 无环、从入口可达。tool_call 的 toolId 是否存在于工具目录由规划器负责，
// 因为目录属于运行级上下文。
func Validate(candidate any) (*Graph, []string) {
	root, ok := candidate.(map[string]any)
	if !ok {
		return nil, []string{"graph must be a JSON object with nodes, edges and entryNodeId"}
	}

	var errs []string

	rawNodes, ok := root["nodes"].([]any)
	if !ok || len(rawNodes) == 0 {
		errs = append(errs, "nodes must be a non-empty array")
	}
	rawEdges := []any{}
	if v, present := root["edges"]; present {
		if arr, ok := v.([]any); ok {
			rawEdges = arr
		} else {
			errs = append(errs, "edges must be an array")
		}
	}
	entry, _ := root["entryNodeId"].(string)
	if strings.TrimSpace(entry) == "" {
		errs = append(errs, "entryNodeId is required")
	}

	g := &Graph{EntryNodeID: entry, Edges: []Edge{}}
	seen := make(map[string]struct{}, len(rawNodes))
	for i, raw := range rawNodes {
		node, nodeErrs := decodeNode(i, raw)
		errs = append(errs, nodeErrs...)
		if node.ID != "" {
			if _, dup := seen[node.ID]; dup {
				errs = append(errs, fmt.Sprintf("duplicate node id %q", node.ID))
			}
			seen[node.ID] = struct{}{}
		}
		g.Nodes = append(g.Nodes, node)
	}

	if entry != "" {
		if _, ok := seen[entry]; !ok {
			errs = append(errs, fmt.Sprintf("entryNodeId %q does not reference an existing node", entry))
		}
	}

	for i, raw := range rawEdges {
		edge, edgeErrs := decodeEdge(i, raw)
		errs = append(errs, edgeErrs...)
		if edge.From != "" {
			if _, ok := seen[edge.From]; !ok {
				errs = append(errs, fmt.Sprintf("edge[%d].from %q does not reference an existing node", i, edge.From))
			}
		}
		if edge.To != "" {
			if _, ok := seen[edge.To]; !ok {
				errs = append(errs, fmt.Sprintf("edge[%d].to %q does not reference an existing node", i, edge.To))
			}
		}
		g.Edges = append(g.Edges, edge)
	}

	for _, node := range g.Nodes {
		for _, dep := range node.DependsOn {
			if _, ok := seen[dep]; !ok {
				errs = append(errs, fmt.Sprintf("node %q dependsOn unknown node %q", node.ID, dep))
			}
		}
	}

	// 结构性错误已经足够多时仍继续做环与可达性检查，除非引用本身就不完整。
	if len(errs) == 0 {
		errs = append(errs, checkAcyclic(g)...)
		errs = append(errs, checkReachable(g)...)
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return g, nil
}

func decodeNode(index int, raw any) (Node, []string) {
	var errs []string
	m, ok := raw.(map[string]any)
	if !ok {
		return Node{}, []string{fmt.Sprintf("node[%d] must be an object", index)}
	}

	node := Node{}
	node.ID, ok = m["id"].(string)
	if !ok || strings.TrimSpace(node.ID) == "" {
		errs = append(errs, fmt.Sprintf("node[%d].id is required and must be a string", index))
	}
	label := node.ID
	if label == "" {
		label = fmt.Sprintf("node[%d]", index)
	}

	typeStr, _ := m["type"].(string)
	node.Type = NodeType(typeStr)
	if !IsValidNodeType(node.Type) {
		errs = append(errs, fmt.Sprintf("%s: unknown node type %q", label, typeStr))
		return node, errs
	}

	if raw, present := m["dependsOn"]; present {
		arr, ok := raw.([]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: dependsOn must be an array of node ids", label))
		}
		for _, item := range arr {
			dep, ok := item.(string)
			if !ok || dep == "" {
				errs = append(errs, fmt.Sprintf("%s: dependsOn entries must be non-empty strings", label))
				continue
			}
			node.DependsOn = append(node.DependsOn, dep)
		}
	}
	if raw, present := m["policy"]; present {
		policy, policyErrs := decodePolicy(label, raw)
		errs = append(errs, policyErrs...)
		node.Policy = policy
	}

	// 对节点类型做穷举匹配，逐个校验专属必填字段。
	switch node.Type {
	case NodeToolCall:
		spec, specErrs := decodeToolCall(label, m)
		errs = append(errs, specErrs...)
		node.ToolCall = spec
	case NodeLLMReason:
		prompt, _ := m["prompt"].(string)
		if strings.TrimSpace(prompt) == "" {
			errs = append(errs, fmt.Sprintf("%s: llm_reason requires a prompt", label))
		}
		outputKey, _ := m["outputKey"].(string)
		node.LLMReason = &LLMReasonSpec{Prompt: prompt, OutputKey: outputKey}
	case NodeApproval:
		message, _ := m["message"].(string)
		node.Approval = &ApprovalSpec{Message: message}
	case NodeBranch:
		condition, _ := m["condition"].(string)
		if strings.TrimSpace(condition) == "" {
			errs = append(errs, fmt.Sprintf("%s: branch requires a condition", label))
		}
		node.Branch = &BranchSpec{Condition: condition}
	case NodeWait:
		duration, ok := asInt64(m["durationMs"])
		if !ok || duration <= 0 {
			errs = append(errs, fmt.Sprintf("%s: wait requires a positive durationMs", label))
		}
		node.Wait = &WaitSpec{DurationMs: duration}
	case NodeMerge:
		strategy, _ := m["strategy"].(string)
		node.Merge = &MergeSpec{Strategy: strategy}
	case NodeFinalize:
		output, _ := m["output"].(string)
		node.Finalize = &FinalizeSpec{Output: output}
	}

	return node, errs
}

func decodeToolCall(label string, m map[string]any) (*ToolCallSpec, []string) {
	var errs []string
	spec := &ToolCallSpec{}

	spec.ToolID, _ = m["toolId"].(string)
	if strings.TrimSpace(spec.ToolID) == "" {
		errs = append(errs, fmt.Sprintf("%s: tool_call requires toolId", label))
	}
	spec.Endpoint, _ = m["endpoint"].(string)
	if strings.TrimSpace(spec.Endpoint) == "" {
		errs = append(errs, fmt.Sprintf("%s: tool_call requires endpoint", label))
	}
	template, ok := m["requestTemplate"].(map[string]any)
	if !ok {
		errs = append(errs, fmt.Sprintf("%s: tool_call requires a requestTemplate object", label))
	}
	spec.RequestTemplate = template

	payment, ok := m["payment"].(map[string]any)
	if !ok {
		errs = append(errs, fmt.Sprintf("%s: tool_call requires payment.maxAtomic", label))
		return spec, errs
	}
	amount, ok := asAtomic(payment["maxAtomic"])
	if !ok {
		errs = append(errs, fmt.Sprintf("%s: payment.maxAtomic must be a non-negative integer", label))
		return spec, errs
	}
	spec.Payment = Payment{MaxAtomic: amount}
	return spec, errs
}

func decodePolicy(label string, raw any) (*Policy, []string) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, []string{fmt.Sprintf("%s: policy must be an object", label)}
	}
	var errs []string
	policy := &Policy{}
	if v, present := m["requiresApproval"]; present {
		b, ok := v.(bool)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: policy.requiresApproval must be a boolean", label))
		}
		policy.RequiresApproval = b
	}
	if v, present := m["maxRetries"]; present {
		n, ok := asInt64(v)
		if !ok || n < 0 {
			errs = append(errs, fmt.Sprintf("%s: policy.maxRetries must be a non-negative integer", label))
		}
		policy.MaxRetries = int(n)
	}
	if v, present := m["timeoutMs"]; present {
		n, ok := asInt64(v)
		if !ok || n < 0 {
			errs = append(errs, fmt.Sprintf("%s: policy.timeoutMs must be a non-negative integer", label))
		}
		policy.TimeoutMs = n
	}
	return policy, errs
}

func decodeEdge(index int, raw any) (Edge, []string) {
	var errs []string
	m, ok := raw.(map[string]any)
	if !ok {
		return Edge{}, []string{fmt.Sprintf("edge[%d] must be an object", index)}
	}
	edge := Edge{}
	edge.From, _ = m["from"].(string)
	if edge.From == "" {
		errs = append(errs, fmt.Sprintf("edge[%d].from is required", index))
	}
	edge.To, _ = m["to"].(string)
	if edge.To == "" {
		errs = append(errs, fmt.Sprintf("edge[%d].to is required", index))
	}
	typeStr, _ := m["type"].(string)
	edge.Type = EdgeType(typeStr)
	switch edge.Type {
	case EdgeSuccess, EdgeFailure:
	case EdgeConditional:
		edge.Condition, _ = m["condition"].(string)
		if strings.TrimSpace(edge.Condition) == "" {
			errs = append(errs, fmt.Sprintf("edge[%d]: conditional edges require a condition", index))
		}
	default:
		errs = append(errs, fmt.Sprintf("edge[%d]: unknown edge type %q", index, typeStr))
	}
	return edge, errs
}

// checkAcyclic 使用 Kahn 入度算法检测环：一轮处理后仍有节点未被访问即存在环。
func checkAcyclic(g *Graph) []string {
	indegree := make(map[string]int, len(g.Nodes))
	successors := make(map[string][]string, len(g.Nodes))
	for _, node := range g.Nodes {
		indegree[node.ID] = 0
	}
	addEdge := func(from, to string) {
		successors[from] = append(successors[from], to)
		indegree[to]++
	}
	for _, edge := range g.Edges {
		addEdge(edge.From, edge.To)
	}
	for _, node := range g.Nodes {
		for _, dep := range node.DependsOn {
			addEdge(dep, node.ID)
		}
	}

	queue := make([]string, 0, len(g.Nodes))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited < len(g.Nodes) {
		remaining := make([]string, 0, len(g.Nodes)-visited)
		for id, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		return []string{fmt.Sprintf("graph contains a cycle involving nodes %v", remaining)}
	}
	return nil
}

// checkReachable 从入口沿边与 dependsOn 关系做广度优先遍历，
// 任何未被访问的节点都会被报告为不可达。
func checkReachable(g *Graph) []string {
	adjacent := make(map[string][]string, len(g.Nodes))
	link := func(a, b string) {
		adjacent[a] = append(adjacent[a], b)
	}
	for _, edge := range g.Edges {
		link(edge.From, edge.To)
	}
	for _, node := range g.Nodes {
		for _, dep := range node.DependsOn {
			link(dep, node.ID)
		}
	}

	visited := map[string]struct{}{g.EntryNodeID: {}}
	queue := []string{g.EntryNodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adjacent[id] {
			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}

	var errs []string
	for _, node := range g.Nodes {
		if _, ok := visited[node.ID]; !ok {
			errs = append(errs, fmt.Sprintf("node %q is not reachable from the entry node", node.ID))
		}
	}
	return errs
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

// asAtomic 解析原子单位金额。接受 JSON 数字或十进制字符串，拒绝负数与小数：
// 预算账本的全部运算都基于任意精度整数，绝不引入浮点。
func asAtomic(v any) (*big.Int, bool) {
	switch n := v.(type) {
	case string:
		amount, ok := new(big.Int).SetString(strings.TrimSpace(n), 10)
		if !ok || amount.Sign() < 0 {
			return nil, false
		}
		return amount, true
	case float64:
		if n < 0 || n != float64(int64(n)) {
			return nil, false
		}
		return big.NewInt(int64(n)), true
	default:
		return nil, false
	}
}

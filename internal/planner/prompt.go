package planner

import (
	"fmt"
	"strings"

	"IntentFlow/internal/tooling"
)

// systemPrompt 固定描述图的 JSON 形态与硬性约束。提示词本身是英文:
// 主流模型对英文指令的遵循度显著更好。
const systemPrompt = `You are a workflow planner. Given a user intent, a tool catalog and a
budget ceiling, produce a workflow graph as a single JSON object and nothing else.

The JSON object has this shape:
{
  "entryNodeId": "<id of the first node>",
  "nodes": [
    {"id": "...", "type": "tool_call", "toolCall": {"toolId": "...", "endpoint": "...",
     "requestTemplate": {...}, "payment": {"maxAtomic": "<decimal string>"}},
     "dependsOn": ["..."], "policy": {"maxRetries": 3, "timeoutMs": 30000}},
    {"id": "...", "type": "llm_reason", "llmReason": {"prompt": "...", "outputKey": "..."}},
    {"id": "...", "type": "approval", "approval": {"message": "..."}},
    {"id": "...", "type": "branch", "branch": {"condition": "..."}},
    {"id": "...", "type": "wait", "wait": {"durationMs": 1000}},
    {"id": "...", "type": "merge", "merge": {"strategy": "all"}},
    {"id": "...", "type": "finalize", "finalize": {"output": "..."}}
  ],
  "edges": [{"from": "...", "to": "...", "type": "success"}]
}

Hard rules:
- Every tool_call node must reference a toolId from the catalog and carry a payment
  with a maxAtomic amount. The sum of all maxAtomic amounts must not exceed the budget.
- The graph must be acyclic, every node reachable from the entry node, and it must
  end in exactly one finalize node.
- Edge types are success, failure or conditional; conditional edges carry a condition.
- Output only the JSON object. No prose, no markdown fences.`

// buildUserPrompt 组装首次尝试的用户提示词：意图、目录与预算上限。
func buildUserPrompt(intent string, tools []tooling.Tool, budgetCeiling string) string {
	var b strings.Builder
	b.WriteString("Intent: ")
	b.WriteString(intent)
	b.WriteString("\n\nBudget ceiling (atomic units): ")
	b.WriteString(budgetCeiling)
	b.WriteString("\n\nTool catalog:\n")
	if len(tools) == 0 {
		b.WriteString("(empty: the plan must not contain tool_call nodes)\n")
	}
	for _, tool := range tools {
		fmt.Fprintf(&b, "- id=%s name=%q baseUrl=%s\n", tool.ID, tool.Name, tool.BaseURL)
		for _, endpoint := range tool.Endpoints {
			fmt.Fprintf(&b, "    endpoint %s %s", endpoint.Method, endpoint.Path)
			if endpoint.Description != "" {
				fmt.Fprintf(&b, " - %s", endpoint.Description)
			}
			b.WriteString("\n")
		}
		for _, hint := range tool.PricingHints {
			fmt.Fprintf(&b, "    price %s: %s %s per call\n", hint.Endpoint, hint.AmountAtomic, hint.Asset)
		}
	}
	return b.String()
}

// buildRetryPrompt 在内容失败后重建提示词：嵌入上一次的原始输出与
// 逐条校验错误，让模型针对具体问题修正而不是重新发挥。
func buildRetryPrompt(basePrompt, lastRaw string, lastErrors []string) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\nYour previous answer was rejected. Previous answer:\n")
	b.WriteString(lastRaw)
	b.WriteString("\n\nValidation errors:\n")
	for _, e := range lastErrors {
		b.WriteString("- ")
		b.WriteString(e)
		b.WriteString("\n")
	}
	b.WriteString("\nFix every listed error and answer with the corrected JSON object only.")
	return b.String()
}

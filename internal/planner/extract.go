package planner

import (
	"encoding/json"
	"regexp"
	"strings"
)

// 大模型的规划输出很少是干净的 JSON：常见形态包括围栏代码块、
// 夹杂说明文字、未加引号的键、尾逗号与单引号。提取按固定顺序
// 逐级降级，任何一级成功即返回。
var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSON 从模型原始输出中提取第一个可解析的 JSON 对象。
// 顺序：围栏代码块 → 括号平衡扫描 → 修复后重扫。
// 返回解析后的对象与是否成功。
func ExtractJSON(raw string) (map[string]any, bool) {
	if candidate := fromFencedBlock(raw); candidate != "" {
		if obj, ok := parseObject(candidate); ok {
			return obj, true
		}
	}
	if candidate := balancedScan(raw); candidate != "" {
		if obj, ok := parseObject(candidate); ok {
			return obj, true
		}
	}
	repaired := repairJSON(raw)
	if candidate := fromFencedBlock(repaired); candidate != "" {
		if obj, ok := parseObject(candidate); ok {
			return obj, true
		}
	}
	if candidate := balancedScan(repaired); candidate != "" {
		if obj, ok := parseObject(candidate); ok {
			return obj, true
		}
	}
	return nil, false
}

func parseObject(candidate string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func fromFencedBlock(raw string) string {
	match := fencedBlockPattern.FindStringSubmatch(raw)
	if len(match) != 2 {
		return ""
	}
	return match[1]
}

// balancedScan 从第一个 '{' 起做括号计数扫描，正确跳过字符串字面量
// 与其中的转义序列，返回第一个配平的对象片段。
func balancedScan(raw string) string {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}

var (
	unquotedKeyPattern   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
	trailingCommaPattern = regexp.MustCompile(`,(\s*[}\]])`)
)

// repairJSON 修复模型输出中最常见的三类损伤：未加引号的键、
// 尾逗号、单引号字符串。修复是启发式的，结果仍需通过解析验证。
func repairJSON(raw string) string {
	repaired := unquotedKeyPattern.ReplaceAllString(raw, `$1"$2"$3`)
	repaired = trailingCommaPattern.ReplaceAllString(repaired, `$1`)
	repaired = replaceSingleQuotes(repaired)
	return repaired
}

// replaceSingleQuotes 将字符串定界用的单引号换成双引号,
// 双引号字符串内部的单引号保持原样。
func replaceSingleQuotes(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	inDouble := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if inDouble {
			b.WriteByte(ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inDouble = false
			}
			continue
		}
		switch ch {
		case '"':
			inDouble = true
			b.WriteByte(ch)
		case '\'':
			b.WriteByte('"')
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// Package llm 定义了文本生成服务的统一调用接口。
//
// 规划器只依赖 Client 接口：输入系统提示与用户提示，输出原始文本以及
// token 用量与延迟。具体实现位于子目录中，internal/llm/openai 通过
// Chat Completions HTTP API 对接 OpenAI 兼容的推理服务。
package llm

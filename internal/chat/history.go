// Package chat 实现 AI 职业助手对话：历史裁剪、限流与持久化。
package chat

import (
	"unicode/utf8"

	"cvfolio/internal/llm"
)

// TrimHistory 保留最新的一段连续消息，使条数不超过 maxMessages 且总字符数不超过 maxChars。
// 消息不会被截断；窗口以 user 消息开头。limit <= 0 表示不限制。
func TrimHistory(history []llm.Message, maxMessages, maxChars int) []llm.Message {
	start := len(history)
	chars := 0
	for i := len(history) - 1; i >= 0; i-- {
		if maxMessages > 0 && len(history)-i > maxMessages {
			break
		}
		n := utf8.RuneCountInString(history[i].Content)
		if maxChars > 0 && chars+n > maxChars {
			break
		}
		chars += n
		start = i
	}

	window := history[start:]
	for len(window) > 0 && window[0].Role != llm.RoleUser {
		window = window[1:]
	}
	out := make([]llm.Message, len(window))
	copy(out, window)
	return out
}

package tokenizer

import (
	"sync"

	"github.com/dlclark/regexp2"
)

// wordPattern BPE 预分词用的切分模式，与 Claude 系词表的切分规则一致
const wordPattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

var (
	wordRegexp     *regexp2.Regexp
	wordRegexpOnce sync.Once
)

// EstimateText 在 tokenizer 不可用时估算 token 数量
// 先按 BPE 预分词规则切片，再对长片段和 CJK 片段加权
func EstimateText(text string) int {
	if text == "" {
		return 0
	}

	wordRegexpOnce.Do(func() {
		wordRegexp, _ = regexp2.Compile(wordPattern, regexp2.Unicode)
	})
	if wordRegexp == nil {
		return charEstimate(text)
	}

	total := 0
	match, err := wordRegexp.FindStringMatch(text)
	if err != nil {
		return charEstimate(text)
	}
	for match != nil {
		total += pieceTokens(match.String())
		match, err = wordRegexp.FindNextMatch(match)
		if err != nil {
			break
		}
	}
	if total == 0 {
		return charEstimate(text)
	}
	return total
}

// pieceTokens 估算单个切片的 token 数量
// CJK 字符基本一字一 token，拉丁词平均 6 字符内算 1 个
func pieceTokens(piece string) int {
	cjk, other := 0, 0
	for _, r := range piece {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	tokens := cjk
	if other > 0 {
		tokens += (other + 5) / 6
	}
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// charEstimate 纯字符级估算兜底
// 英文约 4 字符/token，中文约 1.5 字符/token
func charEstimate(text string) int {
	cjk, other := 0, 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return int(float64(cjk)/1.5) + (other+3)/4
}

// isCJK 判断是否为 CJK 汉字（含扩展 A/B 区）
func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF:
		return true
	case r >= 0x3400 && r <= 0x4DBF:
		return true
	case r >= 0x20000 && r <= 0x2A6DF:
		return true
	}
	return false
}

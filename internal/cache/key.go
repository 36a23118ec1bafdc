package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"golang.org/x/text/unicode/norm"

	"spanlabel/pkg/contract"
)

const keyPrefix = "span:"

// NormalizeText: NFC 归一、去首尾空白、连续空白折叠为单个空格。
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(norm.NFC.String(text)), " ")
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])[:16]
}

// Key 为 (text, policy, version, provider) 派生缓存键：span:<16-hex>:<8-hex>。
// 约束：纯函数；语义等价的策略（仅顺序/重复不同）得到同一键。
func Key(text string, policy contract.ValidationPolicy, version, provider string) string {
	pj, _ := json.Marshal(policy.Canonical())
	h := sha256.New()
	h.Write(pj)
	h.Write([]byte("|" + version + "|" + provider))
	return keyPrefix + textHash(text) + ":" + hex.EncodeToString(h.Sum(nil))[:8]
}

// Prefix 返回某文本全部键的公共前缀 span:<16-hex>:。
func Prefix(text string) string { return keyPrefix + textHash(text) + ":" }

// Pattern 返回 glob 形式 span:<16-hex>:*（用于 SCAN MATCH）。
func Pattern(text string) string { return Prefix(text) + "*" }

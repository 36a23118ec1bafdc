package rate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// KeyFor 从提供方名称与其原样 options JSON 派生限流分组键：provider:sha256(api_key)[:16]。
// 解析顺序：api_key → api_key_env（经 getenv 读取）；mock/flaky 缺省使用固定调试键。
// 密钥本身不会出现在返回值中。
func KeyFor(provider string, raw json.RawMessage, getenv func(string) string) (LimitKey, error) {
	var opts struct {
		APIKey    string `json:"api_key"`
		APIKeyEnv string `json:"api_key_env"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &opts)
	}
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" && getenv != nil {
		key = getenv(opts.APIKeyEnv)
	}
	if key == "" && (provider == "mock" || provider == "flaky") {
		key = "MOCK_DEBUG_KEY"
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for provider %s", provider)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(provider + ":" + hex.EncodeToString(sum[:8])), nil
}

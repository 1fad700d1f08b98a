package tokenpool

import (
	"fmt"
	"maps"

	"github.com/google/uuid"

	"yqhp/grid-agent/internal/config"
	"yqhp/grid-agent/pkg/types"
)

// NewTokens 按照令牌组配置创建 capacity 个令牌。
// 每个令牌拥有新的 uuid，并带上 agent id 与 $agenttype 属性。
func NewTokens(agentID string, group config.TokenGroupConfig) ([]types.Token, error) {
	interests := make(map[string]*types.Interest, len(group.TokenConf.SelectionPatterns))
	for key, pattern := range group.TokenConf.SelectionPatterns {
		interest, err := types.NewInterest(pattern, false)
		if err != nil {
			return nil, fmt.Errorf("selection pattern %s: %w", key, err)
		}
		interests[key] = interest
	}

	tokens := make([]types.Token, 0, group.Capacity)
	for i := 0; i < group.Capacity; i++ {
		attributes := make(map[string]string, len(group.TokenConf.Attributes)+1)
		maps.Copy(attributes, group.TokenConf.Attributes)
		attributes[types.AgentTypeKey] = types.AgentTypeDefault

		properties := make(map[string]string, len(group.TokenConf.Properties))
		maps.Copy(properties, group.TokenConf.Properties)

		tokens = append(tokens, types.Token{
			ID:                uuid.NewString(),
			AgentID:           agentID,
			Attributes:        attributes,
			SelectionPatterns: interests,
			Properties:        properties,
		})
	}
	return tokens, nil
}

package identity

import "context"

// Identity 描述当前进程扮演的智能体卖方身份。
//
// AgentIdentifier 用于在远端账本上标识卖方，VerificationKey
// 是与之绑定的链上验证密钥（以太坊地址的十六进制形式）。
type Identity struct {
	AgentIdentifier string `json:"agent_identifier"`
	VerificationKey string `json:"verification_key"`
}

// Provisioned 判断身份是否已经配置完整。
func (i Identity) Provisioned() bool {
	return i.AgentIdentifier != ""
}

// Provider 提供智能体身份。实现可以是静态配置，
// 也可以是绑定链上钱包的动态来源。
type Provider interface {
	Identity(ctx context.Context) (Identity, error)
}

package identity

import "context"

// StaticProvider 返回启动时配置的固定身份。
type StaticProvider struct {
	identity Identity
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider 构造静态身份提供者。允许空身份，
// 此时调用方会在首次远端操作前得到未配置错误。
func NewStaticProvider(agentIdentifier, verificationKey string) *StaticProvider {
	return &StaticProvider{identity: Identity{
		AgentIdentifier: agentIdentifier,
		VerificationKey: verificationKey,
	}}
}

// Identity 实现 Provider。
func (p *StaticProvider) Identity(_ context.Context) (Identity, error) {
	return p.identity, nil
}

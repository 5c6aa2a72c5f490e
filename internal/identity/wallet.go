package identity

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// balanceBackend 抽象余额查询，便于测试时注入模拟后端。
type balanceBackend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// WalletProvider 把智能体身份绑定到一个链上验证密钥，
// 并可查询该密钥对应地址的链上余额。
type WalletProvider struct {
	identity Identity
	backend  balanceBackend
	eth      *ethclient.Client
}

var _ Provider = (*WalletProvider)(nil)

// NewWalletProvider 连接以太坊节点并校验验证密钥是合法地址。
func NewWalletProvider(ctx context.Context, agentIdentifier, verificationKey, rpcURL string) (*WalletProvider, error) {
	if strings.TrimSpace(agentIdentifier) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体标识不能为空")
	}
	if !common.IsHexAddress(verificationKey) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("验证密钥不是合法地址: %s", verificationKey))
	}
	if strings.TrimSpace(rpcURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}

	return &WalletProvider{
		identity: Identity{
			AgentIdentifier: agentIdentifier,
			VerificationKey: common.HexToAddress(verificationKey).Hex(),
		},
		backend: eth,
		eth:     eth,
	}, nil
}

// NewWalletProviderWithBackend 构造使用自定义后端的钱包提供者，供测试注入。
func NewWalletProviderWithBackend(agentIdentifier, verificationKey string, backend balanceBackend) *WalletProvider {
	return &WalletProvider{
		identity: Identity{
			AgentIdentifier: agentIdentifier,
			VerificationKey: common.HexToAddress(verificationKey).Hex(),
		},
		backend: backend,
	}
}

// Identity 实现 Provider。
func (p *WalletProvider) Identity(_ context.Context) (Identity, error) {
	return p.identity, nil
}

// Balance 查询验证密钥地址的最新余额，返回 0x 前缀的十六进制值。
func (p *WalletProvider) Balance(ctx context.Context) (string, error) {
	if p.backend == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "钱包后端未初始化")
	}
	balance, err := p.backend.BalanceAt(ctx, common.HexToAddress(p.identity.VerificationKey), nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransportFailure, err, "查询钱包余额失败")
	}
	return toHexBig(balance), nil
}

// Close 释放底层节点连接。
func (p *WalletProvider) Close() {
	if p.eth != nil {
		p.eth.Close()
		p.eth = nil
	}
}

func toHexBig(value *big.Int) string {
	if value == nil {
		return "0x0"
	}
	return "0x" + value.Text(16)
}

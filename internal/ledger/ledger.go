package ledger

import (
	"context"
	"time"
)

// Entity 是远端账本返回的支付实体。
//
// 远端服务是 onChainState 的唯一可信来源，本地只做缓存；
// RequestedFunds 与 NextAction 属于描述性字段，每次成功拉取后整体覆盖。
type Entity struct {
	BlockchainIdentifier    string         `json:"blockchainIdentifier"`
	IdentifierFromPurchaser string         `json:"identifierFromPurchaser"`
	OnChainState            string         `json:"onChainState,omitempty"`
	PayByTime               time.Time      `json:"payByTime"`
	SubmitResultTime        time.Time      `json:"submitResultTime"`
	InputHash               string         `json:"inputHash,omitempty"`
	ResultHash              string         `json:"resultHash,omitempty"`
	NextAction              *NextAction    `json:"nextAction,omitempty"`
	RequestedFunds          []Amount       `json:"requestedFunds,omitempty"`
	Metadata                map[string]any `json:"metadata,omitempty"`
}

// NextAction 描述远端建议的下一步动作。
type NextAction struct {
	RequestedAction string `json:"requestedAction,omitempty"`
	ErrorType       string `json:"errorType,omitempty"`
	ErrorNote       string `json:"errorNote,omitempty"`
}

// Amount 表示一笔链上资金。
type Amount struct {
	Amount string `json:"amount"`
	Unit   string `json:"unit"`
}

// CreateRequest 是创建支付请求的出参报文。
//
// 只传输输入数据的哈希，原始输入数据永远不上送远端。
type CreateRequest struct {
	AgentIdentifier         string         `json:"agentIdentifier"`
	Network                 string         `json:"network"`
	PayByTime               time.Time      `json:"payByTime"`
	SubmitResultTime        time.Time      `json:"submitResultTime"`
	IdentifierFromPurchaser string         `json:"identifierFromPurchaser"`
	InputHash               string         `json:"inputHash,omitempty"`
	Metadata                map[string]any `json:"metadata,omitempty"`
}

// ListQuery 描述分页查询参数。
type ListQuery struct {
	Limit  int
	Cursor string
	Filter string
}

// ListResult 是分页查询的返回。
type ListResult struct {
	Data       []Entity `json:"data"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// Client 定义了访问远端托管账本服务的契约。
//
// 账本服务本身不在本仓库实现，这里只消费其请求/响应约定。
type Client interface {
	Create(ctx context.Context, req CreateRequest) (*Entity, error)
	Fetch(ctx context.Context, blockchainIdentifier string) (*Entity, error)
	SubmitResult(ctx context.Context, blockchainIdentifier, resultHash string) (*Entity, error)
	AuthorizeRefund(ctx context.Context, blockchainIdentifier string) (*Entity, error)
	List(ctx context.Context, query ListQuery) (*ListResult, error)
	Close()
}

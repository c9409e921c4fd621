package approval

import (
	"time"

	"OpenWallet-Core/internal/message"
)

// AuthorizationRecord 记录某个来源的授权决定，持久化在 authUrls 键下。
type AuthorizationRecord struct {
	OriginKey string `json:"originKey"`
	URL       string `json:"url"`
	IsAllowed bool   `json:"isAllowed"`
	// AllowedAccounts 为空表示允许全部账户。
	AllowedAccounts map[string]bool `json:"allowedAccounts,omitempty"`
	LastSeen        time.Time       `json:"lastSeen"`
}

// AllowsAccount 判断来源是否可以看到或使用某个地址。
func (r AuthorizationRecord) AllowsAccount(address string) bool {
	if !r.IsAllowed {
		return false
	}
	if len(r.AllowedAccounts) == 0 {
		return true
	}
	return r.AllowedAccounts[address]
}

// AuthorizeRequest 是推送给 UI 的待授权请求。
type AuthorizeRequest struct {
	ID        string    `json:"id"`
	Origin    string    `json:"origin"`
	OriginKey string    `json:"originKey"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

// SigningRequest 是推送给 UI 的待签名请求。
type SigningRequest struct {
	ID        string                   `json:"id"`
	URL       string                   `json:"url"`
	Account   string                   `json:"account"`
	Payload   message.SignerPayloadRaw `json:"payload"`
	CreatedAt time.Time                `json:"createdAt"`
}

// MetadataRequest 是推送给 UI 的待确认元数据请求。
type MetadataRequest struct {
	ID         string              `json:"id"`
	URL        string              `json:"url"`
	Definition message.MetadataDef `json:"request"`
	CreatedAt  time.Time           `json:"createdAt"`
}

// Kind 区分三类待审批请求。
type Kind string

const (
	KindAuthorize Kind = "authorize"
	KindSigning   Kind = "sign"
	KindMetadata  Kind = "metadata"
)

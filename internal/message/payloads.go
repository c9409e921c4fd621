package message

import "encoding/json"

// RequestID addresses a pending request or subscription by id.
type RequestID struct {
	ID string `json:"id"`
}

// RequestAuthorizeApprove approves a pending authorization, optionally
// limiting the origin to the listed accounts.
type RequestAuthorizeApprove struct {
	ID       string   `json:"id"`
	Accounts []string `json:"accounts,omitempty"`
}

// RequestOrigin addresses an authorization record by its origin key.
type RequestOrigin struct {
	Origin string `json:"origin"`
}

// RequestAuthorizeTab is sent by a page asking for access.
type RequestAuthorizeTab struct {
	Origin string `json:"origin"`
}

// RequestSigningApprove unlocks the signer with a password.
type RequestSigningApprove struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

// RequestAccountSelect switches the active account.
type RequestAccountSelect struct {
	Address string `json:"address"`
}

// RequestAccountCreate creates a new keystore account.
type RequestAccountCreate struct {
	Name     string `json:"name,omitempty"`
	Password string `json:"password"`
}

// RequestAccountDerive derives a child account from an unlocked parent.
type RequestAccountDerive struct {
	ParentAddress  string `json:"parentAddress"`
	ParentPassword string `json:"parentPassword"`
	Path           string `json:"path"`
	Password       string `json:"password"`
	Name           string `json:"name,omitempty"`
}

// RequestSeed carries a mnemonic phrase.
type RequestSeed struct {
	Seed string `json:"seed"`
}

// ResponseSeed echoes a normalized mnemonic.
type ResponseSeed struct {
	Seed      string `json:"seed"`
	WordCount int    `json:"wordCount"`
}

// RequestDerivation carries a derivation path.
type RequestDerivation struct {
	Path string `json:"path"`
}

// ResponseDerivation echoes a normalized derivation path.
type ResponseDerivation struct {
	Path string `json:"path"`
}

// RequestChains names chains by key.
type RequestChains struct {
	Chains []string `json:"chains"`
}

// RequestSubscribe carries topic parameters for a subscription.
type RequestSubscribe struct {
	Params json.RawMessage `json:"params,omitempty"`
}

// RequestAccountsList filters the accounts exposed to a page.
type RequestAccountsList struct {
	AnyType bool `json:"anyType,omitempty"`
}

// SignerPayloadRaw is a raw-bytes signing request from a page.
type SignerPayloadRaw struct {
	Address string `json:"address"`
	Data    string `json:"data"`
	Type    string `json:"type"`
}

// ResponseSigning is returned to the page once a signature is produced.
type ResponseSigning struct {
	ID        string `json:"id"`
	Signature string `json:"signature"`
}

// MetadataDef describes chain metadata a page offers to inject.
type MetadataDef struct {
	Chain         string          `json:"chain"`
	GenesisHash   string          `json:"genesisHash"`
	Icon          string          `json:"icon,omitempty"`
	SS58Format    int             `json:"ss58Format"`
	SpecVersion   uint32          `json:"specVersion"`
	TokenDecimals int             `json:"tokenDecimals"`
	TokenSymbol   string          `json:"tokenSymbol"`
	Types         json.RawMessage `json:"types,omitempty"`
}

// KnownMetadata summarises stored metadata for pages.
type KnownMetadata struct {
	GenesisHash string `json:"genesisHash"`
	SpecVersion uint32 `json:"specVersion"`
}

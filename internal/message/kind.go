package message

import "strings"

// Kind identifies one command of the closed command set. Privileged kinds
// are prefixed "pri(", public kinds "pub(".
type Kind string

// Privileged commands, accepted only from the extension port.
const (
	KindAuthorizeApprove   Kind = "pri(authorize.approve)"
	KindAuthorizeReject    Kind = "pri(authorize.reject)"
	KindAuthorizeCancel    Kind = "pri(authorize.cancel)"
	KindAuthorizeList      Kind = "pri(authorize.list)"
	KindAuthorizeToggle    Kind = "pri(authorize.toggle)"
	KindAuthorizeForget    Kind = "pri(authorize.forget)"
	KindAuthorizeRequests  Kind = "pri(authorize.requests)"
	KindSigningRequests    Kind = "pri(signing.requests)"
	KindSigningApprove     Kind = "pri(signing.approve.password)"
	KindSigningCancel      Kind = "pri(signing.cancel)"
	KindMetadataRequests   Kind = "pri(metadata.requests)"
	KindMetadataApprove    Kind = "pri(metadata.approve)"
	KindMetadataReject     Kind = "pri(metadata.reject)"
	KindMetadataList       Kind = "pri(metadata.list)"
	KindAccountsSubscribe  Kind = "pri(accounts.subscribe)"
	KindAccountsSelect     Kind = "pri(accounts.select)"
	KindAccountsCreate     Kind = "pri(accounts.create)"
	KindAccountsDerive     Kind = "pri(accounts.derive)"
	KindSeedValidate       Kind = "pri(seed.validate)"
	KindDerivationValidate Kind = "pri(derivation.validate)"
	KindChainsEnable       Kind = "pri(chains.enable)"
	KindChainsDisable      Kind = "pri(chains.disable)"
	KindChainsSubscribe    Kind = "pri(chains.subscribe)"
	KindBalanceSubscribe   Kind = "pri(balance.subscribe)"
	KindStakingSubscribe   Kind = "pri(staking.subscribe)"
	KindCrowdloanSubscribe Kind = "pri(crowdloan.subscribe)"
	KindPriceSubscribe     Kind = "pri(price.subscribe)"
	KindNFTSubscribe       Kind = "pri(nft.subscribe)"
	KindUnsubscribe        Kind = "pri(unsubscribe)"
)

// Public commands, accepted from content-script relays.
const (
	KindPubAuthorizeTab      Kind = "pub(authorize.tab)"
	KindPubPhishingCheck     Kind = "pub(phishing.redirectIfDenied)"
	KindPubAccountsList      Kind = "pub(accounts.list)"
	KindPubAccountsSubscribe Kind = "pub(accounts.subscribe)"
	KindPubBytesSign         Kind = "pub(bytes.sign)"
	KindPubMetadataProvide   Kind = "pub(metadata.provide)"
	KindPubMetadataList      Kind = "pub(metadata.list)"
	KindPubUnsubscribe       Kind = "pub(unsubscribe)"
)

// AllKinds lists every command. Dispatch tables are checked against it.
var AllKinds = []Kind{
	KindAuthorizeApprove,
	KindAuthorizeReject,
	KindAuthorizeCancel,
	KindAuthorizeList,
	KindAuthorizeToggle,
	KindAuthorizeForget,
	KindAuthorizeRequests,
	KindSigningRequests,
	KindSigningApprove,
	KindSigningCancel,
	KindMetadataRequests,
	KindMetadataApprove,
	KindMetadataReject,
	KindMetadataList,
	KindAccountsSubscribe,
	KindAccountsSelect,
	KindAccountsCreate,
	KindAccountsDerive,
	KindSeedValidate,
	KindDerivationValidate,
	KindChainsEnable,
	KindChainsDisable,
	KindChainsSubscribe,
	KindBalanceSubscribe,
	KindStakingSubscribe,
	KindCrowdloanSubscribe,
	KindPriceSubscribe,
	KindNFTSubscribe,
	KindUnsubscribe,
	KindPubAuthorizeTab,
	KindPubPhishingCheck,
	KindPubAccountsList,
	KindPubAccountsSubscribe,
	KindPubBytesSign,
	KindPubMetadataProvide,
	KindPubMetadataList,
	KindPubUnsubscribe,
}

var known = func() map[Kind]struct{} {
	set := make(map[Kind]struct{}, len(AllKinds))
	for _, k := range AllKinds {
		set[k] = struct{}{}
	}
	return set
}()

// Known reports whether k belongs to the command set.
func (k Kind) Known() bool {
	_, ok := known[k]
	return ok
}

// Privileged reports whether k may only be sent by the extension UI.
func (k Kind) Privileged() bool {
	return strings.HasPrefix(string(k), "pri(")
}

// Public reports whether k is a web-page command.
func (k Kind) Public() bool {
	return strings.HasPrefix(string(k), "pub(")
}

// RequiresAuthorization reports whether a public command needs an allowed
// origin before it reaches its handler.
func (k Kind) RequiresAuthorization() bool {
	switch k {
	case KindPubAuthorizeTab, KindPubPhishingCheck:
		return false
	}
	return k.Public()
}

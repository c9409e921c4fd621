// Package handler 实现完整的消息分发表：特权端口（扩展 UI）与公共端口（页面）的全部命令。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"OpenWallet-Core/internal/approval"
	"OpenWallet-Core/internal/chain"
	"OpenWallet-Core/internal/chainstate"
	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/keyring"
	"OpenWallet-Core/internal/message"
	"OpenWallet-Core/internal/port"
	"OpenWallet-Core/internal/pubsub"
	"OpenWallet-Core/internal/router"
	"OpenWallet-Core/internal/subscription"
	"OpenWallet-Core/pkg/logger"
)

// Keyring 是处理函数需要的账户能力。
type Keyring interface {
	Accounts() []keyring.Account
	Has(address string) bool
	Create(ctx context.Context, name, password string) (keyring.Account, error)
	Derive(ctx context.Context, parent, parentPassword, path, password, name string) (keyring.Account, error)
}

// Chains 是连接编排器暴露给 UI 的操作。
type Chains interface {
	SetActiveAccount(ctx context.Context, address string) error
	EnableChains(ctx context.Context, keys []string) ([]string, error)
	DisableChains(ctx context.Context, keys []string) ([]string, error)
}

// Deps 汇总处理函数的依赖。
type Deps struct {
	Approval      *approval.State
	Keyring       Keyring
	Subscriptions *subscription.Manager
	Orchestrator  Chains
	// Chains 推送连接状态，可为空。
	Chains   *pubsub.Topic[[]chain.ConnectionView]
	Phishing *Phishing
}

// Handlers 持有依赖并生成分发表。
type Handlers struct {
	deps     Deps
	accounts *pubsub.Topic[[]keyring.Account]
	log      *slog.Logger
}

// New 校验依赖并注册订阅主题。
func New(deps Deps) (*Handlers, error) {
	if deps.Approval == nil || deps.Keyring == nil || deps.Subscriptions == nil || deps.Orchestrator == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "handler requires approval, keyring, subscriptions and orchestrator")
	}
	if deps.Phishing == nil {
		deps.Phishing = NewPhishing(nil)
	}
	h := &Handlers{
		deps:     deps,
		accounts: pubsub.NewTopic[[]keyring.Account]("accounts"),
		log:      logger.Named("handler"),
	}
	h.accounts.Publish(deps.Keyring.Accounts())
	h.registerTopics()
	return h, nil
}

// Table 返回覆盖全部消息类型的分发表。
func (h *Handlers) Table() router.Table {
	return router.Table{
		message.KindAuthorizeApprove:   h.authorizeApprove,
		message.KindAuthorizeReject:    h.authorizeReject,
		message.KindAuthorizeCancel:    h.authorizeCancel,
		message.KindAuthorizeList:      h.authorizeList,
		message.KindAuthorizeToggle:    h.authorizeToggle,
		message.KindAuthorizeForget:    h.authorizeForget,
		message.KindAuthorizeRequests:  h.subscribe(TopicAuthorizeRequests),
		message.KindSigningRequests:    h.subscribe(TopicSigningRequests),
		message.KindSigningApprove:     h.signingApprove,
		message.KindSigningCancel:      h.signingCancel,
		message.KindMetadataRequests:   h.subscribe(TopicMetadataRequests),
		message.KindMetadataApprove:    h.metadataApprove,
		message.KindMetadataReject:     h.metadataReject,
		message.KindMetadataList:       h.metadataList,
		message.KindAccountsSubscribe:  h.subscribe(TopicAccounts),
		message.KindAccountsSelect:     h.accountsSelect,
		message.KindAccountsCreate:     h.accountsCreate,
		message.KindAccountsDerive:     h.accountsDerive,
		message.KindSeedValidate:       h.seedValidate,
		message.KindDerivationValidate: h.derivationValidate,
		message.KindChainsEnable:       h.chainsEnable,
		message.KindChainsDisable:      h.chainsDisable,
		message.KindChainsSubscribe:    h.subscribe(TopicChains),
		message.KindBalanceSubscribe:   h.subscribe(chainstate.TopicBalance),
		message.KindStakingSubscribe:   h.subscribe(chainstate.TopicStaking),
		message.KindCrowdloanSubscribe: h.subscribe(chainstate.TopicCrowdloan),
		message.KindPriceSubscribe:     h.subscribe(chainstate.TopicPrice),
		message.KindNFTSubscribe:       h.subscribe(chainstate.TopicNFT),
		message.KindUnsubscribe:        h.unsubscribe,

		message.KindPubAuthorizeTab:      h.authorizeTab,
		message.KindPubPhishingCheck:     h.phishingCheck,
		message.KindPubAccountsList:      h.accountsList,
		message.KindPubAccountsSubscribe: h.accountsSubscribePublic,
		message.KindPubBytesSign:         h.bytesSign,
		message.KindPubMetadataProvide:   h.metadataProvide,
		message.KindPubMetadataList:      h.metadataKnown,
		message.KindPubUnsubscribe:       h.unsubscribe,
	}
}

// subscribe 以请求 id 作为订阅 id。
func (h *Handlers) subscribe(topic string) router.Handler {
	return func(ctx context.Context, req router.Request) (any, error) {
		var body message.RequestSubscribe
		if err := req.Decode(&body); err != nil {
			return nil, err
		}
		if err := h.deps.Subscriptions.Subscribe(ctx, req.Port, req.ID, topic, body.Params); err != nil {
			return nil, err
		}
		return true, nil
	}
}

func (h *Handlers) unsubscribe(_ context.Context, req router.Request) (any, error) {
	var body message.RequestID
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	return h.deps.Subscriptions.Unsubscribe(req.Port, body.ID), nil
}

func decodeID(req router.Request) (string, error) {
	var body message.RequestID
	if err := req.Decode(&body); err != nil {
		return "", err
	}
	if body.ID == "" {
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "%s requires an id", req.Kind)
	}
	return body.ID, nil
}

// --- authorization ---

func (h *Handlers) authorizeApprove(ctx context.Context, req router.Request) (any, error) {
	var body message.RequestAuthorizeApprove
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	if err := h.deps.Approval.ApproveAuthorize(ctx, body.ID, body.Accounts); err != nil {
		return nil, err
	}
	return true, nil
}

func (h *Handlers) authorizeReject(ctx context.Context, req router.Request) (any, error) {
	id, err := decodeID(req)
	if err != nil {
		return nil, err
	}
	return true, h.deps.Approval.RejectAuthorize(ctx, id)
}

func (h *Handlers) authorizeCancel(ctx context.Context, req router.Request) (any, error) {
	id, err := decodeID(req)
	if err != nil {
		return nil, err
	}
	return true, h.deps.Approval.CancelAuthorize(ctx, id)
}

func (h *Handlers) authorizeList(context.Context, router.Request) (any, error) {
	return h.deps.Approval.AuthorizationList(), nil
}

func (h *Handlers) authorizeToggle(ctx context.Context, req router.Request) (any, error) {
	var body message.RequestOrigin
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	rec, err := h.deps.Approval.ToggleAuthorization(ctx, body.Origin)
	if err != nil {
		return nil, err
	}
	h.accounts.Publish(h.deps.Keyring.Accounts())
	return rec, nil
}

func (h *Handlers) authorizeForget(ctx context.Context, req router.Request) (any, error) {
	var body message.RequestOrigin
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	return h.deps.Approval.ForgetAuthorization(ctx, body.Origin)
}

func (h *Handlers) authorizeTab(ctx context.Context, req router.Request) (any, error) {
	var body message.RequestAuthorizeTab
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	return h.deps.Approval.AuthorizeURL(ctx, req.Port, req.Port.Origin(), body)
}

// --- signing ---

func (h *Handlers) signingApprove(ctx context.Context, req router.Request) (any, error) {
	var body message.RequestSigningApprove
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	if err := h.deps.Approval.ApproveSign(ctx, body.ID, body.Password); err != nil {
		return nil, err
	}
	return true, nil
}

func (h *Handlers) signingCancel(ctx context.Context, req router.Request) (any, error) {
	id, err := decodeID(req)
	if err != nil {
		return nil, err
	}
	return true, h.deps.Approval.CancelSign(ctx, id)
}

func (h *Handlers) bytesSign(ctx context.Context, req router.Request) (any, error) {
	var body message.SignerPayloadRaw
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	return h.deps.Approval.Sign(ctx, req.Port, req.Port.Origin(), body)
}

// --- metadata ---

func (h *Handlers) metadataApprove(ctx context.Context, req router.Request) (any, error) {
	id, err := decodeID(req)
	if err != nil {
		return nil, err
	}
	return true, h.deps.Approval.ApproveMetadata(ctx, id)
}

func (h *Handlers) metadataReject(ctx context.Context, req router.Request) (any, error) {
	id, err := decodeID(req)
	if err != nil {
		return nil, err
	}
	return true, h.deps.Approval.RejectMetadata(ctx, id)
}

func (h *Handlers) metadataList(ctx context.Context, _ router.Request) (any, error) {
	return h.deps.Approval.MetadataList(ctx)
}

func (h *Handlers) metadataKnown(context.Context, router.Request) (any, error) {
	return h.deps.Approval.KnownMetadata(), nil
}

func (h *Handlers) metadataProvide(ctx context.Context, req router.Request) (any, error) {
	var def message.MetadataDef
	if err := req.Decode(&def); err != nil {
		return nil, err
	}
	return h.deps.Approval.InjectMetadata(ctx, req.Port, req.Port.Origin(), def)
}

// --- accounts ---

func (h *Handlers) visibleAccounts(origin string, list []keyring.Account) []keyring.Account {
	rec, ok := h.deps.Approval.Authorization(origin)
	out := make([]keyring.Account, 0, len(list))
	if !ok {
		return out
	}
	for _, a := range list {
		if rec.AllowsAccount(a.Address) {
			out = append(out, a)
		}
	}
	return out
}

func (h *Handlers) accountsList(_ context.Context, req router.Request) (any, error) {
	var body message.RequestAccountsList
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	return h.visibleAccounts(req.Port.Origin(), h.deps.Keyring.Accounts()), nil
}

func (h *Handlers) accountsSubscribePublic(ctx context.Context, req router.Request) (any, error) {
	params, err := json.Marshal(publicAccountsParams{Origin: req.Port.Origin()})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "encode subscription params")
	}
	if err := h.deps.Subscriptions.Subscribe(ctx, req.Port, req.ID, TopicAccountsPublic, params); err != nil {
		return nil, err
	}
	return true, nil
}

func (h *Handlers) accountsSelect(ctx context.Context, req router.Request) (any, error) {
	var body message.RequestAccountSelect
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	if body.Address != "" && !h.deps.Keyring.Has(body.Address) {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "Unable to find account %s", body.Address)
	}
	if err := h.deps.Orchestrator.SetActiveAccount(ctx, body.Address); err != nil {
		return nil, err
	}
	return true, nil
}

func (h *Handlers) accountsCreate(ctx context.Context, req router.Request) (any, error) {
	var body message.RequestAccountCreate
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	if body.Password == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "password is required")
	}
	acc, err := h.deps.Keyring.Create(ctx, body.Name, body.Password)
	if err != nil {
		return nil, err
	}
	h.accountsChanged("account created", acc)
	return acc, nil
}

func (h *Handlers) accountsDerive(ctx context.Context, req router.Request) (any, error) {
	var body message.RequestAccountDerive
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	if body.Password == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "password is required")
	}
	acc, err := h.deps.Keyring.Derive(ctx, body.ParentAddress, body.ParentPassword, body.Path, body.Password, body.Name)
	if err != nil {
		return nil, err
	}
	h.accountsChanged("account derived", acc)
	return acc, nil
}

func (h *Handlers) accountsChanged(event string, acc keyring.Account) {
	logger.Audit().Info(event, slog.String("address", acc.Address))
	h.accounts.Publish(h.deps.Keyring.Accounts())
}

func (h *Handlers) seedValidate(_ context.Context, req router.Request) (any, error) {
	var body message.RequestSeed
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	seed, words, err := keyring.ValidateSeed(body.Seed)
	if err != nil {
		return nil, err
	}
	return message.ResponseSeed{Seed: seed, WordCount: words}, nil
}

func (h *Handlers) derivationValidate(_ context.Context, req router.Request) (any, error) {
	var body message.RequestDerivation
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	path, err := keyring.ValidateDerivationPath(body.Path)
	if err != nil {
		return nil, err
	}
	return message.ResponseDerivation{Path: path}, nil
}

// --- chains ---

func (h *Handlers) chainsEnable(ctx context.Context, req router.Request) (any, error) {
	var body message.RequestChains
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	return h.deps.Orchestrator.EnableChains(ctx, body.Chains)
}

func (h *Handlers) chainsDisable(ctx context.Context, req router.Request) (any, error) {
	var body message.RequestChains
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	return h.deps.Orchestrator.DisableChains(ctx, body.Chains)
}

// --- phishing ---

func (h *Handlers) phishingCheck(_ context.Context, req router.Request) (any, error) {
	var body message.RequestOrigin
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	target := body.Origin
	if target == "" {
		target = req.Port.Origin()
	}
	denied := h.deps.Phishing.Denied(target)
	if denied {
		h.log.Warn("phishing site denied", slog.String("origin", port.OriginKey(target)))
	}
	return denied, nil
}

package handler

import (
	"context"
	"encoding/json"

	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/keyring"
	"OpenWallet-Core/internal/pubsub"
	"OpenWallet-Core/internal/subscription"
)

// Subscription topics served by this package.
const (
	TopicAccounts          = "accounts"
	TopicAccountsPublic    = "accounts.public"
	TopicAuthorizeRequests = "authorize.requests"
	TopicSigningRequests   = "signing.requests"
	TopicMetadataRequests  = "metadata.requests"
	TopicChains            = "chains"
)

// topicSource replays the latest value of t and forwards every later one.
// view may drop or reshape a value per subscription.
func topicSource[T any](t *pubsub.Topic[T], view func(params json.RawMessage) (func(T) (any, bool), error)) subscription.Source {
	return func(ctx context.Context, params json.RawMessage, emit subscription.Emitter) error {
		project := func(v T) (any, bool) { return v, true }
		if view != nil {
			p, err := view(params)
			if err != nil {
				return err
			}
			project = p
		}
		token := t.Subscribe(func(v T) {
			if ctx.Err() != nil {
				return
			}
			if out, ok := project(v); ok {
				emit(t.Name(), out)
			}
		}, true)
		context.AfterFunc(ctx, token.Unsubscribe)
		return nil
	}
}

type publicAccountsParams struct {
	Origin string `json:"origin"`
}

// publicAccountsView filters the account list down to what the origin
// in params may see.
func (h *Handlers) publicAccountsView(params json.RawMessage) (func([]keyring.Account) (any, bool), error) {
	var p publicAccountsParams
	if err := json.Unmarshal(params, &p); err != nil || p.Origin == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "public account subscription requires an origin")
	}
	return func(list []keyring.Account) (any, bool) {
		return h.visibleAccounts(p.Origin, list), true
	}, nil
}

func (h *Handlers) registerTopics() {
	subs := h.deps.Subscriptions
	subs.Register(TopicAccounts, topicSource(h.accounts, nil), subscription.TopicOptions{})
	subs.Register(TopicAccountsPublic, topicSource(h.accounts, h.publicAccountsView), subscription.TopicOptions{})
	subs.Register(TopicAuthorizeRequests, topicSource(h.deps.Approval.AuthorizeRequests, nil), subscription.TopicOptions{})
	subs.Register(TopicSigningRequests, topicSource(h.deps.Approval.SigningRequests, nil), subscription.TopicOptions{})
	subs.Register(TopicMetadataRequests, topicSource(h.deps.Approval.MetadataRequests, nil), subscription.TopicOptions{})
	if h.deps.Chains != nil {
		subs.Register(TopicChains, topicSource(h.deps.Chains, nil), subscription.TopicOptions{})
	}
}

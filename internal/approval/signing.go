package approval

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/message"
	"OpenWallet-Core/internal/port"
	"OpenWallet-Core/pkg/logger"
)

// Sign 创建签名请求并等待用户用密码批准。
func (s *State) Sign(ctx context.Context, p port.Port, url string, payload message.SignerPayloadRaw) (message.ResponseSigning, error) {
	if payload.Type != "" && payload.Type != "bytes" {
		return message.ResponseSigning{}, xerrors.Newf(xerrors.CodeValidation, "unsupported payload type %s", payload.Type)
	}
	if strings.TrimSpace(payload.Address) == "" {
		return message.ResponseSigning{}, xerrors.New(xerrors.CodeValidation, "signing address is required")
	}
	if _, err := decodeData(payload.Data); err != nil {
		return message.ResponseSigning{}, err
	}
	key := port.OriginKey(url)

	s.mu.Lock()
	rec, ok := s.authUrls[key]
	switch {
	case !ok:
		s.mu.Unlock()
		return message.ResponseSigning{}, notEnabled(url)
	case !rec.AllowsAccount(payload.Address):
		s.mu.Unlock()
		return message.ResponseSigning{}, xerrors.Newf(xerrors.CodeAuthorization,
			"The source %s is not allowed to use account %s", url, payload.Address)
	}
	id := s.ids.Next()
	seq, watch := s.nextSeqLocked(p)
	e := newEntry(id, SigningRequest{
		ID:        id,
		URL:       url,
		Account:   payload.Address,
		Payload:   payload,
		CreatedAt: s.now(),
	}, p.ID(), key, seq)
	s.signing.add(e)
	s.mu.Unlock()

	if watch {
		s.watchPort(p)
	}
	s.emit(KindSigning)
	s.signalOpen(ctx, KindSigning, id)

	v, err := wait(ctx, s, KindSigning, s.signing, e)
	if err != nil {
		return message.ResponseSigning{}, err
	}
	resp, _ := v.(message.ResponseSigning)
	return resp, nil
}

// ApproveSign 用密码完成一次签名。密码错误时返回 ValidationError，
// 请求保持 Pending，用户可以重试。
func (s *State) ApproveSign(ctx context.Context, id, password string) error {
	s.mu.Lock()
	e, ok := s.signing.get(id)
	s.mu.Unlock()
	if !ok {
		return requestNotFound(id)
	}
	address := e.view.Account
	data, err := decodeData(e.view.Payload.Data)
	if err != nil {
		return err
	}

	sig, err := s.signer.SignWithPassphrase(address, password, data)
	if err != nil {
		if _, coded := xerrors.From(err); !coded {
			err = xerrors.Wrap(xerrors.CodeValidation, err, "Unable to unlock account")
		}
		return err
	}

	// 签名期间请求可能已被取消或丢弃。
	s.mu.Lock()
	e, ok = s.signing.take(id)
	s.mu.Unlock()
	if !ok {
		return requestNotFound(id)
	}
	e.resolve(message.ResponseSigning{ID: id, Signature: hexutil.Encode(sig)})
	s.finish(ctx, KindSigning)
	logger.Audit().Info("signing approved", slog.String("id", id), slog.String("origin", e.originKey),
		slog.String("address", address))
	return nil
}

// CancelSign 以 "Cancelled" 结束签名请求。
func (s *State) CancelSign(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.signing.take(id)
	s.mu.Unlock()
	if !ok {
		return requestNotFound(id)
	}
	e.reject(xerrors.New(xerrors.CodeCancelled, ""))
	s.finish(ctx, KindSigning)
	logger.Audit().Info("signing cancelled", slog.String("id", id), slog.String("origin", e.originKey))
	return nil
}

// decodeData 接受 0x 前缀的十六进制或原始字符串。
func decodeData(data string) ([]byte, error) {
	if strings.HasPrefix(data, "0x") || strings.HasPrefix(data, "0X") {
		raw, err := hexutil.Decode("0x" + data[2:])
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeValidation, err, "invalid hex payload")
		}
		return raw, nil
	}
	return []byte(data), nil
}

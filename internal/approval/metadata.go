package approval

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/kvstore"
	"OpenWallet-Core/internal/message"
	"OpenWallet-Core/internal/port"
	"OpenWallet-Core/pkg/logger"
)

// InjectMetadata 处理页面提供的链元数据。已知相同或更新版本时直接返回 true。
func (s *State) InjectMetadata(ctx context.Context, p port.Port, url string, def message.MetadataDef) (bool, error) {
	def.GenesisHash = strings.ToLower(strings.TrimSpace(def.GenesisHash))
	if def.GenesisHash == "" || strings.TrimSpace(def.Chain) == "" {
		return false, xerrors.New(xerrors.CodeValidation, "metadata requires chain and genesisHash")
	}

	s.mu.Lock()
	if v, ok := s.known[def.GenesisHash]; ok && v >= def.SpecVersion {
		s.mu.Unlock()
		return true, nil
	}
	id := s.ids.Next()
	seq, watch := s.nextSeqLocked(p)
	e := newEntry(id, MetadataRequest{
		ID:         id,
		URL:        url,
		Definition: def,
		CreatedAt:  s.now(),
	}, p.ID(), port.OriginKey(url), seq)
	s.metadata.add(e)
	s.mu.Unlock()

	if watch {
		s.watchPort(p)
	}
	s.emit(KindMetadata)
	s.signalOpen(ctx, KindMetadata, id)

	v, err := wait(ctx, s, KindMetadata, s.metadata, e)
	if err != nil {
		return false, err
	}
	ok, _ := v.(bool)
	return ok, nil
}

// ApproveMetadata 保存元数据并以 true 结束请求。
func (s *State) ApproveMetadata(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.metadata.get(id)
	s.mu.Unlock()
	if !ok {
		return requestNotFound(id)
	}
	def := e.view.Definition
	if err := kvstore.SetJSON(ctx, s.store, metadataKey(def.GenesisHash), def); err != nil {
		return err
	}

	s.mu.Lock()
	e, ok = s.metadata.take(id)
	if ok {
		s.known[def.GenesisHash] = def.SpecVersion
	}
	s.mu.Unlock()
	if !ok {
		return requestNotFound(id)
	}
	if err := s.persistIndex(ctx); err != nil {
		s.log.Error("persist metadata index failed", slog.Any("error", err))
	}
	e.resolve(true)
	s.finish(ctx, KindMetadata)
	logger.Audit().Info("metadata approved", slog.String("id", id), slog.String("chain", def.Chain),
		slog.String("genesis_hash", def.GenesisHash))
	return nil
}

// RejectMetadata 以 "Rejected" 结束请求。
func (s *State) RejectMetadata(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.metadata.take(id)
	s.mu.Unlock()
	if !ok {
		return requestNotFound(id)
	}
	e.reject(xerrors.New(xerrors.CodeRejected, ""))
	s.finish(ctx, KindMetadata)
	return nil
}

// KnownMetadata 返回已保存元数据的创世哈希与版本。
func (s *State) KnownMetadata() []message.KnownMetadata {
	s.mu.Lock()
	out := make([]message.KnownMetadata, 0, len(s.known))
	for hash, version := range s.known {
		out = append(out, message.KnownMetadata{GenesisHash: hash, SpecVersion: version})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].GenesisHash < out[j].GenesisHash })
	return out
}

// Metadata 按创世哈希读取元数据定义。
func (s *State) Metadata(ctx context.Context, genesisHash string) (message.MetadataDef, bool, error) {
	var def message.MetadataDef
	ok, err := kvstore.GetJSON(ctx, s.store, metadataKey(strings.ToLower(genesisHash)), &def)
	return def, ok, err
}

// MetadataList 返回全部已保存的元数据定义。
func (s *State) MetadataList(ctx context.Context) ([]message.MetadataDef, error) {
	known := s.KnownMetadata()
	out := make([]message.MetadataDef, 0, len(known))
	for _, k := range known {
		def, ok, err := s.Metadata(ctx, k.GenesisHash)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, def)
		}
	}
	return out, nil
}

func (s *State) persistIndex(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	s.mu.Lock()
	snapshot := make(map[string]uint32, len(s.known))
	for k, v := range s.known {
		snapshot[k] = v
	}
	s.mu.Unlock()
	return kvstore.SetJSON(context.WithoutCancel(ctx), s.store, metadataIndexKey, snapshot)
}

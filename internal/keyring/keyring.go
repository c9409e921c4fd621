// Package keyring wraps a go-ethereum keystore directory and exposes the
// capabilities the approval flow needs: lock, unlock, sign and derive.
package keyring

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenWallet-Core/internal/errors"
	"OpenWallet-Core/internal/kvstore"
)

const namesKey = "accounts:names"

// Config selects the keystore directory and scrypt cost.
type Config struct {
	Dir string `json:"dir"`
	// Light uses the cheap scrypt parameters. Only meant for tests and dev.
	Light bool `json:"light"`
}

// Account is a keystore account with its display name.
type Account struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Keyring owns the keystore plus the account names persisted alongside it.
type Keyring struct {
	ks    *keystore.KeyStore
	store kvstore.Store

	mu    sync.Mutex
	names map[string]string
}

// Open loads the keystore in cfg.Dir and the stored account names.
func Open(ctx context.Context, cfg Config, store kvstore.Store) (*Keyring, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "keystore directory is required")
	}
	if store == nil {
		store = kvstore.NewMemoryStore()
	}
	n, p := keystore.StandardScryptN, keystore.StandardScryptP
	if cfg.Light {
		n, p = keystore.LightScryptN, keystore.LightScryptP
	}
	k := &Keyring{
		ks:    keystore.NewKeyStore(cfg.Dir, n, p),
		store: store,
		names: make(map[string]string),
	}
	if _, err := kvstore.GetJSON(ctx, store, namesKey, &k.names); err != nil {
		return nil, err
	}
	if k.names == nil {
		k.names = make(map[string]string)
	}
	return k, nil
}

// Accounts lists every account sorted by address.
func (k *Keyring) Accounts() []Account {
	list := k.ks.Accounts()
	k.mu.Lock()
	out := make([]Account, 0, len(list))
	for _, a := range list {
		addr := a.Address.Hex()
		out = append(out, Account{Address: addr, Name: k.names[addr]})
	}
	k.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Has reports whether address is present in the keystore.
func (k *Keyring) Has(address string) bool {
	_, err := k.find(address)
	return err == nil
}

// Create generates a new account protected by password.
func (k *Keyring) Create(ctx context.Context, name, password string) (Account, error) {
	if password == "" {
		return Account{}, xerrors.New(xerrors.CodeValidation, "password is required")
	}
	acc, err := k.ks.NewAccount(password)
	if err != nil {
		return Account{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create account")
	}
	return k.named(ctx, acc.Address, name)
}

// Unlock decrypts the key for address until Lock is called.
func (k *Keyring) Unlock(address, password string) error {
	acc, err := k.find(address)
	if err != nil {
		return err
	}
	return mapError(k.ks.Unlock(acc, password), address)
}

// Lock drops the decrypted key for address.
func (k *Keyring) Lock(address string) error {
	if !common.IsHexAddress(address) {
		return xerrors.Newf(xerrors.CodeValidation, "invalid address %s", address)
	}
	return mapError(k.ks.Lock(common.HexToAddress(address)), address)
}

// Sign produces an EIP-191 personal signature over data. The account must
// be unlocked.
func (k *Keyring) Sign(address string, data []byte) ([]byte, error) {
	acc, err := k.find(address)
	if err != nil {
		return nil, err
	}
	sig, err := k.ks.SignHash(acc, accounts.TextHash(data))
	if err != nil {
		return nil, mapError(err, address)
	}
	return sig, nil
}

// SignWithPassphrase decrypts the key for this one signature only. The
// account's unlocked state is left untouched.
func (k *Keyring) SignWithPassphrase(address, password string, data []byte) ([]byte, error) {
	acc, err := k.find(address)
	if err != nil {
		return nil, err
	}
	sig, err := k.ks.SignHashWithPassphrase(acc, password, accounts.TextHash(data))
	if err != nil {
		return nil, mapError(err, address)
	}
	return sig, nil
}

// Derive creates a child account from the parent's private key and path.
// The child is deterministic for a given parent and normalized path.
func (k *Keyring) Derive(ctx context.Context, parent, parentPassword, path, password, name string) (Account, error) {
	normalized, err := ValidateDerivationPath(path)
	if err != nil {
		return Account{}, err
	}
	if password == "" {
		return Account{}, xerrors.New(xerrors.CodeValidation, "password is required")
	}
	acc, err := k.find(parent)
	if err != nil {
		return Account{}, err
	}
	blob, err := k.ks.Export(acc, parentPassword, parentPassword)
	if err != nil {
		return Account{}, mapError(err, parent)
	}
	key, err := keystore.DecryptKey(blob, parentPassword)
	if err != nil {
		return Account{}, mapError(err, parent)
	}
	seed := crypto.Keccak256(crypto.FromECDSA(key.PrivateKey), []byte(normalized))
	child, err := crypto.ToECDSA(seed)
	if err != nil {
		return Account{}, xerrors.Wrap(xerrors.CodeValidation, err, "derive child key")
	}
	imported, err := k.ks.ImportECDSA(child, password)
	if errors.Is(err, keystore.ErrAccountAlreadyExists) {
		return Account{}, xerrors.Newf(xerrors.CodeState, "account %s already exists", crypto.PubkeyToAddress(child.PublicKey).Hex())
	}
	if err != nil {
		return Account{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "import derived key")
	}
	return k.named(ctx, imported.Address, name)
}

func (k *Keyring) named(ctx context.Context, addr common.Address, name string) (Account, error) {
	out := Account{Address: addr.Hex(), Name: strings.TrimSpace(name)}
	if out.Name == "" {
		return out, nil
	}
	k.mu.Lock()
	k.names[out.Address] = out.Name
	snapshot := make(map[string]string, len(k.names))
	for a, n := range k.names {
		snapshot[a] = n
	}
	k.mu.Unlock()
	if err := kvstore.SetJSON(ctx, k.store, namesKey, snapshot); err != nil {
		return out, err
	}
	return out, nil
}

func (k *Keyring) find(address string) (accounts.Account, error) {
	if !common.IsHexAddress(address) {
		return accounts.Account{}, xerrors.Newf(xerrors.CodeValidation, "invalid address %s", address)
	}
	acc, err := k.ks.Find(accounts.Account{Address: common.HexToAddress(address)})
	if err != nil {
		return accounts.Account{}, mapError(err, address)
	}
	return acc, nil
}

// Verify checks sig against address for data signed with Sign.
func Verify(address string, data, sig []byte) bool {
	if len(sig) != crypto.SignatureLength || !common.IsHexAddress(address) {
		return false
	}
	pub, err := crypto.SigToPub(accounts.TextHash(data), sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == common.HexToAddress(address)
}

func mapError(err error, address string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, keystore.ErrDecrypt):
		return xerrors.Wrap(xerrors.CodeValidation, err, "Unable to decode using the supplied passphrase")
	case errors.Is(err, keystore.ErrNoMatch):
		return xerrors.Newf(xerrors.CodeNotFound, "Unable to find account %s", address)
	case errors.Is(err, keystore.ErrLocked):
		return xerrors.Wrap(xerrors.CodeState, err, "account "+address+" is locked")
	default:
		return xerrors.Wrap(xerrors.CodeUnknown, err, "keystore")
	}
}

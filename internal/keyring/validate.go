package keyring

import (
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/accounts"

	xerrors "OpenWallet-Core/internal/errors"
)

var seedLengths = map[int]bool{12: true, 15: true, 18: true, 21: true, 24: true}

// ValidateSeed normalizes a mnemonic and checks its shape: a supported word
// count and lowercase latin words only. It does not check the checksum.
func ValidateSeed(seed string) (string, int, error) {
	words := strings.Fields(strings.ToLower(seed))
	if !seedLengths[len(words)] {
		return "", 0, xerrors.Newf(xerrors.CodeValidation, "mnemonic must have 12, 15, 18, 21 or 24 words, got %d", len(words))
	}
	for _, w := range words {
		for _, r := range w {
			if r > unicode.MaxASCII || !unicode.IsLetter(r) {
				return "", 0, xerrors.Newf(xerrors.CodeValidation, "invalid mnemonic word %q", w)
			}
		}
	}
	return strings.Join(words, " "), len(words), nil
}

// ValidateDerivationPath accepts two path forms and returns the canonical
// string used as derivation input:
//
//	m/44'/60'/0'/0/0   BIP-32 style, canonicalized by go-ethereum
//	//polkadot/0       junctions, "//" hard and "/" soft
//
// Anything else, including relative numeric paths such as "0/1", is rejected.
func ValidateDerivationPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	switch {
	case path == "":
		return "", xerrors.New(xerrors.CodeValidation, "derivation path is required")
	case strings.HasPrefix(path, "m/"):
		parsed, err := accounts.ParseDerivationPath(path)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeValidation, err, "invalid derivation path")
		}
		return parsed.String(), nil
	case strings.HasPrefix(path, "/"):
		return parseJunctions(path)
	default:
		return "", xerrors.Newf(xerrors.CodeValidation, "invalid derivation path %q: expected m/... or //hard/soft", path)
	}
}

// parseJunctions walks "//hard/soft" paths. Junction names may not be empty
// or contain whitespace.
func parseJunctions(path string) (string, error) {
	var b strings.Builder
	rest := path
	for rest != "" {
		sep := "/"
		if strings.HasPrefix(rest, "//") {
			sep = "//"
		}
		rest = rest[len(sep):]
		end := strings.Index(rest, "/")
		if end < 0 {
			end = len(rest)
		}
		name := rest[:end]
		if name == "" || strings.IndexFunc(name, unicode.IsSpace) >= 0 {
			return "", xerrors.Newf(xerrors.CodeValidation, "invalid derivation path %q: empty or malformed junction", path)
		}
		b.WriteString(sep)
		b.WriteString(name)
		rest = rest[end:]
	}
	return b.String(), nil
}

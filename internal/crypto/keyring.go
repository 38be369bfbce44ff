package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// KeySource locates one signing key: either a raw hex key or a sealed key
// file and its password.
type KeySource struct {
	RawPrivateKey string
	SealedKeyPath string
	Password      string
}

// Keyring maps caller identities to the keys that sign on their behalf.
type Keyring struct {
	mu   sync.RWMutex
	keys map[domain.Identity]*ecdsa.PrivateKey
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[domain.Identity]*ecdsa.PrivateKey)}
}

// LoadKeyring resolves every source into a keyring.
func LoadKeyring(sources []KeySource) (*Keyring, error) {
	kr := NewKeyring()
	for i, src := range sources {
		key, err := loadKey(src)
		if err != nil {
			return nil, fmt.Errorf("crypto: key %d: %w", i, err)
		}
		kr.Add(key)
	}
	return kr, nil
}

func loadKey(src KeySource) (*ecdsa.PrivateKey, error) {
	if src.RawPrivateKey != "" {
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(src.RawPrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse raw key: %w", err)
		}
		return key, nil
	}
	if src.SealedKeyPath != "" {
		blob, err := os.ReadFile(src.SealedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read sealed key: %w", err)
		}
		return OpenKey(blob, src.Password)
	}
	return nil, fmt.Errorf("no key material")
}

// Add registers key and returns the identity it signs for.
func (k *Keyring) Add(key *ecdsa.PrivateKey) domain.Identity {
	id := IdentityOf(&key.PublicKey)
	k.mu.Lock()
	k.keys[id] = key
	k.mu.Unlock()
	return id
}

// Key returns the key for id.
func (k *Keyring) Key(id domain.Identity) (*ecdsa.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[id]
	if !ok {
		return nil, fmt.Errorf("crypto: no signing key for %s: %w", id, domain.ErrAuthorization)
	}
	return key, nil
}

// Identities lists the identities the keyring can sign for.
func (k *Keyring) Identities() []domain.Identity {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]domain.Identity, 0, len(k.keys))
	for id := range k.keys {
		out = append(out, id)
	}
	return out
}

// IdentityOf derives the ledger identity of a public key.
func IdentityOf(pub *ecdsa.PublicKey) domain.Identity {
	return domain.Identity(strings.ToLower(ethcrypto.PubkeyToAddress(*pub).Hex()))
}

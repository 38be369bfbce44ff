package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// SignPersonal signs message with the EIP-191 personal_sign prefix and
// returns the 65-byte signature hex encoded, V in {27, 28}.
func SignPersonal(key *ecdsa.PrivateKey, message []byte) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return "", fmt.Errorf("crypto: personal sign: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RecoverPersonal returns the identity that produced signature over message.
func RecoverPersonal(message []byte, signature string) (domain.Identity, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", domain.Invalid("signature: %v", err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return "", domain.Invalid("signature: want %d bytes, got %d", ethcrypto.SignatureLength, len(sig))
	}
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return "", domain.Invalid("signature: %v", err)
	}
	return IdentityOf(pub), nil
}

package config

import "github.com/alanyoungcy/ipmarket/internal/crypto"

// KeySources lists every configured signing key, primary first.
func (c *Config) KeySources() []crypto.KeySource {
	keys := c.allKeys()
	out := make([]crypto.KeySource, 0, len(keys))
	for _, k := range keys {
		out = append(out, crypto.KeySource{
			RawPrivateKey: k.PrivateKey,
			SealedKeyPath: k.EncryptedKeyPath,
			Password:      k.KeyPassword,
		})
	}
	return out
}

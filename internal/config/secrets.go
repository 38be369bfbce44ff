package config

// Redacted returns a copy of the config with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func (c Config) Redacted() Config {
	out := c

	// Ledger RPC URLs often embed provider keys.
	redact(&out.Ledger.RPCURL)

	// Wallet
	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)
	if c.Wallet.Keys != nil {
		out.Wallet.Keys = make([]KeyConfig, len(c.Wallet.Keys))
		for i, k := range c.Wallet.Keys {
			redact(&k.PrivateKey)
			redact(&k.KeyPassword)
			out.Wallet.Keys[i] = k
		}
	}

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Server
	redact(&out.Server.APIKey)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Wallet.Authorities = cloneStrings(c.Wallet.Authorities)
	out.Notify.Events = cloneStrings(c.Notify.Events)
	out.Server.CORSOrigins = cloneStrings(c.Server.CORSOrigins)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/ipmarket/internal/crypto"
	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// Caller identity headers. The message binds a unix timestamp to the request
// it authorizes,
//
//	ipmarket:<unix seconds>:<METHOD>:<keccak256 of body>:<request uri>
//
// and is signed with the EIP-191 personal_sign scheme by the identity's key.
const (
	HeaderIdentity  = "X-Identity-Address"
	HeaderSignature = "X-Identity-Signature"
	HeaderMessage   = "X-Identity-Message"

	messagePrefix = "ipmarket:"
)

const (
	// DefaultMaxSkew bounds how old a signed identity message may be.
	DefaultMaxSkew = 5 * time.Minute
	// DefaultMaxSignedBody bounds the body read to verify a signature.
	DefaultMaxSignedBody = 32 << 20
)

// IdentityConfig controls how callers are identified.
type IdentityConfig struct {
	// RequireSignature rejects unsigned identity claims. Disable only for
	// local development against the simulated ledger.
	RequireSignature bool
	MaxSkew          time.Duration
	MaxSignedBody    int64
	Now              func() time.Time
}

var errBodyTooLarge = errors.New("middleware: body exceeds signing limit")

type callerKey struct{}

// WithCaller returns ctx carrying the caller identity.
func WithCaller(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// CallerFrom returns the identity established by the Identity middleware.
func CallerFrom(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(callerKey{}).(domain.Identity)
	return id, ok && !id.IsZero()
}

// SignedMessage builds the message a client signs at t for a request with
// the given method, request uri (path and query) and body.
func SignedMessage(t time.Time, method, uri string, body []byte) string {
	return messagePrefix + strconv.FormatInt(t.Unix(), 10) +
		":" + strings.ToUpper(method) +
		":" + ethcrypto.Keccak256Hash(body).Hex() +
		":" + uri
}

// Identity returns middleware that establishes the caller identity from the
// identity headers. Requests without an identity pass through anonymous;
// an identity that fails verification is rejected with 401.
func Identity(cfg IdentityConfig) func(http.Handler) http.Handler {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = DefaultMaxSkew
	}
	if cfg.MaxSignedBody <= 0 {
		cfg.MaxSignedBody = DefaultMaxSignedBody
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(HeaderIdentity)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, err := domain.ParseIdentity(raw)
			if err != nil {
				writeUnauthorized(w, "malformed identity")
				return
			}
			if cfg.RequireSignature {
				if msg := verifyCaller(r, id, cfg); msg != "" {
					writeUnauthorized(w, msg)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), id)))
		})
	}
}

// verifyCaller returns a rejection message, or "" when the signature holds.
func verifyCaller(r *http.Request, id domain.Identity, cfg IdentityConfig) string {
	sig, msg := r.Header.Get(HeaderSignature), r.Header.Get(HeaderMessage)
	if sig == "" || msg == "" {
		return "identity signature required"
	}
	rest, ok := strings.CutPrefix(msg, messagePrefix)
	if !ok {
		return "malformed identity message"
	}
	ts, _, _ := strings.Cut(rest, ":")
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "malformed identity message"
	}
	at := time.Unix(sec, 0)
	if skew := cfg.Now().Sub(at); skew > cfg.MaxSkew || skew < -cfg.MaxSkew {
		return "identity message expired"
	}
	body, err := readBody(r, cfg.MaxSignedBody)
	if err != nil {
		return "request body unreadable"
	}
	if msg != SignedMessage(at, r.Method, r.URL.RequestURI(), body) {
		return "identity message does not match request"
	}
	signer, err := crypto.RecoverPersonal([]byte(msg), sig)
	if err != nil || !signer.Equal(id) {
		return "identity signature mismatch"
	}
	return ""
}

// readBody reads up to limit bytes of the body and puts them back for the
// next handler.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// Package config holds the tunables that govern the wire protocol,
// request pipeline, bandwidth gate and block cache. Defaults mirror
// common client behavior; every value can be overridden with an
// environment variable for deployment without recompiling.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config carries every tunable named by the engine core.
type Config struct {
	// BlockSize is the size of a single request/response unit, in bytes.
	BlockSize uint32 `env:"RAIN_BLOCK_SIZE,default=16384"`

	// RequestQueueTimeTarget is the time worth of requests that should be
	// kept in flight with a peer, used by the desired_queue_size formula.
	RequestQueueTimeTarget time.Duration `env:"RAIN_REQUEST_QUEUE_TIME,default=3s"`
	// MinRequestQueueSize and MaxRequestQueueSize clamp the computed
	// desired_queue_size before it is further clamped by the peer's reqq.
	MinRequestQueueSize int `env:"RAIN_MIN_REQUEST_QUEUE,default=2"`
	MaxRequestQueueSize int `env:"RAIN_MAX_REQUEST_QUEUE,default=200"`
	// DefaultRequestQueueSize is used until a download rate estimate exists.
	DefaultRequestQueueSize int `env:"RAIN_DEFAULT_REQUEST_QUEUE,default=4"`

	// RequestTimeout is how long a single outstanding request may go
	// unanswered before it is considered snubbed.
	RequestTimeout time.Duration `env:"RAIN_REQUEST_TIMEOUT,default=20s"`
	// MaxRequestTimeoutExtensions caps the number of one-second linear
	// extensions of a peer's request timeout; reaching the cap does not
	// disconnect the peer.
	MaxRequestTimeoutExtensions int `env:"RAIN_MAX_TIMEOUT_EXTENSIONS,default=10"`

	// MaxRequestsIn is the limit on requests we queue up to serve.
	MaxRequestsIn int `env:"RAIN_MAX_REQUESTS_IN,default=250"`
	// MaxRequestsOut is the hard ceiling on requests we keep outstanding
	// to a single peer, regardless of the desired_queue_size formula.
	MaxRequestsOut int `env:"RAIN_MAX_REQUESTS_OUT,default=250"`

	// AllowedFastSetSize is "k" in BEP 6's allowed fast set generation.
	AllowedFastSetSize int `env:"RAIN_ALLOWED_FAST_SIZE,default=10"`

	// EndgameThreshold is the number of remaining missing blocks named as
	// the endgame threshold. The request pipeline does not read it: endgame
	// is switched on and off only through request.Pipeline.SetEndgame.
	EndgameThreshold int `env:"RAIN_ENDGAME_THRESHOLD,default=20"`

	// CacheReadSize and CacheWriteSize bound the block cache's read-side
	// and write-side block budgets, in blocks.
	CacheReadSize  int `env:"RAIN_CACHE_READ_BLOCKS,default=4096"`
	CacheWriteSize int `env:"RAIN_CACHE_WRITE_BLOCKS,default=1024"`

	// SessionUploadLimit and SessionDownloadLimit are session-wide
	// bandwidth gate quotas, in bytes per second. 0 means unlimited.
	SessionUploadLimit   int64 `env:"RAIN_SESSION_UPLOAD_LIMIT,default=0"`
	SessionDownloadLimit int64 `env:"RAIN_SESSION_DOWNLOAD_LIMIT,default=0"`

	// UnchokedPeers and OptimisticUnchokedPeers size the unchoke algorithm.
	UnchokedPeers           int `env:"RAIN_UNCHOKED_PEERS,default=4"`
	OptimisticUnchokedPeers int `env:"RAIN_OPTIMISTIC_UNCHOKED_PEERS,default=1"`

	// HandshakeTimeout bounds how long the handshake engine waits for the
	// remote side to complete the BitTorrent handshake.
	HandshakeTimeout time.Duration `env:"RAIN_HANDSHAKE_TIMEOUT,default=10s"`
}

// Default returns a Config with every field at its documented default,
// ignoring the environment. Useful for tests and for cmd/peersim.
func Default() Config {
	var c Config
	_ = envconfig.ProcessWith(context.Background(), &c, envconfig.MapLookuper(nil))
	return c
}

// FromEnviron loads a Config from the process environment, applying
// defaults for anything unset.
func FromEnviron(ctx context.Context) (Config, error) {
	var c Config
	if err := envconfig.Process(ctx, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
	"github.com/keithlinneman/openbmclapi-cluster/internal/pathutil"
)

const DefaultCenterURL = "https://openbmclapi.bangbang93.com"

type App struct {
	// logging
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// cluster identity
	ClusterID             string
	ClusterSecret         string
	ClusterSecretSSMParam string
	ClusterIP             string
	ClusterPort           int
	ClusterBYOC           bool
	CenterURL             string

	// storage
	CacheDir string
	CertDir  string

	// sync
	SyncWorkers      int
	SyncRetries      int
	SyncInterval     time.Duration
	SyncStaleAfter   time.Duration
	ManifestTimeout  time.Duration
	FileTimeout      time.Duration
	MirrorS3Bucket   string
	MirrorS3Prefix   string
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration

	// serving
	RateLimitRPS     float64
	RateLimitBurst   int
	ShutdownDrain    time.Duration
	TrustedProxyHops int

	// ops
	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.StringVar(&c.ClusterID, "cluster-id", "", "cluster id issued by the coordinator")
	fs.StringVar(&c.ClusterSecret, "cluster-secret", "", "cluster secret issued by the coordinator")
	fs.StringVar(&c.ClusterSecretSSMParam, "cluster-secret-ssm-param", "", "SSM SecureString to read the cluster secret from when -cluster-secret is empty")
	fs.StringVar(&c.ClusterIP, "cluster-ip", "", "public host or IP clients reach this node on")
	fs.IntVar(&c.ClusterPort, "cluster-port", 4000, "public listen TCP port (1..65535)")
	fs.BoolVar(&c.ClusterBYOC, "cluster-byoc", false, "bring your own certificate; do not request one from the coordinator")
	fs.StringVar(&c.CenterURL, "center-url", DefaultCenterURL, "coordinator base URL")

	fs.StringVar(&c.CacheDir, "cache-dir", "cache", "content store root")
	fs.StringVar(&c.CertDir, "cert-dir", ".ssl", "directory for cert.pem and key.pem")

	fs.IntVar(&c.SyncWorkers, "sync-workers", 10, "concurrent file fetches per sync pass (1..256)")
	fs.IntVar(&c.SyncRetries, "sync-retries", 3, "fetch attempts per file and source (1..20)")
	fs.DurationVar(&c.SyncInterval, "sync-interval", 10*time.Minute, "time between sync passes")
	fs.DurationVar(&c.SyncStaleAfter, "sync-stale-after", time.Hour, "mark sync stale after this long without a completed pass")
	fs.DurationVar(&c.ManifestTimeout, "manifest-timeout", 60*time.Second, "manifest request timeout")
	fs.DurationVar(&c.FileTimeout, "file-timeout", 60*time.Second, "per-file response header timeout")
	fs.StringVar(&c.MirrorS3Bucket, "mirror-s3-bucket", "", "optional S3 bucket tried before the coordinator for missing files")
	fs.StringVar(&c.MirrorS3Prefix, "mirror-s3-prefix", "", "key prefix inside -mirror-s3-bucket")
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", 20*time.Second, "coordinator session handshake timeout")
	fs.DurationVar(&c.AckTimeout, "ack-timeout", 10*time.Second, "coordinator acknowledgement timeout")

	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 20, "per-client request refill rate; 0 disables rate limiting")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 60, "per-client request burst")
	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", 0, "time to keep serving after readiness flips during shutdown")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of the public port whose X-Forwarded-For is trusted (0..5)")

	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvName(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// EnvName maps flag "foo-bar" to PREFIX_FOO_BAR.
func EnvName(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// Deprecated lists environment variables older node versions read that
// no longer have any effect.
var Deprecated = []string{
	"NO_DEMAON",
	"NO_DAEMON",
	"DISABLE_ACCESS_LOG",
	"FORCE_NOOPEN",
	"ENABLE_NGINX",
	"NODE_UNIQUE_ID",
}

// WarnDeprecated reports each deprecated variable that is set.
// It returns the names found.
func WarnDeprecated(logf func(string, ...any)) []string {
	var found []string
	for _, name := range Deprecated {
		if _, ok := os.LookupEnv(name); !ok {
			continue
		}
		found = append(found, name)
		if logf != nil {
			logf("env %s is deprecated and ignored", name)
		}
	}
	return found
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.ClusterPort < 1 || c.ClusterPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid CLUSTER_PORT %d (must be 1..65535)", c.ClusterPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.ClusterPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and CLUSTER_PORT must differ (both %d)", c.ClusterPort))
	}

	// Identity
	if strings.TrimSpace(c.ClusterID) == "" {
		errs = append(errs, errors.New("CLUSTER_ID is required"))
	}
	if c.ClusterSecret == "" && c.ClusterSecretSSMParam == "" {
		errs = append(errs, errors.New("CLUSTER_SECRET or CLUSTER_SECRET_SSM_PARAM is required"))
	}
	if u, err := url.Parse(c.CenterURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("CENTER_URL must be an http(s) URL (got %q)", c.CenterURL))
	}

	// Storage
	if c.CacheDir == "" {
		errs = append(errs, errors.New("CACHE_DIR is required"))
	}
	if !c.ClusterBYOC && c.CertDir == "" {
		errs = append(errs, errors.New("CERT_DIR is required unless CLUSTER_BYOC=true"))
	}

	// Sync bounds
	if c.SyncWorkers < 1 || c.SyncWorkers > 256 {
		errs = append(errs, fmt.Errorf("SYNC_WORKERS must be 1..256 (got %d)", c.SyncWorkers))
	}
	if c.SyncRetries < 1 || c.SyncRetries > 20 {
		errs = append(errs, fmt.Errorf("SYNC_RETRIES must be 1..20 (got %d)", c.SyncRetries))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"SYNC_INTERVAL", c.SyncInterval},
		{"SYNC_STALE_AFTER", c.SyncStaleAfter},
		{"MANIFEST_TIMEOUT", c.ManifestTimeout},
		{"FILE_TIMEOUT", c.FileTimeout},
		{"HANDSHAKE_TIMEOUT", c.HandshakeTimeout},
		{"ACK_TIMEOUT", c.AckTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive (got %s)", d.name, d.v))
		}
	}
	if c.ShutdownDrain < 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_DRAIN must not be negative (got %s)", c.ShutdownDrain))
	}
	if c.MirrorS3Prefix != "" && c.MirrorS3Bucket == "" {
		errs = append(errs, errors.New("MIRROR_S3_PREFIX set without MIRROR_S3_BUCKET"))
	}
	if _, err := pathutil.CleanPrefix(c.MirrorS3Prefix); err != nil {
		errs = append(errs, fmt.Errorf("MIRROR_S3_PREFIX: %w", err))
	}

	// Rate limiting
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must not be negative (got %g)", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 1 when rate limiting is on (got %d)", c.RateLimitBurst))
	}
	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 5 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..5 (got %d)", c.TrustedProxyHops))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL, scheme and tenant)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

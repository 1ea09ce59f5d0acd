package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/openbmclapi-cluster/internal/certs"
	"github.com/keithlinneman/openbmclapi-cluster/internal/cfg"
	"github.com/keithlinneman/openbmclapi-cluster/internal/coordinator"
	"github.com/keithlinneman/openbmclapi-cluster/internal/health"
	"github.com/keithlinneman/openbmclapi-cluster/internal/httpmw"
	"github.com/keithlinneman/openbmclapi-cluster/internal/mirror"
	"github.com/keithlinneman/openbmclapi-cluster/internal/node"
	"github.com/keithlinneman/openbmclapi-cluster/internal/opshttp"
	"github.com/keithlinneman/openbmclapi-cluster/internal/ratelimit"
	"github.com/keithlinneman/openbmclapi-cluster/internal/serve"
	"github.com/keithlinneman/openbmclapi-cluster/internal/session"
	"github.com/keithlinneman/openbmclapi-cluster/internal/signedurl"
	"github.com/keithlinneman/openbmclapi-cluster/internal/statushttp"
	"github.com/keithlinneman/openbmclapi-cluster/internal/store"
	"github.com/keithlinneman/openbmclapi-cluster/internal/syncer"

	"github.com/keithlinneman/openbmclapi-cluster/internal/httpserver"
	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
	"github.com/keithlinneman/openbmclapi-cluster/internal/metrics"
	"github.com/keithlinneman/openbmclapi-cluster/internal/otelx"
	"github.com/keithlinneman/openbmclapi-cluster/internal/prof"
	v "github.com/keithlinneman/openbmclapi-cluster/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (protocol=%s, commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.ProtocolVersion, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return 0
	}

	stderrf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	// env names match the flag names, e.g. cluster-id -> CLUSTER_ID
	cfg.FillFromEnv(flag.CommandLine, "", stderrf)
	cfg.WarnDeprecated(stderrf)

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		return 1
	}
	stackLvl := slog.LevelError
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
			return 1
		}
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", "cluster", "cluster_id", conf.ClusterID)
	ctx = log.WithContext(ctx, L)

	// never log ClusterSecret
	L.Info(ctx, "initializing cluster node",
		"version", vi.Version,
		"protocol_version", vi.ProtocolVersion,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"center_url", conf.CenterURL,
		"cluster_ip", conf.ClusterIP,
		"cluster_port", conf.ClusterPort,
		"cluster_byoc", conf.ClusterBYOC,
		"cache_dir", conf.CacheDir,
		"cert_dir", conf.CertDir,
		"sync_workers", conf.SyncWorkers,
		"sync_interval", conf.SyncInterval,
		"mirror_s3_bucket", conf.MirrorS3Bucket,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":        v.AppName,
			"component":  "cluster",
			"cluster_id": conf.ClusterID,
			"version":    vi.Version,
			"commit":     vi.Commit,
			"build_id":   vi.BuildId,
		},
	})
	profiling := err == nil && conf.EnablePyroscope
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Insecure because traces go to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "cluster",
		Version:   vi.Version,
		ClusterID: conf.ClusterID,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "cluster", vi)
	m.SetProfilingActive(profiling)

	// AWS is only needed for the SSM secret and the S3 mirror
	var awsCfg *aws.Config
	if conf.ClusterSecret == "" || conf.MirrorS3Bucket != "" {
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			return 1
		}
		awsCfg = &c
	}
	if conf.ClusterSecret == "" {
		if err := cfg.ResolveSecret(ctx, &conf, ssm.NewFromConfig(*awsCfg)); err != nil {
			L.Error(ctx, err, "failed to resolve cluster secret", "ssm_param", conf.ClusterSecretSSMParam)
			return 1
		}
		L.Info(ctx, "cluster secret resolved from SSM", "ssm_param", conf.ClusterSecretSSMParam)
	}

	// Content store
	st, err := store.New(conf.CacheDir)
	if err != nil {
		L.Error(ctx, err, "failed to open content store", "cache_dir", conf.CacheDir)
		return 1
	}
	if files, bytes, err := st.Count(); err != nil {
		L.Warn(ctx, "could not size content store", "error", err.Error())
	} else {
		m.SetStoreSize(files, bytes)
		L.Info(ctx, "content store opened", "root", st.Root(), "files", files, "bytes", bytes)
	}

	// Manifest synchronizer: the coordinator is the manifest source and the
	// last file source; an S3 mirror, when configured, is tried first.
	center, err := coordinator.NewClient(coordinator.Options{
		Logger:          L,
		BaseURL:         conf.CenterURL,
		ClusterID:       conf.ClusterID,
		ClusterSecret:   conf.ClusterSecret,
		ManifestTimeout: conf.ManifestTimeout,
		FileTimeout:     conf.FileTimeout,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create coordinator client")
		return 1
	}
	var sources []syncer.FileSource
	if conf.MirrorS3Bucket != "" {
		mir, err := mirror.NewS3Source(ctx, mirror.S3Options{
			Logger: L,
			Bucket: conf.MirrorS3Bucket,
			Prefix: conf.MirrorS3Prefix,
			Client: s3.NewFromConfig(*awsCfg),
		})
		if err != nil {
			L.Error(ctx, err, "failed to create S3 mirror source", "bucket", conf.MirrorS3Bucket)
			return 1
		}
		sources = append(sources, mir)
	}
	sources = append(sources, center)

	syn, err := syncer.New(syncer.Options{
		Logger:   L,
		Manifest: center,
		Sources:  sources,
		Store:    st,
		Workers:  conf.SyncWorkers,
		MaxTries: uint(conf.SyncRetries),
		Metrics:  m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create synchronizer")
		return 1
	}

	// Coordinator session
	sess, err := session.Dial(ctx, session.Options{
		Logger:           L,
		BaseURL:          conf.CenterURL,
		ClusterID:        conf.ClusterID,
		ClusterSecret:    conf.ClusterSecret,
		HandshakeTimeout: conf.HandshakeTimeout,
		AckTimeout:       conf.AckTimeout,
		Metrics:          m,
	})
	if err != nil {
		L.Error(ctx, err, "coordinator session failed", "center_url", conf.CenterURL)
		return 1
	}
	defer sess.Close()
	authenticated := func() bool { return sess.State() == session.Authenticated }

	runner := syncer.NewRunner(&syncer.RunnerOptions{
		Logger:         L,
		Syncer:         syn,
		Interval:       conf.SyncInterval,
		Ready:          authenticated,
		Metrics:        m,
		StaleThreshold: conf.SyncStaleAfter,
		OnPass: func(syncer.Report) {
			if files, bytes, err := st.Count(); err == nil {
				m.SetStoreSize(files, bytes)
			}
		},
	})

	nd := node.New(node.Options{
		Logger:  L,
		Session: sess,
		Sync:    runner,
		CertDir: conf.CertDir,
		BYOC:    conf.ClusterBYOC,
		Metrics: m,
	})

	// Serving endpoint
	downloads, err := serve.New(&serve.Options{
		Logger:   L,
		Store:    st,
		Secret:   conf.ClusterSecret,
		Verifier: signedurl.Verifier{},
		Metrics:  m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create download handler")
		return 1
	}
	statusAPI := statushttp.NewAPI(syn, nd, L)

	var gate health.ShutdownGate
	readiness := health.NodeReadiness{
		Gate:          &gate,
		Authenticated: authenticated,
		Synced:        syn.Synced,
	}.Probe()

	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first denial per ip until it is evicted
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
		// the coordinator's bandwidth probe must not be throttled
		ratelimit.WithExempt(func(r *http.Request) bool {
			return strings.HasPrefix(r.URL.Path, "/measure/")
		}),
	)

	var tlsConf *tls.Config
	if !conf.ClusterBYOC {
		tlsConf = certs.NewLoader(conf.CertDir).TLSConfig()
	}

	clusterHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.ClusterPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Routes:       []func(chi.Router){downloads.RegisterRoutes, statusAPI.RegisterRoutes},
		TLS:          tlsConf,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start cluster http listener", "port", conf.ClusterPort)
		return 1
	}
	defer func() { _ = clusterHTTPStop(context.Background()) }()

	// the ops listener rejects public peers on its own
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener", "port", conf.AdminPort)
		return 1
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	L.Info(ctx, "cluster node serving",
		"advertised_host", conf.ClusterIP,
		"port", conf.ClusterPort,
		"tls", tlsConf != nil,
	)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() { _ = runner.Run(runCtx) }()
	nodeErr := make(chan error, 1)
	go func() { nodeErr <- nd.Run(runCtx) }()

	if err := notifySystemd(); err != nil {
		// systemd kills us after its start timeout if this matters
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		L.Info(context.Background(), "shutdown signal received")
	case err := <-nodeErr:
		var fe *session.FatalError
		if errors.As(err, &fe) {
			L.Error(context.Background(), err, "coordinator session ended, shutting down")
			exitCode = 1
		}
	}

	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining", "drain", conf.ShutdownDrain)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.ShutdownDrain):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := clusterHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "cluster http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	_ = sess.Close()
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	L.Info(context.Background(), "shutdown complete", "exit_code", exitCode)
	return exitCode
}

func notifySystemd() error {
	// NOTIFY_SOCKET is only set when started under systemd with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return nil
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}

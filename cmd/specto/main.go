package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voralis/specto/capture"
	"github.com/voralis/specto/capture/testpattern"
	"github.com/voralis/specto/certs"
	"github.com/voralis/specto/codec"
	"github.com/voralis/specto/config"
	"github.com/voralis/specto/media"
	"github.com/voralis/specto/metrics"
	"github.com/voralis/specto/pipeline"
	"github.com/voralis/specto/render"
	"github.com/voralis/specto/secure"
	"github.com/voralis/specto/signaling"
	"github.com/voralis/specto/transport"
	quictransport "github.com/voralis/specto/transport/quic"
	srttransport "github.com/voralis/specto/transport/srt"
)

var version = "dev"

// devIdentityValidity covers generated development certificates.
const devIdentityValidity = 14 * 24 * time.Hour

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(envOr("SPECTO_CONFIG", "specto.yaml"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	identity, anchors, err := loadOrProvisionIdentity(cfg)
	if err != nil {
		slog.Error("failed to load identity", "error", err)
		os.Exit(1)
	}
	slog.Info("identity loaded",
		"subject", identity.Leaf.Subject.CommonName,
		"fingerprint", identity.FingerprintBase64(),
		"expires", identity.Leaf.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("specto starting", "version", version, "mode", cfg.Mode, "transport", cfg.Transport.Kind)

	if cfg.Signaling.Enabled {
		if err := negotiate(ctx, cfg, identity); err != nil {
			slog.Error("signaling failed", "error", err)
			os.Exit(1)
		}
	}

	tr, err := openTransport(ctx, cfg, identity)
	if err != nil {
		slog.Error("failed to open transport", "error", err)
		os.Exit(1)
	}
	defer tr.Close()

	ctrl, err := buildController(cfg, identity, anchors, tr)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ctrl.Run(ctx)
	})

	if cfg.Monitoring.PrometheusEnabled {
		startMetrics(ctx, g, cfg.Monitoring.PrometheusAddress, ctrl)
	}

	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s := ctrl.Stats()
				slog.Info("session stats",
					"state", ctrl.State().String(),
					"captured", s.FramesCaptured,
					"encoded", s.UnitsEncoded,
					"sent", s.RecordsSent,
					"received", s.RecordsReceived,
					"rendered", s.FramesRendered,
					"lost", s.UnitsLost,
					"bitrate", s.TargetBitrate,
					"rtt", s.RTT,
				)
			case <-ctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("session error", "error", err)
		os.Exit(1)
	}
}

// loadOrProvisionIdentity loads the device certificate and trust anchor,
// generating a development authority on first run when none exist.
func loadOrProvisionIdentity(cfg *config.Config) (*certs.Identity, *x509.CertPool, error) {
	_, certErr := os.Stat(cfg.Identity.CertFile)
	_, anchorErr := os.Stat(cfg.Identity.TrustAnchorFile)
	if os.IsNotExist(certErr) && os.IsNotExist(anchorErr) {
		slog.Info("no identity found, provisioning development certificates")
		ca, err := certs.NewAuthority("specto-dev-anchor", devIdentityValidity)
		if err != nil {
			return nil, nil, err
		}
		id, err := ca.Issue("specto-"+cfg.Mode, devIdentityValidity)
		if err != nil {
			return nil, nil, err
		}
		if err := id.WritePEM(cfg.Identity.CertFile, cfg.Identity.KeyFile); err != nil {
			return nil, nil, err
		}
		if err := ca.WriteAnchorPEM(cfg.Identity.TrustAnchorFile); err != nil {
			return nil, nil, err
		}
		return id, ca.Pool(), nil
	}

	id, err := certs.LoadIdentity(cfg.Identity.CertFile, cfg.Identity.KeyFile)
	if err != nil {
		return nil, nil, err
	}
	anchors, err := certs.LoadTrustAnchors(cfg.Identity.TrustAnchorFile)
	if err != nil {
		return nil, nil, err
	}
	return id, anchors, nil
}

// negotiate runs the offer/answer exchange over the signaling relay. The
// camera offers; the viewer answers. The negotiated codec is moved to the
// front of the backend preference list.
func negotiate(ctx context.Context, cfg *config.Config, identity *certs.Identity) error {
	room := cfg.Transport.StreamID
	if room == "" {
		room = "specto"
	}
	client, err := signaling.Connect(ctx, cfg.Signaling.URL, room)
	if err != nil {
		return err
	}
	defer client.Close()

	agent := signaling.NewAgent(identity.FingerprintBase64(), cfg.Codec.Backends,
		cfg.Transport.Kind, cfg.Transport.Listen)

	if cfg.Mode == "camera" {
		offer := agent.CreateOffer()
		blob, err := signaling.EncodeOffer(offer)
		if err != nil {
			return err
		}
		if err := client.Send(blob); err != nil {
			return err
		}
		raw, err := client.Receive(ctx)
		if err != nil {
			return err
		}
		answer, err := signaling.DecodeAnswer(raw)
		if err != nil {
			return err
		}
		codecName, err := agent.AcceptAnswer(offer, answer)
		if err != nil {
			return err
		}
		slog.Info("session negotiated", "session_id", offer.SessionID, "codec", codecName,
			"peer_fingerprint", answer.Fingerprint)
		promoteBackend(cfg, codecName)
		return nil
	}

	raw, err := client.Receive(ctx)
	if err != nil {
		return err
	}
	offer, err := signaling.DecodeOffer(raw)
	if err != nil {
		return err
	}
	answer, err := agent.AcceptOffer(offer)
	if err != nil {
		return err
	}
	blob, err := signaling.EncodeAnswer(answer)
	if err != nil {
		return err
	}
	if err := client.Send(blob); err != nil {
		return err
	}
	slog.Info("session negotiated", "session_id", offer.SessionID, "codec", answer.Codec,
		"peer_fingerprint", offer.Fingerprint)
	if offer.Address != "" && cfg.Transport.Dial == "" {
		cfg.Transport.Dial = offer.Address
	}
	promoteBackend(cfg, answer.Codec)
	return nil
}

func promoteBackend(cfg *config.Config, name string) {
	out := []string{name}
	for _, b := range cfg.Codec.Backends {
		if b != name {
			out = append(out, b)
		}
	}
	cfg.Codec.Backends = out
}

// openTransport connects the configured carrier: dial when a dial address
// is set, otherwise listen and accept the first peer.
func openTransport(ctx context.Context, cfg *config.Config, identity *certs.Identity) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "quic":
		// The QUIC layer needs TLS for its own handshake; peer
		// authentication happens in the session handshake on top, so the
		// dialer does not pin the listener's certificate here.
		if cfg.Transport.Dial != "" {
			tlsConf := &tls.Config{
				Certificates:       []tls.Certificate{identity.TLSCert},
				InsecureSkipVerify: true,
			}
			return quictransport.Dial(ctx, cfg.Transport.Dial, tlsConf)
		}
		tlsConf := &tls.Config{Certificates: []tls.Certificate{identity.TLSCert}}
		l, err := quictransport.Listen(cfg.Transport.Listen, tlsConf)
		if err != nil {
			return nil, err
		}
		// The listener owns the UDP socket the accepted connection rides
		// on; it stays open for the process lifetime.
		slog.Info("awaiting peer", "addr", l.Addr())
		return l.Accept(ctx)

	case "srt":
		if cfg.Transport.Dial != "" {
			return srttransport.Dial(ctx, cfg.Transport.Dial, cfg.Transport.StreamID)
		}
		l, err := srttransport.Listen(cfg.Transport.Listen)
		if err != nil {
			return nil, err
		}
		slog.Info("awaiting peer", "addr", cfg.Transport.Listen)
		return l.Accept()

	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

func buildController(cfg *config.Config, identity *certs.Identity, anchors *x509.CertPool, tr transport.Transport) (*pipeline.Controller, error) {
	sec := secure.Config{Certificate: identity.TLSCert, TrustAnchors: anchors}
	pcfg := pipeline.Config{
		Secure:            sec,
		Transport:         tr,
		ReorderDeadline:   cfg.Session.ReorderDeadline,
		HandshakeTimeout:  cfg.Session.HandshakeTimeout,
		HandshakeAttempts: cfg.Session.HandshakeAttempts,
		FeedbackInterval:  cfg.Session.FeedbackInterval,
		DrainTimeout:      cfg.Session.DrainTimeout,
	}

	pool := media.NewPool(64 << 20)

	if cfg.Mode == "camera" {
		pcfg.Role = secure.RoleInitiator

		src, err := buildSource(cfg, pool)
		if err != nil {
			return nil, err
		}
		pcfg.Source = src

		backends, err := encoderBackends(cfg.Codec.Backends)
		if err != nil {
			return nil, err
		}
		pcfg.Encoder = codec.NewEncoder(nil, codec.Settings{
			TargetBitrate: int(cfg.Bitrate.Start),
			Width:         cfg.Capture.Width,
			Height:        cfg.Capture.Height,
			FrameRate:     cfg.Capture.FPS,
			GOPLength:     cfg.Codec.GOPLength,
		}, backends...)
		pcfg.Bitrate = pipeline.BitrateConfig{
			Min:            cfg.Bitrate.Min,
			Max:            cfg.Bitrate.Max,
			Start:          cfg.Bitrate.Start,
			IncreaseStep:   100_000,
			IncreaseAfter:  3,
			DecreaseFactor: 0.7,
			DecreaseAfter:  2,
			LossThreshold:  0.02,
			RTTGrowth:      2.0,
		}
	} else {
		pcfg.Role = secure.RoleResponder
		pcfg.Decoder = codec.NewDecoder(nil, pool, codec.NewDeltaDecoder(), codec.NewMJPEGDecoder())
		pcfg.Renderer = &render.Null{}
	}

	return pipeline.New(pcfg)
}

func buildSource(cfg *config.Config, pool *media.Pool) (capture.Source, error) {
	if cfg.Capture.Device != "testpattern" {
		devices := capture.Discover()
		return nil, fmt.Errorf("capture device %q: no hardware backend built in (discovered: %s); use device: testpattern",
			cfg.Capture.Device, strings.Join(devices, ", "))
	}

	var fourcc [4]byte
	copy(fourcc[:], cfg.Capture.Format)
	src := testpattern.New(pool)
	err := src.Configure(capture.Config{
		Format: media.FormatFromFourCC(fourcc),
		Width:  cfg.Capture.Width,
		Height: cfg.Capture.Height,
		FPS:    cfg.Capture.FPS,
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

func encoderBackends(names []string) ([]codec.Backend, error) {
	var out []codec.Backend
	for _, n := range names {
		switch n {
		case "delta":
			out = append(out, codec.NewDelta())
		case "mjpeg":
			out = append(out, codec.NewMJPEG())
		default:
			return nil, fmt.Errorf("unknown codec backend %q", n)
		}
	}
	return out, nil
}

func startMetrics(ctx context.Context, g *errgroup.Group, addr string, ctrl *pipeline.Controller) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(ctrl.ID(), ctrl.Stats))

	srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}

	g.Go(func() error {
		slog.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

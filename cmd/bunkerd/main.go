package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AustinKelsay/snstr-sub003/internal/bunkerconfig"
	"github.com/AustinKelsay/snstr-sub003/internal/identity"
	"github.com/AustinKelsay/snstr-sub003/internal/nip46"
	"github.com/AustinKelsay/snstr-sub003/internal/platform/privacylog"
	"github.com/AustinKelsay/snstr-sub003/internal/platform/ratelimiter"
	"github.com/AustinKelsay/snstr-sub003/internal/relay"
	"github.com/AustinKelsay/snstr-sub003/internal/securestore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to bunkerd.yaml (optional)")
	keyfile := flag.String("keyfile", "", "Path to the encrypted keyring (optional)")
	mnemonic := flag.String("from-mnemonic", "", "Derive a fresh keyring from a BIP-39 mnemonic and save it")
	relays := flag.String("relays", "", "Comma-separated relay URLs override")
	flag.Parse()
	if *showVersion {
		fmt.Printf("bunkerd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *keyfile != "" {
		_ = os.Setenv("SNSTR_KEYFILE", *keyfile)
	}
	if *relays != "" {
		_ = os.Setenv("SNSTR_RELAYS", *relays)
	}

	cfg := bunkerconfig.LoadFromPath(*configPath)
	logger := newLogger(cfg.LogLevel)

	if err := run(ctx, cfg, logger, *mnemonic); err != nil {
		log.Fatalf("bunkerd failed: %v", err)
	}
	logger.Info("bunkerd stopped")
}

func run(ctx context.Context, cfg bunkerconfig.Config, logger *slog.Logger, mnemonic string) error {
	passphrase := os.Getenv("SNSTR_PASSPHRASE")

	keys, err := loadKeyring(cfg.KeyfilePath, passphrase, mnemonic)
	if err != nil {
		return fmt.Errorf("load keyring: %w", err)
	}
	defer keys.Wipe()

	if len(cfg.Relays) == 0 {
		return fmt.Errorf("no relays configured")
	}
	conns := make([]relay.Relay, 0, len(cfg.Relays))
	defer func() {
		for _, r := range conns {
			_ = r.Close()
		}
	}()
	for _, addr := range cfg.Relays {
		r, err := relay.Dial(ctx, addr, logger)
		if err != nil {
			logger.Warn("relay unreachable", "reason", err.Error())
			continue
		}
		conns = append(conns, r)
	}
	if len(conns) == 0 {
		return fmt.Errorf("no relay reachable")
	}
	multi := relay.NewMulti(conns...)

	bunker := nip46.NewBunker(keys, multi, nip46.BunkerConfig{
		DefaultPermissions: cfg.DefaultPermissions,
		Secret:             cfg.Secret,
		AuthURL:            cfg.AuthURL,
		AuthDomains:        cfg.AuthDomains,
		RateLimit: ratelimiter.Config{
			Burst:       cfg.RateBurst,
			BurstWindow: 10 * time.Second,
			PerMinute:   cfg.RatePerMinute,
			PerHour:     cfg.RatePerHour,
		},
		Logger:     logger,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err := bunker.Start(ctx); err != nil {
		return fmt.Errorf("start signer service: %w", err)
	}
	defer bunker.Stop()

	cs, err := bunker.ConnectionString(cfg.Relays)
	if err != nil {
		return fmt.Errorf("mint connection string: %w", err)
	}
	fmt.Println(cs)
	logger.Info("bunkerd serving", "pubkey", keys.TransportPublicKey())

	<-ctx.Done()
	return nil
}

// loadKeyring opens the encrypted keyring, creating it on first run.
// A mnemonic forces re-derivation and overwrites the file.
func loadKeyring(path, passphrase, mnemonic string) (*identity.Keyring, error) {
	if mnemonic != "" {
		keys, err := identity.FromMnemonic(mnemonic)
		if err != nil {
			return nil, err
		}
		if err := securestore.SaveKeyring(path, passphrase, keys); err != nil {
			keys.Wipe()
			return nil, err
		}
		return keys, nil
	}
	if _, err := os.Stat(path); err == nil {
		return securestore.LoadKeyring(path, passphrase)
	}
	keys, err := identity.NewKeyring()
	if err != nil {
		return nil, err
	}
	if err := securestore.SaveKeyring(path, passphrase, keys); err != nil {
		keys.Wipe()
		return nil, err
	}
	return keys, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(privacylog.WrapHandler(handler))
}

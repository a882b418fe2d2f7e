package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tessellate-im/tessera/internal/api"
	"github.com/tessellate-im/tessera/internal/buildinfo"
	"github.com/tessellate-im/tessera/internal/config"
	"github.com/tessellate-im/tessera/internal/discovery"
	"github.com/tessellate-im/tessera/internal/federation"
	"github.com/tessellate-im/tessera/internal/keystore"
	"github.com/tessellate-im/tessera/internal/state"
)

type tesseraApp struct {
	envCfg   *config.EnvConfig
	localKey *keystore.LocalKey
	keyStore *keystore.KeyStore
	sweeper  *discovery.CacheSweeper
	pruneJob *cron.Cron
	apiSrv   *api.Server
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	log.Printf("Tessera %s (%s) starting as %s", buildinfo.Version, buildinfo.GitCommit, envCfg.ServerName)

	repo, dbCloser, err := state.PersistenceBootstrap(envCfg.StateDir)
	if err != nil {
		return fmt.Errorf("persistence bootstrap: %w", err)
	}
	log.Println("Persistence bootstrap complete")

	app, err := newTesseraApp(envCfg, repo)
	if err != nil {
		_ = dbCloser.Close()
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if err := dbCloser.Close(); err != nil {
		log.Printf("Persistence close error: %v", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newTesseraApp(envCfg *config.EnvConfig, repo *state.KeyRepo) (*tesseraApp, error) {
	app := &tesseraApp{envCfg: envCfg}

	localKey, err := keystore.LoadOrCreateLocalKey(context.Background(), repo, envCfg.ServerName)
	if err != nil {
		return nil, fmt.Errorf("local signing key: %w", err)
	}
	app.localKey = localKey
	log.Printf("Signing key ready: %s for %s", localKey.KeyID, localKey.ServerName)

	pinned, err := keystore.LoadPinnedKeys(envCfg.PinnedKeysFile)
	if err != nil {
		return nil, fmt.Errorf("pinned keys: %w", err)
	}

	dnsClient := discovery.NewDNSClient(envCfg.DNSTimeout)
	wellKnown := discovery.NewWellKnownClient(nil)
	resolver := discovery.NewResolver(dnsClient, wellKnown, envCfg.ResolveTimeout)
	app.sweeper = discovery.NewCacheSweeper(resolver)

	fedClient := federation.NewClient(resolver, envCfg.FederationTimeout)
	app.keyStore = keystore.New(repo, fedClient, pinned)

	app.apiSrv = api.NewServerWithAddress(
		envCfg.ListenAddress,
		envCfg.KeyPort,
		localKey,
		app.keyStore,
		int64(envCfg.APIMaxBodyBytes),
	)

	app.pruneJob = cron.New()
	if _, err := app.pruneJob.AddFunc(envCfg.KeyPruneSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := repo.PruneExpiredKeys(ctx, time.Now())
		if err != nil {
			log.Printf("[maintenance] key prune failed: %v", err)
			return
		}
		log.Printf("[maintenance] pruned %d expired server keys", n)
	}); err != nil {
		return nil, fmt.Errorf("key prune schedule: %w", err)
	}

	app.startBackgroundServices()
	return app, nil
}

func (a *tesseraApp) startBackgroundServices() {
	a.sweeper.Start()
	log.Println("Discovery cache sweeper started")

	a.pruneJob.Start()
	log.Printf("Key prune job scheduled (%s)", a.envCfg.KeyPruneSchedule)
}

func (a *tesseraApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)
	reportServerErr := func(name string, err error) {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		wrapped := fmt.Errorf("%s: %w", name, err)
		select {
		case serverErrCh <- wrapped:
		default:
		}
	}

	go func() {
		log.Printf("Key server starting on %s", formatListenAddress(a.envCfg.ListenAddress, a.envCfg.KeyPort))
		reportServerErr("key server", a.apiSrv.ListenAndServe())
	}()

	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

func (a *tesseraApp) shutdown(ctx context.Context) {
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Key server stopped")

	cronCtx := a.pruneJob.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	log.Println("Key prune job stopped")

	a.sweeper.Stop()
	log.Println("Discovery cache sweeper stopped")
}

func formatListenAddress(listenAddress string, port int) string {
	return net.JoinHostPort(listenAddress, strconv.Itoa(port))
}

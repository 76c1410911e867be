package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	payload "github.com/microchipgnu/payload-exchange-sub000"
	"github.com/microchipgnu/payload-exchange-sub000/actions"
	"github.com/microchipgnu/payload-exchange-sub000/config"
	payloadhttp "github.com/microchipgnu/payload-exchange-sub000/http"
	"github.com/microchipgnu/payload-exchange-sub000/mechanisms/evm"
	"github.com/microchipgnu/payload-exchange-sub000/pkg/catalog"
	evmsigner "github.com/microchipgnu/payload-exchange-sub000/signers/evm"
	"github.com/microchipgnu/payload-exchange-sub000/store"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sponsoring proxy and API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd, mustConfig(cmd))
		},
	}
}

func openStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	st, err := store.New(
		store.WithDriver(cfg.Storage.Driver),
		store.WithDSN(cfg.Storage.DSN),
		store.WithLogger(logger),
		store.WithTracing(cfg.Tracing.Enabled),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// chain holds the on-chain collaborators, all nil when no RPC is configured
type chain struct {
	client   *ethclient.Client
	payer    *evm.TreasuryPayer
	verifier *evm.TransferVerifier
	upstream payload.UpstreamPayer
}

func (c *chain) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func dialChain(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*chain, error) {
	c := &chain{}
	if !cfg.Chain.Enabled() {
		logger.Warn("no chain rpc configured; payouts and deposit verification are disabled")
		return c, nil
	}

	signer, client, err := evmsigner.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.TreasuryPrivateKey,
		evmsigner.WithGasLimit(cfg.Chain.GasLimit),
		evmsigner.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	c.client = client

	payer, err := evm.NewTreasuryPayer(signer, cfg.Chain.Network, cfg.Chain.TokenAddress,
		evm.WithReceiptTimeout(cfg.Chain.ReceiptTimeout),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create treasury payer: %w", err)
	}
	c.payer = payer

	chainID, err := signer.GetChainID()
	if err != nil {
		c.Close()
		return nil, err
	}
	verifier, err := evm.NewTransferVerifier(client, chainID, payer.Token(),
		evm.WithVerifyTimeout(cfg.Chain.ReceiptTimeout),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create transfer verifier: %w", err)
	}
	c.verifier = verifier

	if cfg.Sponsorship.UpstreamPayments == config.UpstreamTreasury {
		upstream, err := evm.NewResourcePayer(payer, cfg.Chain.Network)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to create resource payer: %w", err)
		}
		c.upstream = upstream
	}

	logger.Info("treasury ready", "address", payer.Address(), "token", payer.Token(), "chainId", chainID.String())
	return c, nil
}

func buildCatalog(cfg *config.Config, logger *slog.Logger) (payload.ResourceCatalog, error) {
	resources, err := cfg.Catalog.StaticResources()
	if err != nil {
		return nil, err
	}
	static, err := catalog.NewStatic(resources...)
	if err != nil {
		return nil, err
	}
	if !cfg.Catalog.Discovery {
		return static, nil
	}
	discovery := catalog.NewDiscoveryClient(cfg.Catalog.FacilitatorURL,
		catalog.WithRefreshInterval(cfg.Catalog.RefreshInterval),
		catalog.WithLogger(logger),
	)
	return catalog.Chain{static, discovery}, nil
}

func serveRun(cmd *cobra.Command, cfg *config.Config) error {
	logger := commonRun(cfg)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	onchain, err := dialChain(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer onchain.Close()

	resources, err := buildCatalog(cfg, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []payload.SponsorshipOption{
		payload.WithResourceCatalog(resources),
		payload.WithMetrics(payload.NewMetrics(registry)),
		payload.WithLogger(logger),
		payload.WithAllowUnverifiedFunding(cfg.Sponsorship.AllowUnverifiedFunding),
		payload.WithPayoutTimeout(cfg.Sponsorship.PayoutTimeout),
	}
	if onchain.payer != nil {
		opts = append(opts,
			payload.WithTreasuryPayer(onchain.payer),
			payload.WithTransferVerifier(onchain.verifier),
		)
	}
	if onchain.upstream != nil {
		opts = append(opts, payload.WithUpstreamPayer(onchain.upstream))
	}
	sponsorship := payload.NewSponsorship(st, actions.NewDefaultRegistry(), opts...)

	server := payloadhttp.NewServer(sponsorship,
		payloadhttp.WithCatalog(resources),
		payloadhttp.WithHealthCheck(st),
		payloadhttp.WithGatherer(registry),
		payloadhttp.WithUpstreamClient(payloadhttp.NewUpstreamClient(cfg.Server.UpstreamTimeout)),
		payloadhttp.WithLogger(logger),
		payloadhttp.WithBasePath(cfg.Server.BasePath),
		payloadhttp.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Handler(),
	}
	errs := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "basePath", cfg.Server.BasePath)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

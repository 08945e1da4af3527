package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"veilix/pkg/actions"
	"veilix/pkg/activity"
	"veilix/pkg/auth"
	"veilix/pkg/chain"
	"veilix/pkg/chart"
	"veilix/pkg/config"
	"veilix/pkg/models"
	"veilix/pkg/push"
	"veilix/pkg/server"
	"veilix/pkg/session"
	"veilix/pkg/social"
	"veilix/pkg/storage"
	"veilix/pkg/telemetry"
	"veilix/pkg/tui"
	"veilix/pkg/wallet"

	"github.com/rs/zerolog"
)

// app owns every long-lived component. It is built once per process.
type app struct {
	cfg    config.Config
	logger zerolog.Logger

	activity *activity.Sink
	sessions *session.Manager
	chain    *chain.Client
	chart    *chart.Chart
	merger   *telemetry.Merger
	poller   *telemetry.Poller
	actions  *actions.Service
	auth     *auth.Provider
	server   *server.Server
}

// loadConfig reads the config file, applies VEILIX_* overrides and validates.
func loadConfig(customPath string) (config.Config, string, error) {
	path, err := config.GetConfigPath(customPath)
	if err != nil {
		return config.Config{}, "", fmt.Errorf("determining config path: %w", err)
	}
	cfg, err := config.LoadConfigFromFile(path)
	if err != nil {
		return config.Config{}, path, fmt.Errorf("loading config from %s: %w", path, err)
	}
	cfg = config.ApplyEnv(cfg)
	if problems := config.Validate(cfg); len(problems) > 0 {
		return cfg, path, fmt.Errorf("invalid config %s: %s", path, strings.Join(problems, "; "))
	}
	return cfg, path, nil
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.activity = activity.NewSink(
		activity.WithNoticeTTL(cfg.NoticeTTL()),
		activity.WithLogger(logger.With().Str("component", "activity").Logger()),
	)

	ext, err := wallet.FromConfig(cfg.Wallets)
	if err != nil {
		return nil, fmt.Errorf("loading wallets: %w", err)
	}
	sessOpts := []session.Option{
		session.WithActivity(a.activity),
		session.WithLogger(logger.With().Str("component", "session").Logger()),
	}
	if cfg.Account != "" {
		sessOpts = append(sessOpts, session.WithSelector(session.ByAddress(cfg.Account)))
	}
	a.sessions = session.NewManager(ext, sessOpts...)

	chainOpts := []chain.Option{
		chain.WithAttempts(cfg.ConnectAttempts),
		chain.WithValidatorsMethod(cfg.ValidatorsMethod),
		chain.WithLogger(logger.With().Str("component", "chain").Logger()),
	}
	a.chain, err = chain.Connect(ctx, cfg.NodeURL, chainOpts...)
	var connErr *models.ConnectionError
	switch {
	case errors.As(err, &connErr):
		// Wallet sign-in, push telemetry and the social actions do not need
		// the node. Every poll tries to reach it again.
		logger.Error().Err(err).Msg("node unreachable, continuing without it")
		a.activity.Record(models.ActivityEvent{
			Kind:    models.KindBlock,
			Message: fmt.Sprintf("Node %s unreachable, retrying on next poll", cfg.NodeURL),
		})
		a.chain = chain.New(cfg.NodeURL, chainOpts...)
	case err != nil:
		return nil, err
	case cfg.ChainID != 0 && a.chain.ChainID().Int64() != cfg.ChainID:
		logger.Warn().
			Int64("configured", cfg.ChainID).
			Str("observed", a.chain.ChainID().String()).
			Msg("chain ID mismatch, run `veilix check`")
	}

	a.chart = chart.New(chart.WithMaxPoints(cfg.RetentionSamples))
	a.merger = telemetry.NewMerger(
		telemetry.WithChart(a.chart),
		telemetry.WithActivity(a.activity),
		telemetry.WithRetention(cfg.RetentionSamples),
		telemetry.WithLogger(logger.With().Str("component", "merger").Logger()),
	)
	a.poller = telemetry.NewPoller(a.chain, a.merger,
		telemetry.WithInterval(cfg.PollInterval()),
		telemetry.WithSessions(a.sessions),
		telemetry.WithPollerActivity(a.activity),
		telemetry.WithPollerLogger(logger.With().Str("component", "poller").Logger()),
	)

	actOpts := []actions.Option{
		actions.WithActivity(a.activity),
		actions.WithLogger(logger.With().Str("component", "actions").Logger()),
	}
	if cfg.SocialURL != "" {
		actOpts = append(actOpts, actions.WithSocial(social.NewClient(cfg.SocialURL,
			social.WithLogger(logger.With().Str("component", "social").Logger()))))
	}
	if cfg.StorageURL != "" {
		actOpts = append(actOpts, actions.WithStorage(storage.NewGateway(cfg.StorageURL,
			storage.WithLogger(logger.With().Str("component", "storage").Logger()))))
	}
	a.actions = actions.NewService(a.sessions, a.chain, actOpts...)

	a.auth = auth.NewProvider(auth.NewHasher(cfg.BcryptCost),
		auth.WithLogger(logger.With().Str("component", "auth").Logger()))

	a.server = server.NewServer(server.Deps{
		AppName:  cfg.AppName,
		Host:     cfg.ListenHost,
		Sessions: a.sessions,
		Merger:   a.merger,
		Activity: a.activity,
		Actions:  a.actions,
		Auth:     a.auth,
		Poller:   a.poller,
		Logger:   logger.With().Str("component", "server").Logger(),
	})
	return a, nil
}

// startFeeds starts the poll loop and, when configured, the push channel.
func (a *app) startFeeds(ctx context.Context) {
	a.poller.Start(ctx)
	if a.cfg.PushURL == "" {
		a.logger.Info().Msg("no push_url configured, polling only")
		return
	}
	events := push.Subscribe(ctx, a.cfg.PushURL,
		push.WithLogger(a.logger.With().Str("component", "push").Logger()))
	go a.merger.Consume(ctx, events)
}

func (a *app) serve(ctx context.Context, port int) error {
	return a.server.Start(ctx, port)
}

func (a *app) dashboard(version string) error {
	return tui.Start(tui.Deps{
		AppName:     a.cfg.AppName,
		ExplorerURL: a.cfg.ExplorerURL,
		Sessions:    a.sessions,
		Merger:      a.merger,
		Activity:    a.activity,
		Chart:       a.chart,
		Poller:      a.poller,
		Actions:     a.actions,
		Logger:      a.logger.With().Str("component", "tui").Logger(),
	}, version)
}

func (a *app) Close() {
	a.poller.Stop()
	a.chain.Close()
}

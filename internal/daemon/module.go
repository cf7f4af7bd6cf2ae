package daemon

import (
	"context"
	"errors"

	"github.com/nmtri/vichat/internal/bus"
	"github.com/nmtri/vichat/internal/call"
	"github.com/nmtri/vichat/internal/chat"
	"github.com/nmtri/vichat/internal/config"
	"github.com/nmtri/vichat/internal/credential"
	"github.com/nmtri/vichat/internal/lock"
	"github.com/nmtri/vichat/internal/logging"
	"github.com/nmtri/vichat/internal/notify"
	"github.com/nmtri/vichat/internal/profile"
	"github.com/nmtri/vichat/internal/realtime"
	"github.com/nmtri/vichat/internal/rest"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	Scope   string // optional conversation scope filter, e.g. "shop"

	// Media and Dialer are supplied by an embedding application that has
	// a real device/transport layer. The headless daemon runs without
	// them: calls proceed in degraded form (no local media, no outgoing
	// peer media).
	Media  call.MediaSource
	Dialer call.PeerDialer
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideNotifier,
			provideLock,
			provideCredentials,
			provideSelf,
			provideREST,
			provideChannel,
			provideChatClient,
			provideCallManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideConfig() *config.Config {
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideNotifier(b *bus.Bus) *notify.Notifier {
	return notify.New(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCredentials(p Params, logger *zap.Logger) credential.Provider {
	return credential.NewChain(
		profile.TokenPath(p.Profile),
		profile.SessionTokenPath(p.Profile),
		logger,
	)
}

// provideSelf derives the local sender identity from the credential's
// claims. No credential means no identity: startup fails, there is no
// anonymous mode.
func provideSelf(creds credential.Provider) (chat.Participant, error) {
	token, err := creds.Token()
	if err != nil {
		return chat.Participant{}, err
	}
	id, name := credential.Identity(token)
	if id == "" {
		return chat.Participant{}, errors.New("credential carries no subject identity")
	}
	return chat.Participant{ID: id, Name: name}, nil
}

func provideREST(cfg *config.Config, creds credential.Provider, logger *zap.Logger) *rest.Client {
	return rest.New(cfg.APIBaseURL, creds, logger)
}

func provideChannel(cfg *config.Config, creds credential.Provider, b *bus.Bus, logger *zap.Logger) *realtime.Channel {
	return realtime.New(cfg.RealtimeURL, creds, b, logger)
}

func provideChatClient(api *rest.Client, ch *realtime.Channel, b *bus.Bus, n *notify.Notifier, self chat.Participant, logger *zap.Logger) *chat.Client {
	return chat.New(api, ch, b, n, self, logger)
}

func provideCallManager(p Params, ch *realtime.Channel, b *bus.Bus, n *notify.Notifier, logger *zap.Logger) *call.Manager {
	media := p.Media
	if media == nil {
		media = noMedia{}
	}
	dialer := p.Dialer
	if dialer == nil {
		dialer = noDialer{}
	}
	return call.NewManager(media, dialer, ch, b, n, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, lk *lock.Lock, ch *realtime.Channel, chatClient *chat.Client, manager *call.Manager, logger *zap.Logger) {
	// The OnStart context only covers startup and is cancelled once the
	// app is up; the channel's reconnect loop and the push loops need a
	// daemon-lifetime context.
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := ch.Connect(runCtx); err != nil {
				cancel()
				return err
			}

			chatClient.Start(runCtx)
			manager.Start(runCtx)

			go func() {
				if err := chatClient.LoadConversations(runCtx, p.Scope); err != nil {
					logger.Error("initial conversation load failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			manager.Stop()
			chatClient.Stop()
			ch.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// noMedia is the headless daemon's media layer: acquisition always fails,
// which the session treats as degraded continuation.
type noMedia struct{}

func (noMedia) Acquire(context.Context, call.Kind) (call.Stream, error) {
	return nil, errors.New("no media devices in headless mode")
}

// noDialer refuses outgoing peer media in headless mode; each refusal is
// an isolated per-peer failure.
type noDialer struct{}

func (noDialer) Dial(string, call.Stream) (call.PeerConn, error) {
	return nil, errors.New("no peer transport in headless mode")
}

func (noDialer) Answer(string, call.Stream) (call.PeerConn, error) {
	return nil, errors.New("no peer transport in headless mode")
}

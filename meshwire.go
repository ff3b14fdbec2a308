// Package meshwire is a lightweight meta-package re-exporting the pieces most
// applications need. Import specific packages to keep binaries small:
//   - github.com/meshwire/meshwire/session - session, nodes, endpoints
//   - github.com/meshwire/meshwire/graph - discovery graph queries
//   - github.com/meshwire/meshwire/telemetry - OpenTelemetry provider
package meshwire

import (
	"context"
	"fmt"

	"github.com/meshwire/meshwire/config"
	"github.com/meshwire/meshwire/core"
	"github.com/meshwire/meshwire/liveliness"
	"github.com/meshwire/meshwire/session"
	"github.com/meshwire/meshwire/telemetry"
	"github.com/meshwire/meshwire/transport"
	"github.com/meshwire/meshwire/transport/memtransport"
	"github.com/meshwire/meshwire/transport/redistransport"
)

// Version information.
const (
	Version    = "development"
	APIVersion = "v1alpha1"
)

// Re-export the types applications touch most.
type (
	Config     = config.Config
	Option     = config.Option
	Session    = session.Session
	Node       = session.Node
	Endpoint   = session.Endpoint
	Client     = session.Client
	NodeInfo   = liveliness.NodeInfo
	TopicInfo  = liveliness.TopicInfo
	QoSProfile = liveliness.QoSProfile
	Logger     = core.Logger
	Telemetry  = core.Telemetry
)

// Re-export configuration constructors and options.
var (
	NewConfig     = config.New
	DefaultConfig = config.Default

	WithSessionName        = config.WithSessionName
	WithDomain             = config.WithDomain
	WithEnclave            = config.WithEnclave
	WithRedisURL           = config.WithRedisURL
	WithMemoryTransport    = config.WithMemoryTransport
	WithTransportNamespace = config.WithTransportNamespace
	WithTokenTTL           = config.WithTokenTTL
	WithDefaultQoS         = config.WithDefaultQoS
	WithTelemetry          = config.WithTelemetry
	WithLogLevel           = config.WithLogLevel
	WithConfigFile         = config.WithConfigFile

	DefaultQoS = liveliness.DefaultQoS
)

// Connect builds the configured transport and opens a session on it. The
// in-process transport gets a private broker, so it only suits single-process
// use; pass an explicit transport to session.Open to share a broker.
func Connect(ctx context.Context, cfg *Config) (*Session, error) {
	logger := core.NewSessionLogger(cfg.SessionName, cfg.Logging.Level, cfg.Logging.Format)

	sessionOpts := []session.Option{
		session.WithLogger(logger),
		session.WithDefaultQoS(cfg.DefaultQoS),
	}

	var tp transport.Transport
	switch cfg.Transport.Provider {
	case "redis":
		rt, err := redistransport.Connect(cfg.Transport.RedisURL,
			redistransport.WithLogger(logger),
			redistransport.WithNamespace(cfg.Transport.Namespace),
			redistransport.WithTokenTTL(cfg.Transport.TokenTTL),
		)
		if err != nil {
			return nil, err
		}
		tp = rt
		// Expired-key events can be lost while disconnected; the periodic
		// reconcile sweeps out anything that died without a drop event.
		sessionOpts = append(sessionOpts, session.WithReconcileInterval(cfg.Transport.TokenTTL))
	case "memory":
		tp = memtransport.NewBroker().Connect()
	default:
		return nil, &core.Error{
			Op:      "meshwire.Connect",
			Kind:    "config",
			Message: fmt.Sprintf("unknown transport provider: %q", cfg.Transport.Provider),
			Err:     core.ErrInvalidConfiguration,
		}
	}

	var provider *telemetry.OTelProvider
	if cfg.Telemetry.Enabled {
		p, err := telemetry.NewOTelProvider(cfg.Telemetry)
		if err != nil {
			_ = tp.Close()
			return nil, err
		}
		provider = p
		sessionOpts = append(sessionOpts, session.WithTelemetry(provider))
	}

	sess, err := session.Open(ctx, tp, cfg.Domain, sessionOpts...)
	if err != nil {
		_ = tp.Close()
		if provider != nil {
			_ = provider.Shutdown(ctx)
		}
		return nil, err
	}
	return sess, nil
}

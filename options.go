// options.go
package gatekit

import (
	"fmt"
	"net/http"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Client settings.
 *
 * Settings resolve in three layers: built-in defaults, then GATEKIT_*
 * environment variables, then explicit Option values. The API key is a
 * secret and is therefore only ever read from the constructor argument
 * or the environment, never from a config file.
 */

const (
	defaultBaseURL      = "https://api.gatekit.dev"
	defaultCollectorURL = "https://collector.gatekit.dev"
	defaultDatabaseURL  = "sqlite://gatekit.db"
)

type settings struct {
	apiKey       string
	appUserID    string
	baseURL      string
	collectorURL string
	databaseURL  string
	locale       string

	httpClient *http.Client
	logger     *zap.Logger

	observer  Observer
	presenter Presenter
	resolver  ProductResolver

	debug bool
}

// Option customizes a Client at construction time.
type Option func(*settings)

// WithBaseURL overrides the config/paywall API base url.
func WithBaseURL(u string) Option { return func(s *settings) { s.baseURL = u } }

// WithCollectorURL overrides the event ingestion base url.
func WithCollectorURL(u string) Option { return func(s *settings) { s.collectorURL = u } }

// WithDatabaseURL points durable state at a sqlite:// or postgres:// url.
func WithDatabaseURL(u string) Option { return func(s *settings) { s.databaseURL = u } }

// WithAppUserID sets the stable user identity used for experiment
// bucketing and default paywall requests.
func WithAppUserID(id string) Option { return func(s *settings) { s.appUserID = id } }

// WithLocale sets the device locale used for paywall localization.
func WithLocale(locale string) Option { return func(s *settings) { s.locale = locale } }

// WithHTTPClient substitutes the underlying http client.
func WithHTTPClient(c *http.Client) Option { return func(s *settings) { s.httpClient = c } }

// WithLogger substitutes the zap logger.
func WithLogger(l *zap.Logger) Option { return func(s *settings) { s.logger = l } }

// WithObserver registers the outcome observer.
func WithObserver(o Observer) Option { return func(s *settings) { s.observer = o } }

// WithPresenter registers the host's presentation surface.
func WithPresenter(p Presenter) Option { return func(s *settings) { s.presenter = p } }

// WithProductResolver registers the host's store product resolver.
func WithProductResolver(r ProductResolver) Option { return func(s *settings) { s.resolver = r } }

// WithDebug bypasses the presentable check, for debugger-driven
// presentations.
func WithDebug() Option { return func(s *settings) { s.debug = true } }

// loadSettings resolves defaults, environment, and options in order.
func loadSettings(apiKey string, opts []Option) (*settings, error) {
	v := viper.New()
	v.SetEnvPrefix("GATEKIT")
	v.AutomaticEnv()
	v.SetDefault("base_url", defaultBaseURL)
	v.SetDefault("collector_url", defaultCollectorURL)
	v.SetDefault("database_url", defaultDatabaseURL)

	s := &settings{
		apiKey:       apiKey,
		baseURL:      v.GetString("base_url"),
		collectorURL: v.GetString("collector_url"),
		databaseURL:  v.GetString("database_url"),
		locale:       v.GetString("locale"),
		appUserID:    v.GetString("app_user_id"),
	}
	if s.apiKey == "" {
		s.apiKey = v.GetString("api_key")
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.apiKey == "" {
		return nil, fmt.Errorf("%w: api key is required (argument or GATEKIT_API_KEY)", types.ErrNotConfigured)
	}
	if s.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		s.logger = logger
	}
	return s, nil
}

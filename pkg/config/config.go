package config

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	"github.com/geoplatform/arcgis-relay/pkg/observability"
)

// Config holds all relay configuration. It is loaded once at startup and
// treated as read-only afterwards.
type Config struct {
	Server        ServerConfig
	Redis         RedisConfig
	IdP           IdPConfig
	ArcGIS        ArcGISConfig
	Policy        PolicyConfig
	Webhooks      WebhookConfig
	Cookies       CookieConfig
	Observability ObservabilityConfig

	// AuthServiceDomain is the public host the relay is served on.
	AuthServiceDomain string `env:"AUTH_SERVICE_DOMAIN"`
	// PrivateKeyPEM signs client assertions and relay access tokens.
	PrivateKeyPEM string `env:"AUTH_PRIVATE_KEY"`
	// OrgHierarchyFile overrides the embedded organization hierarchy.
	OrgHierarchyFile string `env:"ORG_HIERARCHY_FILE"`

	orgs       *OrgHierarchy
	signingKey *rsa.PrivateKey
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            string        `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	RateLimitPerMin int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
}

// RedisConfig describes the credential store connection
type RedisConfig struct {
	// Server is a host name or a redis:// / rediss:// URL.
	Server   string        `env:"REDIS_SERVER"`
	Port     int           `env:"REDIS_PORT" envDefault:"6379"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	TLS      bool          `env:"REDIS_TLS" envDefault:"true"`
	Timeout  time.Duration `env:"REDIS_TIMEOUT" envDefault:"10s"`
}

// IdPConfig describes the upstream OIDC identity provider
type IdPConfig struct {
	BaseURL           string        `env:"IDP_BASE_URL" envDefault:"https://idp.int.identitysandbox.gov"`
	AuthorizePath     string        `env:"IDP_AUTHORIZE_PATH" envDefault:"/openid_connect/authorize"`
	TokenPath         string        `env:"IDP_TOKEN_PATH" envDefault:"/api/openid_connect/token"`
	UserInfoPath      string        `env:"IDP_USERINFO_PATH" envDefault:"/api/openid_connect/userinfo"`
	JWKSPath          string        `env:"IDP_JWKS_PATH" envDefault:"/api/openid_connect/certs"`
	Issuer            string        `env:"IDP_ISSUER"`
	ClientID          string        `env:"IDP_CLIENT_ID"`
	ACRValues         string        `env:"IDP_ACR_VALUES" envDefault:"http://idmanagement.gov/ns/assurance/ial/1"`
	Prompt            string        `env:"IDP_PROMPT" envDefault:"select_account"`
	ResponseType      string        `env:"IDP_RESPONSE_TYPE" envDefault:"code"`
	Scopes            []string      `env:"IDP_SCOPES" envSeparator:"," envDefault:"openid,email,x509,x509_subject"`
	AssertionType     string        `env:"IDP_CLIENT_ASSERTION_TYPE" envDefault:"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"`
	VerifyIDToken     bool          `env:"IDP_VERIFY_ID_TOKEN" envDefault:"true"`
	Timeout           time.Duration `env:"IDP_TIMEOUT" envDefault:"10s"`
	LegacySharedState bool          `env:"LEGACY_SHARED_STATE" envDefault:"false"`
}

// ArcGISConfig describes the downstream GIS platform
type ArcGISConfig struct {
	ClientURL        string        `env:"ARCGIS_CLIENT_URL"`
	ClientID         string        `env:"ARCGIS_CLIENT_ID"`
	ClientSecret     string        `env:"ARCGIS_CLIENT_SECRET"`
	OIDCClientID     string        `env:"ARCGIS_OIDC_CLIENT_ID"`
	LoginRedirectURL string        `env:"ARCGIS_LOGIN_REDIRECT_URL"`
	Timeout          time.Duration `env:"ARCGIS_TIMEOUT" envDefault:"10s"`
	RequestsPerSec   float64       `env:"ARCGIS_REQUESTS_PER_SECOND" envDefault:"5"`
	GroupSyncQuery   string        `env:"ARCGIS_GROUP_SYNC_QUERY" envDefault:"*"`
	GroupSyncCron    string        `env:"GROUP_SYNC_SCHEDULE" envDefault:"@every 1h"`
}

// PolicyConfig holds the access policy inputs that are not part of the
// organization hierarchy.
type PolicyConfig struct {
	BypassEmails        []string      `env:"BYPASS_EMAILS" envSeparator:"," envDefault:"andrea_borghi@ios.doi.gov,john_gillham@ios.doi.gov,satish_bobburi@ios.doi.gov"`
	BypassDomains       []string      `env:"BYPASS_DOMAINS" envSeparator:"," envDefault:"@usda.gov"`
	TrustedX509Orgs     []string      `env:"TRUSTED_X509_ORGS" envSeparator:"," envDefault:"USDA,DOI"`
	SelectionParent     string        `env:"SELECTION_PARENT_ORG" envDefault:"usda"`
	PublicURL           string        `env:"PUBLIC_URL"`
	DenialRedirectDelay time.Duration `env:"DENIAL_REDIRECT_DELAY" envDefault:"60s"`
}

// WebhookConfig controls webhook intake and processing
type WebhookConfig struct {
	Secret        string        `env:"ARCGIS_WEBHOOK_SECRET"`
	InternalToken string        `env:"INTERNAL_API_TOKEN"`
	LoopbackURL   string        `env:"WEBHOOK_LOOPBACK_URL"`
	Workers       int           `env:"WEBHOOK_WORKERS" envDefault:"4"`
	MaxAttempts   int           `env:"WEBHOOK_MAX_ATTEMPTS" envDefault:"5"`
	TaskTimeout   time.Duration `env:"WEBHOOK_TASK_TIMEOUT" envDefault:"30s"`
}

// CookieConfig holds the securecookie keys. Empty keys are generated per
// process at startup: in-flight logins break on restart, and across replicas
// unless requests are pinned to one instance.
type CookieConfig struct {
	HashKey  string `env:"COOKIE_HASH_KEY"`
	BlockKey string `env:"COOKIE_BLOCK_KEY"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel           string  `env:"LOG_LEVEL" envDefault:"info"`
	OTelEnabled        bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint       string  `env:"OTEL_ENDPOINT" envDefault:"localhost:4317"`
	OTelServiceName    string  `env:"OTEL_SERVICE_NAME" envDefault:"arcgis-relay"`
	OTelServiceVersion string  `env:"OTEL_SERVICE_VERSION" envDefault:"dev"`
	OTelInsecure       bool    `env:"OTEL_INSECURE" envDefault:"true"`
	OTelSampleRatio    float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// Load parses the environment, loads the organization hierarchy and the
// signing key, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finish() error {
	if c.IdP.ClientID == "" {
		c.IdP.ClientID = c.ArcGIS.OIDCClientID
	}
	if c.IdP.Issuer == "" {
		c.IdP.Issuer = strings.TrimRight(c.IdP.BaseURL, "/") + "/"
	}
	if c.Policy.PublicURL == "" {
		c.Policy.PublicURL = c.ArcGIS.ClientURL
	}

	var (
		orgs *OrgHierarchy
		err  error
	)
	if c.OrgHierarchyFile != "" {
		data, readErr := os.ReadFile(c.OrgHierarchyFile)
		if readErr != nil {
			return fmt.Errorf("read org hierarchy: %w", readErr)
		}
		orgs, err = ParseOrgHierarchy(data)
	} else {
		orgs, err = DefaultOrgHierarchy()
	}
	if err != nil {
		return fmt.Errorf("load org hierarchy: %w", err)
	}
	c.orgs = orgs

	if err := c.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	key, err := ParsePrivateKey(c.PrivateKeyPEM)
	if err != nil {
		return err
	}
	c.signingKey = key
	return nil
}

// Validate checks required settings
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"AUTH_SERVICE_DOMAIN", c.AuthServiceDomain},
		{"REDIS_SERVER", c.Redis.Server},
		{"ARCGIS_CLIENT_URL", c.ArcGIS.ClientURL},
		{"ARCGIS_CLIENT_ID", c.ArcGIS.ClientID},
		{"ARCGIS_CLIENT_SECRET", c.ArcGIS.ClientSecret},
		{"ARCGIS_OIDC_CLIENT_ID", c.ArcGIS.OIDCClientID},
		{"ARCGIS_LOGIN_REDIRECT_URL", c.ArcGIS.LoginRedirectURL},
		{"AUTH_PRIVATE_KEY", c.PrivateKeyPEM},
		{"IDP_CLIENT_ID", c.IdP.ClientID},
	}
	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	for name, raw := range map[string]string{
		"ARCGIS_CLIENT_URL":         c.ArcGIS.ClientURL,
		"ARCGIS_LOGIN_REDIRECT_URL": c.ArcGIS.LoginRedirectURL,
		"IDP_BASE_URL":              c.IdP.BaseURL,
	} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}

	if c.Webhooks.Workers < 1 {
		return errors.New("WEBHOOK_WORKERS must be at least 1")
	}
	if c.Webhooks.MaxAttempts < 1 {
		return errors.New("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if c.ArcGIS.RequestsPerSec <= 0 {
		return errors.New("ARCGIS_REQUESTS_PER_SECOND must be positive")
	}
	if c.orgs == nil {
		return errors.New("organization hierarchy is not loaded")
	}
	if !c.orgs.IsOrg(c.Policy.SelectionParent) {
		return fmt.Errorf("SELECTION_PARENT_ORG %q is not a known organization", c.Policy.SelectionParent)
	}

	if n := len(c.Cookies.BlockKey); n != 0 && n != 16 && n != 24 && n != 32 {
		return errors.New("COOKIE_BLOCK_KEY must be 16, 24 or 32 bytes")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// ParsePrivateKey decodes a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
// Deployments often inject the key with literal "\n" sequences; those are
// expanded first.
func ParsePrivateKey(pemText string) (*rsa.PrivateKey, error) {
	pemText = strings.ReplaceAll(pemText, `\n`, "\n")
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemText))
	if err != nil {
		return nil, fmt.Errorf("parse AUTH_PRIVATE_KEY: %w", err)
	}
	return key, nil
}

// Warnings lists settings that are valid but unsafe for a production
// deployment. The relay still starts.
func (c *Config) Warnings() []string {
	var warnings []string
	var missing []string
	if strings.TrimSpace(c.Cookies.HashKey) == "" {
		missing = append(missing, "COOKIE_HASH_KEY")
	}
	if strings.TrimSpace(c.Cookies.BlockKey) == "" {
		missing = append(missing, "COOKIE_BLOCK_KEY")
	}
	if len(missing) > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"%s not set: cookie keys are generated per process, so logins fail when requests reach another replica or after a restart",
			strings.Join(missing, " and ")))
	}
	return warnings
}

// Orgs is the organization hierarchy loaded from ORG_HIERARCHY_FILE or the
// embedded default.
func (c *Config) Orgs() *OrgHierarchy { return c.orgs }

// SigningKey is the key parsed from AUTH_PRIVATE_KEY.
func (c *Config) SigningKey() *rsa.PrivateKey { return c.signingKey }

// LogLevel returns the parsed log level
func (c *Config) LogLevel() observability.LogLevel {
	return observability.ParseLogLevel(c.Observability.LogLevel)
}

// OTel returns the telemetry settings in the form InitOTel expects
func (c *Config) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.Observability.OTelEnabled,
		Endpoint:       c.Observability.OTelEndpoint,
		ServiceName:    c.Observability.OTelServiceName,
		ServiceVersion: c.Observability.OTelServiceVersion,
		Insecure:       c.Observability.OTelInsecure,
		SampleRatio:    c.Observability.OTelSampleRatio,
	}
}

// Addr is the HTTP listen address
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func (c *Config) serviceURL(path string) string {
	return "https://" + c.AuthServiceDomain + path
}

// RedirectURL is the IdP callback registered for this relay.
func (c *Config) RedirectURL() string { return c.serviceURL("/callback") }

// DenialURL is the "not in allowed groups" page.
func (c *Config) DenialURL() string { return c.serviceURL("/user_not_in_allowed_groups") }

// SelectionURL is the group self-selection form.
func (c *Config) SelectionURL() string { return c.serviceURL("/select_user_groups") }

// HandoffURL is the downstream login callback that consumes the user-info cookie.
func (c *Config) HandoffURL() string { return c.serviceURL("/arcgis_callback") }

// IdPURL joins the IdP base URL with path.
func (c *Config) IdPURL(path string) string {
	return strings.TrimRight(c.IdP.BaseURL, "/") + path
}

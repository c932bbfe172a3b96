// Package credentials obtains fresh upstream bearer tokens. It scrapes the
// web player for an embedded session token and falls back to a
// client-credentials exchange, retrying the whole sequence with backoff.
package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	perrors "github.com/p-blackswan/spotproxy/internal/errors"
	"github.com/p-blackswan/spotproxy/internal/metrics"
	"github.com/p-blackswan/spotproxy/internal/retry"
	"github.com/p-blackswan/spotproxy/pkg/tokenstore"
)

// Strategy names one way of extracting a token.
type Strategy string

const (
	StrategySession           Strategy = "session"
	StrategyInline            Strategy = "inline"
	StrategyClientCredentials Strategy = "client_credentials"
)

const (
	// DefaultExpiresIn applies when the source does not declare a lifetime.
	DefaultExpiresIn = 3600 * time.Second
	DefaultTimeout   = 10 * time.Second

	userAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	maxPageSize = 5 << 20
)

var (
	errNoSession     = errors.New("no session payload")
	errNoInline      = errors.New("no inline access token")
	errNoClients     = errors.New("no client credentials configured")
	errPageFetchSkip = errors.New("page unavailable")
	errTokenExpired  = errors.New("declared token already expired")
)

// inlinePatterns match access-token literals embedded in page scripts.
var inlinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`accessToken:"([^"]+)"`),
	regexp.MustCompile(`"accessToken"\s*:\s*"([^"]+)"`),
}

// Client is a pre-registered client-credentials identity.
type Client struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

// Config controls acquisition.
type Config struct {
	TokenURL  string
	Clients   []Client
	Timeout   time.Duration
	ExpiresIn time.Duration
	Retry     retry.Config
}

// Acquirer performs the external handshake. It holds no tokens itself;
// storing the result is the caller's job.
type Acquirer struct {
	cfg     Config
	http    *http.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// Option customises an Acquirer.
type Option func(*Acquirer)

// WithHTTPClient replaces the HTTP client used for every fetch.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Acquirer) { a.http = c }
}

// WithClock overrides the issue time of acquired tokens.
func WithClock(now func() time.Time) Option {
	return func(a *Acquirer) { a.now = now }
}

// WithRand seeds client selection.
func WithRand(rnd *rand.Rand) Option {
	return func(a *Acquirer) { a.rnd = rnd }
}

// New creates an Acquirer. m may be nil.
func New(cfg Config, logger zerolog.Logger, m *metrics.Metrics, opts ...Option) *Acquirer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ExpiresIn <= 0 {
		cfg.ExpiresIn = DefaultExpiresIn
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	a := &Acquirer{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With().Str("component", "credentials").Logger(),
		metrics: m,
		now:     time.Now,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire obtains a fresh token, trying every strategy once per attempt and
// backing off between attempts. After the retry budget is spent it returns
// an AcquisitionError carrying the final cause.
func (a *Acquirer) Acquire(ctx context.Context, source string) (tokenstore.Token, error) {
	var tok tokenstore.Token

	rc := a.cfg.Retry
	userOnRetry := rc.OnRetry
	rc.OnRetry = func(attempt int, delay time.Duration, err error) {
		a.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("token acquisition failed, retrying")
		if userOnRetry != nil {
			userOnRetry(attempt, delay, err)
		}
	}

	err := retry.Do(ctx, rc, func(ctx context.Context) error {
		t, err := a.attempt(ctx, source)
		if err != nil {
			return err
		}
		tok = t
		return nil
	})
	if err != nil {
		a.logger.Error().Err(err).Str("source", source).Msg("token acquisition exhausted")
		return tokenstore.Token{}, perrors.Wrap(perrors.KindAcquisition, "credentials",
			fmt.Sprintf("no strategy succeeded after %d attempts", max(rc.MaxAttempts, 1)), err)
	}
	a.logger.Info().Dur("expires_in", tok.ExpiresIn(a.now())).Msg("token acquired")
	return tok, nil
}

// attempt runs the strategies in order; the first success wins.
func (a *Acquirer) attempt(ctx context.Context, source string) (tokenstore.Token, error) {
	var errs []error

	page, err := a.fetchPage(ctx, source)
	if err != nil {
		errs = append(errs, err)
	}

	type step struct {
		name Strategy
		run  func() (string, time.Duration, error)
	}
	steps := []step{
		{StrategySession, func() (string, time.Duration, error) { return a.fromSession(page) }},
		{StrategyInline, func() (string, time.Duration, error) { return fromInline(page) }},
		{StrategyClientCredentials, func() (string, time.Duration, error) { return a.fromClientCredentials(ctx) }},
	}

	stalePage := false
	for _, s := range steps {
		// The inline literal is the same token a stale session declared.
		if stalePage && s.name == StrategyInline {
			continue
		}
		value, expiresIn, err := s.run()
		if errors.Is(err, errPageFetchSkip) {
			continue
		}
		if s.name == StrategySession && errors.Is(err, errTokenExpired) {
			stalePage = true
		}
		if err != nil {
			a.metrics.RecordAcquisition(string(s.name), "failure")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		a.metrics.RecordAcquisition(string(s.name), "success")
		if expiresIn == 0 {
			expiresIn = a.cfg.ExpiresIn
		}
		a.logger.Debug().Str("strategy", string(s.name)).Msg("credential extracted")
		return tokenstore.NewToken(value, a.now(), expiresIn), nil
	}
	return tokenstore.Token{}, errors.Join(errs...)
}

func (a *Acquirer) fetchPage(ctx context.Context, source string) ([]byte, error) {
	if source == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: unexpected status code: %d", source, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}
	return body, nil
}

// fromSession parses the JSON payload of <script id="session">.
func (a *Acquirer) fromSession(page []byte) (string, time.Duration, error) {
	if page == nil {
		return "", 0, errPageFetchSkip
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", 0, fmt.Errorf("failed to parse HTML: %w", err)
	}
	raw := strings.TrimSpace(doc.Find("script#session").First().Text())
	if raw == "" || !gjson.Valid(raw) {
		return "", 0, errNoSession
	}
	session := gjson.Parse(raw)
	token := session.Get("accessToken").String()
	if token == "" {
		return "", 0, errNoSession
	}
	var expiresIn time.Duration
	if ms := session.Get("accessTokenExpirationTimestampMs").Int(); ms > 0 {
		expiresIn = time.UnixMilli(ms).Sub(a.now())
		if expiresIn <= 0 {
			return "", 0, fmt.Errorf("%w at %s", errTokenExpired, time.UnixMilli(ms).UTC().Format(time.RFC3339))
		}
	}
	return token, expiresIn, nil
}

func fromInline(page []byte) (string, time.Duration, error) {
	if page == nil {
		return "", 0, errPageFetchSkip
	}
	for _, re := range inlinePatterns {
		if m := re.FindSubmatch(page); m != nil {
			return string(m[1]), 0, nil
		}
	}
	return "", 0, errNoInline
}

func (a *Acquirer) fromClientCredentials(ctx context.Context) (string, time.Duration, error) {
	if len(a.cfg.Clients) == 0 {
		return "", 0, errNoClients
	}
	a.rndMu.Lock()
	client := a.cfg.Clients[a.rnd.Intn(len(a.cfg.Clients))]
	a.rndMu.Unlock()

	conf := &clientcredentials.Config{
		ClientID:     client.ID,
		ClientSecret: client.Secret,
		TokenURL:     a.cfg.TokenURL,
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.http)

	token, err := conf.Token(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("client %s: %w", client.ID, err)
	}
	var expiresIn time.Duration
	if !token.Expiry.IsZero() {
		expiresIn = token.Expiry.Sub(a.now())
		if expiresIn <= 0 {
			return "", 0, fmt.Errorf("client %s: %w", client.ID, errTokenExpired)
		}
	}
	return token.AccessToken, expiresIn, nil
}

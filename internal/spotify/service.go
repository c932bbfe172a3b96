// Package spotify exposes typed Web API operations on top of the request
// pipeline: each builds its endpoint path and parameters, validates input
// and leaves token resolution, caching and classification to the pipeline.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	perrors "github.com/p-blackswan/spotproxy/internal/errors"
	"github.com/p-blackswan/spotproxy/internal/pipeline"
)

const (
	DefaultMarket       = "TW"
	FallbackMarket      = "US"
	DefaultSearchLimit  = 20
	MaxSearchLimit      = 50
	defaultProbeQuery   = "周杰伦"
	service             = "spotproxy"
	topTracksInAnalysis = 10
)

// SearchTypes are the accepted values of the search type parameter.
var SearchTypes = []string{"track", "artist", "album", "playlist"}

// DefaultMarketPriority is the probe order used by BestMarket.
var DefaultMarketPriority = []string{"TW", "HK", "SG", "MY", "CN", "US"}

// DefaultHotArtists seeds the featured page.
var DefaultHotArtists = []string{
	"0BezPR1Hn38i8qShQKunSD",
	"6gvSKE72vF6N20LfBqrDmm",
	"1cg0bYpP5e2DNG0RgK2CMN",
	"2QcZxAgcs2I1q7CtCkl6MI",
	"7aRC4L63dBn3CiLDuWaLSI",
	"3df3XLKuqTQ6iOSmi0K3Wp",
	"0mG77q0N7TRltkLh4p2ASD",
	"0Riv2KnFcLZA3JSVryRg4y",
}

// Doer is the pipeline surface the service needs.
type Doer interface {
	Do(ctx context.Context, req pipeline.Request) (json.RawMessage, error)
	DoAll(ctx context.Context, req pipeline.Request, key string) ([]json.RawMessage, error)
}

// Config holds market and paging policy.
type Config struct {
	DefaultMarket  string
	MarketPriority []string
	DefaultLimit   int
	MaxLimit       int
	HotArtists     []string
	ProbeQuery     string
}

func (c *Config) setDefaults() {
	if c.DefaultMarket == "" {
		c.DefaultMarket = DefaultMarket
	}
	if len(c.MarketPriority) == 0 {
		c.MarketPriority = DefaultMarketPriority
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = DefaultSearchLimit
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = MaxSearchLimit
	}
	if len(c.HotArtists) == 0 {
		c.HotArtists = DefaultHotArtists
	}
	if c.ProbeQuery == "" {
		c.ProbeQuery = defaultProbeQuery
	}
}

// Call carries per-request options: an optional caller token and market.
type Call struct {
	Token  string
	Market string
}

// Page is a limit/offset window. Zero Limit means the configured default.
type Page struct {
	Limit  int
	Offset int
}

// Service implements the Web API operations.
type Service struct {
	p      Doer
	cfg    Config
	logger zerolog.Logger
}

// New creates a Service over p.
func New(p Doer, cfg Config, logger zerolog.Logger) *Service {
	cfg.setDefaults()
	return &Service{
		p:      p,
		cfg:    cfg,
		logger: logger.With().Str("component", "spotify").Logger(),
	}
}

func (s *Service) market(c Call) string {
	if c.Market != "" {
		return strings.ToUpper(c.Market)
	}
	return s.cfg.DefaultMarket
}

func validation(format string, args ...any) error {
	return perrors.NewAPIError(perrors.KindValidation, service, 400, fmt.Sprintf(format, args...))
}

// clamp applies the default and hard cap to limit and rejects negatives.
func (s *Service) clamp(p Page) (Page, error) {
	if p.Offset < 0 {
		return p, validation("offset must be >= 0, got %d", p.Offset)
	}
	switch {
	case p.Limit < 0:
		return p, validation("limit must be >= 0, got %d", p.Limit)
	case p.Limit == 0:
		p.Limit = s.cfg.DefaultLimit
	case p.Limit > s.cfg.MaxLimit:
		p.Limit = s.cfg.MaxLimit
	}
	return p, nil
}

func pageParams(p Page) url.Values {
	return url.Values{
		"limit":  {strconv.Itoa(p.Limit)},
		"offset": {strconv.Itoa(p.Offset)},
	}
}

func requireID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return validation("%s ID is required", kind)
	}
	return nil
}

func (s *Service) do(ctx context.Context, c Call, path string, params url.Values) (json.RawMessage, error) {
	return s.p.Do(ctx, pipeline.Request{
		Market: s.market(c),
		Path:   path,
		Params: params,
		Token:  c.Token,
	})
}

// Search queries the catalog. typ is one or more comma-separated search
// types.
func (s *Service) Search(ctx context.Context, c Call, q, typ string, p Page) (json.RawMessage, error) {
	if strings.TrimSpace(q) == "" {
		return nil, validation("search query is required")
	}
	if typ == "" {
		typ = "track"
	}
	for _, t := range strings.Split(typ, ",") {
		if !validSearchType(t) {
			return nil, validation("Invalid search type: %s", t)
		}
	}
	p, err := s.clamp(p)
	if err != nil {
		return nil, err
	}
	params := pageParams(p)
	params.Set("q", q)
	params.Set("type", typ)
	params.Set("market", s.market(c))
	return s.do(ctx, c, "/search", params)
}

func validSearchType(t string) bool {
	for _, v := range SearchTypes {
		if t == v {
			return true
		}
	}
	return false
}

func (s *Service) Artist(ctx context.Context, c Call, id string) (json.RawMessage, error) {
	if err := requireID("Artist", id); err != nil {
		return nil, err
	}
	return s.do(ctx, c, "/artists/"+url.PathEscape(id), nil)
}

func (s *Service) Artists(ctx context.Context, c Call, ids []string) (json.RawMessage, error) {
	if len(ids) == 0 {
		return nil, validation("at least one artist ID is required")
	}
	return s.do(ctx, c, "/artists", url.Values{"ids": {strings.Join(ids, ",")}})
}

// ArtistAlbums lists an artist's albums; albumType filters include_groups.
func (s *Service) ArtistAlbums(ctx context.Context, c Call, id, albumType string, limit int) (json.RawMessage, error) {
	if err := requireID("Artist", id); err != nil {
		return nil, err
	}
	p, err := s.clamp(Page{Limit: limit})
	if err != nil {
		return nil, err
	}
	params := url.Values{"limit": {strconv.Itoa(p.Limit)}}
	if albumType != "" {
		params.Set("include_groups", albumType)
	}
	return s.do(ctx, c, "/artists/"+url.PathEscape(id)+"/albums", params)
}

func (s *Service) ArtistTopTracks(ctx context.Context, c Call, id string) (json.RawMessage, error) {
	if err := requireID("Artist", id); err != nil {
		return nil, err
	}
	return s.do(ctx, c, "/artists/"+url.PathEscape(id)+"/top-tracks", url.Values{"market": {s.market(c)}})
}

func (s *Service) RelatedArtists(ctx context.Context, c Call, id string) (json.RawMessage, error) {
	if err := requireID("Artist", id); err != nil {
		return nil, err
	}
	return s.do(ctx, c, "/artists/"+url.PathEscape(id)+"/related-artists", nil)
}

func (s *Service) Album(ctx context.Context, c Call, id string) (json.RawMessage, error) {
	if err := requireID("Album", id); err != nil {
		return nil, err
	}
	return s.do(ctx, c, "/albums/"+url.PathEscape(id), url.Values{"market": {s.market(c)}})
}

func (s *Service) AlbumTracks(ctx context.Context, c Call, id string, p Page) (json.RawMessage, error) {
	if err := requireID("Album", id); err != nil {
		return nil, err
	}
	p, err := s.clamp(p)
	if err != nil {
		return nil, err
	}
	return s.do(ctx, c, "/albums/"+url.PathEscape(id)+"/tracks", pageParams(p))
}

// AllAlbumTracks drains every page of an album's track list.
func (s *Service) AllAlbumTracks(ctx context.Context, c Call, id string) ([]json.RawMessage, error) {
	if err := requireID("Album", id); err != nil {
		return nil, err
	}
	return s.p.DoAll(ctx, pipeline.Request{
		Market: s.market(c),
		Path:   "/albums/" + url.PathEscape(id) + "/tracks",
		Params: url.Values{"limit": {strconv.Itoa(s.cfg.MaxLimit)}},
		Token:  c.Token,
	}, "items")
}

func (s *Service) Track(ctx context.Context, c Call, id string) (json.RawMessage, error) {
	if err := requireID("Track", id); err != nil {
		return nil, err
	}
	return s.do(ctx, c, "/tracks/"+url.PathEscape(id), url.Values{"market": {s.market(c)}})
}

func (s *Service) Tracks(ctx context.Context, c Call, ids []string) (json.RawMessage, error) {
	if len(ids) == 0 {
		return nil, validation("at least one track ID is required")
	}
	return s.do(ctx, c, "/tracks", url.Values{"ids": {strings.Join(ids, ",")}})
}

func (s *Service) AudioFeatures(ctx context.Context, c Call, id string) (json.RawMessage, error) {
	if err := requireID("Track", id); err != nil {
		return nil, err
	}
	return s.do(ctx, c, "/audio-features/"+url.PathEscape(id), nil)
}

func (s *Service) Playlist(ctx context.Context, c Call, id string) (json.RawMessage, error) {
	if err := requireID("Playlist", id); err != nil {
		return nil, err
	}
	return s.do(ctx, c, "/playlists/"+url.PathEscape(id), nil)
}

func (s *Service) PlaylistTracks(ctx context.Context, c Call, id string, p Page) (json.RawMessage, error) {
	if err := requireID("Playlist", id); err != nil {
		return nil, err
	}
	p, err := s.clamp(p)
	if err != nil {
		return nil, err
	}
	return s.do(ctx, c, "/playlists/"+url.PathEscape(id)+"/tracks", pageParams(p))
}

func (s *Service) browse(ctx context.Context, c Call, path string, p Page) (json.RawMessage, error) {
	p, err := s.clamp(p)
	if err != nil {
		return nil, err
	}
	params := pageParams(p)
	params.Set("market", s.market(c))
	return s.do(ctx, c, path, params)
}

func (s *Service) NewReleases(ctx context.Context, c Call, p Page) (json.RawMessage, error) {
	return s.browse(ctx, c, "/browse/new-releases", p)
}

func (s *Service) FeaturedPlaylists(ctx context.Context, c Call, p Page) (json.RawMessage, error) {
	return s.browse(ctx, c, "/browse/featured-playlists", p)
}

func (s *Service) Categories(ctx context.Context, c Call, p Page) (json.RawMessage, error) {
	return s.browse(ctx, c, "/browse/categories", p)
}

func (s *Service) CategoryPlaylists(ctx context.Context, c Call, id string, p Page) (json.RawMessage, error) {
	if err := requireID("Category", id); err != nil {
		return nil, err
	}
	return s.browse(ctx, c, "/browse/categories/"+url.PathEscape(id)+"/playlists", p)
}

// Seeds are recommendation seeds.
type Seeds struct {
	Artists []string
	Tracks  []string
	Genres  []string
}

func (s *Service) Recommendations(ctx context.Context, c Call, seeds Seeds, limit int) (json.RawMessage, error) {
	if len(seeds.Artists)+len(seeds.Tracks)+len(seeds.Genres) == 0 {
		return nil, validation("at least one seed is required")
	}
	p, err := s.clamp(Page{Limit: limit})
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"limit":  {strconv.Itoa(p.Limit)},
		"market": {s.market(c)},
	}
	if len(seeds.Artists) > 0 {
		params.Set("seed_artists", strings.Join(seeds.Artists, ","))
	}
	if len(seeds.Tracks) > 0 {
		params.Set("seed_tracks", strings.Join(seeds.Tracks, ","))
	}
	if len(seeds.Genres) > 0 {
		params.Set("seed_genres", strings.Join(seeds.Genres, ","))
	}
	return s.do(ctx, c, "/recommendations", params)
}

// Featured is the home page aggregate.
type Featured struct {
	TopArtists        json.RawMessage `json:"top_artists"`
	HotAlbums         json.RawMessage `json:"hot_albums"`
	HotTracks         json.RawMessage `json:"hot_tracks"`
	FeaturedPlaylists json.RawMessage `json:"featured_playlists"`
	Charts            json.RawMessage `json:"charts"`
}

// Featured fetches the home page sections concurrently. Any section failure
// fails the whole aggregate.
func (s *Service) Featured(ctx context.Context, c Call) (*Featured, error) {
	out := &Featured{}
	g, ctx := errgroup.WithContext(ctx)

	seeds := s.cfg.HotArtists
	if len(seeds) > 3 {
		seeds = []string{seeds[0], seeds[len(seeds)-1], seeds[2]}
	}

	g.Go(func() (err error) {
		out.TopArtists, err = s.Artists(ctx, c, s.cfg.HotArtists)
		return err
	})
	g.Go(func() (err error) {
		out.HotAlbums, err = s.NewReleases(ctx, c, Page{Limit: 10})
		return err
	})
	g.Go(func() (err error) {
		out.HotTracks, err = s.Recommendations(ctx, c, Seeds{Artists: seeds}, 10)
		return err
	})
	g.Go(func() (err error) {
		out.FeaturedPlaylists, err = s.FeaturedPlaylists(ctx, c, Page{Limit: 6})
		return err
	})
	g.Go(func() (err error) {
		out.Charts, err = s.CategoryPlaylists(ctx, c, "toplists", Page{Limit: 5})
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// BestMarket probes the priority list with a one-result search and returns
// the first market that yields tracks, falling back to US.
func (s *Service) BestMarket(ctx context.Context, c Call) string {
	for _, m := range s.cfg.MarketPriority {
		if ctx.Err() != nil {
			break
		}
		probe := c
		probe.Market = m
		body, err := s.Search(ctx, probe, s.cfg.ProbeQuery, "track", Page{Limit: 1})
		if err != nil {
			s.logger.Debug().Err(err).Str("market", m).Msg("market probe failed")
			continue
		}
		if gjson.GetBytes(body, "tracks.items.#").Int() > 0 {
			return m
		}
	}
	return FallbackMarket
}

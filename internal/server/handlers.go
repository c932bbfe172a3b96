package server

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/spotproxy/internal/errors"
	"github.com/p-blackswan/spotproxy/internal/spotify"
)

var (
	opSearch            = op{code: "SEARCH_ERROR"}
	opAnalyze           = op{code: "ANALYZE_ERROR"}
	opFeatured          = op{code: "FEATURED_ERROR"}
	opRecommendations   = op{code: "RECOMMENDATIONS_ERROR"}
	opArtist            = op{"Artist", "ARTIST_ERROR"}
	opArtists           = op{"Artist", "ARTISTS_ERROR"}
	opArtistAlbums      = op{"Artist", "ARTIST_ALBUMS_ERROR"}
	opTopTracks         = op{"Artist", "TOP_TRACKS_ERROR"}
	opRelated           = op{"Artist", "RELATED_ARTISTS_ERROR"}
	opArtistAnalysis    = op{"Artist", "ARTIST_ANALYSIS_ERROR"}
	opAlbum             = op{"Album", "ALBUM_ERROR"}
	opAlbumTracks       = op{"Album", "ALBUM_TRACKS_ERROR"}
	opAlbumAnalysis     = op{"Album", "ALBUM_ANALYSIS_ERROR"}
	opTrack             = op{"Track", "TRACK_ERROR"}
	opTracks            = op{"Track", "TRACKS_ERROR"}
	opAudioFeatures     = op{"Track", "AUDIO_FEATURES_ERROR"}
	opPlaylist          = op{"Playlist", "PLAYLIST_ERROR"}
	opPlaylistTracks    = op{"Playlist", "PLAYLIST_TRACKS_ERROR"}
	opNewReleases       = op{code: "NEW_RELEASES_ERROR"}
	opCategories        = op{code: "CATEGORIES_ERROR"}
	opCategoryPlaylists = op{"Category", "CATEGORY_PLAYLISTS_ERROR"}
)

type handlers struct {
	api    *spotify.Service
	tokens TokenSource
	logger zerolog.Logger
}

// TokenResponse is the body of GET /api/token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// callFrom reads the optional caller token and market.
func callFrom(c *fiber.Ctx) spotify.Call {
	call := spotify.Call{Market: c.Query("market")}
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(auth) > len("Bearer ") && strings.EqualFold(auth[:len("Bearer ")], "Bearer ") {
		call.Token = strings.TrimSpace(auth[len("Bearer "):])
	}
	return call
}

func queryInt(c *fiber.Ctx, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, perrors.NewAPIError(perrors.KindValidation, "spotproxy", fiber.StatusBadRequest, key+" must be an integer")
	}
	return n, nil
}

func pageFrom(c *fiber.Ctx) (spotify.Page, error) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return spotify.Page{}, err
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return spotify.Page{}, err
	}
	return spotify.Page{Limit: limit, Offset: offset}, nil
}

func queryList(c *fiber.Ctx, key string) []string {
	var out []string
	for _, p := range strings.Split(c.Query(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// raw sends an upstream body as-is.
func raw(c *fiber.Ctx, o op, body json.RawMessage, err error) error {
	if err != nil {
		return fail(c, o, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(body)
}

func (h *handlers) token(c *fiber.Ctx) error {
	tok, err := h.tokens.Token(c.UserContext())
	if err != nil {
		h.logger.Warn().Err(err).Msg("token request failed")
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody("TOKEN_ERROR", err.Error()))
	}
	return c.JSON(TokenResponse{
		AccessToken: tok.Value,
		ExpiresIn:   int(tok.ExpiresIn(time.Now()).Seconds()),
	})
}

func (h *handlers) search(c *fiber.Ctx) error {
	p, err := pageFrom(c)
	if err != nil {
		return fail(c, opSearch, err)
	}
	body, err := h.api.Search(c.UserContext(), callFrom(c), c.Query("q"), c.Query("type", "track"), p)
	return raw(c, opSearch, body, err)
}

func (h *handlers) searchAnalysis(c *fiber.Ctx) error {
	out, err := h.api.SearchAndAnalyze(c.UserContext(), callFrom(c), c.Query("q"))
	if err != nil {
		return fail(c, opAnalyze, err)
	}
	return c.JSON(out)
}

func (h *handlers) featured(c *fiber.Ctx) error {
	out, err := h.api.Featured(c.UserContext(), callFrom(c))
	if err != nil {
		return fail(c, opFeatured, err)
	}
	return c.JSON(out)
}

func (h *handlers) bestMarket(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"market": h.api.BestMarket(c.UserContext(), callFrom(c))})
}

func (h *handlers) recommendations(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return fail(c, opRecommendations, err)
	}
	seeds := spotify.Seeds{
		Artists: queryList(c, "seed_artists"),
		Tracks:  queryList(c, "seed_tracks"),
		Genres:  queryList(c, "seed_genres"),
	}
	body, err := h.api.Recommendations(c.UserContext(), callFrom(c), seeds, limit)
	return raw(c, opRecommendations, body, err)
}

func (h *handlers) artists(c *fiber.Ctx) error {
	body, err := h.api.Artists(c.UserContext(), callFrom(c), queryList(c, "ids"))
	return raw(c, opArtists, body, err)
}

func (h *handlers) artist(c *fiber.Ctx) error {
	body, err := h.api.Artist(c.UserContext(), callFrom(c), c.Params("id"))
	return raw(c, opArtist, body, err)
}

func (h *handlers) artistAlbums(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return fail(c, opArtistAlbums, err)
	}
	body, err := h.api.ArtistAlbums(c.UserContext(), callFrom(c), c.Params("id"), c.Query("album_type"), limit)
	return raw(c, opArtistAlbums, body, err)
}

func (h *handlers) artistTopTracks(c *fiber.Ctx) error {
	body, err := h.api.ArtistTopTracks(c.UserContext(), callFrom(c), c.Params("id"))
	return raw(c, opTopTracks, body, err)
}

func (h *handlers) relatedArtists(c *fiber.Ctx) error {
	body, err := h.api.RelatedArtists(c.UserContext(), callFrom(c), c.Params("id"))
	return raw(c, opRelated, body, err)
}

func (h *handlers) artistAnalysis(c *fiber.Ctx) error {
	out, err := h.api.AnalyzeArtist(c.UserContext(), callFrom(c), c.Params("id"))
	if err != nil {
		return fail(c, opArtistAnalysis, err)
	}
	return c.JSON(out)
}

func (h *handlers) album(c *fiber.Ctx) error {
	body, err := h.api.Album(c.UserContext(), callFrom(c), c.Params("id"))
	return raw(c, opAlbum, body, err)
}

// albumTracks serves one page, or every track when all=true.
func (h *handlers) albumTracks(c *fiber.Ctx) error {
	if c.QueryBool("all") {
		items, err := h.api.AllAlbumTracks(c.UserContext(), callFrom(c), c.Params("id"))
		if err != nil {
			return fail(c, opAlbumTracks, err)
		}
		return c.JSON(fiber.Map{"items": items, "total": len(items)})
	}
	p, err := pageFrom(c)
	if err != nil {
		return fail(c, opAlbumTracks, err)
	}
	body, err := h.api.AlbumTracks(c.UserContext(), callFrom(c), c.Params("id"), p)
	return raw(c, opAlbumTracks, body, err)
}

func (h *handlers) albumAnalysis(c *fiber.Ctx) error {
	out, err := h.api.AnalyzeAlbum(c.UserContext(), callFrom(c), c.Params("id"))
	if err != nil {
		return fail(c, opAlbumAnalysis, err)
	}
	return c.JSON(out)
}

func (h *handlers) tracks(c *fiber.Ctx) error {
	body, err := h.api.Tracks(c.UserContext(), callFrom(c), queryList(c, "ids"))
	return raw(c, opTracks, body, err)
}

func (h *handlers) track(c *fiber.Ctx) error {
	body, err := h.api.Track(c.UserContext(), callFrom(c), c.Params("id"))
	return raw(c, opTrack, body, err)
}

func (h *handlers) audioFeatures(c *fiber.Ctx) error {
	body, err := h.api.AudioFeatures(c.UserContext(), callFrom(c), c.Params("id"))
	return raw(c, opAudioFeatures, body, err)
}

func (h *handlers) playlist(c *fiber.Ctx) error {
	body, err := h.api.Playlist(c.UserContext(), callFrom(c), c.Params("id"))
	return raw(c, opPlaylist, body, err)
}

func (h *handlers) playlistTracks(c *fiber.Ctx) error {
	p, err := pageFrom(c)
	if err != nil {
		return fail(c, opPlaylistTracks, err)
	}
	body, err := h.api.PlaylistTracks(c.UserContext(), callFrom(c), c.Params("id"), p)
	return raw(c, opPlaylistTracks, body, err)
}

func (h *handlers) newReleases(c *fiber.Ctx) error {
	p, err := pageFrom(c)
	if err != nil {
		return fail(c, opNewReleases, err)
	}
	body, err := h.api.NewReleases(c.UserContext(), callFrom(c), p)
	return raw(c, opNewReleases, body, err)
}

func (h *handlers) categories(c *fiber.Ctx) error {
	p, err := pageFrom(c)
	if err != nil {
		return fail(c, opCategories, err)
	}
	body, err := h.api.Categories(c.UserContext(), callFrom(c), p)
	return raw(c, opCategories, body, err)
}

func (h *handlers) categoryPlaylists(c *fiber.Ctx) error {
	p, err := pageFrom(c)
	if err != nil {
		return fail(c, opCategoryPlaylists, err)
	}
	body, err := h.api.CategoryPlaylists(c.UserContext(), callFrom(c), c.Params("id"), p)
	return raw(c, opCategoryPlaylists, body, err)
}

package spotify

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// TrackSummary is the trimmed view of a top track.
type TrackSummary struct {
	Name        string `json:"name"`
	Popularity  int64  `json:"popularity"`
	PreviewURL  string `json:"preview_url"`
	ExternalURL string `json:"external_url"`
}

// ArtistAnalysis is an artist profile plus top-track popularity.
type ArtistAnalysis struct {
	Name               string         `json:"name"`
	Followers          int64          `json:"followers"`
	Genres             []string       `json:"genres"`
	Popularity         int64          `json:"popularity"`
	AvgTrackPopularity float64        `json:"avg_track_popularity"`
	TopTracks          []TrackSummary `json:"top_tracks"`
}

// AnalyzeArtist combines an artist profile with their top tracks.
func (s *Service) AnalyzeArtist(ctx context.Context, c Call, id string) (*ArtistAnalysis, error) {
	var artist, top json.RawMessage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		artist, err = s.Artist(gctx, c, id)
		return err
	})
	g.Go(func() (err error) {
		top, err = s.ArtistTopTracks(gctx, c, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	a := gjson.ParseBytes(artist)
	out := &ArtistAnalysis{
		Name:       a.Get("name").String(),
		Followers:  a.Get("followers.total").Int(),
		Genres:     strs(a.Get("genres")),
		Popularity: a.Get("popularity").Int(),
		TopTracks:  []TrackSummary{},
	}

	tracks := gjson.GetBytes(top, "tracks").Array()
	var sum int64
	for i, t := range tracks {
		sum += t.Get("popularity").Int()
		if i < topTracksInAnalysis {
			out.TopTracks = append(out.TopTracks, TrackSummary{
				Name:        t.Get("name").String(),
				Popularity:  t.Get("popularity").Int(),
				PreviewURL:  t.Get("preview_url").String(),
				ExternalURL: t.Get("external_urls.spotify").String(),
			})
		}
	}
	if len(tracks) > 0 {
		out.AvgTrackPopularity = float64(sum) / float64(len(tracks))
	}
	return out, nil
}

// AlbumTrack is one entry of an album's track list.
type AlbumTrack struct {
	Number     int64  `json:"track_number"`
	Name       string `json:"name"`
	DurationMs int64  `json:"duration_ms"`
	PreviewURL string `json:"preview_url"`
}

// AlbumAnalysis is album metadata with every track drained.
type AlbumAnalysis struct {
	Name        string       `json:"name"`
	ReleaseDate string       `json:"release_date"`
	TotalTracks int64        `json:"total_tracks"`
	Popularity  int64        `json:"popularity"`
	Label       string       `json:"label"`
	Tracks      []AlbumTrack `json:"tracks"`
}

// AnalyzeAlbum combines album metadata with its full track list.
func (s *Service) AnalyzeAlbum(ctx context.Context, c Call, id string) (*AlbumAnalysis, error) {
	var album json.RawMessage
	var tracks []json.RawMessage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		album, err = s.Album(gctx, c, id)
		return err
	})
	g.Go(func() (err error) {
		tracks, err = s.AllAlbumTracks(gctx, c, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	a := gjson.ParseBytes(album)
	out := &AlbumAnalysis{
		Name:        a.Get("name").String(),
		ReleaseDate: a.Get("release_date").String(),
		TotalTracks: a.Get("total_tracks").Int(),
		Popularity:  a.Get("popularity").Int(),
		Label:       a.Get("label").String(),
		Tracks:      make([]AlbumTrack, 0, len(tracks)),
	}
	for _, raw := range tracks {
		t := gjson.ParseBytes(raw)
		out.Tracks = append(out.Tracks, AlbumTrack{
			Number:     t.Get("track_number").Int(),
			Name:       t.Get("name").String(),
			DurationMs: t.Get("duration_ms").Int(),
			PreviewURL: t.Get("preview_url").String(),
		})
	}
	return out, nil
}

// SearchTrack is a track hit from SearchAndAnalyze.
type SearchTrack struct {
	Name       string `json:"name"`
	Artist     string `json:"artist"`
	Popularity int64  `json:"popularity"`
	PreviewURL string `json:"preview_url"`
}

// SearchArtist is an artist hit from SearchAndAnalyze.
type SearchArtist struct {
	Name       string   `json:"name"`
	Followers  int64    `json:"followers"`
	Genres     []string `json:"genres"`
	Popularity int64    `json:"popularity"`
}

// SearchAlbum is an album hit from SearchAndAnalyze.
type SearchAlbum struct {
	Name        string `json:"name"`
	Artist      string `json:"artist"`
	ReleaseDate string `json:"release_date"`
	TotalTracks int64  `json:"total_tracks"`
}

// PopularityStats summarises track popularity; all zero when there are no tracks.
type PopularityStats struct {
	Avg float64 `json:"avg"`
	Max int64   `json:"max"`
	Min int64   `json:"min"`
}

// SearchStatistics aggregates over every returned item.
type SearchStatistics struct {
	Popularity PopularityStats `json:"popularity"`
	Genres     []string        `json:"genres"`
	Years      []string        `json:"years"`
}

// SearchAnalysis is the response of SearchAndAnalyze.
type SearchAnalysis struct {
	Tracks     []SearchTrack    `json:"tracks"`
	Artists    []SearchArtist   `json:"artists"`
	Albums     []SearchAlbum    `json:"albums"`
	Statistics SearchStatistics `json:"statistics"`
}

const (
	analysisSearchLimit = 20
	analysisTracks      = 5
	analysisArtists     = 3
	analysisAlbums      = 3
)

// SearchAndAnalyze runs a combined track, artist and album search and
// summarises the results. Statistics cover every returned item, not just
// the listed ones.
func (s *Service) SearchAndAnalyze(ctx context.Context, c Call, q string) (*SearchAnalysis, error) {
	body, err := s.Search(ctx, c, q, "track,artist,album", Page{Limit: analysisSearchLimit})
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(body)

	out := &SearchAnalysis{
		Tracks:  []SearchTrack{},
		Artists: []SearchArtist{},
		Albums:  []SearchAlbum{},
	}
	genres := map[string]struct{}{}
	years := map[string]struct{}{}

	tracks := res.Get("tracks.items").Array()
	var sum int64
	for i, t := range tracks {
		pop := t.Get("popularity").Int()
		sum += pop
		if i == 0 || pop > out.Statistics.Popularity.Max {
			out.Statistics.Popularity.Max = pop
		}
		if i == 0 || pop < out.Statistics.Popularity.Min {
			out.Statistics.Popularity.Min = pop
		}
		if i < analysisTracks {
			out.Tracks = append(out.Tracks, SearchTrack{
				Name:       t.Get("name").String(),
				Artist:     t.Get("artists.0.name").String(),
				Popularity: pop,
				PreviewURL: t.Get("preview_url").String(),
			})
		}
	}
	if len(tracks) > 0 {
		out.Statistics.Popularity.Avg = float64(sum) / float64(len(tracks))
	}

	for i, a := range res.Get("artists.items").Array() {
		g := strs(a.Get("genres"))
		for _, genre := range g {
			genres[genre] = struct{}{}
		}
		if i < analysisArtists {
			out.Artists = append(out.Artists, SearchArtist{
				Name:       a.Get("name").String(),
				Followers:  a.Get("followers.total").Int(),
				Genres:     g,
				Popularity: a.Get("popularity").Int(),
			})
		}
	}

	for i, a := range res.Get("albums.items").Array() {
		date := a.Get("release_date").String()
		if y, _, _ := strings.Cut(date, "-"); y != "" {
			years[y] = struct{}{}
		}
		if i < analysisAlbums {
			out.Albums = append(out.Albums, SearchAlbum{
				Name:        a.Get("name").String(),
				Artist:      a.Get("artists.0.name").String(),
				ReleaseDate: date,
				TotalTracks: a.Get("total_tracks").Int(),
			})
		}
	}

	out.Statistics.Genres = sortedKeys(genres)
	out.Statistics.Years = sortedKeys(years)
	return out, nil
}

func strs(r gjson.Result) []string {
	out := []string{}
	for _, v := range r.Array() {
		out = append(out, v.String())
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

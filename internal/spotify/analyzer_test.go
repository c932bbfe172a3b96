package spotify

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/spotproxy/internal/errors"
)

func TestAnalyzeArtist(t *testing.T) {
	f := newFakeDoer()
	f.bodies["/artists/a1"] = `{"name":"Jay Chou","followers":{"total":1000},"genres":["mandopop"],"popularity":80}`

	var tracks []string
	for i := 0; i < 12; i++ {
		tracks = append(tracks, fmt.Sprintf(`{"name":"t%d","popularity":%d,"preview_url":"p%d","external_urls":{"spotify":"u%d"}}`, i, 50+i, i, i))
	}
	f.bodies["/artists/a1/top-tracks"] = `{"tracks":[` + strings.Join(tracks, ",") + `]}`
	s := newService(f)

	out, err := s.AnalyzeArtist(context.Background(), Call{}, "a1")
	require.NoError(t, err)

	assert.Equal(t, "Jay Chou", out.Name)
	assert.Equal(t, int64(1000), out.Followers)
	assert.Equal(t, []string{"mandopop"}, out.Genres)
	assert.Equal(t, int64(80), out.Popularity)
	// (50+...+61)/12
	assert.InDelta(t, 55.5, out.AvgTrackPopularity, 0.0001)
	require.Len(t, out.TopTracks, 10)
	assert.Equal(t, TrackSummary{Name: "t0", Popularity: 50, PreviewURL: "p0", ExternalURL: "u0"}, out.TopTracks[0])
}

func TestAnalyzeArtist_NoTracks(t *testing.T) {
	f := newFakeDoer()
	f.bodies["/artists/a1"] = `{"name":"x"}`
	f.bodies["/artists/a1/top-tracks"] = `{"tracks":[]}`

	out, err := newService(f).AnalyzeArtist(context.Background(), Call{}, "a1")
	require.NoError(t, err)
	assert.Zero(t, out.AvgTrackPopularity)
	assert.Empty(t, out.TopTracks)
	assert.NotNil(t, out.Genres)
}

func TestAnalyzeArtist_PropagatesNotFound(t *testing.T) {
	f := newFakeDoer()
	f.errs["/artists/a1"] = perrors.NewAPIError(perrors.KindNotFound, "spotify", 404, "not found")

	_, err := newService(f).AnalyzeArtist(context.Background(), Call{}, "a1")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestAnalyzeAlbum(t *testing.T) {
	f := newFakeDoer()
	f.bodies["/albums/b1"] = `{"name":"Fantasy","release_date":"2001-09-14","total_tracks":2,"label":"Alfa"}`
	f.lists["/albums/b1/tracks"] = []string{
		`{"track_number":1,"name":"Love Before BC","duration_ms":229000,"preview_url":null}`,
		`{"track_number":2,"name":"Fight","duration_ms":270000,"preview_url":"p"}`,
	}

	out, err := newService(f).AnalyzeAlbum(context.Background(), Call{}, "b1")
	require.NoError(t, err)
	assert.Equal(t, "Fantasy", out.Name)
	assert.Equal(t, int64(2), out.TotalTracks)
	assert.Equal(t, int64(0), out.Popularity)
	assert.Equal(t, "Alfa", out.Label)
	require.Len(t, out.Tracks, 2)
	assert.Equal(t, AlbumTrack{Number: 1, Name: "Love Before BC", DurationMs: 229000}, out.Tracks[0])
	assert.Equal(t, "p", out.Tracks[1].PreviewURL)
}

func TestSearchAndAnalyze(t *testing.T) {
	f := newFakeDoer()
	f.bodies["/search"] = `{
		"tracks":{"items":[
			{"name":"a","artists":[{"name":"Jay"}],"popularity":70},
			{"name":"b","artists":[{"name":"Jay"}],"popularity":90},
			{"name":"c","artists":[],"popularity":20},
			{"name":"d","popularity":40},
			{"name":"e","popularity":60},
			{"name":"f","popularity":80}
		]},
		"artists":{"items":[
			{"name":"Jay","followers":{"total":5},"genres":["mandopop","c-pop"],"popularity":80},
			{"name":"JJ","genres":["mandopop"]},
			{"name":"G.E.M.","genres":["cantopop"]},
			{"name":"Eason","genres":["k-ballad"]}
		]},
		"albums":{"items":[
			{"name":"Jay","artists":[{"name":"Jay"}],"release_date":"2000-11-07","total_tracks":10},
			{"name":"Fantasy","release_date":"2001-09-14"},
			{"name":"Ye Hui Mei","release_date":"2003"},
			{"name":"Common Jasmin Orange","release_date":"2004-08-03"}
		]}
	}`

	out, err := newService(f).SearchAndAnalyze(context.Background(), Call{}, "jay")
	require.NoError(t, err)

	req := f.last()
	assert.Equal(t, "track,artist,album", req.Params.Get("type"))
	assert.Equal(t, "20", req.Params.Get("limit"))

	assert.Len(t, out.Tracks, 5)
	assert.Equal(t, "Jay", out.Tracks[0].Artist)
	assert.Equal(t, "", out.Tracks[2].Artist)
	assert.Len(t, out.Artists, 3)
	assert.Len(t, out.Albums, 3)
	assert.Equal(t, "Jay", out.Albums[0].Artist)

	assert.InDelta(t, 60.0, out.Statistics.Popularity.Avg, 0.0001)
	assert.Equal(t, int64(90), out.Statistics.Popularity.Max)
	assert.Equal(t, int64(20), out.Statistics.Popularity.Min)
	assert.Equal(t, []string{"c-pop", "cantopop", "k-ballad", "mandopop"}, out.Statistics.Genres)
	assert.Equal(t, []string{"2000", "2001", "2003", "2004"}, out.Statistics.Years)
}

func TestSearchAndAnalyze_Empty(t *testing.T) {
	f := newFakeDoer()
	f.bodies["/search"] = `{}`

	out, err := newService(f).SearchAndAnalyze(context.Background(), Call{}, "nothing")
	require.NoError(t, err)
	assert.Empty(t, out.Tracks)
	assert.Zero(t, out.Statistics.Popularity)
	assert.Empty(t, out.Statistics.Genres)
}

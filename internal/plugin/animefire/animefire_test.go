package animefire

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasmonteiro/anifetch/internal/models"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := New(map[string]interface{}{"base_url": server.URL})
	require.NoError(t, err)
	t.Cleanup(p.Cleanup)
	return p.(*Client)
}

const searchCardHTML = `<html><body>
<div class="card_ani">
  <div class="div_img"><img src="/img/frieren.jpg"></div>
  <div class="ani_name"><a href="/animes/frieren-todos-os-episodios">Frieren</a></div>
  <span class="ep_count">28 episodios</span>
</div>
<div class="card_ani">
  <div class="ani_name"><a href="https://mirror.example/animes/dandadan">Dandadan</a></div>
</div>
<div class="card_ani">
  <div class="ani_name"><a href="/animes/broken"></a></div>
</div>
</body></html>`

func TestSearchParsesCards(t *testing.T) {
	t.Parallel()

	var gotPath string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, searchCardHTML)
	}))

	results, err := client.Search(context.Background(), "Frieren")
	require.NoError(t, err)
	assert.Equal(t, "/pesquisar/frieren", gotPath)

	require.Len(t, results, 2, "the anchor without a title is dropped")
	assert.Equal(t, "Frieren", results[0].Title)
	assert.Equal(t, client.baseURL+"/animes/frieren-todos-os-episodios", results[0].URL)
	assert.Equal(t, client.baseURL+"/img/frieren.jpg", results[0].ThumbnailURL)
	assert.Equal(t, 28, results[0].EpisodeCount)
	assert.Equal(t, SourceName, results[0].Source)

	assert.Equal(t, "https://mirror.example/animes/dandadan", results[1].URL, "absolute hrefs pass through")
}

func TestSearchFallsBackToFlatAnchorLayout(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div class="row ml-1 mr-1">
<a href="/animes/one-piece">One Piece</a>
<a href="/animes/bleach">Bleach</a>
</div></body></html>`)
	}))

	results, err := client.Search(context.Background(), "one piece")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "One Piece", results[0].Title)
	assert.Equal(t, client.baseURL+"/animes/bleach", results[1].URL)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server must not be hit for an empty query")
	}))

	_, err := client.Search(context.Background(), "   ")
	var searchErr *models.SearchError
	require.ErrorAs(t, err, &searchErr)
}

func TestEpisodesParsesAndSortsAscending(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// newest first, like the live site
		fmt.Fprint(w, `<html><body><div class="div_video_list">
<a href="/animes/frieren/3">Episodio 3</a>
<a href="/animes/frieren/2">Episodio 2</a>
<a href="/animes/frieren/1">Episodio 1</a>
</div></body></html>`)
	}))

	episodes, err := client.Episodes(context.Background(), client.baseURL+"/animes/frieren-todos-os-episodios")
	require.NoError(t, err)
	require.Len(t, episodes, 3)

	for i, ep := range episodes {
		assert.Equal(t, i+1, ep.Number)
		assert.Equal(t, SourceName, ep.Source)
	}
	assert.Equal(t, client.baseURL+"/animes/frieren/1", episodes[0].URL)
}

func TestEpisodesErrorsWhenNoneFound(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>pagina vazia</p></body></html>`)
	}))

	_, err := client.Episodes(context.Background(), client.baseURL+"/animes/frieren")
	var pluginErr *models.PluginError
	require.ErrorAs(t, err, &pluginErr)
}

func TestResolveStreamPicksRequestedQuality(t *testing.T) {
	t.Parallel()

	var gotPath, gotReferer string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotReferer = r.Header.Get("Referer")
		fmt.Fprint(w, `{"data":[
			{"src":"https://cdn.example/f/ep1-480.mp4","label":"480p"},
			{"src":"https://cdn.example/f/ep1-720.mp4","label":"720p"},
			{"src":"https://cdn.example/f/ep1-1080.mp4","label":"1080p"}
		]}`)
	}))

	streamURL, headers, err := client.ResolveStream(context.Background(),
		client.baseURL+"/animes/frieren/1", models.QualityMedium)
	require.NoError(t, err)

	assert.Equal(t, "/video/frieren/1", gotPath, "player endpoint mirrors the episode path")
	assert.Equal(t, client.baseURL, gotReferer)
	assert.Equal(t, "https://cdn.example/f/ep1-720.mp4", streamURL)
	assert.Equal(t, client.baseURL, headers["Referer"])
}

func TestResolveStreamFallsBackToClosestQuality(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[
			{"src":"https://cdn.example/f/ep1-480.mp4","label":"480p"},
			{"src":"https://cdn.example/f/ep1-720.mp4","label":"720p"},
			{"src":"https://cdn.example/f/weird.mp4","label":"auto"}
		]}`)
	}))

	streamURL, _, err := client.ResolveStream(context.Background(),
		client.baseURL+"/animes/frieren/1", models.QualityHigh)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/f/ep1-720.mp4", streamURL,
		"highest rung not exceeding the request")
}

func TestResolveStreamErrorsWithoutUsableSources(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	}))

	_, _, err := client.ResolveStream(context.Background(),
		client.baseURL+"/animes/frieren/1", models.QualityHigh)
	var pluginErr *models.PluginError
	require.ErrorAs(t, err, &pluginErr)
}

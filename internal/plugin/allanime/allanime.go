// Package allanime implements the AllAnime driver. Everything goes
// through the site's GraphQL-over-GET API: search, episode lists, and a
// server walk whose source URLs arrive obfuscated and must be decoded
// before the per-server link endpoint can be queried.
package allanime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lucasmonteiro/anifetch/internal/models"
	"github.com/lucasmonteiro/anifetch/internal/plugin"
	"github.com/lucasmonteiro/anifetch/internal/request"
	"github.com/lucasmonteiro/anifetch/internal/util"
)

const (
	SourceName = "AllAnime"

	defaultAPI     = "https://api.allanime.day"
	defaultReferer = "https://allmanga.to"
	defaultHost    = "allanime.day"

	searchPageSize  = 26
	defaultMaxPages = 3
)

// providerPriority ranks CDN hosts; earlier entries are preferred when
// several servers offer the same quality.
var providerPriority = []string{
	"sharepoint.com",
	"wixmp.com",
	"dropbox.com",
	"wetransfer.com",
}

// Client is the AllAnime plugin.
type Client struct {
	http     *request.Client
	apiBase  string
	referer  string
	host     string
	mode     string
	maxPages int
	limit    int
}

// New builds the plugin. Recognized config keys: "api_base", "referer",
// "translation" ("sub"/"dub"), "search_limit", "max_search_pages",
// "rate_limit_seconds".
func New(cfg map[string]interface{}) (plugin.Plugin, error) {
	c := &Client{
		apiBase:  defaultAPI,
		referer:  defaultReferer,
		host:     defaultHost,
		mode:     "sub",
		maxPages: defaultMaxPages,
		limit:    60,
	}
	rateGap := time.Duration(0)
	if v, ok := cfg["api_base"].(string); ok && v != "" {
		c.apiBase = strings.TrimSuffix(v, "/")
	}
	if v, ok := cfg["referer"].(string); ok && v != "" {
		c.referer = v
	}
	if v, ok := cfg["translation"].(string); ok && (v == "sub" || v == "dub") {
		c.mode = v
	}
	if v, ok := cfg["search_limit"].(float64); ok && v > 0 {
		c.limit = int(v)
	}
	if v, ok := cfg["max_search_pages"].(float64); ok && v > 0 {
		c.maxPages = int(v)
	}
	if v, ok := cfg["rate_limit_seconds"].(float64); ok && v > 0 {
		rateGap = time.Duration(v * float64(time.Second))
	}
	c.http = request.New(30*time.Second, rateGap, 3)
	return c, nil
}

func (c *Client) Metadata() models.PluginMetadata {
	return models.PluginMetadata{
		Name:             SourceName,
		Version:          "2.0.0",
		Author:           "anifetch",
		Description:      "AllAnime GraphQL API",
		Website:          "https://" + defaultHost,
		SupportedQuality: []models.Quality{models.QualityHigh, models.QualityMedium, models.QualityLow},
		RateLimitSeconds: 0.25,
	}
}

func (c *Client) opts() *request.Options {
	return &request.Options{Referer: c.referer}
}

func (c *Client) gqlURL(query, variables string) string {
	v := url.Values{}
	v.Set("query", query)
	v.Set("variables", variables)
	return c.apiBase + "/api?" + v.Encode()
}

type searchResponse struct {
	Data struct {
		Shows struct {
			Edges []struct {
				ID           string  `json:"_id"`
				Name         string  `json:"name"`
				EnglishName  string  `json:"englishName"`
				Description  string  `json:"description"`
				ThumbnailURL string  `json:"thumbnail"`
				Score        float64 `json:"score"`
				Season       struct {
					Year int `json:"year"`
				} `json:"season"`
				AvailableEpisodes struct {
					Sub int `json:"sub"`
					Dub int `json:"dub"`
				} `json:"availableEpisodes"`
			} `json:"edges"`
		} `json:"shows"`
	} `json:"data"`
}

const searchGQL = `query( $search: SearchInput $limit: Int $page: Int $translationType: VaildTranslationTypeEnumType $countryOrigin: VaildCountryOriginEnumType ) { shows( search: $search limit: $limit page: $page translationType: $translationType countryOrigin: $countryOrigin ) { edges { _id name englishName description thumbnail score season availableEpisodes __typename } }}`

func (c *Client) Search(ctx context.Context, query string) ([]*models.AnimeResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, models.NewSearchError("empty search query")
	}

	var results []*models.AnimeResult
	for page := 1; page <= c.maxPages; page++ {
		variables := fmt.Sprintf(
			`{"search":{"allowAdult":false,"allowUnknown":false,"query":%s},"limit":%d,"page":%d,"translationType":"%s","countryOrigin":"ALL"}`,
			jsonString(query), searchPageSize, page, c.mode)

		var sr searchResponse
		if err := c.http.JSON(ctx, c.gqlURL(searchGQL, variables), c.opts(), &sr); err != nil {
			if page == 1 {
				return nil, err
			}
			break
		}

		edges := sr.Data.Shows.Edges
		for _, edge := range edges {
			title := edge.Name
			if edge.EnglishName != "" {
				title = edge.EnglishName
			}
			count := edge.AvailableEpisodes.Sub
			if c.mode == "dub" {
				count = edge.AvailableEpisodes.Dub
			}
			result := &models.AnimeResult{
				Title:        title,
				URL:          fmt.Sprintf("https://%s/anime/%s", c.host, edge.ID),
				Source:       SourceName,
				EpisodeCount: count,
				Description:  edge.Description,
				ThumbnailURL: edge.ThumbnailURL,
				Year:         edge.Season.Year,
				Rating:       edge.Score,
			}
			if err := result.Validate(); err != nil {
				util.Debugf("allanime: dropping invalid result: %v", err)
				continue
			}
			results = append(results, result)
		}
		if len(results) >= c.limit {
			results = results[:c.limit]
			break
		}
		if len(edges) < searchPageSize {
			break
		}
	}
	return results, nil
}

type episodesResponse struct {
	Data struct {
		Show struct {
			ID                      string                 `json:"_id"`
			AvailableEpisodesDetail map[string]interface{} `json:"availableEpisodesDetail"`
		} `json:"show"`
	} `json:"data"`
}

const episodesGQL = `query ($showId: String!) { show( _id: $showId ) { _id availableEpisodesDetail }}`

// showID pulls the AllAnime show id back out of the canonical anime URL.
func (c *Client) showID(animeURL string) (string, error) {
	idx := strings.LastIndex(animeURL, "/anime/")
	if idx < 0 {
		return "", models.NewPluginError(SourceName, "unrecognized anime URL: "+animeURL)
	}
	id := strings.Trim(animeURL[idx+len("/anime/"):], "/")
	if id == "" {
		return "", models.NewPluginError(SourceName, "unrecognized anime URL: "+animeURL)
	}
	return id, nil
}

func (c *Client) Episodes(ctx context.Context, animeURL string) ([]models.Episode, error) {
	showID, err := c.showID(animeURL)
	if err != nil {
		return nil, err
	}

	variables := fmt.Sprintf(`{"showId":%s}`, jsonString(showID))
	var er episodesResponse
	if err := c.http.JSON(ctx, c.gqlURL(episodesGQL, variables), c.opts(), &er); err != nil {
		return nil, err
	}

	detail := er.Data.Show.AvailableEpisodesDetail
	listRaw, ok := detail[c.mode].([]interface{})
	if !ok || len(listRaw) == 0 {
		return nil, models.NewPluginError(SourceName, "no episodes for "+animeURL)
	}

	qualities := []models.Quality{models.QualityHigh, models.QualityMedium, models.QualityLow}
	var episodes []models.Episode
	for _, raw := range listRaw {
		epStr, ok := raw.(string)
		if !ok {
			continue
		}
		num, err := strconv.Atoi(epStr)
		if err != nil || num < 1 {
			// fractional and special episodes are skipped
			continue
		}
		epURL := fmt.Sprintf("https://%s/anime/%s/episodes/%s/%d", c.host, showID, c.mode, num)
		episodes = append(episodes, models.NewEpisode(num, "", epURL, SourceName, qualities))
	}
	sort.Slice(episodes, func(i, j int) bool { return episodes[i].Number < episodes[j].Number })

	if len(episodes) == 0 {
		return nil, models.NewPluginError(SourceName, "no numbered episodes for "+animeURL)
	}
	return episodes, nil
}

type episodeEmbedResponse struct {
	Data struct {
		Episode struct {
			EpisodeString string `json:"episodeString"`
			SourceUrls    []struct {
				SourceName string `json:"sourceName"`
				SourceUrl  string `json:"sourceUrl"`
			} `json:"sourceUrls"`
		} `json:"episode"`
	} `json:"data"`
}

const embedGQL = `query ($showId: String!, $translationType: VaildTranslationTypeEnumType!, $episodeString: String!) { episode( showId: $showId translationType: $translationType episodeString: $episodeString ) { episodeString sourceUrls }}`

var episodePathRe = regexp.MustCompile(`/anime/([^/]+)/episodes/(?:sub|dub)/(\d+)`)

func (c *Client) ResolveStream(ctx context.Context, episodeURL string, quality models.Quality) (string, map[string]string, error) {
	m := episodePathRe.FindStringSubmatch(episodeURL)
	if len(m) != 3 {
		return "", nil, models.NewPluginError(SourceName, "unrecognized episode URL: "+episodeURL)
	}
	showID, episodeNo := m[1], m[2]

	variables := fmt.Sprintf(`{"showId":%s,"translationType":"%s","episodeString":%s}`,
		jsonString(showID), c.mode, jsonString(episodeNo))

	var embed episodeEmbedResponse
	if err := c.http.JSON(ctx, c.gqlURL(embedGQL, variables), c.opts(), &embed); err != nil {
		return "", nil, err
	}

	sourceURLs := make([]string, 0, len(embed.Data.Episode.SourceUrls))
	for _, src := range embed.Data.Episode.SourceUrls {
		raw := src.SourceUrl
		if strings.HasPrefix(raw, "--") {
			raw = decodeSourceURL(strings.TrimPrefix(raw, "--"), c.host)
		}
		if raw != "" {
			sourceURLs = append(sourceURLs, raw)
		}
	}
	if len(sourceURLs) == 0 {
		return "", nil, models.NewPluginError(SourceName, "no sources found for episode "+episodeNo)
	}

	headers := map[string]string{
		"Referer": c.referer,
	}

	// Walk the servers in priority order and return the first link that
	// satisfies the quality policy.
	var bestURL string
	var bestScore int
	for _, sourceURL := range sourceURLs {
		links, err := c.fetchLinks(ctx, sourceURL)
		if err != nil {
			util.Debugf("allanime: server %s failed: %v", sourceURL, err)
			continue
		}
		candidate, ok := selectByQuality(links, quality)
		if !ok {
			continue
		}
		score := priorityScore(candidate)
		if bestURL == "" || score > bestScore {
			bestURL = candidate
			bestScore = score
		}
		if score == len(providerPriority) {
			break
		}
	}
	if bestURL == "" {
		return "", nil, models.NewPluginError(SourceName, "no stream found for episode "+episodeNo)
	}
	return util.CleanStreamURL(bestURL), headers, nil
}

// linkEntry is one entry in a server's link list.
type linkEntry struct {
	Link          string `json:"link"`
	ResolutionStr string `json:"resolutionStr"`
	HLS           bool   `json:"hls"`
}

func (c *Client) fetchLinks(ctx context.Context, sourceURL string) ([]linkEntry, error) {
	body, err := c.http.Text(ctx, sourceURL, c.opts())
	if err != nil {
		return nil, err
	}
	var payload struct {
		Links []linkEntry `json:"links"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, errors.Wrap(err, "allanime: parse link list")
	}
	return payload.Links, nil
}

// selectByQuality applies the rung-fallback policy across a server's
// links. HLS links have no fixed rung and act as a catch-all.
func selectByQuality(links []linkEntry, requested models.Quality) (string, bool) {
	byRung := make(map[models.Quality]string)
	var rungs []models.Quality
	var hlsLink string
	for _, l := range links {
		if l.HLS {
			if hlsLink == "" {
				hlsLink = l.Link
			}
			continue
		}
		q, err := models.ParseQuality(l.ResolutionStr)
		if err != nil {
			continue
		}
		if _, seen := byRung[q]; !seen {
			byRung[q] = l.Link
			rungs = append(rungs, q)
		}
	}
	if chosen, ok := models.ClosestQuality(requested, rungs); ok {
		return byRung[chosen], true
	}
	if hlsLink != "" {
		return hlsLink, true
	}
	return "", false
}

func priorityScore(link string) int {
	for i, domain := range providerPriority {
		if strings.Contains(link, domain) {
			return len(providerPriority) - i
		}
	}
	return 0
}

// decodeReplacements maps obfuscated hex pairs back to URL characters.
var decodeReplacements = map[string]string{
	"01": "9", "08": "0", "05": "=", "0a": "2", "0b": "3", "0c": "4", "07": "?",
	"00": "8", "5c": "d", "0f": "7", "5e": "f", "17": "/", "54": "l", "09": "1",
	"48": "p", "4f": "w", "0e": "6", "5b": "c", "5d": "e", "0d": "5", "53": "k",
	"1e": "&", "5a": "b", "59": "a", "4a": "r", "4c": "t", "4e": "v", "57": "o",
	"51": "i",
}

var hexPairRe = regexp.MustCompile("..")

// decodeSourceURL reverses the site's pairwise hex obfuscation and
// expands relative paths against the API host.
func decodeSourceURL(encoded, host string) string {
	parts := strings.SplitN(encoded, ":", 2)
	mainPart := parts[0]
	port := ""
	if len(parts) > 1 {
		port = ":" + parts[1]
	}

	pairs := hexPairRe.FindAllString(mainPart, -1)
	for i, pair := range pairs {
		if val, ok := decodeReplacements[pair]; ok {
			pairs[i] = val
		}
	}
	result := strings.Join(pairs, "") + port
	result = strings.ReplaceAll(result, "/clock", "/clock.json")

	if strings.HasPrefix(result, "/") {
		result = "https://" + host + result
	}
	return result
}

func (c *Client) ValidateConnection(ctx context.Context) bool {
	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.http.Text(probe, c.apiBase+"/api", c.opts())
	return err == nil
}

func (c *Client) Cleanup() {
	c.http.Close()
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

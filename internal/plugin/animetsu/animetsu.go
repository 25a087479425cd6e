// Package animetsu implements the animetsu driver. The site exposes a
// JSON API for search and episode lists, but its player URL is computed
// by in-page JavaScript, so stream resolution tries the API walk first
// and falls back to headless-browser capture.
package animetsu

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/lucasmonteiro/anifetch/internal/browser"
	"github.com/lucasmonteiro/anifetch/internal/models"
	"github.com/lucasmonteiro/anifetch/internal/plugin"
	"github.com/lucasmonteiro/anifetch/internal/request"
	"github.com/lucasmonteiro/anifetch/internal/util"
)

const (
	SourceName  = "Animetsu"
	defaultBase = "https://animetsu.to"
)

// equivalentHosts lists hostnames the site answers under; URLs from any
// of them are treated as the same site.
var equivalentHosts = []string{"animetsu.to", "animetsu.cc"}

// Client is the animetsu plugin.
type Client struct {
	http     *request.Client
	baseURL  string
	resolver *browser.Resolver
	limit    int
}

// New builds the plugin. Recognized config keys: "base_url",
// "search_limit", "rate_limit_seconds", and the browser block
// "browser_headless" (bool), "browser_timeout_seconds" (number),
// "browser_max_attempts" (number), "adblock_path" (string).
func New(cfg map[string]interface{}) (plugin.Plugin, error) {
	c := &Client{baseURL: defaultBase, limit: 40}
	rateGap := time.Duration(0)
	if v, ok := cfg["base_url"].(string); ok && v != "" {
		c.baseURL = strings.TrimSuffix(v, "/")
	}
	if v, ok := cfg["search_limit"].(float64); ok && v > 0 {
		c.limit = int(v)
	}
	if v, ok := cfg["rate_limit_seconds"].(float64); ok && v > 0 {
		rateGap = time.Duration(v * float64(time.Second))
	}

	bcfg := browser.DefaultConfig()
	if v, ok := cfg["browser_headless"].(bool); ok {
		bcfg.Headless = v
	}
	if v, ok := cfg["browser_timeout_seconds"].(float64); ok && v > 0 {
		bcfg.Timeout = time.Duration(v * float64(time.Second))
	}
	if v, ok := cfg["browser_max_attempts"].(float64); ok && v > 0 {
		bcfg.MaxAttempts = int(v)
	}
	if v, ok := cfg["adblock_path"].(string); ok {
		bcfg.AdblockPath = v
	}

	c.http = request.New(30*time.Second, rateGap, 3)
	c.http.SetBaseURL(c.baseURL)
	c.resolver = browser.NewResolver(bcfg)
	return c, nil
}

func (c *Client) Metadata() models.PluginMetadata {
	return models.PluginMetadata{
		Name:             SourceName,
		Version:          "1.1.0",
		Author:           "anifetch",
		Description:      "animetsu JSON API with headless-browser fallback",
		Website:          defaultBase,
		SupportedQuality: []models.Quality{models.QualityHigh, models.QualityMedium, models.QualityLow},
		RateLimitSeconds: 0.5,
	}
}

// normalizeHost rewrites any equivalent host to the configured base so
// the rest of the plugin only ever sees one hostname.
func (c *Client) normalizeHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	for _, host := range equivalentHosts {
		if strings.EqualFold(u.Host, host) {
			base, err := url.Parse(c.baseURL)
			if err != nil {
				return rawURL
			}
			u.Scheme = base.Scheme
			u.Host = base.Host
			return u.String()
		}
	}
	return rawURL
}

func (c *Client) recognized(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, base.Host) {
		return true
	}
	for _, host := range equivalentHosts {
		if strings.EqualFold(u.Host, host) {
			return true
		}
	}
	return false
}

type searchResponse struct {
	Results []struct {
		ID          string   `json:"id"`
		Title       string   `json:"title"`
		Episodes    int      `json:"episodes"`
		Description string   `json:"description"`
		Poster      string   `json:"poster"`
		Year        int      `json:"year"`
		Genres      []string `json:"genres"`
		Rating      float64  `json:"rating"`
		Status      string   `json:"status"`
	} `json:"results"`
}

func (c *Client) Search(ctx context.Context, query string) ([]*models.AnimeResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, models.NewSearchError("empty search query")
	}

	searchURL := fmt.Sprintf("%s/api/search?q=%s&limit=%d", c.baseURL, url.QueryEscape(query), c.limit)
	var sr searchResponse
	if err := c.http.JSON(ctx, searchURL, nil, &sr); err != nil {
		return nil, err
	}

	results := make([]*models.AnimeResult, 0, len(sr.Results))
	for _, hit := range sr.Results {
		result := &models.AnimeResult{
			Title:        hit.Title,
			URL:          fmt.Sprintf("%s/anime/%s", c.baseURL, hit.ID),
			Source:       SourceName,
			EpisodeCount: hit.Episodes,
			Description:  hit.Description,
			ThumbnailURL: hit.Poster,
			Year:         hit.Year,
			Genres:       hit.Genres,
			Rating:       hit.Rating,
			Status:       hit.Status,
		}
		if err := result.Validate(); err != nil {
			util.Debugf("animetsu: dropping invalid result: %v", err)
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

type episodesResponse struct {
	Episodes []struct {
		ID       string `json:"id"`
		Number   int    `json:"number"`
		Title    string `json:"title"`
		Filler   bool   `json:"filler"`
		Duration string `json:"duration"`
		AirDate  string `json:"airDate"`
	} `json:"episodes"`
}

func (c *Client) animeID(animeURL string) (string, error) {
	normalized := c.normalizeHost(animeURL)
	if !c.recognized(normalized) || !strings.Contains(normalized, "/anime/") {
		return "", models.NewPluginError(SourceName, "unrecognized anime URL: "+animeURL)
	}
	id := strings.Trim(normalized[strings.LastIndex(normalized, "/anime/")+len("/anime/"):], "/")
	if id == "" || strings.Contains(id, "/") {
		// episode URLs carry a second path element
		id = strings.SplitN(id, "/", 2)[0]
	}
	if id == "" {
		return "", models.NewPluginError(SourceName, "unrecognized anime URL: "+animeURL)
	}
	return id, nil
}

func (c *Client) Episodes(ctx context.Context, animeURL string) ([]models.Episode, error) {
	id, err := c.animeID(animeURL)
	if err != nil {
		return nil, err
	}

	var er episodesResponse
	if err := c.http.JSON(ctx, fmt.Sprintf("%s/api/anime/%s/episodes", c.baseURL, id), nil, &er); err != nil {
		return nil, err
	}
	if len(er.Episodes) == 0 {
		return nil, models.NewPluginError(SourceName, "no episodes for "+animeURL)
	}

	qualities := []models.Quality{models.QualityHigh, models.QualityMedium, models.QualityLow}
	episodes := make([]models.Episode, 0, len(er.Episodes))
	for _, raw := range er.Episodes {
		if raw.Number < 1 {
			continue
		}
		epURL := fmt.Sprintf("%s/anime/%s/watch/%s", c.baseURL, id, raw.ID)
		ep := models.NewEpisode(raw.Number, raw.Title, epURL, SourceName, qualities)
		ep.IsFiller = raw.Filler
		ep.AirDate = raw.AirDate
		if raw.Duration != "" {
			if canonical, err := models.CanonicalDuration(raw.Duration); err == nil {
				ep.Duration = canonical
			}
		}
		episodes = append(episodes, ep)
	}
	sort.Slice(episodes, func(i, j int) bool { return episodes[i].Number < episodes[j].Number })
	return episodes, nil
}

type serversResponse struct {
	Servers []struct {
		Name    string `json:"name"`
		Sources []struct {
			URL     string `json:"url"`
			Quality string `json:"quality"`
		} `json:"sources"`
	} `json:"servers"`
}

func (c *Client) ResolveStream(ctx context.Context, episodeURL string, quality models.Quality) (string, map[string]string, error) {
	normalized := c.normalizeHost(episodeURL)
	if !c.recognized(normalized) {
		return "", nil, models.NewPluginError(SourceName, "unrecognized episode URL: "+episodeURL)
	}

	idx := strings.LastIndex(normalized, "/watch/")
	if idx >= 0 {
		watchID := strings.Trim(normalized[idx+len("/watch/"):], "/")
		if streamURL, headers, err := c.resolveViaAPI(ctx, watchID, quality); err == nil {
			return streamURL, headers, nil
		} else {
			util.Debugf("animetsu: API walk failed, trying browser capture: %v", err)
		}
	}

	capture, err := c.resolver.Resolve(ctx, normalized)
	if err != nil {
		if err == browser.ErrDriverUnavailable {
			return "", nil, models.NewPluginError(SourceName, "no stream found (browser driver unavailable)")
		}
		return "", nil, err
	}
	return capture.URL, capture.Headers, nil
}

func (c *Client) resolveViaAPI(ctx context.Context, watchID string, quality models.Quality) (string, map[string]string, error) {
	var sr serversResponse
	if err := c.http.JSON(ctx, fmt.Sprintf("%s/api/episode/%s/servers", c.baseURL, url.PathEscape(watchID)), nil, &sr); err != nil {
		return "", nil, err
	}

	headers := map[string]string{
		"Referer": c.baseURL,
		"Origin":  c.baseURL,
	}
	for _, server := range sr.Servers {
		byRung := make(map[models.Quality]string)
		var rungs []models.Quality
		var hls string
		for _, src := range server.Sources {
			if util.IsHLSURL(src.URL) && hls == "" {
				hls = src.URL
			}
			q, err := models.ParseQuality(src.Quality)
			if err != nil {
				continue
			}
			if _, seen := byRung[q]; !seen {
				byRung[q] = src.URL
				rungs = append(rungs, q)
			}
		}
		if chosen, ok := models.ClosestQuality(quality, rungs); ok {
			return util.CleanStreamURL(byRung[chosen]), headers, nil
		}
		if hls != "" {
			return util.CleanStreamURL(hls), headers, nil
		}
	}
	return "", nil, models.NewPluginError(SourceName, "no sources found for episode "+watchID)
}

func (c *Client) ValidateConnection(ctx context.Context) bool {
	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.http.Text(probe, c.baseURL, nil)
	return err == nil
}

func (c *Client) Cleanup() {
	c.resolver.Cleanup()
	c.http.Close()
}

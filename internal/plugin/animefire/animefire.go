// Package animefire implements the animefire.plus driver: HTML search
// pages parsed with goquery, a two-step episode flow and a JSON video
// endpoint for stream resolution.
package animefire

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"

	"github.com/lucasmonteiro/anifetch/internal/models"
	"github.com/lucasmonteiro/anifetch/internal/plugin"
	"github.com/lucasmonteiro/anifetch/internal/request"
	"github.com/lucasmonteiro/anifetch/internal/util"
)

const (
	SourceName  = "AnimeFire"
	defaultBase = "https://animefire.plus"

	// pages with fewer hits than this are treated as the last page
	pageSizeThreshold = 10
	defaultMaxPages   = 5
	defaultLimit      = 50
)

// Client is the animefire plugin.
type Client struct {
	http     *request.Client
	baseURL  string
	maxPages int
	limit    int
}

// New builds the plugin. Recognized config keys: "base_url" (string),
// "max_search_pages" (number), "search_limit" (number),
// "rate_limit_seconds" (number).
func New(cfg map[string]interface{}) (plugin.Plugin, error) {
	c := &Client{
		baseURL:  defaultBase,
		maxPages: defaultMaxPages,
		limit:    defaultLimit,
	}
	rateGap := time.Duration(0)
	if v, ok := cfg["base_url"].(string); ok && v != "" {
		c.baseURL = strings.TrimSuffix(v, "/")
	}
	if v, ok := cfg["max_search_pages"].(float64); ok && v > 0 {
		c.maxPages = int(v)
	}
	if v, ok := cfg["search_limit"].(float64); ok && v > 0 {
		c.limit = int(v)
	}
	if v, ok := cfg["rate_limit_seconds"].(float64); ok && v > 0 {
		rateGap = time.Duration(v * float64(time.Second))
	}
	c.http = request.New(30*time.Second, rateGap, 3)
	c.http.SetBaseURL(c.baseURL)
	return c, nil
}

func (c *Client) Metadata() models.PluginMetadata {
	return models.PluginMetadata{
		Name:             SourceName,
		Version:          "1.2.0",
		Author:           "anifetch",
		Description:      "animefire.plus HTML catalog",
		Website:          defaultBase,
		SupportedQuality: []models.Quality{models.QualityHigh, models.QualityMedium, models.QualityLow},
		RateLimitSeconds: 0.5,
	}
}

func (c *Client) Search(ctx context.Context, query string) ([]*models.AnimeResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, models.NewSearchError("empty search query")
	}

	slug := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(query)), " ", "-")
	var results []*models.AnimeResult

	for page := 1; page <= c.maxPages; page++ {
		searchURL := fmt.Sprintf("%s/pesquisar/%s", c.baseURL, url.PathEscape(slug))
		if page > 1 {
			searchURL = fmt.Sprintf("%s/%d", searchURL, page)
		}

		pageResults, err := c.searchPage(ctx, searchURL)
		if err != nil {
			if page == 1 {
				return nil, err
			}
			util.Debugf("animefire page %d failed, stopping pagination: %v", page, err)
			break
		}

		results = append(results, pageResults...)
		if len(results) >= c.limit {
			results = results[:c.limit]
			break
		}
		if len(pageResults) < pageSizeThreshold {
			break
		}
	}
	return results, nil
}

func (c *Client) searchPage(ctx context.Context, searchURL string) ([]*models.AnimeResult, error) {
	resp, err := c.http.Stream(ctx, searchURL, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "animefire: parse search page")
	}

	var results []*models.AnimeResult
	doc.Find(".card_ani, article.card").Each(func(i int, s *goquery.Selection) {
		titleElem := s.Find(".ani_name a, h3 a").First()
		title := strings.TrimSpace(titleElem.Text())
		href, exists := titleElem.Attr("href")
		if !exists || title == "" {
			return
		}

		result := &models.AnimeResult{
			Title:  title,
			URL:    c.resolveURL(href),
			Source: SourceName,
		}
		if img, ok := s.Find(".div_img img, img.cover").First().Attr("src"); ok {
			result.ThumbnailURL = c.resolveURL(img)
		}
		if epText := strings.TrimSpace(s.Find(".ep_count").Text()); epText != "" {
			if n, ok := util.ExtractEpisodeNumber(epText); ok {
				result.EpisodeCount = n
			}
		}
		if err := result.Validate(); err != nil {
			util.Debugf("animefire: dropping invalid result %q: %v", title, err)
			return
		}
		results = append(results, result)
	})

	// older layout used a flat anchor list
	if len(results) == 0 {
		doc.Find(".row.ml-1.mr-1 a").Each(func(i int, s *goquery.Selection) {
			href, exists := s.Attr("href")
			name := strings.TrimSpace(s.Text())
			if !exists || name == "" {
				return
			}
			result := &models.AnimeResult{
				Title:  name,
				URL:    c.resolveURL(href),
				Source: SourceName,
			}
			if result.Validate() == nil {
				results = append(results, result)
			}
		})
	}
	return results, nil
}

func (c *Client) Episodes(ctx context.Context, animeURL string) ([]models.Episode, error) {
	if !strings.Contains(animeURL, "/animes/") && !strings.HasPrefix(animeURL, c.baseURL) {
		return nil, models.NewPluginError(SourceName, "unrecognized anime URL: "+animeURL)
	}

	resp, err := c.http.Stream(ctx, animeURL, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "animefire: parse anime page")
	}

	qualities := []models.Quality{models.QualityHigh, models.QualityMedium, models.QualityLow}
	var episodes []models.Episode
	doc.Find(".div_video_list a, a.lEp").Each(func(i int, s *goquery.Selection) {
		href, exists := s.Attr("href")
		if !exists {
			return
		}
		text := strings.TrimSpace(s.Text())
		num, ok := util.ExtractEpisodeNumber(text)
		if !ok {
			num = i + 1
		}
		ep := models.NewEpisode(num, text, c.resolveURL(href), SourceName, qualities)
		episodes = append(episodes, ep)
	})

	if len(episodes) == 0 {
		return nil, models.NewPluginError(SourceName, "no episodes found at "+animeURL)
	}

	// site lists newest first
	for i := 0; i < len(episodes); i++ {
		for j := i + 1; j < len(episodes); j++ {
			if episodes[j].Number < episodes[i].Number {
				episodes[i], episodes[j] = episodes[j], episodes[i]
			}
		}
	}
	return episodes, nil
}

// videoResponse is the JSON the site's video endpoint returns.
type videoResponse struct {
	Data []struct {
		Src   string `json:"src"`
		Label string `json:"label"`
	} `json:"data"`
}

func (c *Client) ResolveStream(ctx context.Context, episodeURL string, quality models.Quality) (string, map[string]string, error) {
	// the player endpoint mirrors the episode path under /video/
	videoURL := strings.Replace(episodeURL, "/animes/", "/video/", 1)

	var vr videoResponse
	if err := c.http.JSON(ctx, videoURL, &request.Options{Referer: c.baseURL}, &vr); err != nil {
		return "", nil, err
	}
	if len(vr.Data) == 0 {
		return "", nil, models.NewPluginError(SourceName, "no sources found for "+episodeURL)
	}

	available := make([]models.Quality, 0, len(vr.Data))
	bySrc := make(map[models.Quality]string, len(vr.Data))
	for _, entry := range vr.Data {
		q, err := models.ParseQuality(entry.Label)
		if err != nil {
			util.Debugf("animefire: skipping unknown quality label %q", entry.Label)
			continue
		}
		available = append(available, q)
		bySrc[q] = entry.Src
	}

	chosen, ok := models.ClosestQuality(quality, available)
	if !ok {
		return "", nil, models.NewPluginError(SourceName, "no usable quality for "+episodeURL)
	}

	headers := map[string]string{"Referer": c.baseURL}
	return util.CleanStreamURL(bySrc[chosen]), headers, nil
}

func (c *Client) ValidateConnection(ctx context.Context) bool {
	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.http.Text(probe, c.baseURL, nil)
	return err == nil
}

func (c *Client) Cleanup() {
	c.http.Close()
}

func (c *Client) resolveURL(ref string) string {
	if strings.HasPrefix(ref, "http") {
		return ref
	}
	if strings.HasPrefix(ref, "/") {
		return c.baseURL + ref
	}
	return c.baseURL + "/" + ref
}

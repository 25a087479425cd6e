package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/huh/spinner"
	"github.com/ktr0731/go-fuzzyfinder"

	"github.com/lucasmonteiro/anifetch/internal/config"
	"github.com/lucasmonteiro/anifetch/internal/downloader"
	"github.com/lucasmonteiro/anifetch/internal/models"
	"github.com/lucasmonteiro/anifetch/internal/plugin"
	"github.com/lucasmonteiro/anifetch/internal/plugin/allanime"
	"github.com/lucasmonteiro/anifetch/internal/plugin/animefire"
	"github.com/lucasmonteiro/anifetch/internal/plugin/animetsu"
	"github.com/lucasmonteiro/anifetch/internal/search"
	"github.com/lucasmonteiro/anifetch/internal/util"
)

const version = "0.1.0"

const exitInterrupted = 130

func usage() {
	fmt.Fprintf(os.Stderr, `anifetch %s - anime episode downloader

Usage:
  anifetch [flags]                       interactive search and download
  anifetch [flags] search <query>        print ranked search results
  anifetch [flags] episodes <anime-url>  list episodes of an anime
  anifetch [flags] download <query>      download episodes (see -episodes)

Flags:
`, version)
	flag.PrintDefaults()
}

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	debugFlag := flag.Bool("debug", false, "enable debug mode")
	sourceFlag := flag.String("source", "", "restrict to one source by name")
	qualityFlag := flag.String("quality", "1080p", "preferred quality (480p..2160p)")
	limitFlag := flag.Int("limit", 30, "maximum search results")
	sortFlag := flag.String("sort", "relevance", "result order: relevance, rating, year, episodes, title")
	outputFlag := flag.String("output", "", "output directory override")
	episodesFlag := flag.String("episodes", "", "episode number or range, e.g. 3 or 1-12")
	flag.Usage = usage
	flag.Parse()

	if *versionFlag {
		fmt.Printf("anifetch v%s\n", version)
		return
	}

	util.SetDebugMode(*debugFlag)
	util.InitLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(*sourceFlag, *qualityFlag, *limitFlag, *sortFlag, *outputFlag, *episodesFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, util.ErrorHandler(err))
		os.Exit(1)
	}
	defer app.registry.CleanupAll()

	err = app.dispatch(ctx, flag.Args())
	switch {
	case err == nil:
		return
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		fmt.Fprintln(os.Stderr, "interrupted")
		os.Exit(exitInterrupted)
	default:
		fmt.Fprintln(os.Stderr, util.ErrorHandler(err))
		os.Exit(1)
	}
}

type app struct {
	settings     config.Settings
	registry     *plugin.Registry
	orchestrator *search.Orchestrator

	source   string
	quality  models.Quality
	limit    int
	sort     search.SortPolicy
	episodes string
}

func newApp(source, quality string, limit int, sortPolicy, output, episodes string) (*app, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	settings, err := config.LoadSettings(dir)
	if err != nil {
		return nil, err
	}
	sources, err := config.LoadSources(dir)
	if err != nil {
		return nil, err
	}
	if output != "" {
		settings.OutputDir = output
	}

	q, err := models.ParseQuality(quality)
	if err != nil {
		return nil, err
	}

	registry := plugin.NewRegistry()
	registry.RegisterConstructor(allanime.SourceName, allanime.New)
	registry.RegisterConstructor(animefire.SourceName, animefire.New)
	registry.RegisterConstructor(animetsu.SourceName, animetsu.New)
	if err := registry.Load(sources); err != nil {
		return nil, err
	}

	return &app{
		settings:     settings,
		registry:     registry,
		orchestrator: search.NewOrchestrator(registry),
		source:       source,
		quality:      q,
		limit:        limit,
		sort:         search.SortPolicy(sortPolicy),
		episodes:     episodes,
	}, nil
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return a.interactive(ctx)
	}
	switch args[0] {
	case "search":
		if len(args) < 2 {
			return models.NewValidationError("search needs a query")
		}
		return a.printSearch(ctx, strings.Join(args[1:], " "))
	case "episodes":
		if len(args) < 2 {
			return models.NewValidationError("episodes needs an anime URL")
		}
		return a.printEpisodes(ctx, args[1])
	case "download":
		if len(args) < 2 {
			return models.NewValidationError("download needs a query")
		}
		return a.download(ctx, strings.Join(args[1:], " "))
	default:
		return models.NewValidationError("unknown command: " + args[0])
	}
}

func (a *app) searchOptions() search.Options {
	return search.Options{
		Source:        a.source,
		Limit:         a.limit,
		Sort:          a.sort,
		Timeout:       time.Duration(a.settings.SearchTimeout) * time.Second,
		MaxConcurrent: a.settings.MaxConcurrentPlugins,
	}
}

func (a *app) runSearch(ctx context.Context, query string) ([]*models.AnimeResult, error) {
	var results []*models.AnimeResult
	var searchErr error
	err := spinner.New().
		Title(fmt.Sprintf("Searching %q...", query)).
		Action(func() {
			results, searchErr = a.orchestrator.Search(ctx, query, a.searchOptions())
		}).
		Run()
	if err != nil {
		return nil, err
	}
	return results, searchErr
}

func (a *app) printSearch(ctx context.Context, query string) error {
	results, err := a.runSearch(ctx, query)
	if err != nil {
		return err
	}
	for i, r := range results {
		line := fmt.Sprintf("%2d. %s [%s]", i+1, r.Title, r.Source)
		if r.EpisodeCount > 0 {
			line += fmt.Sprintf("  %d eps", r.EpisodeCount)
		}
		if r.Rating > 0 {
			line += fmt.Sprintf("  %.1f", r.Rating)
		}
		fmt.Println(line)
		fmt.Println("    " + r.URL)
	}
	return nil
}

func (a *app) episodesFor(ctx context.Context, animeURL, sourceName string) ([]models.Episode, error) {
	p, ok := a.registry.Get(sourceName)
	if !ok {
		return nil, models.NewPluginError(sourceName, "source is not active")
	}
	return p.Episodes(ctx, animeURL)
}

func (a *app) printEpisodes(ctx context.Context, animeURL string) error {
	sourceName := a.source
	if sourceName == "" {
		return models.NewValidationError("episodes needs -source to pick the plugin")
	}
	eps, err := a.episodesFor(ctx, animeURL, sourceName)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		marker := " "
		if ep.IsFiller {
			marker = "F"
		}
		fmt.Printf("%s E%03d  %s  [%s]\n", marker, ep.Number, ep.Title, ep.BestQuality())
	}
	return nil
}

// parseEpisodeRange understands "7" and "2-14".
func parseEpisodeRange(spec string) (int, int, error) {
	if spec == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(spec, "-", 2)
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || start < 1 {
		return 0, 0, models.NewValidationError("bad episode range: " + spec)
	}
	end := start
	if len(parts) == 2 {
		end, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || end < start {
			return 0, 0, models.NewValidationError("bad episode range: " + spec)
		}
	}
	return start, end, nil
}

func filterEpisodes(eps []models.Episode, start, end int) []models.Episode {
	if start == 0 {
		return eps
	}
	var out []models.Episode
	for _, ep := range eps {
		if ep.Number >= start && ep.Number <= end {
			out = append(out, ep)
		}
	}
	return out
}

func (a *app) download(ctx context.Context, query string) error {
	results, err := a.runSearch(ctx, query)
	if err != nil {
		return err
	}
	anime, err := pickAnime(results)
	if err != nil {
		return err
	}

	eps, err := a.episodesFor(ctx, anime.URL, anime.Source)
	if err != nil {
		return err
	}

	start, end, err := parseEpisodeRange(a.episodes)
	if err != nil {
		return err
	}
	var selected []models.Episode
	if start > 0 {
		selected = filterEpisodes(eps, start, end)
		if len(selected) == 0 {
			return models.NewValidationError("no episodes match range " + a.episodes)
		}
	} else {
		selected, err = pickEpisodes(eps)
		if err != nil {
			return err
		}
	}

	return a.runDownloads(ctx, anime.Title, selected)
}

func (a *app) interactive(ctx context.Context) error {
	query, err := util.PromptQuery("Search anime")
	if err != nil {
		return err
	}

	results, err := a.runSearch(ctx, query)
	if err != nil {
		return err
	}
	anime, err := pickAnime(results)
	if err != nil {
		return err
	}
	util.Infof("selected %s from %s", anime.Title, anime.Source)

	eps, err := a.episodesFor(ctx, anime.URL, anime.Source)
	if err != nil {
		return err
	}
	selected, err := pickEpisodes(eps)
	if err != nil {
		return err
	}

	quality := a.quality
	err = huh.NewSelect[models.Quality]().
		Title("Quality").
		Options(huh.NewOptions(models.QualityLadder...)...).
		Value(&quality).
		Run()
	if err != nil {
		return err
	}
	a.quality = quality

	return a.runDownloads(ctx, anime.Title, selected)
}

func pickAnime(results []*models.AnimeResult) (*models.AnimeResult, error) {
	if len(results) == 0 {
		return nil, models.NewSearchError("no results")
	}
	idx, err := fuzzyfinder.Find(results,
		func(i int) string {
			return fmt.Sprintf("%s [%s]", results[i].Title, results[i].Source)
		},
		fuzzyfinder.WithPreviewWindow(func(i, _, _ int) string {
			if i < 0 {
				return ""
			}
			r := results[i]
			return fmt.Sprintf("%s\n\nEpisodes: %d\nYear: %d\nRating: %.1f\n\n%s",
				r.Title, r.EpisodeCount, r.Year, r.Rating, r.Description)
		}),
	)
	if err != nil {
		return nil, err
	}
	return results[idx], nil
}

func pickEpisodes(eps []models.Episode) ([]models.Episode, error) {
	if len(eps) == 0 {
		return nil, models.NewSearchError("no episodes")
	}
	indexes, err := fuzzyfinder.FindMulti(eps,
		func(i int) string {
			marker := ""
			if eps[i].IsFiller {
				marker = " (filler)"
			}
			return fmt.Sprintf("E%03d %s%s", eps[i].Number, eps[i].Title, marker)
		},
	)
	if err != nil {
		return nil, err
	}
	selected := make([]models.Episode, 0, len(indexes))
	for _, i := range indexes {
		selected = append(selected, eps[i])
	}
	return selected, nil
}

func (a *app) runDownloads(ctx context.Context, animeTitle string, eps []models.Episode) error {
	dlCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := newProgressUI(cancel)
	program := tea.NewProgram(model)

	agg := downloader.NewAggregator(256, func(states []downloader.ProgressState) {
		program.Send(statesMsg(states))
	})
	engine := downloader.NewEngine(a.registry, a.settings, agg)

	errCh := make(chan error, 1)
	go func() {
		snapshots, err := engine.DownloadBatch(dlCtx, animeTitle, eps, a.quality)
		agg.Stop()
		program.Send(doneMsg{err: err})
		for _, snap := range snapshots {
			if snap.Status == models.StatusCompleted {
				util.Infof("saved %s", snap.OutputPath)
			}
		}
		errCh <- err
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		<-errCh
		return err
	}
	return <-errCh
}

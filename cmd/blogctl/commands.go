package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/andseven/blog/internal/config"
	"github.com/andseven/blog/internal/importer"
	"github.com/andseven/blog/internal/logging"
	"github.com/andseven/blog/internal/media"
	"github.com/andseven/blog/internal/search"
	"github.com/andseven/blog/internal/store"
)

// env is what every command needs: config, a logger and an open database.
type env struct {
	cfg    config.Config
	logger zerolog.Logger
	db     *sql.DB
	store  *store.PostgresStore
}

func openEnv(c *cli.Context) (*env, error) {
	cfg, err := config.LoadFrom(c.String("config"))
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, "console")
	db, err := store.Open(c.Context, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &env{cfg: cfg, logger: logger, db: db, store: store.NewPostgresStore(db)}, nil
}

func (e *env) Close() {
	_ = e.db.Close()
}

// searchService returns nil when Meilisearch is not configured.
func (e *env) searchService() (*search.Service, func()) {
	if strings.TrimSpace(e.cfg.MeiliURL) == "" {
		return nil, func() {}
	}
	meiliClient := search.NewMeili(e.cfg.MeiliURL, e.cfg.MeiliMasterKey, logging.Component(e.logger, "meili"))
	pgfts := search.NewPgFTS(e.db)
	return search.NewService(meiliClient, pgfts, pgfts, logging.Component(e.logger, "search")), meiliClient.Close
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations",
		Action: func(c *cli.Context) error {
			e, err := openEnv(c)
			if err != nil {
				return err
			}
			defer e.Close()

			applied, err := store.ApplyMigrations(c.Context, e.db, e.cfg.MigrationsDir, e.logger)
			if err != nil {
				return err
			}
			fmt.Printf("%d migration(s) applied\n", len(applied))
			return nil
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Insert the articles of a markdown file, one per '### ' heading",
		ArgsUsage: "<file.md>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("import takes exactly one markdown file", 2)
			}
			return runImport(c, func(im *importer.Importer, f *os.File) (importer.Report, error) {
				return im.ImportMarkdown(c.Context, f)
			})
		},
	}
}

func seedCommand() *cli.Command {
	return &cli.Command{
		Name:      "seed",
		Usage:     "Insert the articles of a JSON array as they are",
		ArgsUsage: "<file.json>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("seed takes exactly one JSON file", 2)
			}
			return runImport(c, func(im *importer.Importer, f *os.File) (importer.Report, error) {
				return im.Seed(c.Context, f)
			})
		},
	}
}

func runImport(c *cli.Context, run func(*importer.Importer, *os.File) (importer.Report, error)) error {
	f, err := os.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

	e, err := openEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	opts := importer.Options{Logger: logging.Component(e.logger, "importer")}
	searchService, closeSearch := e.searchService()
	defer closeSearch()
	if searchService != nil {
		opts.OnInsert = searchService.IndexArticle
	}

	report, err := run(importer.New(e.store, opts), f)
	if err != nil {
		return err
	}
	fmt.Printf("parsed %d, inserted %d, skipped %d\n", report.Parsed, report.Inserted, report.Skipped)
	return nil
}

func reindexCommand() *cli.Command {
	return &cli.Command{
		Name:  "reindex",
		Usage: "Rebuild the Meilisearch article index from the database",
		Action: func(c *cli.Context) error {
			e, err := openEnv(c)
			if err != nil {
				return err
			}
			defer e.Close()

			searchService, closeSearch := e.searchService()
			defer closeSearch()
			if searchService == nil {
				return cli.Exit("meili_url is not configured", 1)
			}
			n, err := searchService.ReindexAllFromPG(c.Context)
			if err != nil {
				return err
			}
			fmt.Printf("%d article(s) sent to the index\n", n)
			return nil
		},
	}
}

func coverCommand() *cli.Command {
	return &cli.Command{
		Name:      "cover",
		Usage:     "Upload a cover image for an article",
		ArgsUsage: "<articleID> <image>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("cover takes an article id and an image file", 2)
			}
			articleID, path := c.Args().Get(0), c.Args().Get(1)

			e, err := openEnv(c)
			if err != nil {
				return err
			}
			defer e.Close()

			if strings.TrimSpace(e.cfg.MinioEndpoint) == "" {
				return cli.Exit("minio_endpoint is not configured", 1)
			}
			if _, err := e.store.GetArticle(c.Context, articleID); err != nil {
				return fmt.Errorf("article %s: %w", articleID, err)
			}

			covers, err := media.NewCovers(media.Config{
				Endpoint:  e.cfg.MinioEndpoint,
				AccessKey: e.cfg.MinioAccessKey,
				SecretKey: e.cfg.MinioSecretKey,
				Bucket:    e.cfg.MinioBucket,
				UseSSL:    e.cfg.MinioUseSSL,
			}, logging.Component(e.logger, "media"))
			if err != nil {
				return err
			}
			if err := covers.EnsureBucket(c.Context); err != nil {
				return err
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			url, err := covers.PutCover(c.Context, articleID, f)
			if err != nil {
				return err
			}
			if _, err := e.store.UpdateArticleFields(c.Context, articleID, store.Fields{"coverImage": url}); err != nil {
				return err
			}
			fmt.Println(url)
			return nil
		},
	}
}
